package wasm

import "fmt"

// OpKind enumerates every operator the single-pass code generator knows how
// to translate. The decoder (wasm.DecodeOperators) produces a flat stream of
// these per function body; the code generator consumes them one at a time
// via FunctionCodeGenerator.FeedOpcode.
type OpKind byte

const (
	OpUnreachable OpKind = iota
	OpBlock
	OpLoop
	OpIf
	OpElse
	OpEnd
	OpBr
	OpBrIf
	OpBrTable
	OpReturn
	OpCall
	OpCallIndirect
	OpDrop
	OpSelect
	OpGetLocal
	OpSetLocal
	OpTeeLocal
	OpGetGlobal
	OpSetGlobal
	OpI32Load
	OpI64Load
	OpF32Load
	OpF64Load
	OpI32Load8S
	OpI32Load8U
	OpI32Load16S
	OpI32Load16U
	OpI64Load8S
	OpI64Load8U
	OpI64Load16S
	OpI64Load16U
	OpI64Load32S
	OpI64Load32U
	OpI32Store
	OpI64Store
	OpF32Store
	OpF64Store
	OpI32Store8
	OpI32Store16
	OpI64Store8
	OpI64Store16
	OpI64Store32
	OpI32Const
	OpI64Const
	OpF32Const
	OpF64Const
	OpI32Add
	OpI32Sub
	OpI32Mul
	OpI32DivS
	OpI32DivU
	OpI32RemS
	OpI32RemU
	OpI32And
	OpI32Or
	OpI32Xor
	OpI32Shl
	OpI32ShrS
	OpI32ShrU
	OpI32Rotl
	OpI32Rotr
	OpI32Eq
	OpI32Ne
	OpI32LtS
	OpI32LtU
	OpI32GtS
	OpI32GtU
	OpI32LeS
	OpI32LeU
	OpI32GeS
	OpI32GeU
	OpI32Eqz
	OpI64Add
	OpI64Sub
	OpI64Mul
	OpI64DivS
	OpI64DivU
	OpI64RemS
	OpI64RemU
	OpI64And
	OpI64Or
	OpI64Xor
	OpI64Shl
	OpI64ShrS
	OpI64ShrU
	OpI64Rotl
	OpI64Rotr
	OpI64Eq
	OpI64Ne
	OpI64LtS
	OpI64LtU
	OpI64GtS
	OpI64GtU
	OpI64LeS
	OpI64LeU
	OpI64GeS
	OpI64GeU
	OpI64Eqz
	OpF32Add
	OpF32Sub
	OpF32Mul
	OpF32Div
	OpF32Min
	OpF32Max
	OpF32Sqrt
	OpF32Eq
	OpF32Ne
	OpF32Lt
	OpF32Gt
	OpF32Le
	OpF32Ge
	OpF64Add
	OpF64Sub
	OpF64Mul
	OpF64Div
	OpF64Min
	OpF64Max
	OpF64Sqrt
	OpF64Eq
	OpF64Ne
	OpF64Lt
	OpF64Gt
	OpF64Le
	OpF64Ge
	OpI32TruncF32S
	OpI32TruncF32U
	OpI32TruncF64S
	OpI32TruncF64U
	OpI64TruncF32S
	OpI64TruncF32U
	OpI64TruncF64S
	OpI64TruncF64U
	OpF32ConvertI32S
	OpF32ConvertI32U
	OpF32ConvertI64S
	OpF32ConvertI64U
	OpF64ConvertI32S
	OpF64ConvertI32U
	OpF64ConvertI64S
	OpF64ConvertI64U
	OpI32WrapI64
	OpI64ExtendI32S
	OpI64ExtendI32U
	OpF32DemoteF64
	OpF64PromoteF32
	opKindEnd
)

// BlockType describes the return-arity of a Block/Loop/If, restricted to
// 0 or 1 results (multi-value is a non-goal, spec §3).
type BlockType struct {
	HasResult bool
	Result    ValueType
}

// Operator is the single tagged union every decoded instruction is
// represented as, following the teacher's own UnionOperation design:
// one concrete type carries every operator's payload, selected by Kind.
type Operator struct {
	Kind OpKind

	// Block/Loop/If
	Block BlockType

	// Br/BrIf: how many control frames (from the innermost) to target.
	RelativeDepth uint32
	// BrTable
	Targets []uint32
	Default uint32

	// Call/CallIndirect
	FuncIndex Index
	TypeIndex Index

	// GetLocal/SetLocal/TeeLocal
	LocalIndex Index
	// GetGlobal/SetGlobal
	GlobalIndex Index

	// Memory access: offset is the immediate added to the dynamic address.
	MemOffset uint32
	MemAlign  uint32

	// Const operators.
	I32 int32
	I64 int64
	F32 uint32 // raw bits
	F64 uint64 // raw bits
}

func (k OpKind) String() string {
	names := [...]string{
		"unreachable", "block", "loop", "if", "else", "end", "br", "br_if",
		"br_table", "return", "call", "call_indirect", "drop", "select",
		"get_local", "set_local", "tee_local", "get_global", "set_global",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return fmt.Sprintf("op(%d)", k)
}
