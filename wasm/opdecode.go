package wasm

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// DecodeOperators turns a function body's raw operator stream (as produced
// by DecodeLocalDeclarations) into the flat []Operator slice
// FunctionCodeGenerator.FeedOpcode consumes one element at a time. This is
// the external decoder collaborator of spec §1, narrowed to exactly the
// operator set §4.3 specifies translations for.
func DecodeOperators(stream []byte) ([]Operator, error) {
	r := bufio.NewReader(bytes.NewReader(stream))
	var ops []Operator
	for {
		b, err := r.ReadByte()
		if err == io.EOF {
			return ops, nil
		}
		if err != nil {
			return nil, err
		}
		op, err := decodeOne(r, b)
		if err != nil {
			return nil, fmt.Errorf("wasm: decoding opcode %#x: %w", b, err)
		}
		ops = append(ops, op)
	}
}

func decodeBlockType(r *bufio.Reader) (BlockType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return BlockType{}, err
	}
	if b == 0x40 {
		return BlockType{}, nil
	}
	switch ValueType(b) {
	case ValueTypeI32, ValueTypeI64, ValueTypeF32, ValueTypeF64:
		return BlockType{HasResult: true, Result: ValueType(b)}, nil
	}
	return BlockType{}, fmt.Errorf("bad block type %#x", b)
}

func decodeMemArg(r *bufio.Reader) (align, offset uint32, err error) {
	align, err = readU32(r)
	if err != nil {
		return
	}
	offset, err = readU32(r)
	return
}

//nolint:gocyclo // mirrors the flat opcode switch every wasm decoder uses.
func decodeOne(r *bufio.Reader, b byte) (Operator, error) {
	switch b {
	case 0x00:
		return Operator{Kind: OpUnreachable}, nil
	case 0x01:
		return Operator{}, fmt.Errorf("nop is not part of the specified operator set")
	case 0x02:
		bt, err := decodeBlockType(r)
		return Operator{Kind: OpBlock, Block: bt}, err
	case 0x03:
		bt, err := decodeBlockType(r)
		return Operator{Kind: OpLoop, Block: bt}, err
	case 0x04:
		bt, err := decodeBlockType(r)
		return Operator{Kind: OpIf, Block: bt}, err
	case 0x05:
		return Operator{Kind: OpElse}, nil
	case 0x0B:
		return Operator{Kind: OpEnd}, nil
	case 0x0C:
		d, err := readU32(r)
		return Operator{Kind: OpBr, RelativeDepth: d}, err
	case 0x0D:
		d, err := readU32(r)
		return Operator{Kind: OpBrIf, RelativeDepth: d}, err
	case 0x0E:
		count, err := readU32(r)
		if err != nil {
			return Operator{}, err
		}
		targets := make([]uint32, count)
		for i := range targets {
			if targets[i], err = readU32(r); err != nil {
				return Operator{}, err
			}
		}
		def, err := readU32(r)
		return Operator{Kind: OpBrTable, Targets: targets, Default: def}, err
	case 0x0F:
		return Operator{Kind: OpReturn}, nil
	case 0x10:
		idx, err := readU32(r)
		return Operator{Kind: OpCall, FuncIndex: idx}, err
	case 0x11:
		ti, err := readU32(r)
		if err != nil {
			return Operator{}, err
		}
		if _, err := r.ReadByte(); err != nil { // reserved table-index byte
			return Operator{}, err
		}
		return Operator{Kind: OpCallIndirect, TypeIndex: ti}, nil
	case 0x1A:
		return Operator{Kind: OpDrop}, nil
	case 0x1B:
		return Operator{Kind: OpSelect}, nil
	case 0x20:
		idx, err := readU32(r)
		return Operator{Kind: OpGetLocal, LocalIndex: idx}, err
	case 0x21:
		idx, err := readU32(r)
		return Operator{Kind: OpSetLocal, LocalIndex: idx}, err
	case 0x22:
		idx, err := readU32(r)
		return Operator{Kind: OpTeeLocal, LocalIndex: idx}, err
	case 0x23:
		idx, err := readU32(r)
		return Operator{Kind: OpGetGlobal, GlobalIndex: idx}, err
	case 0x24:
		idx, err := readU32(r)
		return Operator{Kind: OpSetGlobal, GlobalIndex: idx}, err
	case 0x28, 0x29, 0x2A, 0x2B, 0x2C, 0x2D, 0x2E, 0x2F,
		0x30, 0x31, 0x32, 0x33, 0x34, 0x35,
		0x36, 0x37, 0x38, 0x39,
		0x3A, 0x3B, 0x3C, 0x3D, 0x3E:
		align, offset, err := decodeMemArg(r)
		if err != nil {
			return Operator{}, err
		}
		kind := loadStoreKind(b)
		return Operator{Kind: kind, MemAlign: align, MemOffset: offset}, nil
	case 0x41:
		v, err := readI32(r)
		return Operator{Kind: OpI32Const, I32: v}, err
	case 0x42:
		v, err := readI64(r)
		return Operator{Kind: OpI64Const, I64: v}, err
	case 0x43:
		var buf [4]byte
		_, err := io.ReadFull(r, buf[:])
		return Operator{Kind: OpF32Const, F32: le32(buf[:])}, err
	case 0x44:
		var buf [8]byte
		_, err := io.ReadFull(r, buf[:])
		return Operator{Kind: OpF64Const, F64: le64(buf[:])}, err
	default:
		if kind, ok := simpleOpKinds[b]; ok {
			return Operator{Kind: kind}, nil
		}
		return Operator{}, fmt.Errorf("unsupported opcode %#x", b)
	}
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func loadStoreKind(opcode byte) OpKind {
	m := map[byte]OpKind{
		0x28: OpI32Load, 0x29: OpI64Load, 0x2A: OpF32Load, 0x2B: OpF64Load,
		0x2C: OpI32Load8S, 0x2D: OpI32Load8U, 0x2E: OpI32Load16S, 0x2F: OpI32Load16U,
		0x30: OpI64Load8S, 0x31: OpI64Load8U, 0x32: OpI64Load16S, 0x33: OpI64Load16U,
		0x34: OpI64Load32S, 0x35: OpI64Load32U,
		0x36: OpI32Store, 0x37: OpI64Store, 0x38: OpF32Store, 0x39: OpF64Store,
		0x3A: OpI32Store8, 0x3B: OpI32Store16, 0x3C: OpI64Store8, 0x3D: OpI64Store16, 0x3E: OpI64Store32,
	}
	return m[opcode]
}

// simpleOpKinds are every opcode whose entire meaning is captured by Kind
// alone (arithmetic, comparison, conversion): no immediate operand to
// decode.
var simpleOpKinds = map[byte]OpKind{
	0x45: OpI32Eqz, 0x46: OpI32Eq, 0x47: OpI32Ne,
	0x48: OpI32LtS, 0x49: OpI32LtU, 0x4A: OpI32GtS, 0x4B: OpI32GtU,
	0x4C: OpI32LeS, 0x4D: OpI32LeU, 0x4E: OpI32GeS, 0x4F: OpI32GeU,
	0x50: OpI64Eqz, 0x51: OpI64Eq, 0x52: OpI64Ne,
	0x53: OpI64LtS, 0x54: OpI64LtU, 0x55: OpI64GtS, 0x56: OpI64GtU,
	0x57: OpI64LeS, 0x58: OpI64LeU, 0x59: OpI64GeS, 0x5A: OpI64GeU,
	0x5B: OpF32Eq, 0x5C: OpF32Ne, 0x5D: OpF32Lt, 0x5E: OpF32Gt, 0x5F: OpF32Le, 0x60: OpF32Ge,
	0x61: OpF64Eq, 0x62: OpF64Ne, 0x63: OpF64Lt, 0x64: OpF64Gt, 0x65: OpF64Le, 0x66: OpF64Ge,
	0x6A: OpI32Add, 0x6B: OpI32Sub, 0x6C: OpI32Mul, 0x6D: OpI32DivS, 0x6E: OpI32DivU,
	0x6F: OpI32RemS, 0x70: OpI32RemU, 0x71: OpI32And, 0x72: OpI32Or, 0x73: OpI32Xor,
	0x74: OpI32Shl, 0x75: OpI32ShrS, 0x76: OpI32ShrU, 0x77: OpI32Rotl, 0x78: OpI32Rotr,
	0x7C: OpI64Add, 0x7D: OpI64Sub, 0x7E: OpI64Mul, 0x7F: OpI64DivS, 0x80: OpI64DivU,
	0x81: OpI64RemS, 0x82: OpI64RemU, 0x83: OpI64And, 0x84: OpI64Or, 0x85: OpI64Xor,
	0x86: OpI64Shl, 0x87: OpI64ShrS, 0x88: OpI64ShrU, 0x89: OpI64Rotl, 0x8A: OpI64Rotr,
	0x91: OpF32Sqrt, 0x92: OpF32Add, 0x93: OpF32Sub, 0x94: OpF32Mul, 0x95: OpF32Div,
	0x96: OpF32Min, 0x97: OpF32Max,
	0x9F: OpF64Sqrt, 0xA0: OpF64Add, 0xA1: OpF64Sub, 0xA2: OpF64Mul, 0xA3: OpF64Div,
	0xA4: OpF64Min, 0xA5: OpF64Max,
	0xA7: OpI32WrapI64,
	0xA8: OpI32TruncF32S, 0xA9: OpI32TruncF32U, 0xAA: OpI32TruncF64S, 0xAB: OpI32TruncF64U,
	0xAC: OpI64ExtendI32S, 0xAD: OpI64ExtendI32U,
	0xAE: OpI64TruncF32S, 0xAF: OpI64TruncF32U, 0xB0: OpI64TruncF64S, 0xB1: OpI64TruncF64U,
	0xB2: OpF32ConvertI32S, 0xB3: OpF32ConvertI32U, 0xB4: OpF32ConvertI64S, 0xB5: OpF32ConvertI64U,
	0xB6: OpF32DemoteF64,
	0xB7: OpF64ConvertI32S, 0xB8: OpF64ConvertI32U, 0xB9: OpF64ConvertI64S, 0xBA: OpF64ConvertI64U,
	0xBB: OpF64PromoteF32,
}
