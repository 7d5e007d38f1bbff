package compiler

import (
	"math"

	"github.com/yut148/wasmer/asm"
	"github.com/yut148/wasmer/machine"
	"github.com/yut148/wasmer/trap"
	"github.com/yut148/wasmer/wasm"
)

func isFloatOp(k wasm.OpKind) bool {
	switch k {
	case wasm.OpF32Const, wasm.OpF64Const,
		wasm.OpF32Add, wasm.OpF32Sub, wasm.OpF32Mul, wasm.OpF32Div, wasm.OpF32Min, wasm.OpF32Max, wasm.OpF32Sqrt,
		wasm.OpF32Eq, wasm.OpF32Ne, wasm.OpF32Lt, wasm.OpF32Gt, wasm.OpF32Le, wasm.OpF32Ge,
		wasm.OpF64Add, wasm.OpF64Sub, wasm.OpF64Mul, wasm.OpF64Div, wasm.OpF64Min, wasm.OpF64Max, wasm.OpF64Sqrt,
		wasm.OpF64Eq, wasm.OpF64Ne, wasm.OpF64Lt, wasm.OpF64Gt, wasm.OpF64Le, wasm.OpF64Ge,
		wasm.OpI32TruncF32S, wasm.OpI32TruncF32U, wasm.OpI32TruncF64S, wasm.OpI32TruncF64U,
		wasm.OpI64TruncF32S, wasm.OpI64TruncF32U, wasm.OpI64TruncF64S, wasm.OpI64TruncF64U,
		wasm.OpF32ConvertI32S, wasm.OpF32ConvertI32U, wasm.OpF32ConvertI64S, wasm.OpF32ConvertI64U,
		wasm.OpF64ConvertI32S, wasm.OpF64ConvertI32U, wasm.OpF64ConvertI64S, wasm.OpF64ConvertI64U,
		wasm.OpF32DemoteF64, wasm.OpF64PromoteF32:
		return true
	}
	return false
}

func isControlOp(k wasm.OpKind) bool {
	switch k {
	case wasm.OpUnreachable, wasm.OpBlock, wasm.OpLoop, wasm.OpIf, wasm.OpElse, wasm.OpEnd,
		wasm.OpBr, wasm.OpBrIf, wasm.OpBrTable, wasm.OpReturn,
		wasm.OpCall, wasm.OpCallIndirect, wasm.OpDrop, wasm.OpSelect:
		return true
	}
	return false
}

func isMemoryOp(k wasm.OpKind) bool {
	switch k {
	case wasm.OpGetLocal, wasm.OpSetLocal, wasm.OpTeeLocal, wasm.OpGetGlobal, wasm.OpSetGlobal,
		wasm.OpI32Load, wasm.OpI64Load, wasm.OpF32Load, wasm.OpF64Load,
		wasm.OpI32Load8S, wasm.OpI32Load8U, wasm.OpI32Load16S, wasm.OpI32Load16U,
		wasm.OpI64Load8S, wasm.OpI64Load8U, wasm.OpI64Load16S, wasm.OpI64Load16U,
		wasm.OpI64Load32S, wasm.OpI64Load32U,
		wasm.OpI32Store, wasm.OpI64Store, wasm.OpF32Store, wasm.OpF64Store,
		wasm.OpI32Store8, wasm.OpI32Store16, wasm.OpI64Store8, wasm.OpI64Store16, wasm.OpI64Store32:
		return true
	}
	return false
}

// feedNumeric handles every integer arithmetic/comparison/const/conversion
// operator (spec §4.1/§4.2).
func (g *FunctionCodeGenerator) feedNumeric(op wasm.Operator) error {
	switch op.Kind {
	case wasm.OpI32Const:
		g.pushTemp(wasm.ValueTypeI32, machine.Location{Kind: machine.LocImm32, Imm32: op.I32})
		return nil
	case wasm.OpI64Const:
		g.pushTemp(wasm.ValueTypeI64, machine.Location{Kind: machine.LocImm64, Imm64: op.I64})
		return nil

	case wasm.OpI32Add, wasm.OpI64Add:
		return g.aluBinary(op.Kind, asm.ALUAdd)
	case wasm.OpI32Sub, wasm.OpI64Sub:
		return g.aluBinary(op.Kind, asm.ALUSub)
	case wasm.OpI32And, wasm.OpI64And:
		return g.aluBinary(op.Kind, asm.ALUAnd)
	case wasm.OpI32Or, wasm.OpI64Or:
		return g.aluBinary(op.Kind, asm.ALUOr)
	case wasm.OpI32Xor, wasm.OpI64Xor:
		return g.aluBinary(op.Kind, asm.ALUXor)

	case wasm.OpI32Mul, wasm.OpI64Mul:
		return g.mulBinary(op.Kind)

	case wasm.OpI32DivS, wasm.OpI64DivS:
		return g.divBinary(op.Kind, true, false)
	case wasm.OpI32DivU, wasm.OpI64DivU:
		return g.divBinary(op.Kind, false, false)
	case wasm.OpI32RemS, wasm.OpI64RemS:
		return g.divBinary(op.Kind, true, true)
	case wasm.OpI32RemU, wasm.OpI64RemU:
		return g.divBinary(op.Kind, false, true)

	case wasm.OpI32Shl, wasm.OpI64Shl:
		return g.shiftBinary(op.Kind, asm.ShiftShl)
	case wasm.OpI32ShrS, wasm.OpI64ShrS:
		return g.shiftBinary(op.Kind, asm.ShiftSar)
	case wasm.OpI32ShrU, wasm.OpI64ShrU:
		return g.shiftBinary(op.Kind, asm.ShiftShr)
	case wasm.OpI32Rotl, wasm.OpI64Rotl:
		return g.shiftBinary(op.Kind, asm.ShiftRol)
	case wasm.OpI32Rotr, wasm.OpI64Rotr:
		return g.shiftBinary(op.Kind, asm.ShiftRor)

	case wasm.OpI32Eq, wasm.OpI64Eq:
		return g.cmpBinary(op.Kind, asm.ConditionEqual)
	case wasm.OpI32Ne, wasm.OpI64Ne:
		return g.cmpBinary(op.Kind, asm.ConditionNotEqual)
	case wasm.OpI32LtS, wasm.OpI64LtS:
		return g.cmpBinary(op.Kind, asm.ConditionLess)
	case wasm.OpI32LtU, wasm.OpI64LtU:
		return g.cmpBinary(op.Kind, asm.ConditionBelow)
	case wasm.OpI32GtS, wasm.OpI64GtS:
		return g.cmpBinary(op.Kind, asm.ConditionGreater)
	case wasm.OpI32GtU, wasm.OpI64GtU:
		return g.cmpBinary(op.Kind, asm.ConditionAbove)
	case wasm.OpI32LeS, wasm.OpI64LeS:
		return g.cmpBinary(op.Kind, asm.ConditionLessEqual)
	case wasm.OpI32LeU, wasm.OpI64LeU:
		return g.cmpBinary(op.Kind, asm.ConditionBelowEqual)
	case wasm.OpI32GeS, wasm.OpI64GeS:
		return g.cmpBinary(op.Kind, asm.ConditionGreaterEqual)
	case wasm.OpI32GeU, wasm.OpI64GeU:
		return g.cmpBinary(op.Kind, asm.ConditionAboveEqual)

	case wasm.OpI32Eqz:
		return g.eqz(wasm.ValueTypeI32)
	case wasm.OpI64Eqz:
		return g.eqz(wasm.ValueTypeI64)

	case wasm.OpI32WrapI64:
		return g.wrapI64()
	case wasm.OpI64ExtendI32S:
		return g.extendI32(true)
	case wasm.OpI64ExtendI32U:
		return g.extendI32(false)
	}
	return newCompileError("unsupported numeric operator %s", op.Kind)
}

func valTypeOf(k wasm.OpKind) wasm.ValueType {
	switch {
	case k >= wasm.OpI64Add && k <= wasm.OpI64Eqz:
		return wasm.ValueTypeI64
	default:
		return wasm.ValueTypeI32
	}
}

func (g *FunctionCodeGenerator) aluBinary(k wasm.OpKind, op asm.ALUOp) error {
	vt := valTypeOf(k)
	lhs, rhs, class := g.popBinary(vt)
	g.a.ALURegToReg(op, gprSize(vt), rhs, lhs)
	g.freeScratch(class, rhs)
	g.pushRegResult(vt, class, lhs)
	return nil
}

func (g *FunctionCodeGenerator) mulBinary(k wasm.OpKind) error {
	vt := valTypeOf(k)
	lhs, rhs, class := g.popBinary(vt)
	g.a.Imul(gprSize(vt), rhs, lhs)
	g.freeScratch(class, rhs)
	g.pushRegResult(vt, class, lhs)
	return nil
}

// divBinary emits the idiv/div sequence: dividend must be in RAX (sign- or
// zero-extended into RDX:RAX first), divisor in any other GPR. A zero
// divisor is checked in software and reported via the explicit-status trap
// path rather than letting the div instruction itself fault (spec §4.2,
// REDESIGN FLAGS: hardware SIGFPE is not recoverable without cgo).
//
// Signed division additionally guards the one other input that faults
// idiv in hardware: dividend == INT_MIN and divisor == -1. div_s traps
// IntegerOverflow for that pair (boundary scenario #2); rem_s does not
// trap there per wasm's own semantics and instead yields 0, so that case
// skips idiv entirely rather than letting it fault.
func (g *FunctionCodeGenerator) divBinary(k wasm.OpKind, signed, remainder bool) error {
	vt := valTypeOf(k)
	size := gprSize(vt)
	rhs := g.vstack.pop()
	lhs := g.vstack.pop()
	divisor := g.materialize(rhs)
	dividend := g.materialize(lhs)

	g.a.TestRegReg(size, divisor, divisor)
	g.emitSoftwareTrap(asm.ConditionEqual, trap.IntegerDivideByZero)

	// dst is acquired once, up front, so both the overflow short-circuit and
	// the normal idiv path below write into the same location and only one
	// pushRegResult describes the instruction's result.
	dst := g.acquireReg(machine.GPR)

	var done asm.Label
	guardOverflow := signed
	if guardOverflow {
		done = g.a.GetLabel()
		notOverflow := g.a.GetLabel()
		g.a.CmpRegImm(size, divisor, -1)
		g.a.Jmp(asm.ConditionNotEqual, notOverflow)
		g.jumpIfNotIntMin(size, dividend, notOverflow)

		if remainder {
			g.a.ALURegToReg(asm.ALUXor, asm.S64, dst, dst)
			g.a.Jmp(asm.ConditionNone, done)
		} else {
			g.emitSoftwareTrap(asm.ConditionNone, trap.IntegerOverflow)
		}
		g.a.EmitLabel(notOverflow)
	}

	// Move dividend into RAX, divisor out of RAX/RDX's way if it happens to
	// already occupy one of them.
	if divisor == asm.RAX || divisor == asm.RDX {
		moved := g.acquireReg(machine.GPR)
		g.a.MovRegToReg(size, divisor, moved)
		g.freeScratch(machine.GPR, divisor)
		divisor = moved
	}
	if dividend != asm.RAX {
		g.a.MovRegToReg(size, dividend, asm.RAX)
	}
	if signed {
		if size == asm.S64 {
			g.a.Cqo()
		} else {
			g.a.Cdq()
		}
		g.a.Idiv(size, divisor)
	} else {
		g.a.ALURegToReg(asm.ALUXor, size, asm.RDX, asm.RDX)
		g.a.Div(size, divisor)
	}

	result := asm.RAX
	if remainder {
		result = asm.RDX
	}
	g.a.MovRegToReg(size, result, dst)

	if guardOverflow {
		g.a.EmitLabel(done)
	}

	g.freeScratch(machine.GPR, divisor)
	g.pushRegResult(vt, machine.GPR, dst)
	return nil
}

// jumpIfNotIntMin jumps to notMin unless reg currently holds size's most
// negative signed value; a 64-bit comparison needs its constant
// materialized in a scratch register since CmpRegImm only carries a
// 32-bit immediate.
func (g *FunctionCodeGenerator) jumpIfNotIntMin(size asm.OperandSize, reg asm.Register, notMin asm.Label) {
	if size == asm.S32 {
		g.a.CmpRegImm(size, reg, math.MinInt32)
		g.a.Jmp(asm.ConditionNotEqual, notMin)
		return
	}
	scratch := g.acquireReg(machine.GPR)
	g.a.MovImm64ToReg(uint64(int64(math.MinInt64)), scratch)
	g.a.CmpRegReg(size, reg, scratch)
	g.freeScratch(machine.GPR, scratch)
	g.a.Jmp(asm.ConditionNotEqual, notMin)
}

func (g *FunctionCodeGenerator) shiftBinary(k wasm.OpKind, op asm.ShiftOp) error {
	vt := valTypeOf(k)
	size := gprSize(vt)
	rhs := g.vstack.pop()
	lhs := g.vstack.pop()
	count := g.materialize(rhs)
	dst := g.materialize(lhs)

	if count != asm.RCX {
		g.a.MovRegToReg(asm.S64, count, asm.RCX)
		g.freeScratch(machine.GPR, count)
	}
	switch op {
	case asm.ShiftRol, asm.ShiftRor:
		g.a.ShiftByCL(op, size, dst)
	default:
		g.a.ShiftByCL(op, size, dst)
	}
	g.pushRegResult(vt, machine.GPR, dst)
	return nil
}

func (g *FunctionCodeGenerator) cmpBinary(k wasm.OpKind, cond asm.Condition) error {
	vt := valTypeOf(k)
	lhs, rhs, class := g.popBinary(vt)
	g.a.CmpRegReg(gprSize(vt), lhs, rhs)
	g.freeScratch(class, rhs)
	g.emitSetcc(cond, lhs)
	g.pushRegResult(wasm.ValueTypeI32, machine.GPR, lhs)
	return nil
}

// emitSetcc materializes a condition code into dst as a {0,1} i32, using
// a short conditional-move idiom: since
// this assembler has no dedicated SETcc encoder, the comparison result is
// synthesized via a conditional jump around an immediate load.
func (g *FunctionCodeGenerator) emitSetcc(cond asm.Condition, dst asm.Register) {
	isTrue := g.a.GetLabel()
	done := g.a.GetLabel()
	g.a.Jmp(cond, isTrue)
	g.a.MovImm32ToReg(0, dst)
	g.a.Jmp(asm.ConditionNone, done)
	g.a.EmitLabel(isTrue)
	g.a.MovImm32ToReg(1, dst)
	g.a.EmitLabel(done)
}

func (g *FunctionCodeGenerator) eqz(vt wasm.ValueType) error {
	e := g.vstack.pop()
	r := g.materialize(e)
	g.a.TestRegReg(gprSize(vt), r, r)
	g.emitSetcc(asm.ConditionEqual, r)
	g.pushRegResult(wasm.ValueTypeI32, machine.GPR, r)
	return nil
}

func (g *FunctionCodeGenerator) wrapI64() error {
	e := g.vstack.pop()
	r := g.materialize(e)
	// A plain 32-bit mov of a register to itself zero-extends the upper 32
	// bits away, which is exactly wrap's truncation semantics.
	g.a.MovRegToReg(asm.S32, r, r)
	g.pushRegResult(wasm.ValueTypeI32, machine.GPR, r)
	return nil
}

func (g *FunctionCodeGenerator) extendI32(signed bool) error {
	e := g.vstack.pop()
	r := g.materialize(e)
	if signed {
		g.a.ShiftByImm(asm.ShiftShl, asm.S64, 32, r)
		g.a.ShiftByImm(asm.ShiftSar, asm.S64, 32, r)
	} else {
		g.a.MovRegToReg(asm.S32, r, r)
	}
	g.pushRegResult(wasm.ValueTypeI64, machine.GPR, r)
	return nil
}
