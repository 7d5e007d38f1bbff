package compiler

import (
	"math"

	"github.com/yut148/wasmer/asm"
	"github.com/yut148/wasmer/machine"
	"github.com/yut148/wasmer/trap"
	"github.com/yut148/wasmer/wasm"
)

// feedFloat handles every scalar floating-point operator (spec §4.2's
// "float lane"): arithmetic and comparison route through the VEX-encoded
// helpers in the asm package, and truncation-to-integer conversions insert
// the explicit range/NaN check the REDESIGN FLAGS section documents in
// place of relying on the hardware's own invalid-conversion exception.
func (g *FunctionCodeGenerator) feedFloat(op wasm.Operator) error {
	switch op.Kind {
	case wasm.OpF32Const:
		g.pushImmFloat(wasm.ValueTypeF32, uint64(op.F32))
		return nil
	case wasm.OpF64Const:
		g.pushImmFloat(wasm.ValueTypeF64, op.F64)
		return nil

	case wasm.OpF32Add, wasm.OpF64Add:
		return g.floatBinary(op.Kind, asm.FloatAdd)
	case wasm.OpF32Sub, wasm.OpF64Sub:
		return g.floatBinary(op.Kind, asm.FloatSub)
	case wasm.OpF32Mul, wasm.OpF64Mul:
		return g.floatBinary(op.Kind, asm.FloatMul)
	case wasm.OpF32Div, wasm.OpF64Div:
		return g.floatBinary(op.Kind, asm.FloatDiv)
	case wasm.OpF32Min, wasm.OpF64Min:
		return g.floatBinary(op.Kind, asm.FloatMin)
	case wasm.OpF32Max, wasm.OpF64Max:
		return g.floatBinary(op.Kind, asm.FloatMax)

	case wasm.OpF32Sqrt, wasm.OpF64Sqrt:
		return g.floatUnarySqrt(op.Kind)

	case wasm.OpF32Eq, wasm.OpF64Eq:
		return g.floatCmp(op.Kind, asm.CmpEQ)
	case wasm.OpF32Ne, wasm.OpF64Ne:
		return g.floatCmp(op.Kind, asm.CmpNEQ)
	case wasm.OpF32Lt, wasm.OpF64Lt:
		return g.floatCmp(op.Kind, asm.CmpLT)
	case wasm.OpF32Le, wasm.OpF64Le:
		return g.floatCmp(op.Kind, asm.CmpLE)
	case wasm.OpF32Gt, wasm.OpF64Gt:
		return g.floatCmpSwapped(op.Kind, asm.CmpLT)
	case wasm.OpF32Ge, wasm.OpF64Ge:
		return g.floatCmpSwapped(op.Kind, asm.CmpLE)

	case wasm.OpI32TruncF32S:
		return g.truncFloatToInt(false, false, true)
	case wasm.OpI32TruncF32U:
		return g.truncFloatToInt(false, false, false)
	case wasm.OpI32TruncF64S:
		return g.truncFloatToInt(false, true, true)
	case wasm.OpI32TruncF64U:
		return g.truncFloatToInt(false, true, false)
	case wasm.OpI64TruncF32S:
		return g.truncFloatToInt(true, false, true)
	case wasm.OpI64TruncF32U:
		return g.truncFloatToInt(true, false, false)
	case wasm.OpI64TruncF64S:
		return g.truncFloatToInt(true, true, true)
	case wasm.OpI64TruncF64U:
		return g.truncFloatToInt(true, true, false)

	case wasm.OpF32ConvertI32S, wasm.OpF32ConvertI64S, wasm.OpF64ConvertI32S, wasm.OpF64ConvertI64S:
		return g.convertIntToFloat(op.Kind, true)
	case wasm.OpF32ConvertI32U, wasm.OpF32ConvertI64U, wasm.OpF64ConvertI32U, wasm.OpF64ConvertI64U:
		return g.convertIntToFloat(op.Kind, false)

	case wasm.OpF32DemoteF64:
		return g.floatWidthChange(false)
	case wasm.OpF64PromoteF32:
		return g.floatWidthChange(true)
	}
	return newCompileError("unsupported float operator %s", op.Kind)
}

func isDouble(k wasm.OpKind) bool {
	switch k {
	case wasm.OpF64Add, wasm.OpF64Sub, wasm.OpF64Mul, wasm.OpF64Div, wasm.OpF64Min, wasm.OpF64Max, wasm.OpF64Sqrt,
		wasm.OpF64Eq, wasm.OpF64Ne, wasm.OpF64Lt, wasm.OpF64Gt, wasm.OpF64Le, wasm.OpF64Ge, wasm.OpF64Const:
		return true
	}
	return false
}

func floatValType(k wasm.OpKind) wasm.ValueType {
	if isDouble(k) {
		return wasm.ValueTypeF64
	}
	return wasm.ValueTypeF32
}

func (g *FunctionCodeGenerator) pushImmFloat(vt wasm.ValueType, bits uint64) {
	// Float constants are materialised through a GPR movabs into an XMM
	// register's bit pattern rather than kept as a LocImm, since this
	// encoder has no float-immediate load; the cost is paid once per
	// constant rather than once per use.
	scratch := g.acquireReg(machine.GPR)
	g.a.MovImm64ToReg(bits, scratch)
	dst := g.acquireReg(machine.XMM)
	g.a.MovGPRToXMM(asm.S64, scratch, dst)
	g.freeScratch(machine.GPR, scratch)
	g.pushRegResult(vt, machine.XMM, dst)
}

func (g *FunctionCodeGenerator) floatBinary(k wasm.OpKind, op asm.FloatOp) error {
	vt := floatValType(k)
	lhs, rhs, class := g.popBinary(vt)
	g.a.FloatRegReg(op, vt.Is64(), rhs, lhs)
	g.freeScratch(class, rhs)
	g.pushRegResult(vt, class, lhs)
	return nil
}

func (g *FunctionCodeGenerator) floatUnarySqrt(k wasm.OpKind) error {
	vt := floatValType(k)
	e := g.vstack.pop()
	r := g.materialize(e)
	g.a.FloatRegReg(asm.FloatSqrt, vt.Is64(), r, r)
	g.pushRegResult(vt, machine.XMM, r)
	return nil
}

func (g *FunctionCodeGenerator) floatCmp(k wasm.OpKind, predicate byte) error {
	vt := floatValType(k)
	lhs, rhs, class := g.popBinary(vt)
	g.a.FloatCmp(vt.Is64(), predicate, rhs, lhs)
	g.freeScratch(class, rhs)
	dst := g.acquireReg(machine.GPR)
	g.a.MovXMMToGPR(asm.S32, lhs, dst)
	g.a.AndImmReg(dst, 1)
	g.releaseReg(class, lhs)
	g.pushRegResult(wasm.ValueTypeI32, machine.GPR, dst)
	return nil
}

// floatCmpSwapped implements gt/ge by swapping operands into an lt/le test,
// since VCMPSS/VCMPSD's immediate predicates only define the ordered
// not-greater forms directly.
func (g *FunctionCodeGenerator) floatCmpSwapped(k wasm.OpKind, predicate byte) error {
	vt := floatValType(k)
	lhs, rhs, class := g.popBinary(vt)
	g.a.FloatCmp(vt.Is64(), predicate, lhs, rhs)
	g.freeScratch(class, lhs)
	dst := g.acquireReg(machine.GPR)
	g.a.MovXMMToGPR(asm.S32, rhs, dst)
	g.a.AndImmReg(dst, 1)
	g.releaseReg(class, rhs)
	g.pushRegResult(wasm.ValueTypeI32, machine.GPR, dst)
	return nil
}

// truncBounds returns the open interval (lower, upper) a source float must
// fall strictly within (lower itself is valid for the signed case, since
// it's exactly the destination type's most negative representable value)
// for truncation toward zero into a dstBits-wide integer to be in range.
func truncBounds(dstBits int, signed bool) (lower, upper float64) {
	if signed {
		half := math.Ldexp(1, dstBits-1) // 2^(dstBits-1)
		return -half, half
	}
	return -1, math.Ldexp(1, dstBits)
}

// loadFloatConst materialises a float64 constant into dst, reinterpreted as
// a float32 bit pattern first when double is false; used to stage the
// truncation bound comparisons below via the same GPR-movabs route
// pushImmFloat uses for ordinary float constants.
func (g *FunctionCodeGenerator) loadFloatConst(double bool, v float64, dst asm.Register) {
	var bits uint64
	if double {
		bits = math.Float64bits(v)
	} else {
		bits = uint64(math.Float32bits(float32(v)))
	}
	scratch := g.acquireReg(machine.GPR)
	g.a.MovImm64ToReg(bits, scratch)
	g.a.MovGPRToXMM(asm.S64, scratch, dst)
	g.freeScratch(machine.GPR, scratch)
}

// truncFloatToInt converts the top-of-stack float to an integer, trapping
// (via the explicit-status path, not a hardware exception) when the source
// is NaN or out of the destination type's representable range, per spec
// §4.2's conversion-trap requirement.
func (g *FunctionCodeGenerator) truncFloatToInt(dst64, src64, signed bool) error {
	e := g.vstack.pop()
	src := g.materialize(e)

	dstSize := asm.S32
	dstVT := wasm.ValueTypeI32
	dstBits := 32
	if dst64 {
		dstSize = asm.S64
		dstVT = wasm.ValueTypeI64
		dstBits = 64
	}
	dst := g.acquireReg(machine.GPR)
	// An unsigned 32-bit result may exceed the signed 32-bit range, so it is
	// converted at 64-bit width; its low 32 bits are the result.
	cvtSize := dstSize
	if !signed && !dst64 {
		cvtSize = asm.S64
	}
	g.a.CvttFloatToInt(cvtSize, src64, src, dst)

	// Out-of-range magnitude check: the hardware conversion above silently
	// produces the "integer indefinite" pattern for a source outside the
	// destination's representable range instead of faulting, so both bounds
	// are checked explicitly and routed through the same software-trap path
	// the NaN check below uses (spec §4.2's conversion-trap requirement;
	// REDESIGN FLAGS lists this alongside the NaN check as an explicit-status
	// site rather than a hardware exception).
	lower, upper := truncBounds(dstBits, signed)
	bound := g.acquireReg(machine.XMM)
	tmp := g.acquireReg(machine.XMM)
	flag := g.acquireReg(machine.GPR)

	// Too-negative: in the signed case lower is exactly the destination's
	// most negative value and valid itself, so src < lower traps; in the
	// unsigned case lower is -1.0, which is itself out of range, so
	// src <= lower traps. Both predicates are false for NaN, which the upper
	// check below catches.
	lowerPred := asm.CmpLT
	if !signed {
		lowerPred = asm.CmpLE
	}
	g.loadFloatConst(src64, lower, bound)
	g.a.MovXMMToXMM(src, tmp)
	g.a.FloatCmp(src64, lowerPred, bound, tmp)
	g.a.MovXMMToGPR(asm.S32, tmp, flag)
	g.a.AndImmReg(flag, 1)
	g.a.TestRegReg(asm.S32, flag, flag)
	g.emitSoftwareTrap(asm.ConditionNotEqual, trap.FloatInvalidConversion)

	// Too-large-or-equal (or unordered): src < upper must hold; VCMPSS/
	// VCMPSD report false for an unordered compare, so this branch also
	// catches NaN, making the explicit NaN check below purely a documented
	// backstop rather than the only line of defense.
	g.loadFloatConst(src64, upper, bound)
	g.a.MovXMMToXMM(src, tmp)
	g.a.FloatCmp(src64, asm.CmpLT, bound, tmp)
	g.a.MovXMMToGPR(asm.S32, tmp, flag)
	g.a.AndImmReg(flag, 1)
	g.a.TestRegReg(asm.S32, flag, flag)
	g.emitSoftwareTrap(asm.ConditionEqual, trap.FloatInvalidConversion)

	g.releaseReg(machine.GPR, flag)
	g.releaseReg(machine.XMM, tmp)
	g.releaseReg(machine.XMM, bound)

	// NaN check, performed after the conversion since VCMPSS/VCMPSD's
	// unordered-self-compare overwrites its destination (here, src, which
	// the conversion above has already consumed): an unordered compare of
	// src against itself leaves an all-ones mask in src exactly when src is
	// NaN. The upper-bound check above already traps on NaN and the range
	// checks catch every other source the hardware truncation cannot
	// convert, so this check is a backstop (spec §4.2's conversion-trap requirement;
	// REDESIGN FLAGS documents why this is a software check rather than a
	// hardware exception).
	flag = g.acquireReg(machine.GPR)
	g.a.FloatCmp(src64, asm.CmpUNORD, src, src)
	g.a.MovXMMToGPR(asm.S32, src, flag)
	g.a.AndImmReg(flag, 1)
	g.a.TestRegReg(asm.S32, flag, flag)
	g.emitSoftwareTrap(asm.ConditionNotEqual, trap.FloatInvalidConversion)
	g.releaseReg(machine.GPR, flag)
	g.releaseReg(machine.XMM, src)

	g.pushRegResult(dstVT, machine.GPR, dst)
	return nil
}

func (g *FunctionCodeGenerator) convertIntToFloat(k wasm.OpKind, signed bool) error {
	dstVT := floatValType(k)
	e := g.vstack.pop()
	src := g.materialize(e)
	srcSize := gprSize(e.vtype)
	if !signed && srcSize == asm.S32 {
		// Zero-extend a 32-bit unsigned value before the signed conversion
		// instruction, which otherwise would sign-interpret bit 31.
		g.a.MovRegToReg(asm.S32, src, src)
		srcSize = asm.S64
	}
	dst := g.acquireReg(machine.XMM)
	g.a.CvtIntToFloat(srcSize, dstVT.Is64(), src, dst)
	g.releaseReg(machine.GPR, src)
	g.pushRegResult(dstVT, machine.XMM, dst)
	return nil
}

func (g *FunctionCodeGenerator) floatWidthChange(toDouble bool) error {
	e := g.vstack.pop()
	r := g.materialize(e)
	vt := wasm.ValueTypeF32
	if toDouble {
		vt = wasm.ValueTypeF64
	}
	g.a.CvtFloatWidth(toDouble, r, r)
	g.pushRegResult(vt, machine.XMM, r)
	return nil
}
