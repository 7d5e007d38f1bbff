package asm

// FloatOp enumerates the scalar AVX opcodes the code generator emits. Each
// maps to a single two-byte 0F opcode dispatched on the vex "pp" field:
// 0xF3 selects the single-precision (ss) form, 0xF2 the double (sd) form.
type FloatOp byte

const (
	FloatAdd FloatOp = 0x58
	FloatSub FloatOp = 0x5C
	FloatMul FloatOp = 0x59
	FloatDiv FloatOp = 0x5E
	FloatMin FloatOp = 0x5D
	FloatMax FloatOp = 0x5F
	FloatSqrt FloatOp = 0x51
)

// vexPP selects the mandatory-prefix field of the two-byte VEX encoding for
// a scalar single vs double precision opcode.
func vexPP(double bool) byte {
	if double {
		return 0x3 // F2
	}
	return 0x2 // F3
}

// emitVEX2 emits the 2-byte VEX prefix (C5) covering the common case used
// throughout this package: L=0 (scalar), W implied 0, one source register
// folded into vvvv.
func (a *Assembler) emitVEX2(pp byte, reg, vvvv, rm Register) {
	rBit := byte(1)
	if reg >= R8 {
		rBit = 0
	}
	vvvvBits := (^byte(vvvv) & 0xF)
	if rm >= R8 {
		// 2-byte VEX cannot encode extended r/m registers (needs the 3-byte
		// form); promote to C4 with X/B cleared appropriately.
		a.emitVEX3(pp, reg, vvvv, rm)
		return
	}
	a.emit(0xC5, rBit<<7|vvvvBits<<3|pp)
}

func (a *Assembler) emitVEX3(pp byte, reg, vvvv, rm Register) {
	rBit := byte(1)
	if reg >= R8 {
		rBit = 0
	}
	bBit := byte(1)
	if rm >= R8 {
		bBit = 0
	}
	vvvvBits := ^byte(vvvv) & 0xF
	a.emit(0xC4, rBit<<7|1<<6|bBit<<5|0x1, vvvvBits<<3|pp)
}

// FloatRegReg emits `vop dst, dst, src` (two-operand scalar form: src1==dst,
// matching how the code generator's operand canonicalisation always
// arranges the destination register to also hold the first source).
func (a *Assembler) FloatRegReg(op FloatOp, double bool, src, dst Register) {
	a.emitVEX2(vexPP(double), dst, dst, src)
	a.emit(byte(op))
	a.emitModRM(byte(dst)&7, src)
}

// FloatCmp emits `vcmp{eq,lt,le,neq,...}{ss,sd} dst, dst, src` via the
// imm8-parameterised VCMPSS/VCMPSD opcode 0xC2.
func (a *Assembler) FloatCmp(double bool, predicate byte, src, dst Register) {
	a.emitVEX2(vexPP(double), dst, dst, src)
	a.emit(0xC2)
	a.emitModRM(byte(dst)&7, src)
	a.emit(predicate)
}

// Predicate values for FloatCmp (subset of the 32 defined by VCMPPS/VCMPPD).
const (
	CmpEQ    byte = 0x00
	CmpLT    byte = 0x01
	CmpLE    byte = 0x02
	CmpUNORD byte = 0x03
	CmpNEQ   byte = 0x04
)

// FloatRound emits `vroundss/vroundsd dst, dst, src, imm8` (truncate/floor/
// ceil/nearest per the rounding-mode immediate).
func (a *Assembler) FloatRound(double bool, mode byte, src, dst Register) {
	pp := byte(0x1) // 0x66 mandatory prefix for the 3-byte 0F3A map
	a.emitVEX3Map3A(pp, dst, dst, src)
	op := byte(0x0A)
	if double {
		op = 0x0B
	}
	a.emit(op)
	a.emitModRM(byte(dst)&7, src)
	a.emit(mode)
}

func (a *Assembler) emitVEX3Map3A(pp byte, reg, vvvv, rm Register) {
	rBit := byte(1)
	if reg >= R8 {
		rBit = 0
	}
	bBit := byte(1)
	if rm >= R8 {
		bBit = 0
	}
	vvvvBits := ^byte(vvvv) & 0xF
	a.emit(0xC4, rBit<<7|1<<6|bBit<<5|0x3, 1<<7|vvvvBits<<3|pp)
}

// CvtFloatWidth emits vcvtss2sd/vcvtsd2ss dst, dst, src (opcode 0x5A),
// narrowing or widening a scalar float's precision; toDouble selects which
// direction (f32->f64 or f64->f32) the source is interpreted as.
func (a *Assembler) CvtFloatWidth(toDouble bool, src, dst Register) {
	a.emitVEX2(vexPP(!toDouble), dst, dst, src)
	a.emit(0x5A)
	a.emitModRM(byte(dst)&7, src)
}

// Int<->float conversions.

// CvtIntToFloat converts a GPR (32 or 64 bit, selected by srcSize) to a
// scalar double/single into an XMM register.
func (a *Assembler) CvtIntToFloat(srcSize OperandSize, double bool, src Register, dst Register) {
	a.emitVEX2W(vexPP(double), srcSize == S64, dst, dst, src)
	a.emit(0x2A)
	a.emitModRM(byte(dst)&7, src)
}

// CvttFloatToInt converts a scalar XMM value to a 32/64-bit GPR with
// truncation toward zero (the code generator guards against out-of-range
// and NaN inputs before emitting this).
func (a *Assembler) CvttFloatToInt(dstSize OperandSize, double bool, src Register, dst Register) {
	a.emitVEX2W(vexPP(double), dstSize == S64, dst, NilRegister, src)
	a.emit(0x2C)
	a.emitModRM(byte(dst)&7, src)
}

func (a *Assembler) emitVEX2W(pp byte, w bool, reg, vvvv, rm Register) {
	rBit := byte(1)
	if reg >= R8 {
		rBit = 0
	}
	bBit := byte(1)
	if rm >= R8 {
		bBit = 0
	}
	vv := byte(0xF)
	if vvvv != NilRegister {
		vv = ^byte(vvvv) & 0xF
	}
	wBit := byte(0)
	if w {
		wBit = 1
	}
	a.emit(0xC4, rBit<<7|1<<6|bBit<<5|0x1, wBit<<7|vv<<3|pp)
}

// AndImmReg emits `and dst, imm32` used to mask a comparison mask down to a
// wasm-typed i32 {0,1} result.
func (a *Assembler) AndImmReg(dst Register, imm int32) {
	a.ALUImmToReg(ALUAnd, S32, imm, dst)
}

// MovXMMToGPR emits vmovd/vmovq dst(GPR), src(XMM): a bit-for-bit transfer,
// not a numeric conversion, used to pull a VCMPSS/VCMPSD mask (or any raw
// float bit pattern) into a GPR for further integer processing.
func (a *Assembler) MovXMMToGPR(size OperandSize, src, dst Register) {
	a.emitVEX2W(0x1, size == S64, src, NilRegister, dst)
	a.emit(0x7E)
	a.emitModRM(byte(src)&7, dst)
}

// MovGPRToXMM emits vmovd/vmovq dst(XMM), src(GPR): the inverse bit-for-bit
// transfer, used to seed an XMM register from a raw bit pattern already
// materialised in a GPR (float constants, reinterpret casts).
func (a *Assembler) MovGPRToXMM(size OperandSize, src, dst Register) {
	a.emitVEX2W(0x1, size == S64, dst, NilRegister, src)
	a.emit(0x6E)
	a.emitModRM(byte(dst)&7, src)
}

// MovXMMToXMM emits a scalar register-to-register copy (vmovsd dst, dst,
// src), preserving the low 64 bits untouched by any numeric reinterpretation;
// used to relocate a float value already resident in one XMM register into
// another (call-argument shuffles, block-result placement) without routing
// it through a GPR.
func (a *Assembler) MovXMMToXMM(src, dst Register) {
	a.emitVEX2(vexPP(true), dst, dst, src)
	a.emit(0x10)
	a.emitModRM(byte(dst)&7, src)
}
