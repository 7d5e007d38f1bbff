package asm

// ALUOp identifies the opcode-extension group used by the classic
// add/sub/and/or/xor/cmp/test family, which all share the same ModRM-based
// encoding shape and differ only in the /digit (or the bits folded into the
// primary opcode for the register/memory forms).
type ALUOp byte

const (
	ALUAdd ALUOp = iota
	ALUOr
	ALUAdc
	ALUSbb
	ALUAnd
	ALUSub
	ALUXor
	ALUCmp
)

func (op ALUOp) digit() byte { return byte(op) }

// MovRegToReg emits `mov dst, src` for two GPRs at the given size.
func (a *Assembler) MovRegToReg(size OperandSize, src, dst Register) {
	a.movModRM(0x89, size, byte(src), dst)
}

// MovMemToReg emits `mov dst, [mem]` at the given size. The S32 form
// zero-extends into the upper 32 bits of dst, per ordinary x86-64 mov
// semantics; the S8 and S16 forms leave dst's upper bits unchanged. Callers
// wanting zero or sign extension from a narrow load use MovzxMemToReg or
// MovsxMemToReg.
func (a *Assembler) MovMemToReg(size OperandSize, mem Memory, dst Register) {
	a.movModRM(0x8B, size, byte(dst), mem)
}

// MovRegToMem emits `mov [mem], src`.
func (a *Assembler) MovRegToMem(size OperandSize, src Register, mem Memory) {
	a.movModRM(0x89, size, byte(src), mem)
}

// movModRM is the shared encoder for the dedicated mov opcodes (0x89 reg/mem
// <- reg, 0x8B reg <- reg/mem); primary must already reflect the direction.
func (a *Assembler) movModRM(primary byte, size OperandSize, reg byte, rm interface{}) {
	w := size == S64
	regExt := reg >= 8
	var rex byte
	var needsREX = w || regExt
	switch v := rm.(type) {
	case Register:
		needsREX = needsREX || v >= R8
		rex = rexPrefix(w, regExt, false, v >= R8)
	case Memory:
		needsREX = needsREX || v.Base >= R8 || (v.Index != NilRegister && v.Index >= R8)
		rex = rexPrefix(w, regExt, v.Index >= R8, v.Base >= R8)
	}
	if size == S16 {
		a.emit(0x66) // operand-size prefix, ahead of any REX byte
	}
	if needsREX {
		a.emit(rex)
	}
	if size == S8 {
		primary &^= 1
	}
	a.emit(primary)
	a.emitModRM(reg, rm)
}

// ALURegToReg emits `op dst, src` (both GPRs) for the given ALU op.
func (a *Assembler) ALURegToReg(op ALUOp, size OperandSize, src, dst Register) {
	primary := byte(0x01) + byte(op)<<3
	if size == S8 {
		primary--
	}
	w := size == S64
	if needsREXRR(w, src, dst) {
		a.emit(rexPrefix(w, src >= R8, false, dst >= R8))
	}
	a.emit(primary)
	a.emitModRM(byte(src), dst)
}

func needsREXRR(w bool, a, b Register) bool { return w || a >= R8 || b >= R8 }

// ALUMemToReg emits `op dst, [mem]`.
func (a *Assembler) ALUMemToReg(op ALUOp, size OperandSize, mem Memory, dst Register) {
	primary := byte(0x03) + byte(op)<<3
	if size == S8 {
		primary--
	}
	w := size == S64
	if w || dst >= R8 || mem.Base >= R8 || (mem.Index != NilRegister && mem.Index >= R8) {
		a.emit(rexPrefix(w, dst >= R8, mem.Index >= R8, mem.Base >= R8))
	}
	a.emit(primary)
	a.emitModRM(byte(dst), mem)
}

// ALURegToMem emits `op [mem], src`.
func (a *Assembler) ALURegToMem(op ALUOp, size OperandSize, src Register, mem Memory) {
	primary := byte(0x01) + byte(op)<<3
	if size == S8 {
		primary--
	}
	w := size == S64
	if w || src >= R8 || mem.Base >= R8 || (mem.Index != NilRegister && mem.Index >= R8) {
		a.emit(rexPrefix(w, src >= R8, mem.Index >= R8, mem.Base >= R8))
	}
	a.emit(primary)
	a.emitModRM(byte(src), mem)
}

// ALUImmToReg emits `op dst, imm32` (sign extended to 64 bits for S64).
func (a *Assembler) ALUImmToReg(op ALUOp, size OperandSize, imm int32, dst Register) {
	w := size == S64
	if w || dst >= R8 {
		a.emit(rexPrefix(w, false, false, dst >= R8))
	}
	a.emit(0x81)
	a.emitModRM(op.digit(), dst)
	a.emit32(uint32(imm))
}

// MovImm32ToReg emits a 32-bit `mov dst, imm32`.
func (a *Assembler) MovImm32ToReg(imm uint32, dst Register) {
	if dst >= R8 {
		a.emit(rexPrefix(false, false, false, true))
	}
	a.emit(0xB8 | byte(dst)&7)
	a.emit32(imm)
}

// MovImm64ToReg emits a full 64-bit `movabs dst, imm64`.
func (a *Assembler) MovImm64ToReg(imm uint64, dst Register) {
	a.emit(rexPrefix(true, false, false, dst >= R8))
	a.emit(0xB8 | byte(dst)&7)
	a.emit64(imm)
}

// MovImm32ToMem emits `mov dword [mem], imm32` (opcode 0xC7 /0), used by the
// conditional-trap path to write a trap kind into Ctx.TrapStatus without
// needing a scratch register.
func (a *Assembler) MovImm32ToMem(imm uint32, mem Memory) {
	if mem.Base >= R8 || (mem.Index != NilRegister && mem.Index >= R8) {
		a.emit(rexPrefix(false, false, mem.Index >= R8, mem.Base >= R8))
	}
	a.emit(0xC7)
	a.emitModRM(0, mem)
	a.emit32(imm)
}

// Push/Pop.
func (a *Assembler) Push(r Register) {
	if r >= R8 {
		a.emit(rexPrefix(false, false, false, true))
	}
	a.emit(0x50 | byte(r)&7)
}

func (a *Assembler) Pop(r Register) {
	if r >= R8 {
		a.emit(rexPrefix(false, false, false, true))
	}
	a.emit(0x58 | byte(r)&7)
}

func (a *Assembler) PushImm32(imm int32) {
	a.emit(0x68)
	a.emit32(uint32(imm))
}

// Ret/Ud2/Nop/sign-extension helpers.
func (a *Assembler) Ret() { a.emit(0xC3) }
func (a *Assembler) Ud2() { a.emit(0x0F, 0x0B) }
func (a *Assembler) Nop() { a.emit(0x90) }
func (a *Assembler) Cdq() { a.emit(0x99) }
func (a *Assembler) Cqo() { a.emit(rexPrefix(true, false, false, false), 0x99) }

// Imul reg*=reg (two-operand signed multiply).
func (a *Assembler) Imul(size OperandSize, src, dst Register) {
	w := size == S64
	if w || src >= R8 || dst >= R8 {
		a.emit(rexPrefix(w, dst >= R8, false, src >= R8))
	}
	a.emit(0x0F, 0xAF)
	a.emitModRM(byte(dst), src)
}

// Div/Idiv divide RDX:RAX (or zero/sign-extended RAX) by the given GPR, per
// the System V convention the generator's division handlers rely on.
func (a *Assembler) Div(size OperandSize, divisor Register)  { a.divFamily(6, size, divisor) }
func (a *Assembler) Idiv(size OperandSize, divisor Register) { a.divFamily(7, size, divisor) }

func (a *Assembler) divFamily(digit byte, size OperandSize, divisor Register) {
	w := size == S64
	if w || divisor >= R8 {
		a.emit(rexPrefix(w, false, false, divisor >= R8))
	}
	a.emit(0xF7)
	a.emitModRM(digit, divisor)
}

// ShiftOp is the /digit extension for the shl/shr/sar/rol/ror family.
type ShiftOp byte

const (
	ShiftRol ShiftOp = 0
	ShiftRor ShiftOp = 1
	ShiftShl ShiftOp = 4
	ShiftShr ShiftOp = 5
	ShiftSar ShiftOp = 7
)

func (a *Assembler) ShiftByCL(op ShiftOp, size OperandSize, dst Register) {
	w := size == S64
	if w || dst >= R8 {
		a.emit(rexPrefix(w, false, false, dst >= R8))
	}
	a.emit(0xD3)
	a.emitModRM(byte(op), dst)
}

func (a *Assembler) ShiftByImm(op ShiftOp, size OperandSize, imm byte, dst Register) {
	w := size == S64
	if w || dst >= R8 {
		a.emit(rexPrefix(w, false, false, dst >= R8))
	}
	a.emit(0xC1)
	a.emitModRM(byte(op), dst)
	a.emit(imm)
}

// Cmp/Test convenience wrappers over the ALU family.
func (a *Assembler) CmpRegImm(size OperandSize, reg Register, imm int32) {
	a.ALUImmToReg(ALUCmp, size, imm, reg)
}

func (a *Assembler) CmpRegReg(size OperandSize, lhs, rhs Register) {
	a.ALURegToReg(ALUCmp, size, rhs, lhs)
}

func (a *Assembler) TestRegReg(size OperandSize, a1, a2 Register) {
	w := size == S64
	if w || a1 >= R8 || a2 >= R8 {
		a.emit(rexPrefix(w, a1 >= R8, false, a2 >= R8))
	}
	a.emit(0x85)
	a.emitModRM(byte(a1), a2)
}

// Movzx/Movsx between sizes: dst is always a 32- or 64-bit GPR.
func (a *Assembler) MovzxMemToReg(srcSize OperandSize, mem Memory, dst Register) {
	a.extendMemToReg(0xB6, srcSize, mem, dst)
}

func (a *Assembler) MovsxMemToReg(srcSize OperandSize, mem Memory, dst Register) {
	a.extendMemToReg(0xBE, srcSize, mem, dst)
}

func (a *Assembler) extendMemToReg(op0f byte, srcSize OperandSize, mem Memory, dst Register) {
	if dst >= R8 || mem.Base >= R8 || (mem.Index != NilRegister && mem.Index >= R8) {
		a.emit(rexPrefix(false, dst >= R8, mem.Index >= R8, mem.Base >= R8))
	}
	op := op0f
	if srcSize == S16 {
		op |= 1
	}
	a.emit(0x0F, op)
	a.emitModRM(byte(dst), mem)
}

// Jmp emits a near jump (always the rel32 form, so the displacement can be
// patched regardless of branch distance) to a label that may not yet be
// bound; the actual displacement is resolved at Finalize.
func (a *Assembler) Jmp(cond Condition, target Label) {
	if cond == ConditionNone {
		a.emit(0xE9)
	} else {
		a.emit(0x0F, 0x80|ccBits[cond])
	}
	instrOffset := a.Offset()
	a.emit32(0)
	a.patches = append(a.patches, pendingPatch{instrOffset: instrOffset, label: target, kind: patchRel32})
}

// JmpBound emits a jump to a label known to already be bound (e.g. a loop
// head reached by a backward branch), writing the final displacement
// immediately rather than deferring to Finalize.
func (a *Assembler) JmpBound(cond Condition, target Label) {
	off, ok := a.labelOffset(target)
	if !ok {
		a.Jmp(cond, target)
		return
	}
	if cond == ConditionNone {
		a.emit(0xE9)
	} else {
		a.emit(0x0F, 0x80|ccBits[cond])
	}
	rel := int32(off - (a.Offset() + 4))
	a.emit32(uint32(rel))
}

func (a *Assembler) CallLabel(target Label) {
	a.emit(0xE8)
	instrOffset := a.Offset()
	a.emit32(0)
	a.patches = append(a.patches, pendingPatch{instrOffset: instrOffset, label: target, kind: patchRel32})
}

func (a *Assembler) CallReg(reg Register) {
	if reg >= R8 {
		a.emit(rexPrefix(false, false, false, true))
	}
	a.emit(0xFF)
	a.emitModRM(2, reg)
}

func (a *Assembler) CallMem(mem Memory) {
	if mem.Base >= R8 || (mem.Index != NilRegister && mem.Index >= R8) {
		a.emit(rexPrefix(false, false, mem.Index >= R8, mem.Base >= R8))
	}
	a.emit(0xFF)
	a.emitModRM(2, mem)
}

func (a *Assembler) JmpMem(mem Memory) {
	if mem.Base >= R8 || (mem.Index != NilRegister && mem.Index >= R8) {
		a.emit(rexPrefix(false, false, mem.Index >= R8, mem.Base >= R8))
	}
	a.emit(0xFF)
	a.emitModRM(4, mem)
}

// EmitConditionalTrap emits the short-branch-over-ud2 idiom of spec §4.1:
// `j!cond over; ud2; over:`. With ConditionNone the trap is unconditional.
func (a *Assembler) EmitConditionalTrap(cond Condition) {
	if cond == ConditionNone {
		a.Ud2()
		return
	}
	over := a.GetLabel()
	a.Jmp(invert(cond), over)
	a.Ud2()
	a.EmitLabel(over)
}

func invert(c Condition) Condition {
	switch c {
	case ConditionEqual:
		return ConditionNotEqual
	case ConditionNotEqual:
		return ConditionEqual
	case ConditionAbove:
		return ConditionBelowEqual
	case ConditionAboveEqual:
		return ConditionBelow
	case ConditionBelow:
		return ConditionAboveEqual
	case ConditionBelowEqual:
		return ConditionAbove
	case ConditionGreater:
		return ConditionLessEqual
	case ConditionGreaterEqual:
		return ConditionLess
	case ConditionLess:
		return ConditionGreaterEqual
	case ConditionLessEqual:
		return ConditionGreater
	}
	return ConditionNone
}
