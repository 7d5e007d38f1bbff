package compiler

import (
	"github.com/yut148/wasmer/asm"
	"github.com/yut148/wasmer/machine"
	"github.com/yut148/wasmer/runtime"
	"github.com/yut148/wasmer/trap"
	"github.com/yut148/wasmer/wasm"
)

// feedMemory handles locals, globals, and every load/store operator (spec
// §4.3): Dynamic-class memories get a software bound check ahead of the
// access; Static/SharedStatic memories rely entirely on the guard-page
// reservation runtime.newMemoryInstance sets up, so no check is emitted.
func (g *FunctionCodeGenerator) feedMemory(op wasm.Operator) error {
	switch op.Kind {
	case wasm.OpGetLocal:
		return g.getLocal(op.LocalIndex)
	case wasm.OpSetLocal:
		return g.setLocal(op.LocalIndex, false)
	case wasm.OpTeeLocal:
		return g.setLocal(op.LocalIndex, true)
	case wasm.OpGetGlobal:
		return g.getGlobal(op.GlobalIndex)
	case wasm.OpSetGlobal:
		return g.setGlobal(op.GlobalIndex)
	}
	if isLoadOp(op.Kind) {
		return g.load(op)
	}
	return g.store(op)
}

func isLoadOp(k wasm.OpKind) bool {
	switch k {
	case wasm.OpI32Load, wasm.OpI64Load, wasm.OpF32Load, wasm.OpF64Load,
		wasm.OpI32Load8S, wasm.OpI32Load8U, wasm.OpI32Load16S, wasm.OpI32Load16U,
		wasm.OpI64Load8S, wasm.OpI64Load8U, wasm.OpI64Load16S, wasm.OpI64Load16U,
		wasm.OpI64Load32S, wasm.OpI64Load32U:
		return true
	}
	return false
}

func (g *FunctionCodeGenerator) getLocal(idx wasm.Index) error {
	loc := g.locals[idx]
	vt := g.localTypes[idx]
	g.vstack.push(stackEntry{loc: loc, own: ownLocal, vtype: vt, localIndex: idx})
	return nil
}

func (g *FunctionCodeGenerator) setLocal(idx wasm.Index, tee bool) error {
	e := g.vstack.pop()
	dst := g.locals[idx]
	g.storeIntoLocation(g.localTypes[idx], e, dst)
	if tee {
		g.vstack.push(stackEntry{loc: dst, own: ownLocal, vtype: g.localTypes[idx], localIndex: idx})
	} else if e.own == ownTemp {
		g.m.ReleaseLocationsKeepState([]machine.Location{e.loc})
	}
	return nil
}

// storeIntoLocation writes a value-stack entry's value into a fixed local
// slot (register or spill slot), the same move InitLocals' parameter copy
// uses.
func (g *FunctionCodeGenerator) storeIntoLocation(vt wasm.ValueType, e stackEntry, dst machine.Location) {
	r := g.materialize(e)
	switch dst.Kind {
	case machine.LocRegister:
		if dst.Class == machine.GPR {
			g.a.MovRegToReg(gprSize(vt), r, dst.Reg)
		} else {
			g.a.MovXMMToXMM(r, dst.Reg)
		}
	case machine.LocStack:
		if vt.IsFloat() {
			scratch := g.acquireReg(machine.GPR)
			g.a.MovXMMToGPR(asm.S64, r, scratch)
			g.a.MovRegToMem(asm.S64, scratch, asm.Memory{Base: asm.RBP, Disp: dst.StackOff})
			g.releaseReg(machine.GPR, scratch)
		} else {
			g.a.MovRegToMem(gprSize(vt), r, asm.Memory{Base: asm.RBP, Disp: dst.StackOff})
		}
	}
	if e.own == ownTemp {
		g.freeScratch(classOf(vt), r)
	}
}

func (g *FunctionCodeGenerator) getGlobal(idx wasm.Index) error {
	mod := g.mod
	var vt wasm.ValueType
	if int(idx) < mod.NumImportedGlobals {
		vt = *globalValTypeImported(mod, idx)
	} else {
		vt = mod.Globals[int(idx)-mod.NumImportedGlobals].ValType
	}
	base, disp := g.globalAddress(idx)
	dst := g.acquireReg(classOf(vt))
	if vt.IsFloat() {
		scratch := g.acquireReg(machine.GPR)
		g.a.MovMemToReg(asm.S64, asm.Memory{Base: base, Disp: disp}, scratch)
		g.a.MovGPRToXMM(asm.S64, scratch, dst)
		g.releaseReg(machine.GPR, scratch)
	} else {
		g.a.MovMemToReg(asm.S64, asm.Memory{Base: base, Disp: disp}, dst)
	}
	g.pushRegResult(vt, classOf(vt), dst)
	return nil
}

func globalValTypeImported(mod *wasm.Module, idx wasm.Index) *wasm.ValueType {
	count := -1
	for _, im := range mod.Imports {
		if im.Kind == wasm.ExternGlobal {
			count++
			if wasm.Index(count) == idx {
				return &im.GlobalType.ValType
			}
		}
	}
	vt := wasm.ValueTypeI32
	return &vt
}

func (g *FunctionCodeGenerator) setGlobal(idx wasm.Index) error {
	e := g.vstack.pop()
	r := g.materialize(e)
	base, disp := g.globalAddress(idx)
	if e.vtype.IsFloat() {
		scratch := g.acquireReg(machine.GPR)
		g.a.MovXMMToGPR(asm.S64, r, scratch)
		g.a.MovRegToMem(asm.S64, scratch, asm.Memory{Base: base, Disp: disp})
		g.releaseReg(machine.GPR, scratch)
	} else {
		g.a.MovRegToMem(asm.S64, r, asm.Memory{Base: base, Disp: disp})
	}
	if e.own == ownTemp {
		g.freeScratch(classOf(e.vtype), r)
	}
	return nil
}

// globalAddress returns the register the global's record array base is
// loaded into (always vmctxReg-relative, via one extra indirection) plus
// the per-record byte displacement, for a module-global index idx.
func (g *FunctionCodeGenerator) globalAddress(idx wasm.Index) (asm.Register, int32) {
	mod := g.mod
	var fieldOffset int32
	var local bool
	if int(idx) < mod.NumImportedGlobals {
		fieldOffset = int32(runtime.OffsetImportedGlobals)
		local = false
	} else {
		fieldOffset = int32(runtime.OffsetLocalGlobals)
		local = true
	}
	arrayBase := g.acquireReg(machine.GPR)
	g.a.MovMemToReg(asm.S64, asm.Memory{Base: vmctxReg, Disp: fieldOffset}, arrayBase)
	localIdx := idx
	if local {
		localIdx = idx - wasm.Index(mod.NumImportedGlobals)
	}
	return arrayBase, int32(uintptr(localIdx) * runtime.SizeofGlobalRecord)
}

// load/store share the effective-address computation: base + MemOffset +
// dynamic operand, bound-checked in software only for Dynamic-class
// memories (spec §4.3).
func (g *FunctionCodeGenerator) effectiveAddress(op wasm.Operator, accessSize int32) (addrReg asm.Register) {
	mod := g.mod
	memIdx := wasm.Index(0)
	var class wasm.MemoryClass
	var fieldOffset int32
	if int(memIdx) < mod.NumImportedMemories {
		fieldOffset = int32(runtime.OffsetImportedMemories)
		class = wasm.MemoryDynamic
	} else {
		fieldOffset = int32(runtime.OffsetLocalMemories)
		localIdx := int(memIdx) - mod.NumImportedMemories
		if localIdx < len(mod.Memories) {
			class = mod.Memories[localIdx].Class
		}
	}

	memRecordBase := g.acquireReg(machine.GPR)
	g.a.MovMemToReg(asm.S64, asm.Memory{Base: vmctxReg, Disp: fieldOffset}, memRecordBase)
	baseReg := g.acquireReg(machine.GPR)
	g.a.MovMemToReg(asm.S64, asm.Memory{Base: memRecordBase, Disp: int32(runtime.OffsetMemoryBase)}, baseReg)

	e := g.vstack.pop()
	offReg := g.materialize(e)
	g.a.MovRegToReg(asm.S32, offReg, offReg)
	if op.MemOffset != 0 {
		g.a.ALUImmToReg(asm.ALUAdd, asm.S64, int32(op.MemOffset), offReg)
	}

	if class == wasm.MemoryDynamic {
		boundReg := g.acquireReg(machine.GPR)
		g.a.MovMemToReg(asm.S64, asm.Memory{Base: memRecordBase, Disp: int32(runtime.OffsetMemoryBound)}, boundReg)
		limit := g.acquireReg(machine.GPR)
		g.a.MovRegToReg(asm.S64, offReg, limit)
		g.a.ALUImmToReg(asm.ALUAdd, asm.S64, accessSize, limit)
		g.a.CmpRegReg(asm.S64, limit, boundReg)
		g.emitSoftwareTrap(asm.ConditionAbove, trap.MemoryOutOfBounds)
		g.releaseReg(machine.GPR, boundReg)
		g.releaseReg(machine.GPR, limit)
	}

	g.a.ALURegToReg(asm.ALUAdd, asm.S64, baseReg, offReg)
	g.releaseReg(machine.GPR, baseReg)
	g.releaseReg(machine.GPR, memRecordBase)
	return offReg
}

func (g *FunctionCodeGenerator) load(op wasm.Operator) error {
	vt, size, signed := loadShape(op.Kind)
	addr := g.effectiveAddress(op, sizeBytes(size))
	dst := g.acquireReg(classOf(vt))
	mem := asm.Memory{Base: addr}
	switch {
	case vt.IsFloat():
		scratch := g.acquireReg(machine.GPR)
		g.a.MovMemToReg(gprSize(vt), mem, scratch)
		g.a.MovGPRToXMM(asm.S64, scratch, dst)
		g.releaseReg(machine.GPR, scratch)
	case size == gprSize(vt):
		g.a.MovMemToReg(size, mem, dst)
	case signed:
		g.a.MovsxMemToReg(size, mem, dst)
	default:
		g.a.MovzxMemToReg(size, mem, dst)
	}
	g.releaseReg(machine.GPR, addr)
	g.pushRegResult(vt, classOf(vt), dst)
	return nil
}

func (g *FunctionCodeGenerator) store(op wasm.Operator) error {
	vt, size := storeShape(op.Kind)
	e := g.vstack.pop()
	r := g.materialize(e)
	addr := g.effectiveAddress(op, sizeBytes(size))
	mem := asm.Memory{Base: addr}
	if vt.IsFloat() {
		scratch := g.acquireReg(machine.GPR)
		g.a.MovXMMToGPR(asm.S64, r, scratch)
		g.a.MovRegToMem(size, scratch, mem)
		g.releaseReg(machine.GPR, scratch)
	} else {
		g.a.MovRegToMem(size, r, mem)
	}
	if e.own == ownTemp {
		g.freeScratch(classOf(vt), r)
	}
	g.releaseReg(machine.GPR, addr)
	return nil
}

func sizeBytes(s asm.OperandSize) int32 {
	switch s {
	case asm.S8:
		return 1
	case asm.S16:
		return 2
	case asm.S32:
		return 4
	default:
		return 8
	}
}

func loadShape(k wasm.OpKind) (vt wasm.ValueType, size asm.OperandSize, signed bool) {
	switch k {
	case wasm.OpI32Load:
		return wasm.ValueTypeI32, asm.S32, false
	case wasm.OpI64Load:
		return wasm.ValueTypeI64, asm.S64, false
	case wasm.OpF32Load:
		return wasm.ValueTypeF32, asm.S32, false
	case wasm.OpF64Load:
		return wasm.ValueTypeF64, asm.S64, false
	case wasm.OpI32Load8S:
		return wasm.ValueTypeI32, asm.S8, true
	case wasm.OpI32Load8U:
		return wasm.ValueTypeI32, asm.S8, false
	case wasm.OpI32Load16S:
		return wasm.ValueTypeI32, asm.S16, true
	case wasm.OpI32Load16U:
		return wasm.ValueTypeI32, asm.S16, false
	case wasm.OpI64Load8S:
		return wasm.ValueTypeI64, asm.S8, true
	case wasm.OpI64Load8U:
		return wasm.ValueTypeI64, asm.S8, false
	case wasm.OpI64Load16S:
		return wasm.ValueTypeI64, asm.S16, true
	case wasm.OpI64Load16U:
		return wasm.ValueTypeI64, asm.S16, false
	case wasm.OpI64Load32S:
		return wasm.ValueTypeI64, asm.S32, true
	case wasm.OpI64Load32U:
		return wasm.ValueTypeI64, asm.S32, false
	}
	return wasm.ValueTypeI32, asm.S32, false
}

func storeShape(k wasm.OpKind) (vt wasm.ValueType, size asm.OperandSize) {
	switch k {
	case wasm.OpI32Store:
		return wasm.ValueTypeI32, asm.S32
	case wasm.OpI64Store:
		return wasm.ValueTypeI64, asm.S64
	case wasm.OpF32Store:
		return wasm.ValueTypeF32, asm.S32
	case wasm.OpF64Store:
		return wasm.ValueTypeF64, asm.S64
	case wasm.OpI32Store8:
		return wasm.ValueTypeI32, asm.S8
	case wasm.OpI32Store16:
		return wasm.ValueTypeI32, asm.S16
	case wasm.OpI64Store8:
		return wasm.ValueTypeI64, asm.S8
	case wasm.OpI64Store16:
		return wasm.ValueTypeI64, asm.S16
	case wasm.OpI64Store32:
		return wasm.ValueTypeI64, asm.S32
	}
	return wasm.ValueTypeI32, asm.S32
}
