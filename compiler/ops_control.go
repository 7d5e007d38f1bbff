package compiler

import (
	"github.com/yut148/wasmer/asm"
	"github.com/yut148/wasmer/machine"
	"github.com/yut148/wasmer/runtime"
	"github.com/yut148/wasmer/trap"
	"github.com/yut148/wasmer/wasm"
)

// feedControl handles every structured-control and call operator (spec
// §3/§4.4): Block/Loop/If/Else/End drive the control-frame stack, Br/BrIf/
// BrTable/Return transfer control by moving a frame's result value (if any)
// into its reserved location and jumping, and Call/CallIndirect invoke
// another function under this package's vmctxReg calling convention.
func (g *FunctionCodeGenerator) feedControl(op wasm.Operator) error {
	switch op.Kind {
	case wasm.OpUnreachable:
		g.emitSoftwareTrap(asm.ConditionNone, trap.Unreachable)
		g.cstack.top().reachable = false
		return nil
	case wasm.OpBlock:
		return g.beginBlock(op, false)
	case wasm.OpLoop:
		return g.beginBlock(op, true)
	case wasm.OpIf:
		return g.beginIf(op)
	case wasm.OpElse:
		return g.doElse()
	case wasm.OpEnd:
		return g.doEnd()
	case wasm.OpBr:
		return g.doBr(op.RelativeDepth)
	case wasm.OpBrIf:
		return g.doBrIf(op.RelativeDepth)
	case wasm.OpBrTable:
		return g.doBrTable(op)
	case wasm.OpReturn:
		return g.doReturn()
	case wasm.OpCall:
		return g.doCall(op.FuncIndex)
	case wasm.OpCallIndirect:
		return g.doCallIndirect(op.TypeIndex)
	case wasm.OpDrop:
		e := g.vstack.pop()
		if e.own == ownTemp {
			g.m.ReleaseLocationsKeepState([]machine.Location{e.loc})
		}
		return nil
	case wasm.OpSelect:
		return g.doSelect()
	}
	return newCompileError("unsupported control operator %s", op.Kind)
}

// trackUnreachableStack handles the structural bookkeeping for operators
// decoded while the innermost frame's body is dead code (spec §3 invariant
// (2)): Block/Loop/If still push a frame so the eventual Else/End finds the
// nesting it expects, but no code is emitted for any of it. Everything
// other than those five control-flow shapes (numeric/float/memory ops,
// Br/Call/Drop/...) simply falls through this switch and is dropped
// entirely, which is safe because it is never consulted while dead.
//
// A frame's Else/End only resumes live code generation when enteredLive is
// set: that frame was itself still live when pushed, and went dead only
// partway through its own body (an unconditional br, br_table, return, or
// unreachable). A frame born dead — pushed here, while the enclosing scope
// was already unreachable — never resumes anything on its own; its End just
// pops it, leaving the enclosing frame's reachability untouched.
func (g *FunctionCodeGenerator) trackUnreachableStack(op wasm.Operator) error {
	switch op.Kind {
	case wasm.OpBlock, wasm.OpLoop, wasm.OpIf:
		g.cstack.push(&controlFrame{resultType: op.Block, reachable: false})
	case wasm.OpElse:
		f := g.cstack.top()
		if f.enteredLive {
			g.a.EmitLabel(f.elseLabel)
			f.ifElse = ifElseElse
			f.reachable = true
		}
	case wasm.OpEnd:
		f := g.cstack.pop()
		if f.enteredLive {
			g.closeFrame(f, true)
			if len(g.cstack.frames) > 0 {
				g.cstack.top().reachable = true
			}
		}
	}
	return nil
}

func (g *FunctionCodeGenerator) beginBlock(op wasm.Operator, isLoop bool) error {
	f := &controlFrame{
		isLoop:            isLoop,
		resultType:        op.Block,
		stackDepthAtEntry: g.vstack.depth(),
		reachable:         true,
		enteredLive:       true,
	}
	f.label = g.a.GetLabel()
	if isLoop {
		g.a.EmitLabel(f.label)
	}
	if op.Block.HasResult {
		f.resultLoc = g.acquireReg(classOf(op.Block.Result))
	}
	g.cstack.push(f)
	return nil
}

func (g *FunctionCodeGenerator) beginIf(op wasm.Operator) error {
	e := g.vstack.pop()
	r := g.materialize(e)
	g.a.TestRegReg(asm.S32, r, r)
	if e.own == ownTemp {
		g.freeScratch(classOf(e.vtype), r)
	}

	f := &controlFrame{
		resultType:        op.Block,
		stackDepthAtEntry: g.vstack.depth(),
		reachable:         true,
		enteredLive:       true,
		ifElse:            ifElseIf,
	}
	f.elseLabel = g.a.GetLabel()
	f.label = g.a.GetLabel()
	g.a.Jmp(asm.ConditionEqual, f.elseLabel)
	if op.Block.HasResult {
		f.resultLoc = g.acquireReg(classOf(op.Block.Result))
	}
	g.cstack.push(f)
	return nil
}

func (g *FunctionCodeGenerator) doElse() error {
	f := g.cstack.top()
	if f.resultType.HasResult && g.vstack.depth() > f.stackDepthAtEntry {
		e := g.vstack.pop()
		g.consumeIntoResult(f, e)
	}
	g.vstack.truncateTo(f.stackDepthAtEntry, g.m)
	g.a.Jmp(asm.ConditionNone, f.label)
	g.a.EmitLabel(f.elseLabel)
	f.ifElse = ifElseElse
	return nil
}

func (g *FunctionCodeGenerator) doEnd() error {
	f := g.cstack.pop()
	g.closeFrame(f, false)
	return nil
}

// closeFrame emits the shared tail of End, whether reached by falling out of
// live code (deadFallthrough == false) or by an End that resumes live
// compilation after the frame's body went dead (deadFallthrough == true,
// called from trackUnreachableStack). In the latter case nothing valid sits
// on top of the value stack for this frame (any Br/Return that targeted it
// already placed its value in the frame's result location before jumping
// here), so the pop-and-move-into-result step is skipped, but the label
// still needs binding and the result still needs surfacing for the code
// that follows.
func (g *FunctionCodeGenerator) closeFrame(f *controlFrame, deadFallthrough bool) {
	if f.label == g.epilogue {
		// The outermost function-body frame: an implicit return. Finalize
		// binds the epilogue label itself, so nothing is emitted here beyond
		// moving a live fallthrough result into the ABI return registers.
		if !deadFallthrough && f.resultType.HasResult && g.vstack.depth() > f.stackDepthAtEntry {
			e := g.vstack.pop()
			g.consumeIntoResult(f, e)
		}
		return
	}

	if f.ifElse == ifElseIf {
		// An If with no Else: the taken-branch path falls straight through
		// to here, so the untaken path must still reach the same point.
		g.a.EmitLabel(f.elseLabel)
	}

	if !deadFallthrough {
		if f.resultType.HasResult && g.vstack.depth() > f.stackDepthAtEntry {
			e := g.vstack.pop()
			g.consumeIntoResult(f, e)
		}
		g.vstack.truncateTo(f.stackDepthAtEntry, g.m)
	}

	g.a.EmitLabel(f.label)
	if f.resultType.HasResult {
		g.pushRegResult(f.resultType.Result, classOf(f.resultType.Result), f.resultLoc)
	}
}

// transferResult moves a value already materialized into register r into
// frame f's result location: f's reserved resultLoc ordinarily, or the
// System V return registers when f is the outermost function-body frame
// (whose resultLoc is never allocated, since the ret this function ends
// with expects the value in rax/xmm0 instead).
func (g *FunctionCodeGenerator) transferResult(f *controlFrame, vt wasm.ValueType, r asm.Register) {
	if f.label == g.epilogue {
		if vt.IsFloat() {
			if r != asm.XMM0 {
				g.a.MovXMMToXMM(r, asm.XMM0)
			}
		} else if r != asm.RAX {
			g.a.MovRegToReg(asm.S64, r, asm.RAX)
		}
		return
	}
	if classOf(vt) == machine.GPR {
		if r != f.resultLoc {
			g.a.MovRegToReg(gprSize(vt), r, f.resultLoc)
		}
	} else if r != f.resultLoc {
		g.a.MovXMMToXMM(r, f.resultLoc)
	}
}

// consumeIntoResult materializes e, transfers it into f's result location,
// and releases e's register if it was a temporary not already resident in
// the destination — used at every point that *pops* a frame's trailing
// result value (doElse, closeFrame, branchTo, doReturn). Call sites that
// only *peek* the value instead (doBrIf, doBrTable) call transferResult
// directly, since the value stays live on the stack afterward.
func (g *FunctionCodeGenerator) consumeIntoResult(f *controlFrame, e stackEntry) {
	r := g.materialize(e)
	g.transferResult(f, e.vtype, r)

	dst := f.resultLoc
	if f.label == g.epilogue {
		if e.vtype.IsFloat() {
			dst = asm.XMM0
		} else {
			dst = asm.RAX
		}
	}
	if e.own == ownTemp && r != dst {
		g.freeScratch(classOf(e.vtype), r)
	}
}

func (g *FunctionCodeGenerator) doBr(relativeDepth uint32) error {
	f := g.cstack.at(relativeDepth)
	g.branchTo(f)
	g.cstack.top().reachable = false
	return nil
}

// branchTo is an unconditional branch's full sequence: move the frame's
// result (if any) then jump, truncating the value stack permanently since
// code after an unconditional branch is dead until the next matching
// Else/End.
func (g *FunctionCodeGenerator) branchTo(f *controlFrame) {
	if f.resultType.HasResult && g.vstack.depth() > f.stackDepthAtEntry {
		e := g.vstack.pop()
		g.consumeIntoResult(f, e)
	}
	g.vstack.truncateTo(f.stackDepthAtEntry, g.m)
	g.a.Jmp(asm.ConditionNone, f.label)
}

func (g *FunctionCodeGenerator) doBrIf(relativeDepth uint32) error {
	cond := g.vstack.pop()
	condReg := g.materialize(cond)
	g.a.TestRegReg(asm.S32, condReg, condReg)
	if cond.own == ownTemp {
		g.freeScratch(machine.GPR, condReg)
	}

	// The condition-false path (ZF set) skips straight over the branch;
	// br_if's operand (besides the condition) is peeked rather than popped,
	// since it remains on the stack for the fallthrough path exactly as it
	// does for the taken path — both observe the same value.
	after := g.a.GetLabel()
	g.a.Jmp(asm.ConditionEqual, after)

	f := g.cstack.at(relativeDepth)
	if f.resultType.HasResult {
		r := g.materialize(g.vstack.peek())
		g.transferResult(f, f.resultType.Result, r)
	}
	g.a.Jmp(asm.ConditionNone, f.label)

	g.a.EmitLabel(after)
	return nil
}

func (g *FunctionCodeGenerator) doBrTable(op wasm.Operator) error {
	idx := g.vstack.pop()
	idxReg := g.materialize(idx)

	// A streaming single-pass generator has no ready means of building a
	// true indirect jump table (the frame labels it would index into are
	// not yet resolved to absolute addresses), so br_table lowers to a
	// cascading compare-and-branch chain instead: check idx against each
	// target in turn, falling through to the default when nothing matches.
	current := g.cstack.top()
	defaultFrame := g.cstack.at(op.Default)
	hasResult := defaultFrame.resultType.HasResult
	var resultReg asm.Register
	if hasResult {
		resultReg = g.materialize(g.vstack.peek())
	}

	moveAndJump := func(f *controlFrame) {
		if hasResult {
			g.transferResult(f, defaultFrame.resultType.Result, resultReg)
		}
		g.a.Jmp(asm.ConditionNone, f.label)
	}

	for i, target := range op.Targets {
		g.a.CmpRegImm(asm.S32, idxReg, int32(i))
		skip := g.a.GetLabel()
		g.a.Jmp(asm.ConditionNotEqual, skip)
		moveAndJump(g.cstack.at(target))
		g.a.EmitLabel(skip)
	}
	if idx.own == ownTemp {
		g.freeScratch(machine.GPR, idxReg)
	}
	moveAndJump(defaultFrame)

	g.vstack.truncateTo(current.stackDepthAtEntry, g.m)
	current.reachable = false
	return nil
}

func (g *FunctionCodeGenerator) doReturn() error {
	outer := g.cstack.frames[0]
	if outer.resultType.HasResult && g.vstack.depth() > outer.stackDepthAtEntry {
		e := g.vstack.pop()
		g.consumeIntoResult(outer, e)
	}
	g.a.Jmp(asm.ConditionNone, g.epilogue)
	g.cstack.top().reachable = false
	return nil
}

func (g *FunctionCodeGenerator) doSelect() error {
	cond := g.vstack.pop()
	onFalse := g.vstack.pop()
	onTrue := g.vstack.pop()
	condReg := g.materialize(cond)
	falseReg := g.materialize(onFalse)
	trueReg := g.materialize(onTrue)

	g.a.TestRegReg(asm.S32, condReg, condReg)
	useFalse := g.a.GetLabel()
	g.a.Jmp(asm.ConditionEqual, useFalse)
	done := g.a.GetLabel()
	g.a.Jmp(asm.ConditionNone, done)
	g.a.EmitLabel(useFalse)
	if onTrue.vtype.IsFloat() {
		g.a.MovXMMToXMM(falseReg, trueReg)
	} else {
		g.a.MovRegToReg(asm.S64, falseReg, trueReg)
	}
	g.a.EmitLabel(done)

	if cond.own == ownTemp {
		g.freeScratch(machine.GPR, condReg)
	}
	if onFalse.own == ownTemp {
		g.freeScratch(classOf(onFalse.vtype), falseReg)
	}
	g.pushRegResult(onTrue.vtype, classOf(onTrue.vtype), trueReg)
	return nil
}

// doCall emits a direct call to a module-local or imported function,
// following the custom calling convention this package uses throughout:
// vmctxReg always holds Ctx, reloaded into RDI immediately before the call
// since System V expects the first integer argument there.
func (g *FunctionCodeGenerator) doCall(funcIdx wasm.Index) error {
	callee := g.mod.FunctionType(funcIdx)
	args := g.popArgs(callee)

	g.a.MovRegToReg(asm.S64, vmctxReg, asm.RDI)
	g.placeArgs(args)

	if g.mod.IsImportedFunction(funcIdx) {
		g.callImportedFunc(funcIdx)
	} else {
		localIdx := g.mod.LocalFunctionIndex(funcIdx)
		g.a.CallLabel(g.funcLabels[localIdx])
	}
	g.pushCallResult(callee)
	return nil
}

// doCallIndirect resolves a table element at a dynamic index, checks it
// against the expected signature, and calls through it. Both the
// out-of-bounds and signature-mismatch checks report via the explicit
// trap-status path rather than crashing (spec §4.4; see SPEC_FULL.md's
// REDESIGN FLAGS).
func (g *FunctionCodeGenerator) doCallIndirect(typeIdx wasm.Index) error {
	sig := g.mod.Signatures[typeIdx]
	idxEntry := g.vstack.pop()
	idxReg := g.materialize(idxEntry)

	tableBase := g.acquireReg(machine.GPR)
	g.a.MovMemToReg(asm.S64, asm.Memory{Base: vmctxReg, Disp: int32(runtime.OffsetLocalTables)}, tableBase)

	countReg := g.acquireReg(machine.GPR)
	g.a.MovMemToReg(asm.S64, asm.Memory{Base: tableBase, Disp: int32(runtime.OffsetTableCount)}, countReg)
	g.a.CmpRegReg(asm.S64, idxReg, countReg)
	g.emitSoftwareTrap(asm.ConditionAboveEqual, trap.CallIndirectOutOfBounds)
	g.releaseReg(machine.GPR, countReg)

	anyfuncBase := g.acquireReg(machine.GPR)
	g.a.MovMemToReg(asm.S64, asm.Memory{Base: tableBase, Disp: int32(runtime.OffsetTableBase)}, anyfuncBase)
	g.releaseReg(machine.GPR, tableBase)

	// elemOff := idxReg*sizeof(Anyfunc) + anyfuncBase, reusing idxReg itself
	// as the running result to avoid burning an extra register.
	stride := g.acquireReg(machine.GPR)
	g.a.MovImm64ToReg(uint64(runtime.SizeofAnyfunc), stride)
	g.a.Imul(asm.S64, stride, idxReg)
	g.releaseReg(machine.GPR, stride)
	g.a.ALURegToReg(asm.ALUAdd, asm.S64, anyfuncBase, idxReg)
	g.releaseReg(machine.GPR, anyfuncBase)
	elemOff := idxReg

	sigReg := g.acquireReg(machine.GPR)
	g.a.MovMemToReg(asm.S32, asm.Memory{Base: elemOff, Disp: int32(runtime.OffsetAnyfuncSigID)}, sigReg)
	expectedSig := g.reg.Intern(sig)
	g.a.CmpRegImm(asm.S32, sigReg, int32(expectedSig))
	g.emitSoftwareTrap(asm.ConditionNotEqual, trap.CallIndirectSignatureMismatch)
	g.releaseReg(machine.GPR, sigReg)

	args := g.popArgs(sig)

	calleeCtx := g.acquireReg(machine.GPR)
	g.a.MovMemToReg(asm.S64, asm.Memory{Base: elemOff, Disp: int32(runtime.OffsetAnyfuncOwningCtx)}, calleeCtx)
	g.a.MovRegToReg(asm.S64, calleeCtx, asm.RDI)
	g.releaseReg(machine.GPR, calleeCtx)

	g.placeArgs(args)

	entryReg := g.acquireReg(machine.GPR)
	g.a.MovMemToReg(asm.S64, asm.Memory{Base: elemOff, Disp: int32(runtime.OffsetAnyfuncFunc)}, entryReg)
	g.a.CallReg(entryReg)
	g.releaseReg(machine.GPR, entryReg)
	if idxEntry.own == ownTemp {
		g.freeScratch(machine.GPR, elemOff)
	}

	g.pushCallResult(sig)
	return nil
}

type callArg struct {
	reg   asm.Register
	class machine.RegClass
}

// popArgs pops len(sig.Params) values (in reverse, since they were pushed
// left-to-right) and materializes each into its own register, ready for
// placeArgs to move into the target's parameter registers.
func (g *FunctionCodeGenerator) popArgs(sig *wasm.FunctionType) []callArg {
	n := len(sig.Params)
	args := make([]callArg, n)
	for i := n - 1; i >= 0; i-- {
		e := g.vstack.pop()
		args[i] = callArg{reg: g.materialize(e), class: classOf(sig.Params[i])}
	}
	return args
}

// placeArgs moves each already-materialized argument into its System V
// parameter location (machine.GetParamLocation); direct calls in this
// generator keep argument counts small enough in practice that a plain
// sequential move suffices without needing a full parallel-move shuffle.
func (g *FunctionCodeGenerator) placeArgs(args []callArg) {
	intIdx, floatIdx := 0, 0
	for _, a := range args {
		var idx *int
		if a.class == machine.GPR {
			idx = &intIdx
		} else {
			idx = &floatIdx
		}
		dst := g.m.GetParamLocation(a.class, *idx)
		*idx++
		if dst.Kind == machine.LocRegister && dst.Reg != a.reg {
			if a.class == machine.GPR {
				g.a.MovRegToReg(asm.S64, a.reg, dst.Reg)
			} else {
				g.a.MovXMMToXMM(a.reg, dst.Reg)
			}
		}
		g.freeScratch(a.class, a.reg)
	}
}

func (g *FunctionCodeGenerator) pushCallResult(sig *wasm.FunctionType) {
	if len(sig.Results) == 0 {
		return
	}
	rt := sig.Results[0]
	dst := g.acquireReg(classOf(rt))
	if rt.IsFloat() {
		if dst != asm.XMM0 {
			g.a.MovXMMToXMM(asm.XMM0, dst)
		}
	} else if dst != asm.RAX {
		g.a.MovRegToReg(asm.S64, asm.RAX, dst)
	}
	g.pushRegResult(rt, classOf(rt), dst)
}

// callImportedFunc loads an imported function's entry point and owning Ctx
// out of the ImportedFunctions array and calls through it, replacing
// vmctxReg's value in RDI with the callee's own Ctx (an imported function
// may belong to an entirely different instance, per spec §3).
func (g *FunctionCodeGenerator) callImportedFunc(funcIdx wasm.Index) {
	arrayBase := g.acquireReg(machine.GPR)
	g.a.MovMemToReg(asm.S64, asm.Memory{Base: vmctxReg, Disp: int32(runtime.OffsetImportedFunctions)}, arrayBase)
	recOff := int32(uintptr(funcIdx) * runtime.SizeofImportedFunc)

	calleeCtx := g.acquireReg(machine.GPR)
	g.a.MovMemToReg(asm.S64, asm.Memory{Base: arrayBase, Disp: recOff + int32(runtime.OffsetImportedFuncOwningCtx)}, calleeCtx)
	g.a.MovRegToReg(asm.S64, calleeCtx, asm.RDI)
	g.releaseReg(machine.GPR, calleeCtx)

	entryReg := g.acquireReg(machine.GPR)
	g.a.MovMemToReg(asm.S64, asm.Memory{Base: arrayBase, Disp: recOff + int32(runtime.OffsetImportedFuncFunc)}, entryReg)
	g.a.CallReg(entryReg)
	g.releaseReg(machine.GPR, entryReg)
	g.releaseReg(machine.GPR, arrayBase)
}
