// Package compiler implements the single-pass streaming code generator:
// FunctionCodeGenerator consumes one function body's decoded operator
// stream directly into x86-64 machine code, driving the value stack and
// control-frame stack as it goes, with no intermediate IR (spec §1/§4).
//
// CompileModule (module.go) drives one FunctionCodeGenerator per
// locally-defined function and stitches their results into one executable
// buffer plus a local function-pointer array.
package compiler

import (
	"github.com/yut148/wasmer/asm"
	"github.com/yut148/wasmer/machine"
	"github.com/yut148/wasmer/runtime"
	"github.com/yut148/wasmer/trap"
	"github.com/yut148/wasmer/wasm"
)

// vmctxReg mirrors machine.Machine's own canonical Ctx register; named
// separately here because the calling convention decision (which register
// stays pinned to Ctx across calls) belongs to the compiler, not the
// allocator.
const vmctxReg = asm.R15

// FunctionCodeGenerator translates one function body's wasm.Operator stream
// into machine code, emitted directly into the shared module assembler
// (spec §4's "streaming" requirement: nothing is buffered as an IR).
type FunctionCodeGenerator struct {
	a    *asm.Assembler
	m    *machine.Machine
	mod  *wasm.Module
	reg  *wasm.Registry
	cfg  CompileConfig
	sink *trap.Sink

	funcIndex  wasm.Index
	funcType   *wasm.FunctionType
	localTypes []wasm.ValueType
	locals     []machine.Location

	vstack valueStack
	cstack controlStack

	entryLabel    asm.Label
	epilogue      asm.Label
	frameSizeImm  int
	started       bool
	finished      bool

	presetEntry    asm.Label
	hasPresetEntry bool

	// funcLabels maps a local function index to the label its
	// FunctionCodeGenerator bound as EntryLabel; populated by
	// CompileModule before any function body is compiled, so direct
	// calls can reference a callee compiled later in the same pass (spec
	// §4.4's forward-call requirement).
	funcLabels []asm.Label
}

// SetFuncLabels installs the module-wide local-function label table; called
// by CompileModule once, before BeginBody.
func (g *FunctionCodeGenerator) SetFuncLabels(labels []asm.Label) { g.funcLabels = labels }

// SetEntryLabel pins the label CompileModule already allocated for
// this function's index, so sibling generators compiled earlier in the same
// pass can already reference it via funcLabels. Must be called before
// BeginBody; if never called, BeginBody allocates its own label as before
// (used by callers that compile a single function in isolation, e.g. tests).
func (g *FunctionCodeGenerator) SetEntryLabel(l asm.Label) {
	g.presetEntry = l
	g.hasPresetEntry = true
}

// NewFunctionCodeGenerator prepares a generator for funcIndex; callers feed
// locals via BeginBody and operators via FeedOpcode.
func NewFunctionCodeGenerator(a *asm.Assembler, mod *wasm.Module, reg *wasm.Registry, cfg CompileConfig, sink *trap.Sink, funcIndex wasm.Index) *FunctionCodeGenerator {
	return &FunctionCodeGenerator{
		a:         a,
		m:         machine.New(a),
		mod:       mod,
		reg:       reg,
		cfg:       cfg,
		sink:      sink,
		funcIndex: funcIndex,
		funcType:  mod.FunctionType(funcIndex),
	}
}

// classesOf returns one machine.RegClass per declared local (params
// first, then the function's own declared locals), used by both
// machine.InitLocals and later GetLocal/SetLocal type lookups.
func classesOf(types []wasm.ValueType) []machine.RegClass {
	out := make([]machine.RegClass, len(types))
	for i, t := range types {
		if t.IsFloat() {
			out[i] = machine.XMM
		} else {
			out[i] = machine.GPR
		}
	}
	return out
}

// BeginBody emits the function prologue and materialises every local (the
// function's parameters, whose types come from its FunctionType, followed
// by localTypes, the declarations DecodeLocalDeclarations produced).
func (g *FunctionCodeGenerator) BeginBody(localTypes []wasm.ValueType) error {
	if g.started {
		return newCompileError("BeginBody called twice for function %d", g.funcIndex)
	}
	g.started = true

	allTypes := make([]wasm.ValueType, 0, len(g.funcType.Params)+len(localTypes))
	allTypes = append(allTypes, g.funcType.Params...)
	allTypes = append(allTypes, localTypes...)
	g.localTypes = allTypes

	if g.hasPresetEntry {
		g.entryLabel = g.presetEntry
	} else {
		g.entryLabel = g.a.GetLabel()
	}
	g.a.EmitLabel(g.entryLabel)

	g.a.Push(asm.RBP)
	g.a.MovRegToReg(asm.S64, asm.RSP, asm.RBP)
	g.a.Push(vmctxReg)
	g.a.MovRegToReg(asm.S64, asm.RDI, vmctxReg)

	// Reserve the stack-frame-size immediate; patched once the allocator
	// knows how many spill slots the body actually used (Finalize below).
	g.a.ALUImmToReg(asm.ALUSub, asm.S64, 0, asm.RSP)
	g.frameSizeImm = g.a.Offset() - 4

	g.epilogue = g.a.GetLabel()

	g.locals = g.m.InitLocals(len(allTypes), len(g.funcType.Params), classesOf(allTypes))

	g.cstack.push(&controlFrame{
		label:             g.epilogue,
		resultType:        wasm.BlockType{HasResult: len(g.funcType.Results) > 0, Result: firstOrZero(g.funcType.Results)},
		stackDepthAtEntry: 0,
		reachable:         true,
		enteredLive:       true,
	})
	return nil
}

func firstOrZero(ts []wasm.ValueType) wasm.ValueType {
	if len(ts) == 0 {
		return 0
	}
	return ts[0]
}

// FeedOpcode advances the generator by exactly one decoded operator. Callers
// (CompileModule) loop this over wasm.DecodeOperators's output.
func (g *FunctionCodeGenerator) FeedOpcode(op wasm.Operator) error {
	if g.cstack.inUnreachable() {
		// Dead code: Block/Loop/If/Else/End are still tracked for frame
		// nesting (spec §3 invariant (2)) but no instructions are emitted
		// for anything else.
		return g.trackUnreachableStack(op)
	}
	switch {
	case isControlOp(op.Kind):
		return g.feedControl(op)
	case isMemoryOp(op.Kind):
		return g.feedMemory(op)
	case isFloatOp(op.Kind):
		return g.feedFloat(op)
	default:
		return g.feedNumeric(op)
	}
}

func controlFlowOp(k wasm.OpKind) bool {
	switch k {
	case wasm.OpBlock, wasm.OpLoop, wasm.OpIf, wasm.OpElse, wasm.OpEnd:
		return true
	}
	return false
}

// Finalize emits the function epilogue and patches the stack-frame-size
// immediate reserved by BeginBody, following spec §4's requirement that the
// frame size only becomes known once every spill slot has been handed out.
func (g *FunctionCodeGenerator) Finalize() error {
	if g.finished {
		return newCompileError("Finalize called twice for function %d", g.funcIndex)
	}
	g.finished = true

	g.a.EmitLabel(g.epilogue)
	g.m.FinalizeLocals(g.locals)

	frameSize := g.m.GetStackOffset()
	if frameSize%16 != 0 {
		frameSize += 16 - frameSize%16
	}
	g.a.PatchImm32At(g.frameSizeImm, uint32(frameSize))

	if frameSize > 0 {
		g.a.ALUImmToReg(asm.ALUAdd, asm.S64, frameSize, asm.RSP)
	}
	g.a.Pop(vmctxReg)
	g.a.Pop(asm.RBP)
	g.a.Ret()
	return nil
}

// EntryLabel is the label the module code generator records as this
// function's local entry point.
func (g *FunctionCodeGenerator) EntryLabel() asm.Label { return g.entryLabel }

// emitSoftwareTrap implements the REDESIGN FLAGS decision: instead of a
// hardware-faulting ud2, a conditional trap site writes kind+1 into
// Ctx.TrapStatus and jumps to this function's shared epilogue, which the
// caller (Instance.Call, in the runtime package) inspects after the native
// call returns. cond == asm.ConditionNone means the trap is unconditional.
func (g *FunctionCodeGenerator) emitSoftwareTrap(cond asm.Condition, kind trap.Kind) {
	statusMem := asm.Memory{Base: vmctxReg, Disp: int32(runtime.OffsetTrapStatus)}
	if cond == asm.ConditionNone {
		g.a.MovImm32ToMem(uint32(kind)+1, statusMem)
		g.a.Jmp(asm.ConditionNone, g.epilogue)
		g.sink.Record(uint64(g.a.Offset()), kind)
		return
	}
	over := g.a.GetLabel()
	g.a.Jmp(invertCond(cond), over)
	g.sink.Record(uint64(g.a.Offset()), kind)
	g.a.MovImm32ToMem(uint32(kind)+1, statusMem)
	g.a.Jmp(asm.ConditionNone, g.epilogue)
	g.a.EmitLabel(over)
}

func invertCond(c asm.Condition) asm.Condition {
	switch c {
	case asm.ConditionEqual:
		return asm.ConditionNotEqual
	case asm.ConditionNotEqual:
		return asm.ConditionEqual
	case asm.ConditionAbove:
		return asm.ConditionBelowEqual
	case asm.ConditionAboveEqual:
		return asm.ConditionBelow
	case asm.ConditionBelow:
		return asm.ConditionAboveEqual
	case asm.ConditionBelowEqual:
		return asm.ConditionAbove
	case asm.ConditionGreater:
		return asm.ConditionLessEqual
	case asm.ConditionGreaterEqual:
		return asm.ConditionLess
	case asm.ConditionLess:
		return asm.ConditionGreaterEqual
	case asm.ConditionLessEqual:
		return asm.ConditionGreater
	}
	return asm.ConditionNone
}
