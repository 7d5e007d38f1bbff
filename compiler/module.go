package compiler

import (
	"github.com/sirupsen/logrus"

	"github.com/yut148/wasmer/asm"
	"github.com/yut148/wasmer/runtime"
	"github.com/yut148/wasmer/trap"
	"github.com/yut148/wasmer/wasm"
)

// CompileModule is the single compiler entry point (spec §6's
// `compile(wasm_bytes, CompileConfig) -> CompiledModule`, split here into
// decode-then-compile since DecodeModule already produced mod): it drives
// one FunctionCodeGenerator per locally-defined function over one shared
// Assembler, then stitches the result into a runtime.CompiledModule.
//
// Every generator's direct calls to a sibling function reference a label
// allocated for every local function up front, before any body is
// compiled, so a call to a function appearing later in the module's code
// section still resolves correctly once Finalize patches forward jumps
// (spec §4.4's forward-call requirement). Calls to imported functions need
// no separate trampoline stub: callImportedFunc (ops_control.go) already
// loads the callee's entry point and owning Ctx out of the
// ImportedFunctions array inline, at every call site.
func CompileModule(mod *wasm.Module, reg *wasm.Registry, cfg CompileConfig) (*runtime.CompiledModule, error) {
	a := asm.NewAssembler()
	sink := trap.NewSink()

	numLocal := len(mod.CodeBodies)
	gens := make([]*FunctionCodeGenerator, numLocal)
	funcLabels := make([]asm.Label, numLocal)

	for i := 0; i < numLocal; i++ {
		funcIndex := wasm.Index(mod.NumImportedFunctions + i)
		g := NewFunctionCodeGenerator(a, mod, reg, cfg, sink, funcIndex)
		funcLabels[i] = a.GetLabel()
		g.SetEntryLabel(funcLabels[i])
		gens[i] = g
	}
	for _, g := range gens {
		g.SetFuncLabels(funcLabels)
	}

	for i, g := range gens {
		if err := compileOneBody(g, mod.CodeBodies[i], cfg.Allowed); err != nil {
			return nil, err
		}
	}

	image, err := a.Finalize()
	if err != nil {
		return nil, wrapCompileError(err, "finalizing assembler")
	}

	funcOffsets := make([]uint32, numLocal)
	for i, g := range gens {
		off, ok := a.LabelOffset(g.EntryLabel())
		if !ok {
			return nil, newCompileError("function %d's entry label was never bound", g.funcIndex)
		}
		funcOffsets[i] = uint32(off)
	}

	logrus.WithFields(logrus.Fields{
		"functions":  numLocal,
		"code_bytes": image.Len(),
	}).Debug("compiled module")

	return runtime.NewCompiledModule(mod, reg, image.Bytes(), funcOffsets, sink, cfg.SymbolMap)
}

// compileOneBody decodes fnBody's local declarations and operator stream
// and feeds every operator through g in turn, gating disallowed operator
// families against allowed (spec §6's "disallowed operator fails
// CompileModule with a descriptive error" requirement).
func compileOneBody(g *FunctionCodeGenerator, fnBody []byte, allowed Allowed) error {
	_, localTypes, rest, err := wasm.DecodeLocalDeclarations(fnBody)
	if err != nil {
		return wrapCompileError(err, "decoding locals for function %d", g.funcIndex)
	}
	if err := g.BeginBody(localTypes); err != nil {
		return err
	}

	ops, err := wasm.DecodeOperators(rest)
	if err != nil {
		return wrapCompileError(err, "decoding operators for function %d", g.funcIndex)
	}
	for _, op := range ops {
		if err := checkAllowed(allowed, op.Kind); err != nil {
			return wrapCompileError(err, "function %d", g.funcIndex)
		}
		if err := g.FeedOpcode(op); err != nil {
			return wrapCompileError(err, "function %d", g.funcIndex)
		}
	}
	return g.Finalize()
}

// checkAllowed rejects an operator family cfg.Allowed has not opted into,
// per spec §6: float_ops gates every floating-point operator, indirect_calls
// gates call_indirect alone (direct calls are always permitted).
func checkAllowed(allowed Allowed, k wasm.OpKind) error {
	if isFloatOp(k) && !allowed.FloatOps {
		return newCompileError("operator %s requires Allowed.FloatOps", k)
	}
	if k == wasm.OpCallIndirect && !allowed.IndirectCalls {
		return newCompileError("call_indirect requires Allowed.IndirectCalls")
	}
	return nil
}
