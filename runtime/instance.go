package runtime

import (
	"math"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/yut148/wasmer/trap"
	"github.com/yut148/wasmer/wasm"
)

// LinkError is returned when an ImportObject cannot satisfy a module's
// imports, or when an imported extern's runtime kind/signature disagrees
// with what the module declared (spec §6's "Linking" operation).
type LinkError struct {
	Module, Field string
	Reason        string
}

func (e *LinkError) Error() string {
	return errors.Errorf("link error: %s.%s: %s", e.Module, e.Field, e.Reason).Error()
}

// HostFunc is a host-provided import: a native entry point callable with
// the same System V convention generated code uses, plus the signature the
// module-side call site will check against at link time.
type HostFunc struct {
	Entry     FuncPtr
	Signature *wasm.FunctionType
}

// ImportObject is the embedder-supplied resolution table for one
// Instantiate call, keyed the same two-level (module, field) way wasm
// imports are declared.
type ImportObject struct {
	Functions map[string]map[string]HostFunc
	Memories  map[string]map[string]*Instance
	Tables    map[string]map[string]*Instance
	Globals   map[string]map[string]*Instance
}

func NewImportObject() *ImportObject {
	return &ImportObject{
		Functions: map[string]map[string]HostFunc{},
		Memories:  map[string]map[string]*Instance{},
		Tables:    map[string]map[string]*Instance{},
		Globals:   map[string]map[string]*Instance{},
	}
}

// Instance is one live instantiation of a CompiledModule: its own
// LocalBacking, its own resolved ImportBacking, and the Ctx those are
// wired into (spec §3/§6).
type Instance struct {
	module *CompiledModule
	ctx    *Ctx
}

// Instantiate resolves cm's imports against imports, allocates fresh local
// storage, wires every Ctx.Internal field to the resulting addresses, and
// runs the start function if the module declares one (spec §6).
func Instantiate(cm *CompiledModule, imports *ImportObject) (*Instance, error) {
	mod := cm.Source
	if imports == nil {
		imports = NewImportObject()
	}

	local, err := newLocalBacking(mod, cm.Registry)
	if err != nil {
		return nil, errors.Wrap(err, "allocating local backing")
	}
	for i := range mod.CodeBodies {
		local.funcPointers[i] = cm.entryFor(wasm.Index(i))
	}

	imp, err := resolveImports(mod, imports)
	if err != nil {
		return nil, err
	}

	ctx := &Ctx{local: local, imp: imp, module: cm}
	wireCtx(ctx, local, imp)

	inst := &Instance{module: cm, ctx: ctx}

	if mod.StartFunction != nil {
		if _, err := inst.callIndex(*mod.StartFunction, nil); err != nil {
			return nil, err
		}
	}
	return inst, nil
}

func resolveImports(mod *wasm.Module, imports *ImportObject) (*ImportBacking, error) {
	imp := &ImportBacking{}
	for _, im := range mod.Imports {
		switch im.Kind {
		case wasm.ExternFunction:
			hf, ok := imports.Functions[im.Module][im.Field]
			if !ok {
				return nil, &LinkError{Module: im.Module, Field: im.Field, Reason: "no matching function import provided"}
			}
			want := mod.Signatures[im.TypeIndex]
			if hf.Signature == nil || hf.Signature.String() != want.String() {
				return nil, &LinkError{Module: im.Module, Field: im.Field, Reason: "signature mismatch"}
			}
			imp.funcRecords = append(imp.funcRecords, ImportedFunc{Func: hf.Entry})
		case wasm.ExternMemory:
			src, ok := imports.Memories[im.Module][im.Field]
			if !ok {
				return nil, &LinkError{Module: im.Module, Field: im.Field, Reason: "no matching memory import provided"}
			}
			if len(src.ctx.local.localMemRecords) == 0 {
				return nil, &LinkError{Module: im.Module, Field: im.Field, Reason: "source instance exports no memory"}
			}
			imp.memRecords = append(imp.memRecords, src.ctx.local.localMemRecords[0])
		case wasm.ExternTable:
			src, ok := imports.Tables[im.Module][im.Field]
			if !ok {
				return nil, &LinkError{Module: im.Module, Field: im.Field, Reason: "no matching table import provided"}
			}
			imp.tblRecords = append(imp.tblRecords, src.ctx.local.localTblRecords[0])
		case wasm.ExternGlobal:
			src, ok := imports.Globals[im.Module][im.Field]
			if !ok {
				return nil, &LinkError{Module: im.Module, Field: im.Field, Reason: "no matching global import provided"}
			}
			imp.gblRecords = append(imp.gblRecords, src.ctx.local.localGblRecords[0])
		}
	}
	return imp, nil
}

// wireCtx patches every Internal.* pointer field to the base of its backing
// array, following the two-phase build spec §9 documents: backings are
// materialised first (so every address is stable), then the ABI record is
// patched in one pass.
func wireCtx(ctx *Ctx, local *LocalBacking, imp *ImportBacking) {
	if len(local.localMemRecords) > 0 {
		ctx.Internal.LocalMemories = &local.localMemRecords[0]
	}
	if len(local.localTblRecords) > 0 {
		ctx.Internal.LocalTables = &local.localTblRecords[0]
	}
	if len(local.localGblRecords) > 0 {
		ctx.Internal.LocalGlobals = &local.localGblRecords[0]
	}
	if len(imp.memRecords) > 0 {
		ctx.Internal.ImportedMemories = &imp.memRecords[0]
	}
	if len(imp.tblRecords) > 0 {
		ctx.Internal.ImportedTables = &imp.tblRecords[0]
	}
	if len(imp.gblRecords) > 0 {
		ctx.Internal.ImportedGlobals = &imp.gblRecords[0]
	}
	if len(imp.funcRecords) > 0 {
		ctx.Internal.ImportedFunctions = &imp.funcRecords[0]
	}
	if len(local.signatureIDs) > 0 {
		ctx.Internal.SignatureIDs = &local.signatureIDs[0]
	}
	if len(local.funcPointers) > 0 {
		ctx.Internal.LocalFunctions = &local.funcPointers[0]
	}
}

// Call invokes the exported function named name with args, following the
// System V argument marshaling entry_amd64.s expects: integer/pointer
// arguments bucket into intArgs, float arguments into floatArgs, and
// anything past the register budget spills into stackArgs in left-to-right
// order (spec §4.5).
func (inst *Instance) Call(name string, args ...uint64) (uint64, error) {
	exp, ok := inst.module.Source.Exports[name]
	if !ok || exp.Kind != wasm.ExternFunction {
		return 0, errors.Errorf("no exported function %q", name)
	}
	return inst.callIndex(exp.Index, args)
}

func (inst *Instance) callIndex(fnIdx wasm.Index, args []uint64) (uint64, error) {
	mod := inst.module.Source
	sig := mod.FunctionType(fnIdx)

	var entry FuncPtr
	if mod.IsImportedFunction(fnIdx) {
		entry = inst.ctx.imp.funcRecords[fnIdx].Func
	} else {
		entry = inst.ctx.local.funcPointers[mod.LocalFunctionIndex(fnIdx)]
	}

	var intArgs, floatArgs, stackArgs []uint64
	for i, p := range sig.Params {
		v := uint64(0)
		if i < len(args) {
			v = args[i]
		}
		if p.IsFloat() {
			if len(floatArgs) < maxFloatRegisterArgs {
				floatArgs = append(floatArgs, v)
			} else {
				stackArgs = append(stackArgs, v)
			}
		} else {
			if len(intArgs) < maxIntRegisterArgs {
				intArgs = append(intArgs, v)
			} else {
				stackArgs = append(stackArgs, v)
			}
		}
	}

	var rax, xmm0 uint64
	err := trap.ProtectedCall(func() *trap.Trap {
		rax, xmm0 = callEntry(
			uintptr(entry), uintptr(unsafe.Pointer(inst.ctx)),
			sliceData(intArgs), len(intArgs),
			sliceData(floatArgs), len(floatArgs),
			sliceData(stackArgs), len(stackArgs),
		)
		if inst.ctx.TrapStatus != 0 {
			kind := trap.Kind(inst.ctx.TrapStatus - 1)
			payload := inst.ctx.TrapPayload
			inst.ctx.TrapStatus = 0
			inst.ctx.TrapPayload = nil
			return &trap.Trap{Kind: kind, Payload: payload}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if len(sig.Results) == 0 {
		return 0, nil
	}
	if sig.Results[0].IsFloat() {
		return xmm0, nil
	}
	return rax, nil
}

func sliceData(s []uint64) *uint64 {
	if len(s) == 0 {
		return nil
	}
	return &s[0]
}

// Float32Bits/Float64Bits convert Go float arguments into the raw bit
// patterns Call's uint64 buckets carry; exported for embedders building an
// args slice by hand.
func Float32Bits(f float32) uint64 { return uint64(math.Float32bits(f)) }
func Float64Bits(f float64) uint64 { return math.Float64bits(f) }
