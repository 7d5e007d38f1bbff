package runtime

import (
	"fmt"
	"unsafe"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/yut148/wasmer/trap"
	"github.com/yut148/wasmer/wasm"
)

func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// CompiledModule is the artifact a Compiler backend hands back (spec §6):
// one executable buffer plus enough bookkeeping to locate each local
// function's entry point and to report a trapping instruction's symbolic
// kind. It carries no per-instance state; many instances may share one
// CompiledModule concurrently (spec §5).
type CompiledModule struct {
	Source   *wasm.Module
	Registry *wasm.Registry

	code        []byte
	funcOffsets []uint32
	trapSink    *trap.Sink
	symbolMap   func(funcIndex uint32) string

	buildID string
}

// NewCompiledModule takes ownership of rawCode (the single contiguous
// buffer CompileModule finalizes), maps it executable, and records
// per-function offsets and the trap sink produced alongside it.
func NewCompiledModule(mod *wasm.Module, reg *wasm.Registry, rawCode []byte, funcOffsets []uint32, sink *trap.Sink, symbolMap func(uint32) string) (*CompiledModule, error) {
	exec, err := allocateExecutable(rawCode)
	if err != nil {
		return nil, fmt.Errorf("mapping compiled code executable: %w", err)
	}
	cm := &CompiledModule{
		Source:      mod,
		Registry:    reg,
		code:        exec,
		funcOffsets: funcOffsets,
		trapSink:    sink,
		symbolMap:   symbolMap,
		buildID:     uuid.NewString(),
	}
	cm.logField().WithField("build_id", cm.buildID).Debug("mapped compiled module executable")
	return cm, nil
}

// BuildID is a process-unique identifier stamped on every compiled
// artifact and logged when the module is mapped; it is not part of any
// cache key.
func (cm *CompiledModule) BuildID() string { return cm.buildID }

// Close releases the executable mapping; no Instance created from this
// CompiledModule may be called afterwards.
func (cm *CompiledModule) Close() error {
	return freeExecutable(cm.code)
}

func (cm *CompiledModule) entryFor(localFuncIdx wasm.Index) FuncPtr {
	return FuncPtr(addrOf(cm.code) + uintptr(cm.funcOffsets[localFuncIdx]))
}

// CodeBytes, FuncOffsets and TrapEntries expose exactly the pieces the cache
// package needs to serialize a compiled artifact (spec §4.8): the finalized
// code image, the per-function entry offsets into it, and the trap sink's
// recorded sites. CodeBytes reads back the already-executable mapping
// allocateExecutable produced; re-mapping it fresh on load is NewCompiledModule's
// job, not the caller's.
func (cm *CompiledModule) CodeBytes() []byte       { return cm.code }
func (cm *CompiledModule) FuncOffsets() []uint32   { return cm.funcOffsets }
func (cm *CompiledModule) TrapEntries() []trap.SinkEntry { return cm.trapSink.Entries() }

// SymbolicateTrap resolves a faulting instruction's offset within this
// module's executable buffer back to a trap.Kind (spec §4.6's "trap
// localisation"). It returns the kind only; the symbol map stored at
// construction is not consulted, so no function name is resolved.
func (cm *CompiledModule) SymbolicateTrap(codeOffset uint64) (kind trap.Kind, ok bool) {
	return cm.trapSink.Lookup(codeOffset)
}

// logField is a small helper so instantiation logging stays consistent
// with the rest of the engine's structured-logging convention.
func (cm *CompiledModule) logField() *logrus.Entry {
	return logrus.WithField("functions", len(cm.funcOffsets))
}
