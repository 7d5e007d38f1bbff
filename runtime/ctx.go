// Package runtime implements the VM execution context and the invoke/
// trampoline layer of spec §3/§4.5/§4.6: Ctx's byte layout is part of the
// ABI between generated code and this package, so every field here is
// laid out in the exact order spec §3 documents and must never be
// reordered without updating every offset the compiler package emits.
package runtime

import (
	"unsafe"

	"github.com/yut148/wasmer/wasm"
)

// InternalCtx is the frozen nine-pointer ABI record generated code
// addresses via constant byte offsets from Ctx (which is always passed as
// the first argument register). The field order is exactly spec §3's:
// local memories, local tables, local globals, imported memories,
// imported tables, imported globals, imported functions, dynamic
// signature-id array, local functions.
type InternalCtx struct {
	LocalMemories     *LocalMemory
	LocalTables       *LocalTable
	LocalGlobals      *LocalGlobal
	ImportedMemories  *ImportedMemory
	ImportedTables    *ImportedTable
	ImportedGlobals   *ImportedGlobal
	ImportedFunctions *ImportedFunc
	SignatureIDs      *wasm.SignatureID
	LocalFunctions    *FuncPtr
}

// The byte offsets generated code relies on, computed against
// unsafe.Offsetof rather than hand-counted, so a field added to
// InternalCtx above can never silently desynchronize these from the
// struct's actual layout (spec §6 and §8).
var (
	OffsetLocalMemories     = uintptr(unsafe.Offsetof(internalCtxLayoutProbe.LocalMemories))
	OffsetLocalTables       = uintptr(unsafe.Offsetof(internalCtxLayoutProbe.LocalTables))
	OffsetLocalGlobals      = uintptr(unsafe.Offsetof(internalCtxLayoutProbe.LocalGlobals))
	OffsetImportedMemories  = uintptr(unsafe.Offsetof(internalCtxLayoutProbe.ImportedMemories))
	OffsetImportedTables    = uintptr(unsafe.Offsetof(internalCtxLayoutProbe.ImportedTables))
	OffsetImportedGlobals   = uintptr(unsafe.Offsetof(internalCtxLayoutProbe.ImportedGlobals))
	OffsetImportedFunctions = uintptr(unsafe.Offsetof(internalCtxLayoutProbe.ImportedFunctions))
	OffsetSignatureIDs      = uintptr(unsafe.Offsetof(internalCtxLayoutProbe.SignatureIDs))
	OffsetLocalFunctions    = uintptr(unsafe.Offsetof(internalCtxLayoutProbe.LocalFunctions))
)

var internalCtxLayoutProbe InternalCtx

// FuncPtr is a raw native entry point, as stored in the local
// function-pointer array generated Call sites index into indirectly (via
// the label table during codegen, directly via this array at runtime for
// cross-module-engine lookups).
type FuncPtr uintptr

// Ctx is the per-instance execution context, spec §3: its first field is
// the inlined InternalCtx ABI record; everything after it is
// implementation-private bookkeeping that generated code never addresses
// directly.
type Ctx struct {
	Internal InternalCtx

	// TrapStatus is written by generated code at every conditional-trap
	// site instead of executing a hardware-faulting ud2 (see
	// SPEC_FULL.md's REDESIGN FLAGS and the trap package's doc comment):
	// 0 means "no trap", any other value is a trap.Kind + 1.
	TrapStatus uint32
	// TrapPayload carries HostEarly's payload across the explicit-status
	// path; nil for every other kind.
	TrapPayload interface{}

	local  *LocalBacking
	imp    *ImportBacking
	module *CompiledModule

	// UserData is the opaque per-instance pointer host imports may use to
	// recover their own state; the engine never interprets it.
	UserData interface{}
}

// OffsetTrapStatus is Ctx.TrapStatus's byte offset, computed rather than
// hand-counted so it tracks the struct definition above exactly; generated
// code uses it to synthesize the mov that reports a software-checked trap
// (see SPEC_FULL.md's REDESIGN FLAGS).
var OffsetTrapStatus = uintptr(unsafe.Offsetof(ctxLayoutProbe.TrapStatus))

var ctxLayoutProbe Ctx

// Sizeof{Memory,Table,Global}Record and SizeofFuncPtr are the per-element
// strides generated code uses to index directly into the Internal.* arrays
// (e.g. LocalMemories[i] sits at OffsetLocalMemories-dereferenced-base +
// i*SizeofMemoryRecord), computed rather than hand-counted for the same
// reason as OffsetTrapStatus above.
var (
	SizeofMemoryRecord = uintptr(unsafe.Sizeof(LocalMemory{}))
	SizeofTableRecord   = uintptr(unsafe.Sizeof(LocalTable{}))
	SizeofGlobalRecord  = uintptr(unsafe.Sizeof(LocalGlobal{}))
	SizeofFuncPtr       = uintptr(unsafe.Sizeof(FuncPtr(0)))
	SizeofAnyfunc        = uintptr(unsafe.Sizeof(Anyfunc{}))
	SizeofImportedFunc   = uintptr(unsafe.Sizeof(ImportedFunc{}))
	SizeofSignatureID    = uintptr(unsafe.Sizeof(wasm.SignatureID(0)))
)

// OffsetAnyfuncFunc/OffsetAnyfuncOwningCtx/OffsetAnyfuncSigID let generated
// call_indirect code index into one Anyfunc slot's fields individually.
var (
	OffsetAnyfuncFunc      = uintptr(unsafe.Offsetof(anyfuncLayoutProbe.Func))
	OffsetAnyfuncOwningCtx = uintptr(unsafe.Offsetof(anyfuncLayoutProbe.OwningCtx))
	OffsetAnyfuncSigID     = uintptr(unsafe.Offsetof(anyfuncLayoutProbe.SigID))
)

var anyfuncLayoutProbe Anyfunc

var (
	OffsetMemoryBase  = uintptr(unsafe.Offsetof(memoryLayoutProbe.Base))
	OffsetMemoryBound = uintptr(unsafe.Offsetof(memoryLayoutProbe.Bound))
)

var memoryLayoutProbe LocalMemory

// OffsetTableBase/OffsetTableCount let generated call_indirect code read a
// LocalTable record's Anyfunc-array base pointer and element count.
var (
	OffsetTableBase  = uintptr(unsafe.Offsetof(tableLayoutProbe.Base))
	OffsetTableCount = uintptr(unsafe.Offsetof(tableLayoutProbe.Count))
)

var tableLayoutProbe LocalTable

var (
	OffsetImportedFuncFunc      = uintptr(unsafe.Offsetof(importedFuncLayoutProbe.Func))
	OffsetImportedFuncOwningCtx = uintptr(unsafe.Offsetof(importedFuncLayoutProbe.OwningCtx))
)

var importedFuncLayoutProbe ImportedFunc

// LocalMemory is a repr-C record with documented byte offsets, per spec
// §3: base pointer, bound in bytes, opaque backing pointer.
type LocalMemory struct {
	Base    unsafe.Pointer
	Bound   uint64
	backing *memoryInstance
}

// LocalTable: base pointer, element count, opaque table pointer.
type LocalTable struct {
	Base    unsafe.Pointer // *Anyfunc array
	Count   uint64
	backing *tableInstance
}

// LocalGlobal: a single 8-byte data word, reinterpreted by value type.
type LocalGlobal struct {
	Data uint64
}

// ImportedFunc: function pointer, owning context pointer.
type ImportedFunc struct {
	Func       FuncPtr
	OwningCtx  *Ctx
}

// ImportedMemory/ImportedTable/ImportedGlobal are the LocalMemory/
// LocalTable/LocalGlobal record types; instantiation copies the exporting
// instance's record by value into this instance's ImportBacking, and
// generated code reaches them through Ctx.Internal.Imported* with the same
// single pointer indirection it uses for local records.
type (
	ImportedMemory = LocalMemory
	ImportedTable  = LocalTable
	ImportedGlobal = LocalGlobal
)

// Anyfunc is a caller-checked function reference stored in a wasm table:
// function pointer, owning context pointer, signature identifier.
type Anyfunc struct {
	Func      FuncPtr
	OwningCtx *Ctx
	SigID     wasm.SignatureID
}
