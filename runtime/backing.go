package runtime

import (
	"unsafe"

	"github.com/yut148/wasmer/wasm"
)

// memoryInstance owns one local memory's actual backing storage. Static and
// SharedStatic memories reserve a large virtual region with an inaccessible
// guard past Bound, so out-of-bounds accesses fault in hardware (spec
// §3/§4.3); Dynamic memories allocate exactly Bound bytes and every access
// is software bound-checked instead.
type memoryInstance struct {
	class    wasm.MemoryClass
	data     []byte // the live [0:Bound) window
	reserved []byte // the full guarded reservation for Static/SharedStatic; nil for Dynamic
	maxPages uint32
}

const wasmPageSize = 65536

// tableInstance owns one local table's Anyfunc slots.
type tableInstance struct {
	elems []Anyfunc
}

// globalInstance owns one local global's storage and declared type.
type globalInstance struct {
	valType wasm.ValueType
	mutable bool
}

// LocalBacking owns every locally-defined memory/table/global of one
// instance, plus the dense signature-id array and local function-pointer
// array Ctx's InternalCtx points into. Per spec §3, this storage's
// addresses must not move while the instance is alive: the arrays below are
// allocated once, at instantiation, and never reallocated or grown by
// reslicing (the decoder has no memory.grow operator, so memoryInstance.data
// is not replaced after instantiation either).
type LocalBacking struct {
	memories []*memoryInstance
	tables   []*tableInstance
	globals  []*globalInstance

	localMemRecords []LocalMemory
	localTblRecords []LocalTable
	localGblRecords []LocalGlobal

	signatureIDs []wasm.SignatureID
	funcPointers []FuncPtr
}

// ImportBacking owns the resolved handles for every imported resource,
// against which generated code's "imported vs local" index split (spec §3)
// is resolved.
type ImportBacking struct {
	memRecords []ImportedMemory
	tblRecords []ImportedTable
	gblRecords []ImportedGlobal
	funcRecords []ImportedFunc
}

// newLocalBacking materialises storage for every locally-declared memory,
// table, and global in mod, following the two-phase build spec §9
// recommends: backings first, then Ctx fields are patched in by the
// caller once every address is stable.
func newLocalBacking(mod *wasm.Module, reg *wasm.Registry) (*LocalBacking, error) {
	lb := &LocalBacking{}

	for _, mt := range mod.Memories {
		inst, err := newMemoryInstance(mt)
		if err != nil {
			return nil, err
		}
		lb.memories = append(lb.memories, inst)
	}
	lb.localMemRecords = make([]LocalMemory, len(lb.memories))
	for i, inst := range lb.memories {
		lb.localMemRecords[i] = inst.record()
	}

	for range mod.Tables {
		lb.tables = append(lb.tables, &tableInstance{})
	}
	lb.localTblRecords = make([]LocalTable, len(lb.tables))
	for i, t := range lb.tables {
		lb.localTblRecords[i] = t.record()
	}

	for _, gt := range mod.Globals {
		lb.globals = append(lb.globals, &globalInstance{valType: gt.ValType, mutable: gt.Mutable})
	}
	lb.localGblRecords = make([]LocalGlobal, len(lb.globals))
	for i, init := range mod.GlobalInits {
		if init != nil && !init.IsImportedGlobal {
			lb.localGblRecords[i] = LocalGlobal{Data: init.Value}
		}
	}

	lb.signatureIDs = make([]wasm.SignatureID, len(mod.Signatures))
	for i, sig := range mod.Signatures {
		lb.signatureIDs[i] = reg.Intern(sig)
	}

	lb.funcPointers = make([]FuncPtr, len(mod.CodeBodies))
	return lb, nil
}

func newMemoryInstance(mt *wasm.MemoryType) (*memoryInstance, error) {
	inst := &memoryInstance{class: mt.Class}
	minBytes := uint64(mt.Limits.Min) * wasmPageSize
	switch mt.Class {
	case wasm.MemoryDynamic:
		inst.data = make([]byte, minBytes)
	case wasm.MemoryStatic, wasm.MemorySharedStatic:
		// Reserve a large virtual region so the guard past Bound is what
		// actually produces the hardware fault spec §4.3 describes for
		// these classes; the reservation size is intentionally generous
		// (4 GiB) since WebAssembly 1.0 addresses are 32-bit.
		const reservation = 1 << 32
		inst.reserved = mmapGuarded(reservation)
		if minBytes > 0 {
			if err := growGuarded(inst.reserved, int(minBytes)); err != nil {
				return nil, err
			}
		}
		inst.data = inst.reserved[:minBytes:minBytes]
	}
	if mt.Limits.Max != nil {
		inst.maxPages = *mt.Limits.Max
	} else {
		inst.maxPages = 65536
	}
	return inst, nil
}

func (m *memoryInstance) record() LocalMemory {
	var base unsafe.Pointer
	if len(m.data) > 0 {
		base = unsafe.Pointer(&m.data[0])
	}
	return LocalMemory{Base: base, Bound: uint64(len(m.data)), backing: m}
}

func (t *tableInstance) record() LocalTable {
	var base unsafe.Pointer
	if len(t.elems) > 0 {
		base = unsafe.Pointer(&t.elems[0])
	}
	return LocalTable{Base: base, Count: uint64(len(t.elems)), backing: t}
}
