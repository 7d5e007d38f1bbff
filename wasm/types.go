// Package wasm holds the read-only module-info data model produced by an
// external decoder: typed indices, interned signatures, and the declared
// memories/tables/globals/exports a module carries. Nothing in this package
// executes code; it is consumed read-only by the compiler package.
package wasm

import (
	"fmt"
	"sync"
)

// ValueType is one of the four value types WebAssembly 1.0 core defines.
type ValueType byte

const (
	ValueTypeI32 ValueType = 0x7F
	ValueTypeI64 ValueType = 0x7E
	ValueTypeF32 ValueType = 0x7D
	ValueTypeF64 ValueType = 0x7C
)

func (v ValueType) String() string {
	switch v {
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	default:
		return fmt.Sprintf("unknown(%#x)", byte(v))
	}
}

func (v ValueType) IsFloat() bool { return v == ValueTypeF32 || v == ValueTypeF64 }
func (v ValueType) Is64() bool    { return v == ValueTypeI64 || v == ValueTypeF64 }

// Index is a dense, non-negative identifier into one of the four index
// spaces (function, memory, table, global). Each index space is separate:
// a FunctionIndex and a GlobalIndex with the same numeric value are
// unrelated.
type Index = uint32

// FunctionType is an ordered tuple of parameter types plus at most one
// result type (multi-value returns are a non-goal; see spec §3).
type FunctionType struct {
	Params  []ValueType
	Results []ValueType
}

// SignatureID is a process-wide interned identifier: two structurally equal
// FunctionTypes always resolve to the same SignatureID, which is what
// call_indirect compares against at runtime.
type SignatureID uint32

func (t *FunctionType) key() string {
	b := make([]byte, 0, len(t.Params)+len(t.Results)+1)
	for _, p := range t.Params {
		b = append(b, byte(p))
	}
	b = append(b, 0xFF)
	for _, r := range t.Results {
		b = append(b, byte(r))
	}
	return string(b)
}

func (t *FunctionType) String() string {
	s := ""
	for _, p := range t.Params {
		s += p.String()
	}
	if s == "" {
		s = "null"
	}
	s += "_"
	if len(t.Results) == 0 {
		s += "null"
	}
	for _, r := range t.Results {
		s += r.String()
	}
	return s
}

// MemoryClass tags how a declared memory's bounds are enforced by generated
// code: Dynamic memories require a software bound check on every access;
// Static and SharedStatic memories rely on an inaccessible guard region
// instead (see spec §4.3).
type MemoryClass byte

const (
	MemoryDynamic MemoryClass = iota
	MemoryStatic
	MemorySharedStatic
)

// Limits bounds the allowed page count of a memory or element count of a
// table; Max is nil when unbounded.
type Limits struct {
	Min uint32
	Max *uint32
}

// MemoryType describes one declared memory, local or imported.
type MemoryType struct {
	Limits Limits
	Class  MemoryClass
}

// TableType describes one declared table, local or imported. WebAssembly
// 1.0 only has anyfunc tables; the element type is implicit.
type TableType struct {
	Limits Limits
}

// GlobalType describes one declared global's value type, mutability, and
// (for locally-defined globals) constant initializer.
type GlobalType struct {
	ValType ValueType
	Mutable bool
}

// GlobalInit is a constant-expression initializer: WebAssembly 1.0 only
// allows a single const instruction or a get_global of an imported
// immutable global, both of which collapse to a raw 8-byte payload plus an
// optional "copy from this imported global index" indirection.
type GlobalInit struct {
	IsImportedGlobal bool
	ImportedIndex    Index
	Value            uint64 // raw bit pattern for i32/i64/f32/f64
}

// ExternKind classifies what an export or import refers to.
type ExternKind byte

const (
	ExternFunction ExternKind = iota
	ExternTable
	ExternMemory
	ExternGlobal
)

// Export maps an export name to a kinded module-local index.
type Export struct {
	Name  string
	Kind  ExternKind
	Index Index
}

// Import names a two-level (module, field) import resolved against the
// embedder's import object at instantiation time.
type Import struct {
	Module string
	Field  string
	Kind   ExternKind
	// TypeIndex is meaningful when Kind == ExternFunction.
	TypeIndex Index
	MemType   *MemoryType
	TableType *TableType
	GlobalType *GlobalType
}

// Module is the read-only structure an external decoder produces; the code
// generator only ever reads from it.
type Module struct {
	// Signatures is the ordered sequence of interned function types
	// declared in the module's type section.
	Signatures []*FunctionType

	// FunctionSignatures maps a module-local function index (imports
	// first, then locally-defined functions) to an index into Signatures.
	FunctionSignatures []Index

	// NumImportedFunctions/.../Globals give the split point between
	// imported and locally-defined indices within each of the four index
	// spaces, per spec §3's "typed indices" model.
	NumImportedFunctions int
	NumImportedMemories  int
	NumImportedTables    int
	NumImportedGlobals   int

	Memories []*MemoryType
	Tables   []*TableType
	Globals  []*GlobalType
	GlobalInits []*GlobalInit

	Imports []*Import
	Exports map[string]*Export

	// CodeBodies holds, for each locally-defined function, the raw body
	// from the code section: its local declarations followed by its
	// operator stream, which CompileModule decodes and feeds to
	// FunctionCodeGenerator.
	CodeBodies [][]byte

	StartFunction *Index
}

// IsImportedFunction reports whether idx names an imported or a locally
// defined function.
func (m *Module) IsImportedFunction(idx Index) bool {
	return int(idx) < m.NumImportedFunctions
}

// LocalFunctionIndex converts a module-global function index into the
// index used by CodeBodies / the local function-pointer array.
func (m *Module) LocalFunctionIndex(idx Index) Index {
	return idx - Index(m.NumImportedFunctions)
}

func (m *Module) FunctionType(idx Index) *FunctionType {
	return m.Signatures[m.FunctionSignatures[idx]]
}

// Registry interns FunctionTypes process-wide: structurally equal
// signatures always resolve to the same SignatureID (spec §3, "Signature
// interning idempotence"). A single Registry is shared by every module
// compiled in the process (spec §5: "the interned signature registry is
// process-wide and must be internally synchronized for concurrent
// insertion"), so all access goes through mu.
type Registry struct {
	mu    sync.Mutex
	byKey map[string]SignatureID
	byID  []*FunctionType
}

func NewRegistry() *Registry {
	return &Registry{byKey: map[string]SignatureID{}}
}

// Intern returns t's process-wide SignatureID, assigning a fresh one the
// first time a structurally distinct signature is seen.
func (r *Registry) Intern(t *FunctionType) SignatureID {
	k := t.key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byKey[k]; ok {
		return id
	}
	id := SignatureID(len(r.byID))
	r.byID = append(r.byID, t)
	r.byKey[k] = id
	return id
}

func (r *Registry) Lookup(id SignatureID) *FunctionType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

// Global is the process-wide registry every Module's signatures are
// interned against.
var Global = NewRegistry()
