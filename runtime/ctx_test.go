package runtime

import (
	"testing"
	"unsafe"

	"github.com/yut148/wasmer/internal/require"
)

// These offsets are the ABI generated code is compiled against (spec §3,
// §6, §8): every field here is a pointer or other word-sized value with no
// interface{} or slice header ahead of it, so Go's struct layout algorithm
// lays each one out in declaration order with no inserted padding. Pinning
// them to literal constants, rather than only comparing against
// unsafe.Offsetof of the same field, is what actually catches an
// accidental field reorder in InternalCtx, Anyfunc, LocalMemory or
// LocalTable regressing the offsets generated machine code already has
// baked in.
func TestInternalCtxOffsetsAreStable(t *testing.T) {
	require.Equal(t, uintptr(0), OffsetLocalMemories)
	require.Equal(t, uintptr(8), OffsetLocalTables)
	require.Equal(t, uintptr(16), OffsetLocalGlobals)
	require.Equal(t, uintptr(24), OffsetImportedMemories)
	require.Equal(t, uintptr(32), OffsetImportedTables)
	require.Equal(t, uintptr(40), OffsetImportedGlobals)
	require.Equal(t, uintptr(48), OffsetImportedFunctions)
	require.Equal(t, uintptr(56), OffsetSignatureIDs)
	require.Equal(t, uintptr(64), OffsetLocalFunctions)
	require.Equal(t, uintptr(72), unsafe.Sizeof(InternalCtx{}))
}

func TestCtxTrapStatusOffsetIsStable(t *testing.T) {
	// TrapStatus is the only Ctx field generated code addresses directly
	// (every conditional-trap site writes through this one constant), right
	// after the inlined InternalCtx record.
	require.Equal(t, uintptr(72), OffsetTrapStatus)
}

func TestAnyfuncOffsetsAreStable(t *testing.T) {
	require.Equal(t, uintptr(0), OffsetAnyfuncFunc)
	require.Equal(t, uintptr(8), OffsetAnyfuncOwningCtx)
	require.Equal(t, uintptr(16), OffsetAnyfuncSigID)
	require.Equal(t, uintptr(24), SizeofAnyfunc)
}

func TestLocalMemoryOffsetsAreStable(t *testing.T) {
	require.Equal(t, uintptr(0), OffsetMemoryBase)
	require.Equal(t, uintptr(8), OffsetMemoryBound)
	require.Equal(t, uintptr(24), SizeofMemoryRecord)
}

func TestLocalTableOffsetsAreStable(t *testing.T) {
	require.Equal(t, uintptr(0), OffsetTableBase)
	require.Equal(t, uintptr(8), OffsetTableCount)
	require.Equal(t, uintptr(24), SizeofTableRecord)
}

func TestImportedFuncOffsetsAreStable(t *testing.T) {
	require.Equal(t, uintptr(0), OffsetImportedFuncFunc)
	require.Equal(t, uintptr(8), OffsetImportedFuncOwningCtx)
	require.Equal(t, uintptr(16), SizeofImportedFunc)
}

// LocalGlobal and the Imported* aliases ride on the records above, so their
// strides are asserted through SizeofGlobalRecord, SizeofFuncPtr and
// SizeofSignatureID directly rather than duplicating offset checks that
// would just restate LocalMemory/LocalTable's.
func TestScalarStridesAreStable(t *testing.T) {
	require.Equal(t, uintptr(8), SizeofGlobalRecord)
	require.Equal(t, uintptr(8), SizeofFuncPtr)
	require.Equal(t, uintptr(4), SizeofSignatureID)
}
