package cache

import (
	"path/filepath"
	"testing"

	"github.com/yut148/wasmer/compiler"
	"github.com/yut148/wasmer/internal/require"
	"github.com/yut148/wasmer/runtime"
	"github.com/yut148/wasmer/trap"
	"github.com/yut148/wasmer/wasm"
)

func testModule() *wasm.Module {
	return &wasm.Module{
		Signatures: []*wasm.FunctionType{
			{Params: []wasm.ValueType{wasm.ValueTypeI32}, Results: []wasm.ValueType{wasm.ValueTypeI32}},
		},
		FunctionSignatures: []wasm.Index{0},
		CodeBodies:         [][]byte{{}},
	}
}

func TestStorePutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "artifacts.db"))
	require.NoError(t, err)
	defer store.Close()

	mod := testModule()
	reg := wasm.NewRegistry()
	sink := trap.NewSink()
	sink.Record(4, trap.IntegerDivideByZero)
	code := []byte{0x90, 0x90, 0x90, 0x90, 0xC3} // nop*4, ret
	cm, err := runtime.NewCompiledModule(mod, reg, code, []uint32{0}, sink, nil)
	require.NoError(t, err)
	defer cm.Close()

	key, err := Key([]byte("fake-wasm-bytes"), compiler.CompileConfig{})
	require.NoError(t, err)
	require.NoError(t, store.Put(key, cm))

	loadedReg := wasm.NewRegistry()
	got, ok, err := store.Get(key, loadedReg, nil)
	require.NoError(t, err)
	require.True(t, ok)
	defer got.Close()

	require.Equal(t, len(mod.Signatures), len(got.Source.Signatures))
	require.Equal(t, cm.CodeBytes(), got.CodeBytes())
	require.Equal(t, cm.FuncOffsets(), got.FuncOffsets())

	kind, found := got.SymbolicateTrap(4)
	require.True(t, found)
	require.Equal(t, trap.IntegerDivideByZero, kind)
}

func TestStoreGetMiss(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "artifacts.db"))
	require.NoError(t, err)
	defer store.Close()

	reg := wasm.NewRegistry()
	_, ok, err := store.Get([]byte("does-not-exist-00000000000000000"), reg, nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestKeyStableForSameInputs(t *testing.T) {
	cfg := compiler.CompileConfig{Allowed: compiler.Allowed{FloatOps: true}}
	k1, err := Key([]byte("same bytes"), cfg)
	require.NoError(t, err)
	k2, err := Key([]byte("same bytes"), cfg)
	require.NoError(t, err)
	require.Equal(t, k1, k2)

	k3, err := Key([]byte("different bytes"), cfg)
	require.NoError(t, err)
	require.NotEqual(t, k1, k3)
}
