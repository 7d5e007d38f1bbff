package main

import (
	"bytes"
	"fmt"
	"os"
	"strconv"

	"github.com/yut148/wasmer/compiler"
	"github.com/yut148/wasmer/wasm"
)

// configFlags holds the Allowed-operator flags every subcommand that
// compiles a module shares.
type configFlags struct {
	floatOps      bool
	indirectCalls bool
}

func (f *configFlags) toCompileConfig() compiler.CompileConfig {
	return compiler.CompileConfig{
		Allowed: compiler.Allowed{
			FloatOps:      f.floatOps,
			IndirectCalls: f.indirectCalls,
		},
	}
}

// decodeFile reads and decodes path's wasm module, returning the raw bytes
// alongside the decoded Module since the cache key is derived from the raw
// bytes, not the decoded structure.
func decodeFile(path string) ([]byte, *wasm.Module, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", path, err)
	}
	mod, err := wasm.DecodeModule(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return raw, mod, nil
}

// parseArgs converts the CLI's trailing positional arguments into the raw
// uint64 buckets Instance.Call expects: each argument is parsed as an
// unsigned 64-bit integer, the lowest common denominator for both i32/i64
// and the bit pattern of a float argument (spec §4.5's calling convention
// treats every argument slot as an opaque 64-bit word).
func parseArgs(args []string) ([]uint64, error) {
	out := make([]uint64, len(args))
	for i, a := range args {
		v, err := strconv.ParseUint(a, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("argument %d (%q): %w", i, a, err)
		}
		out[i] = v
	}
	return out, nil
}
