package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/yut148/wasmer/cache"
	"github.com/yut148/wasmer/compiler"
	"github.com/yut148/wasmer/runtime"
	"github.com/yut148/wasmer/wasm"
)

func runCommand() *cobra.Command {
	var flags configFlags
	var invoke string
	var cachePath string

	cmd := &cobra.Command{
		Use:   "run <file.wasm>",
		Short: "Compile and run a WebAssembly module, invoking one exported function",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if invoke == "" {
				return fmt.Errorf("--invoke is required")
			}
			return runModule(args[0], invoke, args[1:], flags, cachePath)
		},
	}
	cmd.Flags().StringVar(&invoke, "invoke", "", "name of the exported function to call")
	cmd.Flags().StringVar(&cachePath, "cache", "", "path to a cache database; reused across runs if set")
	cmd.Flags().BoolVar(&flags.floatOps, "float-ops", true, "allow floating-point operators")
	cmd.Flags().BoolVar(&flags.indirectCalls, "indirect-calls", true, "allow call_indirect")
	return cmd
}

func runModule(path, invoke string, rawArgs []string, flags configFlags, cachePath string) error {
	wasmBytes, mod, err := decodeFile(path)
	if err != nil {
		return err
	}
	cfg := flags.toCompileConfig()
	reg := wasm.NewRegistry()

	cm, err := compileWithOptionalCache(wasmBytes, mod, reg, cfg, cachePath)
	if err != nil {
		return err
	}
	defer cm.Close()

	inst, err := runtime.Instantiate(cm, nil)
	if err != nil {
		return fmt.Errorf("instantiating: %w", err)
	}

	callArgs, err := parseArgs(rawArgs)
	if err != nil {
		return err
	}

	result, err := inst.Call(invoke, callArgs...)
	if err != nil {
		return fmt.Errorf("calling %s: %w", invoke, err)
	}
	fmt.Println(result)
	return nil
}

// compileWithOptionalCache looks the module up in the cache database at
// cachePath first if one was given, falling back to a live compile and
// storing the result on a miss (spec §4.8's from_cache path). With no
// cachePath it always compiles fresh.
func compileWithOptionalCache(wasmBytes []byte, mod *wasm.Module, reg *wasm.Registry, cfg compiler.CompileConfig, cachePath string) (*runtime.CompiledModule, error) {
	if cachePath == "" {
		return compiler.CompileModule(mod, reg, cfg)
	}

	store, err := cache.Open(cachePath)
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	defer store.Close()

	key, err := cache.Key(wasmBytes, cfg)
	if err != nil {
		return nil, fmt.Errorf("deriving cache key: %w", err)
	}

	if cm, ok, err := store.Get(key, reg, nil); err == nil && ok {
		logrus.WithField("cache", cachePath).Debug("wasmjit: cache hit")
		return cm, nil
	} else if err != nil {
		logrus.WithError(err).Debug("wasmjit: cache entry unusable, recompiling")
	}

	cm, err := compiler.CompileModule(mod, reg, cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Put(key, cm); err != nil {
		logrus.WithError(err).Warn("wasmjit: failed to store compiled artifact in cache")
	}
	return cm, nil
}
