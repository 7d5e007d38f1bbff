package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/yut148/wasmer/cache"
	"github.com/yut148/wasmer/compiler"
	"github.com/yut148/wasmer/wasm"
)

func compileCommand() *cobra.Command {
	var flags configFlags
	var outPath string

	cmd := &cobra.Command{
		Use:   "compile <file.wasm>",
		Short: "Compile a WebAssembly module ahead of time and store it in a cache database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if outPath == "" {
				return fmt.Errorf("-o is required")
			}
			return compileToCache(args[0], outPath, flags)
		},
	}
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "cache database to write the compiled artifact to")
	cmd.Flags().BoolVar(&flags.floatOps, "float-ops", true, "allow floating-point operators")
	cmd.Flags().BoolVar(&flags.indirectCalls, "indirect-calls", true, "allow call_indirect")
	return cmd
}

func compileToCache(path, outPath string, flags configFlags) error {
	wasmBytes, mod, err := decodeFile(path)
	if err != nil {
		return err
	}
	cfg := flags.toCompileConfig()
	reg := wasm.NewRegistry()

	cm, err := compiler.CompileModule(mod, reg, cfg)
	if err != nil {
		return fmt.Errorf("compiling %s: %w", path, err)
	}
	defer cm.Close()

	store, err := cache.Open(outPath)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer store.Close()

	key, err := cache.Key(wasmBytes, cfg)
	if err != nil {
		return fmt.Errorf("deriving cache key: %w", err)
	}
	if err := store.Put(key, cm); err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"input":  path,
		"output": outPath,
	}).Info("wasmjit: compiled module stored in cache")
	return nil
}
