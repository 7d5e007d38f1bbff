// Command wasmjit is the CLI front-end for the compiler/runtime packages
// (spec §4.9): it decodes a .wasm file, compiles it with the single-pass
// streaming code generator, and either runs an exported function or writes
// the compiled artifact to an on-disk cache for a later run to reuse.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func rootCommand() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:           "wasmjit",
		Short:         "Compile and run WebAssembly modules with the streaming JIT compiler",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug-level structured logging")

	root.AddCommand(runCommand())
	root.AddCommand(compileCommand())
	return root
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "wasmjit:", err)
		os.Exit(1)
	}
}
