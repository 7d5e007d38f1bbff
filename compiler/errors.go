package compiler

import "fmt"

// CompileError covers malformed/unsupported input, a disallowed operator
// under the current CompileConfig, or an internal codegen invariant
// violation (spec §7).
type CompileError struct {
	Reason string
	Cause  error
}

func (e *CompileError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("compile error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("compile error: %s", e.Reason)
}

func (e *CompileError) Unwrap() error { return e.Cause }

func newCompileError(format string, args ...interface{}) error {
	return &CompileError{Reason: fmt.Sprintf(format, args...)}
}

func wrapCompileError(cause error, format string, args ...interface{}) error {
	return &CompileError{Reason: fmt.Sprintf(format, args...), Cause: cause}
}

// Metering is recognized but, per spec §1/§6, its enforcement is deferred
// entirely to whichever Compiler backend implements it; the single-pass
// backend accepts the field and does not act on it. It intentionally
// carries no exported fields yet (spec §9 Open Question: "it is unclear
// which runtime checks are intended to be gated on its future settings" —
// left unresolved rather than guessed at).
type Metering struct{}

// Allowed gates which optional wasm operator families this compiler will
// accept; a disallowed operator fails CompileModule with a CompileError
// instead of being silently accepted and trapping at runtime (spec §6).
type Allowed struct {
	FloatOps      bool
	IndirectCalls bool
}

// CompileConfig is the single entry point's configuration, per spec §6.
type CompileConfig struct {
	// SymbolMap optionally names a function index; CompileModule hands it to
	// the CompiledModule, which stores it but never calls it.
	SymbolMap func(funcIndex uint32) string
	Metering  Metering
	Allowed   Allowed
}
