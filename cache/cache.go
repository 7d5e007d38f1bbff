// Package cache implements the compiled-artifact store spec §4.8
// describes: a single-file embedded KV store keyed by the SHA-256 of a
// module's wasm bytes plus its CompileConfig, holding a gob-encoded,
// zstd-compressed envelope of the decoded Module and the finalized code
// image. A hit lets a caller skip CompileModule entirely and go straight
// to mapping the stored bytes executable.
package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/yut148/wasmer/compiler"
	"github.com/yut148/wasmer/runtime"
	"github.com/yut148/wasmer/trap"
	"github.com/yut148/wasmer/wasm"
)

var bucketName = []byte("wasmjit-artifacts")

// Store wraps one bbolt database file; every entry lives in a single
// bucket keyed by Key's digest.
type Store struct {
	db *bolt.DB
}

// Open creates path if it does not already exist and ensures the artifact
// bucket is present.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, &CacheError{Reason: fmt.Sprintf("opening %s", path), Cause: err}
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, &CacheError{Reason: "initializing bucket", Cause: err}
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

// configKey is the gob-encoded subset of CompileConfig that affects the
// bytes CompileModule emits; SymbolMap is a func value and is deliberately
// excluded, since it never changes a single generated instruction.
type configKey struct {
	Metering compiler.Metering
	Allowed  compiler.Allowed
}

// Key derives the content-addressed lookup key spec §4.8 describes: the
// SHA-256 of the input wasm bytes followed by the codegen-relevant config
// fields.
func Key(wasmBytes []byte, cfg compiler.CompileConfig) ([]byte, error) {
	h := sha256.New()
	h.Write(wasmBytes)
	if err := gob.NewEncoder(h).Encode(configKey{Metering: cfg.Metering, Allowed: cfg.Allowed}); err != nil {
		return nil, &CacheError{Reason: "hashing compile config", Cause: err}
	}
	return h.Sum(nil), nil
}

// envelope is the gob-encoded, zstd-compressed cache value: enough of the
// decoded Module plus the finalized code image and trap sites to rebuild a
// *runtime.CompiledModule without re-running the code generator.
type envelope struct {
	Module      *wasm.Module
	CodeImage   []byte
	FuncOffsets []uint32
	TrapEntries []trap.SinkEntry
}

// CacheError distinguishes a corrupt, incompatible, or unreadable cache
// entry (spec §7 supplement); callers should treat it as a miss and fall
// back to CompileModule rather than surface it as a hard failure, except
// when returned from Open/Put where there is no fallback path.
type CacheError struct {
	Reason string
	Cause  error
}

func (e *CacheError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("cache error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("cache error: %s", e.Reason)
}

func (e *CacheError) Unwrap() error { return e.Cause }

// Put stores cm's artifact under key. The stored Module is cm.Source, the
// exact value CompileModule decoded and compiled against, so a later Get
// reconstructs a CompiledModule whose Source is byte-for-byte what the
// original compile produced.
func (s *Store) Put(key []byte, cm *runtime.CompiledModule) error {
	env := envelope{
		Module:      cm.Source,
		CodeImage:   cm.CodeBytes(),
		FuncOffsets: cm.FuncOffsets(),
		TrapEntries: cm.TrapEntries(),
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&env); err != nil {
		return &CacheError{Reason: "encoding envelope", Cause: err}
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return &CacheError{Reason: "creating zstd encoder", Cause: err}
	}
	defer enc.Close()
	compressed := enc.EncodeAll(buf.Bytes(), nil)

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(key, compressed)
	})
	if err != nil {
		return &CacheError{Reason: "writing entry", Cause: err}
	}

	logrus.WithFields(logrus.Fields{
		"build_id":   cm.BuildID(),
		"raw_bytes":  buf.Len(),
		"zstd_bytes": len(compressed),
	}).Debug("cache: stored compiled artifact")
	return nil
}

// Get looks up key and, on a hit, reconstructs a CompiledModule directly
// from the stored code image without invoking the code generator (spec
// §6's from_cache path). The second return value is false on a clean miss
// (nil error); a non-nil error always means something was found but could
// not be used (corrupt envelope, decompression failure, remap failure),
// which callers should still treat as a miss rather than propagate as a
// hard failure, per spec §7 supplement.
//
// reg is interned against in Module.Signatures order before the module is
// returned, so a fresh process's Registry assigns the same SignatureIDs a
// live compile would have produced; this only holds when reg starts in
// the same state CompileModule originally saw it in (e.g. a dedicated
// Registry per cache, or a process that only ever loads this one module
// family from cache before compiling anything else against reg).
func (s *Store) Get(key []byte, reg *wasm.Registry, symbolMap func(uint32) string) (*runtime.CompiledModule, bool, error) {
	var compressed []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(key)
		if v != nil {
			compressed = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, &CacheError{Reason: "reading entry", Cause: err}
	}
	if compressed == nil {
		return nil, false, nil
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, false, &CacheError{Reason: "creating zstd decoder", Cause: err}
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, false, &CacheError{Reason: "decompressing envelope", Cause: err}
	}

	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&env); err != nil {
		return nil, false, &CacheError{Reason: "decoding envelope", Cause: err}
	}

	for _, sig := range env.Module.Signatures {
		reg.Intern(sig)
	}

	sink := trap.NewSink()
	for _, e := range env.TrapEntries {
		sink.Record(e.Offset, e.Kind)
	}

	cm, err := runtime.NewCompiledModule(env.Module, reg, env.CodeImage, env.FuncOffsets, sink, symbolMap)
	if err != nil {
		return nil, false, &CacheError{Reason: "remapping code image executable", Cause: errors.WithMessage(err, "cache get")}
	}
	return cm, true, nil
}
