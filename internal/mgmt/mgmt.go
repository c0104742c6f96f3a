// Package mgmt holds the process-wide registries for every pluggable kind:
// operator callbacks, argument types, and the plugin table. Lookups are
// case-insensitive; registration happens at startup and on plugin load.
package mgmt

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/oriys/pulsar/internal/buffer"
	"github.com/oriys/pulsar/internal/record"
)

// ExecutionCtx is the slice of a running execution visible to user
// callbacks.
type ExecutionCtx interface {
	// Context carries cancellation for blocking work inside callbacks.
	Context() context.Context
	// ExecutionID identifies the running execution.
	ExecutionID() string
	// ShardID identifies the local shard.
	ShardID() string
}

// ArgType describes how to handle the opaque argument attached to an
// operator step: wire codec, duplication for plan copies, and display.
// Version gates deserialization of payloads written by older plugins.
type ArgType struct {
	Name        string
	Version     int
	Serialize   func(w *buffer.Writer, arg interface{}) error
	Deserialize func(rd *buffer.Reader, version int) (interface{}, error)
	Dup         func(arg interface{}) interface{}
	ToString    func(arg interface{}) string
	Free        func(arg interface{})
}

// Operator callback signatures. Callbacks return an explicit error; the
// engine wraps it into an Error record without unwinding.
type (
	MapCallback             func(ectx ExecutionCtx, r record.Record, arg interface{}) (record.Record, error)
	FilterCallback          func(ectx ExecutionCtx, r record.Record, arg interface{}) (bool, error)
	ExtractorCallback       func(ectx ExecutionCtx, r record.Record, arg interface{}) (string, error)
	ReducerCallback         func(ectx ExecutionCtx, key string, items *record.List, arg interface{}) (record.Record, error)
	AccumulateCallback      func(ectx ExecutionCtx, accumulator record.Record, r record.Record, arg interface{}) (record.Record, error)
	AccumulateByKeyCallback func(ectx ExecutionCtx, key string, accumulator record.Record, r record.Record, arg interface{}) (record.Record, error)
	ForEachCallback         func(ectx ExecutionCtx, r record.Record, arg interface{}) error
	ExecutionCallback       func(ectx ExecutionCtx, arg interface{})
	RegisteredCallback      func(arg interface{})
	KeysReadRecordCallback  func(ectx ExecutionCtx, key string) (record.Record, error)
)

type entry[C any] struct {
	callback C
	argType  *ArgType
}

// Registry is a case-insensitive name → {callback, arg-type} map for one
// pluggable kind.
type Registry[C any] struct {
	mu      sync.RWMutex
	kind    string
	entries map[string]entry[C]
}

func newRegistry[C any](kind string) *Registry[C] {
	return &Registry[C]{kind: kind, entries: make(map[string]entry[C])}
}

// Add registers callback under name. Re-registering an existing name fails.
func (r *Registry[C]) Add(name string, callback C, argType *ArgType) error {
	key := strings.ToLower(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; ok {
		return fmt.Errorf("%s %q already registered", r.kind, name)
	}
	r.entries[key] = entry[C]{callback: callback, argType: argType}
	return nil
}

// Get resolves a callback by name.
func (r *Registry[C]) Get(name string) (C, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[strings.ToLower(name)]
	return e.callback, ok
}

// ArgTypeOf resolves the arg type registered alongside name.
func (r *Registry[C]) ArgTypeOf(name string) *ArgType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[strings.ToLower(name)].argType
}

// Names lists registered names.
func (r *Registry[C]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	return out
}

// Process-wide registries, one per pluggable kind.
var (
	Maps              = newRegistry[MapCallback]("map")
	Filters           = newRegistry[FilterCallback]("filter")
	Extractors        = newRegistry[ExtractorCallback]("extractor")
	Reducers          = newRegistry[ReducerCallback]("reducer")
	Accumulators      = newRegistry[AccumulateCallback]("accumulator")
	AccumulatorsByKey = newRegistry[AccumulateByKeyCallback]("accumulate-by-key")
	ForEachs          = newRegistry[ForEachCallback]("for-each")
	OnStarts          = newRegistry[ExecutionCallback]("on-start")
	OnUnpauseds       = newRegistry[ExecutionCallback]("on-unpaused")
	OnRegistereds     = newRegistry[RegisteredCallback]("on-registered")
	OnUnregistereds   = newRegistry[RegisteredCallback]("on-unregistered")
	KeysReadRecords   = newRegistry[KeysReadRecordCallback]("keys-reader-read-record")
)

var (
	privateDataMu    sync.RWMutex
	privateDataTypes = make(map[string]*ArgType)
)

// RegisterPrivateDataType registers the arg type used for a flat execution
// plan's private-data blob.
func RegisterPrivateDataType(t *ArgType) error {
	key := strings.ToLower(t.Name)
	privateDataMu.Lock()
	defer privateDataMu.Unlock()
	if _, ok := privateDataTypes[key]; ok {
		return fmt.Errorf("private data type %q already registered", t.Name)
	}
	privateDataTypes[key] = t
	return nil
}

// PrivateDataType resolves a private-data arg type by name.
func PrivateDataType(name string) (*ArgType, bool) {
	privateDataMu.RLock()
	defer privateDataMu.RUnlock()
	t, ok := privateDataTypes[strings.ToLower(name)]
	return t, ok
}
