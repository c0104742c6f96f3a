// Package readers implements the pluggable record sources: the scan-based
// keys reader, the stream reader, the command reader, and the shard-id
// reader, together with their registrations — persistent bindings of a plan
// to an event source that spawn a fresh execution on every trigger.
package readers

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/oriys/pulsar/internal/buffer"
	"github.com/oriys/pulsar/internal/mgmt"
	"github.com/oriys/pulsar/internal/plan"
	"github.com/oriys/pulsar/internal/record"
)

// Reader produces the records an execution pipeline consumes. Next returns
// (nil, nil) once the source is exhausted. A failed scan of the source is
// logged by the reader, which then reports exhaustion so the pipeline can
// drain; an error returned for a single record does not end the reader.
type Reader interface {
	Next(ectx mgmt.ExecutionCtx) (record.Record, error)
	// Serialize encodes the reader's instance arguments for shipping the
	// execution to peer shards.
	Serialize(w *buffer.Writer) error
	// Deserialize restores instance arguments on a mirror execution.
	Deserialize(rd *buffer.Reader) error
}

// RunHandle is the slice of a running execution visible to the trigger
// subsystem.
type RunHandle interface {
	ID() string
	IsDone() bool
	IsAborted() bool
	ErrorCount() int
	FirstError() string
	Abort() error
	Drop()
}

// Runner instantiates executions from triggered plans. The engine injects
// the implementation at wiring time.
type Runner interface {
	Run(fep *plan.FlatExecutionPlan, mode plan.ExecutionMode, r Reader, onDone func(RunHandle)) (RunHandle, error)
	LocalID() string
	MaxExecutionsPerRegistration() int64
}

// Kind describes one reader type: instance construction plus the optional
// trigger and persistence hooks.
type Kind struct {
	Name string
	// Create builds a reader instance from serialized arguments.
	Create func(args []byte) (Reader, error)
	// DecodeArgs decodes serialized registration trigger arguments, used by
	// the registration fan-out path.
	DecodeArgs func(data []byte) (interface{}, error)
	// EncodeArgs is the inverse of DecodeArgs.
	EncodeArgs func(args interface{}) ([]byte, error)
	// Register installs trigger machinery for a registration. Nil for
	// readers that only run on demand.
	Register func(reg *Registration) error
	// Unregister tears a registration down, optionally aborting in-flight
	// executions.
	Unregister func(reg *Registration, abortPending bool) error
	// RdbSave serializes this kind's registrations; nil when the kind has
	// nothing to persist.
	RdbSave func(w *buffer.Writer) error
	// RdbLoad restores registrations saved by RdbSave.
	RdbLoad func(rd *buffer.Reader, version int) error
	// Registrations lists the kind's live registrations.
	Registrations func() []*Registration
	// ClearStats zeroes per-registration trigger counters.
	ClearStats func()
}

var (
	kindsMu sync.RWMutex
	kinds   = make(map[string]*Kind)
	paused  atomic.Bool
)

// RegisterKind adds a reader kind to the process-wide table. Re-registering
// a name replaces the previous kind, dropping its registrations — the
// engine does this when it reinitializes over a fresh host connection.
func RegisterKind(k *Kind) error {
	key := strings.ToLower(k.Name)
	kindsMu.Lock()
	defer kindsMu.Unlock()
	kinds[key] = k
	return nil
}

// GetKind resolves a reader kind by name.
func GetKind(name string) (*Kind, bool) {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	k, ok := kinds[strings.ToLower(name)]
	return k, ok
}

// Kinds lists the registered reader kinds, in no particular order.
func Kinds() []*Kind {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	out := make([]*Kind, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, k)
	}
	return out
}

// NewRegistration binds fep to the named reader's trigger source. A plan
// already owned by another registration is deep-copied first; the
// registration holds its own plan reference.
func NewRegistration(runner Runner, readerName string, fep *plan.FlatExecutionPlan, mode plan.ExecutionMode, args interface{}) (*Registration, error) {
	kind, ok := GetKind(readerName)
	if !ok {
		return nil, fmt.Errorf("reader %q not registered", readerName)
	}
	if kind.Register == nil {
		return nil, fmt.Errorf("reader %q does not support registrations", readerName)
	}
	if fep.IsRegistered() {
		fep = fep.Copy(runner.LocalID())
	} else {
		fep.Retain()
	}
	fep.MarkRegistered()
	reg := &Registration{
		ID:     plan.NewID(runner.LocalID()),
		Reader: readerName,
		Mode:   mode,
		FEP:    fep,
		Args:   args,
	}
	if err := kind.Register(reg); err != nil {
		fep.Release()
		return nil, err
	}
	return reg, nil
}

// FindRegistration resolves a registration id across every reader kind.
func FindRegistration(id string) (*Registration, *Kind, bool) {
	for _, kind := range Kinds() {
		if kind.Registrations == nil {
			continue
		}
		for _, reg := range kind.Registrations() {
			if reg.ID == id {
				return reg, kind, true
			}
		}
	}
	return nil, nil, false
}

// SetPaused toggles trigger dispatch engine-wide. While paused, triggers are
// not delivered; event sources keep their state so dispatch resumes on
// unpause.
func SetPaused(p bool) { paused.Store(p) }

// IsPaused reports whether trigger dispatch is paused.
func IsPaused() bool { return paused.Load() }

// Stats counts a registration's trigger outcomes.
type Stats struct {
	NumTriggered atomic.Int64
	NumSuccess   atomic.Int64
	NumFailures  atomic.Int64
	NumAborted   atomic.Int64

	mu        sync.Mutex
	lastError string
}

// SetLastError records the most recent trigger failure.
func (s *Stats) SetLastError(msg string) {
	s.mu.Lock()
	s.lastError = msg
	s.mu.Unlock()
}

// LastError returns the most recent trigger failure, or "".
func (s *Stats) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Clear zeroes all counters and the last error.
func (s *Stats) Clear() {
	s.NumTriggered.Store(0)
	s.NumSuccess.Store(0)
	s.NumFailures.Store(0)
	s.NumAborted.Store(0)
	s.SetLastError("")
}

// Registration binds a plan to a trigger source. Each trigger instantiates
// a fresh execution through the registration's runner.
type Registration struct {
	ID     string
	Reader string
	Mode   plan.ExecutionMode
	FEP    *plan.FlatExecutionPlan
	// Args holds the kind-specific trigger arguments.
	Args interface{}

	Stats Stats

	mu      sync.Mutex
	pending []RunHandle
	done    []RunHandle
}

// TrackPending records a spawned execution.
func (reg *Registration) TrackPending(h RunHandle) {
	reg.mu.Lock()
	reg.pending = append(reg.pending, h)
	reg.mu.Unlock()
}

// TrackDone moves an execution from the pending list to the bounded done
// list, dropping (and freeing) the oldest completed execution beyond limit.
func (reg *Registration) TrackDone(h RunHandle, limit int64) {
	var evicted RunHandle
	reg.mu.Lock()
	for i, p := range reg.pending {
		if p == h {
			reg.pending = append(reg.pending[:i], reg.pending[i+1:]...)
			break
		}
	}
	reg.done = append(reg.done, h)
	if limit > 0 && int64(len(reg.done)) > limit {
		evicted = reg.done[0]
		reg.done = reg.done[1:]
	}
	reg.mu.Unlock()
	if evicted != nil {
		evicted.Drop()
	}
}

// Pending snapshots the in-flight executions.
func (reg *Registration) Pending() []RunHandle {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return append([]RunHandle(nil), reg.pending...)
}

// Done snapshots the retained completed executions.
func (reg *Registration) Done() []RunHandle {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return append([]RunHandle(nil), reg.done...)
}

// DropAll aborts pending executions when abortPending is set and drops every
// retained execution. Used on unregister.
func (reg *Registration) DropAll(abortPending bool) {
	reg.mu.Lock()
	pending := reg.pending
	done := reg.done
	reg.pending = nil
	reg.done = nil
	reg.mu.Unlock()
	if abortPending {
		for _, h := range pending {
			_ = h.Abort()
		}
	}
	for _, h := range done {
		h.Drop()
	}
}
