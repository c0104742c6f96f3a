// Package plan models the flat execution plan: the immutable operator DAG
// template a client submits, which the engine instantiates into running
// executions. Plans are reference counted and serializable for shard
// distribution and registration persistence.
package plan

import (
	"fmt"
	"sync/atomic"
	"time"
)

// StepKind enumerates the operator kinds a plan may chain.
type StepKind int

const (
	KindNone StepKind = iota
	KindMap
	KindFilter
	KindReader
	KindGroup
	KindExtractKey
	KindRepartition
	KindReduce
	KindCollect
	KindForEach
	KindFlatMap
	KindLimit
	KindAccumulate
	KindAccumulateByKey
)

var stepKindNames = map[StepKind]string{
	KindNone:            "none",
	KindMap:             "map",
	KindFilter:          "filter",
	KindReader:          "reader",
	KindGroup:           "group",
	KindExtractKey:      "extractkey",
	KindRepartition:     "repartition",
	KindReduce:          "reduce",
	KindCollect:         "collect",
	KindForEach:         "foreach",
	KindFlatMap:         "flatmap",
	KindLimit:           "limit",
	KindAccumulate:      "accumulate",
	KindAccumulateByKey: "accumulatebykey",
}

func (k StepKind) String() string {
	if name, ok := stepKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("stepkind(%d)", int(k))
}

// ExecutionMode selects how an instantiated execution runs.
type ExecutionMode int

const (
	// ModeSync runs on the caller's thread and must complete in one action
	// invocation; it never waits.
	ModeSync ExecutionMode = iota
	// ModeAsync distributes across all shards, driven by a worker.
	ModeAsync
	// ModeAsyncLocal runs worker-driven on the initiating shard only and
	// never emits cross-shard messages.
	ModeAsyncLocal
)

func (m ExecutionMode) String() string {
	switch m {
	case ModeSync:
		return "sync"
	case ModeAsync:
		return "async"
	case ModeAsyncLocal:
		return "async_local"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Step is one flat operator: a kind, the registered callback name, and an
// opaque argument with its arg-type name.
type Step struct {
	Kind        StepKind
	Callback    string
	Arg         interface{}
	ArgTypeName string
}

// Callback names a lifecycle hook with an optional opaque argument.
type Callback struct {
	Name        string
	Arg         interface{}
	ArgTypeName string
}

// FlatExecutionPlan is the immutable operator template. After first
// registration a plan must not change; re-registering with different
// arguments deep-copies first.
type FlatExecutionPlan struct {
	ID   string
	Desc string

	ReaderName string
	ReaderArgs []byte

	Steps []Step

	OnStart        *Callback
	OnUnpaused     *Callback
	OnRegistered   *Callback
	OnUnregistered *Callback

	PrivateData         interface{}
	PrivateDataTypeName string

	// MaxIdle overrides the engine-wide execution-max-idle-time when > 0.
	MaxIdle time.Duration

	PoolName string

	registered atomic.Bool
	refCount   atomic.Int64
}

var planCounter atomic.Int64

// NewID allocates a plan or execution id: the creating node's id prefix plus
// a monotonic counter.
func NewID(nodeID string) string {
	return fmt.Sprintf("%s-%d", nodeID, planCounter.Add(1))
}

// New creates a plan reading from the named reader with pre-serialized
// reader arguments. The caller holds the initial reference.
func New(nodeID, readerName string, readerArgs []byte) *FlatExecutionPlan {
	fep := &FlatExecutionPlan{
		ID:         NewID(nodeID),
		ReaderName: readerName,
		ReaderArgs: readerArgs,
	}
	fep.refCount.Store(1)
	return fep
}

// AddStep appends an operator step.
func (fep *FlatExecutionPlan) AddStep(kind StepKind, callback string, arg interface{}, argTypeName string) *FlatExecutionPlan {
	fep.Steps = append(fep.Steps, Step{Kind: kind, Callback: callback, Arg: arg, ArgTypeName: argTypeName})
	return fep
}

// Convenience builders, one per operator kind.
func (fep *FlatExecutionPlan) Map(cb string, arg interface{}) *FlatExecutionPlan {
	return fep.AddStep(KindMap, cb, arg, "")
}
func (fep *FlatExecutionPlan) FlatMap(cb string, arg interface{}) *FlatExecutionPlan {
	return fep.AddStep(KindFlatMap, cb, arg, "")
}
func (fep *FlatExecutionPlan) Filter(cb string, arg interface{}) *FlatExecutionPlan {
	return fep.AddStep(KindFilter, cb, arg, "")
}
func (fep *FlatExecutionPlan) ExtractKey(cb string, arg interface{}) *FlatExecutionPlan {
	return fep.AddStep(KindExtractKey, cb, arg, "")
}
func (fep *FlatExecutionPlan) Repartition() *FlatExecutionPlan {
	return fep.AddStep(KindRepartition, "", nil, "")
}
func (fep *FlatExecutionPlan) Group() *FlatExecutionPlan {
	return fep.AddStep(KindGroup, "", nil, "")
}
func (fep *FlatExecutionPlan) Reduce(cb string, arg interface{}) *FlatExecutionPlan {
	return fep.AddStep(KindReduce, cb, arg, "")
}
func (fep *FlatExecutionPlan) Collect() *FlatExecutionPlan {
	return fep.AddStep(KindCollect, "", nil, "")
}
func (fep *FlatExecutionPlan) ForEach(cb string, arg interface{}) *FlatExecutionPlan {
	return fep.AddStep(KindForEach, cb, arg, "")
}
func (fep *FlatExecutionPlan) Limit(first, count int64) *FlatExecutionPlan {
	return fep.AddStep(KindLimit, "", &LimitArgs{First: first, Count: count}, "")
}
func (fep *FlatExecutionPlan) Accumulate(cb string, arg interface{}) *FlatExecutionPlan {
	return fep.AddStep(KindAccumulate, cb, arg, "")
}
func (fep *FlatExecutionPlan) AccumulateByKey(cb string, arg interface{}) *FlatExecutionPlan {
	return fep.AddStep(KindAccumulateByKey, cb, arg, "")
}

// LimitArgs bounds the records a limit step passes: records with index in
// [First, First+Count) flow through.
type LimitArgs struct {
	First int64
	Count int64
}

// Retain adds a reference (an execution or a registration).
func (fep *FlatExecutionPlan) Retain() *FlatExecutionPlan {
	fep.refCount.Add(1)
	return fep
}

// Release drops a reference; the last release lets the plan be collected.
func (fep *FlatExecutionPlan) Release() {
	if fep.refCount.Add(-1) < 0 {
		panic("plan: released more times than retained")
	}
}

// MarkRegistered flags the plan as owned by a registration; it is immutable
// from here on.
func (fep *FlatExecutionPlan) MarkRegistered() { fep.registered.Store(true) }

// IsRegistered reports whether a registration owns the plan.
func (fep *FlatExecutionPlan) IsRegistered() bool { return fep.registered.Load() }

// Copy deep-copies the template with a fresh id, duplicating step arguments
// through their arg types. Used when re-registering a registered plan with
// different trigger arguments.
func (fep *FlatExecutionPlan) Copy(nodeID string) *FlatExecutionPlan {
	out := New(nodeID, fep.ReaderName, append([]byte(nil), fep.ReaderArgs...))
	out.Desc = fep.Desc
	out.MaxIdle = fep.MaxIdle
	out.PoolName = fep.PoolName
	out.OnStart = fep.OnStart
	out.OnUnpaused = fep.OnUnpaused
	out.OnRegistered = fep.OnRegistered
	out.OnUnregistered = fep.OnUnregistered
	out.PrivateData = fep.PrivateData
	out.PrivateDataTypeName = fep.PrivateDataTypeName
	for _, s := range fep.Steps {
		arg := s.Arg
		if t := argTypeFor(s.Kind, s.Callback); t != nil && t.Dup != nil && arg != nil {
			arg = t.Dup(arg)
		}
		out.Steps = append(out.Steps, Step{Kind: s.Kind, Callback: s.Callback, Arg: arg, ArgTypeName: s.ArgTypeName})
	}
	return out
}
