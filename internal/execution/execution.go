// Package execution turns flat plans into running executions: the physical
// step chain, the per-execution state machine, the cross-shard coordination
// protocol, and the abort/drop/idle-timeout paths.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/pulsar/internal/cluster"
	"github.com/oriys/pulsar/internal/config"
	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/metrics"
	"github.com/oriys/pulsar/internal/observability"
	"github.com/oriys/pulsar/internal/plan"
	"github.com/oriys/pulsar/internal/record"
	"github.com/oriys/pulsar/internal/worker"
)

// Status is the execution state-machine position.
type Status int32

const (
	StatusCreated Status = iota
	StatusRunning
	StatusWaitingForReceivedNotification
	StatusWaitingForRunNotification
	StatusWaitingForClusterToComplete
	StatusWaitingForInitiatorTermination
	StatusDone
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusRunning:
		return "running"
	case StatusWaitingForReceivedNotification:
		return "waiting_for_received_notification"
	case StatusWaitingForRunNotification:
		return "waiting_for_run_notification"
	case StatusWaitingForClusterToComplete:
		return "waiting_for_cluster_to_complete"
	case StatusWaitingForInitiatorTermination:
		return "waiting_for_initiator_termination"
	case StatusDone:
		return "done"
	case StatusAborted:
		return "aborted"
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool { return s == StatusDone || s == StatusAborted }

// Flag bits on a running execution.
const (
	FlagDone uint32 = 1 << iota
	FlagIsOnDoneCallback
	FlagIsFreedOnDoneCallback
	FlagSentRunRequest
	FlagIsLocal
	FlagIsLocallyFreedOnDoneCallback
	FlagStarted
	FlagWaiting
	flagAbortRequested
)

// actionResult is what one worker action invocation reports back to the
// scheduler.
type actionResult int

const (
	// actionContinue re-enqueues the execution at the worker queue tail.
	actionContinue actionResult = iota
	// actionStop parks the execution with the max-idle timer armed.
	actionStop
	// actionStopNoTimeout parks without arming the timer; the wait is
	// reader-local and must not tear down a healthy run.
	actionStopNoTimeout
	// actionCompleted transitioned state; run the next action immediately.
	actionCompleted
)

// Env owns the live execution registry and the collaborators executions
// need: cluster view, messenger, engine lock, configuration, pools.
type Env struct {
	View    *cluster.View
	Msgr    *cluster.Messenger
	Lock    *worker.LockHandler
	Cfg     *config.Engine
	Metrics *metrics.Metrics
	Tracer  *observability.Tracer

	defaultPool *worker.Pool
	msgToken    *worker.Token
	timerToken  *worker.Token

	mu         sync.Mutex
	executions map[string]*Plan
	doneOrder  []*Plan

	// messages for executions this shard has not created yet; replayed on
	// registration.
	pendingMsgs map[string][]func()
}

// NewEnv creates the execution environment. The default pool is used by
// plans that do not name one.
func NewEnv(view *cluster.View, msgr *cluster.Messenger, lock *worker.LockHandler, cfg *config.Engine, defaultPool *worker.Pool) *Env {
	return &Env{
		View:        view,
		Msgr:        msgr,
		Lock:        lock,
		Cfg:         cfg,
		defaultPool: defaultPool,
		msgToken:    worker.NewToken("execution-msg"),
		timerToken:  worker.NewToken("execution-timer"),
		executions:  make(map[string]*Plan),
		pendingMsgs: make(map[string][]func()),
	}
}

// Plan is a running instance of a flat execution plan.
type Plan struct {
	env *Env

	id   string
	fep  *plan.FlatExecutionPlan
	mode plan.ExecutionMode

	// initiator is the shard that created the execution; the id's first
	// segment equals its node id.
	initiator string

	steps []*step

	// cross-shard bookkeeping, mutated only under the engine lock.
	totalShardsReceived  int
	totalShardsCompleted int

	results []record.Record
	errs    []record.Record

	status atomic.Int32
	flags  atomic.Uint32

	wrk       *worker.Worker
	onDone    []func(*Plan)
	onRunning []func(*Plan)
	onHolding []func(*Plan)

	createdAt time.Time
	startedAt time.Time
	doneAt    time.Time

	// per-step accumulated durations, collected when ProfileExecutions is
	// on.
	stepDurations []time.Duration

	maxIdle   time.Duration
	timerMu   sync.Mutex
	idleTimer *time.Timer

	doneCh chan struct{}

	ctx  context.Context
	span observability.Span
}

// ectx adapts a Plan to the callback-visible execution context.
type ectx struct {
	ep *Plan
}

func (e ectx) Context() context.Context { return e.ep.ctx }
func (e ectx) ExecutionID() string      { return e.ep.id }
func (e ectx) ShardID() string          { return e.ep.env.View.LocalID() }

// ID returns the execution id.
func (ep *Plan) ID() string { return ep.id }

// FEP returns the template the execution was instantiated from.
func (ep *Plan) FEP() *plan.FlatExecutionPlan { return ep.fep }

// Mode returns the execution mode.
func (ep *Plan) Mode() plan.ExecutionMode { return ep.mode }

// Status returns the current state-machine position.
func (ep *Plan) Status() Status { return Status(ep.status.Load()) }

func (ep *Plan) setStatus(s Status) {
	// Done and Aborted are monotonic; nothing moves past them.
	if ep.Status().Terminal() {
		return
	}
	ep.status.Store(int32(s))
}

func (ep *Plan) hasFlag(f uint32) bool { return ep.flags.Load()&f != 0 }
func (ep *Plan) setFlag(f uint32)      { ep.flags.Or(f) }
func (ep *Plan) clearFlag(f uint32)    { ep.flags.And(^f) }

// IsDone reports whether the execution reached a terminal state. Sticky.
func (ep *Plan) IsDone() bool { return ep.hasFlag(FlagDone) }

// IsAborted reports whether the execution terminated via abort.
func (ep *Plan) IsAborted() bool { return ep.Status() == StatusAborted }

// IsLocal reports whether the execution never left this shard.
func (ep *Plan) IsLocal() bool { return ep.hasFlag(FlagIsLocal) }

// Results returns the frozen result records. Valid only after IsDone; the
// done flag is the publication barrier, so no lock is required.
func (ep *Plan) Results() []record.Record { return ep.results }

// Errors returns the frozen error records, same contract as Results.
func (ep *Plan) Errors() []record.Record { return ep.errs }

// ErrorCount returns the number of frozen error records.
func (ep *Plan) ErrorCount() int { return len(ep.errs) }

// FirstError returns the first error message, or "".
func (ep *Plan) FirstError() string {
	if len(ep.errs) == 0 {
		return ""
	}
	if er, ok := ep.errs[0].(*record.Error); ok {
		return er.Msg
	}
	return "unknown error"
}

// DoneChan is closed when the execution reaches a terminal state.
func (ep *Plan) DoneChan() <-chan struct{} { return ep.doneCh }

// AddOnDone registers a completion callback. Each callback runs exactly
// once, on the worker that finalizes the execution. Registering after Done
// runs the callback immediately.
func (ep *Plan) AddOnDone(fn func(*Plan)) {
	if ep.IsDone() {
		fn(ep)
		return
	}
	ep.onDone = append(ep.onDone, fn)
}

// AddOnRunning registers a callback invoked every time a worker resumes the
// execution's pipeline.
func (ep *Plan) AddOnRunning(fn func(*Plan)) {
	ep.onRunning = append(ep.onRunning, fn)
}

// AddOnHolding registers a callback invoked every time the execution parks
// to wait for an external notification.
func (ep *Plan) AddOnHolding(fn func(*Plan)) {
	ep.onHolding = append(ep.onHolding, fn)
}

// ErrNotFound is returned when an execution id is unknown on this shard.
var ErrNotFound = errors.New("execution not found")

// Get resolves a live or retained execution by id.
func (env *Env) Get(id string) (*Plan, bool) {
	env.mu.Lock()
	defer env.mu.Unlock()
	ep, ok := env.executions[id]
	return ep, ok
}

// List snapshots all known executions.
func (env *Env) List() []*Plan {
	env.mu.Lock()
	defer env.mu.Unlock()
	out := make([]*Plan, 0, len(env.executions))
	for _, ep := range env.executions {
		out = append(out, ep)
	}
	return out
}

func (env *Env) register(ep *Plan) {
	env.mu.Lock()
	env.executions[ep.id] = ep
	replay := env.pendingMsgs[ep.id]
	delete(env.pendingMsgs, ep.id)
	env.mu.Unlock()
	for _, fn := range replay {
		fn()
	}
}

func (env *Env) unregister(id string) {
	env.mu.Lock()
	defer env.mu.Unlock()
	if ep, ok := env.executions[id]; ok {
		delete(env.executions, id)
		for i, d := range env.doneOrder {
			if d == ep {
				env.doneOrder = append(env.doneOrder[:i], env.doneOrder[i+1:]...)
				break
			}
		}
	}
}

// retainDone adds a finished execution to the bounded done list, evicting
// the oldest beyond MaxExecutions.
func (env *Env) retainDone(ep *Plan) {
	var evict *Plan
	env.mu.Lock()
	env.doneOrder = append(env.doneOrder, ep)
	if max := env.Cfg.MaxExecutions(); max > 0 && int64(len(env.doneOrder)) > max {
		evict = env.doneOrder[0]
		env.doneOrder = env.doneOrder[1:]
	}
	env.mu.Unlock()
	if evict != nil {
		evict.Drop()
	}
}

// LocalID returns the local shard id.
func (env *Env) LocalID() string { return env.View.LocalID() }

// MaxExecutionsPerRegistration exposes the per-registration done bound to
// the trigger subsystem.
func (env *Env) MaxExecutionsPerRegistration() int64 {
	return env.Cfg.MaxExecutionsPerRegistration()
}

// maxIdleFor resolves the execution idle budget: plan override or engine
// default.
func (env *Env) maxIdleFor(fep *plan.FlatExecutionPlan) time.Duration {
	if fep.MaxIdle > 0 {
		return fep.MaxIdle
	}
	return env.Cfg.ExecutionMaxIdleTime()
}

func (env *Env) poolFor(fep *plan.FlatExecutionPlan) *worker.Pool {
	if fep.PoolName != "" {
		if p, ok := worker.GetPool(fep.PoolName); ok {
			return p
		}
		logging.Op().Warn("unknown worker pool, using default", "pool", fep.PoolName)
	}
	return env.defaultPool
}
