package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/mgmt"
	"github.com/oriys/pulsar/internal/plan"
	"github.com/oriys/pulsar/internal/readers"
	"github.com/oriys/pulsar/internal/record"
	"github.com/oriys/pulsar/internal/worker"
)

// records pumped per worker action before yielding the queue.
const runBatchSize = 10000

func (env *Env) newPlan(id, initiator string, fep *plan.FlatExecutionPlan, mode plan.ExecutionMode, r readers.Reader) (*Plan, error) {
	steps, err := buildSteps(fep, r)
	if err != nil {
		return nil, err
	}
	ep := &Plan{
		env:           env,
		id:            id,
		fep:           fep,
		mode:          mode,
		initiator:     initiator,
		steps:         steps,
		stepDurations: make([]time.Duration, len(steps)),
		createdAt:     time.Now(),
		maxIdle:       env.maxIdleFor(fep),
		doneCh:        make(chan struct{}),
		ctx:           context.Background(),
	}
	if env.Tracer != nil {
		ep.ctx, ep.span = env.Tracer.StartExecution(ep.ctx, id, fep.ReaderName, mode.String())
	}
	if mode != plan.ModeAsync || !env.View.IsClustered() {
		ep.setFlag(FlagIsLocal)
	}
	ep.wrk = env.poolFor(fep).NextWorker()
	return ep, nil
}

// Run instantiates fep and drives it to completion. Sync executions run on
// the calling goroutine and have completed (or aborted) by the time Run
// returns; async executions are scheduled on their worker. onDone, when
// non-nil, is invoked exactly once at finalization.
func (env *Env) Run(fep *plan.FlatExecutionPlan, mode plan.ExecutionMode, r readers.Reader, onDone func(readers.RunHandle)) (readers.RunHandle, error) {
	ep, err := env.NewExecution(fep, mode, r)
	if err != nil {
		return nil, err
	}
	if onDone != nil {
		ep.AddOnDone(func(p *Plan) { onDone(p) })
	}
	ep.Start()
	return ep, nil
}

// NewExecution builds an initiator-side execution without scheduling it.
func (env *Env) NewExecution(fep *plan.FlatExecutionPlan, mode plan.ExecutionMode, r readers.Reader) (*Plan, error) {
	fep.Retain()
	ep, err := env.newPlan(plan.NewID(env.View.LocalID()), env.View.LocalID(), fep, mode, r)
	if err != nil {
		fep.Release()
		return nil, err
	}
	env.register(ep)
	return ep, nil
}

// Start schedules the execution: on the calling goroutine for sync mode, on
// the assigned worker otherwise.
func (ep *Plan) Start() {
	if ep.env.Metrics != nil {
		ep.env.Metrics.ExecutionStarted()
	}
	if ep.mode == plan.ModeSync {
		ep.runSync()
		return
	}
	ep.schedule()
}

// schedule re-enqueues the execution on its pinned worker. Safe to call from
// any goroutine; the worker loop serializes actions so at most one worker
// advances the execution at a time.
func (ep *Plan) schedule() {
	if ep.IsDone() {
		return
	}
	ep.stopIdleTimer()
	ep.wrk.Enqueue(func() { ep.runAction() })
}

// runSync drives the execution on the caller's goroutine under the engine
// lock. A sync execution must complete in a single evaluation; any attempt
// to park aborts it.
func (ep *Plan) runSync() {
	token := worker.NewToken("sync-" + ep.id)
	ep.env.Lock.Acquire(token)
	defer ep.env.Lock.Release(token)
	for !ep.IsDone() {
		res := ep.runActionOnce()
		if ep.IsDone() {
			return
		}
		if res == actionStop || res == actionStopNoTimeout {
			ep.errs = append(ep.errs, &record.Error{Msg: "sync execution cannot wait"})
			ep.finalize(StatusAborted)
			return
		}
	}
}

// runAction is the worker entry point; the worker holds the engine lock.
func (ep *Plan) runAction() {
	for {
		res := ep.runActionOnce()
		switch res {
		case actionCompleted:
			continue
		case actionContinue:
			ep.schedule()
			return
		case actionStop:
			for _, fn := range ep.onHolding {
				fn(ep)
			}
			ep.armIdleTimer()
			return
		default:
			return
		}
	}
}

func (ep *Plan) runActionOnce() actionResult {
	if ep.Status().Terminal() {
		return actionStopNoTimeout
	}
	if ep.hasFlag(flagAbortRequested) {
		ep.errs = append(ep.errs, &record.Error{Msg: "execution aborted"})
		ep.finalize(StatusAborted)
		return actionStopNoTimeout
	}
	switch ep.Status() {
	case StatusCreated:
		return ep.actionCreated()
	case StatusRunning:
		return ep.actionRunning()
	case StatusWaitingForReceivedNotification:
		return ep.actionWaitReceived()
	case StatusWaitingForRunNotification:
		// Advanced by the start-run message handler.
		return actionStop
	case StatusWaitingForClusterToComplete:
		return ep.actionWaitClusterComplete()
	case StatusWaitingForInitiatorTermination:
		return actionStop
	}
	return actionStopNoTimeout
}

func (ep *Plan) actionCreated() actionResult {
	ep.setFlag(FlagStarted)
	ep.startedAt = time.Now()
	if cb := ep.fep.OnStart; cb != nil {
		if fn, ok := mgmt.OnStarts.Get(cb.Name); ok {
			fn(ectx{ep}, cb.Arg)
		}
	}
	if ep.IsLocal() {
		ep.setStatus(StatusRunning)
		return actionCompleted
	}
	if !ep.hasFlag(FlagSentRunRequest) {
		payload, err := ep.encodeCreated()
		if err != nil {
			ep.errs = append(ep.errs, record.NewError(err))
			ep.finalize(StatusAborted)
			return actionStopNoTimeout
		}
		ep.setFlag(FlagSentRunRequest)
		// self counts as received
		ep.totalShardsReceived++
		if err := ep.env.Msgr.Broadcast(ep.ctx, msgExecutionCreated, payload); err != nil {
			logging.Op().Warn("execution distribute failed", "execution", ep.id, "error", err)
		}
	}
	ep.setStatus(StatusWaitingForReceivedNotification)
	return actionCompleted
}

func (ep *Plan) actionWaitReceived() actionResult {
	if ep.totalShardsReceived < ep.env.View.Size() {
		return actionStop
	}
	if err := ep.env.Msgr.Broadcast(ep.ctx, msgStartRun, encodeIDMsg(ep.id)); err != nil {
		logging.Op().Warn("start-run broadcast failed", "execution", ep.id, "error", err)
	}
	ep.setStatus(StatusRunning)
	return actionCompleted
}

func (ep *Plan) actionRunning() actionResult {
	for _, fn := range ep.onRunning {
		fn(ep)
	}
	ec := ectx{ep}
	for n := 0; n < runBatchSize; n++ {
		if ep.hasFlag(flagAbortRequested) {
			ep.errs = append(ep.errs, &record.Error{Msg: "execution aborted"})
			ep.finalize(StatusAborted)
			return actionStopNoTimeout
		}
		rec, out := ep.stepNext(0, ec)
		switch out {
		case outExhausted:
			return ep.localComplete()
		case outSuspend:
			return actionStop
		case outSuspendNoTimeout:
			return actionStopNoTimeout
		}
		if _, isErr := rec.(*record.Error); isErr {
			ep.errs = append(ep.errs, rec)
		} else if rec != nil {
			ep.results = append(ep.results, rec)
		}
	}
	return actionContinue
}

func (ep *Plan) localComplete() actionResult {
	if ep.IsLocal() {
		ep.finalize(StatusDone)
		return actionStopNoTimeout
	}
	if ep.initiator == ep.env.View.LocalID() {
		ep.totalShardsCompleted++
		ep.setStatus(StatusWaitingForClusterToComplete)
		return actionCompleted
	}
	if err := ep.env.Msgr.Send(ep.ctx, ep.initiator, msgExecutionDone, ep.encodeDone()); err != nil {
		logging.Op().Warn("execution-done send failed", "execution", ep.id, "to", ep.initiator, "error", err)
	}
	ep.setStatus(StatusWaitingForInitiatorTermination)
	return actionStop
}

func (ep *Plan) actionWaitClusterComplete() actionResult {
	if ep.totalShardsCompleted < ep.env.View.Size() {
		return actionStop
	}
	ep.finalize(StatusDone)
	return actionStopNoTimeout
}

// finalize freezes results and errors, runs the done callbacks exactly
// once, and retains the execution in the bounded done list. Monotonic: the
// first caller wins, later transitions are ignored.
func (ep *Plan) finalize(final Status) {
	if ep.flags.Or(FlagDone)&FlagDone != 0 {
		return
	}
	ep.stopIdleTimer()
	ep.status.Store(int32(final))
	ep.doneAt = time.Now()
	close(ep.doneCh)

	if ep.env.Metrics != nil {
		ep.env.Metrics.ExecutionFinished(final.String(), ep.doneAt.Sub(ep.createdAt))
		if ep.env.Cfg.ProfileExecutions() {
			for i, d := range ep.stepDurations {
				ep.env.Metrics.StepDuration(ep.steps[i].def.Kind.String(), d)
			}
		}
	}
	if ep.span != nil {
		ep.span.End(final.String(), len(ep.results), len(ep.errs))
	}
	logging.Default().Log(&logging.ExecutionLog{
		Execution:  ep.id,
		Reader:     ep.fep.ReaderName,
		Status:     final.String(),
		DurationMs: ep.doneAt.Sub(ep.createdAt).Milliseconds(),
		Results:    len(ep.results),
		Errors:     len(ep.errs),
		Shards:     ep.env.View.Size(),
		FirstError: ep.FirstError(),
	})

	ep.setFlag(FlagIsOnDoneCallback)
	for _, fn := range ep.onDone {
		fn(ep)
	}
	ep.clearFlag(FlagIsOnDoneCallback)

	if ep.hasFlag(FlagIsFreedOnDoneCallback) {
		ep.dropNow()
		return
	}
	ep.env.retainDone(ep)
}

// ErrAbortRefused is returned when an execution cannot be aborted: it is
// distributed and running, or owned by another shard.
var ErrAbortRefused = errors.New("execution cannot be aborted")

// Abort cancels the execution per the §abort contract: a no-op when already
// done, immediate when not yet started and owned here, cooperative for a
// running local execution, refused otherwise.
func (ep *Plan) Abort() error {
	if ep.IsDone() {
		return nil
	}
	local := ep.env.View.LocalID()
	if !ep.hasFlag(FlagStarted) && (ep.IsLocal() || ep.initiator == local) {
		ep.setFlag(flagAbortRequested)
		ep.schedule()
		return nil
	}
	if ep.IsLocal() {
		ep.setFlag(flagAbortRequested)
		ep.schedule()
		return nil
	}
	return fmt.Errorf("%w: id=%s status=%s", ErrAbortRefused, ep.id, ep.Status())
}

// Drop releases the execution. Called from inside a done callback it defers
// the free until the callbacks return; on a distributed initiator it also
// tells every peer to drop its mirror.
func (ep *Plan) Drop() {
	if ep.hasFlag(FlagIsOnDoneCallback) {
		ep.setFlag(FlagIsFreedOnDoneCallback)
		return
	}
	if !ep.IsLocal() && ep.initiator == ep.env.View.LocalID() {
		if err := ep.env.Msgr.Broadcast(ep.ctx, msgDropExecution, encodeIDMsg(ep.id)); err != nil {
			logging.Op().Warn("drop broadcast failed", "execution", ep.id, "error", err)
		}
	}
	ep.dropNow()
}

func (ep *Plan) dropNow() {
	ep.env.unregister(ep.id)
	ep.fep.Release()
	for _, s := range ep.steps {
		s.pendings = nil
		s.groups = nil
		s.accums = nil
		s.flatPending = nil
	}
}

func (ep *Plan) armIdleTimer() {
	if ep.maxIdle <= 0 || ep.IsDone() {
		return
	}
	ep.setFlag(FlagWaiting)
	ep.timerMu.Lock()
	defer ep.timerMu.Unlock()
	if ep.idleTimer != nil {
		ep.idleTimer.Stop()
	}
	ep.idleTimer = time.AfterFunc(ep.maxIdle, func() {
		ep.env.Lock.Acquire(ep.env.timerToken)
		defer ep.env.Lock.Release(ep.env.timerToken)
		if ep.IsDone() || !ep.hasFlag(FlagWaiting) {
			return
		}
		logging.Op().Warn("execution idle timeout", "execution", ep.id, "status", ep.Status().String())
		ep.errs = append(ep.errs, &record.Error{Msg: "execution max idle time reached"})
		ep.finalize(StatusAborted)
	})
}

func (ep *Plan) stopIdleTimer() {
	ep.clearFlag(FlagWaiting)
	ep.timerMu.Lock()
	defer ep.timerMu.Unlock()
	if ep.idleTimer != nil {
		ep.idleTimer.Stop()
		ep.idleTimer = nil
	}
}

// CreatedAt returns the construction time.
func (ep *Plan) CreatedAt() time.Time { return ep.createdAt }

// Duration returns the run duration for finished executions.
func (ep *Plan) Duration() time.Duration {
	if ep.doneAt.IsZero() {
		return time.Since(ep.createdAt)
	}
	return ep.doneAt.Sub(ep.createdAt)
}

// ShardsReceived exposes the received ack counter for introspection.
func (ep *Plan) ShardsReceived() int { return ep.totalShardsReceived }

// ShardsCompleted exposes the completion counter for introspection.
func (ep *Plan) ShardsCompleted() int { return ep.totalShardsCompleted }

// StepProfile reports accumulated per-step durations by step kind, in
// pipeline order, when profiling is enabled.
func (ep *Plan) StepProfile() []struct {
	Kind     string
	Duration time.Duration
} {
	out := make([]struct {
		Kind     string
		Duration time.Duration
	}, 0, len(ep.steps))
	for i := len(ep.steps) - 1; i >= 0; i-- {
		out = append(out, struct {
			Kind     string
			Duration time.Duration
		}{Kind: ep.steps[i].def.Kind.String(), Duration: ep.stepDurations[i]})
	}
	return out
}
