package execution_test

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oriys/pulsar/internal/buffer"
	"github.com/oriys/pulsar/internal/cluster"
	"github.com/oriys/pulsar/internal/config"
	"github.com/oriys/pulsar/internal/execution"
	"github.com/oriys/pulsar/internal/host/hosttest"
	"github.com/oriys/pulsar/internal/mgmt"
	"github.com/oriys/pulsar/internal/plan"
	"github.com/oriys/pulsar/internal/readers"
	"github.com/oriys/pulsar/internal/record"
	"github.com/oriys/pulsar/internal/worker"
)

// sliceReader feeds a fixed record slice into a pipeline.
type sliceReader struct {
	recs []record.Record
	pos  int
}

func (r *sliceReader) Next(ectx mgmt.ExecutionCtx) (record.Record, error) {
	if r.pos >= len(r.recs) {
		return nil, nil
	}
	rec := r.recs[r.pos]
	r.pos++
	return rec, nil
}

func (r *sliceReader) Serialize(w *buffer.Writer) error {
	w.WriteUvarint(0)
	return nil
}

func (r *sliceReader) Deserialize(rd *buffer.Reader) error {
	_, err := rd.ReadUvarint()
	return err
}

var (
	callbacksOnce sync.Once
	asyncCh       = make(chan *record.Async, 16)
)

func registerCallbacks() {
	mgmt.Maps.Add("exectest_double", func(ectx mgmt.ExecutionCtx, r record.Record, arg interface{}) (record.Record, error) {
		lr := r.(*record.Long)
		return &record.Long{Val: lr.Val * 2}, nil
	}, nil)
	mgmt.Maps.Add("exectest_fail_on_13", func(ectx mgmt.ExecutionCtx, r record.Record, arg interface{}) (record.Record, error) {
		lr := r.(*record.Long)
		if lr.Val == 13 {
			return nil, errors.New("unlucky value")
		}
		return r, nil
	}, nil)
	mgmt.Maps.Add("exectest_slow", func(ectx mgmt.ExecutionCtx, r record.Record, arg interface{}) (record.Record, error) {
		time.Sleep(30 * time.Millisecond)
		return r, nil
	}, nil)
	mgmt.Maps.Add("exectest_async", func(ectx mgmt.ExecutionCtx, r record.Record, arg interface{}) (record.Record, error) {
		ar := record.NewAsync()
		asyncCh <- ar
		return ar, nil
	}, nil)
	mgmt.Maps.Add("exectest_explode", func(ectx mgmt.ExecutionCtx, r record.Record, arg interface{}) (record.Record, error) {
		lr := r.(*record.Long)
		out := &record.List{}
		for i := int64(0); i < lr.Val; i++ {
			out.Add(&record.Long{Val: i})
		}
		return out, nil
	}, nil)
	mgmt.Filters.Add("exectest_odd", func(ectx mgmt.ExecutionCtx, r record.Record, arg interface{}) (bool, error) {
		return r.(*record.Long).Val%2 == 1, nil
	}, nil)
	mgmt.Accumulators.Add("exectest_count", func(ectx mgmt.ExecutionCtx, acc record.Record, r record.Record, arg interface{}) (record.Record, error) {
		if acc == nil {
			acc = &record.Long{Val: 0}
		}
		acc.(*record.Long).Val++
		return acc, nil
	}, nil)
	mgmt.Extractors.Add("exectest_value", func(ectx mgmt.ExecutionCtx, r record.Record, arg interface{}) (string, error) {
		return string(r.(*record.String).Val), nil
	}, nil)
	mgmt.Reducers.Add("exectest_len", func(ectx mgmt.ExecutionCtx, key string, items *record.List, arg interface{}) (record.Record, error) {
		return &record.Long{Val: int64(items.Len())}, nil
	}, nil)
	mgmt.AccumulatorsByKey.Add("exectest_sum", func(ectx mgmt.ExecutionCtx, key string, acc record.Record, r record.Record, arg interface{}) (record.Record, error) {
		if acc == nil {
			acc = &record.Long{Val: 0}
		}
		acc.(*record.Long).Val += r.(*record.Long).Val
		return acc, nil
	}, nil)
	mgmt.ForEachs.Add("exectest_noop", func(ectx mgmt.ExecutionCtx, r record.Record, arg interface{}) error {
		return nil
	}, nil)
}

var poolSeq atomic.Int64

func newTestEnv(t *testing.T) *execution.Env {
	t.Helper()
	callbacksOnce.Do(registerCallbacks)

	h := hosttest.New(fmt.Sprintf("node-%d", poolSeq.Add(1)))
	view := cluster.NewView()
	if err := view.Refresh(t.Context(), h); err != nil {
		t.Fatal(err)
	}
	lock := worker.NewLockHandler()
	msgr := cluster.NewMessenger(h, view, 1)
	cfg := config.NewEngine()
	pool := worker.NewThreadPool(fmt.Sprintf("exectest-pool-%d", poolSeq.Add(1)), 2, lock)
	t.Cleanup(pool.Stop)

	env := execution.NewEnv(view, msgr, lock, cfg, pool)
	env.RegisterHandlers()
	msgr.Start()
	return env
}

func longs(vals ...int64) []record.Record {
	out := make([]record.Record, 0, len(vals))
	for _, v := range vals {
		out = append(out, &record.Long{Val: v})
	}
	return out
}

func strs(vals ...string) []record.Record {
	out := make([]record.Record, 0, len(vals))
	for _, v := range vals {
		out = append(out, record.NewString(v))
	}
	return out
}

func runSync(t *testing.T, env *execution.Env, fep *plan.FlatExecutionPlan, r readers.Reader) *execution.Plan {
	t.Helper()
	h, err := env.Run(fep, plan.ModeSync, r, nil)
	if err != nil {
		t.Fatal(err)
	}
	ep := h.(*execution.Plan)
	if !ep.IsDone() {
		t.Fatal("sync run must be done when Run returns")
	}
	return ep
}

func waitDone(t *testing.T, ep *execution.Plan) {
	t.Helper()
	select {
	case <-ep.DoneChan():
	case <-time.After(3 * time.Second):
		t.Fatalf("execution %s never finished (status %s)", ep.ID(), ep.Status())
	}
}

func TestAccumulateCount(t *testing.T) {
	env := newTestEnv(t)
	fep := plan.New(env.LocalID(), "test", nil).Accumulate("exectest_count", nil)
	ep := runSync(t, env, fep, &sliceReader{recs: strs("1", "2", "3")})

	if len(ep.Errors()) != 0 {
		t.Fatalf("errors: %v", ep.Errors())
	}
	if len(ep.Results()) != 1 {
		t.Fatalf("results: %d", len(ep.Results()))
	}
	if got := ep.Results()[0].(*record.Long).Val; got != 3 {
		t.Fatalf("count: %d", got)
	}
	if ep.Status() != execution.StatusDone {
		t.Fatalf("status: %s", ep.Status())
	}
}

func TestMapFilterLimitChain(t *testing.T) {
	env := newTestEnv(t)
	fep := plan.New(env.LocalID(), "test", nil).
		Filter("exectest_odd", nil).
		Map("exectest_double", nil).
		Limit(1, 2)
	ep := runSync(t, env, fep, &sliceReader{recs: longs(1, 2, 3, 4, 5, 6, 7, 8, 9)})

	// odd values 1,3,5,7,9 doubled to 2,6,10,14,18; limit skips the first
	// and passes the next two
	want := []int64{6, 10}
	if len(ep.Results()) != len(want) {
		t.Fatalf("results: %v", ep.Results())
	}
	for i, r := range ep.Results() {
		if r.(*record.Long).Val != want[i] {
			t.Fatalf("result %d: got %d, want %d", i, r.(*record.Long).Val, want[i])
		}
	}
}

func TestFlatMapDrainsLists(t *testing.T) {
	env := newTestEnv(t)
	fep := plan.New(env.LocalID(), "test", nil).FlatMap("exectest_explode", nil)
	ep := runSync(t, env, fep, &sliceReader{recs: longs(2, 3)})

	want := []int64{0, 1, 0, 1, 2}
	if len(ep.Results()) != len(want) {
		t.Fatalf("results: %v", ep.Results())
	}
	for i, r := range ep.Results() {
		if r.(*record.Long).Val != want[i] {
			t.Fatalf("flat map order broken at %d: %v", i, ep.Results())
		}
	}
}

func TestGroupReduce(t *testing.T) {
	env := newTestEnv(t)
	fep := plan.New(env.LocalID(), "test", nil).
		ExtractKey("exectest_value", nil).
		Repartition().
		Group().
		Reduce("exectest_len", nil)
	ep := runSync(t, env, fep, &sliceReader{recs: strs("x", "y", "x", "y", "x")})

	if len(ep.Errors()) != 0 {
		t.Fatalf("errors: %v", ep.Errors())
	}
	counts := map[string]int64{}
	for _, r := range ep.Results() {
		kr := r.(*record.Key)
		counts[string(kr.Key)] = kr.Val.(*record.Long).Val
	}
	if counts["x"] != 3 || counts["y"] != 2 {
		t.Fatalf("grouped counts: %v", counts)
	}
}

func TestAccumulateByKey(t *testing.T) {
	env := newTestEnv(t)
	fep := plan.New(env.LocalID(), "test", nil).
		ExtractKey("exectest_tag", nil).
		AccumulateByKey("exectest_sum", nil)
	mgmt.Extractors.Add("exectest_tag", func(ectx mgmt.ExecutionCtx, r record.Record, arg interface{}) (string, error) {
		if r.(*record.Long).Val%2 == 0 {
			return "even", nil
		}
		return "odd", nil
	}, nil)
	ep := runSync(t, env, fep, &sliceReader{recs: longs(1, 2, 3, 4, 5)})

	sums := map[string]int64{}
	for _, r := range ep.Results() {
		kr := r.(*record.Key)
		sums[string(kr.Key)] = kr.Val.(*record.Long).Val
	}
	if sums["odd"] != 9 || sums["even"] != 6 {
		t.Fatalf("sums: %v", sums)
	}
}

func TestUserErrorsBecomeErrorRecords(t *testing.T) {
	env := newTestEnv(t)
	fep := plan.New(env.LocalID(), "test", nil).Map("exectest_fail_on_13", nil)
	ep := runSync(t, env, fep, &sliceReader{recs: longs(1, 13, 2)})

	if len(ep.Results()) != 2 {
		t.Fatalf("results: %v", ep.Results())
	}
	if len(ep.Errors()) != 1 {
		t.Fatalf("errors: %v", ep.Errors())
	}
	if ep.FirstError() != "unlucky value" {
		t.Fatalf("first error: %q", ep.FirstError())
	}
}

func TestDoneCallbackRunsExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	fep := plan.New(env.LocalID(), "test", nil).Map("exectest_double", nil)
	var calls atomic.Int32
	h, err := env.Run(fep, plan.ModeAsyncLocal, &sliceReader{recs: longs(1, 2)}, func(readers.RunHandle) {
		calls.Add(1)
	})
	if err != nil {
		t.Fatal(err)
	}
	ep := h.(*execution.Plan)
	waitDone(t, ep)
	// a late registration also runs exactly once, immediately
	var late atomic.Int32
	ep.AddOnDone(func(*execution.Plan) { late.Add(1) })
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 1 || late.Load() != 1 {
		t.Fatalf("done callbacks: %d, late %d", calls.Load(), late.Load())
	}
}

func TestTerminalStateIsSticky(t *testing.T) {
	env := newTestEnv(t)
	fep := plan.New(env.LocalID(), "test", nil).Map("exectest_double", nil)
	ep := runSync(t, env, fep, &sliceReader{recs: longs(1)})

	resultsBefore := fmt.Sprint(ep.Results())
	if err := ep.Abort(); err != nil {
		t.Fatalf("abort after done must be a no-op: %v", err)
	}
	if ep.Status() != execution.StatusDone {
		t.Fatalf("status moved after done: %s", ep.Status())
	}
	if !ep.IsDone() {
		t.Fatal("IsDone must stay set")
	}
	if fmt.Sprint(ep.Results()) != resultsBefore {
		t.Fatal("results changed after done")
	}
}

func TestAbortMidExecution(t *testing.T) {
	env := newTestEnv(t)
	fep := plan.New(env.LocalID(), "test", nil).Map("exectest_slow", nil)
	done := make(chan *execution.Plan, 1)
	go func() {
		h, err := env.Run(fep, plan.ModeSync, &sliceReader{recs: longs(1, 2, 3, 4, 5, 6, 7, 8, 9, 10)}, nil)
		if err != nil {
			done <- nil
			return
		}
		done <- h.(*execution.Plan)
	}()

	// let the pipeline get going, then abort it
	time.Sleep(50 * time.Millisecond)
	var aborted bool
	for _, ep := range env.List() {
		if err := ep.Abort(); err == nil {
			aborted = true
		}
	}
	if !aborted {
		t.Fatal("no execution accepted the abort")
	}
	ep := <-done
	if ep == nil {
		t.Fatal("run failed")
	}
	waitDone(t, ep)
	if ep.Status() != execution.StatusAborted {
		t.Fatalf("status: %s", ep.Status())
	}
	if !ep.IsAborted() {
		t.Fatal("IsAborted must report true")
	}
}

func TestIdleTimeoutAbortsParkedExecution(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Cfg.Set("ExecutionMaxIdleTime", "50"); err != nil {
		t.Fatal(err)
	}
	fep := plan.New(env.LocalID(), "test", nil).Map("exectest_async", nil)
	h, err := env.Run(fep, plan.ModeAsyncLocal, &sliceReader{recs: longs(1)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ep := h.(*execution.Plan)
	<-asyncCh // the producer never continues the record
	waitDone(t, ep)
	if ep.Status() != execution.StatusAborted {
		t.Fatalf("parked execution should abort on idle timeout, status %s", ep.Status())
	}
	if ep.FirstError() == "" {
		t.Fatal("idle abort should surface an error")
	}
}

func TestAsyncRecordContinuation(t *testing.T) {
	env := newTestEnv(t)
	fep := plan.New(env.LocalID(), "test", nil).Map("exectest_async", nil)
	h, err := env.Run(fep, plan.ModeAsyncLocal, &sliceReader{recs: longs(1)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ep := h.(*execution.Plan)
	ar := <-asyncCh
	time.Sleep(10 * time.Millisecond)
	ar.Continue(&record.Long{Val: 99})
	waitDone(t, ep)
	if ep.Status() != execution.StatusDone {
		t.Fatalf("status: %s", ep.Status())
	}
	if len(ep.Results()) != 1 || ep.Results()[0].(*record.Long).Val != 99 {
		t.Fatalf("results: %v", ep.Results())
	}
}

func TestSyncExecutionCannotWait(t *testing.T) {
	env := newTestEnv(t)
	fep := plan.New(env.LocalID(), "test", nil).Map("exectest_async", nil)
	h, err := env.Run(fep, plan.ModeSync, &sliceReader{recs: longs(1)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ep := h.(*execution.Plan)
	<-asyncCh
	if ep.Status() != execution.StatusAborted {
		t.Fatalf("sync execution that waits must abort, status %s", ep.Status())
	}
}

func TestDropInsideDoneCallbackIsDeferred(t *testing.T) {
	env := newTestEnv(t)
	fep := plan.New(env.LocalID(), "test", nil).Map("exectest_double", nil)
	h, err := env.Run(fep, plan.ModeAsyncLocal, &sliceReader{recs: longs(1)}, func(done readers.RunHandle) {
		done.Drop()
	})
	if err != nil {
		t.Fatal(err)
	}
	ep := h.(*execution.Plan)
	waitDone(t, ep)
	time.Sleep(20 * time.Millisecond)
	if _, ok := env.Get(ep.ID()); ok {
		t.Fatal("execution should be freed after deferred drop")
	}
}

func TestDoneListEviction(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Cfg.Set("MaxExecutions", "2"); err != nil {
		t.Fatal(err)
	}
	var ids []string
	for i := 0; i < 3; i++ {
		fep := plan.New(env.LocalID(), "test", nil).Map("exectest_double", nil)
		ep := runSync(t, env, fep, &sliceReader{recs: longs(1)})
		ids = append(ids, ep.ID())
	}
	if _, ok := env.Get(ids[0]); ok {
		t.Fatal("oldest done execution should have been evicted")
	}
	for _, id := range ids[1:] {
		if _, ok := env.Get(id); !ok {
			t.Fatalf("execution %s missing from the done list", id)
		}
	}
}

func TestForEachForwardsRecords(t *testing.T) {
	env := newTestEnv(t)
	fep := plan.New(env.LocalID(), "test", nil).ForEach("exectest_noop", nil)
	ep := runSync(t, env, fep, &sliceReader{recs: longs(4, 5)})
	if len(ep.Results()) != 2 {
		t.Fatalf("foreach must forward records: %v", ep.Results())
	}
}
