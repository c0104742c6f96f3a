package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oriys/pulsar/internal/config"
	"github.com/oriys/pulsar/internal/engine"
	"github.com/oriys/pulsar/internal/execution"
	"github.com/oriys/pulsar/internal/hook"
	"github.com/oriys/pulsar/internal/host/hosttest"
	"github.com/oriys/pulsar/internal/mgmt"
	"github.com/oriys/pulsar/internal/plan"
	"github.com/oriys/pulsar/internal/readers"
	"github.com/oriys/pulsar/internal/record"
)

var (
	callbacksOnce sync.Once

	logMu  sync.Mutex
	logged [][]string
)

func registerCallbacks() {
	mgmt.Accumulators.Add("engtest_count", func(ectx mgmt.ExecutionCtx, acc record.Record, r record.Record, arg interface{}) (record.Record, error) {
		if acc == nil {
			acc = &record.Long{Val: 0}
		}
		acc.(*record.Long).Val++
		return acc, nil
	}, nil)
	// fails when the stream entry's "v" field is "0"
	mgmt.Maps.Add("engtest_checkzero", func(ectx mgmt.ExecutionCtx, r record.Record, arg interface{}) (record.Record, error) {
		hs := r.(*record.HashSet)
		values := hs.Get("value").(*record.HashSet)
		if sv, ok := values.Get("v").(*record.String); ok && string(sv.Val) == "0" {
			return nil, errors.New("division by zero")
		}
		return r, nil
	}, nil)
	// records the triggering command's arguments
	mgmt.ForEachs.Add("engtest_log", func(ectx mgmt.ExecutionCtx, r record.Record, arg interface{}) error {
		lst := r.(*record.List)
		var args []string
		for _, item := range lst.Items {
			args = append(args, string(item.(*record.String).Val))
		}
		logMu.Lock()
		logged = append(logged, args)
		logMu.Unlock()
		return nil
	}, nil)
}

func newTestEngine(t *testing.T, h *hosttest.Host) *engine.Engine {
	t.Helper()
	callbacksOnce.Do(registerCallbacks)
	eng, err := engine.New(engine.Options{Host: h, Config: config.NewEngine()})
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestScanAndCount(t *testing.T) {
	h := hosttest.New("node-1")
	h.SetString("a", "1")
	h.SetString("b", "2")
	h.SetString("c", "3")
	eng := newTestEngine(t, h)

	fep := plan.New(eng.View.LocalID(), readers.KeysReaderName, readers.SerializeKeysArgs(&readers.KeysArgs{Pattern: "*"}))
	fep.Accumulate("engtest_count", nil)
	r := eng.Keys.NewReader(&readers.KeysArgs{Pattern: "*"})
	handle, err := eng.Exec.Run(fep, plan.ModeSync, r, nil)
	if err != nil {
		t.Fatal(err)
	}
	ep := handle.(*execution.Plan)
	if len(ep.Errors()) != 0 {
		t.Fatalf("errors: %v", ep.Errors())
	}
	if len(ep.Results()) != 1 || ep.Results()[0].(*record.Long).Val != 3 {
		t.Fatalf("results: %v", ep.Results())
	}

	// the finished execution is visible through the command surface
	reply, err := eng.Dispatch(t.Context(), "getresults", []string{ep.ID()})
	if err != nil {
		t.Fatal(err)
	}
	pair := reply.([]interface{})
	if len(pair) != 2 {
		t.Fatalf("getresults reply: %#v", reply)
	}
	results := pair[0].([]interface{})
	if len(results) != 1 || results[0] != int64(3) {
		t.Fatalf("rendered results: %#v", results)
	}
}

func TestConfigCommands(t *testing.T) {
	h := hosttest.New("node-1")
	eng := newTestEngine(t, h)
	ctx := t.Context()

	if _, err := eng.Dispatch(ctx, "configset", []string{"MaxExecutions", "5"}); err != nil {
		t.Fatal(err)
	}
	reply, err := eng.Dispatch(ctx, "configget", []string{"MaxExecutions"})
	if err != nil {
		t.Fatal(err)
	}
	if got := reply.([]interface{}); got[0] != "5" {
		t.Fatalf("configget: %#v", reply)
	}
	if _, err := eng.Dispatch(ctx, "configset", []string{"NoSuchKey", "1"}); err == nil {
		t.Fatal("unknown config key must error")
	}

	if _, err := eng.Dispatch(ctx, "innerconfigset", []string{"requirements", "numpy"}); err != nil {
		t.Fatal(err)
	}
	if v, ok := eng.ConfigStore.Get("requirements"); !ok || v != "numpy" {
		t.Fatalf("config store: %q %v", v, ok)
	}
}

func TestHelloAndInfoCluster(t *testing.T) {
	h := hosttest.New("node-1")
	eng := newTestEngine(t, h)

	reply, err := eng.Dispatch(t.Context(), "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	if reply.([]interface{})[0] != "pulsar" {
		t.Fatalf("hello: %#v", reply)
	}

	reply, err = eng.Dispatch(t.Context(), "infocluster", nil)
	if err != nil {
		t.Fatal(err)
	}
	info := reply.([]interface{})
	if info[0] != "node-1" || info[1] != int64(1) {
		t.Fatalf("infocluster: %#v", info)
	}
}

func TestCommandTrigger(t *testing.T) {
	h := hosttest.New("node-1")
	eng := newTestEngine(t, h)
	ctx := t.Context()

	fep := plan.New(eng.View.LocalID(), readers.CommandReaderName, nil)
	if _, err := eng.Register(ctx, readers.CommandReaderName, fep, plan.ModeSync, &readers.CommandArgs{Trigger: "echo"}); err != nil {
		t.Fatal(err)
	}

	reply, err := eng.Dispatch(ctx, "trigger", []string{"echo", "a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	pair := reply.([]interface{})
	results := pair[0].([]interface{})
	if len(results) != 1 {
		t.Fatalf("trigger results: %#v", results)
	}
	args := results[0].([]interface{})
	if len(args) != 2 || args[0] != "a" || args[1] != "b" {
		t.Fatalf("trigger record: %#v", args)
	}
	if _, err := eng.Dispatch(ctx, "trigger", []string{"nosuchtrigger"}); err == nil {
		t.Fatal("unknown trigger must error")
	}
}

func TestKeysEventTrigger(t *testing.T) {
	h := hosttest.New("node-1")
	eng := newTestEngine(t, h)
	ctx := t.Context()

	fep := plan.New(eng.View.LocalID(), readers.KeysReaderName, readers.SerializeKeysArgs(&readers.KeysArgs{Pattern: "user:*"}))
	reg, err := eng.Register(ctx, readers.KeysReaderName, fep, plan.ModeAsyncLocal, &readers.KeysArgs{
		Pattern:    "user:*",
		ReadValue:  true,
		EventTypes: []string{"set"},
	})
	if err != nil {
		t.Fatal(err)
	}

	h.SetString("user:1", "v1")
	h.FireEvent("set", "user:1")
	waitFor(t, "keys trigger", func() bool { return reg.Stats.NumSuccess.Load() == 1 })

	// non-matching key and event are ignored
	h.FireEvent("set", "order:1")
	h.FireEvent("expired", "user:1")
	time.Sleep(30 * time.Millisecond)
	if reg.Stats.NumTriggered.Load() != 1 {
		t.Fatalf("triggered: %d", reg.Stats.NumTriggered.Load())
	}

	done := reg.Done()
	if len(done) != 1 {
		t.Fatalf("done list: %d", len(done))
	}
	ep := done[0].(*execution.Plan)
	kr, ok := ep.Results()[0].(*record.Key)
	if !ok || string(kr.Key) != "user:1" {
		t.Fatalf("trigger record: %#v", ep.Results())
	}
	if sv, ok := kr.Val.(*record.String); !ok || string(sv.Val) != "v1" {
		t.Fatalf("trigger value: %#v", kr.Val)
	}
}

func TestCommandHookOnSet(t *testing.T) {
	h := hosttest.New("node-1")
	eng := newTestEngine(t, h)
	ctx := t.Context()

	logMu.Lock()
	logged = nil
	logMu.Unlock()

	fep := plan.New(eng.View.LocalID(), readers.CommandReaderName, nil).ForEach("engtest_log", nil)
	if _, err := eng.Register(ctx, readers.CommandReaderName, fep, plan.ModeSync, &readers.CommandArgs{
		HookCommand: "set",
		KeyPrefix:   "foo",
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := eng.HandleCommand(ctx, &hook.Command{Args: []string{"SET", "foo", "1"}}); err != nil {
		t.Fatal(err)
	}
	logMu.Lock()
	hooked := len(logged) == 1 && len(logged[0]) == 3 && logged[0][1] == "foo" && logged[0][2] == "1"
	logMu.Unlock()
	if !hooked {
		t.Fatalf("hooked command not logged: %v", logged)
	}
	// the hooked command is replaced, not forwarded
	if len(h.Calls) != 0 {
		t.Fatalf("hooked command reached the host: %v", h.Calls)
	}

	// a non-matching key passes through untouched
	if _, err := eng.HandleCommand(ctx, &hook.Command{Args: []string{"SET", "bar", "1"}}); err != nil {
		t.Fatal(err)
	}
	if len(h.Calls) != 1 || h.Calls[0][1] != "bar" {
		t.Fatalf("pass-through command not forwarded: %v", h.Calls)
	}
	logMu.Lock()
	still := len(logged)
	logMu.Unlock()
	if still != 1 {
		t.Fatalf("non-matching command triggered the hook: %v", logged)
	}
}

func TestStreamBatchesAckAndTrim(t *testing.T) {
	h := hosttest.New("node-1")
	eng := newTestEngine(t, h)
	ctx := t.Context()

	fep := plan.New(eng.View.LocalID(), readers.StreamReaderName, nil).Map("engtest_checkzero", nil)
	reg, err := eng.Register(ctx, readers.StreamReaderName, fep, plan.ModeAsyncLocal, &readers.StreamArgs{
		Pattern:    "s*",
		BatchSize:  2,
		Duration:   40 * time.Millisecond,
		OnFailure:  readers.PolicyContinue,
		TrimStream: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	var ids []string
	for _, v := range []string{"1", "2", "0", "4"} {
		id := h.AppendStream("s1", map[string]string{"v": v})
		ids = append(ids, id)
		h.FireEvent("xadd", "s1")
	}

	waitFor(t, "all stream entries acked", func() bool {
		for _, id := range ids {
			if h.AckCounts["s1/"+id] == 0 {
				return false
			}
		}
		return true
	})

	// every id acked exactly once
	for _, id := range ids {
		if n := h.AckCounts["s1/"+id]; n != 1 {
			t.Fatalf("id %s acked %d times", id, n)
		}
	}
	// trim removed the consumed prefix
	waitFor(t, "stream trimmed", func() bool { return h.StreamLen("s1") == 0 })

	// the failing batch left its error on the registration
	if reg.Stats.NumFailures.Load() != 1 {
		t.Fatalf("failures: %d", reg.Stats.NumFailures.Load())
	}
	if reg.Stats.LastError() == "" {
		t.Fatal("last error not recorded")
	}
	if reg.Stats.NumSuccess.Load() < 1 {
		t.Fatalf("successes: %d", reg.Stats.NumSuccess.Load())
	}
}

func TestPauseStopsTriggers(t *testing.T) {
	h := hosttest.New("node-1")
	eng := newTestEngine(t, h)
	ctx := t.Context()

	fep := plan.New(eng.View.LocalID(), readers.KeysReaderName, readers.SerializeKeysArgs(&readers.KeysArgs{Pattern: "*"}))
	reg, err := eng.Register(ctx, readers.KeysReaderName, fep, plan.ModeAsyncLocal, &readers.KeysArgs{Pattern: "*"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := eng.Dispatch(ctx, "pauseregistrations", nil); err != nil {
		t.Fatal(err)
	}
	h.FireEvent("set", "k1")
	time.Sleep(30 * time.Millisecond)
	if reg.Stats.NumTriggered.Load() != 0 {
		t.Fatal("paused registration fired")
	}

	if _, err := eng.Dispatch(ctx, "unpauseregistrations", nil); err != nil {
		t.Fatal(err)
	}
	h.FireEvent("set", "k1")
	waitFor(t, "trigger after unpause", func() bool { return reg.Stats.NumTriggered.Load() == 1 })
}

func TestAuxPersistenceRoundTrip(t *testing.T) {
	h := hosttest.New("node-1")
	eng := newTestEngine(t, h)
	ctx := context.Background()

	streamFEP := plan.New(eng.View.LocalID(), readers.StreamReaderName, nil)
	streamReg, err := eng.Register(ctx, readers.StreamReaderName, streamFEP, plan.ModeAsyncLocal, &readers.StreamArgs{
		Pattern:   "s*",
		BatchSize: 2,
		OnFailure: readers.PolicyRetry,
	})
	if err != nil {
		t.Fatal(err)
	}
	keysFEP := plan.New(eng.View.LocalID(), readers.KeysReaderName, readers.SerializeKeysArgs(&readers.KeysArgs{Pattern: "k*"}))
	keysReg, err := eng.Register(ctx, readers.KeysReaderName, keysFEP, plan.ModeSync, &readers.KeysArgs{Pattern: "k*"})
	if err != nil {
		t.Fatal(err)
	}
	eng.ConfigStore.Set("requirements", "numpy")

	if err := eng.AuxSave(ctx); err != nil {
		t.Fatal(err)
	}
	wantStreamPlan := streamReg.FEP.ID
	wantKeysPlan := keysReg.FEP.ID
	eng.Close()

	// a fresh engine over the same host restores the registrations
	eng2, err := engine.New(engine.Options{Host: h, Config: config.NewEngine()})
	if err != nil {
		t.Fatal(err)
	}
	defer eng2.Close()
	if err := eng2.Start(ctx); err != nil {
		t.Fatal(err)
	}

	if v, ok := eng2.ConfigStore.Get("requirements"); !ok || v != "numpy" {
		t.Fatalf("config store after load: %q %v", v, ok)
	}

	streamRegs := findByPlan(t, readers.StreamReaderName, wantStreamPlan)
	sa := streamRegs.Args.(*readers.StreamArgs)
	if sa.Pattern != "s*" || sa.BatchSize != 2 || sa.OnFailure != readers.PolicyRetry {
		t.Fatalf("stream registration args after load: %+v", sa)
	}
	if streamRegs.Mode != plan.ModeAsyncLocal {
		t.Fatalf("stream registration mode after load: %v", streamRegs.Mode)
	}

	keysRegs := findByPlan(t, readers.KeysReaderName, wantKeysPlan)
	ka := keysRegs.Args.(*readers.KeysArgs)
	if ka.Pattern != "k*" {
		t.Fatalf("keys registration args after load: %+v", ka)
	}
	if keysRegs.Mode != plan.ModeSync {
		t.Fatalf("keys registration mode after load: %v", keysRegs.Mode)
	}
}

func findByPlan(t *testing.T, reader, planID string) *readers.Registration {
	t.Helper()
	kind, ok := readers.GetKind(reader)
	if !ok {
		t.Fatalf("reader %s missing", reader)
	}
	for _, reg := range kind.Registrations() {
		if reg.FEP.ID == planID {
			return reg
		}
	}
	t.Fatalf("no %s registration with plan %s", reader, planID)
	return nil
}

func TestUnregisterCommand(t *testing.T) {
	h := hosttest.New("node-1")
	eng := newTestEngine(t, h)
	ctx := t.Context()

	fep := plan.New(eng.View.LocalID(), readers.CommandReaderName, nil)
	reg, err := eng.Register(ctx, readers.CommandReaderName, fep, plan.ModeSync, &readers.CommandArgs{Trigger: "gone"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Dispatch(ctx, "unregister", []string{reg.ID}); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Dispatch(ctx, "trigger", []string{"gone"}); err == nil {
		t.Fatal("trigger must be gone after unregister")
	}
	if _, err := eng.Dispatch(ctx, "unregister", []string{reg.ID}); err == nil {
		t.Fatal("double unregister must error")
	}
}

func TestExecutionCommands(t *testing.T) {
	h := hosttest.New("node-1")
	h.SetString("a", "1")
	eng := newTestEngine(t, h)
	ctx := t.Context()

	fep := plan.New(eng.View.LocalID(), readers.KeysReaderName, readers.SerializeKeysArgs(&readers.KeysArgs{Pattern: "*"}))
	fep.Accumulate("engtest_count", nil)
	handle, err := eng.Exec.Run(fep, plan.ModeSync, eng.Keys.NewReader(&readers.KeysArgs{Pattern: "*"}), nil)
	if err != nil {
		t.Fatal(err)
	}
	id := handle.ID()

	reply, err := eng.Dispatch(ctx, "dumpexecutions", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(reply.([]interface{})) != 1 {
		t.Fatalf("dumpexecutions: %#v", reply)
	}

	if _, err := eng.Dispatch(ctx, "getexecution", []string{id}); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Dispatch(ctx, "getresultsblocking", []string{id}); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Dispatch(ctx, "abortexecution", []string{id}); err != nil {
		t.Fatalf("abort of a done execution is a no-op: %v", err)
	}
	if _, err := eng.Dispatch(ctx, "dropexecution", []string{id}); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Dispatch(ctx, "getexecution", []string{id}); err == nil {
		t.Fatal("dropped execution must be gone")
	}
	if _, err := eng.Dispatch(ctx, "getresults", []string{"missing-id"}); err == nil {
		t.Fatal("unknown id must error")
	}
}
