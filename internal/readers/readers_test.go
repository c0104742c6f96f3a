package readers

import (
	"reflect"
	"testing"
	"time"
)

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern, key string
		want         bool
	}{
		{"*", "anything", true},
		{"s*", "s1", true},
		{"s*", "stream:orders", true},
		{"s*", "t1", false},
		{"exact", "exact", true},
		{"exact", "exact2", false},
	}
	for _, tc := range cases {
		if got := matchPattern(tc.pattern, tc.key); got != tc.want {
			t.Errorf("matchPattern(%q, %q) = %v, want %v", tc.pattern, tc.key, got, tc.want)
		}
	}
	if patternPrefix("foo*") != "foo" || patternPrefix("bar") != "bar" {
		t.Fatal("patternPrefix misbehaves")
	}
}

func TestKeysArgsRoundTrip(t *testing.T) {
	args := &KeysArgs{
		Pattern:      "user:*",
		ReadValue:    true,
		EventTypes:   []string{"set", "del"},
		KeyTypes:     []string{"string"},
		HookCommands: []string{"set"},
		TriggerKey:   "user:1",
		TriggerEvent: "set",
	}
	out, err := DeserializeKeysArgs(SerializeKeysArgs(args))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(out, args) {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", out, args)
	}

	empty := &KeysArgs{Pattern: "*"}
	out, err = DeserializeKeysArgs(SerializeKeysArgs(empty))
	if err != nil {
		t.Fatal(err)
	}
	if out.Pattern != "*" || out.ReadValue || len(out.EventTypes) != 0 {
		t.Fatalf("empty args round trip: %+v", out)
	}
}

func TestStreamArgsRoundTrip(t *testing.T) {
	args := &StreamArgs{
		Pattern:       "s*",
		BatchSize:     2,
		Duration:      750 * time.Millisecond,
		OnFailure:     PolicyRetry,
		RetryInterval: 5 * time.Second,
		TrimStream:    true,
	}
	out, err := DeserializeStreamArgs(SerializeStreamArgs(args))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(out, args) {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", out, args)
	}
}

func TestCommandArgsRoundTrip(t *testing.T) {
	args := &CommandArgs{Trigger: "wordcount", InOrder: true}
	out, err := DeserializeCommandArgs(SerializeCommandArgs(args))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(out, args) {
		t.Fatalf("round trip mismatch: %+v vs %+v", out, args)
	}

	hooked := &CommandArgs{HookCommand: "set", KeyPrefix: "foo"}
	out, err = DeserializeCommandArgs(SerializeCommandArgs(hooked))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(out, hooked) {
		t.Fatalf("round trip mismatch: %+v vs %+v", out, hooked)
	}
}

func TestParseFailurePolicy(t *testing.T) {
	for name, want := range map[string]FailurePolicy{
		"continue": PolicyContinue,
		"ABORT":    PolicyAbort,
		"Retry":    PolicyRetry,
	} {
		got, err := ParseFailurePolicy(name)
		if err != nil || got != want {
			t.Fatalf("parse %q: %v %v", name, got, err)
		}
	}
	if _, err := ParseFailurePolicy("explode"); err == nil {
		t.Fatal("unknown policy must error")
	}
}

func TestStreamIDSuccessor(t *testing.T) {
	cases := map[string]string{
		"1-1":    "1-2",
		"1-0":    "1-1",
		"100-99": "100-100",
	}
	for id, want := range cases {
		if got := streamIDSuccessor(id); got != want {
			t.Errorf("successor of %s: got %s, want %s", id, got, want)
		}
	}
}

type fakeHandle struct {
	id      string
	done    bool
	aborted bool
	dropped bool
}

func (f *fakeHandle) ID() string         { return f.id }
func (f *fakeHandle) IsDone() bool       { return f.done }
func (f *fakeHandle) IsAborted() bool    { return f.aborted }
func (f *fakeHandle) ErrorCount() int    { return 0 }
func (f *fakeHandle) FirstError() string { return "" }
func (f *fakeHandle) Abort() error       { f.aborted = true; return nil }
func (f *fakeHandle) Drop()              { f.dropped = true }

func TestRegistrationBookkeeping(t *testing.T) {
	reg := &Registration{ID: "r1"}
	h1 := &fakeHandle{id: "e1"}
	h2 := &fakeHandle{id: "e2"}
	h3 := &fakeHandle{id: "e3"}

	reg.TrackPending(h1)
	reg.TrackPending(h2)
	reg.TrackPending(h3)
	if len(reg.Pending()) != 3 {
		t.Fatalf("pending: %d", len(reg.Pending()))
	}

	// the done list is bounded: the oldest completed run is dropped
	reg.TrackDone(h1, 2)
	reg.TrackDone(h2, 2)
	reg.TrackDone(h3, 2)
	if len(reg.Pending()) != 0 {
		t.Fatalf("pending after done: %d", len(reg.Pending()))
	}
	done := reg.Done()
	if len(done) != 2 || done[0] != RunHandle(h2) || done[1] != RunHandle(h3) {
		t.Fatalf("done list: %v", done)
	}
	if !h1.dropped {
		t.Fatal("evicted execution must be dropped")
	}

	reg.TrackPending(&fakeHandle{id: "e4"})
	reg.DropAll(true)
	if len(reg.Pending()) != 0 || len(reg.Done()) != 0 {
		t.Fatal("drop-all must clear both lists")
	}
	if !h2.dropped || !h3.dropped {
		t.Fatal("drop-all must drop retained executions")
	}
}

func TestStatsClear(t *testing.T) {
	var s Stats
	s.NumTriggered.Add(3)
	s.NumFailures.Add(1)
	s.SetLastError("boom")
	if s.LastError() != "boom" {
		t.Fatal("last error not recorded")
	}
	s.Clear()
	if s.NumTriggered.Load() != 0 || s.NumFailures.Load() != 0 || s.LastError() != "" {
		t.Fatal("clear must zero all counters")
	}
}

func TestPauseFlag(t *testing.T) {
	if IsPaused() {
		t.Fatal("must start unpaused")
	}
	SetPaused(true)
	if !IsPaused() {
		t.Fatal("pause not applied")
	}
	SetPaused(false)
}
