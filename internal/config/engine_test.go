package config

import (
	"testing"
	"time"
)

func TestEngineDefaults(t *testing.T) {
	e := NewEngine()
	if e.MaxExecutions() != DefaultMaxExecutions {
		t.Fatalf("max executions default: %d", e.MaxExecutions())
	}
	if e.ExecutionThreads() != DefaultExecutionThreads {
		t.Fatalf("execution threads default: %d", e.ExecutionThreads())
	}
	if e.ExecutionMaxIdleTime() != DefaultExecutionMaxIdleTime {
		t.Fatalf("max idle default: %v", e.ExecutionMaxIdleTime())
	}
	if e.ProfileExecutions() {
		t.Fatal("profiling must default off")
	}
}

func TestEngineSetGet(t *testing.T) {
	e := NewEngine()
	cases := []struct{ key, value, want string }{
		{"MaxExecutions", "5", "5"},
		{"maxexecutions", "7", "7"},
		{"MaxExecutionsPerRegistration", "3", "3"},
		{"ProfileExecutions", "1", "1"},
		{"ExecutionThreads", "2", "2"},
		{"ExecutionMaxIdleTime", "1500", "1500"},
		{"SendMsgRetries", "9", "9"},
		{"PythonHomeDir", "/opt/plugins", "/opt/plugins"},
	}
	for _, tc := range cases {
		if err := e.Set(tc.key, tc.value); err != nil {
			t.Fatalf("set %s: %v", tc.key, err)
		}
		got, err := e.Get(tc.key)
		if err != nil {
			t.Fatalf("get %s: %v", tc.key, err)
		}
		if got != tc.want {
			t.Fatalf("get %s: got %q, want %q", tc.key, got, tc.want)
		}
	}
	if e.ExecutionMaxIdleTime() != 1500*time.Millisecond {
		t.Fatalf("idle time not applied: %v", e.ExecutionMaxIdleTime())
	}
	if !e.ProfileExecutions() {
		t.Fatal("profiling not applied")
	}
}

func TestEngineRejectsBadInput(t *testing.T) {
	e := NewEngine()
	if err := e.Set("NoSuchKey", "1"); err == nil {
		t.Fatal("unknown key must error")
	}
	if _, err := e.Get("NoSuchKey"); err == nil {
		t.Fatal("unknown key must error on get")
	}
	if err := e.Set("MaxExecutions", "not-a-number"); err == nil {
		t.Fatal("malformed value must error")
	}
	if err := e.Set("ExecutionThreads", "0"); err == nil {
		t.Fatal("thread count below one must error")
	}
	// failed sets must not mutate
	if e.ExecutionThreads() != DefaultExecutionThreads {
		t.Fatalf("state mutated by failed set: %d", e.ExecutionThreads())
	}
}
