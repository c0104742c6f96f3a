package hook

import (
	"context"
	"strings"
	"testing"
)

func testInfo(name string) (*CommandInfo, bool) {
	switch strings.ToLower(name) {
	case "set":
		return &CommandInfo{Name: "set", FirstKey: 1, LastKey: 1, Jump: 1}, true
	case "mset":
		return &CommandInfo{Name: "mset", FirstKey: 1, LastKey: -1, Jump: 2}, true
	case "eval":
		return &CommandInfo{Name: "eval", NoScript: true, MovableKeys: true}, true
	case "georadius":
		return &CommandInfo{Name: "georadius", FirstKey: 1, LastKey: 1, Jump: 1, MovableKeys: true}, true
	}
	return nil, false
}

func newTestRegistry(memOK bool) (*Registry, *[][]string) {
	var forwarded [][]string
	r := NewRegistry(
		testInfo,
		func(ctx context.Context) bool { return memOK },
		func(ctx context.Context, args []string) (interface{}, error) {
			forwarded = append(forwarded, args)
			return "OK", nil
		},
	)
	return r, &forwarded
}

func TestRegisterGuards(t *testing.T) {
	r, _ := newTestRegistry(true)
	noop := func(ctx context.Context, cmd *Command) (interface{}, error) { return nil, nil }

	if _, err := r.Register("eval", "", noop); err == nil {
		t.Fatal("noscript command must not be hookable")
	}
	if _, err := r.Register("georadius", "foo", noop); err == nil {
		t.Fatal("movable-keys command must refuse a key prefix")
	}
	if _, err := r.Register("georadius", "", noop); err != nil {
		t.Fatalf("movable-keys command without prefix: %v", err)
	}
	if _, err := r.Register("nosuchcmd", "", noop); err == nil {
		t.Fatal("unknown command must error")
	}
	if _, err := r.Register("set", "foo", noop); err != nil {
		t.Fatalf("prefix hook on set: %v", err)
	}
}

func TestPrefixMatching(t *testing.T) {
	r, _ := newTestRegistry(true)
	var seen []string
	r.Register("set", "foo", func(ctx context.Context, cmd *Command) (interface{}, error) {
		seen = append(seen, strings.Join(cmd.Args, " "))
		return "hooked", nil
	})

	handled, reply, err := r.Apply(context.Background(), &Command{Args: []string{"SET", "foo", "1"}})
	if !handled || err != nil || reply != "hooked" {
		t.Fatalf("matching command: handled=%v reply=%v err=%v", handled, reply, err)
	}
	handled, _, _ = r.Apply(context.Background(), &Command{Args: []string{"SET", "bar", "1"}})
	if handled {
		t.Fatal("non-matching key must pass through")
	}
	handled, _, _ = r.Apply(context.Background(), &Command{Args: []string{"GET", "foo"}})
	if handled {
		t.Fatal("unhooked command must pass through")
	}
	if len(seen) != 1 || seen[0] != "SET foo 1" {
		t.Fatalf("callback invocations: %v", seen)
	}
}

func TestMsetKeyPositions(t *testing.T) {
	r, _ := newTestRegistry(true)
	hits := 0
	r.Register("mset", "user:", func(ctx context.Context, cmd *Command) (interface{}, error) {
		hits++
		return nil, nil
	})
	// keys at positions 1 and 3; values must not match
	r.Apply(context.Background(), &Command{Args: []string{"MSET", "a", "user:x", "b", "user:y"}})
	if hits != 0 {
		t.Fatal("value argument matched as a key")
	}
	r.Apply(context.Background(), &Command{Args: []string{"MSET", "a", "1", "user:x", "2"}})
	if hits != 1 {
		t.Fatalf("key at jump position not matched: %d", hits)
	}
}

func TestNoRecursion(t *testing.T) {
	r, _ := newTestRegistry(true)
	depth := 0
	r.Register("set", "", func(ctx context.Context, cmd *Command) (interface{}, error) {
		depth++
		// a callback that re-applies the filter must not re-enter itself
		handled, _, _ := r.Apply(ctx, cmd)
		if handled {
			t.Fatal("filter re-entered during a hook callback")
		}
		return "done", nil
	})
	handled, reply, err := r.Apply(context.Background(), &Command{Args: []string{"set", "k", "v"}})
	if !handled || err != nil || reply != "done" {
		t.Fatalf("hook did not run: %v %v %v", handled, reply, err)
	}
	if depth != 1 {
		t.Fatalf("callback ran %d times", depth)
	}
}

func TestReplicationAndLoadingBypass(t *testing.T) {
	r, _ := newTestRegistry(true)
	r.Register("set", "", func(ctx context.Context, cmd *Command) (interface{}, error) {
		t.Fatal("hook must not run for replicated traffic")
		return nil, nil
	})
	if handled, _, _ := r.Apply(context.Background(), &Command{Args: []string{"set", "k", "v"}, Replicated: true}); handled {
		t.Fatal("replicated command must bypass")
	}
	if handled, _, _ := r.Apply(context.Background(), &Command{Args: []string{"set", "k", "v"}, Loading: true}); handled {
		t.Fatal("loading command must bypass")
	}
}

func TestDenyOOMGuard(t *testing.T) {
	r, _ := newTestRegistry(false)
	ran := false
	r.Register("set", "", func(ctx context.Context, cmd *Command) (interface{}, error) {
		ran = true
		return nil, nil
	})
	handled, _, err := r.Apply(context.Background(), &Command{Args: []string{"set", "k", "v"}, DenyOOM: true})
	if !handled || err == nil {
		t.Fatalf("denyoom above limit: handled=%v err=%v", handled, err)
	}
	if ran {
		t.Fatal("callback must not run above the memory limit")
	}
	// without the denyoom flag the hook still runs
	handled, _, err = r.Apply(context.Background(), &Command{Args: []string{"set", "k", "v"}})
	if !handled || err != nil || !ran {
		t.Fatal("non-denyoom command must run")
	}
}

func TestUnregister(t *testing.T) {
	r, _ := newTestRegistry(true)
	h, err := r.Register("set", "", func(ctx context.Context, cmd *Command) (interface{}, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	r.Unregister(h)
	if handled, _, _ := r.Apply(context.Background(), &Command{Args: []string{"set", "k", "v"}}); handled {
		t.Fatal("unregistered hook still active")
	}
	if len(r.HooksFor("set")) != 0 {
		t.Fatal("hook list not empty after unregister")
	}
}

func TestForwardSetsNoFilter(t *testing.T) {
	var forwarded [][]string
	sawNoFilter := false
	r := NewRegistry(
		testInfo,
		func(ctx context.Context) bool { return true },
		func(ctx context.Context, args []string) (interface{}, error) {
			sawNoFilter = noFilter(ctx)
			forwarded = append(forwarded, args)
			return "OK", nil
		},
	)
	if _, err := r.Forward(context.Background(), []string{"set", "k", "v"}); err != nil {
		t.Fatal(err)
	}
	if len(forwarded) != 1 {
		t.Fatalf("forward calls: %d", len(forwarded))
	}
	if !sawNoFilter {
		t.Fatal("forwarded command must carry the no-filter mark")
	}
}
