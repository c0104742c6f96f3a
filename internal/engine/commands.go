package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/oriys/pulsar/internal/execution"
	"github.com/oriys/pulsar/internal/hook"
	"github.com/oriys/pulsar/internal/host"
	"github.com/oriys/pulsar/internal/mgmt"
	"github.com/oriys/pulsar/internal/readers"
)

// CommandPrefix is the namespace of the engine's command surface.
const CommandPrefix = "pulsar"

// EngineVersion is reported by the hello handshake.
const EngineVersion = "1.0.0"

// HandleCommand is the daemon's single entry point for a client command:
// the hook filter runs first; unclaimed engine commands dispatch locally;
// everything else is forwarded to the host.
func (e *Engine) HandleCommand(ctx context.Context, cmd *hook.Command) (interface{}, error) {
	if handled, reply, err := e.Hooks.Apply(ctx, cmd); handled {
		return reply, err
	}
	if len(cmd.Args) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	if name, ok := engineCommandName(cmd.Args[0]); ok {
		return e.Dispatch(ctx, name, cmd.Args[1:])
	}
	return e.forwardCommand(ctx, cmd.Args)
}

func engineCommandName(raw string) (string, bool) {
	lower := strings.ToLower(raw)
	prefix := CommandPrefix + "."
	if !strings.HasPrefix(lower, prefix) {
		return "", false
	}
	return strings.TrimPrefix(lower, prefix), true
}

// Dispatch serves one engine command. name is the bare command, lower-case,
// without the prefix.
func (e *Engine) Dispatch(ctx context.Context, name string, args []string) (interface{}, error) {
	switch name {
	case "refreshcluster":
		if err := e.View.Refresh(ctx, e.host); err != nil {
			return nil, err
		}
		return "OK", nil
	case "clusterset", "clustersetfromshard":
		return e.cmdClusterSet(args)
	case "infocluster":
		return e.cmdInfoCluster(), nil
	case "hello":
		return []interface{}{"pulsar", EngineVersion, int64(auxEncodingVersion)}, nil
	case "innermsgcommand":
		return e.cmdInnerMsg(args)
	case "innerregister":
		// registration fan-out arriving as a command instead of a bus
		// message
		if len(args) != 2 {
			return nil, fmt.Errorf("innerregister takes <from-shard> <payload>")
		}
		e.onInnerRegister(args[0], []byte(args[1]))
		return "OK", nil
	case "innerunregister":
		if len(args) != 2 {
			return nil, fmt.Errorf("innerunregister takes <from-shard> <payload>")
		}
		e.onInnerUnregister(args[0], []byte(args[1]))
		return "OK", nil
	case "dumpexecutions":
		return e.cmdDumpExecutions(), nil
	case "dumpregistrations":
		return e.cmdDumpRegistrations(), nil
	case "getexecution":
		return e.cmdGetExecution(args)
	case "getresults":
		return e.cmdGetResults(args)
	case "getresultsblocking":
		return e.cmdGetResultsBlocking(ctx, args)
	case "dropexecution":
		return e.cmdDropExecution(args)
	case "abortexecution":
		return e.cmdAbortExecution(args)
	case "unregister":
		return e.cmdUnregister(ctx, args)
	case "pauseregistrations":
		readers.SetPaused(true)
		return "OK", nil
	case "unpauseregistrations":
		return e.cmdUnpauseRegistrations()
	case "trigger":
		return e.cmdTrigger(ctx, args)
	case "clearregistrationsstats":
		for _, kind := range readers.Kinds() {
			if kind.ClearStats != nil {
				kind.ClearStats()
			}
		}
		return "OK", nil
	case "configget":
		return e.cmdConfigGet(args)
	case "configset":
		return e.cmdConfigSet(args)
	case "innerconfigset":
		// Replicated configuration-store write: <key> <value> in that
		// order.
		if len(args) != 2 {
			return nil, fmt.Errorf("innerconfigset takes <key> <value>")
		}
		e.ConfigStore.Set(args[0], args[1])
		return "OK", nil
	}
	return nil, fmt.Errorf("unknown %s command %q", CommandPrefix, name)
}

func (e *Engine) cmdClusterSet(args []string) (interface{}, error) {
	// <local-id> <n> then n repetitions of <id> <addr> <slot-start> <slot-end>
	if len(args) < 2 {
		return nil, fmt.Errorf("clusterset takes <local-id> <n> [<id> <addr> <start> <end>]...")
	}
	localID := args[0]
	n, err := strconv.Atoi(args[1])
	if err != nil || n < 0 {
		return nil, fmt.Errorf("clusterset: bad shard count %q", args[1])
	}
	if len(args) != 2+n*4 {
		return nil, fmt.Errorf("clusterset: expected %d shard fields, got %d", n*4, len(args)-2)
	}
	shards := make([]host.ShardInfo, 0, n)
	for i := 0; i < n; i++ {
		base := 2 + i*4
		start, err := strconv.Atoi(args[base+2])
		if err != nil {
			return nil, fmt.Errorf("clusterset: bad slot start %q", args[base+2])
		}
		end, err := strconv.Atoi(args[base+3])
		if err != nil {
			return nil, fmt.Errorf("clusterset: bad slot end %q", args[base+3])
		}
		shards = append(shards, host.ShardInfo{
			ID:         args[base],
			Addr:       args[base+1],
			SlotRanges: [][2]int{{start, end}},
		})
	}
	e.View.Apply(localID, shards)
	return "OK", nil
}

func (e *Engine) cmdInfoCluster() interface{} {
	shards := e.View.Shards()
	peerEntries := make([]interface{}, 0, len(shards))
	for _, s := range shards {
		peerEntries = append(peerEntries, []interface{}{s.ID, s.Addr})
	}
	return []interface{}{
		e.View.LocalID(),
		int64(e.View.Size()),
		peerEntries,
	}
}

func (e *Engine) cmdInnerMsg(args []string) (interface{}, error) {
	if len(args) != 3 {
		return nil, fmt.Errorf("innermsgcommand takes <from-shard> <type> <payload>")
	}
	e.Msgr.Dispatch(args[0], args[1], []byte(args[2]))
	return "OK", nil
}

func (e *Engine) cmdDumpExecutions() interface{} {
	eps := e.Exec.List()
	out := make([]interface{}, 0, len(eps))
	for _, ep := range eps {
		out = append(out, []interface{}{
			ep.ID(),
			ep.Status().String(),
			int64(len(ep.Results())),
			int64(len(ep.Errors())),
		})
	}
	return out
}

func (e *Engine) cmdDumpRegistrations() interface{} {
	var out []interface{}
	for _, kind := range readers.Kinds() {
		if kind.Registrations == nil {
			continue
		}
		for _, reg := range kind.Registrations() {
			out = append(out, []interface{}{
				reg.ID,
				reg.Reader,
				reg.Mode.String(),
				reg.Stats.NumTriggered.Load(),
				reg.Stats.NumSuccess.Load(),
				reg.Stats.NumFailures.Load(),
				reg.Stats.NumAborted.Load(),
				reg.Stats.LastError(),
			})
		}
	}
	if out == nil {
		out = []interface{}{}
	}
	return out
}

func (e *Engine) lookupExecution(args []string) (*execution.Plan, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("expected a single execution id")
	}
	ep, ok := e.Exec.Get(args[0])
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", args[0], execution.ErrNotFound)
	}
	return ep, nil
}

func (e *Engine) cmdGetExecution(args []string) (interface{}, error) {
	ep, err := e.lookupExecution(args)
	if err != nil {
		return nil, err
	}
	entry := []interface{}{
		"id", ep.ID(),
		"status", ep.Status().String(),
		"mode", ep.Mode().String(),
		"reader", ep.FEP().ReaderName,
		"shards_received", int64(ep.ShardsReceived()),
		"shards_completed", int64(ep.ShardsCompleted()),
		"results", int64(len(ep.Results())),
		"errors", int64(len(ep.Errors())),
		"duration_ms", ep.Duration().Milliseconds(),
	}
	if e.Cfg.ProfileExecutions() {
		profile := make([]interface{}, 0)
		for _, p := range ep.StepProfile() {
			profile = append(profile, []interface{}{p.Kind, p.Duration.Milliseconds()})
		}
		entry = append(entry, "profile", profile)
	}
	return entry, nil
}

func (e *Engine) cmdGetResults(args []string) (interface{}, error) {
	ep, err := e.lookupExecution(args)
	if err != nil {
		return nil, err
	}
	if !ep.IsDone() {
		return nil, fmt.Errorf("execution %s is still running", ep.ID())
	}
	return resultsReply(ep.Results(), ep.Errors()), nil
}

func (e *Engine) cmdGetResultsBlocking(ctx context.Context, args []string) (interface{}, error) {
	ep, err := e.lookupExecution(args)
	if err != nil {
		return nil, err
	}
	select {
	case <-ep.DoneChan():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return resultsReply(ep.Results(), ep.Errors()), nil
}

func (e *Engine) cmdDropExecution(args []string) (interface{}, error) {
	ep, err := e.lookupExecution(args)
	if err != nil {
		return nil, err
	}
	if !ep.IsDone() {
		return nil, fmt.Errorf("execution %s is still running", ep.ID())
	}
	ep.Drop()
	return "OK", nil
}

func (e *Engine) cmdAbortExecution(args []string) (interface{}, error) {
	ep, err := e.lookupExecution(args)
	if err != nil {
		return nil, err
	}
	if err := ep.Abort(); err != nil {
		return nil, err
	}
	return "OK", nil
}

func (e *Engine) cmdUnregister(ctx context.Context, args []string) (interface{}, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, fmt.Errorf("unregister takes <registration-id> [abortpending]")
	}
	abortPending := false
	if len(args) == 2 {
		if !strings.EqualFold(args[1], "abortpending") {
			return nil, fmt.Errorf("unknown unregister option %q", args[1])
		}
		abortPending = true
	}
	if err := e.Unregister(ctx, args[0], abortPending); err != nil {
		return nil, err
	}
	return "OK", nil
}

func (e *Engine) cmdUnpauseRegistrations() (interface{}, error) {
	readers.SetPaused(false)
	for _, kind := range readers.Kinds() {
		if kind.Registrations == nil {
			continue
		}
		for _, reg := range kind.Registrations() {
			cb := reg.FEP.OnUnpaused
			if cb == nil {
				continue
			}
			if fn, ok := mgmt.OnUnpauseds.Get(cb.Name); ok {
				fn(nil, cb.Arg)
			}
		}
	}
	return "OK", nil
}

func (e *Engine) cmdTrigger(ctx context.Context, args []string) (interface{}, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("trigger takes <name> [args...]")
	}
	h, err := e.Commands.Trigger(args[0], args[1:])
	if err != nil {
		return nil, err
	}
	ep, ok := h.(*execution.Plan)
	if !ok {
		return nil, fmt.Errorf("unexpected run handle %T", h)
	}
	select {
	case <-ep.DoneChan():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return resultsReply(ep.Results(), ep.Errors()), nil
}

func (e *Engine) cmdConfigGet(args []string) (interface{}, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("configget takes at least one key")
	}
	out := make([]interface{}, 0, len(args))
	for _, key := range args {
		v, err := e.Cfg.Get(key)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (e *Engine) cmdConfigSet(args []string) (interface{}, error) {
	if len(args) == 0 || len(args)%2 != 0 {
		return nil, fmt.Errorf("configset takes <key> <value> pairs")
	}
	for i := 0; i < len(args); i += 2 {
		if err := e.Cfg.Set(args[i], args[i+1]); err != nil {
			return nil, err
		}
	}
	e.Msgr.SetRetries(e.Cfg.SendMsgRetries())
	return "OK", nil
}

// builtinCommandInfo is the default host command table consulted by the
// hook guards when the embedder does not supply one.
func builtinCommandInfo(name string) (*hook.CommandInfo, bool) {
	table := map[string]hook.CommandInfo{
		"set":       {FirstKey: 1, LastKey: 1, Jump: 1},
		"get":       {FirstKey: 1, LastKey: 1, Jump: 1},
		"del":       {FirstKey: 1, LastKey: -1, Jump: 1},
		"incr":      {FirstKey: 1, LastKey: 1, Jump: 1},
		"incrby":    {FirstKey: 1, LastKey: 1, Jump: 1},
		"expire":    {FirstKey: 1, LastKey: 1, Jump: 1},
		"hset":      {FirstKey: 1, LastKey: 1, Jump: 1},
		"hget":      {FirstKey: 1, LastKey: 1, Jump: 1},
		"lpush":     {FirstKey: 1, LastKey: 1, Jump: 1},
		"rpush":     {FirstKey: 1, LastKey: 1, Jump: 1},
		"sadd":      {FirstKey: 1, LastKey: 1, Jump: 1},
		"zadd":      {FirstKey: 1, LastKey: 1, Jump: 1},
		"xadd":      {FirstKey: 1, LastKey: 1, Jump: 1},
		"mset":      {FirstKey: 1, LastKey: -1, Jump: 2},
		"mget":      {FirstKey: 1, LastKey: -1, Jump: 1},
		"georadius": {FirstKey: 1, LastKey: 1, Jump: 1, MovableKeys: true},
		"eval":      {NoScript: true, MovableKeys: true},
		"evalsha":   {NoScript: true, MovableKeys: true},
	}
	info, ok := table[strings.ToLower(name)]
	if !ok {
		return nil, false
	}
	info.Name = strings.ToLower(name)
	return &info, true
}
