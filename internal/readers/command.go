package readers

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/oriys/pulsar/internal/buffer"
	"github.com/oriys/pulsar/internal/hook"
	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/mgmt"
	"github.com/oriys/pulsar/internal/plan"
	"github.com/oriys/pulsar/internal/record"
)

// CommandReaderName is the registered name of the command reader.
const CommandReaderName = "CommandReader"

// CommandArgs parameterizes a command registration: either a new trigger
// name invoked via the trigger command, or a hook over an existing host
// command with an optional key prefix.
type CommandArgs struct {
	Trigger     string
	HookCommand string
	KeyPrefix   string
	// InOrder serializes triggered executions so each trigger observes the
	// previous one completed.
	InOrder bool
}

const commandArgsVersion = 1

// SerializeCommandArgs encodes registration arguments.
func SerializeCommandArgs(a *CommandArgs) []byte {
	w := buffer.NewWriter(64)
	w.WriteUvarint(commandArgsVersion)
	w.WriteString(a.Trigger)
	w.WriteString(a.HookCommand)
	w.WriteString(a.KeyPrefix)
	if a.InOrder {
		w.WriteUvarint(1)
	} else {
		w.WriteUvarint(0)
	}
	return w.Bytes()
}

// DeserializeCommandArgs decodes arguments written by SerializeCommandArgs.
func DeserializeCommandArgs(data []byte) (*CommandArgs, error) {
	rd := buffer.NewReader(data)
	version, err := rd.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if version > commandArgsVersion {
		return nil, fmt.Errorf("command reader args version %d not supported", version)
	}
	a := &CommandArgs{}
	if a.Trigger, err = rd.ReadString(); err != nil {
		return nil, err
	}
	if a.HookCommand, err = rd.ReadString(); err != nil {
		return nil, err
	}
	if a.KeyPrefix, err = rd.ReadString(); err != nil {
		return nil, err
	}
	inOrder, err := rd.ReadUvarint()
	if err != nil {
		return nil, err
	}
	a.InOrder = inOrder != 0
	return a, nil
}

// commandReader emits the triggering command's arguments as one list
// record. Mirror shards produce nothing.
type commandReader struct {
	args    []string
	emitted bool
}

func (r *commandReader) Next(ectx mgmt.ExecutionCtx) (record.Record, error) {
	if r.emitted || len(r.args) == 0 {
		return nil, nil
	}
	r.emitted = true
	lst := &record.List{}
	for _, arg := range r.args {
		lst.Add(record.NewString(arg))
	}
	return lst, nil
}

func (r *commandReader) Serialize(w *buffer.Writer) error {
	// trigger arguments stay on the initiating shard
	w.WriteUvarint(0)
	return nil
}

func (r *commandReader) Deserialize(rd *buffer.Reader) error {
	if _, err := rd.ReadUvarint(); err != nil {
		return err
	}
	r.args = nil
	r.emitted = false
	return nil
}

// CommandKind manages the command reader: trigger names and command hooks.
type CommandKind struct {
	deps *Deps

	mu       sync.Mutex
	regs     []*Registration
	triggers map[string]*Registration
	hooks    map[*Registration]*hook.Hook
	// inorder chains: last spawned execution per registration
	lastRun map[*Registration]RunHandle
}

// NewCommandKind builds and registers the command reader kind.
func NewCommandKind(deps *Deps) (*CommandKind, error) {
	k := &CommandKind{
		deps:     deps,
		triggers: make(map[string]*Registration),
		hooks:    make(map[*Registration]*hook.Hook),
		lastRun:  make(map[*Registration]RunHandle),
	}
	kind := &Kind{
		Name: CommandReaderName,
		Create: func(args []byte) (Reader, error) {
			rd := buffer.NewReader(args)
			r := &commandReader{}
			if err := r.Deserialize(rd); err != nil {
				return nil, err
			}
			return r, nil
		},
		DecodeArgs: func(data []byte) (interface{}, error) { return DeserializeCommandArgs(data) },
		EncodeArgs: func(args interface{}) ([]byte, error) {
			a, ok := args.(*CommandArgs)
			if !ok {
				return nil, fmt.Errorf("command args carries %T", args)
			}
			return SerializeCommandArgs(a), nil
		},
		Register:      k.register,
		Unregister:    k.unregister,
		RdbSave:       k.rdbSave,
		RdbLoad:       k.rdbLoad,
		Registrations: k.registrations,
		ClearStats:    k.clearStats,
	}
	if err := RegisterKind(kind); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *CommandKind) register(reg *Registration) error {
	args, ok := reg.Args.(*CommandArgs)
	if !ok {
		return fmt.Errorf("command registration carries %T, want *CommandArgs", reg.Args)
	}
	if (args.Trigger == "") == (args.HookCommand == "") {
		return fmt.Errorf("command registration needs exactly one of trigger or hook")
	}
	k.mu.Lock()
	if args.Trigger != "" {
		name := strings.ToLower(args.Trigger)
		if _, exists := k.triggers[name]; exists {
			k.mu.Unlock()
			return fmt.Errorf("trigger %q already registered", args.Trigger)
		}
		k.triggers[name] = reg
	}
	k.regs = append(k.regs, reg)
	k.mu.Unlock()

	if args.HookCommand != "" {
		h, err := k.deps.Hooks.Register(args.HookCommand, args.KeyPrefix, k.hookCallback(reg))
		if err != nil {
			k.unregister(reg, false)
			return err
		}
		k.mu.Lock()
		k.hooks[reg] = h
		k.mu.Unlock()
	}

	if cb := reg.FEP.OnRegistered; cb != nil {
		if fn, ok := mgmt.OnRegistereds.Get(cb.Name); ok {
			fn(cb.Arg)
		}
	}
	logging.Op().Info("command registration added", "id", reg.ID, "trigger", args.Trigger, "hook", args.HookCommand)
	return nil
}

func (k *CommandKind) hookCallback(reg *Registration) hook.Callback {
	return func(ctx context.Context, cmd *hook.Command) (interface{}, error) {
		// The hooked command is replaced by the plan; the callback's result
		// is the client reply.
		h, err := k.run(reg, cmd.Args, plan.ModeSync)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}

// Trigger spawns an execution for a registered trigger name; the returned
// handle carries the results once done.
func (k *CommandKind) Trigger(name string, args []string) (RunHandle, error) {
	if IsPaused() {
		return nil, fmt.Errorf("registrations are paused")
	}
	k.mu.Lock()
	reg, ok := k.triggers[strings.ToLower(name)]
	k.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown trigger %q", name)
	}
	return k.run(reg, args, reg.Mode)
}

func (k *CommandKind) run(reg *Registration, cmdArgs []string, mode plan.ExecutionMode) (RunHandle, error) {
	args := reg.Args.(*CommandArgs)
	if args.InOrder {
		// Each trigger waits for the previous execution of this
		// registration before starting, preserving submission order.
		k.mu.Lock()
		prev := k.lastRun[reg]
		k.mu.Unlock()
		if prev != nil && !prev.IsDone() {
			if waiter, ok := prev.(interface{ DoneChan() <-chan struct{} }); ok {
				<-waiter.DoneChan()
			}
		}
	}
	r := &commandReader{args: cmdArgs}
	reg.Stats.NumTriggered.Add(1)
	h, err := k.deps.Runner.Run(reg.FEP, mode, r, func(done RunHandle) {
		if done.IsAborted() {
			reg.Stats.NumAborted.Add(1)
			k.deps.triggerFired(CommandReaderName, "aborted")
		} else if done.ErrorCount() > 0 {
			reg.Stats.NumFailures.Add(1)
			reg.Stats.SetLastError(done.FirstError())
			k.deps.triggerFired(CommandReaderName, "failure")
		} else {
			reg.Stats.NumSuccess.Add(1)
			k.deps.triggerFired(CommandReaderName, "success")
		}
		reg.TrackDone(done, k.deps.Runner.MaxExecutionsPerRegistration())
	})
	if err != nil {
		reg.Stats.NumFailures.Add(1)
		reg.Stats.SetLastError(err.Error())
		return nil, err
	}
	reg.TrackPending(h)
	k.mu.Lock()
	k.lastRun[reg] = h
	k.mu.Unlock()
	return h, nil
}

func (k *CommandKind) unregister(reg *Registration, abortPending bool) error {
	args := reg.Args.(*CommandArgs)
	k.mu.Lock()
	for i, cur := range k.regs {
		if cur == reg {
			k.regs = append(k.regs[:i], k.regs[i+1:]...)
			break
		}
	}
	if args.Trigger != "" {
		delete(k.triggers, strings.ToLower(args.Trigger))
	}
	h := k.hooks[reg]
	delete(k.hooks, reg)
	delete(k.lastRun, reg)
	k.mu.Unlock()
	if h != nil {
		k.deps.Hooks.Unregister(h)
	}
	reg.DropAll(abortPending)
	if cb := reg.FEP.OnUnregistered; cb != nil {
		if fn, ok := mgmt.OnUnregistereds.Get(cb.Name); ok {
			fn(cb.Arg)
		}
	}
	reg.FEP.Release()
	return nil
}

func (k *CommandKind) registrations() []*Registration {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]*Registration(nil), k.regs...)
}

func (k *CommandKind) clearStats() {
	for _, reg := range k.registrations() {
		reg.Stats.Clear()
	}
}

func (k *CommandKind) rdbSave(w *buffer.Writer) error {
	regs := k.registrations()
	w.WriteUvarint(uint64(len(regs)))
	for _, reg := range regs {
		w.WriteUvarint(uint64(reg.Mode))
		fw := buffer.NewWriter(256)
		if err := reg.FEP.Serialize(fw); err != nil {
			return fmt.Errorf("save command registration %s: %w", reg.ID, err)
		}
		w.WriteBytes(fw.Bytes())
		w.WriteBytes(SerializeCommandArgs(reg.Args.(*CommandArgs)))
	}
	return nil
}

func (k *CommandKind) rdbLoad(rd *buffer.Reader, version int) error {
	n, err := rd.ReadUvarint()
	if err != nil {
		return err
	}
	for i := uint64(0); i < n; i++ {
		mode, err := rd.ReadUvarint()
		if err != nil {
			return err
		}
		fepBytes, err := rd.ReadBytes()
		if err != nil {
			return err
		}
		fep, err := plan.Deserialize(buffer.NewReader(fepBytes))
		if err != nil {
			return fmt.Errorf("load command registration plan: %w", err)
		}
		argBytes, err := rd.ReadBytes()
		if err != nil {
			return err
		}
		args, err := DeserializeCommandArgs(argBytes)
		if err != nil {
			return err
		}
		if _, err := NewRegistration(k.deps.Runner, CommandReaderName, fep, plan.ExecutionMode(mode), args); err != nil {
			return err
		}
		fep.Release()
	}
	return nil
}
