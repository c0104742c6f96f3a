package readers

import (
	"context"
	"fmt"
	"sync"

	"github.com/oriys/pulsar/internal/buffer"
	"github.com/oriys/pulsar/internal/hook"
	"github.com/oriys/pulsar/internal/host"
	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/mgmt"
	"github.com/oriys/pulsar/internal/plan"
	"github.com/oriys/pulsar/internal/record"
)

// KeysReaderName is the registered name of the scan-based key reader.
const KeysReaderName = "KeysReader"

// KeysArgs parameterizes a keys-reader run or registration. Pattern is a
// prefix pattern; TriggerKey/TriggerEvent are set on executions spawned by
// a key-space event and make the reader emit that single key.
type KeysArgs struct {
	Pattern            string
	ReadValue          bool
	ReadRecordCallback string
	EventTypes         []string
	KeyTypes           []string
	HookCommands       []string

	TriggerKey   string
	TriggerEvent string
}

const keysArgsVersion = 1

// SerializeKeysArgs encodes args for plan reader-args slots and the wire.
func SerializeKeysArgs(a *KeysArgs) []byte {
	w := buffer.NewWriter(64)
	w.WriteUvarint(keysArgsVersion)
	w.WriteString(a.Pattern)
	if a.ReadValue {
		w.WriteUvarint(1)
	} else {
		w.WriteUvarint(0)
	}
	w.WriteString(a.ReadRecordCallback)
	writeStringList := func(list []string) {
		w.WriteUvarint(uint64(len(list)))
		for _, s := range list {
			w.WriteString(s)
		}
	}
	writeStringList(a.EventTypes)
	writeStringList(a.KeyTypes)
	writeStringList(a.HookCommands)
	w.WriteString(a.TriggerKey)
	w.WriteString(a.TriggerEvent)
	return w.Bytes()
}

// DeserializeKeysArgs decodes args written by SerializeKeysArgs.
func DeserializeKeysArgs(data []byte) (*KeysArgs, error) {
	rd := buffer.NewReader(data)
	version, err := rd.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if version > keysArgsVersion {
		return nil, fmt.Errorf("keys reader args version %d not supported", version)
	}
	a := &KeysArgs{}
	if a.Pattern, err = rd.ReadString(); err != nil {
		return nil, err
	}
	readValue, err := rd.ReadUvarint()
	if err != nil {
		return nil, err
	}
	a.ReadValue = readValue != 0
	if a.ReadRecordCallback, err = rd.ReadString(); err != nil {
		return nil, err
	}
	readStringList := func() ([]string, error) {
		n, err := rd.ReadUvarint()
		if err != nil {
			return nil, err
		}
		out := make([]string, 0, n)
		for i := uint64(0); i < n; i++ {
			s, err := rd.ReadString()
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	}
	if a.EventTypes, err = readStringList(); err != nil {
		return nil, err
	}
	if a.KeyTypes, err = readStringList(); err != nil {
		return nil, err
	}
	if a.HookCommands, err = readStringList(); err != nil {
		return nil, err
	}
	if a.TriggerKey, err = rd.ReadString(); err != nil {
		return nil, err
	}
	if a.TriggerEvent, err = rd.ReadString(); err != nil {
		return nil, err
	}
	return a, nil
}

// keysReader walks the local key space, or emits the single triggering key.
type keysReader struct {
	deps *Deps
	args *KeysArgs

	cursor  host.ScanCursor
	batch   []string
	done    bool
	emitted bool
}

func (r *keysReader) Next(ectx mgmt.ExecutionCtx) (record.Record, error) {
	if r.args.TriggerKey != "" {
		if r.emitted {
			return nil, nil
		}
		r.emitted = true
		return r.buildRecord(ectx, r.args.TriggerKey)
	}
	for {
		if len(r.batch) == 0 {
			if r.done {
				return nil, nil
			}
			if r.cursor == nil {
				r.cursor = r.deps.Host.Scan(r.args.Pattern)
			}
			keys, done, err := r.cursor.Next(ectx.Context())
			if err != nil {
				// A failed scan marks the reader exhausted so the pipeline
				// drains.
				logging.Op().Warn("keys reader scan failed", "pattern", r.args.Pattern, "error", err)
				r.done = true
				return nil, nil
			}
			r.batch = keys
			r.done = done
			continue
		}
		key := r.batch[0]
		r.batch = r.batch[1:]
		return r.buildRecord(ectx, key)
	}
}

func (r *keysReader) buildRecord(ectx mgmt.ExecutionCtx, key string) (record.Record, error) {
	if r.args.ReadRecordCallback != "" {
		cb, ok := mgmt.KeysReadRecords.Get(r.args.ReadRecordCallback)
		if !ok {
			return nil, fmt.Errorf("keys reader read-record callback %q not registered", r.args.ReadRecordCallback)
		}
		return cb(ectx, key)
	}
	if !r.args.ReadValue {
		return record.NewString(key), nil
	}
	kd, err := r.deps.Host.ReadKey(ectx.Context(), key)
	if err != nil {
		return nil, fmt.Errorf("read key %q: %w", key, err)
	}
	return record.NewKey(key, keyDataRecord(kd)), nil
}

func keyDataRecord(kd *host.KeyData) record.Record {
	switch kd.Type {
	case "string":
		return record.NewString(kd.Str)
	case "list":
		lst := &record.List{}
		for _, item := range kd.List {
			lst.Add(record.NewString(item))
		}
		return lst
	case "set":
		lst := &record.List{}
		for _, item := range kd.Set {
			lst.Add(record.NewString(item))
		}
		return lst
	case "hash":
		hs := record.NewHashSet()
		for field, val := range kd.Hash {
			hs.Set(field, record.NewString(val))
		}
		return hs
	case "none":
		return record.NewNull()
	}
	return record.NewNull()
}

func (r *keysReader) Serialize(w *buffer.Writer) error {
	w.WriteBytes(SerializeKeysArgs(r.args))
	return nil
}

func (r *keysReader) Deserialize(rd *buffer.Reader) error {
	data, err := rd.ReadBytes()
	if err != nil {
		return err
	}
	args, err := DeserializeKeysArgs(data)
	if err != nil {
		return err
	}
	r.args = args
	return nil
}

// KeysKind manages the keys reader and its key-space registrations.
type KeysKind struct {
	deps *Deps

	mu    sync.Mutex
	regs  []*Registration
	hooks map[*Registration][]*hook.Hook
}

// NewKeysKind builds and registers the keys reader kind.
func NewKeysKind(deps *Deps) (*KeysKind, error) {
	k := &KeysKind{deps: deps, hooks: make(map[*Registration][]*hook.Hook)}
	kind := &Kind{
		Name: KeysReaderName,
		Create: func(args []byte) (Reader, error) {
			rd := buffer.NewReader(args)
			r := &keysReader{deps: deps, args: &KeysArgs{}}
			if err := r.Deserialize(rd); err != nil {
				return nil, err
			}
			return r, nil
		},
		DecodeArgs: func(data []byte) (interface{}, error) { return DeserializeKeysArgs(data) },
		EncodeArgs: func(args interface{}) ([]byte, error) {
			a, ok := args.(*KeysArgs)
			if !ok {
				return nil, fmt.Errorf("keys args carries %T", args)
			}
			return SerializeKeysArgs(a), nil
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

// NewReader builds a one-shot scan reader for ad-hoc runs.
func (k *KeysKind) NewReader(args *KeysArgs) Reader {
	return &keysReader{deps: k.deps, args: args}
}

func (k *KeysKind) register(reg *Registration) error {
	args, ok := reg.Args.(*KeysArgs)
	if !ok {
		return fmt.Errorf("keys registration carries %T, want *KeysArgs", reg.Args)
	}
	k.mu.Lock()
	k.regs = append(k.regs, reg)
	k.mu.Unlock()

	// Optional command hooks: the hooked command still reaches the host,
	// then triggers the registration's plan for its first key argument.
	for _, cmdName := range args.HookCommands {
		h, err := k.deps.Hooks.Register(cmdName, patternPrefix(args.Pattern), k.hookCallback(reg))
		if err != nil {
			k.unregister(reg, false)
			return fmt.Errorf("keys registration hook on %q: %w", cmdName, err)
		}
		k.mu.Lock()
		k.hooks[reg] = append(k.hooks[reg], h)
		k.mu.Unlock()
	}

	if cb := reg.FEP.OnRegistered; cb != nil {
		if fn, ok := mgmt.OnRegistereds.Get(cb.Name); ok {
			fn(cb.Arg)
		}
	}
	logging.Op().Info("keys registration added", "id", reg.ID, "pattern", args.Pattern)
	return nil
}

func (k *KeysKind) hookCallback(reg *Registration) hook.Callback {
	return func(ctx context.Context, cmd *hook.Command) (interface{}, error) {
		reply, err := k.deps.Hooks.Forward(ctx, cmd.Args)
		if err != nil {
			return nil, err
		}
		var key string
		if len(cmd.Args) > 1 {
			key = cmd.Args[1]
		}
		// The client observes the host reply only after the triggered run
		// completes; sync mode blocks this command until then.
		k.trigger(reg, key, "hook:"+cmd.Args[0], plan.ModeSync)
		return reply, nil
	}
}

func (k *KeysKind) unregister(reg *Registration, abortPending bool) error {
	k.mu.Lock()
	for i, cur := range k.regs {
		if cur == reg {
			k.regs = append(k.regs[:i], k.regs[i+1:]...)
			break
		}
	}
	hooks := k.hooks[reg]
	delete(k.hooks, reg)
	k.mu.Unlock()
	for _, h := range hooks {
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

func (k *KeysKind) registrations() []*Registration {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]*Registration(nil), k.regs...)
}

func (k *KeysKind) clearStats() {
	for _, reg := range k.registrations() {
		reg.Stats.Clear()
	}
}

// DispatchEvent routes one key-space notification to every matching
// registration, spawning an execution per match.
func (k *KeysKind) DispatchEvent(ctx context.Context, ev host.KeyspaceEvent) {
	if IsPaused() {
		return
	}
	for _, reg := range k.registrations() {
		args := reg.Args.(*KeysArgs)
		if !matchPattern(args.Pattern, ev.Key) {
			continue
		}
		if len(args.EventTypes) > 0 && !containsString(args.EventTypes, ev.Event) {
			continue
		}
		if len(args.KeyTypes) > 0 {
			kd, err := k.deps.Host.ReadKey(ctx, ev.Key)
			if err != nil || !containsString(args.KeyTypes, kd.Type) {
				continue
			}
		}
		k.trigger(reg, ev.Key, ev.Event, reg.Mode)
	}
}

func (k *KeysKind) trigger(reg *Registration, key, event string, mode plan.ExecutionMode) {
	args := reg.Args.(*KeysArgs)
	instance := *args
	instance.TriggerKey = key
	instance.TriggerEvent = event
	r := &keysReader{deps: k.deps, args: &instance}

	reg.Stats.NumTriggered.Add(1)
	h, err := k.deps.Runner.Run(reg.FEP, mode, r, func(done RunHandle) {
		if done.IsAborted() {
			reg.Stats.NumAborted.Add(1)
			k.deps.triggerFired(KeysReaderName, "aborted")
		} else if done.ErrorCount() > 0 {
			reg.Stats.NumFailures.Add(1)
			reg.Stats.SetLastError(done.FirstError())
			k.deps.triggerFired(KeysReaderName, "failure")
		} else {
			reg.Stats.NumSuccess.Add(1)
			k.deps.triggerFired(KeysReaderName, "success")
		}
		reg.TrackDone(done, k.deps.Runner.MaxExecutionsPerRegistration())
	})
	if err != nil {
		reg.Stats.NumFailures.Add(1)
		reg.Stats.SetLastError(err.Error())
		logging.Op().Warn("keys trigger failed", "registration", reg.ID, "key", key, "error", err)
		return
	}
	reg.TrackPending(h)
}

func (k *KeysKind) rdbSave(w *buffer.Writer) error {
	regs := k.registrations()
	w.WriteUvarint(uint64(len(regs)))
	for _, reg := range regs {
		w.WriteUvarint(uint64(reg.Mode))
		fw := buffer.NewWriter(256)
		if err := reg.FEP.Serialize(fw); err != nil {
			return fmt.Errorf("save keys registration %s: %w", reg.ID, err)
		}
		w.WriteBytes(fw.Bytes())
		w.WriteBytes(SerializeKeysArgs(reg.Args.(*KeysArgs)))
	}
	return nil
}

func (k *KeysKind) rdbLoad(rd *buffer.Reader, version int) error {
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
			return fmt.Errorf("load keys registration plan: %w", err)
		}
		argBytes, err := rd.ReadBytes()
		if err != nil {
			return err
		}
		args, err := DeserializeKeysArgs(argBytes)
		if err != nil {
			return err
		}
		if _, err := NewRegistration(k.deps.Runner, KeysReaderName, fep, plan.ExecutionMode(mode), args); err != nil {
			return err
		}
		fep.Release()
	}
	return nil
}
