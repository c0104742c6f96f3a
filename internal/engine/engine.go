// Package engine wires the execution subsystem together and serves the
// client command surface: plan submission, execution introspection and
// control, registrations, cluster administration, and configuration.
package engine

import (
	"context"
	"fmt"

	"github.com/oriys/pulsar/internal/buffer"
	"github.com/oriys/pulsar/internal/cluster"
	"github.com/oriys/pulsar/internal/config"
	"github.com/oriys/pulsar/internal/configstore"
	"github.com/oriys/pulsar/internal/execution"
	"github.com/oriys/pulsar/internal/hook"
	"github.com/oriys/pulsar/internal/host"
	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/metrics"
	"github.com/oriys/pulsar/internal/observability"
	"github.com/oriys/pulsar/internal/plan"
	"github.com/oriys/pulsar/internal/readers"
	"github.com/oriys/pulsar/internal/worker"
)

// registration fan-out message types
const (
	msgInnerRegister   = "registration.register"
	msgInnerUnregister = "registration.unregister"
)

// DefaultPoolName names the pool executions land on when their plan does
// not pick one.
const DefaultPoolName = "DefaultPool"

// Options configures engine construction.
type Options struct {
	Host    host.Host
	Config  *config.Engine
	Metrics *metrics.Metrics
	Tracer  *observability.Tracer
	// CommandInfo resolves host command-table entries for the hook guards.
	// Defaults to the built-in table.
	CommandInfo func(name string) (*hook.CommandInfo, bool)
}

// Engine is the assembled execution subsystem.
type Engine struct {
	host host.Host

	Cfg         *config.Engine
	View        *cluster.View
	Msgr        *cluster.Messenger
	Lock        *worker.LockHandler
	Exec        *execution.Env
	Hooks       *hook.Registry
	ConfigStore *configstore.Store

	Keys     *readers.KeysKind
	Streams  *readers.StreamsKind
	Commands *readers.CommandKind
	ShardID  *readers.ShardIDKind

	metrics *metrics.Metrics
	tracer  *observability.Tracer

	defaultPool *worker.Pool
}

// New assembles the engine. Init failures refuse the whole load.
func New(opts Options) (*Engine, error) {
	if opts.Host == nil {
		return nil, fmt.Errorf("engine: host is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.NewEngine()
	}
	lock := worker.NewLockHandler()
	view := cluster.NewView()
	msgr := cluster.NewMessenger(opts.Host, view, cfg.SendMsgRetries())

	pool := worker.NewThreadPool(DefaultPoolName, cfg.ExecutionThreads(), lock)
	if err := worker.RegisterPool(pool); err != nil {
		pool.Stop()
		return nil, err
	}

	env := execution.NewEnv(view, msgr, lock, cfg, pool)
	env.Metrics = opts.Metrics
	env.Tracer = opts.Tracer
	env.RegisterHandlers()

	e := &Engine{
		host:        opts.Host,
		Cfg:         cfg,
		View:        view,
		Msgr:        msgr,
		Lock:        lock,
		Exec:        env,
		ConfigStore: configstore.New(),
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		defaultPool: pool,
	}

	infoFn := opts.CommandInfo
	if infoFn == nil {
		infoFn = builtinCommandInfo
	}
	e.Hooks = hook.NewRegistry(infoFn, e.memoryOK, e.forwardCommand)

	deps := &readers.Deps{
		Host:    opts.Host,
		View:    view,
		Runner:  env,
		Hooks:   e.Hooks,
		Metrics: opts.Metrics,
		Tracer:  opts.Tracer,
	}
	var err error
	if e.Keys, err = readers.NewKeysKind(deps); err != nil {
		return nil, err
	}
	if e.Streams, err = readers.NewStreamsKind(deps); err != nil {
		return nil, err
	}
	if e.Commands, err = readers.NewCommandKind(deps); err != nil {
		return nil, err
	}
	if e.ShardID, err = readers.NewShardIDKind(deps); err != nil {
		return nil, err
	}

	msgr.RegisterHandler(msgInnerRegister, e.onInnerRegister)
	msgr.RegisterHandler(msgInnerUnregister, e.onInnerUnregister)
	return e, nil
}

// Start refreshes the cluster view, begins bus dispatch, subscribes to
// key-space events, and restores the persisted registrations.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.View.Refresh(ctx, e.host); err != nil {
		logging.Op().Warn("initial cluster refresh failed, running single shard", "error", err)
	}
	e.Msgr.SetRetries(e.Cfg.SendMsgRetries())
	e.Msgr.Start()
	if err := e.host.SubscribeKeyspace(ctx, func(ev host.KeyspaceEvent) {
		e.Keys.DispatchEvent(ctx, ev)
		e.Streams.DispatchEvent(ctx, ev)
	}); err != nil {
		return fmt.Errorf("subscribe keyspace events: %w", err)
	}
	if err := e.AuxLoad(ctx); err != nil {
		logging.Op().Warn("aux payload load failed", "error", err)
	}
	logging.Op().Info("engine started", "shard", e.View.LocalID(), "cluster_size", e.View.Size())
	return nil
}

// Close stops the worker pools.
func (e *Engine) Close() error {
	e.defaultPool.Stop()
	worker.UnregisterPool(DefaultPoolName)
	return e.host.Close()
}

func (e *Engine) memoryOK(ctx context.Context) bool {
	return e.host.MemoryOK(ctx)
}

func (e *Engine) forwardCommand(ctx context.Context, args []string) (interface{}, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return e.host.Call(ctx, args[0], args[1:]...)
}

// Register binds fep to a reader trigger locally and fans the registration
// out to every peer shard.
func (e *Engine) Register(ctx context.Context, readerName string, fep *plan.FlatExecutionPlan, mode plan.ExecutionMode, args interface{}) (*readers.Registration, error) {
	reg, err := readers.NewRegistration(e.Exec, readerName, fep, mode, args)
	if err != nil {
		return nil, err
	}
	if e.View.IsClustered() {
		payload, err := e.encodeRegistration(reg)
		if err != nil {
			logging.Op().Warn("registration fan-out encode failed", "registration", reg.ID, "error", err)
		} else if err := e.Msgr.Broadcast(ctx, msgInnerRegister, payload); err != nil {
			logging.Op().Warn("registration fan-out failed", "registration", reg.ID, "error", err)
		}
	}
	return reg, nil
}

// Unregister tears down a registration by id (local id or plan id) on this
// shard and every peer.
func (e *Engine) Unregister(ctx context.Context, id string, abortPending bool) error {
	reg, kind, ok := findRegistration(id)
	if !ok {
		return fmt.Errorf("registration %s not found", id)
	}
	fepID := reg.FEP.ID
	if err := kind.Unregister(reg, abortPending); err != nil {
		return err
	}
	if e.View.IsClustered() {
		w := buffer.NewWriter(64)
		w.WriteString(fepID)
		if abortPending {
			w.WriteUvarint(1)
		} else {
			w.WriteUvarint(0)
		}
		if err := e.Msgr.Broadcast(ctx, msgInnerUnregister, w.Bytes()); err != nil {
			logging.Op().Warn("unregister fan-out failed", "registration", id, "error", err)
		}
	}
	return nil
}

// findRegistration resolves by registration id or by the shared plan id.
func findRegistration(id string) (*readers.Registration, *readers.Kind, bool) {
	if reg, kind, ok := readers.FindRegistration(id); ok {
		return reg, kind, true
	}
	for _, kind := range readers.Kinds() {
		if kind.Registrations == nil {
			continue
		}
		for _, reg := range kind.Registrations() {
			if reg.FEP.ID == id {
				return reg, kind, true
			}
		}
	}
	return nil, nil, false
}

func (e *Engine) encodeRegistration(reg *readers.Registration) ([]byte, error) {
	kind, ok := readers.GetKind(reg.Reader)
	if !ok || kind.EncodeArgs == nil {
		return nil, fmt.Errorf("reader %q cannot encode registration args", reg.Reader)
	}
	argBytes, err := kind.EncodeArgs(reg.Args)
	if err != nil {
		return nil, err
	}
	w := buffer.NewWriter(256)
	w.WriteString(reg.Reader)
	w.WriteUvarint(uint64(reg.Mode))
	fw := buffer.NewWriter(256)
	if err := reg.FEP.Serialize(fw); err != nil {
		return nil, err
	}
	w.WriteBytes(fw.Bytes())
	w.WriteBytes(argBytes)
	return w.Bytes(), nil
}

func (e *Engine) onInnerRegister(from string, payload []byte) {
	rd := buffer.NewReader(payload)
	readerName, err := rd.ReadString()
	if err != nil {
		return
	}
	mode, err := rd.ReadUvarint()
	if err != nil {
		return
	}
	fepBytes, err := rd.ReadBytes()
	if err != nil {
		return
	}
	argBytes, err := rd.ReadBytes()
	if err != nil {
		return
	}
	kind, ok := readers.GetKind(readerName)
	if !ok || kind.DecodeArgs == nil {
		logging.Op().Warn("inner register for unknown reader", "reader", readerName, "from", from)
		return
	}
	fep, err := plan.Deserialize(buffer.NewReader(fepBytes))
	if err != nil {
		logging.Op().Warn("inner register plan decode failed", "from", from, "error", err)
		return
	}
	args, err := kind.DecodeArgs(argBytes)
	if err != nil {
		logging.Op().Warn("inner register args decode failed", "from", from, "error", err)
		return
	}
	// Peers with the plan already installed (same plan id) skip the
	// duplicate fan-out.
	if _, _, exists := findRegistration(fep.ID); exists {
		fep.Release()
		return
	}
	if _, err := readers.NewRegistration(e.Exec, readerName, fep, plan.ExecutionMode(mode), args); err != nil {
		logging.Op().Warn("inner register failed", "from", from, "error", err)
	}
	fep.Release()
}

func (e *Engine) onInnerUnregister(from string, payload []byte) {
	rd := buffer.NewReader(payload)
	fepID, err := rd.ReadString()
	if err != nil {
		return
	}
	abortRaw, err := rd.ReadUvarint()
	if err != nil {
		return
	}
	reg, kind, ok := findRegistration(fepID)
	if !ok {
		return
	}
	if err := kind.Unregister(reg, abortRaw != 0); err != nil {
		logging.Op().Warn("inner unregister failed", "from", from, "error", err)
	}
}
