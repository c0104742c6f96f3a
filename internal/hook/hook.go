// Package hook implements command interception: a filter inspects every
// command reaching the engine, and when a registered hook matches — by name
// alone or by name plus a key-prefix on any key argument — the command is
// redirected to the hook's callback instead of the host.
package hook

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/oriys/pulsar/internal/logging"
)

// Command is one intercepted invocation. Args[0] is the command name.
type Command struct {
	Args []string
	// Replicated marks commands arriving on a replication stream; hooks are
	// bypassed for them.
	Replicated bool
	// Loading marks commands replayed during snapshot load.
	Loading bool
	// DenyOOM marks commands that must be refused above the host's memory
	// limit.
	DenyOOM bool
}

// Callback runs in place of the hooked command, receiving the original
// arguments.
type Callback func(ctx context.Context, cmd *Command) (interface{}, error)

// CommandInfo is the host command-table entry consulted by registration
// guards and key introspection.
type CommandInfo struct {
	Name        string
	NoScript    bool
	MovableKeys bool
	FirstKey    int
	LastKey     int
	Jump        int
}

// Hook is one registered interception.
type Hook struct {
	ID        string
	Command   string
	KeyPrefix string
	Callback  Callback

	// key positions declared for the rewritten command
	FirstKey int
	LastKey  int
	Jump     int
}

type noFilterKey struct{}

// WithNoFilter marks ctx so nested invocations skip the filter. Set while a
// hook callback runs.
func WithNoFilter(ctx context.Context) context.Context {
	return context.WithValue(ctx, noFilterKey{}, true)
}

func noFilter(ctx context.Context) bool {
	v, _ := ctx.Value(noFilterKey{}).(bool)
	return v
}

// Registry holds the command hooks and the guard collaborators.
type Registry struct {
	mu    sync.RWMutex
	hooks map[string][]*Hook

	// commandInfo resolves a host command-table entry.
	commandInfo func(name string) (*CommandInfo, bool)
	// memoryOK implements the deny-oom guard.
	memoryOK func(ctx context.Context) bool
	// forward invokes the original command directly, bypassing the filter.
	forward func(ctx context.Context, args []string) (interface{}, error)
}

// NewRegistry wires the hook registry with its host collaborators.
func NewRegistry(
	commandInfo func(name string) (*CommandInfo, bool),
	memoryOK func(ctx context.Context) bool,
	forward func(ctx context.Context, args []string) (interface{}, error),
) *Registry {
	return &Registry{
		hooks:       make(map[string][]*Hook),
		commandInfo: commandInfo,
		memoryOK:    memoryOK,
		forward:     forward,
	}
}

// Register installs a hook over command. A hook is refused when the target
// is noscript, and — when a key prefix is supplied — when the command has
// movable keys or non-positive first-key/jump.
func (r *Registry) Register(command, keyPrefix string, cb Callback) (*Hook, error) {
	name := strings.ToLower(command)
	info, ok := r.commandInfo(name)
	if !ok {
		return nil, fmt.Errorf("hook target %q: unknown command", command)
	}
	if info.NoScript {
		return nil, fmt.Errorf("hook target %q: noscript commands cannot be hooked", command)
	}
	if keyPrefix != "" {
		if info.MovableKeys {
			return nil, fmt.Errorf("hook target %q: key prefix requires static key positions", command)
		}
		if info.FirstKey <= 0 || info.Jump <= 0 {
			return nil, fmt.Errorf("hook target %q: key prefix requires positive first-key and jump", command)
		}
	}
	h := &Hook{
		ID:        uuid.New().String(),
		Command:   name,
		KeyPrefix: keyPrefix,
		Callback:  cb,
		FirstKey:  info.FirstKey,
		LastKey:   info.LastKey,
		Jump:      info.Jump,
	}
	r.mu.Lock()
	r.hooks[name] = append(r.hooks[name], h)
	r.mu.Unlock()
	logging.Op().Info("command hook registered", "command", name, "prefix", keyPrefix)
	return h, nil
}

// Unregister removes a hook.
func (r *Registry) Unregister(h *Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hooks := r.hooks[h.Command]
	for i, cur := range hooks {
		if cur == h {
			r.hooks[h.Command] = append(hooks[:i], hooks[i+1:]...)
			break
		}
	}
	if len(r.hooks[h.Command]) == 0 {
		delete(r.hooks, h.Command)
	}
}

// keyArgs extracts the command's key arguments from the hook's stored
// positions.
func (h *Hook) keyArgs(args []string) []string {
	if h.FirstKey <= 0 || h.Jump <= 0 {
		return nil
	}
	last := h.LastKey
	if last < 0 {
		last = len(args) - 1 + last + 1
	}
	var keys []string
	for i := h.FirstKey; i <= last && i < len(args); i += h.Jump {
		keys = append(keys, args[i])
	}
	return keys
}

func (h *Hook) matches(cmd *Command) bool {
	if h.KeyPrefix == "" {
		return true
	}
	for _, key := range h.keyArgs(cmd.Args) {
		if strings.HasPrefix(key, h.KeyPrefix) {
			return true
		}
	}
	return false
}

// Apply runs the filter over one command. It returns handled=false when no
// hook claims the command (recursion guard active, replication/loading
// bypass, or no match) and the host should execute it unchanged.
func (r *Registry) Apply(ctx context.Context, cmd *Command) (handled bool, reply interface{}, err error) {
	if len(cmd.Args) == 0 || noFilter(ctx) {
		return false, nil, nil
	}
	if cmd.Replicated || cmd.Loading {
		// Replicated and load-time traffic must reach the host verbatim.
		return false, nil, nil
	}
	name := strings.ToLower(cmd.Args[0])
	r.mu.RLock()
	hooks := r.hooks[name]
	r.mu.RUnlock()
	for _, h := range hooks {
		if !h.matches(cmd) {
			continue
		}
		if cmd.DenyOOM && r.memoryOK != nil && !r.memoryOK(ctx) {
			return true, nil, fmt.Errorf("OOM command not allowed when used memory > 'maxmemory'")
		}
		reply, err = h.Callback(WithNoFilter(ctx), cmd)
		return true, reply, err
	}
	return false, nil, nil
}

// Forward invokes the original command directly, used by callbacks that
// want the host behavior in addition to their own.
func (r *Registry) Forward(ctx context.Context, args []string) (interface{}, error) {
	if r.forward == nil {
		return nil, fmt.Errorf("no forward path configured")
	}
	return r.forward(WithNoFilter(ctx), args)
}

// HooksFor lists the hooks installed over command.
func (r *Registry) HooksFor(command string) []*Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Hook(nil), r.hooks[strings.ToLower(command)]...)
}
