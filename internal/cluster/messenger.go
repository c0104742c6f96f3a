package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/oriys/pulsar/internal/host"
	"github.com/oriys/pulsar/internal/logging"
)

// Handler consumes one cluster message of a registered type.
type Handler func(fromShard string, payload []byte)

// Messenger dispatches typed point-to-point messages over the host bus.
// Sends are retried per the SendMsgRetries policy; receive dispatch runs on
// the bus delivery goroutine, so handlers must take the execution lock
// themselves before touching shared state.
type Messenger struct {
	bus  host.Bus
	view *View

	mu       sync.RWMutex
	handlers map[string]Handler
	retries  int
}

// NewMessenger wires a messenger over the host bus.
func NewMessenger(bus host.Bus, view *View, retries int) *Messenger {
	if retries < 1 {
		retries = 1
	}
	return &Messenger{
		bus:      bus,
		view:     view,
		handlers: make(map[string]Handler),
		retries:  retries,
	}
}

// RegisterHandler installs the handler for msgType. Registration happens at
// engine init, before Start.
func (m *Messenger) RegisterHandler(msgType string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[msgType] = h
}

// SetRetries updates the send retry budget (SendMsgRetries config).
func (m *Messenger) SetRetries(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n >= 1 {
		m.retries = n
	}
}

// Start subscribes to the bus and begins dispatching.
func (m *Messenger) Start() {
	m.bus.Subscribe(m.Dispatch)
}

// Dispatch routes one received message to its registered handler. Exposed
// so the inner message command can inject messages arriving outside the
// bus subscription.
func (m *Messenger) Dispatch(fromShard, msgType string, payload []byte) {
	m.mu.RLock()
	h := m.handlers[msgType]
	m.mu.RUnlock()
	if h == nil {
		logging.Op().Warn("unhandled cluster message", "type", msgType, "from", fromShard)
		return
	}
	h(fromShard, payload)
}

// Send delivers one message to shardID, retrying transient failures.
func (m *Messenger) Send(ctx context.Context, shardID, msgType string, payload []byte) error {
	m.mu.RLock()
	retries := m.retries
	m.mu.RUnlock()

	var err error
	for attempt := 0; attempt < retries; attempt++ {
		if err = m.bus.Send(ctx, shardID, msgType, payload); err == nil {
			return nil
		}
		logging.Op().Debug("cluster send retry", "type", msgType, "to", shardID, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	logging.Op().Warn("cluster send failed", "type", msgType, "to", shardID, "error", err)
	return err
}

// Broadcast delivers one message to every peer shard.
func (m *Messenger) Broadcast(ctx context.Context, msgType string, payload []byte) error {
	var firstErr error
	for _, id := range m.view.PeerIDs() {
		if err := m.Send(ctx, id, msgType, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
