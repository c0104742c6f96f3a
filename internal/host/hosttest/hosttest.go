// Package hosttest provides an in-memory host implementation for tests: a
// key map, streams with consumer-group delivery tracking, a loopback bus,
// and fireable key-space events.
package hosttest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oriys/pulsar/internal/host"
)

// Host is the fake. The zero value is not usable; call New.
type Host struct {
	mu sync.Mutex

	keys    map[string]*host.KeyData
	streams map[string][]host.StreamMessage
	// delivered[stream][group] is the index of the next undelivered entry.
	delivered map[string]map[string]int
	// acked[stream][group] marks acknowledged ids.
	acked map[string]map[string]map[string]bool
	// AckCounts tallies Ack calls per id for assertion.
	AckCounts map[string]int

	aux []byte

	busHandler   host.BusHandler
	eventHandler func(host.KeyspaceEvent)

	localID string
	shards  []host.ShardInfo

	// MemoryLow simulates memory pressure for the deny-oom guard.
	MemoryLow bool

	// Calls records every Call invocation.
	Calls [][]string
	// CallFn, when set, answers Call invocations.
	CallFn func(cmd string, args []string) (interface{}, error)
}

// New creates a single-shard fake host.
func New(localID string) *Host {
	return &Host{
		keys:      make(map[string]*host.KeyData),
		streams:   make(map[string][]host.StreamMessage),
		delivered: make(map[string]map[string]int),
		acked:     make(map[string]map[string]map[string]bool),
		AckCounts: make(map[string]int),
		localID:   localID,
		shards:    []host.ShardInfo{{ID: localID}},
	}
}

// SetString stores a string key.
func (h *Host) SetString(key, val string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.keys[key] = &host.KeyData{Key: key, Type: "string", Str: val}
}

// AppendStream appends one stream entry and returns its id.
func (h *Host) AppendStream(stream string, values map[string]string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := fmt.Sprintf("%d-%d", len(h.streams[stream])+1, 0)
	h.streams[stream] = append(h.streams[stream], host.StreamMessage{ID: id, Values: values})
	h.keys[stream] = &host.KeyData{Key: stream, Type: "stream"}
	return id
}

// StreamLen reports the live (untrimmed) entry count.
func (h *Host) StreamLen(stream string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams[stream])
}

// FireEvent delivers a key-space event to the subscribed handler.
func (h *Host) FireEvent(event, key string) {
	h.mu.Lock()
	handler := h.eventHandler
	h.mu.Unlock()
	if handler != nil {
		handler(host.KeyspaceEvent{Event: event, Key: key})
	}
}

// --- host.Keys ---

type fakeCursor struct {
	batches [][]string
	pos     int
}

func (c *fakeCursor) Next(ctx context.Context) ([]string, bool, error) {
	if c.pos >= len(c.batches) {
		return nil, true, nil
	}
	batch := c.batches[c.pos]
	c.pos++
	return batch, c.pos >= len(c.batches), nil
}

func matches(pattern, key string) bool {
	if pattern == "*" || pattern == "" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(key, pattern[:len(pattern)-1])
	}
	return pattern == key
}

func (h *Host) scan(pattern, keyType string) host.ScanCursor {
	h.mu.Lock()
	defer h.mu.Unlock()
	var keys []string
	for key, kd := range h.keys {
		if !matches(pattern, key) {
			continue
		}
		if keyType != "" && kd.Type != keyType {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return &fakeCursor{}
	}
	return &fakeCursor{batches: [][]string{keys}}
}

func (h *Host) Scan(pattern string) host.ScanCursor { return h.scan(pattern, "") }

func (h *Host) ScanType(pattern, keyType string) host.ScanCursor { return h.scan(pattern, keyType) }

func (h *Host) ReadKey(ctx context.Context, key string) (*host.KeyData, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	kd, ok := h.keys[key]
	if !ok {
		return &host.KeyData{Key: key, Type: "none"}, nil
	}
	cp := *kd
	return &cp, nil
}

func (h *Host) Call(ctx context.Context, cmd string, args ...string) (interface{}, error) {
	h.mu.Lock()
	h.Calls = append(h.Calls, append([]string{cmd}, args...))
	fn := h.CallFn
	h.mu.Unlock()
	if fn != nil {
		return fn(cmd, args)
	}
	return "OK", nil
}

// --- host.Streams ---

func (h *Host) EnsureGroup(ctx context.Context, stream, group, start string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.delivered[stream] == nil {
		h.delivered[stream] = make(map[string]int)
	}
	if h.acked[stream] == nil {
		h.acked[stream] = make(map[string]map[string]bool)
	}
	if h.acked[stream][group] == nil {
		h.acked[stream][group] = make(map[string]bool)
	}
	return nil
}

func (h *Host) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]host.StreamMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.delivered[stream] == nil {
		return nil, fmt.Errorf("NOGROUP no such consumer group %q for stream %q", group, stream)
	}
	next := h.delivered[stream][group]
	entries := h.streams[stream]
	var out []host.StreamMessage
	for next < len(entries) && int64(len(out)) < count {
		out = append(out, entries[next])
		next++
	}
	h.delivered[stream][group] = next
	return out, nil
}

func (h *Host) Ack(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.acked[stream] == nil || h.acked[stream][group] == nil {
		return 0, nil
	}
	var n int64
	for _, id := range ids {
		h.AckCounts[stream+"/"+id]++
		if !h.acked[stream][group][id] {
			h.acked[stream][group][id] = true
			n++
		}
	}
	return n, nil
}

func parseStreamID(id string) (int64, int64) {
	ms, seq, _ := strings.Cut(id, "-")
	m, _ := strconv.ParseInt(ms, 10, 64)
	s, _ := strconv.ParseInt(seq, 10, 64)
	return m, s
}

func streamIDLess(a, b string) bool {
	am, as := parseStreamID(a)
	bm, bs := parseStreamID(b)
	if am != bm {
		return am < bm
	}
	return as < bs
}

func (h *Host) TrimMinID(ctx context.Context, stream, minID string) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := h.streams[stream]
	var kept []host.StreamMessage
	var removed int64
	for _, e := range entries {
		if streamIDLess(e.ID, minID) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	h.streams[stream] = kept
	// delivery indexes shift with the removed prefix
	for group, idx := range h.delivered[stream] {
		idx -= int(removed)
		if idx < 0 {
			idx = 0
		}
		h.delivered[stream][group] = idx
	}
	return removed, nil
}

func (h *Host) Len(ctx context.Context, stream string) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return int64(len(h.streams[stream])), nil
}

// --- host.Bus (loopback: Send delivers only to the local shard; Broadcast has no peers) ---

func (h *Host) Send(ctx context.Context, shardID, msgType string, payload []byte) error {
	h.mu.Lock()
	handler := h.busHandler
	local := h.localID
	h.mu.Unlock()
	if shardID == local && handler != nil {
		handler(local, msgType, payload)
		return nil
	}
	return fmt.Errorf("shard %s unreachable", shardID)
}

func (h *Host) Broadcast(ctx context.Context, msgType string, payload []byte) error {
	return nil
}

func (h *Host) Subscribe(handler host.BusHandler) {
	h.mu.Lock()
	h.busHandler = handler
	h.mu.Unlock()
}

// --- host.Events ---

func (h *Host) SubscribeKeyspace(ctx context.Context, handler func(host.KeyspaceEvent)) error {
	h.mu.Lock()
	h.eventHandler = handler
	h.mu.Unlock()
	return nil
}

// --- host.Topology ---

func (h *Host) LocalID(ctx context.Context) (string, error) { return h.localID, nil }

func (h *Host) Shards(ctx context.Context) ([]host.ShardInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]host.ShardInfo(nil), h.shards...), nil
}

// --- host.AuxStore ---

func (h *Host) SaveAux(ctx context.Context, payload []byte) error {
	h.mu.Lock()
	h.aux = append([]byte(nil), payload...)
	h.mu.Unlock()
	return nil
}

func (h *Host) LoadAux(ctx context.Context) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]byte(nil), h.aux...), nil
}

// --- host.Runtime ---

func (h *Host) MemoryOK(ctx context.Context) bool { return !h.MemoryLow }

func (h *Host) Close() error { return nil }
