// Package redishost implements the host contracts over a Redis deployment
// using go-redis: key scans and reads, stream consumer groups, a pub/sub
// cluster bus, key-space notifications, and the aux persistence slot.
package redishost

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/oriys/pulsar/internal/buffer"
	"github.com/oriys/pulsar/internal/host"
	"github.com/oriys/pulsar/internal/logging"
)

// Options configures the Redis host connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	// ShardID, when set, is the local shard id. When empty, the node id
	// from CLUSTER MYID is used, or a generated id if that fails.
	ShardID string
	// BusPrefix namespaces the pub/sub channels of the cluster bus.
	BusPrefix string
	// AuxKey stores the engine's aux payload.
	AuxKey string
}

// Host is the go-redis implementation of host.Host.
type Host struct {
	client  *redis.Client
	shardID string
	busPref string
	auxKey  string
	db      int

	mu      sync.Mutex
	handler host.BusHandler
	pubsubs []*redis.PubSub
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, opts Options) (*Host, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	shardID := opts.ShardID
	if shardID == "" {
		if id, err := client.Do(ctx, "cluster", "myid").Text(); err == nil && id != "" {
			shardID = id
		} else {
			shardID = uuid.New().String()
		}
	}
	busPref := opts.BusPrefix
	if busPref == "" {
		busPref = "pulsar:bus"
	}
	auxKey := opts.AuxKey
	if auxKey == "" {
		auxKey = "pulsar:aux"
	}
	return &Host{
		client:  client,
		shardID: shardID,
		busPref: busPref,
		auxKey:  auxKey,
		db:      opts.DB,
	}, nil
}

// Client exposes the underlying client for embedders that need direct
// access.
func (h *Host) Client() *redis.Client { return h.client }

// Close releases the connection and every subscription.
func (h *Host) Close() error {
	h.mu.Lock()
	subs := h.pubsubs
	h.pubsubs = nil
	h.mu.Unlock()
	for _, ps := range subs {
		ps.Close()
	}
	return h.client.Close()
}

// --- Keys ---

type scanCursor struct {
	client  *redis.Client
	pattern string
	keyType string
	cursor  uint64
	started bool
}

func (c *scanCursor) Next(ctx context.Context) ([]string, bool, error) {
	if c.started && c.cursor == 0 {
		return nil, true, nil
	}
	c.started = true
	var keys []string
	var next uint64
	var err error
	if c.keyType != "" {
		keys, next, err = c.client.ScanType(ctx, c.cursor, c.pattern, 512, c.keyType).Result()
	} else {
		keys, next, err = c.client.Scan(ctx, c.cursor, c.pattern, 512).Result()
	}
	if err != nil {
		return nil, true, err
	}
	c.cursor = next
	return keys, next == 0, nil
}

func (h *Host) Scan(pattern string) host.ScanCursor {
	return &scanCursor{client: h.client, pattern: pattern}
}

func (h *Host) ScanType(pattern, keyType string) host.ScanCursor {
	return &scanCursor{client: h.client, pattern: pattern, keyType: keyType}
}

func (h *Host) ReadKey(ctx context.Context, key string) (*host.KeyData, error) {
	keyType, err := h.client.Type(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("type %q: %w", key, err)
	}
	kd := &host.KeyData{Key: key, Type: keyType}
	switch keyType {
	case "string":
		kd.Str, err = h.client.Get(ctx, key).Result()
	case "list":
		kd.List, err = h.client.LRange(ctx, key, 0, -1).Result()
	case "hash":
		kd.Hash, err = h.client.HGetAll(ctx, key).Result()
	case "set":
		kd.Set, err = h.client.SMembers(ctx, key).Result()
	case "none":
		return kd, nil
	}
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("read %q: %w", key, err)
	}
	return kd, nil
}

func (h *Host) Call(ctx context.Context, cmd string, args ...string) (interface{}, error) {
	argv := make([]interface{}, 0, len(args)+1)
	argv = append(argv, cmd)
	for _, a := range args {
		argv = append(argv, a)
	}
	return h.client.Do(ctx, argv...).Result()
}

// --- Streams ---

func (h *Host) EnsureGroup(ctx context.Context, stream, group, start string) error {
	err := h.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (h *Host) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]host.StreamMessage, error) {
	if block <= 0 {
		block = -1
	}
	streams, err := h.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []host.StreamMessage
	for _, s := range streams {
		for _, m := range s.Messages {
			values := make(map[string]string, len(m.Values))
			for k, v := range m.Values {
				values[k] = fmt.Sprint(v)
			}
			out = append(out, host.StreamMessage{ID: m.ID, Values: values})
		}
	}
	return out, nil
}

func (h *Host) Ack(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	return h.client.XAck(ctx, stream, group, ids...).Result()
}

func (h *Host) TrimMinID(ctx context.Context, stream, minID string) (int64, error) {
	return h.client.XTrimMinID(ctx, stream, minID).Result()
}

func (h *Host) Len(ctx context.Context, stream string) (int64, error) {
	return h.client.XLen(ctx, stream).Result()
}

// --- Bus ---

func (h *Host) shardChannel(shardID string) string {
	return h.busPref + ":" + shardID
}

func encodeBusFrame(from, msgType string, payload []byte) string {
	w := buffer.NewWriter(len(from) + len(msgType) + len(payload) + 12)
	w.WriteString(from)
	w.WriteString(msgType)
	w.WriteBytes(payload)
	return string(w.Bytes())
}

func decodeBusFrame(frame string) (from, msgType string, payload []byte, err error) {
	rd := buffer.NewReader([]byte(frame))
	if from, err = rd.ReadString(); err != nil {
		return
	}
	if msgType, err = rd.ReadString(); err != nil {
		return
	}
	payload, err = rd.ReadBytes()
	return
}

func (h *Host) Send(ctx context.Context, shardID, msgType string, payload []byte) error {
	frame := encodeBusFrame(h.shardID, msgType, payload)
	n, err := h.client.Publish(ctx, h.shardChannel(shardID), frame).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("shard %s is not listening", shardID)
	}
	return nil
}

func (h *Host) Broadcast(ctx context.Context, msgType string, payload []byte) error {
	frame := encodeBusFrame(h.shardID, msgType, payload)
	return h.client.Publish(ctx, h.busPref+":all", frame).Err()
}

func (h *Host) Subscribe(handler host.BusHandler) {
	h.mu.Lock()
	h.handler = handler
	h.mu.Unlock()

	ps := h.client.Subscribe(context.Background(), h.shardChannel(h.shardID), h.busPref+":all")
	h.mu.Lock()
	h.pubsubs = append(h.pubsubs, ps)
	h.mu.Unlock()

	go func() {
		for msg := range ps.Channel() {
			from, msgType, payload, err := decodeBusFrame(msg.Payload)
			if err != nil {
				logging.Op().Warn("bad bus frame", "error", err)
				continue
			}
			if from == h.shardID {
				continue
			}
			handler(from, msgType, payload)
		}
	}()
}

// --- Events ---

func (h *Host) SubscribeKeyspace(ctx context.Context, handler func(host.KeyspaceEvent)) error {
	pattern := fmt.Sprintf("__keyspace@%d__:*", h.db)
	ps := h.client.PSubscribe(ctx, pattern)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return err
	}
	h.mu.Lock()
	h.pubsubs = append(h.pubsubs, ps)
	h.mu.Unlock()

	prefix := fmt.Sprintf("__keyspace@%d__:", h.db)
	go func() {
		for msg := range ps.Channel() {
			key := strings.TrimPrefix(msg.Channel, prefix)
			handler(host.KeyspaceEvent{Event: msg.Payload, Key: key})
		}
	}()
	return nil
}

// --- Topology ---

func (h *Host) LocalID(ctx context.Context) (string, error) {
	return h.shardID, nil
}

func (h *Host) Shards(ctx context.Context) ([]host.ShardInfo, error) {
	slots, err := h.client.ClusterSlots(ctx).Result()
	if err != nil {
		// Not a cluster: the engine runs as a single shard.
		return []host.ShardInfo{{ID: h.shardID}}, nil
	}
	byID := make(map[string]*host.ShardInfo)
	for _, slot := range slots {
		if len(slot.Nodes) == 0 {
			continue
		}
		master := slot.Nodes[0]
		id := master.ID
		if id == "" {
			id = master.Addr
		}
		info, ok := byID[id]
		if !ok {
			info = &host.ShardInfo{ID: id, Addr: master.Addr}
			byID[id] = info
		}
		info.SlotRanges = append(info.SlotRanges, [2]int{int(slot.Start), int(slot.End)})
	}
	out := make([]host.ShardInfo, 0, len(byID))
	for _, info := range byID {
		out = append(out, *info)
	}
	return out, nil
}

// --- Aux persistence ---

func (h *Host) SaveAux(ctx context.Context, payload []byte) error {
	return h.client.Set(ctx, h.auxKey, payload, 0).Err()
}

func (h *Host) LoadAux(ctx context.Context) ([]byte, error) {
	data, err := h.client.Get(ctx, h.auxKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return data, err
}

// --- Runtime ---

func (h *Host) MemoryOK(ctx context.Context) bool {
	info, err := h.client.Info(ctx, "memory").Result()
	if err != nil {
		return true
	}
	var used, max int64
	for _, line := range strings.Split(info, "\r\n") {
		if v, ok := strings.CutPrefix(line, "used_memory:"); ok {
			used, _ = strconv.ParseInt(v, 10, 64)
		}
		if v, ok := strings.CutPrefix(line, "maxmemory:"); ok {
			max, _ = strconv.ParseInt(v, 10, 64)
		}
	}
	if max <= 0 {
		return true
	}
	return used < max
}
