// Package host defines the contracts Pulsar consumes from the key-value
// store it runs against: key scans and reads, stream groups, the cluster
// message bus, key-space event subscription, aux persistence, and topology.
// The engine is written against these interfaces only; redishost provides
// the production implementation.
package host

import (
	"context"
	"time"
)

// KeyData is a materialized snapshot of one key. Type follows the host's
// type names ("string", "list", "hash", "set", "stream", "none"); only the
// field matching Type is populated.
type KeyData struct {
	Key  string
	Type string
	Str  string
	List []string
	Hash map[string]string
	Set  []string
}

// ScanCursor is a lazy, finite, non-restartable enumeration of key names.
// The underlying cursor state is opaque to consumers.
type ScanCursor interface {
	// Next returns the next batch of keys. done is true once the cursor is
	// exhausted; keys may be non-empty on the final call.
	Next(ctx context.Context) (keys []string, done bool, err error)
}

// Keys exposes key-space access.
type Keys interface {
	// Scan enumerates keys matching pattern.
	Scan(pattern string) ScanCursor
	// ScanType enumerates keys of the given host type matching pattern.
	ScanType(pattern, keyType string) ScanCursor
	// ReadKey materializes one key. A missing key returns Type "none".
	ReadKey(ctx context.Context, key string) (*KeyData, error)
	// Call invokes an arbitrary host command, used by the command-hook layer
	// to forward intercepted commands.
	Call(ctx context.Context, cmd string, args ...string) (interface{}, error)
}

// StreamMessage is one entry read from a stream consumer group.
type StreamMessage struct {
	ID     string
	Values map[string]string
}

// Streams exposes stream consumer-group access.
type Streams interface {
	// EnsureGroup creates the consumer group at start if it does not exist.
	EnsureGroup(ctx context.Context, stream, group, start string) error
	// ReadGroup reads up to count pending-new messages for consumer.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error)
	// Ack acknowledges processed ids, returning the number newly acked.
	Ack(ctx context.Context, stream, group string, ids ...string) (int64, error)
	// TrimMinID drops entries below minID, returning the number removed.
	TrimMinID(ctx context.Context, stream, minID string) (int64, error)
	// Len returns the stream length.
	Len(ctx context.Context, stream string) (int64, error)
}

// BusHandler receives one point-to-point cluster message.
type BusHandler func(fromShard, msgType string, payload []byte)

// Bus is the host's cluster message transport. Delivery is at-most-once;
// senders retry per policy.
type Bus interface {
	// Send delivers a message to one shard.
	Send(ctx context.Context, shardID, msgType string, payload []byte) error
	// Broadcast delivers a message to every other shard.
	Broadcast(ctx context.Context, msgType string, payload []byte) error
	// Subscribe installs the single message dispatcher. Must be called
	// before any Send can be answered.
	Subscribe(handler BusHandler)
}

// KeyspaceEvent is one key-space notification.
type KeyspaceEvent struct {
	Event string
	Key   string
}

// Events exposes key-space event subscription.
type Events interface {
	SubscribeKeyspace(ctx context.Context, handler func(KeyspaceEvent)) error
}

// ShardInfo describes one cluster member and the slot ranges it owns.
type ShardInfo struct {
	ID         string
	Addr       string
	SlotRanges [][2]int
}

// Topology exposes cluster membership.
type Topology interface {
	LocalID(ctx context.Context) (string, error)
	Shards(ctx context.Context) ([]ShardInfo, error)
}

// AuxStore persists the engine's registration payload alongside the host's
// own snapshot, mirroring an RDB aux field.
type AuxStore interface {
	SaveAux(ctx context.Context, payload []byte) error
	LoadAux(ctx context.Context) ([]byte, error)
}

// Runtime exposes host runtime state consulted by guards.
type Runtime interface {
	// MemoryOK reports whether memory usage is below the host's maxmemory
	// ratio; the deny-oom guard refuses hooked commands when it is not.
	MemoryOK(ctx context.Context) bool
}

// Host aggregates every contract the engine consumes.
type Host interface {
	Keys
	Streams
	Bus
	Events
	Topology
	AuxStore
	Runtime
	Close() error
}
