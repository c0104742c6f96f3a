// Package cluster maintains a cached snapshot of the host cluster — shard
// ids, the local shard id, and the slot→shard map — and wraps the host bus
// with typed message dispatch and send retries. Routing decisions everywhere
// in the engine go through the View so that all shards agree on key
// placement for a given topology.
package cluster

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/oriys/pulsar/internal/host"
	"github.com/oriys/pulsar/internal/logging"
)

// View is the cached cluster snapshot. It is refreshed explicitly
// (refreshcluster, clusterset); reads on the hot routing path take the
// RWMutex read lock, so concurrent readers do not block each other.
type View struct {
	mu        sync.RWMutex
	localID   string
	shards    map[string]host.ShardInfo
	slots     []string
	clustered bool
}

// NewView returns a single-shard view with a generated local id. Until the
// first Refresh the engine behaves as a cluster of one.
func NewView() *View {
	return &View{
		localID: uuid.New().String(),
		shards:  make(map[string]host.ShardInfo),
	}
}

// Refresh rebuilds the snapshot from the host topology.
func (v *View) Refresh(ctx context.Context, topo host.Topology) error {
	localID, err := topo.LocalID(ctx)
	if err != nil {
		return fmt.Errorf("refresh cluster: local id: %w", err)
	}
	shards, err := topo.Shards(ctx)
	if err != nil {
		return fmt.Errorf("refresh cluster: shards: %w", err)
	}
	v.Apply(localID, shards)
	return nil
}

// Apply installs an explicit topology, as delivered by the admin clusterset
// commands or a topology refresh.
func (v *View) Apply(localID string, shards []host.ShardInfo) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.localID = localID
	v.shards = make(map[string]host.ShardInfo, len(shards))
	v.clustered = len(shards) > 1
	v.slots = nil
	if v.clustered {
		v.slots = make([]string, NumSlots)
	}
	for _, s := range shards {
		v.shards[s.ID] = s
		if !v.clustered {
			continue
		}
		for _, rng := range s.SlotRanges {
			for slot := rng[0]; slot <= rng[1] && slot < NumSlots; slot++ {
				v.slots[slot] = s.ID
			}
		}
	}
	logging.Op().Info("cluster view updated", "local", localID, "size", len(shards), "clustered", v.clustered)
}

// LocalID returns the local shard id.
func (v *View) LocalID() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.localID
}

// Size returns the number of shards; a non-clustered host counts as one.
func (v *View) Size() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if len(v.shards) == 0 {
		return 1
	}
	return len(v.shards)
}

// IsClustered reports whether more than one shard participates.
func (v *View) IsClustered() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.clustered
}

// ShardIDs returns all shard ids in stable order.
func (v *View) ShardIDs() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ids := make([]string, 0, len(v.shards))
	for id := range v.shards {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PeerIDs returns every shard id except the local one.
func (v *View) PeerIDs() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ids := make([]string, 0, len(v.shards))
	for id := range v.shards {
		if id != v.localID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Shards returns a copy of the shard table.
func (v *View) Shards() []host.ShardInfo {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]host.ShardInfo, 0, len(v.shards))
	for _, s := range v.shards {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ShardForSlot returns the owner of slot, or the local shard when the view
// is not clustered.
func (v *View) ShardForSlot(slot int) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.clustered || slot < 0 || slot >= len(v.slots) {
		return v.localID
	}
	if owner := v.slots[slot]; owner != "" {
		return owner
	}
	return v.localID
}

// ShardForKey routes a key through the slot map.
func (v *View) ShardForKey(key string) string {
	return v.ShardForSlot(KeySlot(key))
}
