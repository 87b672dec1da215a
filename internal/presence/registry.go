package presence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	registryKey  = "replicas"
	staleAfter   = 60 * time.Second
	registryOpTO = 5 * time.Second
)

// HashStore is the hash slice of the resilient broker client.
type HashStore interface {
	HSet(ctx context.Context, key, field, value string) bool
	HGetAll(ctx context.Context, key string) map[string]string
	HDel(ctx context.Context, key string, fields ...string) int64
}

// ReplicaInfo holds one replica's heartbeat record.
type ReplicaInfo struct {
	ReplicaID string `json:"replica_id"`
	Timestamp int64  `json:"timestamp"`
	Version   string `json:"version"`
}

// ReplicaRegistry tracks running replicas in a shared broker hash.
// Replicas share no memory; a replica without a heartbeat for more than
// a minute is considered gone.
type ReplicaRegistry struct {
	store     HashStore
	clock     clockwork.Clock
	replicaID string
	heartbeat time.Duration
	version   string
}

func NewReplicaRegistry(store HashStore, clock clockwork.Clock, replicaID string, heartbeat time.Duration, version string) *ReplicaRegistry {
	return &ReplicaRegistry{
		store:     store,
		clock:     clock,
		replicaID: replicaID,
		heartbeat: heartbeat,
		version:   version,
	}
}

// Start registers immediately, then heartbeats until ctx is cancelled,
// unregistering on the way out.
func (r *ReplicaRegistry) Start(ctx context.Context) {
	r.register(ctx)

	ticker := r.clock.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.register(ctx)
		case <-ctx.Done():
			r.unregister()
			return
		}
	}
}

func (r *ReplicaRegistry) register(ctx context.Context) {
	info := ReplicaInfo{
		ReplicaID: r.replicaID,
		Timestamp: r.clock.Now().Unix(),
		Version:   r.version,
	}
	data, err := json.Marshal(info)
	if err != nil {
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, registryOpTO)
	defer cancel()
	r.store.HSet(opCtx, registryKey, r.replicaID, string(data))
}

func (r *ReplicaRegistry) unregister() {
	ctx, cancel := context.WithTimeout(context.Background(), registryOpTO)
	defer cancel()
	r.store.HDel(ctx, registryKey, r.replicaID)
}

// Active lists replicas with a heartbeat inside the staleness window.
func (r *ReplicaRegistry) Active(ctx context.Context) []ReplicaInfo {
	records := r.store.HGetAll(ctx, registryKey)
	now := r.clock.Now().Unix()

	active := make([]ReplicaInfo, 0, len(records))
	for _, data := range records {
		var info ReplicaInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			continue
		}
		if now-info.Timestamp < int64(staleAfter/time.Second) {
			active = append(active, info)
		}
	}
	return active
}
