// Package presence maintains best-effort online-identity state in the
// broker: a per-channel set of identities with at least one live socket,
// and a heartbeat registry of running replicas. Everything here is served
// through the resilient client, so a broker outage yields empty answers,
// never errors.
package presence

import (
	"context"
	"time"
)

// Store is the slice of the resilient broker client presence uses.
type Store interface {
	SAdd(ctx context.Context, key string, members ...string) int64
	SRem(ctx context.Context, key string, members ...string) int64
	SCard(ctx context.Context, key string) int64
	SMembers(ctx context.Context, key string) []string
}

const hookTimeout = 5 * time.Second

// Tracker mirrors one channel's connected identities into a broker set.
// Wire HandleConnect/HandleDisconnect into the channel manager's hooks.
type Tracker struct {
	store   Store
	channel string
}

func NewTracker(store Store, channel string) *Tracker {
	return &Tracker{store: store, channel: channel}
}

func (t *Tracker) key() string {
	return "presence:" + t.channel
}

// HandleConnect records identity as online when its first socket registers.
func (t *Tracker) HandleConnect(identity string, first bool) {
	if !first {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()
	t.store.SAdd(ctx, t.key(), identity)
}

// HandleDisconnect clears identity when its last socket drops.
func (t *Tracker) HandleDisconnect(identity string, last bool) {
	if !last {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()
	t.store.SRem(ctx, t.key(), identity)
}

// Online lists identities currently online across all replicas. Empty
// means "none or unknown"; correctness callers must hit the system of
// record.
func (t *Tracker) Online(ctx context.Context) []string {
	return t.store.SMembers(ctx, t.key())
}

// Count returns the online-identity cardinality across all replicas.
func (t *Tracker) Count(ctx context.Context) int64 {
	return t.store.SCard(ctx, t.key())
}
