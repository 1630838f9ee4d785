package seedsync

import (
	"context"
	"time"

	"gossipmesh/internal/consensus"
	"gossipmesh/internal/eventlog"
	"gossipmesh/internal/identity"
	"gossipmesh/internal/membership"
	"gossipmesh/internal/seeddir"
	"gossipmesh/internal/wire"
)

// Interval is T_sync from the base spec.
const Interval = 10 * time.Second

// Loop periodically exchanges SYNC_MEMBERSHIP with every other seed,
// unioning in any committed member it learns about that it is missing.
// It never removes a member and only admits members named in a sender's
// SYNC_MEMBERSHIP list. The digest short-circuit described in
// SPEC_FULL.md admits nothing — a digest match only skips redundant work,
// it is never itself a source of truth.
type Loop struct {
	self  identity.ID
	dir   *seeddir.Directory
	store *membership.Store
	log   *eventlog.Logger
	dial  consensus.Dialer
}

// New creates a sync Loop for seed self.
func New(self identity.ID, dir *seeddir.Directory, store *membership.Store, log *eventlog.Logger, dial consensus.Dialer) *Loop {
	return &Loop{self: self, dir: dir, store: store, log: log, dial: dial}
}

// Run blocks, ticking every Interval until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick()
		}
	}
}

func (l *Loop) tick() {
	members := l.store.List()
	digest := Build(members)
	for _, seed := range l.dir.Others(l.self) {
		go l.syncWith(seed, members, digest)
	}
}

func (l *Loop) syncWith(seed identity.ID, members []identity.ID, digest Digest) {
	conn, err := l.dial(seed)
	if err != nil {
		l.log.Warnf("SYNC_MEMBERSHIP to %s failed to connect: %v", seed, err)
		return
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(wire.IOTimeout))
	err = wire.Encode(conn, wire.TypeSyncMembership, wire.SyncMembership{
		Members:    members,
		DigestRoot: digest.Root,
	})
	if err != nil {
		l.log.Warnf("SYNC_MEMBERSHIP to %s failed to send: %v", seed, err)
	}
}

// HandleIncoming processes a SYNC_MEMBERSHIP received from another seed
// on the seed-facing listener: if the sender's digest matches our own,
// the exchange is a no-op; otherwise we union in any member the sender
// has committed that we are missing.
func (l *Loop) HandleIncoming(msg wire.SyncMembership) {
	ours := Build(l.store.List())
	if msg.DigestRoot != "" && ours.Root == msg.DigestRoot {
		l.log.Infof("SYNC SKIPPED (digest match)")
		return
	}
	added := l.store.Union(msg.Members)
	if len(added) > 0 {
		l.log.Infof("SYNC_MEMBERSHIP reconciled %d member(s): %v", len(added), added)
	}
}
