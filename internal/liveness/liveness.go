// Package liveness implements the failure-detection pipeline each peer
// runs against its neighbors: periodic PING/PONG probes, a miss counter
// per neighbor, peer-level consensus once a neighbor is suspected, and a
// DEAD_NODE_REPORT to every seed once suspicion is confirmed. The
// probe/miss-counter/indirect-confirmation shape is adapted from the
// teacher project's gossip probe pipeline (internal/gossip/probe.go) and
// its replication health monitor (internal/replication/replicator.go),
// restructured around raw TCP PING/PONG instead of HTTP status polling.
package liveness

import (
	"context"
	"sync"
	"time"

	"gossipmesh/internal/eventlog"
	"gossipmesh/internal/identity"
	"gossipmesh/internal/rng"
	"gossipmesh/internal/wire"
)

// Tuning constants from base spec §4.7.
const (
	ProbeInterval = 5 * time.Second
	ProbeTimeout  = 2 * time.Second
	MissThreshold = 3
)

// jitterFrac bounds the per-round random offset applied to ProbeInterval
// (see SPEC_FULL.md §9's "any jitter in periodic workers need a seedable
// RNG" note), so that probe rounds across a converged cluster's many
// peers don't stay permanently lock-step with each other.
const jitterFrac = 0.2

// Dialer opens a short-lived connection for a probe, a suspect query, or
// a dead-node report.
type Dialer func(to identity.ID) (Conn, error)

// Conn is the minimal connection surface liveness needs.
type Conn interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	SetDeadline(t time.Time) error
	Close() error
}

// NeighborSet supplies the current neighbor list, shared with the gossip
// engine's view of the overlay.
type NeighborSet interface {
	Neighbors() []identity.ID
}

// SuspicionPolicy decides peer-quorum authority when too few neighbors
// exist to query, per SPEC_FULL.md's resolution of the base spec's open
// question. See DESIGN.md "Suspicion with few neighbors".
type SuspicionPolicy int

const (
	// RequireMajority always computes floor(m/2)+1 over self plus
	// however many neighbors answered, even if that is zero others —
	// meaning a peer with no other neighbors can self-confirm.
	RequireMajority SuspicionPolicy = iota
)

// suspectRecord tracks one neighbor under suspicion.
type suspectRecord struct {
	subject        identity.ID
	firstSuspected time.Time
	responses      map[identity.ID]wire.Verdict
}

// Detector runs the liveness pipeline for one peer.
type Detector struct {
	self      identity.ID
	neighbors NeighborSet
	dial      Dialer
	log       *eventlog.Logger
	rng       *rng.Source
	onConfirmed func(subject identity.ID)

	mu       sync.Mutex
	misses   map[identity.ID]int
	suspects map[identity.ID]*suspectRecord
	lastGood map[identity.ID]time.Time // last PONG or gossip receipt, for SUSPECT_RESPONSE verdicts
}

// New creates a Detector for peer self. onConfirmed is invoked (from a
// detector-owned goroutine) once a neighbor's death is confirmed by
// peer-level consensus; the peer node wires this to send
// DEAD_NODE_REPORT to every seed. source drives the per-round jitter
// applied to the probe interval by Run; pass the peer's shared
// rng.Source so probe timing stays reproducible under the same seed.
func New(self identity.ID, neighbors NeighborSet, dial Dialer, log *eventlog.Logger, source *rng.Source, onConfirmed func(identity.ID)) *Detector {
	return &Detector{
		self:        self,
		neighbors:   neighbors,
		dial:        dial,
		log:         log,
		rng:         source,
		onConfirmed: onConfirmed,
		misses:      make(map[identity.ID]int),
		suspects:    make(map[identity.ID]*suspectRecord),
		lastGood:    make(map[identity.ID]time.Time),
	}
}

// NoteGossipReceipt records evidence that subject is alive, used to
// answer SUSPECT_QUERY truthfully even when this peer has not probed
// subject directly recently.
func (d *Detector) NoteGossipReceipt(subject identity.ID) {
	d.mu.Lock()
	d.lastGood[subject] = time.Now()
	d.mu.Unlock()
}

// Run drives the probe loop until ctx is cancelled. Each round's wait is
// ProbeInterval plus a jittered offset from d.rng, so that many peers
// started at the same moment don't keep probing in lock-step forever.
func (d *Detector) Run(ctx context.Context) {
	timer := time.NewTimer(d.nextInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			d.probeRound()
			timer.Reset(d.nextInterval())
		}
	}
}

func (d *Detector) nextInterval() time.Duration {
	if d.rng == nil {
		return ProbeInterval
	}
	return d.rng.Jitter(ProbeInterval, jitterFrac)
}

func (d *Detector) probeRound() {
	for _, n := range d.neighbors.Neighbors() {
		go d.probe(n)
	}
}

// probe sends one PING to n and applies the result to its miss counter.
// Individual pings are never logged, per base spec §4.7.
func (d *Detector) probe(n identity.ID) {
	ok := d.ping(n)

	d.mu.Lock()
	if ok {
		d.misses[n] = 0
		d.lastGood[n] = time.Now()
		d.mu.Unlock()
		return
	}
	d.misses[n]++
	miss := d.misses[n]
	d.mu.Unlock()

	if miss >= MissThreshold {
		d.suspect(n)
	}
}

func (d *Detector) ping(n identity.ID) bool {
	conn, err := d.dial(n)
	if err != nil {
		return false
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(ProbeTimeout))
	if err := wire.Encode(conn, wire.TypePing, wire.Ping{}); err != nil {
		return false
	}

	dec := wire.NewDecoder(conn)
	env, parseErr, err := dec.Next()
	if err != nil || parseErr != nil || env == nil || env.Type != wire.TypePong {
		return false
	}
	return true
}

// suspect starts peer-level consensus on n, per base spec §4.7.
func (d *Detector) suspect(n identity.ID) {
	d.mu.Lock()
	if _, exists := d.suspects[n]; exists {
		d.mu.Unlock()
		return
	}
	rec := &suspectRecord{subject: n, firstSuspected: time.Now(), responses: make(map[identity.ID]wire.Verdict)}
	d.suspects[n] = rec
	d.mu.Unlock()

	d.log.Infof("suspicion started for %s", n)

	others := make([]identity.ID, 0)
	for _, peer := range d.neighbors.Neighbors() {
		if !peer.Equal(n) {
			others = append(others, peer)
		}
	}

	type resp struct {
		from    identity.ID
		verdict wire.Verdict
	}
	results := make(chan resp, len(others))
	for _, o := range others {
		go func(to identity.ID) {
			v, ok := d.querySuspect(to, n)
			if ok {
				results <- resp{from: to, verdict: v}
			} else {
				results <- resp{from: to, verdict: wire.VerdictUnknown}
			}
		}(o)
	}

	timeout := time.After(ProbeTimeout * 2)
	received := 0
	for received < len(others) {
		select {
		case r := <-results:
			received++
			if r.verdict != wire.VerdictUnknown {
				d.log.Infof("suspect response for %s from %s: %s", n, r.from, r.verdict)
			}
			d.mu.Lock()
			rec.responses[r.from] = r.verdict
			d.mu.Unlock()
		case <-timeout:
			received = len(others) // stop waiting, tally what we have
		}
	}

	d.tally(rec)
}

// querySuspect asks to about n's status and returns its verdict.
func (d *Detector) querySuspect(to, subject identity.ID) (wire.Verdict, bool) {
	conn, err := d.dial(to)
	if err != nil {
		return "", false
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(ProbeTimeout))
	if err := wire.Encode(conn, wire.TypeSuspectQuery, wire.SuspectQuery{Subject: subject}); err != nil {
		return "", false
	}

	dec := wire.NewDecoder(conn)
	env, parseErr, err := dec.Next()
	if err != nil || parseErr != nil || env == nil || env.Type != wire.TypeSuspectResponse {
		return "", false
	}
	var sr wire.SuspectResponse
	if err := unmarshal(env.Raw, &sr); err != nil {
		return "", false
	}
	return sr.Verdict, true
}

// AnswerSuspectQuery implements the verdict side of SUSPECT_QUERY: ALIVE
// if we have recent direct evidence (a PONG or gossip receipt), DEAD if
// we have also accumulated consecutive failures against the subject,
// UNKNOWN otherwise.
func (d *Detector) AnswerSuspectQuery(subject identity.ID) wire.Verdict {
	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.lastGood[subject]; ok && time.Since(last) < ProbeInterval*3 {
		return wire.VerdictAlive
	}
	if d.misses[subject] >= MissThreshold {
		return wire.VerdictDead
	}
	return wire.VerdictUnknown
}

// tally applies base spec §4.7 step 3: m = non-UNKNOWN responses + self
// (self always counts as DEAD, since self is the one suspecting).
// Confirmed if DEAD_count > floor(m/2).
func (d *Detector) tally(rec *suspectRecord) {
	d.mu.Lock()
	deadCount := 1 // self
	m := 1
	for _, v := range rec.responses {
		if v == wire.VerdictUnknown {
			continue
		}
		m++
		if v == wire.VerdictDead {
			deadCount++
		}
	}
	delete(d.suspects, rec.subject)
	d.mu.Unlock()

	confirmed := deadCount > m/2
	if !confirmed {
		d.mu.Lock()
		d.misses[rec.subject] = 0
		d.mu.Unlock()
		return
	}

	d.log.Infof("CONFIRMED REMOVAL %s", rec.subject)
	if d.onConfirmed != nil {
		d.onConfirmed(rec.subject)
	}
}
