// Package gossip implements the dissemination engine each peer runs:
// capped outbound generation, inbound content-hash deduplication, and
// forwarding of first-time receipts to neighbors. The generate/receive
// split and the guarded per-peer state mirror the teacher project's
// gossip.GossipManager, adapted from HTTP POST delivery to the raw TCP
// newline-JSON framing this protocol requires.
package gossip

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"gossipmesh/internal/eventlog"
	"gossipmesh/internal/identity"
	"gossipmesh/internal/wire"
)

// Interval is T_gossip from the base spec.
const Interval = 5 * time.Second

// MaxGossip is the hard per-origin generation cap (I3).
const MaxGossip = 10

// NeighborSet supplies the current neighbor list; the gossip engine never
// owns neighbor selection itself, so tests (and the peer node's overlay
// refresh) can swap it out independently.
type NeighborSet interface {
	Neighbors() []identity.ID
}

// Dialer opens a short-lived outbound connection for one forward.
type Dialer func(to identity.ID) (Conn, error)

// Conn is the minimal connection surface a forward needs.
type Conn interface {
	Write(p []byte) (int, error)
	SetDeadline(t time.Time) error
	Close() error
}

// Engine runs gossip generation and reception for one peer.
type Engine struct {
	self      identity.ID
	neighbors NeighborSet
	dial      Dialer
	log       *eventlog.Logger

	mu   sync.Mutex
	seen map[string]struct{}
	seq  int
}

// New creates a gossip Engine for peer self.
func New(self identity.ID, neighbors NeighborSet, dial Dialer, log *eventlog.Logger) *Engine {
	return &Engine{
		self:      self,
		neighbors: neighbors,
		dial:      dial,
		log:       log,
		seen:      make(map[string]struct{}),
	}
}

// Run drives the generation loop until ctx is cancelled. body is called
// once per tick to produce the payload for that generation's message;
// callers that have nothing application-specific to say may pass a
// function returning "".
func (e *Engine) Run(ctx context.Context, body func() string) {
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !e.generate(body()) {
				return // MAX_GOSSIP reached: generation stops permanently
			}
		}
	}
}

// generate emits one message if the per-peer cap has not been reached.
// Reports false once generation has permanently stopped.
func (e *Engine) generate(body string) bool {
	e.mu.Lock()
	if e.seq >= MaxGossip {
		e.mu.Unlock()
		return false
	}
	e.seq++
	seq := e.seq
	e.mu.Unlock()

	msgID := fmt.Sprintf("%d:%s:%d:%d", time.Now().UnixNano(), e.self.Host, e.self.Port, seq)
	hash := hashOf(msgID, body)

	e.mu.Lock()
	e.seen[hash] = struct{}{}
	e.mu.Unlock()

	e.forward(wire.Gossip{MsgID: msgID, Body: body, Hash: hash}, nil)
	return seq < MaxGossip
}

// Receive handles an inbound GOSSIP message. msg.From names the listening
// identity of whichever neighbor relayed this hop (set by the sender's
// own forward call), excluded from re-forwarding.
func (e *Engine) Receive(msg wire.Gossip) {
	if hashOf(msg.MsgID, msg.Body) != msg.Hash {
		e.log.Warnf("GOSSIP hash mismatch for %s, dropped", msg.MsgID)
		return
	}

	e.mu.Lock()
	_, dup := e.seen[msg.Hash]
	if !dup {
		e.seen[msg.Hash] = struct{}{}
	}
	e.mu.Unlock()

	if dup {
		return
	}

	e.log.Infof("Gossip received %s", msg.MsgID)
	sender := msg.From
	e.forward(msg, &sender)
}

// forward sends msg to every current neighbor except skip (nil means
// forward to all — used for self-generated messages). Failures to
// individual neighbors are logged and never block the rest. The From
// field is stamped with this peer's own identity on every outbound hop,
// so the next hop's receiver can correctly skip forwarding back to us.
func (e *Engine) forward(msg wire.Gossip, skip *identity.ID) {
	msg.From = e.self
	for _, n := range e.neighbors.Neighbors() {
		if skip != nil && n.Equal(*skip) {
			continue
		}
		go func(to identity.ID) {
			conn, err := e.dial(to)
			if err != nil {
				e.log.Warnf("gossip forward to %s failed to connect: %v", to, err)
				return
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(wire.IOTimeout))
			if err := wire.Encode(conn, wire.TypeGossip, msg); err != nil {
				e.log.Warnf("gossip forward to %s failed to send: %v", to, err)
			}
		}(n)
	}
}

func hashOf(msgID, body string) string {
	h := sha256.Sum256([]byte(msgID + body))
	return hex.EncodeToString(h[:])
}

// SeenCount reports how many distinct hashes have been observed, used by
// the observability surface.
func (e *Engine) SeenCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.seen)
}

// Seq reports how many messages this peer has generated so far.
func (e *Engine) Seq() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}
