// Package peernode wires together the overlay builder, the gossip
// engine, and the liveness detector behind a peer's single combined TCP
// listener, and handles registration with (and peer-list refresh from)
// the seed cluster. It is the data-plane half of one node process.
package peernode

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"gossipmesh/internal/eventlog"
	"gossipmesh/internal/gossip"
	"gossipmesh/internal/identity"
	"gossipmesh/internal/liveness"
	"gossipmesh/internal/overlay"
	"gossipmesh/internal/rng"
	"gossipmesh/internal/seeddir"
	"gossipmesh/internal/wire"
)

// Node is one peer's data-plane state.
type Node struct {
	Self identity.ID
	Dir  *seeddir.Directory
	Log  *eventlog.Logger
	dial func(to identity.ID) (net.Conn, error)
	rng  *rng.Source

	mu        sync.RWMutex
	peerList  []identity.ID
	neighbors []identity.ID

	Gossip   *gossip.Engine
	Liveness *liveness.Detector
}

// New builds a peer Node. dial is the outgoing connection factory shared
// by registration, peer-list refresh, gossip forwarding, and liveness
// probing (normally wire.Dial against id.String()).
func New(self identity.ID, dir *seeddir.Directory, log *eventlog.Logger, dial func(identity.ID) (net.Conn, error), seed *rng.Source) *Node {
	n := &Node{Self: self, Dir: dir, Log: log, dial: dial, rng: seed}
	n.Gossip = gossip.New(self, n, adaptGossipDial(dial), log)
	n.Liveness = liveness.New(self, n, adaptLivenessDial(dial), log, seed, n.reportDead)
	return n
}

func adaptGossipDial(dial func(identity.ID) (net.Conn, error)) gossip.Dialer {
	return func(to identity.ID) (gossip.Conn, error) { return dial(to) }
}

func adaptLivenessDial(dial func(identity.ID) (net.Conn, error)) liveness.Dialer {
	return func(to identity.ID) (liveness.Conn, error) { return dial(to) }
}

// Neighbors implements gossip.NeighborSet and liveness.NeighborSet.
func (n *Node) Neighbors() []identity.ID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]identity.ID(nil), n.neighbors...)
}

// PeerListSize reports the size of the last-pulled authoritative peer
// list (excluding self), used by the observability surface.
func (n *Node) PeerListSize() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peerList)
}

// Status reports a snapshot of this peer's data-plane state, used by the
// observability surface.
func (n *Node) Status() map[string]interface{} {
	return map[string]interface{}{
		"role":            "peer",
		"self":            n.Self.String(),
		"peer_list_size":  n.PeerListSize(),
		"neighbor_count":  len(n.Neighbors()),
		"gossip_seen":     n.Gossip.SeenCount(),
		"gossip_seq":      n.Gossip.Seq(),
	}
}

// Members reports this peer's current neighbor set, used by the
// observability surface.
func (n *Node) Members() []identity.ID {
	return n.Neighbors()
}

// Register sends REGISTER_REQUEST to seed and waits for REGISTER_ACK.
func (n *Node) Register(seed identity.ID) error {
	conn, err := n.dial(seed)
	if err != nil {
		return fmt.Errorf("register: dial %s: %w", seed, err)
	}
	defer conn.Close()

	wire.WriteDeadline(conn)
	if err := wire.Encode(conn, wire.TypeRegisterRequest, wire.RegisterRequest{Peer: n.Self}); err != nil {
		return fmt.Errorf("register: send: %w", err)
	}

	wire.ReadDeadline(conn)
	dec := wire.NewDecoder(conn)
	env, parseErr, err := dec.Next()
	if err != nil {
		return fmt.Errorf("register: read: %w", err)
	}
	if parseErr != nil {
		return fmt.Errorf("register: malformed reply: %w", parseErr)
	}
	switch env.Type {
	case wire.TypeRegisterAck:
		n.Log.Infof("registered with seed %s", seed)
		return nil
	case wire.TypeRegisterNack:
		var nack wire.RegisterNack
		json.Unmarshal(env.Raw, &nack)
		return fmt.Errorf("register: rejected: %s", nack.Reason)
	default:
		return fmt.Errorf("register: unexpected reply type %s", env.Type)
	}
}

// RefreshPeerList pulls the authoritative peer list from seed and
// rebuilds the neighbor set from it. Called at startup and whenever a
// REMOVAL_NOTIFY arrives, per base spec §3's refresh-cadence requirement.
func (n *Node) RefreshPeerList(seed identity.ID) error {
	conn, err := n.dial(seed)
	if err != nil {
		return fmt.Errorf("refresh: dial %s: %w", seed, err)
	}
	defer conn.Close()

	wire.WriteDeadline(conn)
	if err := wire.Encode(conn, wire.TypeGetPeerList, wire.GetPeerList{}); err != nil {
		return fmt.Errorf("refresh: send: %w", err)
	}

	wire.ReadDeadline(conn)
	dec := wire.NewDecoder(conn)
	env, parseErr, err := dec.Next()
	if err != nil {
		return fmt.Errorf("refresh: read: %w", err)
	}
	if parseErr != nil || env.Type != wire.TypePeerList {
		return fmt.Errorf("refresh: unexpected reply")
	}
	var pl wire.PeerList
	if err := json.Unmarshal(env.Raw, &pl); err != nil {
		return fmt.Errorf("refresh: decode: %w", err)
	}

	peers := make([]identity.ID, 0, len(pl.Members))
	for _, m := range pl.Members {
		if !m.Equal(n.Self) {
			peers = append(peers, m)
		}
	}

	neighbors := overlay.Build(peers, n.rng)

	n.mu.Lock()
	n.peerList = peers
	n.neighbors = neighbors
	n.mu.Unlock()

	n.Log.Infof("peer list refreshed: %d peers, %d neighbors", len(peers), len(neighbors))
	return nil
}

// reportDead sends DEAD_NODE_REPORT for subject to every seed, with the
// canonical body string from base spec §4.7.
func (n *Node) reportDead(subject identity.ID) {
	ts := time.Now().Unix()
	body := fmt.Sprintf("Dead Node:%s:%d:%d:%s", subject.Host, subject.Port, ts, n.Self.Host)
	report := wire.DeadNodeReport{Subject: subject, Reporter: n.Self, Timestamp: ts, Body: body}

	for _, seed := range n.Dir.Seeds() {
		go func(to identity.ID) {
			conn, err := n.dial(to)
			if err != nil {
				n.Log.Warnf("DEAD_NODE_REPORT to %s failed: %v", to, err)
				return
			}
			defer conn.Close()
			wire.WriteDeadline(conn)
			if err := wire.Encode(conn, wire.TypeDeadNodeReport, report); err != nil {
				n.Log.Warnf("DEAD_NODE_REPORT to %s failed: %v", to, err)
			}
		}(seed)
	}
}

// RunGossip drives the gossip generation loop until ctx is cancelled.
func (n *Node) RunGossip(ctx context.Context, body func() string) {
	n.Gossip.Run(ctx, body)
}

// RunLiveness drives the liveness probe loop until ctx is cancelled.
func (n *Node) RunLiveness(ctx context.Context) {
	n.Liveness.Run(ctx)
}

// Serve accepts connections on ln, dispatching GOSSIP, PING,
// SUSPECT_QUERY, and REMOVAL_NOTIFY until ctx is cancelled.
func (n *Node) Serve(ctx context.Context, ln net.Listener) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}
		go n.handleConn(conn)
	}
}

func (n *Node) handleConn(conn net.Conn) {
	defer conn.Close()
	dec := wire.NewDecoder(conn)
	for {
		wire.ReadDeadline(conn)
		env, parseErr, err := dec.Next()
		if err != nil {
			return
		}
		if parseErr != nil {
			n.Log.Warnf("malformed message on peer listener: %v", parseErr)
			continue
		}
		if env == nil {
			continue
		}
		switch env.Type {
		case wire.TypeGossip:
			n.handleGossip(conn, env.Raw)
		case wire.TypePing:
			n.handlePing(conn)
		case wire.TypeSuspectQuery:
			n.handleSuspectQuery(conn, env.Raw)
		case wire.TypeRemovalNotify:
			n.handleRemovalNotify(env.Raw)
		default:
			// Unknown type: ignore per base spec §4.1.
		}
	}
}

func (n *Node) handleGossip(conn net.Conn, raw json.RawMessage) {
	var g wire.Gossip
	if err := json.Unmarshal(raw, &g); err != nil {
		n.Log.Warnf("malformed GOSSIP: %v", err)
		return
	}
	if g.From != (identity.ID{}) {
		n.Liveness.NoteGossipReceipt(g.From)
	}
	n.Gossip.Receive(g)
}

func (n *Node) handlePing(conn net.Conn) {
	wire.WriteDeadline(conn)
	wire.Encode(conn, wire.TypePong, wire.Pong{})
}

func (n *Node) handleSuspectQuery(conn net.Conn, raw json.RawMessage) {
	var q wire.SuspectQuery
	if err := json.Unmarshal(raw, &q); err != nil {
		n.Log.Warnf("malformed SUSPECT_QUERY: %v", err)
		return
	}
	verdict := n.Liveness.AnswerSuspectQuery(q.Subject)
	wire.WriteDeadline(conn)
	wire.Encode(conn, wire.TypeSuspectResponse, wire.SuspectResponse{Subject: q.Subject, Verdict: verdict})
}

func (n *Node) handleRemovalNotify(raw json.RawMessage) {
	var m wire.RemovalNotify
	if err := json.Unmarshal(raw, &m); err != nil {
		n.Log.Warnf("malformed REMOVAL_NOTIFY: %v", err)
		return
	}
	n.Log.Infof("REMOVAL_NOTIFY received for %s, triggering peer-list refresh", m.Peer)
	go func() {
		for _, seed := range n.Dir.Seeds() {
			if err := n.RefreshPeerList(seed); err == nil {
				return
			}
		}
	}()
}
