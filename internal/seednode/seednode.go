// Package seednode wires together the membership store, the consensus
// coordinator, and the sync loop behind a seed's two TCP listeners: the
// peer-facing listener (REGISTER_REQUEST, DEAD_NODE_REPORT,
// GET_PEER_LIST) and the seed-facing listener (PROPOSE_*, REMOVAL_NOTIFY,
// SYNC_MEMBERSHIP). It is the control-plane half of one node process.
package seednode

import (
	"context"
	"encoding/json"
	"net"

	"gossipmesh/internal/consensus"
	"gossipmesh/internal/eventlog"
	"gossipmesh/internal/identity"
	"gossipmesh/internal/membership"
	"gossipmesh/internal/seeddir"
	"gossipmesh/internal/seedsync"
	"gossipmesh/internal/wire"
)

// Node is one seed's control-plane state.
type Node struct {
	Self  identity.ID
	Dir   *seeddir.Directory
	Store *membership.Store
	Coord *consensus.Coordinator
	Sync  *seedsync.Loop
	Log   *eventlog.Logger
}

// New builds a fully-wired seed Node. dial is the outgoing connection
// factory shared by the coordinator and the sync loop (normally
// wire.Dial against id.String()).
func New(self identity.ID, dir *seeddir.Directory, log *eventlog.Logger, dial consensus.Dialer) *Node {
	store := membership.New()
	coord := consensus.New(self, dir, store, log, dial)
	sync := seedsync.New(self, dir, store, log, dial)
	return &Node{Self: self, Dir: dir, Store: store, Coord: coord, Sync: sync, Log: log}
}

// Run starts the sync loop and blocks until ctx is cancelled.
func (n *Node) Run(ctx context.Context) {
	n.Sync.Run(ctx)
}

// Status reports a snapshot of this seed's control-plane state, used by
// the observability surface.
func (n *Node) Status() map[string]interface{} {
	return map[string]interface{}{
		"role":        "seed",
		"self":        n.Self.String(),
		"n_seeds":     n.Dir.Count(),
		"quorum":      n.Dir.Quorum(),
		"member_count": n.Store.Len(),
	}
}

// Members reports the committed membership set, used by the
// observability surface.
func (n *Node) Members() []identity.ID {
	return n.Store.List()
}

// ServePeerFacing accepts connections on ln, handling REGISTER_REQUEST,
// DEAD_NODE_REPORT, and GET_PEER_LIST until ctx is cancelled.
func (n *Node) ServePeerFacing(ctx context.Context, ln net.Listener) {
	serve(ctx, ln, n.handlePeerConn)
}

// ServeSeedFacing accepts connections on ln, handling PROPOSE_REGISTER,
// PROPOSE_REMOVE, REMOVAL_NOTIFY, and SYNC_MEMBERSHIP until ctx is
// cancelled.
func (n *Node) ServeSeedFacing(ctx context.Context, ln net.Listener) {
	serve(ctx, ln, n.handleSeedConn)
}

func serve(ctx context.Context, ln net.Listener, handle func(net.Conn)) {
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
		go handle(conn)
	}
}

func (n *Node) handlePeerConn(conn net.Conn) {
	defer conn.Close()
	dec := wire.NewDecoder(conn)
	for {
		wire.ReadDeadline(conn)
		env, parseErr, err := dec.Next()
		if err != nil {
			return
		}
		if parseErr != nil {
			n.Log.Warnf("malformed message on peer-facing listener: %v", parseErr)
			continue
		}
		if env == nil {
			continue
		}
		switch env.Type {
		case wire.TypeRegisterRequest:
			n.handleRegisterRequest(conn, env.Raw)
		case wire.TypeDeadNodeReport:
			n.handleDeadNodeReport(env.Raw)
		case wire.TypeGetPeerList:
			n.handleGetPeerList(conn)
		default:
			// Unknown type: ignore per base spec §4.1.
		}
	}
}

func (n *Node) handleRegisterRequest(conn net.Conn, raw json.RawMessage) {
	var req wire.RegisterRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		n.Log.Warnf("malformed REGISTER_REQUEST: %v", err)
		return
	}
	committed := n.Coord.Register(req.Peer)
	wire.WriteDeadline(conn)
	if committed {
		wire.Encode(conn, wire.TypeRegisterAck, wire.RegisterAck{})
	} else {
		wire.Encode(conn, wire.TypeRegisterNack, wire.RegisterNack{Reason: "quorum not reached"})
	}
}

func (n *Node) handleDeadNodeReport(raw json.RawMessage) {
	var rep wire.DeadNodeReport
	if err := json.Unmarshal(raw, &rep); err != nil {
		n.Log.Warnf("malformed DEAD_NODE_REPORT: %v", err)
		return
	}
	n.Coord.Remove(rep.Subject, rep.Reporter)
}

func (n *Node) handleGetPeerList(conn net.Conn) {
	wire.WriteDeadline(conn)
	wire.Encode(conn, wire.TypePeerList, wire.PeerList{Members: n.Store.List()})
}

func (n *Node) handleSeedConn(conn net.Conn) {
	defer conn.Close()
	dec := wire.NewDecoder(conn)
	for {
		wire.ReadDeadline(conn)
		env, parseErr, err := dec.Next()
		if err != nil {
			return
		}
		if parseErr != nil {
			n.Log.Warnf("malformed message on seed-facing listener: %v", parseErr)
			continue
		}
		if env == nil {
			continue
		}
		switch env.Type {
		case wire.TypeProposeRegister:
			n.handlePropose(conn, env.Raw, consensus.Register)
		case wire.TypeProposeRemove:
			n.handlePropose(conn, env.Raw, consensus.Remove)
		case wire.TypeRemovalNotify:
			n.handleRemovalNotify(env.Raw)
		case wire.TypeSyncMembership:
			n.handleSyncMembership(env.Raw)
		default:
			// Unknown type: ignore per base spec §4.1.
		}
	}
}

func (n *Node) handlePropose(conn net.Conn, raw json.RawMessage, kind consensus.Kind) {
	var proposalID string
	var subject identity.ID
	switch kind {
	case consensus.Register:
		var m wire.ProposeRegister
		if err := json.Unmarshal(raw, &m); err != nil {
			n.Log.Warnf("malformed PROPOSE_REGISTER: %v", err)
			return
		}
		proposalID, subject = m.ProposalID, m.Peer
	case consensus.Remove:
		var m wire.ProposeRemove
		if err := json.Unmarshal(raw, &m); err != nil {
			n.Log.Warnf("malformed PROPOSE_REMOVE: %v", err)
			return
		}
		proposalID, subject = m.ProposalID, m.Peer
	}

	vote := n.Coord.Vote(kind, subject)
	wire.WriteDeadline(conn)
	wire.Encode(conn, wire.TypeVote, wire.VoteMsg{ProposalID: proposalID, Vote: vote, Voter: n.Self})
}

func (n *Node) handleRemovalNotify(raw json.RawMessage) {
	var m wire.RemovalNotify
	if err := json.Unmarshal(raw, &m); err != nil {
		n.Log.Warnf("malformed REMOVAL_NOTIFY: %v", err)
		return
	}
	n.Coord.ApplyRemovalNotify(m.Peer)
}

func (n *Node) handleSyncMembership(raw json.RawMessage) {
	var m wire.SyncMembership
	if err := json.Unmarshal(raw, &m); err != nil {
		n.Log.Warnf("malformed SYNC_MEMBERSHIP: %v", err)
		return
	}
	n.Sync.HandleIncoming(m)
}
