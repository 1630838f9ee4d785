package consensus

import (
	"net"
	"strings"
	"testing"
	"time"

	"gossipmesh/internal/eventlog"
	"gossipmesh/internal/identity"
	"gossipmesh/internal/membership"
	"gossipmesh/internal/seeddir"
	"gossipmesh/internal/wire"
)

func testDirectory(t *testing.T) *seeddir.Directory {
	t.Helper()
	dir, err := seeddir.Load(strings.NewReader("127.0.0.1:6000\n127.0.0.1:6001\n127.0.0.1:6002\n"))
	if err != nil {
		t.Fatalf("seeddir.Load: %v", err)
	}
	return dir
}

// pipeDialer hands out one end of an in-memory net.Pipe per seed and
// drives a scripted voter on the other end, replying with the given vote
// to whatever Propose* message arrives.
type pipeDialer struct {
	votes map[identity.ID]wire.Vote
	slow  map[identity.ID]bool // never replies, to exercise the deadline path
}

func (p *pipeDialer) dial(to identity.ID) (Conn, error) {
	client, server := net.Pipe()
	go p.serve(server, to)
	return client, nil
}

func (p *pipeDialer) serve(server net.Conn, voter identity.ID) {
	defer server.Close()
	dec := wire.NewDecoder(server)
	env, parseErr, err := dec.Next()
	if err != nil || parseErr != nil || env == nil {
		return
	}
	if p.slow[voter] {
		time.Sleep(time.Hour) // caller's deadline will close the pipe first
		return
	}
	var proposalID string
	switch env.Type {
	case wire.TypeProposeRegister:
		var m wire.ProposeRegister
		_ = unmarshal(env.Raw, &m)
		proposalID = m.ProposalID
	case wire.TypeProposeRemove:
		var m wire.ProposeRemove
		_ = unmarshal(env.Raw, &m)
		proposalID = m.ProposalID
	default:
		return
	}
	server.SetWriteDeadline(time.Now().Add(time.Second))
	wire.Encode(server, wire.TypeVote, wire.VoteMsg{ProposalID: proposalID, Vote: p.votes[voter], Voter: voter})
}

func TestRegisterCommitsOnQuorum(t *testing.T) {
	dir := testDirectory(t)
	self := identity.New("127.0.0.1", 6000)
	store := membership.New()
	log := eventlog.New("TEST", 0)
	defer log.Close()

	dialer := &pipeDialer{votes: map[identity.ID]wire.Vote{
		identity.New("127.0.0.1", 6001): wire.VoteYes,
		identity.New("127.0.0.1", 6002): wire.VoteNo,
	}}
	c := New(self, dir, store, log, dialer.dial)

	subject := identity.New("127.0.0.1", 7000)
	if !c.Register(subject) {
		t.Fatalf("Register() = false, want true (self YES + one more YES reaches quorum 2)")
	}
	if !store.Contains(subject) {
		t.Fatalf("subject not present in membership store after commit")
	}
}

func TestRegisterRejectsWithoutQuorum(t *testing.T) {
	dir := testDirectory(t)
	self := identity.New("127.0.0.1", 6000)
	store := membership.New()
	log := eventlog.New("TEST", 0)
	defer log.Close()

	dialer := &pipeDialer{votes: map[identity.ID]wire.Vote{
		identity.New("127.0.0.1", 6001): wire.VoteNo,
		identity.New("127.0.0.1", 6002): wire.VoteNo,
	}}
	c := New(self, dir, store, log, dialer.dial)

	subject := identity.New("127.0.0.1", 7001)
	if c.Register(subject) {
		t.Fatalf("Register() = true, want false (only self YES, two NOs, quorum 2 unreachable)")
	}
	if store.Contains(subject) {
		t.Fatalf("rejected proposal must not mutate the membership store")
	}
}

func TestRegisterIdempotentForExistingMember(t *testing.T) {
	dir := testDirectory(t)
	self := identity.New("127.0.0.1", 6000)
	store := membership.New()
	store.Insert(identity.New("127.0.0.1", 7002))
	log := eventlog.New("TEST", 0)
	defer log.Close()

	// No dialer calls expected: a register for an existing member must
	// short-circuit before any vote is solicited.
	dialer := &pipeDialer{votes: map[identity.ID]wire.Vote{}}
	c := New(self, dir, store, log, dialer.dial)

	if !c.Register(identity.New("127.0.0.1", 7002)) {
		t.Fatalf("Register() on an existing member = false, want true")
	}
	if store.Len() != 1 {
		t.Fatalf("idempotent re-register must not enlarge the membership set, got len=%d", store.Len())
	}
}

func TestRemoveIgnoredForNonMember(t *testing.T) {
	dir := testDirectory(t)
	self := identity.New("127.0.0.1", 6000)
	store := membership.New()
	log := eventlog.New("TEST", 0)
	defer log.Close()

	dialer := &pipeDialer{votes: map[identity.ID]wire.Vote{}}
	c := New(self, dir, store, log, dialer.dial)

	if c.Remove(identity.New("127.0.0.1", 9999), identity.New("127.0.0.1", 7000)) {
		t.Fatalf("Remove() for a non-member = true, want false (no-op per base spec §7)")
	}
}

func TestVoteYesForRemoveOfCurrentMember(t *testing.T) {
	dir := testDirectory(t)
	self := identity.New("127.0.0.1", 6001)
	store := membership.New()
	subject := identity.New("127.0.0.1", 7000)
	store.Insert(subject)
	log := eventlog.New("TEST", 0)
	defer log.Close()

	c := New(self, dir, store, log, (&pipeDialer{}).dial)

	if got := c.Vote(Remove, subject); got != wire.VoteYes {
		t.Fatalf("Vote(Remove, member) = %s, want YES", got)
	}
	if got := c.Vote(Remove, identity.New("127.0.0.1", 7777)); got != wire.VoteNo {
		t.Fatalf("Vote(Remove, stranger) = %s, want NO", got)
	}
}
