package consensus

import (
	"sync"
	"time"

	"gossipmesh/internal/eventlog"
	"gossipmesh/internal/identity"
	"gossipmesh/internal/membership"
	"gossipmesh/internal/seeddir"
	"gossipmesh/internal/wire"
)

// Dialer opens an outgoing connection to another seed. Production code
// uses wire.Dial; tests substitute an in-memory pipe.
type Dialer func(to identity.ID) (Conn, error)

// Conn is the minimal connection surface the coordinator needs, satisfied
// by net.Conn.
type Conn interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	SetDeadline(t time.Time) error
	Close() error
}

// Coordinator runs register/remove proposals for one seed and applies
// committed changes to its membership store. One Coordinator guards its
// own proposal bookkeeping with a single mutex, per the base spec's
// shared-resource policy.
type Coordinator struct {
	self  identity.ID
	dir   *seeddir.Directory
	store *membership.Store
	log   *eventlog.Logger
	dial  Dialer

	deadline time.Duration

	mu         sync.Mutex
	pending    map[subjectKey]*waiter
	lastLogged map[subjectKey]time.Time
}

// waiter lets concurrent callers for the same (kind, subject) share one
// in-flight proposal instead of racing two to quorum, per the base
// spec's idempotent-repeat-request rule.
type waiter struct {
	done chan struct{}
	ok   bool
}

// logDedupWindow bounds how long a repeated CONSENSUS OUTCOME line for
// the same (kind, subject) is suppressed, per the base spec §5 note that
// two racing proposals on the same subject should not double-log.
const logDedupWindow = 2 * time.Second

// New creates a Coordinator for seed self, dialing peers with dial.
func New(self identity.ID, dir *seeddir.Directory, store *membership.Store, log *eventlog.Logger, dial Dialer) *Coordinator {
	return &Coordinator{
		self:       self,
		dir:        dir,
		store:      store,
		log:        log,
		dial:       dial,
		deadline:   DefaultDeadline,
		pending:    make(map[subjectKey]*waiter),
		lastLogged: make(map[subjectKey]time.Time),
	}
}

// Register runs (or joins an in-flight) REGISTER proposal for peer.
// Reports true if peer is a member once this call returns, whether
// because the proposal committed or because peer was already a member
// (the idempotency short-circuit from base spec §4.3 step 1).
func (c *Coordinator) Register(peer identity.ID) bool {
	if c.store.Contains(peer) {
		c.log.Infof("REGISTER %s already a member, idempotent ack", peer)
		return true
	}
	return c.run(Register, peer, c.self)
}

// Remove runs (or joins an in-flight) REMOVE proposal for peer, reported
// by reporter. Ignored (per base spec §4.3 step 1 and §7) if peer is not
// currently a member — a bogus report about a stranger never starts a
// proposal.
func (c *Coordinator) Remove(peer, reporter identity.ID) bool {
	if !c.store.Contains(peer) {
		c.log.Infof("DEAD_NODE_REPORT for non-member %s ignored", peer)
		return false
	}
	return c.run(Remove, peer, reporter)
}

func (c *Coordinator) run(kind Kind, subject, originator identity.ID) bool {
	key := subjectKey{kind: kind, subject: subject}

	c.mu.Lock()
	if w, exists := c.pending[key]; exists {
		c.mu.Unlock()
		<-w.done
		return w.ok
	}
	w := &waiter{done: make(chan struct{})}
	c.pending[key] = w
	c.mu.Unlock()

	ok := c.propose(kind, subject, originator)

	c.mu.Lock()
	delete(c.pending, key)
	w.ok = ok
	c.mu.Unlock()
	close(w.done)

	return ok
}

func (c *Coordinator) propose(kind Kind, subject, originator identity.ID) bool {
	p := newProposal(newProposalID(), kind, subject, originator, c.deadline)
	p.votes[c.self] = wire.VoteYes // originator self-votes YES

	others := c.dir.Others(c.self)
	quorum := c.dir.Quorum()
	yes := 1
	outstanding := len(others)

	if yes >= quorum {
		return c.commit(p)
	}
	if len(others) == 0 {
		// n_seeds == 1: quorum is 1, already met above. Unreachable in
		// practice, kept for clarity of the impossibility check below.
		return c.reject(p)
	}

	results := make(chan wire.Vote, len(others))
	for _, seed := range others {
		go c.solicitVote(p, seed, results)
	}

	timer := time.NewTimer(c.deadline)
	defer timer.Stop()

	for outstanding > 0 {
		select {
		case v := <-results:
			outstanding--
			if v == wire.VoteYes {
				yes++
			}
			if yes >= quorum {
				return c.commit(p)
			}
			if yes+outstanding < quorum {
				return c.reject(p)
			}
		case <-timer.C:
			return c.reject(p)
		}
	}
	return c.reject(p)
}

// solicitVote dials seed, sends the proposal, and reports the resulting
// vote (or a NO on any failure — a lost connection is treated as a
// negative signal, per base spec §7, never retried within this window).
func (c *Coordinator) solicitVote(p *Proposal, seed identity.ID, results chan<- wire.Vote) {
	conn, err := c.dial(seed)
	if err != nil {
		c.log.Warnf("vote solicitation to %s failed to connect: %v", seed, err)
		results <- wire.VoteNo
		return
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(c.deadline))

	var sendErr error
	switch p.Kind {
	case Register:
		sendErr = wire.Encode(conn, wire.TypeProposeRegister, wire.ProposeRegister{
			ProposalID: p.ID, Peer: p.Subject, Originator: p.Originator,
		})
	case Remove:
		sendErr = wire.Encode(conn, wire.TypeProposeRemove, wire.ProposeRemove{
			ProposalID: p.ID, Peer: p.Subject, Originator: p.Originator,
		})
	}
	if sendErr != nil {
		c.log.Warnf("vote solicitation to %s failed to send: %v", seed, sendErr)
		results <- wire.VoteNo
		return
	}

	dec := wire.NewDecoder(conn)
	env, parseErr, err := dec.Next()
	if err != nil || parseErr != nil || env == nil || env.Type != wire.TypeVote {
		c.log.Warnf("vote solicitation to %s got no usable reply", seed)
		results <- wire.VoteNo
		return
	}
	var vm wire.VoteMsg
	if err := unmarshal(env.Raw, &vm); err != nil || vm.ProposalID != p.ID {
		c.log.Warnf("vote from %s discarded: unknown or malformed proposal_id", seed)
		results <- wire.VoteNo
		return
	}
	results <- vm.Vote
}

func (c *Coordinator) commit(p *Proposal) bool {
	p.state = Approved
	switch p.Kind {
	case Register:
		c.store.Insert(p.Subject)
	case Remove:
		c.store.Remove(p.Subject)
		c.broadcastRemovalNotify(p.Subject)
	}
	c.logOutcome(p, Approved)
	return true
}

func (c *Coordinator) reject(p *Proposal) bool {
	p.state = Rejected
	c.logOutcome(p, Rejected)
	return false
}

func (c *Coordinator) logOutcome(p *Proposal, state State) {
	key := subjectKey{kind: p.Kind, subject: p.Subject}

	c.mu.Lock()
	last, seen := c.lastLogged[key]
	suppress := seen && time.Since(last) < logDedupWindow
	c.lastLogged[key] = time.Now()
	c.mu.Unlock()

	if suppress {
		return
	}
	c.log.Infof("CONSENSUS OUTCOME %s %s %s", state, p.Kind, p.Subject)
}

func (c *Coordinator) broadcastRemovalNotify(peer identity.ID) {
	for _, seed := range c.dir.Others(c.self) {
		go func(to identity.ID) {
			conn, err := c.dial(to)
			if err != nil {
				c.log.Warnf("REMOVAL_NOTIFY to %s failed: %v", to, err)
				return
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(wire.IOTimeout))
			if err := wire.Encode(conn, wire.TypeRemovalNotify, wire.RemovalNotify{Peer: peer}); err != nil {
				c.log.Warnf("REMOVAL_NOTIFY to %s failed: %v", to, err)
			}
		}(seed)
	}
}

// Vote decides how this seed answers an incoming PROPOSE_REGISTER or
// PROPOSE_REMOVE, per base spec §4.3's voter algorithm: YES for every
// register (a repeat for a peer that is already a member is benign), YES
// for a remove of a current member, NO for a remove of a non-member.
func (c *Coordinator) Vote(kind Kind, subject identity.ID) wire.Vote {
	switch kind {
	case Register:
		return wire.VoteYes
	case Remove:
		if c.store.Contains(subject) {
			return wire.VoteYes
		}
		return wire.VoteNo
	default:
		return wire.VoteNo
	}
}

// ApplyRemovalNotify applies a committed remove a voter learns about
// asynchronously.
func (c *Coordinator) ApplyRemovalNotify(peer identity.ID) {
	if c.store.Remove(peer) {
		c.log.Infof("REMOVAL_NOTIFY applied for %s", peer)
	}
}
