// Package consensus implements the two-phase quorum protocol a seed runs
// to register a new peer or remove a dead one: the originating seed
// solicits a vote from every other seed and commits once strict majority
// agreement is reached, or aborts once it becomes mathematically
// impossible or the deadline passes.
package consensus

import (
	"time"

	"github.com/google/uuid"

	"gossipmesh/internal/identity"
	"gossipmesh/internal/wire"
)

// Kind distinguishes the two proposal types.
type Kind string

const (
	Register Kind = "REGISTER"
	Remove   Kind = "REMOVE"
)

// State is a proposal's position in its one-way state machine:
// PENDING -> APPROVED | REJECTED.
type State string

const (
	Pending  State = "PENDING"
	Approved State = "APPROVED"
	Rejected State = "REJECTED"
)

// DefaultDeadline is T_prop from the base spec.
const DefaultDeadline = 3 * time.Second

// subjectKey identifies a proposal by what it is trying to change,
// independent of proposal_id — used to detect a repeat request for a
// subject that already has a proposal in flight at this seed.
type subjectKey struct {
	kind    Kind
	subject identity.ID
}

// Proposal is the transient record tracked while a vote is being
// collected. It is local to one Coordinator.propose call, is never stored
// in a coordinator table, and is dropped when that call returns. Proposal
// has no lock of its own: the vote-soliciting goroutines read only ID,
// Kind, Subject and Originator, which never change after creation, and
// votes and state are written only by the propose call itself.
type Proposal struct {
	ID         string
	Kind       Kind
	Subject    identity.ID
	Originator identity.ID

	votes    map[identity.ID]wire.Vote
	state    State
	deadline time.Time
}

func newProposal(id string, kind Kind, subject, originator identity.ID, deadline time.Duration) *Proposal {
	return &Proposal{
		ID:         id,
		Kind:       kind,
		Subject:    subject,
		Originator: originator,
		votes:      make(map[identity.ID]wire.Vote),
		state:      Pending,
		deadline:   time.Now().Add(deadline),
	}
}

func newProposalID() string {
	return uuid.NewString()
}
