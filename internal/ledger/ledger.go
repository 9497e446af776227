package ledger

import (
	"context"
	"errors"
	"math/big"
	"time"
)

// ErrNotFound is returned by a Reader when the entity does not exist on the ledger.
var ErrNotFound = errors.New("ledger: entity not found")

// Status is the lifecycle state of a dispute as reported by the ledger.
// Values the ledger adds in the future are carried through verbatim.
type Status string

const (
	StatusOpen     Status = "Open"
	StatusVoting   Status = "Voting"
	StatusResolved Status = "Resolved"
	StatusAppealed Status = "Appealed"
)

// Ruling is the outcome recorded on a resolved dispute.
type Ruling string

const (
	RulingNone    Ruling = "None"
	RulingSideA   Ruling = "A"
	RulingSideB   Ruling = "B"
	RulingAbstain Ruling = "Abstain"
)

// Entity holds the fields of a dispute returned by GetEntity.
type Entity struct {
	Status         Status
	Ruling         Ruling
	Claimant       string
	Respondent     string
	Amount         *big.Int
	EvidenceURI    string
	VotingDeadline time.Time
	AppealRound    uint64
	RequiredVotes  uint64
}

// VoteTally counts the votes cast for each side.
type VoteTally struct {
	ForA    uint64
	ForB    uint64
	Abstain uint64
}

// Reader is the read-only view of the ledger consumed by the poller.
type Reader interface {
	GetEntity(ctx context.Context, id uint64) (Entity, error)
	GetVoteTally(ctx context.Context, id uint64) (VoteTally, error)
}
