package event

import (
	"strconv"
	"strings"
	"time"
)

// Type names a kind of synthesized change event.
type Type string

const (
	TypeCreated       Type = "entity.created"
	TypeVotingStarted Type = "entity.status_changed.voting_started"
	TypeVoteCast      Type = "entity.vote_cast"
	TypeResolved      Type = "entity.status_changed.resolved"
	TypeAppealed      Type = "entity.status_changed.appealed"

	// Wildcard matches every type on the bus.
	Wildcard Type = "*"
)

// Types lists every event type the synthesizer can emit.
var Types = []Type{TypeCreated, TypeVotingStarted, TypeVoteCast, TypeResolved, TypeAppealed}

// Known reports whether t is one of Types.
func Known(t Type) bool {
	for _, k := range Types {
		if k == t {
			return true
		}
	}
	return false
}

// WebhookEvent is a change notification derived from two successive observations.
// TxHash and BlockNumber are best-effort and usually zero: a poll cannot see the transaction.
type WebhookEvent struct {
	Type        Type
	EventID     string
	Timestamp   int64
	ChainID     uint64
	TxHash      string
	BlockNumber uint64
	Data        Payload
}

// EntityID returns the dispute id the event is about.
func (e WebhookEvent) EntityID() uint64 {
	if e.Data == nil {
		return 0
	}
	return e.Data.EntityID()
}

// Payload is the type-specific part of a WebhookEvent.
type Payload interface {
	EntityID() uint64
	// Addresses returns the participant addresses referenced by the payload.
	Addresses() []string
}

// Votes is a tally; counts travel as decimal strings.
type Votes struct {
	ForA    uint64 `json:"forA,string"`
	ForB    uint64 `json:"forB,string"`
	Abstain uint64 `json:"abstain,string"`
}

type Created struct {
	ID             uint64 `json:"entityId,string"`
	Status         string `json:"status"`
	Ruling         string `json:"ruling"`
	Claimant       string `json:"claimant"`
	Respondent     string `json:"respondent"`
	Amount         string `json:"amount"`
	EvidenceURI    string `json:"evidenceUri"`
	VotingDeadline int64  `json:"votingDeadline"`
	AppealRound    uint64 `json:"appealRound,string"`
	RequiredVotes  uint64 `json:"requiredVotes,string"`
	Votes          Votes  `json:"votes"`
}

func (p Created) EntityID() uint64    { return p.ID }
func (p Created) Addresses() []string { return nonEmpty(p.Claimant, p.Respondent) }

type VotingStarted struct {
	ID             uint64 `json:"entityId,string"`
	PreviousStatus string `json:"previousStatus"`
	Status         string `json:"status"`
	VotingDeadline int64  `json:"votingDeadline"`
	Claimant       string `json:"claimant"`
	Respondent     string `json:"respondent"`
}

func (p VotingStarted) EntityID() uint64    { return p.ID }
func (p VotingStarted) Addresses() []string { return nonEmpty(p.Claimant, p.Respondent) }

// VoteCast reports that at least one vote landed since the last poll. Vote names the
// first side whose count grew; Voter is empty because polling cannot recover it.
type VoteCast struct {
	ID    uint64 `json:"entityId,string"`
	Vote  string `json:"vote"`
	Voter string `json:"voter,omitempty"`
	Votes Votes  `json:"votes"`
}

func (p VoteCast) EntityID() uint64    { return p.ID }
func (p VoteCast) Addresses() []string { return nonEmpty(p.Voter) }

type Resolved struct {
	ID         uint64 `json:"entityId,string"`
	Ruling     string `json:"ruling"`
	Claimant   string `json:"claimant"`
	Respondent string `json:"respondent"`
	Amount     string `json:"amount"`
	Votes      Votes  `json:"votes"`
}

func (p Resolved) EntityID() uint64    { return p.ID }
func (p Resolved) Addresses() []string { return nonEmpty(p.Claimant, p.Respondent) }

type Appealed struct {
	ID             uint64 `json:"entityId,string"`
	AppealRound    uint64 `json:"appealRound,string"`
	VotingDeadline int64  `json:"votingDeadline"`
	Claimant       string `json:"claimant"`
	Respondent     string `json:"respondent"`
}

func (p Appealed) EntityID() uint64    { return p.ID }
func (p Appealed) Addresses() []string { return nonEmpty(p.Claimant, p.Respondent) }

// Uint renders n as a decimal string.
func Uint(n uint64) string { return strconv.FormatUint(n, 10) }

// Unix returns t in unix seconds, or 0 for the zero time.
func Unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// HasAddress reports whether addr appears in p, ignoring case.
func HasAddress(p Payload, addr string) bool {
	if p == nil {
		return false
	}
	for _, a := range p.Addresses() {
		if strings.EqualFold(a, addr) {
			return true
		}
	}
	return false
}

func nonEmpty(in ...string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
