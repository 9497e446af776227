package synth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/disputehook/internal/event"
	"github.com/gyaneshwarpardhi/disputehook/internal/ledger"
	"github.com/gyaneshwarpardhi/disputehook/internal/snapshot"
)

// Observation is one fresh read of a tracked entity.
type Observation struct {
	Entity ledger.Entity
	Tally  ledger.VoteTally
}

// Synthesizer turns successive observations of an entity into change events.
type Synthesizer struct {
	store   snapshot.Store
	chainID uint64
	now     func() time.Time
	newID   func() string
}

// Option customizes a Synthesizer.
type Option func(*Synthesizer)

// WithClock overrides the emission clock.
func WithClock(now func() time.Time) Option {
	return func(s *Synthesizer) { s.now = now }
}

// WithIDGenerator overrides event id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Synthesizer) { s.newID = fn }
}

// New creates a Synthesizer that diffs against store and stamps events with chainID.
func New(store snapshot.Store, chainID uint64, opts ...Option) *Synthesizer {
	s := &Synthesizer{
		store:   store,
		chainID: chainID,
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Observe diffs obs against the stored snapshot for id, replaces the snapshot and
// returns the resulting events. The snapshot is replaced whether or not events fired.
func (s *Synthesizer) Observe(ctx context.Context, id uint64, obs Observation) ([]event.WebhookEvent, error) {
	prev, seen, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %d: %w", id, err)
	}
	now := s.now()

	var events []event.WebhookEvent
	if seen {
		events = s.Diff(id, prev, obs, now)
	} else {
		events = []event.WebhookEvent{s.stamp(event.TypeCreated, created(id, obs), now)}
	}

	next := snapshot.Snapshot{Status: obs.Entity.Status, Tally: obs.Tally, ObservedAt: now}
	if err := s.store.Put(ctx, id, next); err != nil {
		return nil, fmt.Errorf("store snapshot %d: %w", id, err)
	}
	return events, nil
}

// Forget drops the snapshot for id so its next observation counts as a first sighting.
func (s *Synthesizer) Forget(ctx context.Context, id uint64) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete snapshot %d: %w", id, err)
	}
	return nil
}

// Diff compares prev with obs and returns vote events first, then status events.
// It has no side effects.
func (s *Synthesizer) Diff(id uint64, prev snapshot.Snapshot, obs Observation, now time.Time) []event.WebhookEvent {
	var out []event.WebhookEvent

	if side, ok := inferVote(prev.Tally, obs.Tally); ok {
		out = append(out, s.stamp(event.TypeVoteCast, event.VoteCast{
			ID:    id,
			Vote:  side,
			Votes: votes(obs.Tally),
		}, now))
	}

	if typ, ok := transition(prev.Status, obs.Entity.Status); ok {
		out = append(out, s.stamp(typ, statusPayload(typ, id, prev.Status, obs), now))
	}
	return out
}

func (s *Synthesizer) stamp(typ event.Type, data event.Payload, now time.Time) event.WebhookEvent {
	return event.WebhookEvent{
		Type:      typ,
		EventID:   s.newID(),
		Timestamp: now.Unix(),
		ChainID:   s.chainID,
		Data:      data,
	}
}

// Vote labels, in the order increases are checked.
const (
	VoteA       = "A"
	VoteB       = "B"
	VoteAbstain = "abstain"
)

// inferVote reports the first tally component that grew. Several votes may have
// landed between polls; only one event is produced for them.
func inferVote(prev, cur ledger.VoteTally) (string, bool) {
	switch {
	case cur.ForA > prev.ForA:
		return VoteA, true
	case cur.ForB > prev.ForB:
		return VoteB, true
	case cur.Abstain > prev.Abstain:
		return VoteAbstain, true
	}
	return "", false
}

// transition maps a status change to the event it produces. Pairs not listed,
// including statuses this build does not know, produce nothing.
func transition(from, to ledger.Status) (event.Type, bool) {
	if from == to {
		return "", false
	}
	switch {
	case from == ledger.StatusOpen && to == ledger.StatusVoting:
		return event.TypeVotingStarted, true
	case to == ledger.StatusResolved:
		return event.TypeResolved, true
	case to == ledger.StatusAppealed:
		return event.TypeAppealed, true
	}
	return "", false
}

func statusPayload(typ event.Type, id uint64, from ledger.Status, obs Observation) event.Payload {
	e := obs.Entity
	switch typ {
	case event.TypeVotingStarted:
		return event.VotingStarted{
			ID:             id,
			PreviousStatus: string(from),
			Status:         string(e.Status),
			VotingDeadline: event.Unix(e.VotingDeadline),
			Claimant:       e.Claimant,
			Respondent:     e.Respondent,
		}
	case event.TypeResolved:
		return event.Resolved{
			ID:         id,
			Ruling:     string(e.Ruling),
			Claimant:   e.Claimant,
			Respondent: e.Respondent,
			Amount:     amount(e),
			Votes:      votes(obs.Tally),
		}
	default:
		return event.Appealed{
			ID:             id,
			AppealRound:    e.AppealRound,
			VotingDeadline: event.Unix(e.VotingDeadline),
			Claimant:       e.Claimant,
			Respondent:     e.Respondent,
		}
	}
}

func created(id uint64, obs Observation) event.Created {
	e := obs.Entity
	return event.Created{
		ID:             id,
		Status:         string(e.Status),
		Ruling:         string(e.Ruling),
		Claimant:       e.Claimant,
		Respondent:     e.Respondent,
		Amount:         amount(e),
		EvidenceURI:    e.EvidenceURI,
		VotingDeadline: event.Unix(e.VotingDeadline),
		AppealRound:    e.AppealRound,
		RequiredVotes:  e.RequiredVotes,
		Votes:          votes(obs.Tally),
	}
}

func votes(t ledger.VoteTally) event.Votes {
	return event.Votes{ForA: t.ForA, ForB: t.ForB, Abstain: t.Abstain}
}

func amount(e ledger.Entity) string {
	if e.Amount == nil {
		return "0"
	}
	return e.Amount.String()
}
