package poller

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/gyaneshwarpardhi/disputehook/internal/bus"
	"github.com/gyaneshwarpardhi/disputehook/internal/event"
	"github.com/gyaneshwarpardhi/disputehook/internal/ledger"
	"github.com/gyaneshwarpardhi/disputehook/internal/snapshot"
	"github.com/gyaneshwarpardhi/disputehook/internal/synth"
)

// fakeLedger serves entities from memory; ids in failing return an error.
type fakeLedger struct {
	mu       sync.Mutex
	entities map[uint64]ledger.Entity
	tallies  map[uint64]ledger.VoteTally
	failing  map[uint64]bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		entities: map[uint64]ledger.Entity{},
		tallies:  map[uint64]ledger.VoteTally{},
		failing:  map[uint64]bool{},
	}
}

func (f *fakeLedger) set(id uint64, status ledger.Status, tally ledger.VoteTally) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entities[id] = ledger.Entity{Status: status, Amount: big.NewInt(1), Claimant: "0xa", Respondent: "0xb"}
	f.tallies[id] = tally
}

func (f *fakeLedger) GetEntity(_ context.Context, id uint64) (ledger.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[id] {
		return ledger.Entity{}, errors.New("rpc unavailable")
	}
	e, ok := f.entities[id]
	if !ok {
		return ledger.Entity{}, ledger.ErrNotFound
	}
	return e, nil
}

func (f *fakeLedger) GetVoteTally(_ context.Context, id uint64) (ledger.VoteTally, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tallies[id], nil
}

type recorder struct {
	mu     sync.Mutex
	events []event.WebhookEvent
	ch     chan event.WebhookEvent
}

func (r *recorder) Dispatch(ev event.WebhookEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if r.ch != nil {
		r.ch <- ev
	}
}

func (r *recorder) take() []event.WebhookEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

func newScheduler(l ledger.Reader, d Dispatcher, b *bus.Bus) *Scheduler {
	s := synth.New(snapshot.NewMemoryStore(), 1)
	return New(l, s, b, d, Config{Interval: time.Hour, FetchTimeout: time.Second, Concurrency: 2}, nil)
}

func TestPollOnce_FailingEntityIsIsolated(t *testing.T) {
	l := newFakeLedger()
	l.set(1, ledger.StatusOpen, ledger.VoteTally{})
	l.set(3, ledger.StatusOpen, ledger.VoteTally{})
	l.failing[2] = true
	rec := &recorder{}
	s := newScheduler(l, rec, nil)
	s.AddTracked(1, 2, 3)

	s.PollOnce(context.Background())

	got := map[uint64]event.Type{}
	for _, ev := range rec.take() {
		got[ev.EntityID()] = ev.Type
	}
	if len(got) != 2 || got[1] != event.TypeCreated || got[3] != event.TypeCreated {
		t.Errorf("expected created for 1 and 3, got %v", got)
	}
}

func TestPollOnce_DiffsAcrossTicks(t *testing.T) {
	l := newFakeLedger()
	l.set(5, ledger.StatusOpen, ledger.VoteTally{})
	rec := &recorder{}
	b := bus.New(nil)
	var local []event.Type
	b.On(event.Wildcard, func(ev event.WebhookEvent) { local = append(local, ev.Type) })
	s := newScheduler(l, rec, b)
	s.AddTracked(5)

	ctx := context.Background()
	s.PollOnce(ctx)
	s.PollOnce(ctx)
	if n := len(rec.take()); n != 1 {
		t.Fatalf("expected only the created event after two identical polls, got %d", n)
	}

	l.set(5, ledger.StatusVoting, ledger.VoteTally{ForB: 1})
	s.PollOnce(ctx)
	evs := rec.take()
	if len(evs) != 2 || evs[0].Type != event.TypeVoteCast || evs[1].Type != event.TypeVotingStarted {
		t.Fatalf("expected vote then voting_started, got %v", evs)
	}
	if len(local) != 3 {
		t.Errorf("bus should see every event, got %v", local)
	}
}

func TestRemoveTracked_ReAddIsFirstSighting(t *testing.T) {
	l := newFakeLedger()
	l.set(8, ledger.StatusVoting, ledger.VoteTally{})
	rec := &recorder{}
	s := newScheduler(l, rec, nil)
	ctx := context.Background()

	s.AddTracked(8)
	s.PollOnce(ctx)
	ok, err := s.RemoveTracked(ctx, 8)
	if err != nil || !ok {
		t.Fatalf("remove: ok=%v err=%v", ok, err)
	}
	s.PollOnce(ctx)
	s.AddTracked(8)
	s.PollOnce(ctx)

	evs := rec.take()
	if len(evs) != 2 || evs[0].Type != event.TypeCreated || evs[1].Type != event.TypeCreated {
		t.Errorf("expected two created events, got %v", evs)
	}
}

func TestSetTracked_Reconciles(t *testing.T) {
	s := newScheduler(newFakeLedger(), nil, nil)
	s.AddTracked(1, 2, 3)
	if err := s.SetTracked(context.Background(), []uint64{3, 4}); err != nil {
		t.Fatalf("set tracked: %v", err)
	}
	got := s.Tracked()
	if len(got) != 2 || got[0] != 3 || got[1] != 4 {
		t.Errorf("expected [3 4], got %v", got)
	}
}

func TestStartStop_Lifecycle(t *testing.T) {
	l := newFakeLedger()
	l.set(1, ledger.StatusOpen, ledger.VoteTally{})
	rec := &recorder{ch: make(chan event.WebhookEvent, 4)}
	s := newScheduler(l, rec, nil)
	s.AddTracked(1)

	s.Start()
	s.Start()
	if !s.Running() {
		t.Fatal("expected running after Start")
	}

	select {
	case ev := <-rec.ch:
		if ev.Type != event.TypeCreated {
			t.Errorf("expected created on the immediate poll, got %s", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not poll immediately")
	}

	s.Stop()
	s.Stop()
	s.Wait()
	if s.Running() {
		t.Error("expected stopped after Stop")
	}
	if n := len(rec.take()); n != 1 {
		t.Errorf("double Start must not poll twice, got %d events", n)
	}
}

// gatedLedger blocks GetEntity until release is closed and signals each call on entered.
type gatedLedger struct {
	*fakeLedger
	entered chan uint64
	release chan struct{}
}

func (g *gatedLedger) GetEntity(ctx context.Context, id uint64) (ledger.Entity, error) {
	g.entered <- id
	<-g.release
	return g.fakeLedger.GetEntity(ctx, id)
}

func TestPollOnce_OverlappingCallsEmitOneCreated(t *testing.T) {
	l := &gatedLedger{fakeLedger: newFakeLedger(), entered: make(chan uint64, 4), release: make(chan struct{})}
	l.set(7, ledger.StatusOpen, ledger.VoteTally{})
	rec := &recorder{}
	s := newScheduler(l, rec, nil)
	s.AddTracked(7)
	ctx := context.Background()

	first := make(chan struct{})
	go func() {
		defer close(first)
		s.PollOnce(ctx)
	}()
	<-l.entered

	// The first tick holds entity 7, so this one returns without fetching it.
	s.PollOnce(ctx)
	close(l.release)
	<-first

	created := 0
	for _, ev := range rec.take() {
		if ev.Type == event.TypeCreated {
			created++
		}
	}
	if created != 1 {
		t.Errorf("expected exactly one created event, got %d", created)
	}
	if len(l.entered) != 0 {
		t.Errorf("overlapping poll should not fetch entity 7 again")
	}
}

// gatedStore blocks Get until release is closed.
type gatedStore struct {
	*snapshot.MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Get(ctx context.Context, id uint64) (snapshot.Snapshot, bool, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return g.MemoryStore.Get(ctx, id)
}

func TestRemoveTracked_DuringObserveLeavesNoSnapshot(t *testing.T) {
	l := newFakeLedger()
	l.set(9, ledger.StatusOpen, ledger.VoteTally{})
	store := &gatedStore{MemoryStore: snapshot.NewMemoryStore(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	rec := &recorder{}
	s := New(l, synth.New(store, 1), nil, rec, Config{Interval: time.Hour, FetchTimeout: time.Second}, nil)
	s.AddTracked(9)
	ctx := context.Background()

	polled := make(chan struct{})
	go func() {
		defer close(polled)
		s.PollOnce(ctx)
	}()
	<-store.entered

	removed := make(chan error, 1)
	go func() {
		_, err := s.RemoveTracked(ctx, 9)
		removed <- err
	}()
	close(store.release)
	<-polled
	if err := <-removed; err != nil {
		t.Fatalf("remove: %v", err)
	}
	if n := store.Len(); n != 0 {
		t.Fatalf("expected no snapshot after removal, got %d", n)
	}
	rec.take()

	s.AddTracked(9)
	s.PollOnce(ctx)
	evs := rec.take()
	if len(evs) != 1 || evs[0].Type != event.TypeCreated {
		t.Errorf("expected re-add to be a first sighting, got %v", evs)
	}
}
