package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gyaneshwarpardhi/disputehook/internal/bus"
	"github.com/gyaneshwarpardhi/disputehook/internal/event"
	"github.com/gyaneshwarpardhi/disputehook/internal/ledger"
	"github.com/gyaneshwarpardhi/disputehook/internal/metrics"
	"github.com/gyaneshwarpardhi/disputehook/internal/synth"
)

// errBusy reports that another poll of the same entity is still running.
var errBusy = errors.New("poll already in flight")

// Dispatcher accepts events for webhook delivery. It must not block on delivery.
type Dispatcher interface {
	Dispatch(ev event.WebhookEvent)
}

// Config holds the polling cadence.
type Config struct {
	Interval     time.Duration
	FetchTimeout time.Duration
	// Concurrency bounds how many entities are fetched at once within a tick.
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.Concurrency < 1 {
		c.Concurrency = 4
	}
	return c
}

// Scheduler polls the tracked entities on a fixed interval and forwards the
// synthesized events to the bus and the dispatcher.
type Scheduler struct {
	reader     ledger.Reader
	synth      *synth.Synthesizer
	bus        *bus.Bus
	dispatcher Dispatcher
	conf       Config
	logger     *slog.Logger

	mu      sync.Mutex
	tracked map[uint64]struct{}
	// entity serializes fetch/observe/forget per id across ticks, PollOnce
	// callers and RemoveTracked.
	entity map[uint64]*sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped Scheduler. b and d may be nil.
func New(reader ledger.Reader, s *synth.Synthesizer, b *bus.Bus, d Dispatcher, conf Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		reader:     reader,
		synth:      s,
		bus:        b,
		dispatcher: d,
		conf:       conf.withDefaults(),
		logger:     logger,
		tracked:    make(map[uint64]struct{}),
		entity:     make(map[uint64]*sync.Mutex),
	}
}

// Start polls once immediately and then on every interval. It is a no-op while
// already running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	prev := s.done
	done := make(chan struct{})
	s.cancel, s.done = cancel, done

	go func() {
		defer close(done)
		if prev != nil {
			// A tick from the previous run may still be finishing.
			<-prev
		}
		s.run(ctx)
	}()
	s.logger.Info("poller started", "interval", s.conf.Interval, "tracked", s.trackedLen())
}

// Stop cancels future ticks. A tick already in progress runs to completion.
// Stop is a no-op when not running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
	s.logger.Info("poller stopped")
}

// Running reports whether the scheduler has been started and not stopped.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Wait blocks until the poll loop from the last Start has exited.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (s *Scheduler) run(ctx context.Context) {
	s.PollOnce(ctx)

	ticker := time.NewTicker(s.conf.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.PollOnce(ctx)
		}
	}
}

// PollOnce polls every tracked entity once and returns when all have finished.
// Cancelling ctx does not interrupt the tick; each fetch is bounded by FetchTimeout.
// An entity still being polled by an overlapping call is skipped.
func (s *Scheduler) PollOnce(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	ids := s.Tracked()
	metrics.PollTicks.Inc()

	var g errgroup.Group
	g.SetLimit(s.conf.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			err := s.pollEntity(ctx, id)
			if errors.Is(err, errBusy) {
				metrics.EntityPolls.WithLabelValues("skipped").Inc()
				s.logger.Debug("entity poll skipped, previous poll still running", "entity_id", id)
				return nil
			}
			if err != nil {
				metrics.EntityPolls.WithLabelValues("error").Inc()
				s.logger.Warn("entity poll failed", "entity_id", id, "err", err)
				return nil
			}
			metrics.EntityPolls.WithLabelValues("ok").Inc()
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) pollEntity(ctx context.Context, id uint64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("entity %d: panic: %v", id, r)
		}
	}()

	lk := s.entityLock(id)
	if !lk.TryLock() {
		return errBusy
	}
	defer lk.Unlock()

	// RemoveTracked holds the same lock, so id stays tracked until Observe returns.
	if !s.IsTracked(id) {
		return nil
	}
	obs, err := s.fetch(ctx, id)
	if err != nil {
		return err
	}
	events, err := s.synth.Observe(ctx, id, obs)
	if err != nil {
		return fmt.Errorf("entity %d: %w", id, err)
	}
	for _, ev := range events {
		s.emit(ev)
	}
	return nil
}

func (s *Scheduler) fetch(ctx context.Context, id uint64) (synth.Observation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.conf.FetchTimeout)
	defer cancel()

	entity, err := s.reader.GetEntity(ctx, id)
	if err != nil {
		return synth.Observation{}, fmt.Errorf("get entity %d: %w", id, err)
	}
	tally, err := s.reader.GetVoteTally(ctx, id)
	if err != nil {
		return synth.Observation{}, fmt.Errorf("get vote tally %d: %w", id, err)
	}
	return synth.Observation{Entity: entity, Tally: tally}, nil
}

func (s *Scheduler) emit(ev event.WebhookEvent) {
	metrics.EventsEmitted.WithLabelValues(string(ev.Type)).Inc()
	s.logger.Info("event synthesized", "type", ev.Type, "event_id", ev.EventID, "entity_id", ev.EntityID())
	if s.bus != nil {
		s.bus.Publish(ev)
	}
	if s.dispatcher != nil {
		s.dispatcher.Dispatch(ev)
	}
}

// AddTracked starts tracking ids. Already tracked ids are left alone.
func (s *Scheduler) AddTracked(ids ...uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.tracked[id] = struct{}{}
	}
	metrics.TrackedEntities.Set(float64(len(s.tracked)))
}

// RemoveTracked stops tracking id and drops its snapshot, so tracking it again
// later produces a fresh created event. It reports whether id was tracked.
// A poll of id already in flight finishes first.
func (s *Scheduler) RemoveTracked(ctx context.Context, id uint64) (bool, error) {
	lk := s.entityLock(id)
	lk.Lock()
	defer lk.Unlock()

	s.mu.Lock()
	_, ok := s.tracked[id]
	delete(s.tracked, id)
	metrics.TrackedEntities.Set(float64(len(s.tracked)))
	s.mu.Unlock()

	if err := s.synth.Forget(ctx, id); err != nil {
		return ok, err
	}
	return ok, nil
}

// SetTracked replaces the tracked set with ids, removing (and forgetting) the rest.
func (s *Scheduler) SetTracked(ctx context.Context, ids []uint64) error {
	want := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	for _, id := range s.Tracked() {
		if _, keep := want[id]; keep {
			continue
		}
		if _, err := s.RemoveTracked(ctx, id); err != nil {
			return err
		}
	}
	s.AddTracked(ids...)
	return nil
}

// IsTracked reports whether id is in the tracked set.
func (s *Scheduler) IsTracked(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tracked[id]
	return ok
}

// Tracked returns the tracked ids in ascending order.
func (s *Scheduler) Tracked() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, 0, len(s.tracked))
	for id := range s.tracked {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (s *Scheduler) entityLock(id uint64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lk, ok := s.entity[id]
	if !ok {
		lk = &sync.Mutex{}
		s.entity[id] = lk
	}
	return lk
}

func (s *Scheduler) trackedLen() int {
	return len(s.tracked)
}
