package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/disputehook/internal/event"
	"github.com/gyaneshwarpardhi/disputehook/internal/metrics"
	"github.com/gyaneshwarpardhi/disputehook/internal/subscription"
)

// Webhook request headers.
const (
	HeaderEvent     = "X-Webhook-Event"
	HeaderDelivery  = "X-Webhook-Delivery"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderSignature = "X-Webhook-Signature"
)

var errCancelled = errors.New("delivery cancelled")

// Matcher resolves the subscriptions an event should be delivered to.
type Matcher interface {
	Match(ctx context.Context, ev event.WebhookEvent) ([]subscription.Subscription, error)
}

// Config holds the retry and concurrency settings of an Engine.
type Config struct {
	MaxRetries int
	RetryDelay time.Duration
	// MaxBackoff caps the wait between attempts.
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
	Workers        int
	QueueDepth     int
	// RateLimit caps requests per second per subscription; zero disables it.
	RateLimit float64
	RateBurst int
	UserAgent string
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 1 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	if c.Workers < 1 {
		c.Workers = 8
	}
	if c.QueueDepth < 1 {
		c.QueueDepth = 1000
	}
	if c.UserAgent == "" {
		c.UserAgent = "disputehook/1"
	}
	return c
}

// Backoff returns the wait after the given failed attempt: RetryDelay * 2^(attempt-1),
// capped at MaxBackoff when that is set.
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.RetryDelay
	for i := 1; i < attempt; i++ {
		if c.MaxBackoff > 0 && d >= c.MaxBackoff {
			break
		}
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
	}
	if c.MaxBackoff > 0 && d > c.MaxBackoff {
		d = c.MaxBackoff
	}
	return d
}

type job struct {
	ev   event.WebhookEvent
	sub  subscription.Subscription
	body []byte
}

// Engine fans events out to matching subscriptions and records every outcome.
type Engine struct {
	matcher Matcher
	history *History
	conf    Config
	client  *http.Client
	limiter *keyLimiter
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	pool   *workerPool[*job]

	mu      sync.RWMutex
	closed  bool
	pending sync.WaitGroup
}

// Option customizes an Engine.
type Option func(*Engine)

// WithHTTPClient sets the client used for webhook calls.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an Engine and starts its worker pool.
func New(matcher Matcher, history *History, conf Config, opts ...Option) *Engine {
	conf = conf.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		matcher: matcher,
		history: history,
		conf:    conf,
		client:  &http.Client{},
		limiter: newKeyLimiter(conf.RateLimit, conf.RateBurst),
		logger:  slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, o := range opts {
		o(e)
	}
	e.pool = newWorkerPool[*job](ctx, conf.Workers, conf.QueueDepth, func(ctx context.Context, j *job) {
		defer e.pending.Done()
		e.deliver(ctx, j.ev, j.sub, j.body)
	})
	return e
}

// History returns the log deliveries are recorded in.
func (e *Engine) History() *History { return e.history }

// Dispatch queues ev for every matching subscription and returns immediately.
// Failures are logged and recorded, never returned.
func (e *Engine) Dispatch(ev event.WebhookEvent) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.logger.Warn("dispatch after close ignored", "event_id", ev.EventID, "type", ev.Type)
		return
	}

	subs, err := e.matcher.Match(e.ctx, ev)
	if err != nil {
		e.logger.Error("subscription match failed", "event_id", ev.EventID, "err", err)
		return
	}
	if len(subs) == 0 {
		return
	}
	body, err := event.Encode(ev)
	if err != nil {
		e.logger.Error("event encode failed", "event_id", ev.EventID, "err", err)
		return
	}

	for _, sub := range subs {
		e.pending.Add(1)
		if !e.pool.Submit(&job{ev: ev, sub: sub, body: body}) {
			e.pending.Done()
			metrics.Deliveries.WithLabelValues("dropped").Inc()
			e.logger.Warn("delivery queue full", "event_id", ev.EventID, "subscription_id", sub.ID)
			e.record(Record{
				DeliveryID:     uuid.New().String(),
				EventID:        ev.EventID,
				SubscriptionID: sub.ID,
				Error:          fmt.Sprintf("delivery queue full (capacity %d)", e.pool.QueueCap()),
			})
		}
	}
	metrics.DeliveryQueueUtilization.Set(e.QueueUtilization())
}

// Deliver runs one delivery of ev to sub synchronously, retrying per policy,
// and records the final outcome.
func (e *Engine) Deliver(ctx context.Context, ev event.WebhookEvent, sub subscription.Subscription) Record {
	body, err := event.Encode(ev)
	if err != nil {
		return e.record(Record{
			DeliveryID:     uuid.New().String(),
			EventID:        ev.EventID,
			SubscriptionID: sub.ID,
			Error:          err.Error(),
		})
	}
	return e.deliver(ctx, ev, sub, body)
}

// deliver makes up to MaxRetries attempts. A cancelled ctx prevents attempts and
// backoff waits that have not started; an attempt already on the wire finishes.
func (e *Engine) deliver(ctx context.Context, ev event.WebhookEvent, sub subscription.Subscription, body []byte) Record {
	start := time.Now()
	rec := Record{
		DeliveryID:     uuid.New().String(),
		EventID:        ev.EventID,
		SubscriptionID: sub.ID,
	}
	log := e.logger.With("delivery_id", rec.DeliveryID, "event_id", ev.EventID, "subscription_id", sub.ID)

	var lastErr error
	for rec.Attempt < e.conf.MaxRetries {
		if rec.Attempt > 0 {
			if err := sleep(ctx, e.conf.Backoff(rec.Attempt)); err != nil {
				lastErr = fmt.Errorf("%w after %d attempts: %v", errCancelled, rec.Attempt, lastErr)
				break
			}
		}
		if ctx.Err() != nil {
			lastErr = errCancelled
			break
		}
		if err := e.limiter.Wait(ctx, sub.ID); err != nil {
			lastErr = fmt.Errorf("%w: %v", errCancelled, err)
			break
		}

		rec.Attempt++
		status, err := e.send(ctx, rec.DeliveryID, ev, sub, body)
		rec.StatusCode = status
		if err == nil {
			rec.Success = true
			rec.Error = ""
			metrics.Deliveries.WithLabelValues("success").Inc()
			metrics.DeliveryDuration.Observe(float64(time.Since(start).Milliseconds()))
			log.Debug("webhook delivered", "attempt", rec.Attempt, "status", status)
			return e.record(rec)
		}
		lastErr = err
		log.Warn("webhook attempt failed", "attempt", rec.Attempt, "max", e.conf.MaxRetries, "err", err)
	}

	if lastErr != nil {
		rec.Error = lastErr.Error()
	}
	metrics.Deliveries.WithLabelValues("failed").Inc()
	metrics.DeliveryDuration.Observe(float64(time.Since(start).Milliseconds()))
	log.Error("webhook delivery gave up", "attempts", rec.Attempt, "err", lastErr)
	return e.record(rec)
}

// send issues one POST with its own timeout. It returns the response status
// (zero on transport failure) and an error for anything that is not 2xx.
func (e *Engine) send(ctx context.Context, deliveryID string, ev event.WebhookEvent, sub subscription.Subscription, body []byte) (int, error) {
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.conf.AttemptTimeout)
	defer cancel()

	req, err := newRequest(attemptCtx, sub, deliveryID, ev.Type, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", e.conf.UserAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		metrics.DeliveryAttempts.WithLabelValues("network_error").Inc()
		return 0, fmt.Errorf("post %s: %w", sub.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	metrics.DeliveryAttempts.WithLabelValues(statusClass(resp.StatusCode)).Inc()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("post %s: unexpected status %d", sub.URL, resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func newRequest(ctx context.Context, sub subscription.Subscription, deliveryID string, typ event.Type, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", sub.URL, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(typ))
	req.Header.Set(HeaderDelivery, deliveryID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(time.Now().Unix(), 10))
	if sub.HasSecret() {
		req.Header.Set(HeaderSignature, Sign(body, sub.Secret))
	}
	return req, nil
}

func (e *Engine) record(r Record) Record {
	r.Timestamp = time.Now().UTC()
	if e.history != nil {
		e.history.Append(r)
	}
	return r
}

// Flush blocks until every queued delivery has completed.
func (e *Engine) Flush() {
	e.pending.Wait()
}

// QueueUtilization returns queue used / capacity (0–1).
func (e *Engine) QueueUtilization() float64 {
	if e.pool.QueueCap() == 0 {
		return 0
	}
	return float64(e.pool.QueueLen()) / float64(e.pool.QueueCap())
}

// Close stops accepting events and cancels attempts that have not started.
// Requests already in flight run to completion or their own timeout.
// Close is idempotent and returns after the workers have exited.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.pool.Drain()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
