package delivery

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/disputehook/internal/event"
	"github.com/gyaneshwarpardhi/disputehook/internal/subscription"
)

type staticMatcher []subscription.Subscription

func (m staticMatcher) Match(_ context.Context, ev event.WebhookEvent) ([]subscription.Subscription, error) {
	var out []subscription.Subscription
	for _, s := range m {
		if s.Matches(ev) {
			out = append(out, s)
		}
	}
	return out, nil
}

func testEvent(id uint64) event.WebhookEvent {
	return event.WebhookEvent{
		Type:      event.TypeVoteCast,
		EventID:   "evt-" + strconv.FormatUint(id, 10),
		Timestamp: 1700000000,
		ChainID:   1,
		Data:      event.VoteCast{ID: id, Vote: "A", Votes: event.Votes{ForA: 1}},
	}
}

func fastConfig() Config {
	return Config{MaxRetries: 3, RetryDelay: time.Millisecond, AttemptTimeout: time.Second, Workers: 4, QueueDepth: 16}
}

func TestDeliver_RetryBound(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sub := subscription.Subscription{ID: "s1", URL: srv.URL, Active: true}
	hist := NewHistory(10)
	eng := New(staticMatcher{sub}, hist, fastConfig())
	defer eng.Close()

	eng.Dispatch(testEvent(1))
	eng.Flush()

	assert.Equal(t, int32(3), calls.Load())
	recs := hist.Query(Filter{})
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Success)
	assert.Equal(t, 3, recs[0].Attempt)
	assert.Equal(t, http.StatusInternalServerError, recs[0].StatusCode)
	assert.NotEmpty(t, recs[0].Error)
}

func TestDeliver_SucceedsAfterRetry(t *testing.T) {
	var calls atomic.Int32
	var mu sync.Mutex
	deliveryIDs := map[string]bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		deliveryIDs[r.Header.Get(HeaderDelivery)] = true
		mu.Unlock()
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	eng := New(staticMatcher{}, NewHistory(10), fastConfig())
	defer eng.Close()

	rec := eng.Deliver(context.Background(), testEvent(2), subscription.Subscription{ID: "s1", URL: srv.URL, Active: true})
	assert.True(t, rec.Success)
	assert.Equal(t, 2, rec.Attempt)
	assert.Equal(t, http.StatusNoContent, rec.StatusCode)
	assert.Len(t, deliveryIDs, 1, "retries reuse the delivery id")
}

func TestDeliver_TransportErrorIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	eng := New(staticMatcher{}, NewHistory(10), fastConfig())
	defer eng.Close()

	rec := eng.Deliver(context.Background(), testEvent(3), subscription.Subscription{ID: "s1", URL: url, Active: true})
	assert.False(t, rec.Success)
	assert.Equal(t, 3, rec.Attempt)
	assert.Zero(t, rec.StatusCode)
}

func TestDeliver_TimeoutCountsAsFailure(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			select {
			case <-release:
			case <-r.Context().Done():
			}
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	conf := fastConfig()
	conf.AttemptTimeout = 50 * time.Millisecond
	eng := New(staticMatcher{}, NewHistory(10), conf)
	defer eng.Close()

	rec := eng.Deliver(context.Background(), testEvent(4), subscription.Subscription{ID: "s1", URL: srv.URL, Active: true})
	assert.True(t, rec.Success)
	assert.Equal(t, 2, rec.Attempt)
}

func TestDispatch_HeadersAndSignature(t *testing.T) {
	type got struct {
		method string
		path   string
		header http.Header
		body   []byte
	}
	seen := make(chan got, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen <- got{method: r.Method, path: r.URL.Path, header: r.Header.Clone(), body: body}
	}))
	defer srv.Close()

	signed := subscription.Subscription{ID: "signed", URL: srv.URL + "/signed", Secret: "k", Active: true}
	plain := subscription.Subscription{ID: "plain", URL: srv.URL + "/plain", Active: true}
	hist := NewHistory(10)
	eng := New(staticMatcher{signed, plain}, hist, fastConfig())
	defer eng.Close()

	eng.Dispatch(testEvent(5))
	eng.Flush()
	close(seen)

	n := 0
	for g := range seen {
		n++
		assert.Equal(t, http.MethodPost, g.method)
		assert.Equal(t, "application/json", g.header.Get("Content-Type"))
		assert.Equal(t, string(event.TypeVoteCast), g.header.Get(HeaderEvent))
		assert.NotEmpty(t, g.header.Get(HeaderDelivery))
		assert.NotEmpty(t, g.header.Get(HeaderTimestamp))

		sig := g.header.Get(HeaderSignature)
		if g.path == "/plain" {
			assert.Empty(t, sig, "no secret, no signature header")
			continue
		}
		assert.True(t, Verify(g.body, sig, "k"), "signature must cover the transmitted bytes")
	}
	assert.Equal(t, 2, n)

	signedRecs := hist.Query(Filter{SubscriptionID: "signed"})
	require.Len(t, signedRecs, 1)
	assert.True(t, signedRecs[0].Success)
	assert.Equal(t, 1, signedRecs[0].Attempt)
}

func TestDispatch_RespectsFilters(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	only5 := subscription.Subscription{ID: "only5", URL: srv.URL, EntityIDs: []uint64{5}, Active: true}
	all := subscription.Subscription{ID: "all", URL: srv.URL, Active: true}
	hist := NewHistory(10)
	eng := New(staticMatcher{only5, all}, hist, fastConfig())
	defer eng.Close()

	eng.Dispatch(testEvent(6))
	eng.Dispatch(testEvent(5))
	eng.Flush()

	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, hist.Query(Filter{SubscriptionID: "only5"}), 1)
	assert.Len(t, hist.Query(Filter{SubscriptionID: "all"}), 2)
	for _, r := range hist.Query(Filter{SubscriptionID: "only5"}) {
		assert.Equal(t, "evt-5", r.EventID)
	}
}

func TestDeliver_CancelledBeforeFirstAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	eng := New(staticMatcher{}, NewHistory(10), fastConfig())
	defer eng.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := eng.Deliver(ctx, testEvent(7), subscription.Subscription{ID: "s1", URL: srv.URL, Active: true})

	assert.False(t, rec.Success)
	assert.Equal(t, 0, rec.Attempt)
	assert.Zero(t, calls.Load())
}

func TestClose_IsIdempotentAndStopsDispatch(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	hist := NewHistory(10)
	eng := New(staticMatcher{{ID: "s", URL: srv.URL, Active: true}}, hist, fastConfig())
	eng.Close()
	eng.Close()

	eng.Dispatch(testEvent(8))
	assert.Zero(t, calls.Load())
	assert.Zero(t, hist.Len())
}

func TestConfig_Backoff(t *testing.T) {
	c := Config{RetryDelay: 100 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, c.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, c.Backoff(2))
	assert.Equal(t, 400*time.Millisecond, c.Backoff(3))
}

func TestConfig_BackoffIsCapped(t *testing.T) {
	c := Config{RetryDelay: time.Second, MaxBackoff: time.Minute}
	assert.Equal(t, 32*time.Second, c.Backoff(6))
	assert.Equal(t, time.Minute, c.Backoff(7))
	for _, attempt := range []int{64, 65, 200, 1 << 20} {
		assert.Equal(t, time.Minute, c.Backoff(attempt), "attempt %d", attempt)
	}

	uncapped := Config{RetryDelay: time.Second}
	for _, attempt := range []int{40, 64, 100} {
		assert.Positive(t, uncapped.Backoff(attempt), "attempt %d must not overflow", attempt)
	}
	assert.Equal(t, 5*time.Minute, Config{RetryDelay: time.Second}.withDefaults().Backoff(100))
}
