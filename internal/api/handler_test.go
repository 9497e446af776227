package api

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/disputehook/internal/delivery"
	"github.com/gyaneshwarpardhi/disputehook/internal/ledger"
	"github.com/gyaneshwarpardhi/disputehook/internal/poller"
	"github.com/gyaneshwarpardhi/disputehook/internal/snapshot"
	"github.com/gyaneshwarpardhi/disputehook/internal/subscription"
	"github.com/gyaneshwarpardhi/disputehook/internal/synth"
)

type openLedger struct{}

func (openLedger) GetEntity(context.Context, uint64) (ledger.Entity, error) {
	return ledger.Entity{Status: ledger.StatusOpen, Amount: big.NewInt(10)}, nil
}

func (openLedger) GetVoteTally(context.Context, uint64) (ledger.VoteTally, error) {
	return ledger.VoteTally{}, nil
}

type fixture struct {
	srv    *httptest.Server
	engine *delivery.Engine
	hooks  atomic.Int32
	hook   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{}
	f.hook = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hooks.Add(1)
	}))
	t.Cleanup(f.hook.Close)

	reg := subscription.NewRegistry(subscription.NewMemoryRepository())
	f.engine = delivery.New(reg, delivery.NewHistory(50), delivery.Config{MaxRetries: 1, RetryDelay: time.Millisecond})
	t.Cleanup(f.engine.Close)
	sched := poller.New(openLedger{}, synth.New(snapshot.NewMemoryStore(), 1), nil, f.engine, poller.Config{}, nil)

	f.srv = httptest.NewServer(New(reg, sched, f.engine))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestSubscriptionLifecycle(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/v1/subscriptions", `{"url":"`+f.hook.URL+`","secret":"k"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, true, body["signed"])
	assert.NotContains(t, body, "secret")

	resp, _ = f.do(t, http.MethodPost, "/v1/subscriptions/"+id+"/pause", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_, body = f.do(t, http.MethodGet, "/v1/subscriptions/"+id, "")
	assert.Equal(t, false, body["active"])

	resp, _ = f.do(t, http.MethodPost, "/v1/subscriptions/"+id+"/resume", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/v1/subscriptions", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["subscriptions"], 1)

	resp, _ = f.do(t, http.MethodDelete, "/v1/subscriptions/"+id, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/v1/subscriptions/"+id, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/v1/subscriptions/"+id, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateSubscription_Rejects(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/v1/subscriptions", `{"url":"not a url"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/v1/subscriptions", `{"url":"http://x","eventTypes":["nope"]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/v1/subscriptions", `{`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTrackPollAndDeliveries(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/v1/subscriptions", `{"url":"`+f.hook.URL+`","entityIds":[5]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/v1/tracked", `{"ids":["5", 6]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []interface{}{"5", "6"}, body["tracked"])

	resp, _ = f.do(t, http.MethodPost, "/v1/poll", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	f.engine.Flush()
	assert.Equal(t, int32(1), f.hooks.Load(), "only entity 5 matches the filter")

	resp, body = f.do(t, http.MethodGet, "/v1/deliveries?success=true&limit=10", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	deliveries, _ := body["deliveries"].([]interface{})
	require.Len(t, deliveries, 1)
	rec := deliveries[0].(map[string]interface{})
	assert.Equal(t, float64(1), rec["attempt"])

	resp, _ = f.do(t, http.MethodGet, "/v1/deliveries?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/v1/deliveries", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Zero(t, f.engine.History().Len())

	resp, _ = f.do(t, http.MethodDelete, "/v1/tracked/6", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/v1/tracked/6", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/v1/tracked/abc", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["polling"])
}
