package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gyaneshwarpardhi/disputehook/internal/delivery"
	"github.com/gyaneshwarpardhi/disputehook/internal/poller"
	"github.com/gyaneshwarpardhi/disputehook/internal/subscription"
)

const maxQueryLimit = 1000

// Handler holds all HTTP handler dependencies.
type Handler struct {
	registry  *subscription.Registry
	scheduler *poller.Scheduler
	engine    *delivery.Engine
	mux       *http.ServeMux
}

// New creates an HTTP handler and registers all routes.
func New(reg *subscription.Registry, sched *poller.Scheduler, eng *delivery.Engine) http.Handler {
	h := &Handler{registry: reg, scheduler: sched, engine: eng, mux: http.NewServeMux()}

	h.mux.HandleFunc("GET /v1/subscriptions", h.listSubscriptions)
	h.mux.HandleFunc("POST /v1/subscriptions", h.createSubscription)
	h.mux.HandleFunc("GET /v1/subscriptions/{id}", h.getSubscription)
	h.mux.HandleFunc("DELETE /v1/subscriptions/{id}", h.deleteSubscription)
	h.mux.HandleFunc("POST /v1/subscriptions/{id}/pause", h.pauseSubscription)
	h.mux.HandleFunc("POST /v1/subscriptions/{id}/resume", h.resumeSubscription)
	h.mux.HandleFunc("GET /v1/tracked", h.listTracked)
	h.mux.HandleFunc("POST /v1/tracked", h.addTracked)
	h.mux.HandleFunc("DELETE /v1/tracked/{id}", h.removeTracked)
	h.mux.HandleFunc("POST /v1/poll", h.pollNow)
	h.mux.HandleFunc("GET /v1/deliveries", h.listDeliveries)
	h.mux.HandleFunc("DELETE /v1/deliveries", h.clearDeliveries)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(h.mux)
}

// subscriptionView is a Subscription as exposed over the API; the secret stays server-side.
type subscriptionView struct {
	subscription.Subscription
	Signed bool `json:"signed"`
}

func view(s subscription.Subscription) subscriptionView {
	return subscriptionView{Subscription: s, Signed: s.HasSecret()}
}

// GET /v1/subscriptions
func (h *Handler) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.registry.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]subscriptionView, 0, len(subs))
	for _, s := range subs {
		out = append(out, view(s))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"subscriptions": out})
}

// POST /v1/subscriptions: register a webhook endpoint.
func (h *Handler) createSubscription(w http.ResponseWriter, r *http.Request) {
	var spec subscription.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if spec.ID != "" {
		writeError(w, http.StatusBadRequest, "id is assigned by the server")
		return
	}
	sub, err := h.registry.Register(r.Context(), spec)
	switch {
	case errors.Is(err, subscription.ErrInvalidURL), errors.Is(err, subscription.ErrInvalidFilter):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, view(sub))
}

// GET /v1/subscriptions/{id}
func (h *Handler) getSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.registry.Get(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, subscription.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view(sub))
}

// DELETE /v1/subscriptions/{id}
func (h *Handler) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := h.registry.Unregister(r.Context(), id)
	h.writeToggle(w, id, ok, err, map[string]interface{}{"id": id, "deleted": true})
}

// POST /v1/subscriptions/{id}/pause
func (h *Handler) pauseSubscription(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := h.registry.Pause(r.Context(), id)
	h.writeToggle(w, id, ok, err, map[string]interface{}{"id": id, "active": false})
}

// POST /v1/subscriptions/{id}/resume
func (h *Handler) resumeSubscription(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := h.registry.Resume(r.Context(), id)
	h.writeToggle(w, id, ok, err, map[string]interface{}{"id": id, "active": true})
}

func (h *Handler) writeToggle(w http.ResponseWriter, id string, ok bool, err error, body interface{}) {
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("subscription %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// GET /v1/tracked
func (h *Handler) listTracked(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"tracked": idStrings(h.scheduler.Tracked())})
}

type trackRequest struct {
	IDs []json.Number `json:"ids"`
}

// POST /v1/tracked: start tracking entity ids: {"ids": ["5", 6]}.
func (h *Handler) addTracked(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids must not be empty")
		return
	}
	ids := make([]uint64, 0, len(req.IDs))
	for _, n := range req.IDs {
		id, err := strconv.ParseUint(n.String(), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid entity id %q", n))
			return
		}
		ids = append(ids, id)
	}
	h.scheduler.AddTracked(ids...)
	writeJSON(w, http.StatusOK, map[string]interface{}{"tracked": idStrings(h.scheduler.Tracked())})
}

// DELETE /v1/tracked/{id}
func (h *Handler) removeTracked(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid entity id %q", r.PathValue("id")))
		return
	}
	ok, err := h.scheduler.RemoveTracked(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("entity %d is not tracked", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"removed": strconv.FormatUint(id, 10)})
}

// POST /v1/poll: run one poll tick now and wait for it.
func (h *Handler) pollNow(w http.ResponseWriter, r *http.Request) {
	h.scheduler.PollOnce(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{"polled": len(h.scheduler.Tracked())})
}

// GET /v1/deliveries?subscription_id=&event_id=&success=&limit=
func (h *Handler) listDeliveries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := delivery.Filter{
		SubscriptionID: q.Get("subscription_id"),
		EventID:        q.Get("event_id"),
		Limit:          100,
	}
	if s := q.Get("success"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid success flag %q", s))
			return
		}
		f.Success = &b
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxQueryLimit {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxQueryLimit))
			return
		}
		f.Limit = n
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deliveries": h.engine.History().Query(f)})
}

// DELETE /v1/deliveries
func (h *Handler) clearDeliveries(w http.ResponseWriter, r *http.Request) {
	h.engine.History().Clear()
	w.WriteHeader(http.StatusNoContent)
}

// GET /healthz: always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ok",
		"polling":           h.scheduler.Running(),
		"queue_utilization": h.engine.QueueUtilization(),
	})
}

func idStrings(ids []uint64) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strconv.FormatUint(id, 10)
	}
	return out
}
