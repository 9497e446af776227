package subscription

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gyaneshwarpardhi/disputehook/internal/event"
)

var (
	ErrNotFound      = errors.New("subscription not found")
	ErrInvalidURL    = errors.New("subscription url must be an absolute http(s) url")
	ErrInvalidFilter = errors.New("subscription filter is invalid")
)

// Subscription is a registered webhook endpoint and its delivery filters.
// An empty filter matches everything.
type Subscription struct {
	ID         string       `json:"id"`
	URL        string       `json:"url"`
	EventTypes []event.Type `json:"eventTypes,omitempty"`
	Addresses  []string     `json:"addresses,omitempty"`
	EntityIDs  []uint64     `json:"entityIds,omitempty"`
	Secret     string       `json:"-"`
	Active     bool         `json:"active"`
	// Managed marks subscriptions declared in the config file; they are
	// removed when the file no longer declares them.
	Managed   bool      `json:"managed"`
	CreatedAt time.Time `json:"createdAt"`
}

// HasSecret reports whether deliveries to s are signed.
func (s Subscription) HasSecret() bool { return s.Secret != "" }

// Matches reports whether ev should be delivered to s. Every non-empty filter
// must pass.
func (s Subscription) Matches(ev event.WebhookEvent) bool {
	if !s.Active {
		return false
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, ev.Type) {
		return false
	}
	if len(s.Addresses) > 0 {
		hit := false
		for _, a := range s.Addresses {
			if event.HasAddress(ev.Data, a) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if len(s.EntityIDs) > 0 && !slices.Contains(s.EntityIDs, ev.EntityID()) {
		return false
	}
	return true
}

// Spec describes a subscription to register. ID is optional; config-declared
// subscriptions set it so reloads replace rather than duplicate them.
type Spec struct {
	ID         string       `json:"id,omitempty"`
	URL        string       `json:"url"`
	EventTypes []event.Type `json:"eventTypes,omitempty"`
	Addresses  []string     `json:"addresses,omitempty"`
	EntityIDs  []uint64     `json:"entityIds,omitempty"`
	Secret     string       `json:"secret,omitempty"`
	Managed    bool         `json:"-"`
}

// Validate checks the URL and event type filter.
func (sp Spec) Validate() error {
	u, err := url.Parse(strings.TrimSpace(sp.URL))
	if err != nil || !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%q: %w", sp.URL, ErrInvalidURL)
	}
	for _, t := range sp.EventTypes {
		if !event.Known(t) {
			return fmt.Errorf("unknown event type %q: %w", t, ErrInvalidFilter)
		}
	}
	return nil
}

// Repository persists subscriptions by id.
type Repository interface {
	Get(ctx context.Context, id string) (Subscription, bool, error)
	Put(ctx context.Context, s Subscription) error
	Delete(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]Subscription, error)
}

// MemoryRepository is a map-backed Repository.
type MemoryRepository struct {
	mu   sync.RWMutex
	byID map[string]Subscription
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[string]Subscription)}
}

func (m *MemoryRepository) Get(_ context.Context, id string) (Subscription, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	return s, ok, nil
}

func (m *MemoryRepository) Put(_ context.Context, s Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[s.ID] = s
	return nil
}

func (m *MemoryRepository) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byID[id]
	delete(m.byID, id)
	return ok, nil
}

func (m *MemoryRepository) List(_ context.Context) ([]Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Subscription, 0, len(m.byID))
	for _, s := range m.byID {
		out = append(out, s)
	}
	return out, nil
}
