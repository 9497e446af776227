package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/disputehook/internal/event"
)

// Registry is the only writer of subscriptions.
type Registry struct {
	repo Repository
	now  func() time.Time
}

// NewRegistry creates a Registry over repo.
func NewRegistry(repo Repository) *Registry {
	return &Registry{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// Register validates spec and stores an active subscription. An empty spec.ID
// gets a fresh uuid; an existing id is replaced but keeps its creation time.
func (r *Registry) Register(ctx context.Context, spec Spec) (Subscription, error) {
	if err := spec.Validate(); err != nil {
		return Subscription{}, err
	}
	sub := Subscription{
		ID:         spec.ID,
		URL:        strings.TrimSpace(spec.URL),
		EventTypes: spec.EventTypes,
		Addresses:  spec.Addresses,
		EntityIDs:  spec.EntityIDs,
		Secret:     spec.Secret,
		Active:     true,
		Managed:    spec.Managed,
		CreatedAt:  r.now(),
	}
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	} else if prev, ok, err := r.repo.Get(ctx, sub.ID); err != nil {
		return Subscription{}, fmt.Errorf("load subscription %s: %w", sub.ID, err)
	} else if ok {
		sub.CreatedAt = prev.CreatedAt
		sub.Active = prev.Active
	}
	if err := r.repo.Put(ctx, sub); err != nil {
		return Subscription{}, fmt.Errorf("store subscription %s: %w", sub.ID, err)
	}
	return sub, nil
}

// Unregister removes the subscription and reports whether it existed.
func (r *Registry) Unregister(ctx context.Context, id string) (bool, error) {
	ok, err := r.repo.Delete(ctx, id)
	if err != nil {
		return false, fmt.Errorf("delete subscription %s: %w", id, err)
	}
	return ok, nil
}

// Pause stops deliveries to the subscription. It reports false for an unknown id.
func (r *Registry) Pause(ctx context.Context, id string) (bool, error) {
	return r.setActive(ctx, id, false)
}

// Resume re-enables deliveries to the subscription. It reports false for an unknown id.
func (r *Registry) Resume(ctx context.Context, id string) (bool, error) {
	return r.setActive(ctx, id, true)
}

func (r *Registry) setActive(ctx context.Context, id string, active bool) (bool, error) {
	sub, ok, err := r.repo.Get(ctx, id)
	if err != nil {
		return false, fmt.Errorf("load subscription %s: %w", id, err)
	}
	if !ok {
		return false, nil
	}
	sub.Active = active
	if err := r.repo.Put(ctx, sub); err != nil {
		return false, fmt.Errorf("store subscription %s: %w", id, err)
	}
	return true, nil
}

// Get returns the subscription with id or ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (Subscription, error) {
	sub, ok, err := r.repo.Get(ctx, id)
	if err != nil {
		return Subscription{}, fmt.Errorf("load subscription %s: %w", id, err)
	}
	if !ok {
		return Subscription{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return sub, nil
}

// List returns all subscriptions, oldest first.
func (r *Registry) List(ctx context.Context) ([]Subscription, error) {
	subs, err := r.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].ID < subs[j].ID
		}
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
	return subs, nil
}

// Match returns the active subscriptions whose filters accept ev.
func (r *Registry) Match(ctx context.Context, ev event.WebhookEvent) ([]Subscription, error) {
	subs, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := subs[:0]
	for _, s := range subs {
		if s.Matches(ev) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Sync makes the managed subscriptions equal to specs: each spec is registered
// as managed and managed subscriptions missing from specs are unregistered.
// Subscriptions created through the API are left alone. A spec that fails
// validation is reported in the joined error and its previous registration,
// if any, is kept.
func (r *Registry) Sync(ctx context.Context, specs []Spec) (removed []string, err error) {
	keep := make(map[string]struct{}, len(specs))
	var errs []error
	for _, spec := range specs {
		if spec.ID == "" {
			errs = append(errs, fmt.Errorf("managed subscription %q: id is required", spec.URL))
			continue
		}
		spec.Managed = true
		keep[spec.ID] = struct{}{}
		if _, err := r.Register(ctx, spec); err != nil {
			errs = append(errs, fmt.Errorf("subscription %s: %w", spec.ID, err))
		}
	}

	subs, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range subs {
		if !s.Managed {
			continue
		}
		if _, ok := keep[s.ID]; ok {
			continue
		}
		if _, err := r.Unregister(ctx, s.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, s.ID)
	}
	return removed, errors.Join(errs...)
}
