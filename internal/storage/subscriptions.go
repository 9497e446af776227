package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gyaneshwarpardhi/disputehook/internal/subscription"
)

// SubscriptionRepository implements subscription.Repository. Filters are
// stored as JSON arrays; entity ids as decimal strings.
type SubscriptionRepository struct {
	db *sql.DB
}

var _ subscription.Repository = (*SubscriptionRepository)(nil)

const subscriptionColumns = `id, url, event_types, addresses, entity_ids, secret, active, managed, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *SubscriptionRepository) Get(ctx context.Context, id string) (subscription.Subscription, bool, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return subscription.Subscription{}, false, nil
	}
	if err != nil {
		return subscription.Subscription{}, false, fmt.Errorf("query subscription %s: %w", id, err)
	}
	return sub, true, nil
}

func (r *SubscriptionRepository) Put(ctx context.Context, sub subscription.Subscription) error {
	types, err := json.Marshal(nonNil(sub.EventTypes))
	if err != nil {
		return fmt.Errorf("encode event types: %w", err)
	}
	addrs, err := json.Marshal(nonNil(sub.Addresses))
	if err != nil {
		return fmt.Errorf("encode addresses: %w", err)
	}
	ids := make([]string, len(sub.EntityIDs))
	for i, id := range sub.EntityIDs {
		ids[i] = strconv.FormatUint(id, 10)
	}
	entityIDs, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode entity ids: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url,
			event_types = excluded.event_types,
			addresses = excluded.addresses,
			entity_ids = excluded.entity_ids,
			secret = excluded.secret,
			active = excluded.active,
			managed = excluded.managed,
			created_at = excluded.created_at`,
		sub.ID, sub.URL, string(types), string(addrs), string(entityIDs), sub.Secret, sub.Active, sub.Managed, sub.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert subscription %s: %w", sub.ID, err)
	}
	return nil
}

func (r *SubscriptionRepository) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete subscription %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete subscription %s: %w", id, err)
	}
	return n > 0, nil
}

func (r *SubscriptionRepository) List(ctx context.Context) ([]subscription.Subscription, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var out []subscription.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func scanSubscription(row rowScanner) (subscription.Subscription, error) {
	var (
		sub                     subscription.Subscription
		types, addrs, entityIDs string
		created                 int64
	)
	if err := row.Scan(&sub.ID, &sub.URL, &types, &addrs, &entityIDs, &sub.Secret, &sub.Active, &sub.Managed, &created); err != nil {
		return subscription.Subscription{}, err
	}
	if err := json.Unmarshal([]byte(types), &sub.EventTypes); err != nil {
		return subscription.Subscription{}, fmt.Errorf("subscription %s: decode event types: %w", sub.ID, err)
	}
	if err := json.Unmarshal([]byte(addrs), &sub.Addresses); err != nil {
		return subscription.Subscription{}, fmt.Errorf("subscription %s: decode addresses: %w", sub.ID, err)
	}
	var ids []string
	if err := json.Unmarshal([]byte(entityIDs), &ids); err != nil {
		return subscription.Subscription{}, fmt.Errorf("subscription %s: decode entity ids: %w", sub.ID, err)
	}
	for _, s := range ids {
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return subscription.Subscription{}, fmt.Errorf("subscription %s: entity id %q: %w", sub.ID, s, err)
		}
		sub.EntityIDs = append(sub.EntityIDs, id)
	}
	if len(sub.EventTypes) == 0 {
		sub.EventTypes = nil
	}
	if len(sub.Addresses) == 0 {
		sub.Addresses = nil
	}
	sub.CreatedAt = time.Unix(0, created).UTC()
	return sub, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
