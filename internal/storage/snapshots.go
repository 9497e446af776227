package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gyaneshwarpardhi/disputehook/internal/ledger"
	"github.com/gyaneshwarpardhi/disputehook/internal/snapshot"
)

// SnapshotStore implements snapshot.Store. Counts are stored as decimal text
// because SQLite integers are signed 64-bit.
type SnapshotStore struct {
	db *sql.DB
}

var _ snapshot.Store = (*SnapshotStore)(nil)

func (s *SnapshotStore) Get(ctx context.Context, id uint64) (snapshot.Snapshot, bool, error) {
	var (
		status, forA, forB, abstain string
		observed                    int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status, for_a, for_b, abstain, observed_at FROM snapshots WHERE entity_id = ?`,
		strconv.FormatUint(id, 10),
	).Scan(&status, &forA, &forB, &abstain, &observed)
	if errors.Is(err, sql.ErrNoRows) {
		return snapshot.Snapshot{}, false, nil
	}
	if err != nil {
		return snapshot.Snapshot{}, false, fmt.Errorf("query snapshot %d: %w", id, err)
	}

	var tally ledger.VoteTally
	for _, f := range []struct {
		dst *uint64
		src string
	}{{&tally.ForA, forA}, {&tally.ForB, forB}, {&tally.Abstain, abstain}} {
		if *f.dst, err = strconv.ParseUint(f.src, 10, 64); err != nil {
			return snapshot.Snapshot{}, false, fmt.Errorf("snapshot %d: corrupt tally %q: %w", id, f.src, err)
		}
	}
	return snapshot.Snapshot{
		Status:     ledger.Status(status),
		Tally:      tally,
		ObservedAt: time.Unix(0, observed).UTC(),
	}, true, nil
}

func (s *SnapshotStore) Put(ctx context.Context, id uint64, snap snapshot.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (entity_id, status, for_a, for_b, abstain, observed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			status = excluded.status,
			for_a = excluded.for_a,
			for_b = excluded.for_b,
			abstain = excluded.abstain,
			observed_at = excluded.observed_at`,
		strconv.FormatUint(id, 10),
		string(snap.Status),
		strconv.FormatUint(snap.Tally.ForA, 10),
		strconv.FormatUint(snap.Tally.ForB, 10),
		strconv.FormatUint(snap.Tally.Abstain, 10),
		snap.ObservedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot %d: %w", id, err)
	}
	return nil
}

func (s *SnapshotStore) Delete(ctx context.Context, id uint64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE entity_id = ?`, strconv.FormatUint(id, 10)); err != nil {
		return fmt.Errorf("delete snapshot %d: %w", id, err)
	}
	return nil
}
