package snapshot

import (
	"context"
	"sync"
	"time"

	"github.com/gyaneshwarpardhi/disputehook/internal/ledger"
)

// Snapshot is the last observed state of a tracked entity, the baseline for the next diff.
type Snapshot struct {
	Status     ledger.Status
	Tally      ledger.VoteTally
	ObservedAt time.Time
}

// Store keeps one Snapshot per entity id. Put replaces; Get reports ok=false for
// an entity that has not been observed yet.
type Store interface {
	Get(ctx context.Context, id uint64) (Snapshot, bool, error)
	Put(ctx context.Context, id uint64, s Snapshot) error
	Delete(ctx context.Context, id uint64) error
}

// MemoryStore is a map-backed Store.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[uint64]Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[uint64]Snapshot)}
}

func (m *MemoryStore) Get(_ context.Context, id uint64) (Snapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	return s, ok, nil
}

func (m *MemoryStore) Put(_ context.Context, id uint64, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[id] = s
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, id)
	return nil
}

// Len returns the number of stored snapshots.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}
