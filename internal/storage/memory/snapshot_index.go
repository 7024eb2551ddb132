package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/netcollector/internal/snapshot"
)

// SnapshotIndex implements snapshot.IndexStore in memory.
type SnapshotIndex struct {
	mu   sync.RWMutex
	rows []snapshot.IndexRow
}

// NewSnapshotIndex constructs an empty index.
func NewSnapshotIndex() *SnapshotIndex {
	return &SnapshotIndex{}
}

// StoreSnapshot appends row. Snapshot ids are unique.
func (s *SnapshotIndex) StoreSnapshot(_ context.Context, row snapshot.IndexRow) error {
	if row.ID == "" {
		return errors.New("snapshot id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.rows {
		if existing.ID == row.ID {
			return errors.New("snapshot already indexed")
		}
	}
	s.rows = append(s.rows, row)
	return nil
}

// Rows returns a copy of the indexed rows in insertion order.
func (s *SnapshotIndex) Rows() []snapshot.IndexRow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]snapshot.IndexRow, len(s.rows))
	copy(out, s.rows)
	return out
}
