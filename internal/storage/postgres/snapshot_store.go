package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/netcollector/internal/snapshot"
)

// SnapshotStore writes snapshot index rows into Postgres.
type SnapshotStore struct {
	pool  dbPool
	table string
}

// NewSnapshotStore constructs a store over pool (a *pgxpool.Pool in
// production, a pgxmock pool in tests). An empty table defaults to "snapshots".
func NewSnapshotStore(pool dbPool, table string) (*SnapshotStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, "snapshots")
	if err != nil {
		return nil, err
	}
	return &SnapshotStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *SnapshotStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// StoreSnapshot inserts an index row.
func (s *SnapshotStore) StoreSnapshot(ctx context.Context, row snapshot.IndexRow) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("snapshot store is not configured")
	}
	if row.ID == "" {
		return fmt.Errorf("snapshot id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	session_id,
	partition_ts,
	taken_at,
	outcome,
	item_count,
	size_bytes,
	blob_uri,
	digest
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
)`, s.table)

	var outcome *string
	if row.Outcome != "" {
		outcome = &row.Outcome
	}
	args := []any{
		row.ID,
		row.SessionID,
		row.PartitionTS,
		row.TakenAt,
		outcome,
		row.ItemCount,
		row.SizeBytes,
		row.BlobURI,
		row.Digest,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}
