package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/netcollector/internal/store"
)

// SessionStore implements the store.SessionRepository interface using Postgres.
type SessionStore struct {
	pool dbPool
}

var _ store.SessionRepository = (*SessionStore)(nil)

// NewSessionStore wraps pool.
func NewSessionStore(pool dbPool) (*SessionStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &SessionStore{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (s *SessionStore) Close() {
	s.pool.Close()
}

// UpsertSessionStart inserts a session or flips it back to collecting.
func (s *SessionStore) UpsertSessionStart(ctx context.Context, sessionID uuid.UUID, startedAt time.Time) error {
	query := `
		INSERT INTO collector_sessions (id, started_at, status, items)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status
		WHERE collector_sessions.status <> EXCLUDED.status;
	`
	if _, err := s.pool.Exec(ctx, query, sessionID, startedAt, store.SessionCollecting); err != nil {
		return fmt.Errorf("failed to upsert session start: %w", err)
	}
	return nil
}

// CompleteSession records the outcome of a page-load wait.
func (s *SessionStore) CompleteSession(
	ctx context.Context,
	sessionID uuid.UUID,
	settledAt time.Time,
	outcome string,
	items int,
) error {
	query := `
		UPDATE collector_sessions
		SET settled_at = $1, status = $2, outcome = $3, items = $4
		WHERE id = $5;
	`
	res, err := s.pool.Exec(ctx, query, settledAt, store.SessionSettled, outcome, items, sessionID)
	if err != nil {
		return fmt.Errorf("failed to complete session: %w", err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpsertHostStats adds delta to the per-host aggregate.
func (s *SessionStore) UpsertHostStats(ctx context.Context, sessionID uuid.UUID, host string, delta store.HostDelta) error {
	var s2xx, s3xx, s4xx, s5xx int64
	switch delta.StatusClass {
	case "2xx":
		s2xx = delta.Responses
	case "3xx":
		s3xx = delta.Responses
	case "4xx":
		s4xx = delta.Responses
	case "5xx":
		s5xx = delta.Responses
	case "", "other":
	default:
		return fmt.Errorf("unknown status class: %s", delta.StatusClass)
	}

	query := `
		INSERT INTO session_hosts (
			session_id, host, last_update, requests, bytes_total,
			status_2xx, status_3xx, status_4xx, status_5xx
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id, host) DO UPDATE SET
			last_update = GREATEST(session_hosts.last_update, EXCLUDED.last_update),
			requests = session_hosts.requests + EXCLUDED.requests,
			bytes_total = session_hosts.bytes_total + EXCLUDED.bytes_total,
			status_2xx = session_hosts.status_2xx + EXCLUDED.status_2xx,
			status_3xx = session_hosts.status_3xx + EXCLUDED.status_3xx,
			status_4xx = session_hosts.status_4xx + EXCLUDED.status_4xx,
			status_5xx = session_hosts.status_5xx + EXCLUDED.status_5xx;
	`
	_, err := s.pool.Exec(
		ctx,
		query,
		sessionID,
		host,
		delta.At,
		delta.Requests,
		delta.Bytes,
		s2xx,
		s3xx,
		s4xx,
		s5xx,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert host stats: %w", err)
	}
	return nil
}

// GetSession retrieves a single session by its ID.
func (s *SessionStore) GetSession(ctx context.Context, sessionID uuid.UUID) (store.Session, error) {
	query := `
		SELECT id, started_at, settled_at, status, outcome, items
		FROM collector_sessions
		WHERE id = $1;
	`
	var sess store.Session
	err := s.pool.QueryRow(ctx, query, sessionID).Scan(
		&sess.ID,
		&sess.StartedAt,
		&sess.SettledAt,
		&sess.Status,
		&sess.Outcome,
		&sess.Items,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Session{}, store.ErrNotFound
		}
		return store.Session{}, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// ListSessions retrieves sessions newest first, with optional status filtering.
func (s *SessionStore) ListSessions(
	ctx context.Context,
	status *store.SessionStatus,
	limit,
	offset int,
) ([]store.Session, error) {
	query := `
		SELECT id, started_at, settled_at, status, outcome, items
		FROM collector_sessions
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []store.Session{}
	for rows.Next() {
		var sess store.Session
		if err := rows.Scan(
			&sess.ID,
			&sess.StartedAt,
			&sess.SettledAt,
			&sess.Status,
			&sess.Outcome,
			&sess.Items,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

// ListSessionHosts retrieves aggregated host statistics for a session.
func (s *SessionStore) ListSessionHosts(
	ctx context.Context,
	sessionID uuid.UUID,
	limit,
	offset int,
) ([]store.HostStats, error) {
	query := `
		SELECT session_id, host, last_update, requests, bytes_total,
			status_2xx, status_3xx, status_4xx, status_5xx
		FROM session_hosts
		WHERE session_id = $1
		ORDER BY last_update DESC, host
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list session hosts: %w", err)
	}
	defer rows.Close()

	stats := []store.HostStats{}
	for rows.Next() {
		var stat store.HostStats
		if err := rows.Scan(
			&stat.SessionID,
			&stat.Host,
			&stat.LastUpdate,
			&stat.Requests,
			&stat.BytesTotal,
			&stat.Status2xx,
			&stat.Status3xx,
			&stat.Status4xx,
			&stat.Status5xx,
		); err != nil {
			return nil, fmt.Errorf("failed to scan host stats row: %w", err)
		}
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate host stats: %w", err)
	}
	return stats, nil
}
