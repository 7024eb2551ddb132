// Package store declares interfaces for persisting collection session history.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("session record not found")

// SessionStatus mirrors the collector_sessions status column.
type SessionStatus string

// Session statuses persisted in collector_sessions.status.
const (
	SessionCollecting SessionStatus = "collecting"
	SessionSettled    SessionStatus = "settled"
)

// Session models the collector_sessions table for API responses.
type Session struct {
	// ID is the collection session identifier shared with progress events.
	ID uuid.UUID `json:"id"`
	// StartedAt captures when the session was first observed.
	StartedAt time.Time `json:"started_at"`
	// SettledAt is nil until a page-load wait completes.
	SettledAt *time.Time `json:"settled_at,omitempty"`
	// Status is collecting/settled.
	Status SessionStatus `json:"status"`
	// Outcome is the quiescence outcome of the latest wait.
	Outcome *string `json:"outcome,omitempty"`
	// Items is the number of records held when the session last settled.
	Items int `json:"items"`
}

// HostStats captures per-host aggregation for a session.
type HostStats struct {
	// SessionID is the owning session.
	SessionID uuid.UUID `json:"session_id"`
	// Host is the request host (e.g., example.com).
	Host string `json:"host"`
	// LastUpdate captures the timestamp of the most recent aggregate.
	LastUpdate time.Time `json:"last_update"`
	// Requests counts observed request starts for the host.
	Requests int64 `json:"requests"`
	// BytesTotal accumulates response body bytes.
	BytesTotal int64 `json:"bytes_total"`
	// Status2xx-5xx hold per-status response counts.
	Status2xx int64 `json:"status_2xx"`
	Status3xx int64 `json:"status_3xx"`
	Status4xx int64 `json:"status_4xx"`
	Status5xx int64 `json:"status_5xx"`
}

// HostDelta is one increment applied to a session's host aggregate.
type HostDelta struct {
	Requests    int64
	Bytes       int64
	Responses   int64
	StatusClass string
	At          time.Time
}

// SessionRepository persists incremental session history.
type SessionRepository interface {
	// UpsertSessionStart inserts (or idempotently updates) the started_at timestamp.
	UpsertSessionStart(ctx context.Context, sessionID uuid.UUID, startedAt time.Time) error
	// CompleteSession records the outcome of a page-load wait.
	CompleteSession(ctx context.Context, sessionID uuid.UUID, settledAt time.Time, outcome string, items int) error
	// UpsertHostStats applies deltas per (session, host).
	UpsertHostStats(ctx context.Context, sessionID uuid.UUID, host string, delta HostDelta) error
	// GetSession loads a single session or returns ErrNotFound.
	GetSession(ctx context.Context, sessionID uuid.UUID) (Session, error)
	// ListSessions returns sessions filtered by optional status plus limit/offset.
	ListSessions(ctx context.Context, status *SessionStatus, limit, offset int) ([]Session, error)
	// ListSessionHosts returns aggregated host stats for one session.
	ListSessionHosts(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]HostStats, error)
}
