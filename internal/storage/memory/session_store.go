package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/netcollector/internal/store"
)

// SessionStore implements store.SessionRepository in memory.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]store.Session
	hosts    map[uuid.UUID]map[string]store.HostStats
}

var _ store.SessionRepository = (*SessionStore)(nil)

// NewSessionStore constructs a SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[uuid.UUID]store.Session),
		hosts:    make(map[uuid.UUID]map[string]store.HostStats),
	}
}

// UpsertSessionStart creates the session or marks it collecting again.
func (s *SessionStore) UpsertSessionStart(_ context.Context, sessionID uuid.UUID, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = store.Session{ID: sessionID, StartedAt: startedAt}
	}
	sess.Status = store.SessionCollecting
	s.sessions[sessionID] = sess
	return nil
}

// CompleteSession records the latest page-load outcome.
func (s *SessionStore) CompleteSession(
	_ context.Context,
	sessionID uuid.UUID,
	settledAt time.Time,
	outcome string,
	items int,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	sess.Status = store.SessionSettled
	sess.SettledAt = pointerTime(settledAt)
	sess.Outcome = &outcome
	sess.Items = items
	s.sessions[sessionID] = sess
	return nil
}

// UpsertHostStats adds delta to the (session, host) aggregate.
func (s *SessionStore) UpsertHostStats(_ context.Context, sessionID uuid.UUID, host string, delta store.HostDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	hosts := s.hosts[sessionID]
	if hosts == nil {
		hosts = make(map[string]store.HostStats)
		s.hosts[sessionID] = hosts
	}
	stat := hosts[host]
	stat.SessionID = sessionID
	stat.Host = host
	stat.Requests += delta.Requests
	stat.BytesTotal += delta.Bytes
	switch delta.StatusClass {
	case "2xx":
		stat.Status2xx += delta.Responses
	case "3xx":
		stat.Status3xx += delta.Responses
	case "4xx":
		stat.Status4xx += delta.Responses
	case "5xx":
		stat.Status5xx += delta.Responses
	}
	if delta.At.After(stat.LastUpdate) {
		stat.LastUpdate = delta.At
	}
	hosts[host] = stat
	return nil
}

// GetSession fetches a session by ID.
func (s *SessionStore) GetSession(_ context.Context, sessionID uuid.UUID) (store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return store.Session{}, store.ErrNotFound
	}
	return sess, nil
}

// ListSessions returns sessions newest first.
func (s *SessionStore) ListSessions(
	_ context.Context,
	status *store.SessionStatus,
	limit,
	offset int,
) ([]store.Session, error) {
	s.mu.RLock()
	out := make([]store.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if status != nil && sess.Status != *status {
			continue
		}
		out = append(out, sess)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return page(out, limit, offset), nil
}

// ListSessionHosts returns host aggregates for a session, most recent first.
func (s *SessionStore) ListSessionHosts(
	_ context.Context,
	sessionID uuid.UUID,
	limit,
	offset int,
) ([]store.HostStats, error) {
	s.mu.RLock()
	out := make([]store.HostStats, 0, len(s.hosts[sessionID]))
	for _, stat := range s.hosts[sessionID] {
		out = append(out, stat)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastUpdate.Equal(out[j].LastUpdate) {
			return out[i].Host < out[j].Host
		}
		return out[i].LastUpdate.After(out[j].LastUpdate)
	})
	return page(out, limit, offset), nil
}

func page[T any](in []T, limit, offset int) []T {
	if offset >= len(in) {
		return []T{}
	}
	in = in[offset:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
