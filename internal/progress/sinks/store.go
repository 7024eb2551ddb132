package sinks

import (
	"context"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/netcollector/internal/progress"
	"github.com/JakeFAU/netcollector/internal/store"
)

// StoreSink persists progress deltas via a store.SessionRepository. It batches
// host-level counters to reduce write amplification.
type StoreSink struct {
	repo   store.SessionRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.SessionRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume collapses host deltas and forwards them to the repository. It respects
// ctx deadlines and returns any repository errors verbatim.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	stats := make(map[statsKey]*store.HostDelta)

	for _, evt := range batch {
		sessionID := evt.SessionUUID()
		switch evt.Stage {
		case progress.StageSessionStart:
			if err := s.repo.UpsertSessionStart(ctx, sessionID, evt.TS); err != nil {
				return fmt.Errorf("upsert session start: %w", err)
			}
		case progress.StageSessionSettled:
			if err := s.repo.CompleteSession(ctx, sessionID, evt.TS, evt.Outcome, evt.Items); err != nil {
				return fmt.Errorf("complete session: %w", err)
			}
		case progress.StageRequestStart, progress.StageFetchDone:
			s.recordHostStats(stats, sessionID, evt)
		}
	}

	for key, delta := range stats {
		if delta.Requests == 0 && delta.Bytes == 0 && delta.Responses == 0 {
			continue
		}
		if err := s.repo.UpsertHostStats(ctx, key.sessionID, key.host, *delta); err != nil {
			return fmt.Errorf("upsert host stats: %w", err)
		}
	}
	return nil
}

func (s *StoreSink) recordHostStats(stats map[statsKey]*store.HostDelta, sessionID uuid.UUID, evt progress.Event) {
	host := hostOf(evt.URL)
	if host == "" {
		return
	}
	key := statsKey{sessionID: sessionID, host: host}
	if evt.Stage == progress.StageFetchDone {
		key.statusClass = string(evt.StatusClass)
	}
	delta := stats[key]
	if delta == nil {
		delta = &store.HostDelta{StatusClass: key.statusClass}
		stats[key] = delta
	}
	switch {
	case evt.Stage == progress.StageRequestStart:
		delta.Requests++
	case evt.StatusClass != "":
		delta.Responses++
	}
	delta.Bytes += evt.Bytes
	if evt.TS.After(delta.At) || delta.At.IsZero() {
		delta.At = evt.TS
	}
}

func hostOf(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type statsKey struct {
	sessionID   uuid.UUID
	host        string
	statusClass string
}

