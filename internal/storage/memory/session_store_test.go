package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/netcollector/internal/store"
)

func TestSessionStoreLifecycle(t *testing.T) {
	t.Parallel()

	repo := NewSessionStore()
	ctx := context.Background()
	sessionID := uuid.New()
	started := time.Unix(1700000000, 0).UTC()

	if _, err := repo.GetSession(ctx, sessionID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := repo.CompleteSession(ctx, sessionID, started, "idle", 1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound completing unknown session, got %v", err)
	}
	if err := repo.UpsertSessionStart(ctx, sessionID, started); err != nil {
		t.Fatalf("UpsertSessionStart() error = %v", err)
	}
	if err := repo.CompleteSession(ctx, sessionID, started.Add(time.Second), "idle", 3); err != nil {
		t.Fatalf("CompleteSession() error = %v", err)
	}

	sess, err := repo.GetSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess.Status != store.SessionSettled || sess.SettledAt == nil || *sess.Outcome != "idle" || sess.Items != 3 {
		t.Fatalf("unexpected session %+v", sess)
	}

	settled := store.SessionSettled
	list, err := repo.ListSessions(ctx, &settled, 10, 0)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListSessions() unexpected result: %v err=%v", list, err)
	}
	collecting := store.SessionCollecting
	list, err = repo.ListSessions(ctx, &collecting, 10, 0)
	if err != nil || len(list) != 0 {
		t.Fatalf("expected no collecting sessions, got %v err=%v", list, err)
	}
}

func TestSessionStoreHostStatsAccumulate(t *testing.T) {
	t.Parallel()

	repo := NewSessionStore()
	ctx := context.Background()
	sessionID := uuid.New()
	now := time.Unix(1700000000, 0).UTC()

	deltas := []store.HostDelta{
		{Requests: 2, Bytes: 100, At: now},
		{Responses: 1, StatusClass: "2xx", At: now.Add(time.Second)},
		{Responses: 1, StatusClass: "4xx", At: now},
	}
	for _, d := range deltas {
		if err := repo.UpsertHostStats(ctx, sessionID, "example.com", d); err != nil {
			t.Fatalf("UpsertHostStats() error = %v", err)
		}
	}

	hosts, err := repo.ListSessionHosts(ctx, sessionID, 0, 0)
	if err != nil || len(hosts) != 1 {
		t.Fatalf("ListSessionHosts() unexpected result: %v err=%v", hosts, err)
	}
	got := hosts[0]
	if got.Requests != 2 || got.BytesTotal != 100 || got.Status2xx != 1 || got.Status4xx != 1 {
		t.Fatalf("unexpected aggregate %+v", got)
	}
	if !got.LastUpdate.Equal(now.Add(time.Second)) {
		t.Fatalf("expected last update to track the newest delta, got %v", got.LastUpdate)
	}

	paged, _ := repo.ListSessionHosts(ctx, sessionID, 10, 5)
	if len(paged) != 0 {
		t.Fatalf("expected empty page past the end, got %v", paged)
	}
}
