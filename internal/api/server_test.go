package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/netcollector/internal/collector"
	"github.com/JakeFAU/netcollector/internal/quiescence"
	"github.com/JakeFAU/netcollector/internal/record"
	"github.com/JakeFAU/netcollector/internal/snapshot"
	"github.com/JakeFAU/netcollector/internal/storage/memory"
	"github.com/JakeFAU/netcollector/internal/transport"
	transportmemory "github.com/JakeFAU/netcollector/internal/transport/memory"
)

type fixture struct {
	target    *transportmemory.Target
	collector *collector.Collector
	blobs     *memory.BlobStore
	server    *Server
}

func newFixture(t *testing.T, withExporter bool) *fixture {
	t.Helper()
	target := transportmemory.New()
	c, err := collector.New(target, collector.Config{IdleTimeout: 20 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(c.Stop)

	f := &fixture{target: target, collector: c, blobs: memory.NewBlobStore()}
	deps := Deps{Collector: c}
	if withExporter {
		exp, err := snapshot.NewExporter(snapshot.Config{Blob: f.blobs})
		require.NoError(t, err)
		deps.Exporter = exp
	}
	f.server, err = NewServer(deps)
	require.NoError(t, err)
	return f
}

func (f *fixture) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (f *fixture) loadPage(id string) {
	f.target.StartRequest(transport.RequestStarted{
		ID:        id,
		Method:    "GET",
		URL:       "https://example.com/" + id,
		StartedAt: time.Unix(1700000000, 0).UTC(),
	})
	f.target.Respond(id, record.KindResponseStart, record.Status{HTTPVersion: "HTTP/1.1", Status: 200, StatusText: "OK"})
	f.target.Respond(id, record.KindResponseHeaders, []record.Header{{Name: "Content-Type", Value: "text/html"}})
}

// TestNewServerRequiresCollector rejects a server without a collector.
func TestNewServerRequiresCollector(t *testing.T) {
	t.Parallel()
	_, err := NewServer(Deps{})
	require.Error(t, err)
}

// TestServer_Health covers liveness, readiness and the request id header.
func TestServer_Health(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)

	rec := f.do(t, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = f.do(t, http.MethodGet, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/collector/start").Code)
	rec = f.do(t, http.MethodGet, "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)
}

// TestServer_Metrics verifies the Prometheus endpoint is mounted.
func TestServer_Metrics(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	f.do(t, http.MethodGet, "/healthz")

	rec := f.do(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

// TestServer_StartStop verifies the lifecycle routes report collector state.
func TestServer_StartStop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)

	rec := f.do(t, http.MethodPost, "/v1/collector/start")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[statusDTO](t, rec)
	assert.True(t, st.Running)
	assert.Equal(t, f.collector.SessionID().String(), st.SessionID)
	assert.Equal(t, 1, f.target.Subscribers())

	rec = f.do(t, http.MethodPost, "/v1/collector/stop")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[statusDTO](t, rec).Running)
	assert.Zero(t, f.target.Subscribers())
}

// TestServer_WaitRequiresStart maps ErrNotStarted to 409.
func TestServer_WaitRequiresStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)

	rec := f.do(t, http.MethodPost, "/v1/collector/wait")
	require.Equal(t, http.StatusConflict, rec.Code)
}

// TestServer_WaitInvalidTimeout rejects unparsable timeouts.
func TestServer_WaitInvalidTimeout(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)

	for _, raw := range []string{"soon", "-1s", "0s"} {
		rec := f.do(t, http.MethodPost, "/v1/collector/wait?timeout="+raw)
		require.Equal(t, http.StatusBadRequest, rec.Code, raw)
	}
}

// TestServer_WaitAndItems loads a page, waits for it and reads the records back.
func TestServer_WaitAndItems(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	require.NoError(t, f.collector.Start())

	f.loadPage("1000.1")
	f.loadPage("1000.2")

	rec := f.do(t, http.MethodPost, "/v1/collector/wait?timeout=5s")
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[waitDTO](t, rec)
	assert.Equal(t, string(quiescence.OutcomeIdle), out.Outcome)
	assert.Equal(t, 2, out.Items)

	rec = f.do(t, http.MethodGet, "/v1/items")
	require.Equal(t, http.StatusOK, rec.Code)
	items := decode[struct {
		Items []record.Record `json:"items"`
	}](t, rec)
	require.Len(t, items.Items, 2)
	assert.Equal(t, "1000.1", items.Items[0].ID)
	require.NotNil(t, items.Items[0].ResponseStatus)
	assert.Equal(t, 200, items.Items[0].ResponseStatus.Status)

	rec = f.do(t, http.MethodGet, "/v1/items/1000.2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "https://example.com/1000.2")

	rec = f.do(t, http.MethodGet, "/v1/items/missing")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

// TestServer_WaitTimeout maps a caller deadline to 504.
func TestServer_WaitTimeout(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	require.NoError(t, f.collector.Start())

	f.target.StartRequest(transport.RequestStarted{ID: "slow", Method: "GET", URL: "https://example.com/slow"})
	release := f.target.Block("slow", record.KindResponseHeaders)
	f.target.Respond("slow", record.KindResponseHeaders, []record.Header{})
	t.Cleanup(release)

	rec := f.do(t, http.MethodPost, "/v1/collector/wait?timeout=50ms")
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

// TestServer_WaitDisconnected maps a lost target to 502 and keeps the items.
func TestServer_WaitDisconnected(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	require.NoError(t, f.collector.Start())

	f.loadPage("doc")
	f.target.Disconnect(errors.New("browser closed"))

	rec := f.do(t, http.MethodPost, "/v1/collector/wait?timeout=5s")
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "browser closed")

	items := f.do(t, http.MethodGet, "/v1/items")
	require.Equal(t, http.StatusOK, items.Code)
	assert.Len(t, decode[struct {
		Items []record.Record `json:"items"`
	}](t, items).Items, 1)
}

// busyCollector reports a wait in progress for every Clear.
type busyCollector struct {
	*collector.Collector
}

func (busyCollector) Clear() error { return collector.ErrCollecting }

// TestServer_ClearDuringWait maps ErrCollecting to 409.
func TestServer_ClearDuringWait(t *testing.T) {
	t.Parallel()
	c, err := collector.New(transportmemory.New(), collector.Config{})
	require.NoError(t, err)
	server, err := NewServer(Deps{Collector: busyCollector{c}})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/collector/clear", nil))
	require.Equal(t, http.StatusConflict, rec.Code)
}

// TestServer_ClearStartsNewSession verifies a successful clear rotates the session id.
func TestServer_ClearStartsNewSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	require.NoError(t, f.collector.Start())
	f.loadPage("1000.1")

	before := f.collector.SessionID()
	rec := f.do(t, http.MethodPost, "/v1/collector/clear")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[statusDTO](t, rec)
	assert.NotEqual(t, before.String(), st.SessionID)
	assert.Zero(t, st.Items)
}

// TestServer_CreateSnapshot exports the current items with the last wait outcome.
func TestServer_CreateSnapshot(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)
	require.NoError(t, f.collector.Start())
	f.loadPage("1000.1")

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/collector/wait?timeout=5s").Code)

	rec := f.do(t, http.MethodPost, "/v1/snapshots")
	require.Equal(t, http.StatusCreated, rec.Code)
	out := decode[struct {
		Snapshot snapshot.IndexRow `json:"snapshot"`
	}](t, rec)
	assert.Equal(t, 1, out.Snapshot.ItemCount)
	assert.Equal(t, string(quiescence.OutcomeIdle), out.Snapshot.Outcome)
	assert.Equal(t, f.collector.SessionID().String(), out.Snapshot.SessionID)
	assert.Len(t, f.blobs.Paths(), 1)
}

// TestServer_CreateSnapshotUnavailable answers 503 without an exporter.
func TestServer_CreateSnapshotUnavailable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)

	rec := f.do(t, http.MethodPost, "/v1/snapshots")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type failingExporter struct{}

func (failingExporter) Export(context.Context, snapshot.Request) (snapshot.IndexRow, error) {
	return snapshot.IndexRow{}, errors.New("bucket unavailable")
}

// TestServer_CreateSnapshotFailure maps exporter errors to 500.
func TestServer_CreateSnapshotFailure(t *testing.T) {
	t.Parallel()
	target := transportmemory.New()
	c, err := collector.New(target, collector.Config{})
	require.NoError(t, err)
	server, err := NewServer(Deps{Collector: c, Exporter: failingExporter{}})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/snapshots", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
