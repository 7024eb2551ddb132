package snapshot_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/netcollector/internal/hash/sha256"
	pubmemory "github.com/JakeFAU/netcollector/internal/publisher/memory"
	"github.com/JakeFAU/netcollector/internal/record"
	"github.com/JakeFAU/netcollector/internal/snapshot"
	"github.com/JakeFAU/netcollector/internal/storage/memory"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fixedIDs struct{ id string }

func (f fixedIDs) NewID() (string, error) { return f.id, nil }

type failingIndex struct{ err error }

func (f failingIndex) StoreSnapshot(context.Context, snapshot.IndexRow) error { return f.err }

var (
	sessionID = uuid.MustParse("0190c5d6-0000-7000-8000-000000000001")
	takenAt   = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
)

func newExporter(t *testing.T, cfg snapshot.Config) *snapshot.Exporter {
	t.Helper()
	if cfg.Clock == nil {
		cfg.Clock = fixedClock{t: takenAt}
	}
	if cfg.IDs == nil {
		cfg.IDs = fixedIDs{id: "snap-1"}
	}
	exp, err := snapshot.NewExporter(cfg)
	require.NoError(t, err)
	return exp
}

// TestNewExporterRequiresBlob ensures the document store is mandatory.
func TestNewExporterRequiresBlob(t *testing.T) {
	t.Parallel()
	_, err := snapshot.NewExporter(snapshot.Config{})
	require.Error(t, err)
}

// TestExportWritesDocumentIndexAndNotification covers the full export path.
func TestExportWritesDocumentIndexAndNotification(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	index := memory.NewSnapshotIndex()
	pub := pubmemory.New()
	exp := newExporter(t, snapshot.Config{
		Blob:      blobs,
		Index:     index,
		Publisher: pub,
		Topic:     "snapshots",
		Prefix:    "/exports/",
	})

	items := []record.Record{
		*record.New("1000.1", "GET", "https://example.com/", false, takenAt),
		*record.New("1000.2", "POST", "https://example.com/api", true, takenAt),
	}
	row, err := exp.Export(context.Background(), snapshot.Request{
		SessionID: sessionID,
		Outcome:   "idle",
		Items:     items,
	})
	require.NoError(t, err)

	wantPath := "exports/sessions/" + sessionID.String() + "/2026/03/14/snap-1.json"
	assert.Equal(t, "memory://"+wantPath, row.BlobURI)
	assert.Equal(t, 2, row.ItemCount)
	assert.Equal(t, "idle", row.Outcome)
	assert.Equal(t, takenAt.Truncate(time.Hour), row.PartitionTS)

	data, ok := blobs.Object(wantPath)
	require.True(t, ok)
	require.NoError(t, sha256.New().Verify(data, row.Digest))
	assert.Equal(t, int64(len(data)), row.SizeBytes)
	var doc snapshot.Document
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, sessionID.String(), doc.SessionID)
	require.Len(t, doc.Items, 2)
	assert.Equal(t, "1000.2", doc.Items[1].ID)

	assert.Equal(t, []snapshot.IndexRow{row}, index.Rows())
	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "snapshots", msgs[0].Topic)
	assert.Equal(t, row, msgs[0].Payload)
	var published snapshot.IndexRow
	require.NoError(t, json.Unmarshal(msgs[0].Data, &published))
	assert.Equal(t, row.BlobURI, published.BlobURI)
}

// TestExportEmptySession verifies a session with no records still exports a document.
func TestExportEmptySession(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	exp := newExporter(t, snapshot.Config{Blob: blobs})

	row, err := exp.Export(context.Background(), snapshot.Request{SessionID: sessionID})
	require.NoError(t, err)
	assert.Zero(t, row.ItemCount)

	data, ok := blobs.Object("sessions/" + sessionID.String() + "/2026/03/14/snap-1.json")
	require.True(t, ok)
	assert.Contains(t, string(data), `"items":[]`)
	assert.NotContains(t, string(data), `"outcome"`)
}

// TestExportSkipsPublishWithoutTopic ensures a publisher alone does not trigger notifications.
func TestExportSkipsPublishWithoutTopic(t *testing.T) {
	t.Parallel()

	pub := pubmemory.New()
	exp := newExporter(t, snapshot.Config{Blob: memory.NewBlobStore(), Publisher: pub})

	_, err := exp.Export(context.Background(), snapshot.Request{SessionID: sessionID})
	require.NoError(t, err)
	assert.Empty(t, pub.Messages())
}

// TestExportPropagatesFailures covers index and publish errors after the document is stored.
func TestExportPropagatesFailures(t *testing.T) {
	t.Parallel()

	t.Run("index", func(t *testing.T) {
		t.Parallel()
		blobs := memory.NewBlobStore()
		exp := newExporter(t, snapshot.Config{
			Blob:  blobs,
			Index: failingIndex{err: errors.New("db down")},
		})
		row, err := exp.Export(context.Background(), snapshot.Request{SessionID: sessionID})
		require.ErrorContains(t, err, "index snapshot")
		assert.NotEmpty(t, row.BlobURI, "document is stored before indexing")
		assert.Len(t, blobs.Paths(), 1)
	})

	t.Run("publish", func(t *testing.T) {
		t.Parallel()
		pub := pubmemory.New()
		pub.FailNext(errors.New("broker down"))
		exp := newExporter(t, snapshot.Config{
			Blob:      memory.NewBlobStore(),
			Publisher: pub,
			Topic:     "snapshots",
		})
		_, err := exp.Export(context.Background(), snapshot.Request{SessionID: sessionID})
		require.ErrorContains(t, err, "publish snapshot")
	})
}
