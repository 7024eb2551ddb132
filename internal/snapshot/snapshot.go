// Package snapshot exports the records of a collection session: the JSON
// document goes to a blob store, then an index row and a "snapshot ready"
// notification are written concurrently.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/netcollector/internal/clock/system"
	"github.com/JakeFAU/netcollector/internal/hash/sha256"
	idgen "github.com/JakeFAU/netcollector/internal/id/uuid"
	"github.com/JakeFAU/netcollector/internal/record"
)

// ContentType is the media type of exported snapshot documents.
const ContentType = "application/json"

// BlobStore persists snapshot documents and returns their URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// IndexStore records one row per exported snapshot.
type IndexStore interface {
	StoreSnapshot(ctx context.Context, row IndexRow) error
}

// Publisher pushes "snapshot ready" notifications.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator produces snapshot ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Document is the exported JSON shape.
type Document struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	TakenAt   time.Time       `json:"taken_at"`
	Outcome   string          `json:"outcome,omitempty"`
	Items     []record.Record `json:"items"`
}

// IndexRow describes an exported snapshot.
type IndexRow struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	TakenAt     time.Time `json:"taken_at"`
	PartitionTS time.Time `json:"partition_ts"`
	Outcome     string    `json:"outcome,omitempty"`
	ItemCount   int       `json:"item_count"`
	SizeBytes   int64     `json:"size_bytes"`
	BlobURI     string    `json:"blob_uri"`
	Digest      string    `json:"digest"`
}

// Request is one export.
type Request struct {
	SessionID uuid.UUID
	// Outcome is the page-load outcome, empty for a partial export.
	Outcome string
	Items   []record.Record
}

// Config wires an Exporter.
//   - Blob: required document store.
//   - Index / Publisher: optional; skipped when nil.
//   - Topic: publish topic; publishing is skipped when empty.
//   - Prefix: leading path segment for document paths.
type Config struct {
	Blob      BlobStore
	Index     IndexStore
	Publisher Publisher
	Topic     string
	Prefix    string
	Hasher    Hasher
	IDs       IDGenerator
	Clock     Clock
	Logger    *zap.Logger
}

// Exporter writes snapshots.
type Exporter struct {
	cfg    Config
	hasher Hasher
	ids    IDGenerator
	clock  Clock
	logger *zap.Logger
}

// NewExporter validates cfg and fills defaults.
func NewExporter(cfg Config) (*Exporter, error) {
	if cfg.Blob == nil {
		return nil, errors.New("snapshot exporter requires a blob store")
	}
	e := &Exporter{
		cfg:    cfg,
		hasher: cfg.Hasher,
		ids:    cfg.IDs,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}
	if e.hasher == nil {
		e.hasher = sha256.New()
	}
	if e.ids == nil {
		e.ids = idgen.New()
	}
	if e.clock == nil {
		e.clock = system.New()
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e, nil
}

// Export stores req and returns its index row. The document is written first;
// indexing and publishing then run concurrently and the first failure is
// returned.
func (e *Exporter) Export(ctx context.Context, req Request) (IndexRow, error) {
	id, err := e.ids.NewID()
	if err != nil {
		return IndexRow{}, fmt.Errorf("generate snapshot id: %w", err)
	}
	items := req.Items
	if items == nil {
		items = []record.Record{}
	}
	doc := Document{
		ID:        id,
		SessionID: req.SessionID.String(),
		TakenAt:   e.clock.Now().UTC(),
		Outcome:   req.Outcome,
		Items:     items,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return IndexRow{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	digest, err := e.hasher.Hash(data)
	if err != nil {
		return IndexRow{}, fmt.Errorf("hash snapshot: %w", err)
	}

	uri, err := e.cfg.Blob.PutObject(ctx, e.blobPath(doc), ContentType, data)
	if err != nil {
		return IndexRow{}, fmt.Errorf("put snapshot: %w", err)
	}

	row := IndexRow{
		ID:          doc.ID,
		SessionID:   doc.SessionID,
		TakenAt:     doc.TakenAt,
		PartitionTS: doc.TakenAt.Truncate(time.Hour),
		Outcome:     doc.Outcome,
		ItemCount:   len(items),
		SizeBytes:   int64(len(data)),
		BlobURI:     uri,
		Digest:      digest,
	}

	g, gctx := errgroup.WithContext(ctx)
	if e.cfg.Index != nil {
		g.Go(func() error {
			if err := e.cfg.Index.StoreSnapshot(gctx, row); err != nil {
				return fmt.Errorf("index snapshot: %w", err)
			}
			return nil
		})
	}
	if e.cfg.Publisher != nil && e.cfg.Topic != "" {
		g.Go(func() error {
			if _, err := e.cfg.Publisher.Publish(gctx, e.cfg.Topic, row); err != nil {
				return fmt.Errorf("publish snapshot: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return row, err
	}

	e.logger.Info("snapshot exported",
		zap.String("snapshot_id", row.ID),
		zap.String("session_id", row.SessionID),
		zap.Int("items", row.ItemCount),
		zap.String("blob_uri", row.BlobURI),
		zap.String("digest", row.Digest),
	)
	return row, nil
}

// blobPath lays documents out as <prefix>/sessions/<session>/<yyyy>/<mm>/<dd>/<id>.json.
func (e *Exporter) blobPath(doc Document) string {
	parts := make([]string, 0, 4)
	if prefix := strings.Trim(e.cfg.Prefix, "/"); prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts,
		"sessions",
		doc.SessionID,
		doc.TakenAt.Format("2006/01/02"),
		doc.ID+".json",
	)
	return path.Join(parts...)
}
