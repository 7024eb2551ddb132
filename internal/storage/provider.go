// Package storage selects the snapshot blob store named in configuration.
// Concrete stores live in subpackages (memory, local, gcs); this package only
// builds them, so callers stay independent of a specific backend.
package storage

import (
	"context"
	"fmt"
	"strings"

	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/netcollector/internal/snapshot"
	"github.com/JakeFAU/netcollector/internal/storage/gcs"
	"github.com/JakeFAU/netcollector/internal/storage/local"
	"github.com/JakeFAU/netcollector/internal/storage/memory"
)

// Supported providers.
const (
	ProviderMemory = "memory"
	ProviderLocal  = "local"
	ProviderGCS    = "gcs"
)

// Config names the provider and its parameters.
type Config struct {
	Provider     string
	BaseDir      string
	GCSBucket    string
	CacheControl string
}

// GCSClientFactory creates Cloud Storage clients.
type GCSClientFactory interface {
	NewClient(ctx context.Context) (*gcsclient.Client, error)
}

// DefaultGCSClientFactory authenticates with Application Default Credentials.
type DefaultGCSClientFactory struct {
	Options []option.ClientOption
}

// NewClient implements GCSClientFactory.
func (f DefaultGCSClientFactory) NewClient(ctx context.Context) (*gcsclient.Client, error) {
	client, err := gcsclient.NewClient(ctx, f.Options...)
	if err != nil {
		return nil, fmt.Errorf("new storage client: %w", err)
	}
	return client, nil
}

// NewBlobStore builds the configured store. The returned close function
// releases any client the store holds and is never nil.
func NewBlobStore(
	ctx context.Context,
	cfg Config,
	factory GCSClientFactory,
	logger *zap.Logger,
) (snapshot.BlobStore, func() error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderMemory:
		return memory.NewBlobStore(), noop, nil
	case ProviderLocal:
		store, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, noop, fmt.Errorf("local blob store: %w", err)
		}
		return store, noop, nil
	case ProviderGCS:
		return newGCS(ctx, cfg, factory, logger)
	default:
		return nil, noop, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}

func newGCS(
	ctx context.Context,
	cfg Config,
	factory GCSClientFactory,
	logger *zap.Logger,
) (snapshot.BlobStore, func() error, error) {
	noop := func() error { return nil }
	if factory == nil {
		factory = DefaultGCSClientFactory{}
	}
	client, err := factory.NewClient(ctx)
	if err != nil {
		return nil, noop, fmt.Errorf("failed to create GCS client: %w", err)
	}
	// Fail fast on startup when the bucket is missing or not accessible.
	if _, err := client.Bucket(cfg.GCSBucket).Attrs(ctx); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("failed to close GCS client after bucket check failure", zap.Error(closeErr))
		}
		return nil, noop, fmt.Errorf("failed to get GCS bucket %q attributes: %w", cfg.GCSBucket, err)
	}
	store, err := gcs.New(client, gcs.Config{Bucket: cfg.GCSBucket, CacheControl: cfg.CacheControl})
	if err != nil {
		_ = client.Close()
		return nil, noop, fmt.Errorf("gcs blob store: %w", err)
	}
	return store, client.Close, nil
}
