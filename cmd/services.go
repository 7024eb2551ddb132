package cmd

import (
	"context"
	"errors"
	"fmt"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/netcollector/internal/collector"
	"github.com/JakeFAU/netcollector/internal/config"
	"github.com/JakeFAU/netcollector/internal/id/uuid"
	"github.com/JakeFAU/netcollector/internal/progress"
	"github.com/JakeFAU/netcollector/internal/progress/sinks"
	pubsubpublisher "github.com/JakeFAU/netcollector/internal/publisher/pubsub"
	"github.com/JakeFAU/netcollector/internal/snapshot"
	"github.com/JakeFAU/netcollector/internal/storage"
	"github.com/JakeFAU/netcollector/internal/storage/memory"
	"github.com/JakeFAU/netcollector/internal/storage/postgres"
	"github.com/JakeFAU/netcollector/internal/store"
	"github.com/JakeFAU/netcollector/internal/telemetry"
	"github.com/JakeFAU/netcollector/internal/transport"
)

// version is reported on spans; overridden at link time.
var version = "dev"

// services holds everything built from configuration that outlives a single
// collection.
type services struct {
	cfg      config.Config
	logger   *zap.Logger
	hub      *progress.Hub
	sessions store.SessionRepository
	exporter *snapshot.Exporter

	closers []func(context.Context) error
}

// newServices builds the progress hub, persistence and the snapshot exporter.
// Postgres and Pub/Sub are only dialed when configured. On error everything
// built so far is released.
func newServices(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *services, err error) {
	svc := &services{cfg: cfg, logger: logger}
	defer func() {
		if err == nil {
			return
		}
		if cerr := svc.Close(context.Background()); cerr != nil {
			logger.Warn("release partially built services", zap.Error(cerr))
		}
	}()

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
		})
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		svc.closers = append(svc.closers, func(ctx context.Context) error { return shutdownTracer(ctx, tp) })
	}

	var (
		index    snapshot.IndexStore
		sessions store.SessionRepository
	)
	if cfg.DB.DSN != "" {
		pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
			DSN:             cfg.DB.DSN,
			MaxConns:        cfg.DB.MaxConns,
			MaxConnLifetime: cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		svc.closers = append(svc.closers, closePool(pool))
		snapshots, err := postgres.NewSnapshotStore(pool, cfg.DB.Table)
		if err != nil {
			return nil, fmt.Errorf("snapshot store: %w", err)
		}
		sessionStore, err := postgres.NewSessionStore(pool)
		if err != nil {
			return nil, fmt.Errorf("session store: %w", err)
		}
		index, sessions = snapshots, sessionStore
		logger.Info("postgres persistence enabled", zap.String("table", cfg.DB.Table))
	} else {
		index, sessions = memory.NewSnapshotIndex(), memory.NewSessionStore()
	}
	svc.sessions = sessions

	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink: %w", err)
	}
	svc.hub = progress.NewHub(progress.Config{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("progress")),
		promSink,
		sinks.NewStoreSink(sessions, logger.Named("progress")),
	)
	svc.closers = append(svc.closers, func(ctx context.Context) error {
		err := svc.hub.Close(ctx)
		stats := svc.hub.Stats()
		logger.Info("progress hub closed",
			zap.Int64("accepted", stats.Accepted),
			zap.Int64("dropped", stats.Dropped),
			zap.Int64("batches", stats.Batches),
			zap.Int64("sink_errors", stats.SinkErrors),
		)
		return err
	})

	blob, closeBlob, err := storage.NewBlobStore(ctx, storage.Config{
		Provider:     cfg.Storage.Provider,
		BaseDir:      cfg.Storage.BaseDir,
		GCSBucket:    cfg.Storage.GCSBucket,
		CacheControl: cfg.Storage.CacheControl,
	}, nil, logger.Named("storage"))
	if err != nil {
		return nil, fmt.Errorf("blob store: %w", err)
	}
	svc.closers = append(svc.closers, func(context.Context) error { return closeBlob() })

	var publisher snapshot.Publisher
	if cfg.PubSub.TopicName != "" {
		client, err := gpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client: %w", err)
		}
		pub := pubsubpublisher.New(client)
		svc.closers = append(svc.closers, func(context.Context) error {
			pub.Close()
			return client.Close()
		})
		publisher = pub
		logger.Info("snapshot notifications enabled", zap.String("topic", cfg.PubSub.TopicName))
	}

	svc.exporter, err = snapshot.NewExporter(snapshot.Config{
		Blob:      blob,
		Index:     index,
		Publisher: publisher,
		Topic:     cfg.PubSub.TopicName,
		Prefix:    cfg.Storage.Prefix,
		Logger:    logger.Named("snapshot"),
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot exporter: %w", err)
	}
	return svc, nil
}

// newCollector builds a collector over target with this service set's
// emitter and configuration.
func (s *services) newCollector(ctx context.Context, target transport.Target) (*collector.Collector, error) {
	return collector.New(target, collector.Config{
		IdleTimeout:     s.cfg.Collector.IdleTimeout,
		AbsoluteTimeout: s.cfg.Collector.AbsoluteTimeout,
		CollectBodies:   s.cfg.Collector.CollectBodies,
		BaseContext:     ctx,
		Emitter:         s.hub,
		IDs:             uuid.New(),
		Logger:          s.logger.Named("collector"),
	})
}

// Close releases services in reverse construction order.
func (s *services) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func closePool(pool *pgxpool.Pool) func(context.Context) error {
	return func(context.Context) error {
		pool.Close()
		return nil
	}
}

func shutdownTracer(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if err := tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	return nil
}
