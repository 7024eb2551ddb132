// Package collector is the lifecycle wrapper around one monitored target: it
// subscribes the correlator to the target's event stream, exposes page-load
// detection, and hands out snapshots of what was collected.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/netcollector/internal/clock/system"
	"github.com/JakeFAU/netcollector/internal/correlator"
	"github.com/JakeFAU/netcollector/internal/progress"
	"github.com/JakeFAU/netcollector/internal/quiescence"
	"github.com/JakeFAU/netcollector/internal/record"
	"github.com/JakeFAU/netcollector/internal/transport"
)

var (
	// ErrNotStarted is returned by WaitForPageLoad before Start.
	ErrNotStarted = errors.New("collector not started")
	// ErrCollecting is returned by Clear while a page-load wait is in progress.
	ErrCollecting = errors.New("collector is waiting for page load")
	// ErrDisconnected is returned by WaitForPageLoad when the target went
	// away. Items collected so far stay readable.
	ErrDisconnected = transport.ErrDisconnected
)

// Config controls a Collector.
type Config struct {
	// IdleTimeout is the quiet window that declares a page loaded; <= 0
	// declares it as soon as pending fetches drain.
	IdleTimeout time.Duration
	// AbsoluteTimeout force-resolves WaitForPageLoad; <= 0 disables it.
	AbsoluteTimeout time.Duration
	// CollectBodies enables responseContent fetches.
	CollectBodies bool
	// BaseContext is handed to remote fetches.
	BaseContext context.Context
	Emitter     progress.Emitter
	Clock       correlator.Clock
	IDs         correlator.IDGenerator
	Tracer      trace.Tracer
	Logger      *zap.Logger
}

// Collector wires a transport.Target to a correlator and a quiescence
// detector. It is safe for concurrent use.
type Collector struct {
	source     transport.Source
	lifetime   transport.Lifetime
	resetter   transport.Resetter
	correlator *correlator.Correlator
	detector   *quiescence.Detector
	emitter    progress.Emitter
	clock      correlator.Clock
	tracer     trace.Tracer
	logger     *zap.Logger

	mu          sync.Mutex
	unsubscribe func()
	// waiting is raised under mu so Clear cannot slip between a wait's
	// start check and its registration.
	waiting atomic.Int32
}

// New builds a Collector for target.
func New(target transport.Target, cfg Config) (*Collector, error) {
	if target == nil {
		return nil, errors.New("collector requires a target")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = progress.Nop{}
	}
	clk := cfg.Clock
	if clk == nil {
		clk = system.New()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/JakeFAU/netcollector/internal/collector")
	}

	corr, err := correlator.New(correlator.Config{
		Fetcher:       target,
		CollectBodies: cfg.CollectBodies,
		BaseContext:   cfg.BaseContext,
		Emitter:       emitter,
		Clock:         clk,
		IDs:           cfg.IDs,
		Logger:        logger.Named("correlator"),
	})
	if err != nil {
		return nil, fmt.Errorf("build correlator: %w", err)
	}
	detector := quiescence.New(corr, quiescence.Config{
		IdleTimeout:     cfg.IdleTimeout,
		AbsoluteTimeout: cfg.AbsoluteTimeout,
		Logger:          logger.Named("quiescence"),
	})
	lifetime, _ := target.(transport.Lifetime)
	resetter, _ := target.(transport.Resetter)
	return &Collector{
		source:     target,
		lifetime:   lifetime,
		resetter:   resetter,
		correlator: corr,
		detector:   detector,
		emitter:    emitter,
		clock:      clk,
		tracer:     tracer,
		logger:     logger,
	}, nil
}

// Start subscribes to the target's event stream. Calling Start on a running
// collector is a no-op.
func (c *Collector) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsubscribe != nil {
		return nil
	}
	unsubscribe, err := c.source.Subscribe(handler{c})
	if err != nil {
		return fmt.Errorf("subscribe to target: %w", err)
	}
	c.unsubscribe = unsubscribe
	c.logger.Info("collector started", zap.Stringer("session_id", c.correlator.SessionID()))
	return nil
}

// Stop detaches from the event stream. In-flight fetches still complete but
// nothing waits for them.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsubscribe == nil {
		return
	}
	c.unsubscribe()
	c.unsubscribe = nil
	c.logger.Info("collector stopped", zap.Int("items", c.correlator.Len()))
}

// Running reports whether the collector is subscribed.
func (c *Collector) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubscribe != nil
}

// Clear starts a new session: records, fetch caches and the absolute
// page-load deadline are dropped, and a target holding per-request state is
// reset. It fails with ErrCollecting while a WaitForPageLoad call is
// outstanding.
func (c *Collector) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waiting.Load() > 0 {
		return ErrCollecting
	}
	c.correlator.Clear()
	c.detector.Reset()
	if c.resetter != nil {
		c.resetter.Reset()
	}
	c.logger.Debug("collector cleared", zap.Stringer("session_id", c.correlator.SessionID()))
	return nil
}

// WaitForPageLoad blocks until every known fetch resolved and no new fetch
// started for the idle window, or until the absolute timeout forces it. If
// the target disconnects first the error wraps ErrDisconnected.
func (c *Collector) WaitForPageLoad(ctx context.Context) (quiescence.Outcome, error) {
	c.mu.Lock()
	if c.unsubscribe == nil {
		c.mu.Unlock()
		return "", ErrNotStarted
	}
	c.waiting.Add(1)
	c.mu.Unlock()
	defer c.waiting.Add(-1)

	sessionID := c.correlator.SessionID()
	ctx, span := c.tracer.Start(ctx, "collector.WaitForPageLoad",
		trace.WithAttributes(attribute.String("session_id", sessionID.String())))
	defer span.End()

	started := c.clock.Now()
	outcome, err := c.waitAttached(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "wait for page load")
		if errors.Is(err, ErrDisconnected) {
			c.logger.Warn("target disconnected before page load settled",
				zap.Stringer("session_id", sessionID),
				zap.Int("items", c.correlator.Len()),
				zap.Error(err),
			)
		}
		return "", fmt.Errorf("wait for page load: %w", err)
	}

	items := c.correlator.Len()
	elapsed := c.clock.Now().Sub(started)
	span.SetAttributes(
		attribute.String("outcome", string(outcome)),
		attribute.Int("items", items),
	)
	c.emitter.Emit(progress.Event{
		SessionID: progress.UUIDToBytes(sessionID),
		TS:        c.clock.Now().UTC(),
		Stage:     progress.StageSessionSettled,
		Outcome:   string(outcome),
		Items:     items,
		Dur:       elapsed,
	})
	c.logger.Info("page load settled",
		zap.Stringer("session_id", sessionID),
		zap.String("outcome", string(outcome)),
		zap.Int("items", items),
		zap.Duration("elapsed", elapsed),
	)
	return outcome, nil
}

// waitAttached runs the detector until it settles or the target goes away.
// Fetches against a dead target fail fast, which would otherwise look like a
// settled page.
func (c *Collector) waitAttached(ctx context.Context) (quiescence.Outcome, error) {
	if c.lifetime == nil {
		return c.detector.Wait(ctx)
	}
	if err := c.disconnected(); err != nil {
		return "", err
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-c.lifetime.Done():
			cancel(c.disconnected())
		case <-ctx.Done():
		}
	}()

	outcome, err := c.detector.Wait(ctx)
	if derr := c.disconnected(); derr != nil {
		return "", derr
	}
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// disconnected returns the target's lifetime error once it is gone.
func (c *Collector) disconnected() error {
	select {
	case <-c.lifetime.Done():
	default:
		return nil
	}
	err := c.lifetime.Err()
	switch {
	case err == nil:
		return ErrDisconnected
	case errors.Is(err, ErrDisconnected):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
}

// Items returns a snapshot of every record in request-start order. Partial
// snapshots are valid at any time.
func (c *Collector) Items() []record.Record {
	return c.correlator.Items()
}

// File returns a snapshot of one record.
func (c *Collector) File(id string) (record.Record, bool) {
	return c.correlator.File(id)
}

// SessionID identifies the current session.
func (c *Collector) SessionID() uuid.UUID {
	return c.correlator.SessionID()
}

// Outstanding returns the number of fetches still in flight.
func (c *Collector) Outstanding() int {
	return c.correlator.Pending().Outstanding()
}

// handler recovers correlation problems locally so they never reach the
// target's delivery loop.
type handler struct {
	c *Collector
}

func (h handler) OnRequestStarted(ev transport.RequestStarted) {
	if err := h.c.correlator.OnRequestStarted(ev); err != nil {
		h.c.logger.Warn("request start ignored",
			zap.String("request_id", ev.ID),
			zap.String("url", ev.URL),
			zap.Error(err),
		)
	}
}

func (h handler) OnFieldUpdate(ev transport.FieldUpdate) {
	if err := h.c.correlator.OnFieldUpdate(ev); err != nil {
		h.c.logger.Warn("field update dropped",
			zap.String("request_id", ev.ID),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err),
		)
	}
}
