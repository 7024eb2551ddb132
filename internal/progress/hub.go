package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: events held between Emit and the batching goroutine (default 1024).
//   - MaxBatchEvents: flush once this many events queue (default 256).
//   - MaxBatchWait: flush after this long even if the batch is small (default 250ms).
//   - SinkTimeout: per-sink deadline for one Consume call (default 5s).
//   - BaseContext: parent of every sink call (default context.Background()).
//   - Logger: receives sink failures and backpressure warnings.
//
// Session start and settle events flush the pending batch at once, so session
// history never lags a finished page load by a batch window.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 256
	defaultMaxBatchWait   = 250 * time.Millisecond
	defaultSinkTimeout    = 5 * time.Second
	dropLogInterval       = 5 * time.Second
)

func (c *Config) applyDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.BaseContext == nil {
		c.BaseContext = context.Background()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Stats counts what passed through a Hub.
type Stats struct {
	// Accepted events were queued by Emit.
	Accepted int64
	// Dropped events were valid but found the buffer full.
	Dropped int64
	// Invalid events failed Validate.
	Invalid int64
	// Batches is the number of batches handed to the sinks.
	Batches int64
	// SinkErrors counts failed Consume calls across all sinks.
	SinkErrors int64
}

// Hub buffers collector progress and fans it out to sinks in batches. Emit
// never blocks: a slow sink costs dropped events, never a stalled event
// stream.
type Hub struct {
	cfg    Config
	sinks  []Sink
	logger *zap.Logger

	events chan Event
	stopCh chan struct{}
	doneCh chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	closeCtx  context.Context

	dropLog    rate.Sometimes
	accepted   atomic.Int64
	dropped    atomic.Int64
	invalid    atomic.Int64
	batches    atomic.Int64
	sinkErrors atomic.Int64
}

var _ Emitter = (*Hub)(nil)

// NewHub starts a Hub delivering to sinks; nil sinks are skipped.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg.applyDefaults()
	live := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	h := &Hub{
		cfg:     cfg,
		sinks:   live,
		logger:  cfg.Logger,
		events:  make(chan Event, cfg.BufferSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		dropLog: rate.Sometimes{First: 1, Interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Emit queues evt for the next batch. Invalid events and events arriving
// after Close are discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.invalid.Add(1)
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
		h.accepted.Add(1)
	default:
		total := h.dropped.Add(1)
		h.dropLog.Do(func() {
			h.logger.Warn("progress events dropped due to backpressure",
				zap.Int64("dropped_total", total),
				zap.Int("buffer_size", h.cfg.BufferSize),
			)
		})
	}
}

// Stats returns a point-in-time copy of the Hub's counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Accepted:   h.accepted.Load(),
		Dropped:    h.dropped.Load(),
		Invalid:    h.invalid.Load(),
		Batches:    h.batches.Load(),
		SinkErrors: h.sinkErrors.Load(),
	}
}

// Close stops accepting events, delivers what is buffered, closes the sinks
// and waits for all of it up to ctx. Calls after the first only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	timer := time.NewTimer(h.cfg.MaxBatchWait)
	timer.Stop()
	defer timer.Stop()

	var (
		batch []Event
		armed bool
	)
	flush := func() {
		if armed {
			timer.Stop()
			armed = false
		}
		if len(batch) == 0 {
			return
		}
		h.deliver(batch)
		batch = nil
	}
	add := func(evt Event) {
		batch = append(batch, evt)
		switch {
		case len(batch) >= h.cfg.MaxBatchEvents, flushesAtOnce(evt.Stage):
			flush()
		case !armed:
			timer.Reset(h.cfg.MaxBatchWait)
			armed = true
		}
	}

	for {
		select {
		case evt := <-h.events:
			add(evt)
		case <-timer.C:
			armed = false
			flush()
		case <-h.stopCh:
		drain:
			for {
				select {
				case evt := <-h.events:
					add(evt)
				default:
					break drain
				}
			}
			flush()
			h.closeSinks()
			return
		}
	}
}

func flushesAtOnce(stage Stage) bool {
	return stage == StageSessionStart || stage == StageSessionSettled
}

// deliver hands batch to every sink in order. Each sink gets its own
// deadline so one slow sink cannot eat another's budget.
func (h *Hub) deliver(batch []Event) {
	h.batches.Add(1)
	for _, sink := range h.sinks {
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		err := sink.Consume(ctx, batch)
		cancel()
		if err != nil {
			h.sinkErrors.Add(1)
			h.logger.Warn("progress sink consume failed",
				zap.String("sink", fmt.Sprintf("%T", sink)),
				zap.Int("batch", len(batch)),
				zap.Error(err),
			)
		}
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed",
				zap.String("sink", fmt.Sprintf("%T", sink)),
				zap.Error(err),
			)
		}
	}
}
