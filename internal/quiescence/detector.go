// Package quiescence decides when a page has finished loading: every known
// fetch has resolved and no new fetch was registered for a full idle window.
package quiescence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/netcollector/internal/async"
)

// Outcome reports why a wait ended.
type Outcome string

// Possible wait outcomes.
const (
	// OutcomeIdle means a full idle window passed with nothing registered.
	OutcomeIdle Outcome = "idle"
	// OutcomeDrained means the idle window is disabled and the pending set drained.
	OutcomeDrained Outcome = "drained"
	// OutcomeForced means the absolute timeout fired first. Stragglers are
	// not waited for.
	OutcomeForced Outcome = "forced"
)

var errAbsoluteTimeout = errors.New("absolute page-load timeout reached")

// PendingSource exposes the pending-fetch group to drain. It is consulted on
// every iteration so a replaced group is picked up.
type PendingSource interface {
	Pending() *async.Group
}

// Config controls a Detector.
//   - IdleTimeout: quiet period required after a drain; <= 0 disables it.
//   - AbsoluteTimeout: hard bound measured from the first Wait since the last
//     Reset; <= 0 disables it.
type Config struct {
	IdleTimeout     time.Duration
	AbsoluteTimeout time.Duration
	Logger          *zap.Logger
}

// Detector runs the drain/idle loop.
type Detector struct {
	cfg    Config
	source PendingSource
	logger *zap.Logger

	mu       sync.Mutex
	deadline time.Time
}

// New builds a Detector over source.
func New(source PendingSource, cfg Config) *Detector {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{cfg: cfg, source: source, logger: logger}
}

// Wait blocks until the page is quiescent, the absolute timeout fires, or ctx
// ends. Without an absolute timeout a page that never settles never returns
// unless ctx does.
func (d *Detector) Wait(ctx context.Context) (Outcome, error) {
	waitCtx, cancel := d.bound(ctx)
	defer cancel()

	outcome, err := d.loop(waitCtx)
	if err == nil {
		return outcome, nil
	}
	if ctx.Err() == nil && errors.Is(context.Cause(waitCtx), errAbsoluteTimeout) {
		d.logger.Info("absolute timeout forced page load",
			zap.Duration("absolute_timeout", d.cfg.AbsoluteTimeout),
			zap.Int("outstanding", d.source.Pending().Outstanding()),
		)
		return OutcomeForced, nil
	}
	return "", err
}

// Reset forgets the absolute deadline so the next Wait starts a new bound.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deadline = time.Time{}
}

func (d *Detector) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.cfg.AbsoluteTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	d.mu.Lock()
	if d.deadline.IsZero() {
		d.deadline = time.Now().Add(d.cfg.AbsoluteTimeout)
	}
	deadline := d.deadline
	d.mu.Unlock()
	return context.WithDeadlineCause(ctx, deadline, errAbsoluteTimeout)
}

func (d *Detector) loop(ctx context.Context) (Outcome, error) {
	for round := 1; ; round++ {
		mark, err := d.source.Pending().Drain(ctx)
		if err != nil {
			return "", err
		}
		if d.cfg.IdleTimeout <= 0 {
			return OutcomeDrained, nil
		}

		idle := time.NewTimer(d.cfg.IdleTimeout)
		select {
		case <-idle.C:
			// A registration that raced the timer still wins.
			select {
			case <-mark.Changed():
				d.logger.Debug("idle window interrupted", zap.Int("round", round))
				continue
			default:
			}
			d.logger.Debug("page quiescent", zap.Int("rounds", round), zap.Uint64("tracked", mark.Tracked))
			return OutcomeIdle, nil
		case <-mark.Changed():
			idle.Stop()
			d.logger.Debug("idle window interrupted", zap.Int("round", round))
		case <-ctx.Done():
			idle.Stop()
			return "", fmt.Errorf("wait for idle window: %w", ctx.Err())
		}
	}
}
