// Package ratelimit admits remote protocol calls: a fixed number of slots
// bounds concurrency and a token bucket bounds the call rate.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/netcollector/internal/metrics"
)

// Config holds limiter configuration. MaxInFlight <= 0 disables the slot
// bound; RPS <= 0 disables the rate bound.
type Config struct {
	MaxInFlight int
	RPS         float64
	Burst       int
}

// Limiter gates remote calls.
type Limiter struct {
	slots   chan struct{}
	limiter *rate.Limiter
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	var slots chan struct{}
	if cfg.MaxInFlight > 0 {
		slots = make(chan struct{}, cfg.MaxInFlight)
	}
	metrics.Init()
	return &Limiter{
		slots:   slots,
		limiter: rate.NewLimiter(r, burst),
	}
}

// Acquire blocks until a call of kind may proceed. The returned release
// must be called once the call completes.
func (l *Limiter) Acquire(ctx context.Context, kind string) (func(), error) {
	start := time.Now()
	if l.slots != nil {
		select {
		case l.slots <- struct{}{}:
		case <-ctx.Done():
			return nil, fmt.Errorf("remote slot wait: %w", ctx.Err())
		}
	}
	if err := l.limiter.Wait(ctx); err != nil {
		l.releaseSlot()
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	// Only waits long enough to matter are recorded.
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRemoteFetchWait(kind, waited)
	}
	metrics.IncRemoteFetches()

	released := false
	return func() {
		if released {
			return
		}
		released = true
		metrics.DecRemoteFetches()
		l.releaseSlot()
	}, nil
}

// InFlight returns the number of occupied slots.
func (l *Limiter) InFlight() int {
	if l.slots == nil {
		return 0
	}
	return len(l.slots)
}

func (l *Limiter) releaseSlot() {
	if l.slots == nil {
		return
	}
	select {
	case <-l.slots:
	default:
	}
}
