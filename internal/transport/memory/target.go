// Package memory provides a scriptable in-memory remote target for tests and
// demos. Notifications are delivered synchronously on the caller's goroutine;
// fetches honor injected delays, blocks and failures.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/netcollector/internal/longstring"
	"github.com/JakeFAU/netcollector/internal/record"
	"github.com/JakeFAU/netcollector/internal/transport"
)

var (
	// ErrInjected is returned by fetches scripted to fail with FailNext.
	ErrInjected = errors.New("injected fetch failure")
	// ErrNoPayload is returned when nothing was registered for a field.
	ErrNoPayload = errors.New("no payload registered")
	// ErrUnknownHandle is returned for a long-string handle that was never set.
	ErrUnknownHandle = errors.New("unknown long string handle")
)

type fieldKey struct {
	id   string
	kind record.Kind
}

// Target implements transport.Target in memory.
type Target struct {
	mu          sync.Mutex
	handlers    map[int]transport.Handler
	nextSub     int
	payloads    map[fieldKey]any
	strings     map[string]string
	delays      map[fieldKey]time.Duration
	failures    map[fieldKey]int
	blocks      map[fieldKey]chan struct{}
	calls       map[fieldKey]int
	stringCalls map[string]int
	nextHandle  int
	resets      int

	done    chan struct{}
	doneErr error
	gone    sync.Once
}

var (
	_ transport.Target   = (*Target)(nil)
	_ transport.Lifetime = (*Target)(nil)
	_ transport.Resetter = (*Target)(nil)
)

// New returns an empty Target.
func New() *Target {
	return &Target{
		handlers:    make(map[int]transport.Handler),
		payloads:    make(map[fieldKey]any),
		strings:     make(map[string]string),
		delays:      make(map[fieldKey]time.Duration),
		failures:    make(map[fieldKey]int),
		blocks:      make(map[fieldKey]chan struct{}),
		calls:       make(map[fieldKey]int),
		stringCalls: make(map[string]int),
		done:        make(chan struct{}),
	}
}

// Disconnect simulates the remote going away: Done is closed and Err
// reports cause wrapped in transport.ErrDisconnected.
func (t *Target) Disconnect(cause error) {
	t.gone.Do(func() {
		t.mu.Lock()
		t.doneErr = fmt.Errorf("%w: %w", transport.ErrDisconnected, cause)
		t.mu.Unlock()
		close(t.done)
	})
}

// Done implements transport.Lifetime.
func (t *Target) Done() <-chan struct{} {
	return t.done
}

// Err implements transport.Lifetime.
func (t *Target) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doneErr
}

// Reset implements transport.Resetter. Scripted payloads survive; only the
// reset count changes.
func (t *Target) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resets++
}

// Resets returns how many times Reset ran.
func (t *Target) Resets() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resets
}

// Subscribe registers h until the returned function is called. The
// unsubscribe function is idempotent.
func (t *Target) Subscribe(h transport.Handler) (func(), error) {
	if h == nil {
		return nil, errors.New("handler is required")
	}
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.handlers[id] = h
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.handlers, id)
			t.mu.Unlock()
		})
	}, nil
}

// Subscribers returns the number of live subscriptions.
func (t *Target) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handlers)
}

func (t *Target) snapshot() []transport.Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]transport.Handler, 0, len(t.handlers))
	for i := 0; i < t.nextSub; i++ {
		if h, ok := t.handlers[i]; ok {
			out = append(out, h)
		}
	}
	return out
}

// StartRequest notifies every subscriber that a request started.
func (t *Target) StartRequest(ev transport.RequestStarted) {
	for _, h := range t.snapshot() {
		h.OnRequestStarted(ev)
	}
}

// Update notifies every subscriber that data for (id, kind) is available.
func (t *Target) Update(id string, kind record.Kind) {
	for _, h := range t.snapshot() {
		h.OnFieldUpdate(transport.FieldUpdate{ID: id, Kind: kind})
	}
}

// Respond registers payload for (id, kind) and announces it.
func (t *Target) Respond(id string, kind record.Kind, payload any) {
	t.SetPayload(id, kind, payload)
	t.Update(id, kind)
}

// SetPayload registers the value FetchField returns for (id, kind).
func (t *Target) SetPayload(id string, kind record.Kind, payload any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.payloads[fieldKey{id: id, kind: kind}] = payload
}

// SetLongString stores full target-side and returns a handle carrying its
// first initial bytes.
func (t *Target) SetLongString(full string, initial int) longstring.Handle {
	if initial < 0 {
		initial = 0
	}
	if initial > len(full) {
		initial = len(full)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextHandle++
	id := fmt.Sprintf("longstr-%d", t.nextHandle)
	t.strings[id] = full
	return longstring.Handle{ID: id, Initial: full[:initial], Length: len(full)}
}

// Delay makes every fetch of (id, kind) take d.
func (t *Target) Delay(id string, kind record.Kind, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delays[fieldKey{id: id, kind: kind}] = d
}

// FailNext makes the next n fetches of (id, kind) fail with ErrInjected.
func (t *Target) FailNext(id string, kind record.Kind, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[fieldKey{id: id, kind: kind}] = n
}

// Block holds fetches of (id, kind) until the returned release is called.
func (t *Target) Block(id string, kind record.Kind) (release func()) {
	ch := make(chan struct{})
	t.mu.Lock()
	t.blocks[fieldKey{id: id, kind: kind}] = ch
	t.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Calls returns how many times (id, kind) was fetched.
func (t *Target) Calls(id string, kind record.Kind) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[fieldKey{id: id, kind: kind}]
}

// StringCalls returns how many remainder fetches hit handleID.
func (t *Target) StringCalls(handleID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stringCalls[handleID]
}

// FetchField implements transport.Fetcher.
func (t *Target) FetchField(ctx context.Context, id string, kind record.Kind) (any, error) {
	key := fieldKey{id: id, kind: kind}
	t.mu.Lock()
	t.calls[key]++
	delay := t.delays[key]
	block := t.blocks[key]
	fail := t.failures[key] > 0
	if fail {
		t.failures[key]--
	}
	t.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("fetch %s/%s: %w", id, kind, ctx.Err())
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, fmt.Errorf("fetch %s/%s: %w", id, kind, ctx.Err())
		}
	}
	if fail {
		return nil, fmt.Errorf("fetch %s/%s: %w", id, kind, ErrInjected)
	}

	t.mu.Lock()
	payload, ok := t.payloads[key]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fetch %s/%s: %w", id, kind, ErrNoPayload)
	}
	return payload, nil
}

// FetchLongStringRemainder implements transport.Fetcher.
func (t *Target) FetchLongStringRemainder(ctx context.Context, handleID string, offset, length int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("fetch long string %s: %w", handleID, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stringCalls[handleID]++
	full, ok := t.strings[handleID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownHandle, handleID)
	}
	if offset < 0 || length < 0 || offset+length > len(full) {
		return "", fmt.Errorf("long string %s: range [%d,%d) out of bounds", handleID, offset, offset+length)
	}
	return full[offset : offset+length], nil
}
