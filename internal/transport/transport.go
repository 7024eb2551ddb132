// Package transport defines the contract between the collector and a remote
// instrumented target: the notifications it pushes and the fetches it serves.
// Implementations live in subpackages (cdp for Chrome, memory for tests and
// demos).
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/netcollector/internal/record"
)

// ErrDisconnected reports that the remote target went away.
var ErrDisconnected = errors.New("target disconnected")

// RequestStarted announces a new request. It arrives before any FieldUpdate
// for the same ID.
type RequestStarted struct {
	ID        string
	Method    string
	URL       string
	IsXHR     bool
	StartedAt time.Time
}

// FieldUpdate announces that the target has data for one field of a request.
// The data itself is pulled with Fetcher.FetchField.
type FieldUpdate struct {
	ID   string
	Kind record.Kind
}

// Handler consumes notifications one at a time in arrival order.
type Handler interface {
	OnRequestStarted(ev RequestStarted)
	OnFieldUpdate(ev FieldUpdate)
}

// Source delivers notifications to a subscribed Handler until the returned
// unsubscribe function is called.
type Source interface {
	Subscribe(h Handler) (unsubscribe func(), err error)
}

// Lifetime is implemented by sources that can disappear underneath a
// subscriber. Done is closed once the source is gone; Err then wraps
// ErrDisconnected.
type Lifetime interface {
	Done() <-chan struct{}
	Err() error
}

// Resetter is implemented by targets that hold per-request state on behalf
// of a session. Reset drops it when the session is cleared.
type Resetter interface {
	Reset()
}

// Fetcher pulls data from the remote target. FetchField returns a payload
// whose type depends on kind: []record.Header, []record.Cookie,
// record.PostDataPayload, record.Status, record.ContentPayload or
// record.Timings.
type Fetcher interface {
	FetchField(ctx context.Context, id string, kind record.Kind) (any, error)
	FetchLongStringRemainder(ctx context.Context, handleID string, offset, length int) (string, error)
}

// Target is a remote that both pushes notifications and serves fetches.
type Target interface {
	Source
	Fetcher
}
