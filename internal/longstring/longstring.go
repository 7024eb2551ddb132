// Package longstring resolves paginated large-string handles. A remote target
// sends the first chunk of a large value together with its total length; the
// rest is pulled on demand and memoized per handle.
package longstring

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/netcollector/internal/async"
	"github.com/JakeFAU/netcollector/internal/fetchcache"
)

// ErrMissingID is returned when a truncated handle carries no identifier.
var ErrMissingID = errors.New("long string handle has no id")

// Handle is a placeholder for a text value. Length is the byte length of the
// complete UTF-8 value; Initial holds its first bytes.
type Handle struct {
	ID      string `json:"id,omitempty"`
	Initial string `json:"initial"`
	Length  int    `json:"length"`
}

// Inline wraps a value that is already complete.
func Inline(s string) Handle {
	return Handle{Initial: s, Length: len(s)}
}

// Complete reports whether Initial already holds the whole value.
func (h Handle) Complete() bool {
	return h.Length <= len(h.Initial)
}

// RemainderFunc fetches length bytes of the value behind handleID starting at offset.
type RemainderFunc func(ctx context.Context, handleID string, offset, length int) (string, error)

// Resolver turns Handles into full strings.
type Resolver struct {
	cache     *fetchcache.Cache[string, string]
	remainder RemainderFunc
}

// NewResolver builds a Resolver whose remote calls go through cache.
func NewResolver(cache *fetchcache.Cache[string, string], remainder RemainderFunc) *Resolver {
	return &Resolver{cache: cache, remainder: remainder}
}

// Resolve returns the full text behind h. Complete handles resolve
// synchronously without a remote call; others fetch the remainder once per
// handle id.
func (r *Resolver) Resolve(h Handle) *async.Future[string] {
	if h.Complete() {
		return async.Resolved(h.Initial)
	}
	if h.ID == "" {
		return async.Failed[string](ErrMissingID)
	}
	return r.cache.Get(h.ID, func(ctx context.Context) (string, error) {
		offset := len(h.Initial)
		rest, err := r.remainder(ctx, h.ID, offset, h.Length-offset)
		if err != nil {
			return "", fmt.Errorf("fetch long string %s: %w", h.ID, err)
		}
		return h.Initial + rest, nil
	})
}
