// Package fetchcache memoizes expensive remote fetches per key. At most one
// fetch is outstanding per key; concurrent callers share its Future, a
// success is kept for the life of the cache, and a failure is forgotten so the
// next request retries.
package fetchcache

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/netcollector/internal/async"
)

// Func performs the remote fetch for one key.
type Func[V any] func(ctx context.Context) (V, error)

// Tracker observes every Future the cache creates.
type Tracker interface {
	Track(w async.Waiter)
}

// Config controls a Cache.
//   - Tracker: receives each new Future before Get returns (optional).
//   - BaseContext: context handed to fetches (defaults to context.Background()).
//     Fetches are not tied to any caller's context.
//   - Name: label used in logs.
//   - Logger: optional structured logger.
type Config struct {
	Tracker     Tracker
	BaseContext context.Context
	Name        string
	Logger      *zap.Logger
}

// Cache is a per-key at-most-one-in-flight asynchronous memoizing cache. It is
// safe for concurrent use.
type Cache[K comparable, V any] struct {
	cfg     Config
	logger  *zap.Logger
	mu      sync.Mutex
	entries map[K]*async.Future[V]
}

// New builds an empty Cache.
func New[K comparable, V any](cfg Config) *Cache[K, V] {
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name != "" {
		logger = logger.With(zap.String("cache", cfg.Name))
	}
	return &Cache[K, V]{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[K]*async.Future[V]),
	}
}

// Get returns the cached or in-flight Future for key, starting fetch only
// when neither exists.
func (c *Cache[K, V]) Get(key K, fetch Func[V]) *async.Future[V] {
	c.mu.Lock()
	if f, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return f
	}
	f, resolve := async.Pending[V]()
	c.entries[key] = f
	c.mu.Unlock()

	if c.cfg.Tracker != nil {
		c.cfg.Tracker.Track(f)
	}
	go c.run(key, f, resolve, fetch)
	return f
}

func (c *Cache[K, V]) run(key K, f *async.Future[V], resolve func(V, error), fetch Func[V]) {
	var (
		v   V
		err error
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetch panicked: %v", r)
		}
		if err != nil {
			// Forget before resolving so a caller reacting to the failure retries.
			c.forget(key, f)
			c.logger.Debug("fetch failed; entry dropped", zap.Any("key", key), zap.Error(err))
			var zero V
			resolve(zero, err)
			return
		}
		resolve(v, nil)
	}()
	v, err = fetch(c.cfg.BaseContext)
}

func (c *Cache[K, V]) forget(key K, f *async.Future[V]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[key] == f {
		delete(c.entries, key)
	}
}

// Peek returns the Future for key without starting a fetch.
func (c *Cache[K, V]) Peek(key K) (*async.Future[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.entries[key]
	return f, ok
}

// Len returns the number of cached or in-flight entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
