// Package cdp connects the collector to Chrome over the DevTools protocol. It
// translates Network domain events into transport notifications and serves
// field fetches from the data those events carried, calling back into the
// browser only for request and response bodies.
package cdp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/netcollector/internal/policy/ratelimit"
	"github.com/JakeFAU/netcollector/internal/record"
	"github.com/JakeFAU/netcollector/internal/transport"
)

var (
	// ErrNoTarget is returned when a browser call is needed but no tab is attached.
	ErrNoTarget = errors.New("no browser target attached")
	// ErrUnknownRequest is returned for fetches of a request this target never saw.
	ErrUnknownRequest = errors.New("unknown request")
	// ErrNotAvailable is returned when the target has not received the
	// requested field yet.
	ErrNotAvailable = errors.New("field not available")
	// ErrSubscribed is returned by Subscribe while another handler is attached.
	ErrSubscribed = errors.New("target already has a subscriber")
)

// Config controls how the browser is reached and how hard it is queried.
type Config struct {
	// RemoteURL attaches to a running browser's DevTools websocket; empty
	// launches a local Chrome.
	RemoteURL string
	Headless  bool
	UserAgent string
	// NavTimeout bounds Navigate.
	NavTimeout time.Duration
	// MaxParallelFetches bounds concurrent body fetches; <= 0 is unbounded.
	MaxParallelFetches int
	// FetchQPS bounds the body fetch rate; <= 0 is unbounded.
	FetchQPS float64
	// LongStringInitialLength is how many bytes of a body are sent inline.
	LongStringInitialLength int
	// SkipBodies stops responseContent announcements for collectors that
	// do not keep bodies.
	SkipBodies bool
	Logger     *zap.Logger
}

type subscription struct {
	h transport.Handler
}

// Target is a Chrome tab observed through the DevTools protocol.
type Target struct {
	cfg     Config
	logger  *zap.Logger
	limiter *ratelimit.Limiter
	strings *stringStore

	tab         context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc

	sub atomic.Pointer[subscription]

	// exchanges is keyed by hop id; chains maps a protocol request id to
	// its live hop until that hop finishes.
	mu        sync.RWMutex
	exchanges map[string]*exchange
	chains    map[network.RequestID]*chain
}

var (
	_ transport.Target   = (*Target)(nil)
	_ transport.Lifetime = (*Target)(nil)
	_ transport.Resetter = (*Target)(nil)
)

func newTarget(cfg Config) *Target {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 45 * time.Second
	}
	return &Target{
		cfg:    cfg,
		logger: logger,
		limiter: ratelimit.New(ratelimit.Config{
			MaxInFlight: cfg.MaxParallelFetches,
			RPS:         cfg.FetchQPS,
		}),
		strings:   newStringStore(cfg.LongStringInitialLength),
		exchanges: make(map[string]*exchange),
		chains:    make(map[network.RequestID]*chain),
	}
}

// Attach connects to (or launches) a browser, opens a tab and enables the
// Network domain. ctx bounds the browser's lifetime.
func Attach(ctx context.Context, cfg Config) (*Target, error) {
	t := newTarget(cfg)

	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if cfg.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(ctx, cfg.RemoteURL)
	} else {
		headless := chromedp.Flag("headless", false)
		if cfg.Headless {
			headless = chromedp.Flag("headless", "new")
		}
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			headless,
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("hide-scrollbars", true),
			chromedp.Flag("enable-automation", false),
		)
		allocCtx, allocCancel = chromedp.NewExecAllocator(ctx, opts...)
	}
	tab, tabCancel := chromedp.NewContext(allocCtx)
	chromedp.ListenTarget(tab, t.onEvent)

	if err := chromedp.Run(tab, t.setupAction()); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("attach to browser: %w", err)
	}
	t.tab, t.tabCancel, t.allocCancel = tab, tabCancel, allocCancel
	t.logger.Info("browser attached",
		zap.Bool("remote", cfg.RemoteURL != ""),
		zap.Int("max_parallel_fetches", cfg.MaxParallelFetches),
		zap.Float64("fetch_qps", cfg.FetchQPS),
	)
	return t, nil
}

func (t *Target) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if t.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(t.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// Close shuts the tab and releases the browser.
func (t *Target) Close() {
	t.sub.Store(nil)
	if t.tabCancel != nil {
		t.tabCancel()
	}
	if t.allocCancel != nil {
		t.allocCancel()
	}
}

// Done implements transport.Lifetime. It is closed when the tab goes away.
func (t *Target) Done() <-chan struct{} {
	if t.tab == nil {
		return nil
	}
	return t.tab.Done()
}

// Err implements transport.Lifetime.
func (t *Target) Err() error {
	if t.tab == nil || t.tab.Err() == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", transport.ErrDisconnected, context.Cause(t.tab))
}

// Reset implements transport.Resetter: request state and unserved long
// strings are dropped. Later events for dropped requests are ignored.
func (t *Target) Reset() {
	t.mu.Lock()
	dropped := len(t.exchanges)
	t.exchanges = make(map[string]*exchange)
	t.chains = make(map[network.RequestID]*chain)
	t.mu.Unlock()
	strs := t.strings.reset()
	t.logger.Debug("target state reset", zap.Int("exchanges", dropped), zap.Int("long_strings", strs))
}

// Navigate loads url in the attached tab.
func (t *Target) Navigate(ctx context.Context, url string) error {
	runCtx, cancel, err := t.browserContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	runCtx, cancelNav := context.WithTimeout(runCtx, t.cfg.NavTimeout)
	defer cancelNav()
	if err := chromedp.Run(runCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return nil
}

// Subscribe implements transport.Source. One handler may be attached at a
// time; unsubscribing stops delivery even though the protocol listener stays
// registered for the tab's lifetime.
func (t *Target) Subscribe(h transport.Handler) (func(), error) {
	if h == nil {
		return nil, errors.New("handler is required")
	}
	sub := &subscription{h: h}
	if !t.sub.CompareAndSwap(nil, sub) {
		return nil, ErrSubscribed
	}
	var once sync.Once
	return func() {
		once.Do(func() { t.sub.CompareAndSwap(sub, nil) })
	}, nil
}

// onEvent runs on the protocol reader goroutine and must not block on the
// browser.
func (t *Target) onEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		t.onRequestWillBeSent(e)
	case *network.EventResponseReceived:
		t.onResponseReceived(e)
	case *network.EventLoadingFinished:
		t.onLoadingFinished(e)
	case *network.EventLoadingFailed:
		t.onLoadingFailed(e)
	}
}

func (t *Target) onRequestWillBeSent(e *network.EventRequestWillBeSent) {
	if e.Request == nil {
		return
	}
	pid := e.RequestID
	sentAt := monotonicTime(e.Timestamp)
	sub := t.sub.Load()

	kinds := []record.Kind{record.KindRequestHeaders}
	if _, ok := headerValue(e.Request.Headers, "Cookie"); ok {
		kinds = append(kinds, record.KindRequestCookies)
	}
	if e.Request.HasPostData {
		kinds = append(kinds, record.KindRequestPostData)
	}

	t.mu.Lock()
	c, seen := t.chains[pid]
	if !seen {
		c = &chain{}
		t.chains[pid] = c
	}
	var (
		prevID    string
		prevKinds []record.Kind
	)
	if seen {
		prevID = c.current
		if prev, ok := t.exchanges[prevID]; ok {
			prev.superseded, prev.done = true, true
			if e.RedirectResponse != nil {
				prev.response = e.RedirectResponse
				prev.finishedAt = sentAt
				prevKinds = append(responseKinds(e.RedirectResponse), record.KindEventTimings)
			}
			prevKinds = prev.owe(sub, prevKinds)
			t.pruneLocked(prevID, prev)
		}
		c.hops++
	}
	id := hopID(pid, c.hops)
	for t.exchanges[id] != nil {
		c.hops++
		id = hopID(pid, c.hops)
	}
	c.current = id
	x := &exchange{
		protocolID:   pid,
		request:      e.Request,
		resourceType: e.Type,
		sentAt:       sentAt,
	}
	t.exchanges[id] = x
	kinds = x.owe(sub, kinds)
	t.mu.Unlock()

	url := e.Request.URL + e.Request.URLFragment
	if seen {
		t.logger.Debug("request id continues on a new hop",
			zap.String("request_id", string(pid)),
			zap.String("hop_id", id),
			zap.Bool("redirect", e.RedirectResponse != nil),
			zap.String("url", url),
		)
	}
	if sub == nil {
		return
	}
	t.notify(sub, prevID, prevKinds...)

	startedAt := time.Now().UTC()
	if e.WallTime != nil {
		startedAt = e.WallTime.Time().UTC()
	}
	sub.h.OnRequestStarted(transport.RequestStarted{
		ID:        id,
		Method:    e.Request.Method,
		URL:       url,
		IsXHR:     isXHR(e.Type),
		StartedAt: startedAt,
	})
	t.notify(sub, id, kinds...)
}

func (t *Target) onResponseReceived(e *network.EventResponseReceived) {
	t.advance(e.RequestID, func(x *exchange) []record.Kind {
		x.response = e.Response
		return responseKinds(e.Response)
	})
}

func (t *Target) onLoadingFinished(e *network.EventLoadingFinished) {
	t.advance(e.RequestID, func(x *exchange) []record.Kind {
		x.finishedAt = monotonicTime(e.Timestamp)
		x.encodedBytes = e.EncodedDataLength
		x.done = true
		if t.cfg.SkipBodies {
			return []record.Kind{record.KindEventTimings}
		}
		return []record.Kind{record.KindEventTimings, record.KindResponseContent}
	})
}

func (t *Target) onLoadingFailed(e *network.EventLoadingFailed) {
	id, ok := t.advance(e.RequestID, func(x *exchange) []record.Kind {
		x.finishedAt = monotonicTime(e.Timestamp)
		x.errorText = e.ErrorText
		x.done = true
		return []record.Kind{record.KindEventTimings}
	})
	if ok {
		t.logger.Debug("request failed", zap.String("request_id", id), zap.String("error", e.ErrorText))
	}
}

// advance applies fn to the live hop of pid and announces the kinds it
// returns. It reports the hop id and whether pid was known.
func (t *Target) advance(pid network.RequestID, fn func(*exchange) []record.Kind) (string, bool) {
	sub := t.sub.Load()
	t.mu.Lock()
	c, ok := t.chains[pid]
	if !ok {
		t.mu.Unlock()
		return "", false
	}
	id := c.current
	x, ok := t.exchanges[id]
	if !ok {
		t.mu.Unlock()
		return "", false
	}
	kinds := x.owe(sub, fn(x))
	if x.done {
		delete(t.chains, pid)
		t.pruneLocked(id, x)
	}
	t.mu.Unlock()

	t.notify(sub, id, kinds...)
	return id, true
}

// pruneLocked forgets a finished hop once every announced field was fetched.
func (t *Target) pruneLocked(id string, x *exchange) {
	if x.done && len(x.owed) == 0 {
		delete(t.exchanges, id)
	}
}

// settle records that kind was fetched for id.
func (t *Target) settle(id string, kind record.Kind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if x, ok := t.exchanges[id]; ok {
		delete(x.owed, kind)
		t.pruneLocked(id, x)
	}
}

func (t *Target) notify(sub *subscription, id string, kinds ...record.Kind) {
	if sub == nil {
		return
	}
	for _, kind := range kinds {
		sub.h.OnFieldUpdate(transport.FieldUpdate{ID: id, Kind: kind})
	}
}

func responseKinds(resp *network.Response) []record.Kind {
	kinds := []record.Kind{record.KindResponseStart, record.KindResponseHeaders}
	if resp != nil {
		if _, ok := headerValue(resp.Headers, "Set-Cookie"); ok {
			kinds = append(kinds, record.KindResponseCookies)
		}
	}
	return kinds
}

// exchangeCopy returns a shallow copy safe to read without the lock.
func (t *Target) exchangeCopy(id string) (exchange, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	x, ok := t.exchanges[id]
	if !ok {
		return exchange{}, false
	}
	cp := *x
	cp.owed = nil
	return cp, true
}

// Pending returns how many request hops the target still holds.
func (t *Target) Pending() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.exchanges)
}

// FailureText returns the network error recorded for a failed request hop
// that is still held.
func (t *Target) FailureText(id string) string {
	x, _ := t.exchangeCopy(id)
	return x.errorText
}

// FetchField implements transport.Fetcher.
func (t *Target) FetchField(ctx context.Context, id string, kind record.Kind) (any, error) {
	x, ok := t.exchangeCopy(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	defer t.settle(id, kind)
	switch kind {
	case record.KindRequestHeaders:
		return headerList(x.requestHeaders()), nil
	case record.KindRequestCookies:
		return requestCookies(x.requestHeaders()), nil
	case record.KindResponseHeaders:
		return headerList(x.responseHeaders()), nil
	case record.KindResponseCookies:
		return responseCookies(x.responseHeaders()), nil
	case record.KindResponseStart:
		status, ok := x.status()
		if !ok {
			return nil, fmt.Errorf("%s/%s: %w", id, kind, ErrNotAvailable)
		}
		return status, nil
	case record.KindEventTimings:
		if x.finishedAt.IsZero() {
			return nil, fmt.Errorf("%s/%s: %w", id, kind, ErrNotAvailable)
		}
		return x.timings(), nil
	case record.KindRequestPostData:
		return t.fetchPostData(ctx, id, x)
	case record.KindResponseContent:
		return t.fetchContent(ctx, id, x)
	default:
		return nil, fmt.Errorf("unsupported kind %q", kind)
	}
}

// fetchPostData prefers the entries the request event carried. The browser
// only knows the post data of the live hop.
func (t *Target) fetchPostData(ctx context.Context, id string, x exchange) (any, error) {
	data, ok := x.inlinePostData()
	if !ok {
		if x.superseded {
			return nil, fmt.Errorf("%s/%s: %w", id, record.KindRequestPostData, ErrNotAvailable)
		}
		err := t.remote(ctx, record.KindRequestPostData, func(ctx context.Context) error {
			var err error
			data, err = network.GetRequestPostData(x.protocolID).Do(ctx)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("get post data %s: %w", id, err)
		}
	}
	mime, _ := headerValue(x.requestHeaders(), "Content-Type")
	return record.PostDataPayload{MimeType: mime, Text: t.strings.handle(data)}, nil
}

func (t *Target) fetchContent(ctx context.Context, id string, x exchange) (any, error) {
	if x.superseded {
		return nil, fmt.Errorf("%s/%s: %w", id, record.KindResponseContent, ErrNotAvailable)
	}
	var body []byte
	err := t.remote(ctx, record.KindResponseContent, func(ctx context.Context) error {
		var err error
		body, err = network.GetResponseBody(x.protocolID).Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get response body %s: %w", id, err)
	}
	payload := record.ContentPayload{
		MimeType:        x.contentType(),
		Size:            int64(len(body)),
		TransferredSize: int64(x.encodedBytes),
	}
	text := string(body)
	if !utf8.Valid(body) {
		text = base64.StdEncoding.EncodeToString(body)
		payload.Encoding = "base64"
	}
	payload.Text = t.strings.handle(text)
	return payload, nil
}

// FetchLongStringRemainder implements transport.Fetcher.
func (t *Target) FetchLongStringRemainder(ctx context.Context, handleID string, offset, length int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("long string %s: %w", handleID, err)
	}
	return t.strings.remainder(handleID, offset, length)
}

// remote runs fn against the browser once the limiter admits it. fn's
// context is derived from the tab and canceled with ctx.
func (t *Target) remote(ctx context.Context, kind record.Kind, fn func(context.Context) error) error {
	release, err := t.limiter.Acquire(ctx, string(kind))
	if err != nil {
		return err
	}
	defer release()

	runCtx, cancel, err := t.browserContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.ActionFunc(fn)); err != nil {
		return fmt.Errorf("run %s: %w", kind, err)
	}
	return nil
}

// browserContext derives a context that carries the tab's executor and ends
// with either the tab or ctx.
func (t *Target) browserContext(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if t.tab == nil {
		return nil, nil, ErrNoTarget
	}
	runCtx, cancel := context.WithCancel(t.tab)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}, nil
}
