package cdp

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/netcollector/internal/collector"
	"github.com/JakeFAU/netcollector/internal/quiescence"
	"github.com/JakeFAU/netcollector/internal/record"
	"github.com/JakeFAU/netcollector/internal/transport"
)

type captureHandler struct {
	starts  []transport.RequestStarted
	updates []transport.FieldUpdate
}

func (h *captureHandler) OnRequestStarted(ev transport.RequestStarted) {
	h.starts = append(h.starts, ev)
}

func (h *captureHandler) OnFieldUpdate(ev transport.FieldUpdate) {
	h.updates = append(h.updates, ev)
}

func (h *captureHandler) kinds() []record.Kind {
	out := make([]record.Kind, 0, len(h.updates))
	for _, u := range h.updates {
		out = append(out, u.Kind)
	}
	return out
}

func monoAt(sec float64) *cdp.MonotonicTime {
	mt := cdp.MonotonicTime(monotonic(sec))
	return &mt
}

func replayExchange(target *Target) {
	wall := cdp.TimeSinceEpoch(time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC))
	target.onEvent(&network.EventRequestWillBeSent{
		RequestID: "r1",
		Type:      network.ResourceTypeFetch,
		Timestamp: monoAt(100),
		WallTime:  &wall,
		Request: &network.Request{
			URL:         "https://example.com/api",
			URLFragment: "#top",
			Method:      "POST",
			HasPostData: true,
			Headers: network.Headers{
				"Content-Type": "application/json",
				"Cookie":       "a=1",
			},
		},
	})
	target.onEvent(&network.EventResponseReceived{
		RequestID: "r1",
		Response: &network.Response{
			Status:     201,
			StatusText: "Created",
			Protocol:   "h2",
			MimeType:   "application/json",
			Headers:    network.Headers{"Set-Cookie": "sid=x"},
		},
	})
	target.onEvent(&network.EventLoadingFinished{
		RequestID:         "r1",
		Timestamp:         monoAt(100.25),
		EncodedDataLength: 512,
	})
}

// TestTargetTranslatesNetworkEvents checks that protocol events become
// notifications in arrival order.
func TestTargetTranslatesNetworkEvents(t *testing.T) {
	t.Parallel()

	target := newTarget(Config{})
	h := &captureHandler{}
	unsubscribe, err := target.Subscribe(h)
	require.NoError(t, err)
	defer unsubscribe()

	replayExchange(target)

	require.Len(t, h.starts, 1)
	start := h.starts[0]
	assert.Equal(t, "r1", start.ID)
	assert.Equal(t, "POST", start.Method)
	assert.Equal(t, "https://example.com/api#top", start.URL)
	assert.True(t, start.IsXHR)
	assert.Equal(t, time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC), start.StartedAt)

	assert.Equal(t, []record.Kind{
		record.KindRequestHeaders,
		record.KindRequestCookies,
		record.KindRequestPostData,
		record.KindResponseStart,
		record.KindResponseHeaders,
		record.KindResponseCookies,
		record.KindEventTimings,
		record.KindResponseContent,
	}, h.kinds())
}

// TestTargetIgnoresEventsForUnknownRequests drops follow-ups without a start.
func TestTargetIgnoresEventsForUnknownRequests(t *testing.T) {
	t.Parallel()

	target := newTarget(Config{})
	h := &captureHandler{}
	_, err := target.Subscribe(h)
	require.NoError(t, err)

	target.onEvent(&network.EventLoadingFinished{RequestID: "ghost", Timestamp: monoAt(1)})
	target.onEvent(&network.EventResponseReceived{RequestID: "ghost", Response: &network.Response{Status: 200}})
	assert.Empty(t, h.updates)
}

// TestTargetSingleSubscriber rejects a second handler until the first leaves.
func TestTargetSingleSubscriber(t *testing.T) {
	t.Parallel()

	target := newTarget(Config{})
	unsubscribe, err := target.Subscribe(&captureHandler{})
	require.NoError(t, err)

	_, err = target.Subscribe(&captureHandler{})
	require.ErrorIs(t, err, ErrSubscribed)

	unsubscribe()
	unsubscribe()
	second := &captureHandler{}
	_, err = target.Subscribe(second)
	require.NoError(t, err)

	replayExchange(target)
	assert.Len(t, second.starts, 1)

	_, err = target.Subscribe(nil)
	require.Error(t, err)
}

// TestTargetFetchFieldFromEvents serves fields carried by protocol events
// without calling the browser.
func TestTargetFetchFieldFromEvents(t *testing.T) {
	t.Parallel()

	target := newTarget(Config{})
	_, err := target.Subscribe(&captureHandler{})
	require.NoError(t, err)
	replayExchange(target)
	ctx := context.Background()

	headers, err := target.FetchField(ctx, "r1", record.KindRequestHeaders)
	require.NoError(t, err)
	assert.Equal(t, []record.Header{
		{Name: "Content-Type", Value: "application/json"},
		{Name: "Cookie", Value: "a=1"},
	}, headers)

	cookies, err := target.FetchField(ctx, "r1", record.KindRequestCookies)
	require.NoError(t, err)
	assert.Equal(t, []record.Cookie{{Name: "a", Value: "1"}}, cookies)

	respCookies, err := target.FetchField(ctx, "r1", record.KindResponseCookies)
	require.NoError(t, err)
	assert.Equal(t, []record.Cookie{{Name: "sid", Value: "x"}}, respCookies)

	status, err := target.FetchField(ctx, "r1", record.KindResponseStart)
	require.NoError(t, err)
	assert.Equal(t, record.Status{HTTPVersion: "HTTP/2", Status: 201, StatusText: "Created"}, status)

	timings, err := target.FetchField(ctx, "r1", record.KindEventTimings)
	require.NoError(t, err)
	tm, ok := timings.(record.Timings)
	require.True(t, ok)
	assert.InDelta(t, 250, tm.TotalTime, 0.001)
	assert.InDelta(t, 250, tm.Receive, 0.001)
}

// TestTargetFetchFieldErrors covers unknown requests, missing data, and
// remote kinds without an attached browser.
func TestTargetFetchFieldErrors(t *testing.T) {
	t.Parallel()

	target := newTarget(Config{})
	ctx := context.Background()

	_, err := target.FetchField(ctx, "nope", record.KindRequestHeaders)
	require.ErrorIs(t, err, ErrUnknownRequest)

	target.onEvent(&network.EventRequestWillBeSent{
		RequestID: "r2",
		Timestamp: monoAt(5),
		Request:   &network.Request{URL: "https://example.com/", Method: "GET"},
	})

	_, err = target.FetchField(ctx, "r2", record.KindResponseStart)
	require.ErrorIs(t, err, ErrNotAvailable)
	_, err = target.FetchField(ctx, "r2", record.KindEventTimings)
	require.ErrorIs(t, err, ErrNotAvailable)

	_, err = target.FetchField(ctx, "r2", record.KindResponseContent)
	require.ErrorIs(t, err, ErrNoTarget)
	_, err = target.FetchField(ctx, "r2", record.KindRequestPostData)
	require.ErrorIs(t, err, ErrNoTarget)

	_, err = target.FetchField(ctx, "r2", record.Kind("bogus"))
	require.Error(t, err)

	require.ErrorIs(t, target.Navigate(ctx, "https://example.com/"), ErrNoTarget)
}

// TestTargetLoadingFailed keeps the failure text and still reports timings.
func TestTargetLoadingFailed(t *testing.T) {
	t.Parallel()

	target := newTarget(Config{})
	h := &captureHandler{}
	_, err := target.Subscribe(h)
	require.NoError(t, err)

	target.onEvent(&network.EventRequestWillBeSent{
		RequestID: "r3",
		Timestamp: monoAt(10),
		Request:   &network.Request{URL: "https://example.com/x", Method: "GET"},
	})
	target.onEvent(&network.EventLoadingFailed{
		RequestID: "r3",
		Timestamp: monoAt(10.1),
		ErrorText: "net::ERR_CONNECTION_REFUSED",
	})

	assert.Equal(t, "net::ERR_CONNECTION_REFUSED", target.FailureText("r3"))
	assert.Equal(t, []record.Kind{record.KindRequestHeaders, record.KindEventTimings}, h.kinds())

	timings, err := target.FetchField(context.Background(), "r3", record.KindEventTimings)
	require.NoError(t, err)
	assert.InDelta(t, 100, timings.(record.Timings).TotalTime, 0.001)
}

// TestTargetLongStringRemainder serves remainders of issued handles.
func TestTargetLongStringRemainder(t *testing.T) {
	t.Parallel()

	target := newTarget(Config{LongStringInitialLength: 3})
	h := target.strings.handle("abcdef")

	rest, err := target.FetchLongStringRemainder(context.Background(), h.ID, 3, 3)
	require.NoError(t, err)
	assert.Equal(t, "def", rest)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = target.FetchLongStringRemainder(ctx, h.ID, 0, 1)
	require.ErrorIs(t, err, context.Canceled)
}

// replayRedirect sends a 301 hop followed by the final 200 hop under one
// protocol request id.
func replayRedirect(target *Target) {
	target.onEvent(&network.EventRequestWillBeSent{
		RequestID: "r1",
		Type:      network.ResourceTypeDocument,
		Timestamp: monoAt(1),
		Request: &network.Request{
			URL:     "http://a.test/old",
			Method:  "GET",
			Headers: network.Headers{"X-Hop": "first"},
		},
	})
	target.onEvent(&network.EventRequestWillBeSent{
		RequestID: "r1",
		Type:      network.ResourceTypeDocument,
		Timestamp: monoAt(1.05),
		Request: &network.Request{
			URL:     "http://b.test/new",
			Method:  "GET",
			Headers: network.Headers{"X-Hop": "second"},
		},
		RedirectResponse: &network.Response{
			Status:     301,
			StatusText: "Moved Permanently",
			Protocol:   "http/1.1",
			Headers:    network.Headers{"Location": "http://b.test/new", "Set-Cookie": "seen=1"},
		},
	})
	target.onEvent(&network.EventResponseReceived{
		RequestID: "r1",
		Response: &network.Response{
			Status:     200,
			StatusText: "OK",
			Protocol:   "http/1.1",
			Headers:    network.Headers{"Content-Type": "text/html"},
		},
	})
	target.onEvent(&network.EventLoadingFinished{RequestID: "r1", Timestamp: monoAt(1.2)})
}

// TestTargetRedirectHops gives each redirect hop its own id and answers every
// field from the hop it belongs to.
func TestTargetRedirectHops(t *testing.T) {
	t.Parallel()

	target := newTarget(Config{SkipBodies: true})
	h := &captureHandler{}
	_, err := target.Subscribe(h)
	require.NoError(t, err)
	replayRedirect(target)

	require.Len(t, h.starts, 2)
	assert.Equal(t, "r1", h.starts[0].ID)
	assert.Equal(t, "http://a.test/old", h.starts[0].URL)
	assert.Equal(t, "r1-redirect-1", h.starts[1].ID)
	assert.Equal(t, "http://b.test/new", h.starts[1].URL)

	var first []record.Kind
	for _, u := range h.updates {
		if u.ID == "r1" {
			first = append(first, u.Kind)
		}
	}
	assert.Equal(t, []record.Kind{
		record.KindRequestHeaders,
		record.KindResponseStart,
		record.KindResponseHeaders,
		record.KindResponseCookies,
		record.KindEventTimings,
	}, first)

	ctx := context.Background()
	headers, err := target.FetchField(ctx, "r1", record.KindRequestHeaders)
	require.NoError(t, err)
	assert.Equal(t, []record.Header{{Name: "X-Hop", Value: "first"}}, headers)
	status, err := target.FetchField(ctx, "r1", record.KindResponseStart)
	require.NoError(t, err)
	assert.Equal(t, 301, status.(record.Status).Status)
	timings, err := target.FetchField(ctx, "r1", record.KindEventTimings)
	require.NoError(t, err)
	assert.InDelta(t, 50, timings.(record.Timings).TotalTime, 0.001)

	headers, err = target.FetchField(ctx, "r1-redirect-1", record.KindRequestHeaders)
	require.NoError(t, err)
	assert.Equal(t, []record.Header{{Name: "X-Hop", Value: "second"}}, headers)
	status, err = target.FetchField(ctx, "r1-redirect-1", record.KindResponseStart)
	require.NoError(t, err)
	assert.Equal(t, 200, status.(record.Status).Status)
}

// TestTargetRedirectThroughCollector keeps one coherent record per hop.
func TestTargetRedirectThroughCollector(t *testing.T) {
	t.Parallel()

	target := newTarget(Config{SkipBodies: true})
	c, err := collector.New(target, collector.Config{IdleTimeout: 20 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)

	replayRedirect(target)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	outcome, err := c.WaitForPageLoad(ctx)
	require.NoError(t, err)
	require.Equal(t, quiescence.OutcomeIdle, outcome)

	items := c.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "http://a.test/old", items[0].URL)
	require.NotNil(t, items[0].ResponseStatus)
	assert.Equal(t, 301, items[0].ResponseStatus.Status)
	assert.Equal(t, []record.Header{{Name: "X-Hop", Value: "first"}}, items[0].RequestHeaders)
	assert.Equal(t, []record.Cookie{{Name: "seen", Value: "1"}}, items[0].ResponseCookies)

	assert.Equal(t, "http://b.test/new", items[1].URL)
	require.NotNil(t, items[1].ResponseStatus)
	assert.Equal(t, 200, items[1].ResponseStatus.Status)
	assert.Equal(t, []record.Header{{Name: "X-Hop", Value: "second"}}, items[1].RequestHeaders)

	assert.Zero(t, target.Pending())
}

// TestTargetReusedIDWithoutRedirect never overwrites a hop that has a record.
func TestTargetReusedIDWithoutRedirect(t *testing.T) {
	t.Parallel()

	target := newTarget(Config{})
	h := &captureHandler{}
	_, err := target.Subscribe(h)
	require.NoError(t, err)

	for _, url := range []string{"https://example.com/a", "https://example.com/b"} {
		target.onEvent(&network.EventRequestWillBeSent{
			RequestID: "r9",
			Timestamp: monoAt(3),
			Request:   &network.Request{URL: url, Method: "GET"},
		})
	}
	require.Len(t, h.starts, 2)
	assert.Equal(t, "r9", h.starts[0].ID)
	assert.Equal(t, "r9-redirect-1", h.starts[1].ID)

	_, err = target.FetchField(context.Background(), "r9", record.KindRequestHeaders)
	require.NoError(t, err)
	assert.Equal(t, 1, target.Pending())
}

// TestTargetPrunesFinishedRequests drops a hop once every announced field
// has been fetched.
func TestTargetPrunesFinishedRequests(t *testing.T) {
	t.Parallel()

	target := newTarget(Config{})
	h := &captureHandler{}
	_, err := target.Subscribe(h)
	require.NoError(t, err)
	replayExchange(target)
	require.Equal(t, 1, target.Pending())

	ctx := context.Background()
	for _, u := range h.updates {
		_, _ = target.FetchField(ctx, u.ID, u.Kind)
	}
	assert.Zero(t, target.Pending())

	// Nothing is owed to an absent subscriber.
	other := newTarget(Config{})
	replayExchange(other)
	assert.Zero(t, other.Pending())
}

// TestTargetResetDropsState releases held requests and unserved long strings.
func TestTargetResetDropsState(t *testing.T) {
	t.Parallel()

	target := newTarget(Config{LongStringInitialLength: 2})
	_, err := target.Subscribe(&captureHandler{})
	require.NoError(t, err)
	replayExchange(target)
	h := target.strings.handle("abcdef")
	require.Equal(t, 1, target.Pending())
	require.Equal(t, 1, target.strings.len())

	target.Reset()
	assert.Zero(t, target.Pending())
	assert.Zero(t, target.strings.len())
	_, err = target.FetchLongStringRemainder(context.Background(), h.ID, 2, 4)
	require.ErrorIs(t, err, ErrUnknownHandle)

	_, err = target.FetchField(context.Background(), "r1", record.KindRequestHeaders)
	require.ErrorIs(t, err, ErrUnknownRequest)
}

// TestTargetInlinePostData serves post data carried by the request event.
func TestTargetInlinePostData(t *testing.T) {
	t.Parallel()

	target := newTarget(Config{})
	target.onEvent(&network.EventRequestWillBeSent{
		RequestID: "p1",
		Timestamp: monoAt(4),
		Request: &network.Request{
			URL:         "https://example.com/form",
			Method:      "POST",
			HasPostData: true,
			Headers:     network.Headers{"Content-Type": "application/x-www-form-urlencoded"},
			PostDataEntries: []*network.PostDataEntry{
				{Bytes: base64.StdEncoding.EncodeToString([]byte("a=1&"))},
				{Bytes: base64.StdEncoding.EncodeToString([]byte("b=2"))},
			},
		},
	})

	payload, err := target.FetchField(context.Background(), "p1", record.KindRequestPostData)
	require.NoError(t, err)
	post := payload.(record.PostDataPayload)
	assert.Equal(t, "application/x-www-form-urlencoded", post.MimeType)
	assert.Equal(t, "a=1&b=2", post.Text.Initial)
}

// TestTargetLifetimeFollowsTab reports a closed tab as a disconnect, and the
// collector refuses to call the page settled.
func TestTargetLifetimeFollowsTab(t *testing.T) {
	t.Parallel()

	live := newTarget(Config{})
	require.Nil(t, live.Done())
	require.NoError(t, live.Err())

	target := newTarget(Config{})
	tab, cancel := context.WithCancelCause(context.Background())
	target.tab = tab
	require.NoError(t, target.Err())
	cause := errors.New("browser closed")
	cancel(cause)

	<-target.Done()
	require.ErrorIs(t, target.Err(), transport.ErrDisconnected)
	require.ErrorIs(t, target.Err(), cause)

	c, err := collector.New(target, collector.Config{IdleTimeout: 20 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)
	target.onEvent(&network.EventRequestWillBeSent{
		RequestID: "p2",
		Timestamp: monoAt(6),
		Request:   &network.Request{URL: "https://example.com/form", Method: "POST", HasPostData: true},
	})

	ctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	outcome, err := c.WaitForPageLoad(ctx)
	require.ErrorIs(t, err, collector.ErrDisconnected)
	assert.Empty(t, outcome)
	assert.Len(t, c.Items(), 1)
}
