package cdp

import (
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/netcollector/internal/record"
)

// TestHeaderListSplitsJoinedValues ensures newline-joined values become separate entries.
func TestHeaderListSplitsJoinedValues(t *testing.T) {
	t.Parallel()

	got := headerList(network.Headers{
		"X-B":    "2",
		"accept": "a\nb",
	})
	require.Equal(t, []record.Header{
		{Name: "accept", Value: "a"},
		{Name: "accept", Value: "b"},
		{Name: "X-B", Value: "2"},
	}, got)
}

// TestHeaderValueIsCaseInsensitive checks lookups ignore header name case.
func TestHeaderValueIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	h := network.Headers{"content-type": "text/html"}
	v, ok := headerValue(h, "Content-Type")
	require.True(t, ok)
	assert.Equal(t, "text/html", v)

	_, ok = headerValue(h, "Cookie")
	assert.False(t, ok)
}

// TestRequestCookies parses the Cookie header into pairs.
func TestRequestCookies(t *testing.T) {
	t.Parallel()

	got := requestCookies(network.Headers{"Cookie": "a=1; b=2"})
	require.Equal(t, []record.Cookie{{Name: "a", Value: "1"}, {Name: "b", Value: "2"}}, got)
	assert.Empty(t, requestCookies(network.Headers{}))
}

// TestResponseCookies parses each Set-Cookie line with its attributes.
func TestResponseCookies(t *testing.T) {
	t.Parallel()

	got := responseCookies(network.Headers{
		"set-cookie": "sid=abc; Path=/; Domain=example.com; HttpOnly; Secure\ntheme=dark; Expires=Wed, 21 Oct 2026 07:28:00 GMT",
	})
	require.Len(t, got, 2)
	assert.Equal(t, record.Cookie{
		Name:     "sid",
		Value:    "abc",
		Path:     "/",
		Domain:   "example.com",
		HTTPOnly: true,
		Secure:   true,
	}, got[0])
	assert.Equal(t, "theme", got[1].Name)
	assert.Equal(t, "2026-10-21T07:28:00Z", got[1].Expires)
}

// TestHTTPVersion maps ALPN ids onto status-line versions.
func TestHTTPVersion(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":         "",
		"h2":       "HTTP/2",
		"h3":       "HTTP/3",
		"http/1.1": "HTTP/1.1",
		"http/1.0": "HTTP/1.0",
		"quic":     "QUIC",
	}
	for in, want := range cases {
		assert.Equal(t, want, httpVersion(in), in)
	}
}

// TestIsXHR treats both XHR and fetch() requests as XHR.
func TestIsXHR(t *testing.T) {
	t.Parallel()

	assert.True(t, isXHR(network.ResourceTypeXHR))
	assert.True(t, isXHR(network.ResourceTypeFetch))
	assert.False(t, isXHR(network.ResourceTypeDocument))
}

// TestPhaseTimingsWithoutResourceTiming reports the whole duration as receive time.
func TestPhaseTimingsWithoutResourceTiming(t *testing.T) {
	t.Parallel()

	got := phaseTimings(nil, 120*time.Millisecond)
	assert.Equal(t, record.Timings{
		Blocked:   -1,
		DNS:       -1,
		Connect:   -1,
		SSL:       -1,
		Receive:   120,
		TotalTime: 120,
	}, got)
}

// TestPhaseTimings splits resource timing into phases.
func TestPhaseTimings(t *testing.T) {
	t.Parallel()

	rt := &network.ResourceTiming{
		DNSStart:          2,
		DNSEnd:            10,
		ConnectStart:      10,
		ConnectEnd:        40,
		SslStart:          20,
		SslEnd:            40,
		SendStart:         41,
		SendEnd:           42,
		ReceiveHeadersEnd: 90,
	}
	got := phaseTimings(rt, 100*time.Millisecond)
	assert.Equal(t, record.Timings{
		Blocked:   2,
		DNS:       8,
		Connect:   30,
		SSL:       20,
		Send:      1,
		Wait:      48,
		Receive:   10,
		TotalTime: 99,
	}, got)
}

// TestPhaseTimingsReusedConnection marks skipped phases as not applicable.
func TestPhaseTimingsReusedConnection(t *testing.T) {
	t.Parallel()

	rt := &network.ResourceTiming{
		DNSStart:          -1,
		DNSEnd:            -1,
		ConnectStart:      -1,
		ConnectEnd:        -1,
		SslStart:          -1,
		SslEnd:            -1,
		SendStart:         1,
		SendEnd:           2,
		ReceiveHeadersEnd: 12,
	}
	got := phaseTimings(rt, 0)
	assert.Equal(t, float64(1), got.Blocked)
	assert.Equal(t, float64(-1), got.DNS)
	assert.Equal(t, float64(-1), got.Connect)
	assert.Equal(t, float64(-1), got.SSL)
	assert.Equal(t, float64(0), got.Receive)
	assert.Equal(t, float64(12), got.TotalTime)
}
