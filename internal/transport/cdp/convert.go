package cdp

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"

	"github.com/JakeFAU/netcollector/internal/record"
)

// headerList flattens a CDP header map into name/value pairs sorted by name.
// Chrome joins repeated headers with newlines; each line becomes one entry.
func headerList(h network.Headers) []record.Header {
	out := make([]record.Header, 0, len(h))
	for name, raw := range h {
		for _, v := range headerValues(raw) {
			out = append(out, record.Header{Name: name, Value: v})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}

func headerValues(raw any) []string {
	switch v := raw.(type) {
	case string:
		return strings.Split(v, "\n")
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// headerValue returns the first value of name, matched case-insensitively.
func headerValue(h network.Headers, name string) (string, bool) {
	for k, raw := range h {
		if !strings.EqualFold(k, name) {
			continue
		}
		vals := headerValues(raw)
		if len(vals) == 0 {
			return "", false
		}
		return strings.Join(vals, "\n"), true
	}
	return "", false
}

// requestCookies parses a Cookie request header.
func requestCookies(h network.Headers) []record.Cookie {
	raw, ok := headerValue(h, "Cookie")
	if !ok {
		return []record.Cookie{}
	}
	parsed, err := http.ParseCookie(raw)
	if err != nil {
		return []record.Cookie{}
	}
	out := make([]record.Cookie, 0, len(parsed))
	for _, c := range parsed {
		out = append(out, record.Cookie{Name: c.Name, Value: c.Value})
	}
	return out
}

// responseCookies parses every Set-Cookie line of a response.
func responseCookies(h network.Headers) []record.Cookie {
	raw, ok := headerValue(h, "Set-Cookie")
	if !ok {
		return []record.Cookie{}
	}
	out := []record.Cookie{}
	for _, line := range strings.Split(raw, "\n") {
		c, err := http.ParseSetCookie(line)
		if err != nil {
			continue
		}
		cookie := record.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   c.Domain,
			HTTPOnly: c.HttpOnly,
			Secure:   c.Secure,
		}
		if !c.Expires.IsZero() {
			cookie.Expires = c.Expires.UTC().Format(time.RFC3339)
		}
		out = append(out, cookie)
	}
	return out
}

// httpVersion maps Chrome's ALPN protocol ids onto status-line versions.
func httpVersion(protocol string) string {
	switch strings.ToLower(protocol) {
	case "":
		return ""
	case "h2", "http/2", "http/2.0":
		return "HTTP/2"
	case "h3", "http/3", "h3-29":
		return "HTTP/3"
	case "http/1.0":
		return "HTTP/1.0"
	case "http/1.1":
		return "HTTP/1.1"
	default:
		return strings.ToUpper(protocol)
	}
}

func isXHR(t network.ResourceType) bool {
	return t == network.ResourceTypeXHR || t == network.ResourceTypeFetch
}

// phaseTimings converts Chrome's resource timing into per-phase milliseconds.
// finished is how long after the request was sent loading completed; a zero
// value leaves receive at 0. Without resource timing (cache hits, failures)
// only the total is known and is reported as receive time.
func phaseTimings(rt *network.ResourceTiming, finished time.Duration) record.Timings {
	total := ms(finished)
	if rt == nil {
		return record.Timings{
			Blocked:   -1,
			DNS:       -1,
			Connect:   -1,
			SSL:       -1,
			Send:      0,
			Wait:      0,
			Receive:   total,
			TotalTime: total,
		}
	}

	blocked := firstNonNegative(rt.DNSStart, rt.ConnectStart, rt.SendStart)
	t := record.Timings{
		Blocked: max(blocked, 0),
		DNS:     span(rt.DNSStart, rt.DNSEnd),
		Connect: span(rt.ConnectStart, rt.ConnectEnd),
		SSL:     span(rt.SslStart, rt.SslEnd),
		Send:    max(rt.SendEnd-rt.SendStart, 0),
		Wait:    max(rt.ReceiveHeadersEnd-rt.SendEnd, 0),
	}
	if total > 0 {
		t.Receive = max(total-rt.ReceiveHeadersEnd, 0)
	}
	// Connect already covers the TLS handshake.
	t.TotalTime = t.Blocked + max(t.DNS, 0) + max(t.Connect, 0) + t.Send + t.Wait + t.Receive
	return t
}

func span(start, end float64) float64 {
	if start < 0 || end < 0 {
		return -1
	}
	return max(end-start, 0)
}

func firstNonNegative(vals ...float64) float64 {
	for _, v := range vals {
		if v >= 0 {
			return v
		}
	}
	return -1
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
