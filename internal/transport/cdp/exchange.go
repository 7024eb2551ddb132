package cdp

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"

	"github.com/JakeFAU/netcollector/internal/record"
)

// exchange is the target-side view of one request hop, filled from events
// and read by FetchField. Hops of a redirect chain share protocolID; only the
// last one can still be asked about by protocolID.
type exchange struct {
	protocolID   network.RequestID
	request      *network.Request
	resourceType network.ResourceType
	sentAt       time.Time
	response     *network.Response
	finishedAt   time.Time
	encodedBytes float64
	errorText    string
	// superseded is set once a later hop took over protocolID.
	superseded bool
	// done is set when no further events will touch the hop.
	done bool
	// owed holds kinds announced to the subscriber and not yet fetched.
	owed map[record.Kind]struct{}
}

// chain tracks the hop currently answering for a protocol request id.
type chain struct {
	current string
	hops    int
}

func hopID(pid network.RequestID, hop int) string {
	if hop == 0 {
		return string(pid)
	}
	return fmt.Sprintf("%s-redirect-%d", pid, hop)
}

// owe marks kinds as announced to sub. Nothing is owed without a subscriber.
func (x *exchange) owe(sub *subscription, kinds []record.Kind) []record.Kind {
	if sub == nil {
		return nil
	}
	if x.owed == nil {
		x.owed = make(map[record.Kind]struct{}, len(kinds))
	}
	for _, kind := range kinds {
		x.owed[kind] = struct{}{}
	}
	return kinds
}

func (x *exchange) requestHeaders() network.Headers {
	if x.request == nil {
		return nil
	}
	return x.request.Headers
}

func (x *exchange) responseHeaders() network.Headers {
	if x.response == nil {
		return nil
	}
	return x.response.Headers
}

func (x *exchange) status() (record.Status, bool) {
	if x.response == nil {
		return record.Status{}, false
	}
	return record.Status{
		HTTPVersion: httpVersion(x.response.Protocol),
		Status:      int(x.response.Status),
		StatusText:  x.response.StatusText,
	}, true
}

func (x *exchange) timings() record.Timings {
	var rt *network.ResourceTiming
	if x.response != nil {
		rt = x.response.Timing
	}
	var finished time.Duration
	if !x.finishedAt.IsZero() {
		base := x.sentAt
		if rt != nil {
			base = monotonic(rt.RequestTime)
		}
		if !base.IsZero() {
			finished = x.finishedAt.Sub(base)
		}
	}
	return phaseTimings(rt, finished)
}

// inlinePostData joins the post data entries the request event carried.
func (x *exchange) inlinePostData() (string, bool) {
	if x.request == nil || len(x.request.PostDataEntries) == 0 {
		return "", false
	}
	var b strings.Builder
	for _, entry := range x.request.PostDataEntries {
		if entry == nil {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(entry.Bytes)
		if err != nil {
			return "", false
		}
		b.Write(raw)
	}
	return b.String(), true
}

func (x *exchange) contentType() string {
	if x.response != nil && x.response.MimeType != "" {
		return x.response.MimeType
	}
	v, _ := headerValue(x.responseHeaders(), "Content-Type")
	return v
}

// monotonic converts a protocol monotonic timestamp in seconds onto the same
// clock cdp.MonotonicTime values use.
func monotonic(sec float64) time.Time {
	if sec <= 0 || cdp.MonotonicTimeEpoch == nil {
		return time.Time{}
	}
	return cdp.MonotonicTimeEpoch.Add(time.Duration(sec * float64(time.Second)))
}

func monotonicTime(t *cdp.MonotonicTime) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.Time()
}
