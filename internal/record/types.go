// Package record defines the per-request data accumulated from a network
// event stream and the dispatch that maps fetched payloads onto it.
package record

import (
	"time"

	"github.com/JakeFAU/netcollector/internal/longstring"
)

// Kind names one category of incremental field update.
type Kind string

// Supported update kinds.
const (
	KindRequestHeaders  Kind = "requestHeaders"
	KindRequestCookies  Kind = "requestCookies"
	KindRequestPostData Kind = "requestPostData"
	KindResponseHeaders Kind = "responseHeaders"
	KindResponseCookies Kind = "responseCookies"
	KindResponseStart   Kind = "responseStart"
	KindResponseContent Kind = "responseContent"
	KindEventTimings    Kind = "eventTimings"
)

// Kinds lists every update kind the collector understands.
var Kinds = []Kind{
	KindRequestHeaders,
	KindRequestCookies,
	KindRequestPostData,
	KindResponseHeaders,
	KindResponseCookies,
	KindResponseStart,
	KindResponseContent,
	KindEventTimings,
}

// Known reports whether k is handled by Apply.
func (k Kind) Known() bool {
	switch k {
	case KindRequestHeaders, KindRequestCookies, KindRequestPostData,
		KindResponseHeaders, KindResponseCookies, KindResponseStart,
		KindResponseContent, KindEventTimings:
		return true
	default:
		return false
	}
}

// Header is one name/value pair in the order the target reported it.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Cookie is a request or response cookie.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Path     string `json:"path,omitempty"`
	Domain   string `json:"domain,omitempty"`
	Expires  string `json:"expires,omitempty"`
	HTTPOnly bool   `json:"httpOnly,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
}

// PostData is a request body.
type PostData struct {
	MimeType  string `json:"mimeType,omitempty"`
	Text      string `json:"text"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Status is the response status line.
type Status struct {
	HTTPVersion string `json:"httpVersion"`
	Status      int    `json:"status"`
	StatusText  string `json:"statusText"`
}

// Content is a response body. Text is the initial chunk while Truncated is
// set and the full value afterwards.
type Content struct {
	MimeType        string `json:"mimeType"`
	Size            int64  `json:"size"`
	TransferredSize int64  `json:"transferredSize"`
	Encoding        string `json:"encoding,omitempty"`
	Text            string `json:"text,omitempty"`
	Truncated       bool   `json:"truncated,omitempty"`
}

// Timings is the phase breakdown of one exchange in milliseconds. A phase that
// does not apply is -1.
type Timings struct {
	Blocked   float64 `json:"blocked"`
	DNS       float64 `json:"dns"`
	Connect   float64 `json:"connect"`
	SSL       float64 `json:"ssl"`
	Send      float64 `json:"send"`
	Wait      float64 `json:"wait"`
	Receive   float64 `json:"receive"`
	TotalTime float64 `json:"totalTime"`
}

// Record is one request/response exchange. Fields fill in independently as
// updates are applied.
type Record struct {
	ID              string     `json:"id"`
	StartedAt       time.Time  `json:"startedAt"`
	Method          string     `json:"method"`
	URL             string     `json:"url"`
	IsXHR           bool       `json:"isXHR"`
	RequestHeaders  []Header   `json:"requestHeaders,omitempty"`
	RequestCookies  []Cookie   `json:"requestCookies,omitempty"`
	RequestPostData *PostData  `json:"requestPostData,omitempty"`
	ResponseHeaders []Header   `json:"responseHeaders,omitempty"`
	ResponseCookies []Cookie   `json:"responseCookies,omitempty"`
	ResponseStatus  *Status    `json:"responseStatus,omitempty"`
	ResponseContent *Content   `json:"responseContent,omitempty"`
	EventTimings    *Timings   `json:"eventTimings,omitempty"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
}

// New creates the record for a freshly started request.
func New(id, method, url string, isXHR bool, startedAt time.Time) *Record {
	return &Record{
		ID:        id,
		Method:    method,
		URL:       url,
		IsXHR:     isXHR,
		StartedAt: startedAt,
	}
}

// Clone returns a deep copy safe to hand to readers.
func (r *Record) Clone() Record {
	out := *r
	out.RequestHeaders = cloneSlice(r.RequestHeaders)
	out.RequestCookies = cloneSlice(r.RequestCookies)
	out.ResponseHeaders = cloneSlice(r.ResponseHeaders)
	out.ResponseCookies = cloneSlice(r.ResponseCookies)
	out.RequestPostData = clonePtr(r.RequestPostData)
	out.ResponseStatus = clonePtr(r.ResponseStatus)
	out.ResponseContent = clonePtr(r.ResponseContent)
	out.EventTimings = clonePtr(r.EventTimings)
	out.EndedAt = clonePtr(r.EndedAt)
	return out
}

func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	return append([]T(nil), in...)
}

func clonePtr[T any](in *T) *T {
	if in == nil {
		return nil
	}
	v := *in
	return &v
}

// PostDataPayload is what a target returns for KindRequestPostData.
type PostDataPayload struct {
	MimeType string
	Text     longstring.Handle
}

// ContentPayload is what a target returns for KindResponseContent.
type ContentPayload struct {
	MimeType        string
	Size            int64
	TransferredSize int64
	Encoding        string
	Text            longstring.Handle
}
