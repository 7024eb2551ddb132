package record

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/netcollector/internal/longstring"
)

// ErrPayloadType is returned when a payload does not match its update kind.
var ErrPayloadType = errors.New("unexpected payload type")

// Placeholder is a text field that Apply filled with the initial chunk of a
// long string. Fill performs the one in-place substitution once the full text
// is known.
type Placeholder struct {
	Handle longstring.Handle
	fill   func(text string)
}

// Fill replaces the placeholder with text. The caller must hold whatever lock
// guards the record.
func (p Placeholder) Fill(text string) {
	if p.fill != nil {
		p.fill(text)
	}
}

// Apply maps payload onto rec for kind. A later update of the same kind
// replaces the earlier value. Unknown kinds are ignored. Long-string text is
// stored as its initial chunk and reported as a Placeholder when more remains.
func Apply(rec *Record, kind Kind, payload any) ([]Placeholder, error) {
	switch kind {
	case KindRequestHeaders:
		headers, err := as[[]Header](kind, payload)
		if err != nil {
			return nil, err
		}
		rec.RequestHeaders = cloneSlice(headers)
	case KindRequestCookies:
		cookies, err := as[[]Cookie](kind, payload)
		if err != nil {
			return nil, err
		}
		rec.RequestCookies = cloneSlice(cookies)
	case KindResponseHeaders:
		headers, err := as[[]Header](kind, payload)
		if err != nil {
			return nil, err
		}
		rec.ResponseHeaders = cloneSlice(headers)
	case KindResponseCookies:
		cookies, err := as[[]Cookie](kind, payload)
		if err != nil {
			return nil, err
		}
		rec.ResponseCookies = cloneSlice(cookies)
	case KindResponseStart:
		status, err := as[Status](kind, payload)
		if err != nil {
			return nil, err
		}
		rec.ResponseStatus = &status
	case KindEventTimings:
		timings, err := as[Timings](kind, payload)
		if err != nil {
			return nil, err
		}
		rec.EventTimings = &timings
		if !rec.StartedAt.IsZero() {
			ended := rec.StartedAt.Add(time.Duration(timings.TotalTime * float64(time.Millisecond)))
			rec.EndedAt = &ended
		}
	case KindRequestPostData:
		p, err := as[PostDataPayload](kind, payload)
		if err != nil {
			return nil, err
		}
		post := &PostData{MimeType: p.MimeType, Text: p.Text.Initial, Truncated: !p.Text.Complete()}
		rec.RequestPostData = post
		if post.Truncated {
			return []Placeholder{{Handle: p.Text, fill: func(text string) {
				post.Text = text
				post.Truncated = false
			}}}, nil
		}
	case KindResponseContent:
		p, err := as[ContentPayload](kind, payload)
		if err != nil {
			return nil, err
		}
		content := &Content{
			MimeType:        p.MimeType,
			Size:            p.Size,
			TransferredSize: p.TransferredSize,
			Encoding:        p.Encoding,
			Text:            p.Text.Initial,
			Truncated:       !p.Text.Complete(),
		}
		rec.ResponseContent = content
		if content.Truncated {
			return []Placeholder{{Handle: p.Text, fill: func(text string) {
				content.Text = text
				content.Truncated = false
			}}}, nil
		}
	}
	return nil, nil
}

func as[T any](kind Kind, payload any) (T, error) {
	switch v := payload.(type) {
	case T:
		return v, nil
	case *T:
		if v != nil {
			return *v, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("%w for %s: %T", ErrPayloadType, kind, payload)
}
