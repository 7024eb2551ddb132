package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageSessionStart     Stage = "SESSION_START"
	StageRequestStart     Stage = "REQUEST_START"
	StageFetchStart       Stage = "FETCH_START"
	StageFetchDone        Stage = "FETCH_DONE"
	StageFetchError       Stage = "FETCH_ERROR"
	StageCorrelationError Stage = "CORRELATION_ERROR"
	StageSessionSettled   Stage = "SESSION_SETTLED"
)

// KindLongString labels fetches of long-string remainders.
const KindLongString = "longString"

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for response starts.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single piece of collector progress.
type Event struct {
	// SessionID identifies the collection session using the 16-byte UUID form.
	SessionID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// RequestID is the remote resource id (or long-string handle id).
	RequestID string
	// Kind is the update kind being fetched.
	Kind string
	// URL is the request URL for request starts.
	URL string
	// Bytes carries the body size for content fetches.
	Bytes int64
	// StatusClass groups the response status for responseStart fetches.
	StatusClass StatusClass
	// Outcome is the quiescence outcome for settled sessions.
	Outcome string
	// Items is the number of records held when a session settles.
	Items int
	// Dur captures fetch latency or time to settle.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SessionID == [16]byte{} {
		return errors.New("session id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageSessionStart:
	case StageRequestStart, StageCorrelationError:
		if e.RequestID == "" {
			return fmt.Errorf("%s requires request id", e.Stage)
		}
	case StageFetchStart, StageFetchDone, StageFetchError:
		if e.RequestID == "" || e.Kind == "" {
			return fmt.Errorf("%s requires request id and kind", e.Stage)
		}
	case StageSessionSettled:
		if e.Outcome == "" {
			return errors.New("session settled requires outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// SessionUUID converts the binary session ID to uuid.UUID.
func (e Event) SessionUUID() uuid.UUID {
	return uuid.UUID(e.SessionID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
