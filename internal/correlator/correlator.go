// Package correlator joins the two halves of a network event stream: request
// starts create records and field updates pull their data from the remote
// target and apply it to the matching record. All remote work goes through
// per-session fetch caches whose futures land in the session's pending group,
// which is what page-load detection drains.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/netcollector/internal/async"
	"github.com/JakeFAU/netcollector/internal/clock/system"
	"github.com/JakeFAU/netcollector/internal/fetchcache"
	idgen "github.com/JakeFAU/netcollector/internal/id/uuid"
	"github.com/JakeFAU/netcollector/internal/longstring"
	"github.com/JakeFAU/netcollector/internal/progress"
	"github.com/JakeFAU/netcollector/internal/record"
	"github.com/JakeFAU/netcollector/internal/transport"
)

var (
	// ErrUnknownRequest is returned for a field update whose request was never
	// started in the current session.
	ErrUnknownRequest = errors.New("field update for unknown request")
	// ErrDuplicateRequest is returned when a request id is started twice.
	ErrDuplicateRequest = errors.New("duplicate request start")
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session identifiers.
type IDGenerator interface {
	NewRawID() (uuid.UUID, error)
}

// Config wires a Correlator.
type Config struct {
	// Fetcher serves field payloads and long-string remainders.
	Fetcher transport.Fetcher
	// CollectBodies gates responseContent fetches.
	CollectBodies bool
	// BaseContext is handed to every remote fetch. Fetches outlive callers.
	BaseContext context.Context
	Emitter     progress.Emitter
	Clock       Clock
	IDs         IDGenerator
	Logger      *zap.Logger
}

type fieldKey struct {
	id   string
	kind record.Kind
}

// session is everything clear() throws away.
type session struct {
	id      uuid.UUID
	records map[string]*record.Record
	order   []*record.Record
	fields  *fetchcache.Cache[fieldKey, any]
	strings *longstring.Resolver
	pending *async.Group
}

// Correlator owns the record table of one monitored target. It is safe for
// concurrent use; notifications are expected one at a time in arrival order.
type Correlator struct {
	cfg     Config
	fetcher transport.Fetcher
	emitter progress.Emitter
	clock   Clock
	ids     IDGenerator
	logger  *zap.Logger

	mu      sync.Mutex
	session *session
}

// New builds a Correlator with an empty session.
func New(cfg Config) (*Correlator, error) {
	if cfg.Fetcher == nil {
		return nil, errors.New("correlator requires a fetcher")
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	c := &Correlator{
		cfg:     cfg,
		fetcher: cfg.Fetcher,
		emitter: cfg.Emitter,
		clock:   cfg.Clock,
		ids:     cfg.IDs,
		logger:  cfg.Logger,
	}
	if c.emitter == nil {
		c.emitter = progress.Nop{}
	}
	if c.clock == nil {
		c.clock = system.New()
	}
	if c.ids == nil {
		c.ids = idgen.New()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.session = c.newSession()
	return c, nil
}

func (c *Correlator) newSession() *session {
	id, err := c.ids.NewRawID()
	if err != nil {
		c.logger.Warn("session id generation failed; using random id", zap.Error(err))
		id = uuid.New()
	}
	pending := async.NewGroup()
	s := &session{
		id:      id,
		records: make(map[string]*record.Record),
		pending: pending,
	}
	s.fields = fetchcache.New[fieldKey, any](fetchcache.Config{
		Tracker:     pending,
		BaseContext: c.cfg.BaseContext,
		Name:        "fields",
		Logger:      c.logger,
	})
	longStrings := fetchcache.New[string, string](fetchcache.Config{
		Tracker:     pending,
		BaseContext: c.cfg.BaseContext,
		Name:        "long_strings",
		Logger:      c.logger,
	})
	s.strings = longstring.NewResolver(longStrings, c.fetchRemainder(s))
	c.emit(s, progress.Event{Stage: progress.StageSessionStart})
	return s
}

// OnRequestStarted creates the record for ev.ID. A second start for a known id
// leaves the existing record untouched and returns ErrDuplicateRequest.
func (c *Correlator) OnRequestStarted(ev transport.RequestStarted) error {
	c.mu.Lock()
	s := c.session
	if _, ok := s.records[ev.ID]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, ev.ID)
	}
	rec := record.New(ev.ID, ev.Method, ev.URL, ev.IsXHR, ev.StartedAt)
	s.records[ev.ID] = rec
	s.order = append(s.order, rec)
	c.mu.Unlock()

	c.emit(s, progress.Event{Stage: progress.StageRequestStart, RequestID: ev.ID, URL: ev.URL})
	return nil
}

// OnFieldUpdate starts (or joins) the fetch for ev and applies the result to
// the matching record once it arrives. An update for an unknown id creates no
// record and returns ErrUnknownRequest; unknown kinds are ignored.
func (c *Correlator) OnFieldUpdate(ev transport.FieldUpdate) error {
	c.mu.Lock()
	s := c.session
	rec, ok := s.records[ev.ID]
	c.mu.Unlock()

	if !ok {
		c.emit(s, progress.Event{
			Stage:     progress.StageCorrelationError,
			RequestID: ev.ID,
			Kind:      string(ev.Kind),
		})
		return fmt.Errorf("%w: %s (%s)", ErrUnknownRequest, ev.ID, ev.Kind)
	}
	if !ev.Kind.Known() {
		return nil
	}
	if ev.Kind == record.KindResponseContent && !c.cfg.CollectBodies {
		return nil
	}

	kind := ev.Kind
	s.fields.Get(fieldKey{id: ev.ID, kind: kind}, func(ctx context.Context) (any, error) {
		return c.fetchField(ctx, s, rec, kind)
	})
	return nil
}

func (c *Correlator) fetchField(ctx context.Context, s *session, rec *record.Record, kind record.Kind) (any, error) {
	started := c.clock.Now()
	base := progress.Event{RequestID: rec.ID, Kind: string(kind), URL: rec.URL}
	c.emit(s, withStage(base, progress.StageFetchStart))

	payload, err := c.fetcher.FetchField(ctx, rec.ID, kind)
	if err != nil {
		c.fetchFailed(s, base, started, err)
		return nil, fmt.Errorf("fetch %s for %s: %w", kind, rec.ID, err)
	}

	c.mu.Lock()
	placeholders, err := record.Apply(rec, kind, payload)
	c.mu.Unlock()
	if err != nil {
		c.fetchFailed(s, base, started, err)
		return nil, fmt.Errorf("apply %s for %s: %w", kind, rec.ID, err)
	}

	futures := make([]*async.Future[string], len(placeholders))
	for i, ph := range placeholders {
		futures[i] = s.strings.Resolve(ph.Handle)
	}
	for i, f := range futures {
		text, err := f.Wait(ctx)
		if err != nil {
			// The record keeps the initial chunk and stays marked truncated.
			c.logger.Warn("long string unresolved",
				zap.String("request_id", rec.ID),
				zap.String("kind", string(kind)),
				zap.String("handle_id", placeholders[i].Handle.ID),
				zap.Error(err),
			)
			continue
		}
		c.mu.Lock()
		placeholders[i].Fill(text)
		c.mu.Unlock()
	}

	done := withStage(base, progress.StageFetchDone)
	done.Dur = c.clock.Now().Sub(started)
	describePayload(&done, payload)
	c.emit(s, done)
	return payload, nil
}

func (c *Correlator) fetchFailed(s *session, base progress.Event, started time.Time, err error) {
	c.logger.Debug("field fetch failed",
		zap.String("request_id", base.RequestID),
		zap.String("kind", base.Kind),
		zap.Error(err),
	)
	evt := withStage(base, progress.StageFetchError)
	evt.Dur = c.clock.Now().Sub(started)
	evt.Note = err.Error()
	c.emit(s, evt)
}

func (c *Correlator) fetchRemainder(s *session) longstring.RemainderFunc {
	return func(ctx context.Context, handleID string, offset, length int) (string, error) {
		started := c.clock.Now()
		base := progress.Event{RequestID: handleID, Kind: progress.KindLongString}
		c.emit(s, withStage(base, progress.StageFetchStart))
		text, err := c.fetcher.FetchLongStringRemainder(ctx, handleID, offset, length)
		if err != nil {
			c.fetchFailed(s, base, started, err)
			return "", err
		}
		done := withStage(base, progress.StageFetchDone)
		done.Dur = c.clock.Now().Sub(started)
		c.emit(s, done)
		return text, nil
	}
}

// File returns a copy of the record for id in the current session.
func (c *Correlator) File(id string) (record.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.session.records[id]
	if !ok {
		return record.Record{}, false
	}
	return rec.Clone(), true
}

// Items returns copies of every record in request-start order. Safe to call
// mid-collection; fields still being fetched are simply absent.
func (c *Correlator) Items() []record.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]record.Record, len(c.session.order))
	for i, rec := range c.session.order {
		out[i] = rec.Clone()
	}
	return out
}

// Len returns the number of records in the current session.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.session.order)
}

// Pending returns the pending-fetch group of the current session.
func (c *Correlator) Pending() *async.Group {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.pending
}

// SessionID identifies the current session in progress events.
func (c *Correlator) SessionID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.id
}

// Clear drops the record table and both fetch caches. Fetches still in flight
// complete against the discarded records.
func (c *Correlator) Clear() {
	s := c.newSession()
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

func (c *Correlator) emit(s *session, evt progress.Event) {
	evt.SessionID = progress.UUIDToBytes(s.id)
	if evt.TS.IsZero() {
		evt.TS = c.clock.Now().UTC()
	}
	c.emitter.Emit(evt)
}

func withStage(evt progress.Event, stage progress.Stage) progress.Event {
	evt.Stage = stage
	return evt
}

func describePayload(evt *progress.Event, payload any) {
	switch p := payload.(type) {
	case record.Status:
		evt.StatusClass = progress.ClassifyStatus(p.Status)
	case *record.Status:
		if p != nil {
			evt.StatusClass = progress.ClassifyStatus(p.Status)
		}
	case record.ContentPayload:
		evt.Bytes = contentBytes(p)
	case *record.ContentPayload:
		if p != nil {
			evt.Bytes = contentBytes(*p)
		}
	}
}

func contentBytes(p record.ContentPayload) int64 {
	if p.Size > 0 {
		return p.Size
	}
	return int64(p.Text.Length)
}
