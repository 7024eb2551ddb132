package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/netcollector/internal/collector"
	"github.com/JakeFAU/netcollector/internal/metrics"
	"github.com/JakeFAU/netcollector/internal/quiescence"
	"github.com/JakeFAU/netcollector/internal/record"
	"github.com/JakeFAU/netcollector/internal/snapshot"
	"github.com/JakeFAU/netcollector/internal/store"
)

const (
	defaultWaitTimeout = 30 * time.Second
	maxWaitTimeout     = 10 * time.Minute
)

// Collector is the collector surface the API drives.
type Collector interface {
	Start() error
	Stop()
	Running() bool
	Clear() error
	WaitForPageLoad(ctx context.Context) (quiescence.Outcome, error)
	Items() []record.Record
	File(id string) (record.Record, bool)
	SessionID() uuid.UUID
	Outstanding() int
}

// Exporter writes item snapshots.
type Exporter interface {
	Export(ctx context.Context, req snapshot.Request) (snapshot.IndexRow, error)
}

// Deps groups the Server's collaborators. Exporter and Sessions are optional;
// their routes answer 503 when unset.
type Deps struct {
	Collector Collector
	Exporter  Exporter
	Sessions  store.SessionRepository
	Logger    *zap.Logger
}

// Server wires HTTP handlers to the collector and stores.
type Server struct {
	router    chi.Router
	collector Collector
	exporter  Exporter
	logger    *zap.Logger

	mu          sync.Mutex
	lastSession uuid.UUID
	lastOutcome quiescence.Outcome
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps) (*Server, error) {
	if deps.Collector == nil {
		return nil, errors.New("api server requires a collector")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		collector: deps.Collector,
		exporter:  deps.Exporter,
		logger:    logger,
	}
	sessions := NewSessionHandler(deps.Sessions, logger.Named("sessions"))

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/collector", func(r chi.Router) {
			r.Get("/", s.status)
			r.Post("/start", s.start)
			r.Post("/stop", s.stop)
			r.Post("/clear", s.clear)
			r.Post("/wait", s.wait)
		})
		r.Get("/items", s.listItems)
		r.Get("/items/{id}", s.getItem)
		r.Post("/snapshots", s.createSnapshot)
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", sessions.ListSessions)
			r.Get("/{session_id}", sessions.GetSession)
			r.Get("/{session_id}/hosts", sessions.ListSessionHosts)
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.collector.Running() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "collector stopped"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusDTO{
		SessionID:   s.collector.SessionID().String(),
		Running:     s.collector.Running(),
		Items:       len(s.collector.Items()),
		Outstanding: s.collector.Outstanding(),
	})
}

func (s *Server) start(w http.ResponseWriter, _ *http.Request) {
	if err := s.collector.Start(); err != nil {
		s.logger.Error("start collector failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to subscribe to target")
		return
	}
	s.status(w, nil)
}

func (s *Server) stop(w http.ResponseWriter, _ *http.Request) {
	s.collector.Stop()
	s.status(w, nil)
}

func (s *Server) clear(w http.ResponseWriter, _ *http.Request) {
	if err := s.collector.Clear(); err != nil {
		if errors.Is(err, collector.ErrCollecting) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.status(w, nil)
}

// wait handles POST /v1/collector/wait?timeout=5s. The timeout bounds the
// HTTP call only; the collector's own absolute timeout still applies.
func (s *Server) wait(w http.ResponseWriter, r *http.Request) {
	timeout := defaultWaitTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		timeout = min(d, maxWaitTimeout)
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	sessionID := s.collector.SessionID()
	outcome, err := s.collector.WaitForPageLoad(ctx)
	switch {
	case err == nil:
	case errors.Is(err, collector.ErrNotStarted):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "page did not settle before timeout")
		return
	case errors.Is(err, collector.ErrDisconnected):
		writeError(w, http.StatusBadGateway, err.Error())
		return
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.mu.Lock()
	s.lastSession, s.lastOutcome = sessionID, outcome
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, waitDTO{
		SessionID: sessionID.String(),
		Outcome:   string(outcome),
		Items:     len(s.collector.Items()),
	})
}

func (s *Server) listItems(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": s.collector.SessionID().String(),
		"items":      s.collector.Items(),
	})
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := s.collector.File(id)
	if !ok {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": rec})
}

// createSnapshot exports the current items. The outcome of the last
// successful wait for this session is attached when there is one.
func (s *Server) createSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		writeError(w, http.StatusServiceUnavailable, "snapshot exporter unavailable")
		return
	}
	sessionID := s.collector.SessionID()
	s.mu.Lock()
	var outcome quiescence.Outcome
	if s.lastSession == sessionID {
		outcome = s.lastOutcome
	}
	s.mu.Unlock()

	row, err := s.exporter.Export(r.Context(), snapshot.Request{
		SessionID: sessionID,
		Outcome:   string(outcome),
		Items:     s.collector.Items(),
	})
	metrics.ObserveSnapshot(err)
	if err != nil {
		s.logger.Error("export snapshot failed", zap.Error(err), zap.Stringer("session_id", sessionID))
		writeError(w, http.StatusInternalServerError, "failed to export snapshot")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"snapshot": row})
}

type statusDTO struct {
	SessionID   string `json:"session_id"`
	Running     bool   `json:"running"`
	Items       int    `json:"items"`
	Outstanding int    `json:"outstanding"`
}

type waitDTO struct {
	SessionID string `json:"session_id"`
	Outcome   string `json:"outcome"`
	Items     int    `json:"items"`
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
