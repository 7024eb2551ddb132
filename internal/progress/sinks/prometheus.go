package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/netcollector/internal/progress"
)

// PrometheusSink exports collector progress metrics via Prometheus.
type PrometheusSink struct {
	sessionsStarted   prometheus.Counter
	sessionsSettled   *prometheus.CounterVec
	settleDuration    *prometheus.HistogramVec
	settledItems      prometheus.Histogram
	requestsSeen      prometheus.Counter
	correlationErrors prometheus.Counter

	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	contentBytes  prometheus.Counter
	responses     *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netcollector_sessions_started_total",
			Help: "Collection sessions started.",
		}),
		sessionsSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netcollector_sessions_settled_total",
			Help: "Page-load waits that completed, partitioned by outcome.",
		}, []string{"outcome"}),
		settleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "netcollector_settle_duration_seconds",
			Help:    "Time from the start of a page-load wait until it settled.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"outcome"}),
		settledItems: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "netcollector_settled_items",
			Help:    "Requests held when a page-load wait settled.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		requestsSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netcollector_requests_total",
			Help: "Requests observed on the event stream.",
		}),
		correlationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netcollector_correlation_errors_total",
			Help: "Field updates dropped because their request was unknown.",
		}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netcollector_fetches_total",
			Help: "Remote field fetches partitioned by kind and result.",
		}, []string{"kind", "result"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "netcollector_fetch_duration_seconds",
			Help:    "Remote field fetch latency partitioned by kind.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"kind"}),
		contentBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netcollector_content_bytes_total",
			Help: "Response body bytes collected.",
		}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netcollector_responses_total",
			Help: "Response starts partitioned by status class.",
		}, []string{"status_class"}),
	}
	for _, collector := range []prometheus.Collector{
		s.sessionsStarted,
		s.sessionsSettled,
		s.settleDuration,
		s.settledItems,
		s.requestsSeen,
		s.correlationErrors,
		s.fetches,
		s.fetchDuration,
		s.contentBytes,
		s.responses,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageSessionStart:
		s.sessionsStarted.Inc()
	case progress.StageRequestStart:
		s.requestsSeen.Inc()
	case progress.StageCorrelationError:
		s.correlationErrors.Inc()
	case progress.StageFetchDone:
		s.fetches.WithLabelValues(evt.Kind, "success").Inc()
		s.observeFetch(evt)
		if evt.Bytes > 0 {
			s.contentBytes.Add(float64(evt.Bytes))
		}
		if evt.StatusClass != "" {
			s.responses.WithLabelValues(string(evt.StatusClass)).Inc()
		}
	case progress.StageFetchError:
		s.fetches.WithLabelValues(evt.Kind, "error").Inc()
		s.observeFetch(evt)
	case progress.StageSessionSettled:
		s.sessionsSettled.WithLabelValues(evt.Outcome).Inc()
		s.settleDuration.WithLabelValues(evt.Outcome).Observe(evt.Dur.Seconds())
		s.settledItems.Observe(float64(evt.Items))
	}
}

func (s *PrometheusSink) observeFetch(evt progress.Event) {
	if evt.Dur > 0 {
		s.fetchDuration.WithLabelValues(evt.Kind).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
