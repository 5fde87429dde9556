package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type HTTPServerMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	sessionsTotal       *prometheus.CounterVec
	stageDuration       *prometheus.HistogramVec
	evidenceLevelTotal  *prometheus.CounterVec
	refusalsTotal       *prometheus.CounterVec
	retrievalRounds     *prometheus.HistogramVec
	gradedCandidates    *prometheus.HistogramVec
	rewritesPerSession  *prometheus.HistogramVec
	revisionsPerSession *prometheus.HistogramVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lagrum",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lagrum",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lagrum",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lagrum",
			Subsystem: "pipeline",
			Name:      "sessions_total",
			Help:      "Total finished pipeline sessions by outcome.",
		},
		[]string{"service", "outcome", "mode"},
	)
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lagrum",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Time spent per pipeline stage.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "stage"},
	)
	evidenceLevelTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lagrum",
			Subsystem: "pipeline",
			Name:      "evidence_level_total",
			Help:      "Total answered sessions by evidence level.",
		},
		[]string{"service", "level"},
	)
	refusalsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lagrum",
			Subsystem: "pipeline",
			Name:      "refusals_total",
			Help:      "Total refused sessions.",
		},
		[]string{"service"},
	)
	retrievalRounds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lagrum",
			Subsystem: "pipeline",
			Name:      "retrieval_rounds",
			Help:      "Distribution of retrieval rounds per session.",
			Buckets:   []float64{1, 2, 3, 4},
		},
		[]string{"service"},
	)
	gradedCandidates := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lagrum",
			Subsystem: "pipeline",
			Name:      "graded_candidates",
			Help:      "Distribution of graded candidates per session.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
		[]string{"service"},
	)
	rewritesPerSession := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lagrum",
			Subsystem: "pipeline",
			Name:      "rewrites",
			Help:      "Distribution of query rewrites per session.",
			Buckets:   []float64{0, 1, 2, 3},
		},
		[]string{"service"},
	)
	revisionsPerSession := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lagrum",
			Subsystem: "pipeline",
			Name:      "revisions",
			Help:      "Distribution of answer revisions per session.",
			Buckets:   []float64{0, 1, 2},
		},
		[]string{"service"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		sessionsTotal,
		stageDuration,
		evidenceLevelTotal,
		refusalsTotal,
		retrievalRounds,
		gradedCandidates,
		rewritesPerSession,
		revisionsPerSession,
	)

	return &HTTPServerMetrics{
		registry:            registry,
		requestTotal:        requestTotal,
		requestDuration:     requestDuration,
		requestInFlight:     requestInFlight,
		sessionsTotal:       sessionsTotal,
		stageDuration:       stageDuration,
		evidenceLevelTotal:  evidenceLevelTotal,
		refusalsTotal:       refusalsTotal,
		retrievalRounds:     retrievalRounds,
		gradedCandidates:    gradedCandidates,
		rewritesPerSession:  rewritesPerSession,
		revisionsPerSession: revisionsPerSession,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			service,
			r.Method,
			r.URL.Path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

// SessionObservation summarizes one finished pipeline session for metrics.
type SessionObservation struct {
	Outcome         string
	Mode            string
	EvidenceLevel   string
	RetrievalRounds int
	GradedCount     int
	Rewrites        int
	Revisions       int
	Retrieval       time.Duration
	Grading         time.Duration
	Generation      time.Duration
	Total           time.Duration
}

func (m *HTTPServerMetrics) RecordSession(service string, obs SessionObservation) {
	outcome := obs.Outcome
	if outcome == "" {
		outcome = "unknown"
	}
	mode := obs.Mode
	if mode == "" {
		mode = "unknown"
	}
	m.sessionsTotal.WithLabelValues(service, outcome, mode).Inc()
	m.retrievalRounds.WithLabelValues(service).Observe(float64(obs.RetrievalRounds))
	m.gradedCandidates.WithLabelValues(service).Observe(float64(obs.GradedCount))
	m.rewritesPerSession.WithLabelValues(service).Observe(float64(obs.Rewrites))
	m.revisionsPerSession.WithLabelValues(service).Observe(float64(obs.Revisions))

	m.stageDuration.WithLabelValues(service, "retrieval").Observe(obs.Retrieval.Seconds())
	m.stageDuration.WithLabelValues(service, "grading").Observe(obs.Grading.Seconds())
	m.stageDuration.WithLabelValues(service, "generation").Observe(obs.Generation.Seconds())
	m.stageDuration.WithLabelValues(service, "total").Observe(obs.Total.Seconds())

	switch outcome {
	case "answered":
		level := obs.EvidenceLevel
		if level == "" {
			level = "NONE"
		}
		m.evidenceLevelTotal.WithLabelValues(service, level).Inc()
	case "refused":
		m.refusalsTotal.WithLabelValues(service).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}
