// Package metrics exposes Prometheus collectors for mode arbitration, answer
// provenance, index builds, quizzes and HTTP traffic.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/studyd/internal/index"
	"github.com/kalambet/studyd/internal/mode"
	"github.com/kalambet/studyd/internal/quiz"
)

const namespace = "studyd"

// Metrics holds every collector. It implements study.Observer and provides
// mode.Hooks for the arbitrator.
type Metrics struct {
	registry *prometheus.Registry

	Decisions      *prometheus.CounterVec
	Transitions    *prometheus.CounterVec
	ModeState      *prometheus.GaugeVec
	Answers        *prometheus.CounterVec
	IndexBuilds    *prometheus.CounterVec
	IndexBuildTime prometheus.Histogram
	IndexVectors   prometheus.Gauge
	Questions      *prometheus.CounterVec
	Grades         *prometheus.CounterVec
	HTTPRequests   *prometheus.CounterVec
	HTTPLatency    *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &Metrics{
		registry: reg,

		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mode_decisions_total",
			Help:      "Arbitration decisions by capability and outcome",
		}, []string{"capability", "granted", "reason"}),

		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mode_transitions_total",
			Help:      "Circuit state transitions by capability",
		}, []string{"capability", "from", "to"}),

		ModeState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mode_state",
			Help:      "1 for the current circuit state of each capability",
		}, []string{"capability", "state"}),

		Answers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answers_total",
			Help:      "Answers served by provenance and fallback reason",
		}, []string{"provenance", "reason"}),

		IndexBuilds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_builds_total",
			Help:      "Published index versions by provenance",
		}, []string{"provenance"}),

		IndexBuildTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "index_build_duration_seconds",
			Help:      "Index build latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),

		IndexVectors: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_last_vector_ratio",
			Help:      "Share of chunks with a vector in the last published index",
		}),

		Questions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quiz_questions_generated_total",
			Help:      "Generated quiz questions by kind and provenance",
		}, []string{"kind", "provenance"}),

		Grades: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quiz_answers_total",
			Help:      "Graded quiz answers by kind and result",
		}, []string{"kind", "correct"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status",
		}, []string{"route", "method", "status"}),

		HTTPLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}

	for _, c := range mode.Capabilities {
		m.setState(c, mode.Available)
	}
	return m
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Hooks returns arbitrator hooks that feed the mode collectors.
func (m *Metrics) Hooks() mode.Hooks {
	return mode.Hooks{
		OnDecision: func(p mode.Permit) {
			m.Decisions.WithLabelValues(string(p.Capability), strconv.FormatBool(p.Granted), string(p.Reason)).Inc()
		},
		OnTransition: func(c mode.Capability, from, to mode.State) {
			m.Transitions.WithLabelValues(string(c), string(from), string(to)).Inc()
			m.setState(c, to)
		},
	}
}

func (m *Metrics) setState(c mode.Capability, current mode.State) {
	for _, s := range []mode.State{mode.Available, mode.Degraded, mode.Unavailable} {
		v := 0.0
		if s == current {
			v = 1
		}
		m.ModeState.WithLabelValues(string(c), string(s)).Set(v)
	}
}

// IndexBuilt records a published index.
func (m *Metrics) IndexBuilt(prov index.Provenance, chunks, vectors int, took time.Duration) {
	m.IndexBuilds.WithLabelValues(string(prov)).Inc()
	m.IndexBuildTime.Observe(took.Seconds())
	if chunks > 0 {
		m.IndexVectors.Set(float64(vectors) / float64(chunks))
	}
}

// AnswerServed records the provenance of an answer.
func (m *Metrics) AnswerServed(prov mode.Provenance, reason mode.Reason) {
	m.Answers.WithLabelValues(string(prov), string(reason)).Inc()
}

// QuizGenerated records the kinds of new questions.
func (m *Metrics) QuizGenerated(questions []quiz.Question) {
	for _, q := range questions {
		m.Questions.WithLabelValues(string(q.Kind), string(q.Provenance)).Inc()
	}
}

// QuizAnswered records a graded answer.
func (m *Metrics) QuizAnswered(kind quiz.Kind, correct bool) {
	m.Grades.WithLabelValues(string(kind), strconv.FormatBool(correct)).Inc()
}

// Middleware counts requests per chi route pattern so IDs in paths do not
// explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		m.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(sw.status)).Inc()
		m.HTTPLatency.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
