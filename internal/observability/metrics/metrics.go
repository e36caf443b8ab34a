// Package metrics exposes Prometheus collectors for core vault decisions,
// queue evaluations and the admin HTTP server.
package metrics

import (
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fasset-qa/internal/corevault"
	xerrors "fasset-qa/internal/errors"
)

const namespace = "fassetqa"

// Metrics bundles the collectors reported by the service.
type Metrics struct {
	decisions    *prometheus.CounterVec
	executedLots *prometheus.CounterVec
	evaluations  *prometheus.CounterVec
	evalDuration prometheus.Histogram
	inFlight     prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	gatherer     prometheus.Gatherer
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns the instance registered with the global Prometheus registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNew(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	})
	return shared
}

// NewRegistry returns metrics backed by a fresh registry. Useful in tests.
func NewRegistry() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return MustNew(reg, reg), reg
}

// MustNew registers the collectors with reg, reusing collectors that are
// already registered. Other registration errors panic.
func MustNew(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	m := &Metrics{gatherer: gatherer}

	m.decisions = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "corevault",
		Name:      "decisions_total",
		Help:      "Core vault decisions by direction and outcome.",
	}, []string{"direction", "outcome"}))
	m.executedLots = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "corevault",
		Name:      "executed_lots_total",
		Help:      "Lots submitted to the agent executor.",
	}, []string{"direction"}))
	m.evaluations = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "evaluations_total",
		Help:      "Agent evaluations by result code.",
	}, []string{"code"}))
	m.evalDuration = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "evaluation_duration_seconds",
		Help:      "Time spent evaluating one agent in both directions.",
		Buckets:   prometheus.DefBuckets,
	}))
	m.inFlight = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "evaluations_in_flight",
		Help:      "Agent evaluations currently running.",
	}))
	m.httpRequests = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"}))
	m.httpDuration = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"}))
	return m
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ObserveDecision implements corevault.DecisionObserver.
func (m *Metrics) ObserveDecision(d corevault.Decision) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(string(d.Direction), string(d.Outcome)).Inc()
	if d.Executed() && d.Lots != nil {
		lots, _ := new(big.Float).SetInt(d.Lots).Float64()
		m.executedLots.WithLabelValues(string(d.Direction)).Add(lots)
	}
}

// ObserveEvaluation records the duration and result of one agent evaluation.
func (m *Metrics) ObserveEvaluation(duration time.Duration, err error) {
	if m == nil {
		return
	}
	code := "ok"
	if err != nil {
		code = string(xerrors.CodeOf(err))
	}
	m.evaluations.WithLabelValues(code).Inc()
	m.evalDuration.Observe(duration.Seconds())
}

// EvaluationStarted increments the in-flight gauge and returns the matching
// decrement.
func (m *Metrics) EvaluationStarted() func() {
	if m == nil {
		return func() {}
	}
	m.inFlight.Inc()
	return m.inFlight.Dec
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler exposes the metrics in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

var _ corevault.DecisionObserver = (*Metrics)(nil)
