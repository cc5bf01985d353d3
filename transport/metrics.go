package transport

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder receives admission outcomes. Implementations must be safe for
// concurrent use.
type Recorder interface {
	// Acquired is called when a request obtained capacity and will be sent.
	Acquired(key string)
	// Rejected is called when admission failed and the request was dropped.
	Rejected(key string)
	// Delayed is called when admission blocked, with the wait taken.
	Delayed(key string, wait time.Duration)
	// LimitSignal is called when a response carried a rate-limit status.
	LimitSignal(key string, status int)
}

// NopRecorder discards every observation. It keeps the hot path free of
// nil checks.
type NopRecorder struct{}

func (NopRecorder) Acquired(string)               {}
func (NopRecorder) Rejected(string)               {}
func (NopRecorder) Delayed(string, time.Duration) {}
func (NopRecorder) LimitSignal(string, int)       {}

// PrometheusRecorder exports admission outcomes as Prometheus counters and
// a delay histogram, labeled by routing key.
type PrometheusRecorder struct {
	acquired *prometheus.CounterVec
	rejected *prometheus.CounterVec
	delay    *prometheus.HistogramVec
	signals  *prometheus.CounterVec
}

var _ Recorder = (*PrometheusRecorder)(nil)

// NewPrometheusRecorder creates a recorder and registers its collectors
// with reg.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	r := &PrometheusRecorder{
		acquired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "throttle_requests_acquired_total",
				Help: "Requests that obtained rate-limit capacity",
			},
			[]string{"key"},
		),
		rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "throttle_requests_rejected_total",
				Help: "Requests dropped because no feasible delay satisfied the limits",
			},
			[]string{"key"},
		),
		delay: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "throttle_admission_delay_seconds",
				Help:    "Time requests spent blocked waiting for rate-limit capacity",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"key"},
		),
		signals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "throttle_limit_signals_total",
				Help: "Responses carrying a rate-limit status code",
			},
			[]string{"key", "code"},
		),
	}
	reg.MustRegister(r.acquired, r.rejected, r.delay, r.signals)
	return r
}

func (r *PrometheusRecorder) Acquired(key string) {
	r.acquired.WithLabelValues(key).Inc()
}

func (r *PrometheusRecorder) Rejected(key string) {
	r.rejected.WithLabelValues(key).Inc()
}

func (r *PrometheusRecorder) Delayed(key string, wait time.Duration) {
	r.delay.WithLabelValues(key).Observe(wait.Seconds())
}

func (r *PrometheusRecorder) LimitSignal(key string, status int) {
	r.signals.WithLabelValues(key, strconv.Itoa(status)).Inc()
}
