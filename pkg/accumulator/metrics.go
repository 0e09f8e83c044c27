package accumulator

import "github.com/prometheus/client_golang/prometheus"

const (
	reasonUnauthenticated = "unauthenticated"
	reasonCapReached      = "cap_reached"

	resultSuccess = "success"
	resultFailure = "failure"
)

type metrics struct {
	increments  prometheus.Counter
	rejected    *prometheus.CounterVec
	flushes     *prometheus.CounterVec
	flushAmount prometheus.Histogram
	sessions    prometheus.Gauge
}

func newMetrics(r prometheus.Registerer) *metrics {
	var m metrics

	m.increments = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aura_increments_total",
		Help: "Total accepted aura taps",
	})

	m.rejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aura_rejected_total",
		Help: "Total rejected aura taps",
	}, []string{"reason"})

	m.flushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aura_flush_total",
		Help: "Total batched writes to the counter store",
	}, []string{"result"})

	m.flushAmount = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "aura_flush_amount",
		Help:    "Amount carried by each batched write",
		Buckets: prometheus.ExponentialBuckets(1, 2, 7),
	})

	m.sessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aura_sessions",
		Help: "Rendering sessions currently held in memory",
	})

	r.MustRegister(m.increments, m.rejected, m.flushes, m.flushAmount, m.sessions)
	return &m
}
