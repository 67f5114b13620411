package jobstore

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the job store.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Jobs         *prometheus.GaugeVec
	Swept        prometheus.Counter
	ExpiredReads prometheus.Counter
}

// NewMetrics creates and registers job store metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "seiro",
			Subsystem: "jobstore",
			Name:      "jobs",
			Help:      "Jobs currently tracked, by status.",
		}, []string{"status"}),
		Swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "seiro",
			Subsystem: "jobstore",
			Name:      "swept_total",
			Help:      "Total jobs removed by the TTL sweep.",
		}),
		ExpiredReads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "seiro",
			Subsystem: "jobstore",
			Name:      "expired_reads_total",
			Help:      "Total reads that found an expired artifact.",
		}),
	}

	reg.MustRegister(m.Jobs, m.Swept, m.ExpiredReads)
	return m
}

func (m *Metrics) transition(from, to Status) {
	if m == nil {
		return
	}
	if from != "" {
		m.Jobs.WithLabelValues(string(from)).Dec()
	}
	if to != "" {
		m.Jobs.WithLabelValues(string(to)).Inc()
	}
}

func (m *Metrics) swept(n int) {
	if m == nil || n == 0 {
		return
	}
	m.Swept.Add(float64(n))
}

func (m *Metrics) expiredRead() {
	if m == nil {
		return
	}
	m.ExpiredReads.Inc()
}
