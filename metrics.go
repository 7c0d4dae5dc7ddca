package units

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/unitsproto/units/bc"
)

// Metrics counts pipeline outcomes for the prometheus scrape surface.
type Metrics struct {
	txsTotal      *prometheus.CounterVec
	commitSeconds prometheus.Histogram
	effectsTotal  prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		txsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "units",
			Name:      "transactions_total",
			Help:      "Transactions processed, by outcome code.",
		}, []string{"status"}),
		commitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "units",
			Name:      "transaction_seconds",
			Help:      "End-to-end transaction latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		effectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "units",
			Name:      "effects_committed_total",
			Help:      "Object effects committed.",
		}),
	}
}

// Register installs the collectors on reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.txsTotal, m.commitSeconds, m.effectsTotal} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) observe(rcp *bc.Receipt, err error, elapsed time.Duration) {
	m.commitSeconds.Observe(elapsed.Seconds())
	switch {
	case err != nil:
		m.txsTotal.WithLabelValues(CodeOf(err).String()).Inc()
	case rcp == nil:
		m.txsTotal.WithLabelValues(bc.CodeStorageFailure.String()).Inc()
	default:
		status := bc.CodeOk
		var effects int
		for i := range rcp.Results {
			if rcp.Results[i].Status != bc.CodeOk {
				status = rcp.Results[i].Status
			}
			effects += len(rcp.Results[i].Effects)
		}
		m.txsTotal.WithLabelValues(status.String()).Inc()
		m.effectsTotal.Add(float64(effects))
	}
}

// PipelineMetrics exposes the pipeline's collectors for registration
// on a scrape registry.
func (p *Pipeline) PipelineMetrics() *Metrics {
	return p.metrics
}
