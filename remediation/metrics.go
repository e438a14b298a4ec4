package remediation

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	ops *prometheus.CounterVec
}

func newMetrics() metrics {
	return metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hooksync",
			Subsystem: "remediation",
			Name:      "operations",
			Help:      "number of hook operations by op and result",
		}, []string{"op", "result"}),
	}
}

func (o *Orchestrator) RegisterMetrics(registerer prometheus.Registerer) {
	registerer.MustRegister(o.metrics.ops)
}
