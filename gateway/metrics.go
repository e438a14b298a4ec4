package gateway

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hooksync/hooksync/hooks"
)

type Instrumented struct {
	inner    Gateway
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewInstrumented wraps g to count calls by op and result and to observe
// their duration.
func NewInstrumented(g Gateway) *Instrumented {
	return &Instrumented{
		inner: g,
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hooksync",
			Subsystem: "gateway",
			Name:      "calls",
			Help:      "number of server calls by op and result (ok or error kind)",
		}, []string{"op", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hooksync",
			Subsystem: "gateway",
			Name:      "call_duration_seconds",
			Help:      "duration of server calls by op",
			Buckets:   prometheus.ExponentialBuckets(0.01, 3, 10),
		}, []string{"op"}),
	}
}

func (g *Instrumented) RegisterMetrics(registerer prometheus.Registerer) {
	registerer.MustRegister(g.calls)
	registerer.MustRegister(g.duration)
}

func (g *Instrumented) Execute(ctx context.Context, serverID string, def hooks.Definition, cmd Command) Outcome {
	start := time.Now()
	o := g.inner.Execute(ctx, serverID, def, cmd)
	g.duration.WithLabelValues(string(cmd.Op)).Observe(time.Since(start).Seconds())
	result := "ok"
	if o.Err != nil {
		result = string(KindOf(o.Err))
		if result == "" {
			result = "error"
		}
	}
	g.calls.WithLabelValues(string(cmd.Op), result).Inc()
	return o
}
