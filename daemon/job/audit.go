package job

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hooksync/hooksync/daemon/job/wakeup"
	"github.com/hooksync/hooksync/daemon/logging"
	"github.com/hooksync/hooksync/remediation"
)

// Resyncer polls the servers for the state of every hook.
type Resyncer interface {
	ResyncAll(ctx context.Context) ([]*remediation.Report, error)
}

// AuditJob periodically resyncs all hooks so that drift caused outside of
// hooksync shows up in the classification.
type AuditJob struct {
	name     string
	resyncer Resyncer
	interval time.Duration

	mtx    sync.Mutex
	status AuditStatus

	promRuns     *prometheus.CounterVec // labels: result
	promDuration prometheus.Histogram
	promHooks    *prometheus.GaugeVec // labels: state
}

type AuditStatus struct {
	Running   bool
	Runs      int
	LastStart time.Time
	LastEnd   time.Time
	Hooks     int
	// hooks with at least one conflict
	Conflicted int
	Degraded   int
	// hooks none of whose servers answered
	Unreachable int
	Error       string `json:",omitempty"`
}

func NewAuditJob(name string, r Resyncer, interval time.Duration) *AuditJob {
	return &AuditJob{
		name:     name,
		resyncer: r,
		interval: interval,
		promRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hooksync",
			Subsystem: "audit",
			Name:      "runs",
			Help:      "number of audit runs by result",
		}, []string{"result"}),
		promDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hooksync",
			Subsystem: "audit",
			Name:      "duration_seconds",
			Help:      "duration of audit runs",
			Buckets:   prometheus.ExponentialBuckets(0.1, 3, 10),
		}),
		promHooks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hooksync",
			Subsystem: "audit",
			Name:      "hooks",
			Help:      "number of hooks by state as of the last audit run",
		}, []string{"state"}),
	}
}

func (j *AuditJob) Name() string { return j.name }

func (j *AuditJob) RegisterMetrics(registerer prometheus.Registerer) {
	registerer.MustRegister(j.promRuns)
	registerer.MustRegister(j.promDuration)
	registerer.MustRegister(j.promHooks)
}

func (j *AuditJob) Status() *Status {
	j.mtx.Lock()
	defer j.mtx.Unlock()
	s := j.status
	return &Status{Type: TypeAudit, JobSpecific: &s}
}

func (j *AuditJob) Run(ctx context.Context) {
	log := logging.GetLogger(ctx, logging.SubsysAudit)
	defer log.Info("audit job exiting")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		j.runOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wakeup.Wait(ctx):
			log.Info("audit triggered by wakeup")
		}
	}
}

func (j *AuditJob) runOnce(ctx context.Context) {
	log := logging.GetLogger(ctx, logging.SubsysAudit)

	start := time.Now()
	j.mtx.Lock()
	j.status.Running = true
	j.status.LastStart = start
	j.mtx.Unlock()

	log.Debug("start audit")
	reports, err := j.resyncer.ResyncAll(ctx)

	var next AuditStatus
	next.Hooks = len(reports)
	for _, r := range reports {
		c := r.Classification
		if c.HasConflict() {
			next.Conflicted++
			log.WithField(logging.HookField, r.HookID).
				WithField("conflicts", c.Mask().String()).
				Warn("hook is in conflict")
		}
		if c.Degraded {
			next.Degraded++
		}
		if r.Result == remediation.Failed {
			next.Unreachable++
		}
	}
	result := "ok"
	if err != nil {
		result = "error"
		next.Error = err.Error()
		log.WithError(err).Error("audit incomplete")
	}
	end := time.Now()
	j.promRuns.WithLabelValues(result).Inc()
	j.promDuration.Observe(end.Sub(start).Seconds())
	j.promHooks.WithLabelValues("total").Set(float64(next.Hooks))
	j.promHooks.WithLabelValues("conflicted").Set(float64(next.Conflicted))
	j.promHooks.WithLabelValues("degraded").Set(float64(next.Degraded))
	j.promHooks.WithLabelValues("unreachable").Set(float64(next.Unreachable))

	log.WithField("hooks", next.Hooks).
		WithField("conflicted", next.Conflicted).
		WithField("degraded", next.Degraded).
		WithField("duration", end.Sub(start).String()).
		Info("audit finished")

	j.mtx.Lock()
	defer j.mtx.Unlock()
	next.Runs = j.status.Runs + 1
	next.LastStart = start
	next.LastEnd = end
	j.status = next
}
