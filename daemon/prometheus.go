package daemon

import (
	"context"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hooksync/hooksync/config"
	"github.com/hooksync/hooksync/daemon/job"
	"github.com/hooksync/hooksync/daemon/logging"
	"github.com/hooksync/hooksync/logger"
)

type prometheusJob struct {
	listen string
}

func newPrometheusJobFromConfig(in *config.PrometheusMonitoring) (*prometheusJob, error) {
	if _, _, err := net.SplitHostPort(in.Listen); err != nil {
		return nil, err
	}
	return &prometheusJob{in.Listen}, nil
}

var prom struct {
	logEntries *prometheus.CounterVec
}

func init() {
	prom.logEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hooksync",
		Subsystem: "daemon",
		Name:      "log_entries",
		Help:      "number of log entries per job, subsystem and level",
	}, []string{"hooksync_job", "subsystem", "level"})
	prometheus.MustRegister(prom.logEntries)
}

func (j *prometheusJob) Name() string { return jobNamePrometheus }

func (j *prometheusJob) Status() *job.Status { return &job.Status{Type: job.TypeInternal} }

func (j *prometheusJob) RegisterMetrics(registerer prometheus.Registerer) {}

func (j *prometheusJob) Run(ctx context.Context) {

	log := job.GetLogger(ctx)

	l, err := net.Listen("tcp", j.listen)
	if err != nil {
		log.WithError(err).Error("cannot listen")
		return
	}
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	err = http.Serve(l, mux)
	if err != nil && ctx.Err() == nil {
		log.WithError(err).Error("error while serving")
	}

}

type prometheusLogOutlet struct{}

var _ logger.Outlet = prometheusLogOutlet{}

func newPrometheusLogOutlet() prometheusLogOutlet {
	return prometheusLogOutlet{}
}

func (o prometheusLogOutlet) WriteEntry(entry logger.Entry) error {
	jobName, _ := entry.Fields[logging.JobField].(string)
	subsys, _ := entry.Fields[logging.SubsysField].(string)
	prom.logEntries.WithLabelValues(jobName, subsys, entry.Level.String()).Inc()
	return nil
}
