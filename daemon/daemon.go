package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hooksync/hooksync/catalog"
	"github.com/hooksync/hooksync/config"
	"github.com/hooksync/hooksync/daemon/job"
	"github.com/hooksync/hooksync/daemon/job/wakeup"
	"github.com/hooksync/hooksync/daemon/logging"
	"github.com/hooksync/hooksync/gateway"
	"github.com/hooksync/hooksync/gateway/command"
	"github.com/hooksync/hooksync/logger"
	"github.com/hooksync/hooksync/membership"
	"github.com/hooksync/hooksync/persistence"
	"github.com/hooksync/hooksync/remediation"
	"github.com/hooksync/hooksync/replica"
	"github.com/hooksync/hooksync/util/envconst"
	"github.com/hooksync/hooksync/version"
)

func Run(ctx context.Context, conf *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)

	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	outlets, err := logging.OutletsFromConfig(*conf.Global.Logging)
	if err != nil {
		return errors.Wrap(err, "cannot build logging from config")
	}
	outlets.Add(newPrometheusLogOutlet(), logger.Debug)

	log := logger.NewLogger(outlets, 1*time.Second)
	log.Info(version.NewHooksyncVersionInformation().String())

	ctx = logging.WithLoggers(ctx, logging.SubsystemLoggersWithUniversalLogger(log))

	s, err := build(ctx, conf)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.db.Close(); err != nil {
			log.WithError(err).Error("cannot close store")
		}
	}()

	jobs := newJobs()

	// start control socket
	controlJob, err := newControlJob(conf.Global.Control.SockPath, jobs, s.catalog, s.orch)
	if err != nil {
		return errors.Wrap(err, "cannot build control job")
	}
	jobs.start(ctx, controlJob, true)

	for i, jc := range conf.Global.Monitoring {
		var (
			job job.Job
			err error
		)
		switch v := jc.Ret.(type) {
		case *config.PrometheusMonitoring:
			job, err = newPrometheusJobFromConfig(v)
		default:
			return errors.Errorf("unknown monitoring job #%d (type %T)", i, v)
		}
		if err != nil {
			return errors.Wrapf(err, "cannot build monitoring job #%d", i)
		}
		jobs.start(ctx, job, true)
	}

	// register global (=non job-local) metrics
	version.PrometheusRegister(prometheus.DefaultRegisterer)
	s.gateway.RegisterMetrics(prometheus.DefaultRegisterer)
	s.catalog.RegisterMetrics(prometheus.DefaultRegisterer)
	s.orch.RegisterMetrics(prometheus.DefaultRegisterer)

	log.Info("starting daemon")

	if !conf.Audit.Disabled {
		jobs.start(ctx, job.NewAuditJob(jobNameAudit, s.orch, conf.Audit.Interval), true)
	}

	select {
	case <-jobs.wait():
		log.Info("all jobs finished")
	case <-ctx.Done():
		log.WithError(ctx.Err()).Info("context finished")
	}
	log.Info("waiting for jobs to finish")
	<-jobs.wait()
	log.Info("daemon exiting")
	return nil
}

// services are the long-lived components shared by all jobs.
type services struct {
	db      *persistence.DB
	members membership.Provider
	store   *replica.Store
	catalog *catalog.Catalog
	gateway *gateway.Instrumented
	orch    *remediation.Orchestrator
}

func build(ctx context.Context, conf *config.Config) (*services, error) {
	log := logging.GetLogger(ctx, logging.SubsysMeta)

	db, err := persistence.FromConfig(ctx, conf.Store)
	if err != nil {
		return nil, errors.Wrap(err, "cannot open store")
	}
	s, err := buildWithDB(ctx, conf, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	log.WithField("driver", conf.Store.Driver).
		WithField("hooks", len(s.catalog.HookIDs())).
		Info("loaded hooks from store")
	return s, nil
}

func buildWithDB(ctx context.Context, conf *config.Config, db *persistence.DB) (*services, error) {
	s := &services{db: db}

	var err error
	s.members, err = membership.FromConfig(ctx, conf.Membership)
	if err != nil {
		return nil, errors.Wrap(err, "cannot build membership")
	}

	s.store = replica.New(db)
	s.catalog = catalog.New(s.store, s.members, db)

	defs, err := db.LoadDefinitions(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "cannot load hook definitions")
	}
	if err := s.catalog.Load(defs); err != nil {
		return nil, errors.Wrap(err, "cannot load hook definitions")
	}
	replicas, err := db.LoadReplicas(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "cannot load replica state")
	}
	s.store.Load(replicas)

	var (
		gw      gateway.Gateway
		timeout time.Duration
		maxConc int
	)
	switch v := conf.Gateway.Ret.(type) {
	case *config.CommandGateway:
		gw, err = command.FromConfig(v)
		timeout, maxConc = v.Timeout, v.MaxConcurrent
	default:
		err = errors.Errorf("unknown gateway type %T", v)
	}
	if err != nil {
		return nil, errors.Wrap(err, "cannot build gateway")
	}
	s.gateway = gateway.NewInstrumented(gw)

	s.orch = remediation.New(s.catalog, s.store, s.gateway, remediation.Config{
		// the gateway enforces its own timeout, this one covers a gateway that ignores it
		Timeout:       timeout + envconst.Duration("HOOKSYNC_GATEWAY_TIMEOUT_GRACE", 5*time.Second),
		MaxConcurrent: maxConc,
	})
	return s, nil
}

type jobs struct {
	wg sync.WaitGroup

	// m protects all fields below it
	m       sync.RWMutex
	wakeups map[string]wakeup.Func // by Job.Name
	jobs    map[string]job.Job
}

func newJobs() *jobs {
	return &jobs{
		wakeups: make(map[string]wakeup.Func),
		jobs:    make(map[string]job.Job),
	}
}

func (s *jobs) wait() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(ch)
	}()
	return ch
}

type Status struct {
	Jobs   map[string]*job.Status
	Global GlobalStatus
}

type GlobalStatus struct {
	Envconst *envconst.Report
}

func (s *jobs) status() *Status {
	s.m.RLock()
	defer s.m.RUnlock()

	ret := &Status{
		Jobs:   make(map[string]*job.Status, len(s.jobs)),
		Global: GlobalStatus{Envconst: envconst.GetReport()},
	}
	for name, j := range s.jobs {
		ret.Jobs[name] = j.Status()
	}
	return ret
}

func (s *jobs) wakeup(job string) error {
	s.m.RLock()
	defer s.m.RUnlock()

	wu, ok := s.wakeups[job]
	if !ok {
		return errors.Errorf("Job %s does not exist", job)
	}
	return wu()
}

const (
	jobNamePrometheus = "_prometheus"
	jobNameControl    = "_control"
	jobNameAudit      = "_audit"
)

func IsInternalJobName(s string) bool {
	return strings.HasPrefix(s, "_")
}

func (s *jobs) start(ctx context.Context, j job.Job, internal bool) {
	s.m.Lock()
	defer s.m.Unlock()

	ctx = logging.WithInjectedField(ctx, logging.JobField, j.Name())

	jobName := j.Name()
	if !internal && IsInternalJobName(jobName) {
		panic(fmt.Sprintf("internal job name used for non-internal job %s", jobName))
	}
	if internal && !IsInternalJobName(jobName) {
		panic(fmt.Sprintf("internal job does not use internal job name %s", jobName))
	}
	if _, ok := s.jobs[jobName]; ok {
		panic(fmt.Sprintf("duplicate job name %s", jobName))
	}

	j.RegisterMetrics(prometheus.DefaultRegisterer)

	s.jobs[jobName] = j
	ctx, wakeup := wakeup.Context(ctx)
	s.wakeups[jobName] = wakeup

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		job.GetLogger(ctx).Info("starting job")
		defer job.GetLogger(ctx).Info("job exited")
		j.Run(ctx)
	}()
}
