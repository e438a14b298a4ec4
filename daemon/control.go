package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hooksync/hooksync/catalog"
	"github.com/hooksync/hooksync/daemon/job"
	"github.com/hooksync/hooksync/daemon/logging"
	"github.com/hooksync/hooksync/hooks"
	"github.com/hooksync/hooksync/logger"
	"github.com/hooksync/hooksync/remediation"
	"github.com/hooksync/hooksync/util/envconst"
	"github.com/hooksync/hooksync/util/limitio"
	"github.com/hooksync/hooksync/version"
)

type controlJob struct {
	sockaddr *net.UnixAddr
	jobs     *jobs
	catalog  *catalog.Catalog
	orch     *remediation.Orchestrator

	promRequests *prometheus.CounterVec // labels: endpoint, code
}

func newControlJob(sockpath string, jobs *jobs, cat *catalog.Catalog, orch *remediation.Orchestrator) (j *controlJob, err error) {
	j = &controlJob{
		jobs:    jobs,
		catalog: cat,
		orch:    orch,
		promRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hooksync",
			Subsystem: "control",
			Name:      "requests",
			Help:      "number of control socket requests by endpoint and status code",
		}, []string{"endpoint", "code"}),
	}

	j.sockaddr, err = net.ResolveUnixAddr("unix", sockpath)
	if err != nil {
		err = errors.Wrap(err, "cannot resolve unix address")
		return
	}

	return
}

func (j *controlJob) Name() string { return jobNameControl }

func (j *controlJob) Status() *job.Status { return &job.Status{Type: job.TypeInternal} }

func (j *controlJob) RegisterMetrics(registerer prometheus.Registerer) {
	registerer.MustRegister(j.promRequests)
}

const (
	ControlJobEndpointVersion = "/version"
	ControlJobEndpointStatus  = "/status"
	ControlJobEndpointWakeup  = "/wakeup"

	ControlJobEndpointHooksList            = "/hooks/list"
	ControlJobEndpointHooksGet             = "/hooks/get"
	ControlJobEndpointHooksLookup          = "/hooks/lookup"
	ControlJobEndpointHooksRegister        = "/hooks/register"
	ControlJobEndpointHooksSetEnabled      = "/hooks/set-enabled"
	ControlJobEndpointHooksUpdateContent   = "/hooks/update-content"
	ControlJobEndpointHooksRemove          = "/hooks/remove"
	ControlJobEndpointHooksRemoveAllExcept = "/hooks/remove-all-except"
	ControlJobEndpointHooksResync          = "/hooks/resync"
	ControlJobEndpointHooksContent         = "/hooks/content"
	ControlJobEndpointHooksPurge           = "/hooks/purge"
)

func (j *controlJob) Run(ctx context.Context) {

	log := job.GetLogger(ctx)
	defer log.Info("control job finished")

	l, err := listenUnixPrivate(j.sockaddr)
	if err != nil {
		log.WithError(err).Error("error listening")
		return
	}

	server := http.Server{Handler: j.mux(ctx)}

outer:
	for {

		served := make(chan error)
		go func() {
			served <- server.Serve(l)
			close(served)
		}()

		select {
		case <-ctx.Done():
			log.WithError(ctx.Err()).Info("context done")
			server.Shutdown(context.Background())
			break outer
		case err = <-served:
			if err != nil {
				log.WithError(err).Error("error serving")
				break outer
			}
		}

	}

}

func (j *controlJob) mux(ctx context.Context) *http.ServeMux {
	log := logging.GetLogger(ctx, logging.SubsysControl)
	// operations must not be cancelled by a client that hangs up
	opCtx := logging.WithInherit(context.Background(), ctx)

	mux := http.NewServeMux()
	handle := func(endpoint string, h http.Handler) {
		mux.Handle(endpoint, requestLogger{log: log, handler: h, requests: j.promRequests.MustCurryWith(prometheus.Labels{"endpoint": endpoint})})
	}

	handle(ControlJobEndpointVersion, jsonResponder{func() (interface{}, error) {
		return version.NewHooksyncVersionInformation(), nil
	}})

	handle(ControlJobEndpointStatus, jsonResponder{func() (interface{}, error) {
		s := j.jobs.status()
		return s, nil
	}})

	handle(ControlJobEndpointWakeup, jsonRequestResponder{func(decoder jsonDecoder) (interface{}, error) {
		var req WakeupRequest
		if decoder(&req) != nil {
			return nil, errors.Errorf("decode failed")
		}
		err := j.jobs.wakeup(req.Name)
		return struct{}{}, err
	}})

	j.handleHooks(opCtx, handle)
	return mux
}

// listenUnixPrivate listens on sockaddr after making sure that only the
// daemon's user can reach the socket's directory.
func listenUnixPrivate(sockaddr *net.UnixAddr) (*net.UnixListener, error) {
	sockdir := filepath.Dir(sockaddr.Name)
	if err := os.MkdirAll(sockdir, 0700); err != nil {
		return nil, errors.Wrapf(err, "cannot create socket directory %q", sockdir)
	}
	info, err := os.Stat(sockdir)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot stat socket directory %q", sockdir)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("%q is not a directory", sockdir)
	}
	if info.Mode().Perm()&0007 != 0 {
		return nil, errors.Errorf("socket directory %q must not be world-accessible (mode %s)", sockdir, info.Mode().Perm())
	}
	// stale socket of a previous daemon
	if err := os.Remove(sockaddr.Name); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "cannot remove stale socket")
	}
	return net.ListenUnix("unix", sockaddr)
}

// httpStatus maps err to the status code of the error response.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, hooks.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, hooks.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, hooks.ErrInvalid), errors.Is(err, hooks.ErrInvalidScope):
		return http.StatusBadRequest
	case errors.Is(err, hooks.ErrLockTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type jsonResponder struct {
	producer func() (interface{}, error)
}

func (j jsonResponder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	res, err := j.producer()
	if err != nil {
		w.WriteHeader(httpStatus(err))
		io.WriteString(w, err.Error())
		return
	}
	var buf bytes.Buffer
	err = json.NewEncoder(&buf).Encode(res)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, err.Error())
	} else {
		io.Copy(w, &buf)
	}
}

type jsonDecoder = func(interface{}) error

var maxRequestSize = envconst.Int64("HOOKSYNC_CONTROL_MAX_REQUEST", 64<<20)

type jsonRequestResponder struct {
	producer func(decoder jsonDecoder) (interface{}, error)
}

func (j jsonRequestResponder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var decodeError error
	decoder := func(i interface{}) error {
		err := json.NewDecoder(limitio.ReadCloser(r.Body, maxRequestSize)).Decode(&i)
		decodeError = err
		return err
	}
	res, producerErr := j.producer(decoder)

	// on decode errors, the producer's output is meaningless
	if decodeError != nil {
		code := http.StatusBadRequest
		if errors.Is(decodeError, limitio.ErrLimitExceeded) {
			code = http.StatusRequestEntityTooLarge
		}
		w.WriteHeader(code)
		io.WriteString(w, decodeError.Error())
		return
	}
	if producerErr != nil {
		w.WriteHeader(httpStatus(producerErr))
		io.WriteString(w, producerErr.Error())
		return
	}

	var buf bytes.Buffer
	encodeErr := json.NewEncoder(&buf).Encode(res)
	if encodeErr != nil {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, encodeErr.Error())
	} else {
		io.Copy(w, &buf)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

type requestLogger struct {
	log      logger.Logger
	handler  http.Handler
	requests *prometheus.CounterVec // labels: code
}

func (l requestLogger) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := l.log.WithField("method", r.Method).WithField("url", r.URL.String())
	log.Debug("start")
	rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
	l.handler.ServeHTTP(rec, r)
	if l.requests != nil {
		l.requests.WithLabelValues(strconv.Itoa(rec.code)).Inc()
	}
	log.WithField("code", rec.code).Debug("finish")
}
