package version

import (
	"fmt"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	hooksyncVersion string // set by build infrastructure
)

type HooksyncVersionInformation struct {
	Version         string
	RuntimeGo       string
	RuntimeGOOS     string
	RuntimeGOARCH   string
	RUNTIMECompiler string
}

func NewHooksyncVersionInformation() *HooksyncVersionInformation {
	return &HooksyncVersionInformation{
		Version:         hooksyncVersion,
		RuntimeGo:       runtime.Version(),
		RuntimeGOOS:     runtime.GOOS,
		RuntimeGOARCH:   runtime.GOARCH,
		RUNTIMECompiler: runtime.Compiler,
	}
}

func (i *HooksyncVersionInformation) String() string {
	return fmt.Sprintf("hooksync version=%s go=%s GOOS=%s GOARCH=%s Compiler=%s",
		i.Version, i.RuntimeGo, i.RuntimeGOOS, i.RuntimeGOARCH, i.RUNTIMECompiler)
}

// Compatible reports whether a client built as i can talk to a daemon built as other.
// Builds without version information are assumed to be compatible with anything.
func (i *HooksyncVersionInformation) Compatible(other *HooksyncVersionInformation) bool {
	if i.Version == "" || other.Version == "" {
		return true
	}
	return i.Version == other.Version
}

var prometheusMetric = prometheus.NewUntypedFunc(
	prometheus.UntypedOpts{
		Namespace: "hooksync",
		Subsystem: "version",
		Name:      "daemon",
		Help:      "hooksync daemon version",
		ConstLabels: map[string]string{
			"raw":          hooksyncVersion,
			"version_info": NewHooksyncVersionInformation().String(),
		},
	},
	func() float64 { return 1 },
)

func PrometheusRegister(r prometheus.Registerer) {
	r.MustRegister(prometheusMetric)
}
