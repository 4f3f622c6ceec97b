package obs

import (
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aegis_build_info",
		Help: "Build metadata of the running binary; always 1.",
	}, []string{"version", "commit", "go_version"})
)

// InitBuildInfo publishes version and commit as an always-1 gauge.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() { prometheus.MustRegister(buildInfo) })
	buildInfo.WithLabelValues(version, commit, runtime.Version()).Set(1)
}
