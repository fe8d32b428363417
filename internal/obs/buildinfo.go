package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Gate service build information.",
		},
		[]string{"version", "commit", "environment"},
	)
)

// InitBuildInfo publishes build_info{version,commit,environment} 1.
func InitBuildInfo(version, commit, environment string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(version, commit, environment).Set(1)
}
