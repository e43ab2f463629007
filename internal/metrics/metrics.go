// Package metrics centralizes Prometheus metric construction, mirroring
// client/doublezerod/cmd/doublezerod/main.go's promauto build_info gauge
// and promhttp.Handler() exposition.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sentrynode/sentryd/internal/bus"
	"github.com/sentrynode/sentryd/internal/buildinfo"
	"github.com/sentrynode/sentryd/internal/cloud"
)

// Registry bundles every package-level Metrics struct the agent wires, so
// cmd/sentryd can construct them all from one call.
type Registry struct {
	Bus   *bus.Metrics
	Cloud *cloud.Metrics
}

// New registers every counter/gauge against reg and returns the bundle the
// rest of the process wires into its components.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	buildInfo := factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentryd_build_info",
		Help: "Build information of the agent.",
	}, []string{"version", "commit", "date"})
	buildInfo.WithLabelValues(buildinfo.Version, buildinfo.Commit, buildinfo.Date).Set(1)

	return &Registry{
		Bus: &bus.Metrics{
			Dropped: factory.NewCounter(prometheus.CounterOpts{
				Name: "sentryd_bus_broadcast_dropped_total",
				Help: "Envelopes dropped from a broadcast subscriber's buffer because it was full.",
			}),
		},
		Cloud: &cloud.Metrics{
			ConnectAttempts: factory.NewCounter(prometheus.CounterOpts{
				Name: "sentryd_cloud_connect_attempts_total",
				Help: "Cloud uplink connection attempts.",
			}),
			ConnectFailures: factory.NewCounter(prometheus.CounterOpts{
				Name: "sentryd_cloud_connect_failures_total",
				Help: "Cloud uplink connection attempts that failed to dial.",
			}),
			Disconnects: factory.NewCounter(prometheus.CounterOpts{
				Name: "sentryd_cloud_disconnects_total",
				Help: "Cloud uplink connections that ended after being established.",
			}),
			Sent: factory.NewCounter(prometheus.CounterOpts{
				Name: "sentryd_cloud_envelopes_sent_total",
				Help: "Envelopes successfully sent to the cloud uplink.",
			}),
			QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
				Name: "sentryd_cloud_offline_queue_depth",
				Help: "Number of envelopes currently buffered in the offline queue.",
			}),
		},
	}
}
