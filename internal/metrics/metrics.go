// Package metrics exposes the daemon's Prometheus instrumentation.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	BackupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backer",
		Name:      "backups_total",
		Help:      "Backup runs attempted, by backup name and outcome.",
	}, []string{"backup", "outcome"})

	IndexTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backer",
		Name:      "index_total",
		Help:      "Index runs attempted, by backup name and outcome.",
	}, []string{"backup", "outcome"})

	GenerationsStored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backer",
		Name:      "generations_stored_total",
		Help:      "Generations successfully uploaded, by backup name.",
	}, []string{"backup"})

	LastBackupUnixSeconds = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "backer",
		Name:      "last_backup_unix_seconds",
		Help:      "Wall-clock time of the last successful backup run, by backup name.",
	}, []string{"backup"})
)

// Registry returns a registry with every collector above registered,
// ready to be served at /metrics by internal/apiserver.
func Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(BackupsTotal, IndexTotal, GenerationsStored, LastBackupUnixSeconds)
	return reg
}
