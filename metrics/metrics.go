package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MigrationsStartedTotal tracks migration attempts that passed the claim.
var MigrationsStartedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "svip_migrations_started_total",
		Help: "Total migration attempts that claimed the version state",
	},
	[]string{"direction"},
)

// MigrationsSucceededTotal tracks successfully completed migrations.
var MigrationsSucceededTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "svip_migrations_succeeded_total",
		Help: "Total migrations completed successfully",
	},
	[]string{"direction"},
)

// MigrationsFailedTotal tracks failed migrations.
var MigrationsFailedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "svip_migrations_failed_total",
		Help: "Total migrations that failed after the claim",
	},
	[]string{"direction"},
)

// StepsExecutedTotal tracks executed migration steps.
var StepsExecutedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "svip_steps_executed_total",
		Help: "Total migration steps executed",
	},
	[]string{"direction"},
)

// StepDuration tracks per-step execution latency.
var StepDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "svip_step_duration_seconds",
		Help:    "Migration step execution latency",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"direction"},
)

// RecoveriesTotal tracks recovery outcomes of failed migrations.
var RecoveriesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "svip_recoveries_total",
		Help: "Recovery outcomes of failed migrations",
	},
	[]string{"outcome"},
)

// BackupsTotal tracks backups taken, inside and outside migrations.
var BackupsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "svip_backups_total",
		Help: "Total application state backups taken",
	},
)

// InconsistentState is 1 while the inconsistency flag is known to be set.
var InconsistentState = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "svip_inconsistent_state",
		Help: "Whether the application state is marked as inconsistent (1) or not (0)",
	},
)
