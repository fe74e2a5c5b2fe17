package metrics

import "time"

// Collector wraps metrics and provides helper methods with pre-filled labels.
type Collector struct {
	direction string
}

// NewCollector creates a new Collector for a migration in the given
// direction ("up" or "down").
func NewCollector(direction string) *Collector {
	return &Collector{direction: direction}
}

// MigrationStarted increments the started-migrations counter.
func (c *Collector) MigrationStarted() {
	MigrationsStartedTotal.WithLabelValues(c.direction).Inc()
}

// MigrationSucceeded increments the succeeded-migrations counter.
func (c *Collector) MigrationSucceeded() {
	MigrationsSucceededTotal.WithLabelValues(c.direction).Inc()
}

// MigrationFailed increments the failed-migrations counter.
func (c *Collector) MigrationFailed() {
	MigrationsFailedTotal.WithLabelValues(c.direction).Inc()
}

// StepExecuted increments the steps counter and observes the step latency.
func (c *Collector) StepExecuted(d time.Duration) {
	StepsExecutedTotal.WithLabelValues(c.direction).Inc()
	StepDuration.WithLabelValues(c.direction).Observe(d.Seconds())
}

// Recovery records the recovery outcome of a failed migration.
func (c *Collector) Recovery(outcome string) {
	RecoveriesTotal.WithLabelValues(outcome).Inc()
}

// BackupTaken increments the backups counter.
func BackupTaken() {
	BackupsTotal.Inc()
}

// SetInconsistent sets the inconsistency gauge.
func SetInconsistent(inconsistent bool) {
	if inconsistent {
		InconsistentState.Set(1)
	} else {
		InconsistentState.Set(0)
	}
}
