package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewCollector_CreatesCollectorWithDirection(t *testing.T) {
	collector := NewCollector("up")

	assert.NotNil(t, collector)
	assert.Equal(t, "up", collector.direction)
}

func TestCollector_MigrationStarted(t *testing.T) {
	collector := NewCollector("up-started")

	before := testutil.ToFloat64(MigrationsStartedTotal.WithLabelValues("up-started"))
	collector.MigrationStarted()
	after := testutil.ToFloat64(MigrationsStartedTotal.WithLabelValues("up-started"))

	assert.Equal(t, before+1, after)
}

func TestCollector_MigrationSucceeded(t *testing.T) {
	collector := NewCollector("up-succeeded")

	before := testutil.ToFloat64(MigrationsSucceededTotal.WithLabelValues("up-succeeded"))
	collector.MigrationSucceeded()
	after := testutil.ToFloat64(MigrationsSucceededTotal.WithLabelValues("up-succeeded"))

	assert.Equal(t, before+1, after)
}

func TestCollector_MigrationFailed(t *testing.T) {
	collector := NewCollector("down-failed")

	before := testutil.ToFloat64(MigrationsFailedTotal.WithLabelValues("down-failed"))
	collector.MigrationFailed()
	after := testutil.ToFloat64(MigrationsFailedTotal.WithLabelValues("down-failed"))

	assert.Equal(t, before+1, after)
}

func TestCollector_StepExecuted(t *testing.T) {
	collector := NewCollector("up-steps")

	before := testutil.ToFloat64(StepsExecutedTotal.WithLabelValues("up-steps"))
	collector.StepExecuted(25 * time.Millisecond)
	after := testutil.ToFloat64(StepsExecutedTotal.WithLabelValues("up-steps"))

	assert.Equal(t, before+1, after)
}

func TestCollector_Recovery(t *testing.T) {
	collector := NewCollector("up-recovery")

	before := testutil.ToFloat64(RecoveriesTotal.WithLabelValues("rolled_back"))
	collector.Recovery("rolled_back")
	after := testutil.ToFloat64(RecoveriesTotal.WithLabelValues("rolled_back"))

	assert.Equal(t, before+1, after)
}

func TestBackupTaken(t *testing.T) {
	before := testutil.ToFloat64(BackupsTotal)
	BackupTaken()
	after := testutil.ToFloat64(BackupsTotal)

	assert.Equal(t, before+1, after)
}

func TestSetInconsistent(t *testing.T) {
	SetInconsistent(true)
	assert.Equal(t, float64(1), testutil.ToFloat64(InconsistentState))

	SetInconsistent(false)
	assert.Equal(t, float64(0), testutil.ToFloat64(InconsistentState))
}
