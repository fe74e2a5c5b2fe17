package svip

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/guludo/svip/migration"
)

var (
	// ErrInconsistentState indicates the application state carries the
	// persisted inconsistency flag: an earlier failed migration could not be
	// recovered and manual intervention is required.
	ErrInconsistentState = errors.New("application state is marked as inconsistent")

	// ErrNoGuardrails indicates a migration was requested with no backup and
	// no transaction support, without explicitly allowing that.
	ErrNoGuardrails = errors.New("refusing to migrate with no backup and no transaction")

	// ErrBackupNotSupported indicates a backup was requested but the backend
	// does not implement the backup capability.
	ErrBackupNotSupported = errors.New("backend does not support backups")

	// ErrRestoreNotSupported indicates backup restoration was requested but
	// the backend's backups cannot be restored.
	ErrRestoreNotSupported = errors.New("backend does not support restoring backups")

	// ErrBackupFailed indicates the pre-migration backup could not be
	// created. The version claim has been released when this is returned.
	ErrBackupFailed = errors.New("backup failed")

	// ErrTransactionFailed indicates the migration transaction could not be
	// started. The version claim has been released when this is returned.
	ErrTransactionFailed = errors.New("failed to start transaction")

	// ErrClaimFailed indicates the compare-and-set claim was rejected for a
	// reason other than a migration already in progress.
	ErrClaimFailed = errors.New("failed to update version state before migration")

	// ErrNoRange indicates Check was called without a version range and no
	// default range is configured.
	ErrNoRange = errors.New("no version range given and no default range configured")

	// ErrHistoryNotSupported is returned by History when the backend does
	// not record completed migrations.
	ErrHistoryNotSupported = errors.New("backend does not support version history")
)

// MigrationInProgressError indicates another migration holds the version
// claim.
type MigrationInProgressError struct {
	// Target is the in-flight migration's target version.
	Target *semver.Version
}

func (e *MigrationInProgressError) Error() string {
	return fmt.Sprintf("there is a migration in progress for version %s", e.Target)
}

// IncompatibleVersionError indicates the current schema version does not
// satisfy the required version range.
type IncompatibleVersionError struct {
	Range   string
	Current *semver.Version
}

func (e *IncompatibleVersionError) Error() string {
	return fmt.Sprintf("version range %s is incompatible with current schema version %s", e.Range, e.Current)
}

// RecoveryOutcome tags a failed migration with how its recovery ended.
type RecoveryOutcome string

const (
	// RecoveryRolledBack means the migration transaction rolled the state
	// back; nothing was lost.
	RecoveryRolledBack RecoveryOutcome = "rolled_back"

	// RecoveryBackupRestored means the pre-migration backup was restored.
	RecoveryBackupRestored RecoveryOutcome = "backup_restored"

	// RecoveryMarkedInconsistent means no recovery was possible and the
	// persisted inconsistency flag was set.
	RecoveryMarkedInconsistent RecoveryOutcome = "marked_inconsistent"
)

// MigrationError indicates a failure after the migration was claimed: a step
// raised an error, or the final version update was rejected. Recovery records
// how the failure was handled.
type MigrationError struct {
	// Direction of the failed migration.
	Direction migration.Direction

	// Version is the step version that failed, or nil when the failure
	// happened while closing the version state after all steps succeeded.
	Version *semver.Version

	// Recovery reports the outcome of the recovery cascade.
	Recovery RecoveryOutcome

	// Err is the underlying failure.
	Err error
}

func (e *MigrationError) Error() string {
	if e.Version == nil {
		return fmt.Sprintf("failed to run migration: error updating version state after execution of steps: %v", e.Err)
	}
	if e.Direction == migration.Down {
		return fmt.Sprintf("failed to run migration: error running downgrade step from %s: %v", e.Version, e.Err)
	}
	return fmt.Sprintf("failed to run migration: error running upgrade step to %s: %v", e.Version, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// RestoreFailedError indicates that recovery after a failed migration itself
// failed: either the backup could not be restored or the version state could
// not be reset. The caller must treat the application state as uncertain.
type RestoreFailedError struct {
	// Err is the restore failure.
	Err error

	// OriginalErr is the error that triggered the recovery: the migration
	// failure, the backup failure, or the transaction-setup failure.
	OriginalErr error
}

func (e *RestoreFailedError) Error() string {
	return fmt.Sprintf("failed to restore state after migration error: %v (migration error: %v)", e.Err, e.OriginalErr)
}

func (e *RestoreFailedError) Unwrap() error { return e.Err }
