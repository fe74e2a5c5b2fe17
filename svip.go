// Package svip orchestrates schema migrations of arbitrary application state
// stores behind the appstate.Backend contract: it claims a migration through
// an atomic compare-and-set on the version state, optionally snapshots and
// transactionally wraps the application state, executes ordered migration
// steps, and recovers (or degrades to a persisted inconsistency marker) when
// any phase fails.
package svip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/guludo/svip/appstate"
	"github.com/guludo/svip/metrics"
	"github.com/guludo/svip/migration"
)

// SVIP is the migration orchestrator. It is safe for use from a single
// goroutine; concurrency across processes is serialized by the backend's
// SetVersion compare-and-set, not by any in-process lock.
type SVIP struct {
	backend      appstate.Backend
	manager      *migration.Manager
	defaultRange *semver.Constraints
	rangeStr     string
	logger       *slog.Logger
}

// Option configures an SVIP instance.
type Option func(*config)

type config struct {
	source       migration.Source
	manager      *migration.Manager
	stepContext  any
	defaultRange string
	logger       *slog.Logger
}

// WithSource sets the step store for the orchestrator's migration manager.
func WithSource(source migration.Source) Option {
	return func(c *config) { c.source = source }
}

// WithManager sets a pre-built migration manager, overriding WithSource and
// WithStepContext.
func WithManager(m *migration.Manager) Option {
	return func(c *config) { c.manager = m }
}

// WithStepContext sets the opaque value handed to one-argument step actions,
// e.g. a database connection shared with steps.
func WithStepContext(ctx any) Option {
	return func(c *config) { c.stepContext = ctx }
}

// WithDefaultRange sets the NPM-style version range used by Check when no
// range argument is given, and by Migrate to resolve a nil target.
func WithDefaultRange(rng string) Option {
	return func(c *config) { c.defaultRange = rng }
}

// WithLogger sets the logger used for progress and decision points. The
// default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// New creates an orchestrator over the given backend.
//
// Required options: WithSource or WithManager.
func New(backend appstate.Backend, opts ...Option) (*SVIP, error) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}

	manager := cfg.manager
	if manager == nil {
		if cfg.source == nil {
			return nil, fmt.Errorf("step source is required: use WithSource or WithManager")
		}
		manager = migration.NewManager(migration.Config{
			Source:      cfg.source,
			StepContext: cfg.stepContext,
		})
	}

	s := &SVIP{
		backend: backend,
		manager: manager,
		logger:  cfg.logger,
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.defaultRange != "" {
		rng, err := semver.NewConstraint(cfg.defaultRange)
		if err != nil {
			return nil, fmt.Errorf("invalid default range %q: %w", cfg.defaultRange, err)
		}
		s.defaultRange = rng
		s.rangeStr = cfg.defaultRange
	}
	return s, nil
}

// Manager returns the migration manager responsible for locating and loading
// steps.
func (s *SVIP) Manager() *migration.Manager {
	return s.manager
}

// Backend returns the application state backend.
func (s *SVIP) Backend() appstate.Backend {
	return s.backend
}

// CurrentVersion reads the current schema version.
func (s *SVIP) CurrentVersion(ctx context.Context) (*semver.Version, error) {
	current, _, err := s.backend.GetVersion(ctx)
	return current, err
}

// History returns the ordered history of completed migrations. It fails with
// ErrHistoryNotSupported if the backend does not implement the capability.
func (s *SVIP) History(ctx context.Context) ([]appstate.HistoryEntry, error) {
	h, ok := s.backend.(appstate.Historian)
	if !ok {
		return nil, ErrHistoryNotSupported
	}
	return h.VersionHistory(ctx)
}

// Check verifies that application code can use the application state now:
// the state is not flagged inconsistent, no migration is in progress, and
// the current version satisfies the NPM-style range (the argument, or the
// default range configured at construction; ErrNoRange if neither exists).
func (s *SVIP) Check(ctx context.Context, rangeSpec string) error {
	inconsistency, err := s.backend.GetInconsistency(ctx)
	if err != nil {
		return fmt.Errorf("failed to read inconsistency flag: %w", err)
	}
	if inconsistency != nil {
		metrics.SetInconsistent(true)
		return fmt.Errorf("%w: %s", ErrInconsistentState, inconsistency.Info)
	}

	current, target, err := s.backend.GetVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to read version state: %w", err)
	}
	if target != nil {
		return &MigrationInProgressError{Target: target}
	}

	rng := s.defaultRange
	rngStr := s.rangeStr
	if rangeSpec != "" {
		rng, err = semver.NewConstraint(rangeSpec)
		if err != nil {
			return fmt.Errorf("invalid version range %q: %w", rangeSpec, err)
		}
		rngStr = rangeSpec
	}
	if rng == nil {
		return ErrNoRange
	}

	if !rng.Check(current) {
		return &IncompatibleVersionError{Range: rngStr, Current: current}
	}
	return nil
}

// Backup takes a one-off backup of the application state, outside of any
// migration. It fails with ErrBackupNotSupported if the backend does not
// implement the capability.
func (s *SVIP) Backup(ctx context.Context) (appstate.Backup, error) {
	backuper, ok := s.backend.(appstate.Backuper)
	if !ok {
		return nil, ErrBackupNotSupported
	}
	backup, err := backuper.Backup(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}
	metrics.BackupTaken()
	s.logger.Info("backup taken", "info", backup.Info())
	return backup, nil
}

// MigrateOption configures one Migrate call.
type MigrateOption func(*migrateConfig)

type migrateConfig struct {
	saveBackup        bool
	restoreBackup     *bool
	allowNoGuardrails bool
}

// WithoutBackup skips the pre-migration backup. Unless the backend supports
// transactions, this requires AllowNoGuardrails.
func WithoutBackup() MigrateOption {
	return func(c *migrateConfig) { c.saveBackup = false }
}

// WithRestoreBackup overrides whether a failed migration restores the
// pre-migration backup. The default is to restore exactly when the backend
// does not support transactions.
func WithRestoreBackup(restore bool) MigrateOption {
	return func(c *migrateConfig) { c.restoreBackup = &restore }
}

// AllowNoGuardrails lets a migration run with neither a backup nor a
// transaction. There is no automated recovery on such a run.
func AllowNoGuardrails() MigrateOption {
	return func(c *migrateConfig) { c.allowNoGuardrails = true }
}

// Migrate moves the application state to the target schema version, running
// every step between the current version and the target in order. A nil
// target resolves to the highest version matching the configured default
// range (or any version when no range is configured).
//
// The migration is claimed with an atomic compare-and-set on the version
// state; concurrent attempts observe the claim and fail with
// MigrationInProgressError. When the backend supports it, a backup is taken
// before the first step and all steps run inside a transaction. On failure
// after the claim, recovery is attempted in order: transaction rollback,
// backup restoration, and finally a persisted inconsistency marker; the
// resulting MigrationError carries the recovery outcome.
func (s *SVIP) Migrate(ctx context.Context, target *semver.Version, opts ...MigrateOption) error {
	cfg := migrateConfig{saveBackup: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	var err error
	if target == nil {
		if target, err = s.resolveTarget(); err != nil {
			return err
		}
	}

	backuper, _ := s.backend.(appstate.Backuper)
	transactional, _ := s.backend.(appstate.Transactional)

	// Preflight checks; nothing is mutated before the claim.
	if cfg.saveBackup && backuper == nil {
		return ErrBackupNotSupported
	}
	if !cfg.saveBackup && transactional == nil && !cfg.allowNoGuardrails {
		return ErrNoGuardrails
	}
	restoreBackup := cfg.saveBackup && transactional == nil
	if cfg.restoreBackup != nil {
		restoreBackup = *cfg.restoreBackup
	}
	if restoreBackup && (backuper == nil || !backuper.RestoreSupported()) {
		return ErrRestoreNotSupported
	}

	inconsistency, err := s.backend.GetInconsistency(ctx)
	if err != nil {
		return fmt.Errorf("failed to read inconsistency flag: %w", err)
	}
	if inconsistency != nil {
		metrics.SetInconsistent(true)
		return fmt.Errorf("%w: %s", ErrInconsistentState, inconsistency.Info)
	}

	current, _, err := s.backend.GetVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to read version state: %w", err)
	}
	if current.Equal(target) {
		s.logger.Info("schema already at target version, nothing to do", "version", target)
		return nil
	}

	seq, err := s.manager.Steps(current, target)
	if err != nil {
		return err
	}
	direction := seq.Direction()
	// Validate the whole sequence before claiming: an irreversible or
	// malformed step must abort the migration before any action runs.
	steps, err := seq.Drain()
	if err != nil {
		return err
	}

	// Claim the migration.
	res, err := s.backend.SetVersion(ctx, current, target)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrClaimFailed, err)
	}
	if !res.Updated {
		if res.TargetBefore != nil {
			return &MigrationInProgressError{Target: res.TargetBefore}
		}
		return ErrClaimFailed
	}

	collector := metrics.NewCollector(string(direction))
	collector.MigrationStarted()
	s.logger.Info("migration claimed",
		"current", current, "target", target, "direction", direction, "steps", len(steps))

	info := &migration.Info{Current: current, Target: target}

	var backup appstate.Backup
	backupInfo := func() string {
		if backup == nil {
			return ""
		}
		return backup.Info()
	}

	// restoreVersion releases the claim, resetting the tuple to
	// (current, nil) after a failure whose state change has been undone.
	restoreVersion := func(originalErr error) error {
		res, err := s.backend.SetVersion(ctx, current, nil)
		if err == nil && !res.Updated {
			err = errors.New("unknown reason")
		}
		if err != nil {
			return &RestoreFailedError{
				Err:         fmt.Errorf("failed to restore version state: %v", err),
				OriginalErr: originalErr,
			}
		}
		return nil
	}

	if cfg.saveBackup {
		backup, err = backuper.Backup(ctx, info)
		if err != nil {
			backupErr := fmt.Errorf("%w: %v", ErrBackupFailed, err)
			if restoreErr := restoreVersion(backupErr); restoreErr != nil {
				s.registerInconsistency(ctx, restoreErr.Error(), "")
				return restoreErr
			}
			return backupErr
		}
		metrics.BackupTaken()
		s.logger.Info("backup taken before migration", "info", backup.Info())
	}

	var tx appstate.Transaction
	if transactional != nil {
		tx, err = transactional.Begin(ctx)
		if err != nil {
			txErr := fmt.Errorf("%w: %v", ErrTransactionFailed, err)
			if restoreErr := restoreVersion(txErr); restoreErr != nil {
				s.registerInconsistency(ctx, restoreErr.Error(), backupInfo())
				return restoreErr
			}
			return txErr
		}
		s.logger.Info("migration runs inside a transaction")
	} else {
		s.logger.Info("backend does not support transactions, migration runs unwrapped")
	}

	// Execute the steps, then close the version state. Any failure from
	// here on enters the recovery cascade.
	var migErr *MigrationError
	for _, step := range steps {
		s.logger.Info("running step", "version", step.Version, "direction", direction, "name", step.Name)
		start := time.Now()
		if err := step.Run(direction); err != nil {
			migErr = &MigrationError{Direction: direction, Version: step.Version, Err: err}
			break
		}
		collector.StepExecuted(time.Since(start))
	}

	if migErr == nil {
		res, err := s.backend.SetVersion(ctx, target, nil)
		if err == nil && !res.Updated {
			err = errors.New("unknown reason")
		}
		if err != nil {
			migErr = &MigrationError{Direction: direction, Err: err}
		}
	}

	if migErr == nil && tx != nil {
		if err := tx.Commit(ctx); err != nil {
			migErr = &MigrationError{Direction: direction, Err: fmt.Errorf("failed to commit transaction: %w", err)}
		}
	}

	if migErr == nil {
		collector.MigrationSucceeded()
		s.logger.Info("migration completed", "version", target)
		return nil
	}

	collector.MigrationFailed()
	s.logger.Error("migration failed, attempting recovery", "error", migErr.Err)
	return s.recover(ctx, collector, migErr, tx, backup, restoreBackup, restoreVersion, backupInfo)
}

// recover is the layered fallback after a post-claim failure: transaction
// rollback, else backup restoration, else a persisted inconsistency marker.
// On a successful recovery the original MigrationError is returned, tagged
// with the recovery tier that handled it.
func (s *SVIP) recover(
	ctx context.Context,
	collector *metrics.Collector,
	migErr *MigrationError,
	tx appstate.Transaction,
	backup appstate.Backup,
	restoreBackup bool,
	restoreVersion func(error) error,
	backupInfo func() string,
) error {
	if tx != nil {
		if err := tx.Rollback(ctx); err != nil {
			s.logger.Error("transaction rollback failed", "error", err)
		}
		if tx.RollbackSucceeded() {
			if restoreErr := restoreVersion(migErr); restoreErr != nil {
				s.registerInconsistency(ctx, restoreErr.Error(), backupInfo())
				collector.Recovery(string(RecoveryMarkedInconsistent))
				return restoreErr
			}
			migErr.Recovery = RecoveryRolledBack
			collector.Recovery(string(RecoveryRolledBack))
			s.logger.Info("transaction rolled back, state restored")
			return migErr
		}
	}

	if restoreBackup && backup != nil {
		if restorable, ok := backup.(appstate.RestorableBackup); ok {
			if err := restorable.Restore(ctx); err != nil {
				restoreErr := &RestoreFailedError{
					Err:         fmt.Errorf("failed to restore backup: %v", err),
					OriginalErr: migErr,
				}
				s.registerInconsistency(ctx, restoreErr.Error(), backupInfo())
				collector.Recovery(string(RecoveryMarkedInconsistent))
				return restoreErr
			}
			if restoreErr := restoreVersion(migErr); restoreErr != nil {
				s.registerInconsistency(ctx, restoreErr.Error(), backupInfo())
				collector.Recovery(string(RecoveryMarkedInconsistent))
				return restoreErr
			}
			migErr.Recovery = RecoveryBackupRestored
			collector.Recovery(string(RecoveryBackupRestored))
			s.logger.Info("backup restored, state recovered")
			return migErr
		}
	}

	s.registerInconsistency(ctx, migErr.Error(), backupInfo())
	migErr.Recovery = RecoveryMarkedInconsistent
	collector.Recovery(string(RecoveryMarkedInconsistent))
	s.logger.Error("no recovery possible, application state marked as inconsistent")
	return migErr
}

// registerInconsistency persists the terminal-failure flag. A failure to do
// even that is logged; the original error is surfaced to the caller anyway.
func (s *SVIP) registerInconsistency(ctx context.Context, info, backupInfo string) {
	if err := s.backend.RegisterInconsistency(ctx, info, backupInfo); err != nil {
		s.logger.Error("failed to register inconsistency", "error", err)
		return
	}
	metrics.SetInconsistent(true)
}

// resolveTarget resolves a nil migration target against the default range,
// or against any known version when no range is configured.
func (s *SVIP) resolveTarget() (*semver.Version, error) {
	rng := s.defaultRange
	if rng == nil {
		var err error
		if rng, err = semver.NewConstraint("*"); err != nil {
			return nil, err
		}
	}
	return s.manager.LatestMatch(rng)
}
