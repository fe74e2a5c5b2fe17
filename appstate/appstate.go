// Package appstate defines the contract between the migration orchestrator
// and application state backends (ASBs). A backend must implement Backend;
// backup, restore, transaction and history support are optional capabilities
// detected by interface assertion.
package appstate

import (
	"context"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/guludo/svip/migration"
)

// SetVersionResult reports the outcome of a SetVersion compare-and-set.
// CurrentBefore and TargetBefore always carry the pre-update values so that a
// rejected update can be diagnosed (e.g. a concurrent migration in flight).
type SetVersionResult struct {
	Updated       bool
	CurrentBefore *semver.Version
	TargetBefore  *semver.Version
}

// Inconsistency is the persisted terminal-failure flag, set when a failed
// migration could not be recovered automatically.
type Inconsistency struct {
	// Info describes what went wrong.
	Info string

	// BackupInfo, if non-empty, describes a backup an operator can use for
	// manual recovery.
	BackupInfo string
}

// HistoryEntry records one successfully completed migration.
type HistoryEntry struct {
	Version *semver.Version
	At      time.Time
}

// Backend is the mandatory capability set of an application state backend.
//
// The version state tuple (current, target) is owned exclusively by the
// backend. target is non-nil if and only if a migration is in progress.
type Backend interface {
	// SetVersion atomically updates the version tuple. With currentBefore
	// and targetBefore denoting the stored values prior to the update, the
	// update is applied if and only if both hold:
	//
	//   (1) exactly one of targetBefore and target is nil: the call either
	//       starts a migration (targetBefore nil, target non-nil) or ends
	//       one (targetBefore non-nil, target nil);
	//
	//   (2) currentBefore != current if and only if current equals
	//       targetBefore and target is nil: current may only change on the
	//       transition that closes a migration by adopting its target.
	//
	// When the predicate fails the store is left untouched and
	// Updated is false. The update must be implemented with the store's
	// native atomic conditional update, never a read-then-write pair; this
	// is the sole concurrency-control primitive of the whole protocol.
	//
	// Backends that keep a version history append an entry exactly when a
	// transition closes a migration successfully (current == targetBefore
	// and target == nil).
	SetVersion(ctx context.Context, current, target *semver.Version) (SetVersionResult, error)

	// GetVersion atomically reads the version tuple. A store that has never
	// been written reads as (0.0.0, nil).
	GetVersion(ctx context.Context) (current, target *semver.Version, err error)

	// RegisterInconsistency persists the terminal-failure flag.
	RegisterInconsistency(ctx context.Context, info, backupInfo string) error

	// GetInconsistency returns the persisted flag, or nil if the state is
	// consistent.
	GetInconsistency(ctx context.Context) (*Inconsistency, error)

	// ClearInconsistency removes the flag. Meant for operators, after
	// manual recovery.
	ClearInconsistency(ctx context.Context) error
}

// Historian is an optional capability: access to the ordered history of
// completed migrations.
type Historian interface {
	VersionHistory(ctx context.Context) ([]HistoryEntry, error)
}

// Backuper is an optional capability: the backend can snapshot application
// state before a migration.
type Backuper interface {
	// Backup snapshots the application state. info is nil for one-off
	// backups taken outside a migration.
	Backup(ctx context.Context, info *migration.Info) (Backup, error)

	// RestoreSupported reports whether backups taken by this backend can be
	// restored. When false, Backup results never satisfy RestorableBackup.
	RestoreSupported() bool
}

// Backup is an opaque handle to a completed backup. Whether it can be
// restored is capability-tested by asserting to RestorableBackup.
type Backup interface {
	// Info returns a human-readable description of the backup (e.g. where
	// it is stored). It may contain line breaks.
	Info() string
}

// RestorableBackup is a Backup that can restore the state it captured.
// Restore must not be called more than once per handle.
type RestorableBackup interface {
	Backup
	Restore(ctx context.Context) error
}

// Transactional is an optional capability: the backend can wrap a migration
// in a transaction.
type Transactional interface {
	Begin(ctx context.Context) (Transaction, error)
}

// Transaction is a scoped resource around one migration's state changes.
// Exactly one of Commit or Rollback is called; after a Rollback,
// RollbackSucceeded distinguishes "state reverted" from "state possibly
// corrupted".
type Transaction interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// RollbackSucceeded reports whether the last Rollback call actually
	// reverted the state. It is meaningful only after Rollback returned.
	RollbackSucceeded() bool
}
