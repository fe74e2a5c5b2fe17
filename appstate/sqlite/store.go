// Package sqlite provides an application state backend on top of a SQLite
// database, using a single-row versioning table for the version state and
// the migration history.
//
// The backend supports backups (a copy of the database file written with
// VACUUM INTO) and transactions. Backups cannot be restored automatically:
// replacing a SQLite database file while connections are open corrupts it,
// so restoration is left to the operator.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/guludo/svip/appstate"
	"github.com/guludo/svip/migration"
)

// Config holds the sqlite backend configuration.
type Config struct {
	// Table is the name of the single-row versioning table. The table is
	// created on first write; a database without it reads as version 0.0.0.
	Table string

	// BackupsDir is the directory backup files are written to, created on
	// demand.
	BackupsDir string
}

// DefaultConfig returns the configuration used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		Table:      "svip_versioning",
		BackupsDir: "migration-backups",
	}
}

// Store is the sqlite application state backend.
type Store struct {
	db  *sql.DB
	cfg Config

	mu sync.Mutex
	tx *sql.Tx // open migration transaction, if any
}

// New creates a backend over an existing database handle. Zero-valued Config
// fields fall back to DefaultConfig.
func New(db *sql.DB, cfg Config) *Store {
	def := DefaultConfig()
	if cfg.Table == "" {
		cfg.Table = def.Table
	}
	if cfg.BackupsDir == "" {
		cfg.BackupsDir = def.BackupsDir
	}
	return &Store{db: db, cfg: cfg}
}

// Open opens (or creates) the database file at path and returns a backend
// over it.
func Open(path string, cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open %s: %w", path, err)
	}
	// SQLite allows a single writer; keeping one connection avoids lock
	// contention between the migration transaction and version updates.
	db.SetMaxOpenConns(1)
	return New(db, cfg), nil
}

// DB returns the underlying database handle, e.g. for use as a step context.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// dbtx is the common surface of *sql.DB and *sql.Tx used by the store.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// runner returns the open migration transaction when one exists, so that
// statements issued during a migration commit or roll back with it.
func (s *Store) runner() dbtx {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// ExecContext executes a statement, routed through the open migration
// transaction if one exists. Migration steps that receive the Store as their
// step context use this so their writes are covered by the transaction.
func (s *Store) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runner().ExecContext(ctx, query, args...)
}

// QueryContext runs a query, routed like ExecContext.
func (s *Store) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runner().QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query, routed like ExecContext.
func (s *Store) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runner().QueryRowContext(ctx, query, args...)
}

// SetVersion atomically updates the version tuple. The compare-and-set
// predicate is evaluated by SQLite inside the UPDATE's WHERE clause, so
// concurrent writers race on the row update, not on a read-then-write pair.
func (s *Store) SetVersion(ctx context.Context, current, target *semver.Version) (appstate.SetVersionResult, error) {
	if current == nil {
		return appstate.SetVersionResult{}, errors.New("sqlite: current version must not be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var res appstate.SetVersionResult
	err := s.withTx(ctx, func(r dbtx) error {
		if err := s.ensureTable(ctx, r); err != nil {
			return err
		}

		var prevCurrent, prevHistory string
		var prevTarget sql.NullString
		row := r.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT current_version, target_version, version_history_json FROM %q`, s.cfg.Table,
		))
		if err := row.Scan(&prevCurrent, &prevTarget, &prevHistory); err != nil {
			return fmt.Errorf("failed to read version row: %w", err)
		}
		var err error
		if res.CurrentBefore, err = semver.NewVersion(prevCurrent); err != nil {
			return fmt.Errorf("corrupt current_version %q: %w", prevCurrent, err)
		}
		if prevTarget.Valid {
			if res.TargetBefore, err = semver.NewVersion(prevTarget.String); err != nil {
				return fmt.Errorf("corrupt target_version %q: %w", prevTarget.String, err)
			}
		}

		// The history gains an entry exactly when this update closes a
		// migration by adopting its target; the same WHERE clause that
		// guards the update guards the append.
		history := prevHistory
		if res.TargetBefore != nil && current.Equal(res.TargetBefore) && target == nil {
			if history, err = appendHistory(prevHistory, current); err != nil {
				return err
			}
		}

		var newTarget sql.NullString
		if target != nil {
			newTarget = sql.NullString{String: target.String(), Valid: true}
		}

		result, err := r.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %q
			SET current_version = ?1, target_version = ?2, version_history_json = ?3
			WHERE
				((target_version IS NULL AND ?2 IS NOT NULL)
					OR (target_version IS NOT NULL AND ?2 IS NULL))
				AND (current_version != ?1)
					= (target_version = ?1 AND ?2 IS NULL)`, s.cfg.Table),
			current.String(), newTarget, history,
		)
		if err != nil {
			return fmt.Errorf("failed to update version row: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		res.Updated = n > 0
		return nil
	})
	return res, err
}

// GetVersion atomically reads the version tuple. A database without the
// versioning table reads as (0.0.0, nil).
func (s *Store) GetVersion(ctx context.Context) (*semver.Version, *semver.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current, target *semver.Version
	err := s.withTx(ctx, func(r dbtx) error {
		exists, err := s.tableExists(ctx, r)
		if err != nil {
			return err
		}
		if !exists {
			current = migration.Zero
			return nil
		}

		var cur string
		var tgt sql.NullString
		row := r.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT current_version, target_version FROM %q`, s.cfg.Table,
		))
		if err := row.Scan(&cur, &tgt); err != nil {
			return fmt.Errorf("failed to read version row: %w", err)
		}
		if current, err = semver.NewVersion(cur); err != nil {
			return fmt.Errorf("corrupt current_version %q: %w", cur, err)
		}
		if tgt.Valid {
			if target, err = semver.NewVersion(tgt.String); err != nil {
				return fmt.Errorf("corrupt target_version %q: %w", tgt.String, err)
			}
		}
		return nil
	})
	return current, target, err
}

// RegisterInconsistency persists the terminal-failure flag.
func (s *Store) RegisterInconsistency(ctx context.Context, info, backupInfo string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(r dbtx) error {
		if err := s.ensureTable(ctx, r); err != nil {
			return err
		}
		var backup sql.NullString
		if backupInfo != "" {
			backup = sql.NullString{String: backupInfo, Valid: true}
		}
		_, err := r.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %q SET inconsistency_info = ?, inconsistency_backup_info = ?`, s.cfg.Table,
		), info, backup)
		return err
	})
}

// GetInconsistency returns the flag, or nil if the state is consistent.
func (s *Store) GetInconsistency(ctx context.Context) (*appstate.Inconsistency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var inc *appstate.Inconsistency
	err := s.withTx(ctx, func(r dbtx) error {
		exists, err := s.tableExists(ctx, r)
		if err != nil || !exists {
			return err
		}
		var info, backupInfo sql.NullString
		row := r.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT inconsistency_info, inconsistency_backup_info FROM %q`, s.cfg.Table,
		))
		if err := row.Scan(&info, &backupInfo); err != nil {
			return fmt.Errorf("failed to read inconsistency flag: %w", err)
		}
		if info.Valid {
			inc = &appstate.Inconsistency{Info: info.String, BackupInfo: backupInfo.String}
		}
		return nil
	})
	return inc, err
}

// ClearInconsistency removes the flag.
func (s *Store) ClearInconsistency(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(r dbtx) error {
		if err := s.ensureTable(ctx, r); err != nil {
			return err
		}
		_, err := r.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %q SET inconsistency_info = NULL, inconsistency_backup_info = NULL`, s.cfg.Table,
		))
		return err
	})
}

// VersionHistory returns the ordered history of completed migrations.
func (s *Store) VersionHistory(ctx context.Context) ([]appstate.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []appstate.HistoryEntry
	err := s.withTx(ctx, func(r dbtx) error {
		exists, err := s.tableExists(ctx, r)
		if err != nil || !exists {
			return err
		}
		var raw string
		row := r.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT version_history_json FROM %q`, s.cfg.Table,
		))
		if err := row.Scan(&raw); err != nil {
			return fmt.Errorf("failed to read version history: %w", err)
		}
		entries, err = parseHistory(raw)
		return err
	})
	return entries, err
}

// Backup writes a consistent copy of the database into the backups
// directory using VACUUM INTO.
func (s *Store) Backup(ctx context.Context, info *migration.Info) (appstate.Backup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.cfg.BackupsDir, 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: failed to create backups directory: %w", err)
	}
	name := fmt.Sprintf("%s-svip-backup-%s.db",
		time.Now().UTC().Format("2006-01-02_15-04-05"), uuid.NewString()[:8])
	path := filepath.Join(s.cfg.BackupsDir, name)

	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return nil, fmt.Errorf("sqlite: backup failed: %w", err)
	}
	return &Backup{path: path}, nil
}

// RestoreSupported reports false: replacing a SQLite database file in use
// can corrupt it, so restoration is left to the operator.
func (s *Store) RestoreSupported() bool {
	return false
}

// Begin opens the migration transaction. While it is open, all statements
// issued through the store run inside it, including version updates, so the
// version state change that closes a migration commits atomically with the
// migration's own writes.
func (s *Store) Begin(ctx context.Context) (appstate.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx != nil {
		return nil, errors.New("sqlite: a migration transaction is already open")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	s.tx = tx
	return &Tx{store: s, tx: tx}, nil
}

// withTx runs fn inside the open migration transaction when one exists, and
// inside a fresh transaction otherwise.
func (s *Store) withTx(ctx context.Context, fn func(dbtx) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) tableExists(ctx context.Context, r dbtx) (bool, error) {
	var n int
	row := r.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, s.cfg.Table)
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) ensureTable(ctx context.Context, r dbtx) error {
	exists, err := s.tableExists(ctx, r)
	if err != nil || exists {
		return err
	}
	if _, err := r.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE %q (
			current_version TEXT NOT NULL,
			target_version TEXT,
			inconsistency_info TEXT,
			inconsistency_backup_info TEXT,
			version_history_json TEXT NOT NULL
		)`, s.cfg.Table),
	); err != nil {
		return fmt.Errorf("failed to create versioning table: %w", err)
	}
	_, err = r.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %q VALUES ('0.0.0', NULL, NULL, NULL, '[]')`, s.cfg.Table,
	))
	return err
}

// The history is stored as a JSON array of [version, unix-timestamp] pairs.

func appendHistory(raw string, v *semver.Version) (string, error) {
	var history []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		return "", fmt.Errorf("corrupt version history: %w", err)
	}
	entry, err := json.Marshal([]any{v.String(), time.Now().Unix()})
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(append(history, entry))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func parseHistory(raw string) ([]appstate.HistoryEntry, error) {
	var pairs [][2]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &pairs); err != nil {
		return nil, fmt.Errorf("corrupt version history: %w", err)
	}
	entries := make([]appstate.HistoryEntry, 0, len(pairs))
	for _, pair := range pairs {
		var vs string
		var ts int64
		if err := json.Unmarshal(pair[0], &vs); err != nil {
			return nil, fmt.Errorf("corrupt version history entry: %w", err)
		}
		if err := json.Unmarshal(pair[1], &ts); err != nil {
			return nil, fmt.Errorf("corrupt version history entry: %w", err)
		}
		v, err := semver.NewVersion(vs)
		if err != nil {
			return nil, fmt.Errorf("corrupt version %q in history: %w", vs, err)
		}
		entries = append(entries, appstate.HistoryEntry{Version: v, At: time.Unix(ts, 0).UTC()})
	}
	return entries, nil
}

// Backup is a copy of the database file.
type Backup struct {
	path string
}

// Info returns where the backup file was written.
func (b *Backup) Info() string {
	return "a backup of the database file is available at: " + b.path
}

// Path returns the backup file's location.
func (b *Backup) Path() string {
	return b.path
}

// Tx is the migration transaction.
type Tx struct {
	store      *Store
	tx         *sql.Tx
	rolledBack bool
}

// Commit commits the migration's writes, including version updates issued
// while the transaction was open.
func (t *Tx) Commit(ctx context.Context) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.tx = nil
	return t.tx.Commit()
}

// Rollback discards the migration's writes.
func (t *Tx) Rollback(ctx context.Context) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.tx = nil
	err := t.tx.Rollback()
	t.rolledBack = err == nil
	return err
}

// RollbackSucceeded reports whether Rollback reverted the state.
func (t *Tx) RollbackSucceeded() bool {
	return t.rolledBack
}
