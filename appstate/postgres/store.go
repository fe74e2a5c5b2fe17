// Package postgres provides an application state backend on top of
// PostgreSQL. The version state lives in a single-row table and the history
// of completed migrations in a companion table, appended in the same
// transaction as the update that closes a migration.
//
// Backups shell out to pg_dump and are restored with pg_restore; both
// commands can be replaced or prefixed (e.g. to run them through docker).
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/guludo/svip/appstate"
	"github.com/guludo/svip/migration"
)

// Config holds the postgres backend configuration.
type Config struct {
	// VersioningTable is the single-row table holding the version state.
	// Defaults to "svip_versioning".
	VersioningTable string

	// HistoryTable records completed migrations. Defaults to
	// "svip_version_history".
	HistoryTable string

	// BackupsDir is the directory backup files are written to, created on
	// demand. Defaults to "migration-backups".
	BackupsDir string

	// DumpCommand is the command that runs pg_dump, e.g.
	// []string{"docker", "exec", "db", "pg_dump"}. Defaults to
	// []string{"pg_dump"}.
	DumpCommand []string

	// RestoreCommand is the command that runs pg_restore. Defaults to
	// []string{"pg_restore"}.
	RestoreCommand []string

	// ConnectionOptions are passed to both commands, e.g.
	// []string{"--host", "db", "--username", "app", "--dbname", "app"}.
	ConnectionOptions []string
}

// DefaultConfig returns the configuration used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		VersioningTable: "svip_versioning",
		HistoryTable:    "svip_version_history",
		BackupsDir:      "migration-backups",
		DumpCommand:     []string{"pg_dump"},
		RestoreCommand:  []string{"pg_restore"},
	}
}

// Store is the postgres application state backend.
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
	if cfg.VersioningTable == "" {
		cfg.VersioningTable = def.VersioningTable
	}
	if cfg.HistoryTable == "" {
		cfg.HistoryTable = def.HistoryTable
	}
	if cfg.BackupsDir == "" {
		cfg.BackupsDir = def.BackupsDir
	}
	if len(cfg.DumpCommand) == 0 {
		cfg.DumpCommand = def.DumpCommand
	}
	if len(cfg.RestoreCommand) == 0 {
		cfg.RestoreCommand = def.RestoreCommand
	}
	return &Store{db: db, cfg: cfg}
}

// Open connects to the database at the given DSN and returns a backend
// over it.
func Open(dsn string, cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open connection: %w", err)
	}
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

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
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

func (s *Store) runner() dbtx {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// SetVersion atomically updates the version tuple. The row is locked with
// SELECT FOR UPDATE for the duration of the compare-and-set, so concurrent
// writers serialize on the row lock.
func (s *Store) SetVersion(ctx context.Context, current, target *semver.Version) (appstate.SetVersionResult, error) {
	if current == nil {
		return appstate.SetVersionResult{}, errors.New("postgres: current version must not be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var res appstate.SetVersionResult
	err := s.withTx(ctx, func(r dbtx) error {
		if err := s.ensureTables(ctx, r); err != nil {
			return err
		}

		var prevCurrent string
		var prevTarget sql.NullString
		row := r.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT current_version, target_version FROM %s FOR UPDATE`, s.cfg.VersioningTable,
		))
		if err := row.Scan(&prevCurrent, &prevTarget); err != nil {
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

		if (res.TargetBefore == nil) == (target == nil) {
			return nil
		}
		closes := target == nil && res.TargetBefore != nil && current.Equal(res.TargetBefore)
		if !current.Equal(res.CurrentBefore) != closes {
			return nil
		}

		var newTarget sql.NullString
		if target != nil {
			newTarget = sql.NullString{String: target.String(), Valid: true}
		}
		if _, err := r.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET current_version = $1, target_version = $2`, s.cfg.VersioningTable,
		), current.String(), newTarget); err != nil {
			return fmt.Errorf("failed to update version row: %w", err)
		}
		if closes {
			if _, err := r.ExecContext(ctx, fmt.Sprintf(
				`INSERT INTO %s (version) VALUES ($1)`, s.cfg.HistoryTable,
			), current.String()); err != nil {
				return fmt.Errorf("failed to append version history: %w", err)
			}
		}
		res.Updated = true
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
			`SELECT current_version, target_version FROM %s`, s.cfg.VersioningTable,
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
		if err := s.ensureTables(ctx, r); err != nil {
			return err
		}
		var backup sql.NullString
		if backupInfo != "" {
			backup = sql.NullString{String: backupInfo, Valid: true}
		}
		_, err := r.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET inconsistency_info = $1, inconsistency_backup_info = $2`, s.cfg.VersioningTable,
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
			`SELECT inconsistency_info, inconsistency_backup_info FROM %s`, s.cfg.VersioningTable,
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
		if err := s.ensureTables(ctx, r); err != nil {
			return err
		}
		_, err := r.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET inconsistency_info = NULL, inconsistency_backup_info = NULL`, s.cfg.VersioningTable,
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
		rows, err := r.QueryContext(ctx, fmt.Sprintf(
			`SELECT version, migrated_at FROM %s ORDER BY id`, s.cfg.HistoryTable,
		))
		if err != nil {
			return fmt.Errorf("failed to read version history: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var vs string
			var at time.Time
			if err := rows.Scan(&vs, &at); err != nil {
				return err
			}
			v, err := semver.NewVersion(vs)
			if err != nil {
				return fmt.Errorf("corrupt version %q in history: %w", vs, err)
			}
			entries = append(entries, appstate.HistoryEntry{Version: v, At: at})
		}
		return rows.Err()
	})
	return entries, err
}

// Backup dumps the database with pg_dump into the backups directory. The
// dump uses the custom format so pg_restore can restore it.
func (s *Store) Backup(ctx context.Context, info *migration.Info) (appstate.Backup, error) {
	if err := os.MkdirAll(s.cfg.BackupsDir, 0o755); err != nil {
		return nil, fmt.Errorf("postgres: failed to create backups directory: %w", err)
	}
	name := fmt.Sprintf("%s-svip-backup-%s.dump",
		time.Now().UTC().Format("2006-01-02_15-04-05"), uuid.NewString()[:8])
	path := filepath.Join(s.cfg.BackupsDir, name)

	args := append([]string{}, s.cfg.DumpCommand[1:]...)
	args = append(args, s.cfg.ConnectionOptions...)
	args = append(args, "--format", "custom", "--file", path)

	cmd := exec.CommandContext(ctx, s.cfg.DumpCommand[0], args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("postgres: pg_dump failed: %w: %s", err, out)
	}
	return &Backup{store: s, path: path}, nil
}

// RestoreSupported reports that pg_dump backups can be restored with
// pg_restore.
func (s *Store) RestoreSupported() bool {
	return true
}

// Begin opens the migration transaction. While it is open, all statements
// issued through the store run inside it, including version updates, so the
// version state change that closes a migration commits atomically with the
// migration's own writes.
func (s *Store) Begin(ctx context.Context) (appstate.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx != nil {
		return nil, errors.New("postgres: a migration transaction is already open")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	s.tx = tx
	return &Tx{store: s, tx: tx}, nil
}

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
	var reg sql.NullString
	row := r.QueryRowContext(ctx, `SELECT to_regclass($1)::text`, s.cfg.VersioningTable)
	if err := row.Scan(&reg); err != nil {
		return false, err
	}
	return reg.Valid, nil
}

func (s *Store) ensureTables(ctx context.Context, r dbtx) error {
	if _, err := r.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			current_version TEXT NOT NULL,
			target_version TEXT,
			inconsistency_info TEXT,
			inconsistency_backup_info TEXT
		)`, s.cfg.VersioningTable),
	); err != nil {
		return fmt.Errorf("failed to create versioning table: %w", err)
	}
	if _, err := r.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, current_version) VALUES (1, '0.0.0')
		ON CONFLICT (id) DO NOTHING`, s.cfg.VersioningTable),
	); err != nil {
		return fmt.Errorf("failed to seed versioning table: %w", err)
	}
	if _, err := r.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			version TEXT NOT NULL,
			migrated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, s.cfg.HistoryTable),
	); err != nil {
		return fmt.Errorf("failed to create history table: %w", err)
	}
	return nil
}

// Backup is a pg_dump archive on disk.
type Backup struct {
	store *Store
	path  string
}

// Info returns where the dump file was written.
func (b *Backup) Info() string {
	return "a pg_dump archive of the database is available at: " + b.path
}

// Path returns the dump file's location.
func (b *Backup) Path() string {
	return b.path
}

// Restore replays the dump with pg_restore, dropping objects before
// recreating them.
func (b *Backup) Restore(ctx context.Context) error {
	cfg := b.store.cfg
	args := append([]string{}, cfg.RestoreCommand[1:]...)
	args = append(args, cfg.ConnectionOptions...)
	args = append(args, "--clean", "--if-exists", b.path)

	cmd := exec.CommandContext(ctx, cfg.RestoreCommand[0], args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("postgres: pg_restore failed: %w: %s", err, out)
	}
	return nil
}

// Tx is the migration transaction.
type Tx struct {
	store      *Store
	tx         *sql.Tx
	rolledBack bool
}

// Commit commits the migration's writes.
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
