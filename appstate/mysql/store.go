// Package mysql provides an application state backend on top of MySQL.
//
// The backend does not offer transactions: MySQL commits implicitly around
// DDL statements, so a transaction could not reliably cover a schema
// migration. Failed migrations are recovered by restoring the mysqldump
// backup taken before the first step.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/Masterminds/semver/v3"
	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/guludo/svip/appstate"
	"github.com/guludo/svip/migration"
)

// Config holds the mysql backend configuration.
type Config struct {
	// DatabaseName qualifies the versioning tables and is passed to the
	// dump and restore commands. Required.
	DatabaseName string

	// VersioningTable is the single-row table holding the version state.
	// Defaults to "svip_versioning".
	VersioningTable string

	// HistoryTable records completed migrations. Defaults to
	// "svip_version_history".
	HistoryTable string

	// BackupsDir is the directory backup files are written to, created on
	// demand. Defaults to "migration-backups".
	BackupsDir string

	// DumpCommand is the command that runs mysqldump. Defaults to
	// []string{"mysqldump"}.
	DumpCommand []string

	// RestoreCommand is the command that replays a dump, normally the mysql
	// client. Defaults to []string{"mysql"}.
	RestoreCommand []string

	// ConnectionOptions are passed to both commands, e.g.
	// []string{"--host", "db", "--user", "app"}.
	ConnectionOptions []string
}

// DefaultConfig returns the configuration used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		VersioningTable: "svip_versioning",
		HistoryTable:    "svip_version_history",
		BackupsDir:      "migration-backups",
		DumpCommand:     []string{"mysqldump"},
		RestoreCommand:  []string{"mysql"},
	}
}

// Store is the mysql application state backend.
type Store struct {
	db  *sql.DB
	cfg Config
}

// New creates a backend over an existing database handle. Zero-valued Config
// fields fall back to DefaultConfig; DatabaseName is required.
func New(db *sql.DB, cfg Config) (*Store, error) {
	if cfg.DatabaseName == "" {
		return nil, errors.New("mysql: DatabaseName is required")
	}
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
	return &Store{db: db, cfg: cfg}, nil
}

// Open connects to the database at the given DSN and returns a backend
// over it.
func Open(dsn string, cfg Config) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql: failed to open connection: %w", err)
	}
	return New(db, cfg)
}

// DB returns the underlying database handle, e.g. for use as a step context.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) versioningTable() string {
	return escapedTableName(s.cfg.DatabaseName, s.cfg.VersioningTable)
}

func (s *Store) historyTable() string {
	return escapedTableName(s.cfg.DatabaseName, s.cfg.HistoryTable)
}

// SetVersion atomically updates the version tuple. The row is locked with
// SELECT FOR UPDATE for the duration of the compare-and-set.
func (s *Store) SetVersion(ctx context.Context, current, target *semver.Version) (appstate.SetVersionResult, error) {
	if current == nil {
		return appstate.SetVersionResult{}, errors.New("mysql: current version must not be nil")
	}

	var res appstate.SetVersionResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureTables(ctx, tx); err != nil {
			return err
		}

		var prevCurrent string
		var prevTarget sql.NullString
		row := tx.QueryRowContext(ctx, fmt.Sprintf(
			"SELECT current_version, target_version FROM %s FOR UPDATE", s.versioningTable(),
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
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			"UPDATE %s SET current_version = ?, target_version = ?", s.versioningTable(),
		), current.String(), newTarget); err != nil {
			return fmt.Errorf("failed to update version row: %w", err)
		}
		if closes {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(
				"INSERT INTO %s (version) VALUES (?)", s.historyTable(),
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
	exists, err := s.tableExists(ctx)
	if err != nil {
		return nil, nil, err
	}
	if !exists {
		return migration.Zero, nil, nil
	}

	var cur string
	var tgt sql.NullString
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT current_version, target_version FROM %s", s.versioningTable(),
	))
	if err := row.Scan(&cur, &tgt); err != nil {
		return nil, nil, fmt.Errorf("failed to read version row: %w", err)
	}
	current, err := semver.NewVersion(cur)
	if err != nil {
		return nil, nil, fmt.Errorf("corrupt current_version %q: %w", cur, err)
	}
	var target *semver.Version
	if tgt.Valid {
		if target, err = semver.NewVersion(tgt.String); err != nil {
			return nil, nil, fmt.Errorf("corrupt target_version %q: %w", tgt.String, err)
		}
	}
	return current, target, nil
}

// RegisterInconsistency persists the terminal-failure flag.
func (s *Store) RegisterInconsistency(ctx context.Context, info, backupInfo string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureTables(ctx, tx); err != nil {
			return err
		}
		var backup sql.NullString
		if backupInfo != "" {
			backup = sql.NullString{String: backupInfo, Valid: true}
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf(
			"UPDATE %s SET inconsistency_info = ?, inconsistency_backup_info = ?", s.versioningTable(),
		), info, backup)
		return err
	})
}

// GetInconsistency returns the flag, or nil if the state is consistent.
func (s *Store) GetInconsistency(ctx context.Context) (*appstate.Inconsistency, error) {
	exists, err := s.tableExists(ctx)
	if err != nil || !exists {
		return nil, err
	}
	var info, backupInfo sql.NullString
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT inconsistency_info, inconsistency_backup_info FROM %s", s.versioningTable(),
	))
	if err := row.Scan(&info, &backupInfo); err != nil {
		return nil, fmt.Errorf("failed to read inconsistency flag: %w", err)
	}
	if !info.Valid {
		return nil, nil
	}
	return &appstate.Inconsistency{Info: info.String, BackupInfo: backupInfo.String}, nil
}

// ClearInconsistency removes the flag.
func (s *Store) ClearInconsistency(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureTables(ctx, tx); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf(
			"UPDATE %s SET inconsistency_info = NULL, inconsistency_backup_info = NULL", s.versioningTable(),
		))
		return err
	})
}

// VersionHistory returns the ordered history of completed migrations.
func (s *Store) VersionHistory(ctx context.Context) ([]appstate.HistoryEntry, error) {
	exists, err := s.tableExists(ctx)
	if err != nil || !exists {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT version, migrated_at FROM %s ORDER BY id", s.historyTable(),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to read version history: %w", err)
	}
	defer rows.Close()

	var entries []appstate.HistoryEntry
	for rows.Next() {
		var vs, at string
		if err := rows.Scan(&vs, &at); err != nil {
			return nil, err
		}
		v, err := semver.NewVersion(vs)
		if err != nil {
			return nil, fmt.Errorf("corrupt version %q in history: %w", vs, err)
		}
		t, err := time.Parse("2006-01-02 15:04:05", at)
		if err != nil {
			t = time.Time{}
		}
		entries = append(entries, appstate.HistoryEntry{Version: v, At: t})
	}
	return entries, rows.Err()
}

// Backup dumps the database with mysqldump into the backups directory.
func (s *Store) Backup(ctx context.Context, info *migration.Info) (appstate.Backup, error) {
	if err := os.MkdirAll(s.cfg.BackupsDir, 0o755); err != nil {
		return nil, fmt.Errorf("mysql: failed to create backups directory: %w", err)
	}
	name := fmt.Sprintf("%s-svip-backup-%s.sql",
		time.Now().UTC().Format("2006-01-02_15-04-05"), uuid.NewString()[:8])
	path := filepath.Join(s.cfg.BackupsDir, name)

	args := append([]string{}, s.cfg.DumpCommand[1:]...)
	args = append(args, s.cfg.ConnectionOptions...)
	args = append(args, "--single-transaction", "--result-file", path, s.cfg.DatabaseName)

	cmd := exec.CommandContext(ctx, s.cfg.DumpCommand[0], args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("mysql: mysqldump failed: %w: %s", err, out)
	}
	return &Backup{store: s, path: path}, nil
}

// RestoreSupported reports that mysqldump backups can be replayed with the
// mysql client.
func (s *Store) RestoreSupported() bool {
	return true
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
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

func (s *Store) tableExists(ctx context.Context) (bool, error) {
	var n int
	row := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM information_schema.tables
		WHERE table_schema = ? AND table_name = ?`,
		s.cfg.DatabaseName, s.cfg.VersioningTable,
	)
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) ensureTables(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s ("+
			"id int not null primary key, "+
			"current_version varchar(100) not null, "+
			"target_version varchar(100) null, "+
			"inconsistency_info text null, "+
			"inconsistency_backup_info text null"+
			") default charset utf8mb4",
		s.versioningTable(),
	)); err != nil {
		return fmt.Errorf("failed to create versioning table %s: %w", s.versioningTable(), err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		"INSERT IGNORE INTO %s (id, current_version) VALUES (1, '0.0.0')", s.versioningTable(),
	)); err != nil {
		return fmt.Errorf("failed to seed versioning table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s ("+
			"id int not null auto_increment, "+
			"version varchar(100) not null, "+
			"migrated_at datetime default CURRENT_TIMESTAMP not null, "+
			"primary key (id)"+
			") default charset utf8mb4",
		s.historyTable(),
	)); err != nil {
		return fmt.Errorf("failed to create history table %s: %w", s.historyTable(), err)
	}
	return nil
}

func escapedTableName(database, table string) string {
	return fmt.Sprintf("`%s`.`%s`", escapeString(database), escapeString(table))
}

// originally from https://gist.github.com/siddontang/8875771
func escapeString(sql string) string {
	dest := make([]rune, 0, 2*len(sql))

	for _, character := range sql {
		var escape rune

		switch character {
		case 0:
			escape = '0'
		case '\n':
			escape = 'n'
		case '\r':
			escape = 'r'
		case '\\':
			escape = '\\'
		case '\'':
			escape = '\''
		case '"':
			escape = '"'
		case '`':
			escape = '`'
		case '\032':
			escape = 'Z'
		}

		if escape != 0 {
			dest = append(dest, '\\', escape)
		} else {
			dest = append(dest, character)
		}
	}

	return string(dest)
}

// Backup is a mysqldump file on disk.
type Backup struct {
	store *Store
	path  string
}

// Info returns where the dump file was written.
func (b *Backup) Info() string {
	return "a mysqldump of the database is available at: " + b.path
}

// Path returns the dump file's location.
func (b *Backup) Path() string {
	return b.path
}

// Restore replays the dump through the mysql client.
func (b *Backup) Restore(ctx context.Context) error {
	cfg := b.store.cfg
	f, err := os.Open(b.path)
	if err != nil {
		return fmt.Errorf("mysql: failed to open backup file: %w", err)
	}
	defer f.Close()

	args := append([]string{}, cfg.RestoreCommand[1:]...)
	args = append(args, cfg.ConnectionOptions...)
	args = append(args, cfg.DatabaseName)

	cmd := exec.CommandContext(ctx, cfg.RestoreCommand[0], args...)
	cmd.Stdin = f
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("mysql: restore failed: %w: %s", err, out)
	}
	return nil
}
