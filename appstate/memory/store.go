// Package memory provides an in-memory application state backend with the
// full capability set (backup, restore, transactions, history). It is meant
// for tests and examples.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/guludo/svip/appstate"
	"github.com/guludo/svip/migration"
)

var (
	errTxOpen     = errors.New("memory: a transaction is already open")
	errTxDone     = errors.New("memory: transaction already committed or rolled back")
	errRestored   = errors.New("memory: backup already restored")
	errNilCurrent = errors.New("memory: current version must not be nil")
)

// Store is an in-memory backend. The application state it manages is a plain
// list of strings, enough for migration steps to leave observable traces.
// It provides thread-safe access using a sync.Mutex.
type Store struct {
	mu            sync.Mutex
	current       *semver.Version // nil means never written, reads as 0.0.0
	target        *semver.Version
	inconsistency *appstate.Inconsistency
	history       []appstate.HistoryEntry
	data          []string
	txOpen        bool
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{}
}

// AppendData appends an entry to the application state. Migration steps use
// this through the step context.
func (s *Store) AppendData(entry string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, entry)
}

// Data returns a copy of the application state.
func (s *Store) Data() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.data...)
}

// SetData replaces the application state.
func (s *Store) SetData(data []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append([]string(nil), data...)
}

// SetVersion atomically updates the version tuple per the compare-and-set
// predicate of appstate.Backend.
func (s *Store) SetVersion(ctx context.Context, current, target *semver.Version) (appstate.SetVersionResult, error) {
	if current == nil {
		return appstate.SetVersionResult{}, errNilCurrent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	currentBefore := s.currentLocked()
	res := appstate.SetVersionResult{
		CurrentBefore: currentBefore,
		TargetBefore:  s.target,
	}

	// Exactly one of the stored target and the new target may be nil.
	if (s.target == nil) == (target == nil) {
		return res, nil
	}
	// current may change exactly on the transition that closes a migration
	// by adopting its target.
	closes := target == nil && s.target != nil && current.Equal(s.target)
	if !current.Equal(currentBefore) != closes {
		return res, nil
	}

	s.current = current
	s.target = target
	if closes {
		s.history = append(s.history, appstate.HistoryEntry{Version: current, At: time.Now()})
	}
	res.Updated = true
	return res, nil
}

// GetVersion atomically reads the version tuple. A never-written store reads
// as (0.0.0, nil).
func (s *Store) GetVersion(ctx context.Context) (*semver.Version, *semver.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked(), s.target, nil
}

func (s *Store) currentLocked() *semver.Version {
	if s.current == nil {
		return migration.Zero
	}
	return s.current
}

// RegisterInconsistency persists the terminal-failure flag.
func (s *Store) RegisterInconsistency(ctx context.Context, info, backupInfo string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inconsistency = &appstate.Inconsistency{Info: info, BackupInfo: backupInfo}
	return nil
}

// GetInconsistency returns the flag, or nil if the state is consistent.
func (s *Store) GetInconsistency(ctx context.Context) (*appstate.Inconsistency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inconsistency == nil {
		return nil, nil
	}
	inc := *s.inconsistency
	return &inc, nil
}

// ClearInconsistency removes the flag.
func (s *Store) ClearInconsistency(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inconsistency = nil
	return nil
}

// VersionHistory returns the ordered history of completed migrations.
func (s *Store) VersionHistory(ctx context.Context) ([]appstate.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]appstate.HistoryEntry(nil), s.history...), nil
}

// Backup snapshots the application state.
func (s *Store) Backup(ctx context.Context, info *migration.Info) (appstate.Backup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Backup{
		id:    uuid.New().String(),
		store: s,
		data:  append([]string(nil), s.data...),
	}, nil
}

// RestoreSupported reports that in-memory snapshots can be restored.
func (s *Store) RestoreSupported() bool {
	return true
}

// Begin opens a transaction over the application state. Only one transaction
// may be open at a time.
func (s *Store) Begin(ctx context.Context) (appstate.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txOpen {
		return nil, errTxOpen
	}
	s.txOpen = true
	return &Tx{
		store: s,
		saved: append([]string(nil), s.data...),
	}, nil
}

// Backup is a snapshot of a Store's application state.
type Backup struct {
	id       string
	store    *Store
	data     []string
	restored bool
}

// Info returns a description of the snapshot.
func (b *Backup) Info() string {
	return fmt.Sprintf("in-memory snapshot %s (%d entries)", b.id, len(b.data))
}

// Restore puts the snapshotted application state back into the store. A
// snapshot can be restored at most once.
func (b *Backup) Restore(ctx context.Context) error {
	if b.restored {
		return errRestored
	}
	b.restored = true
	b.store.SetData(b.data)
	return nil
}

// Tx is a copy-on-rollback transaction: writes apply to the store directly
// and Rollback restores the state captured at Begin.
type Tx struct {
	store      *Store
	saved      []string
	done       bool
	rolledBack bool
}

// Commit keeps the writes made since Begin.
func (t *Tx) Commit(ctx context.Context) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.done {
		return errTxDone
	}
	t.done = true
	t.store.txOpen = false
	return nil
}

// Rollback restores the application state captured at Begin.
func (t *Tx) Rollback(ctx context.Context) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.done {
		return errTxDone
	}
	t.done = true
	t.store.txOpen = false
	t.store.data = append([]string(nil), t.saved...)
	t.rolledBack = true
	return nil
}

// RollbackSucceeded reports whether Rollback reverted the state.
func (t *Tx) RollbackSucceeded() bool {
	return t.rolledBack
}
