package appstate

import (
	"context"
	"errors"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/guludo/svip/migration"
)

// MockBackend is a configurable mock implementation of Backend for use in
// tests. It allows setting up expected return values, tracking method calls,
// and injecting errors for testing error paths. It implements only the
// mandatory capability set; compose MockBackupBackend, MockTxBackend or
// MockFullBackend when the optional capabilities are needed.
type MockBackend struct {
	mu sync.Mutex

	// SetVersionFunc is called by SetVersion if set.
	SetVersionFunc func(ctx context.Context, current, target *semver.Version) (SetVersionResult, error)

	// GetVersionFunc is called by GetVersion if set.
	GetVersionFunc func(ctx context.Context) (*semver.Version, *semver.Version, error)

	// RegisterInconsistencyFunc is called by RegisterInconsistency if set.
	RegisterInconsistencyFunc func(ctx context.Context, info, backupInfo string) error

	// GetInconsistencyFunc is called by GetInconsistency if set.
	GetInconsistencyFunc func(ctx context.Context) (*Inconsistency, error)

	// ClearInconsistencyFunc is called by ClearInconsistency if set.
	ClearInconsistencyFunc func(ctx context.Context) error

	// Call tracking
	SetVersionCalls            []SetVersionCall
	GetVersionCalls            int
	RegisterInconsistencyCalls []RegisterInconsistencyCall
	GetInconsistencyCalls      int
	ClearInconsistencyCalls    int
}

// SetVersionCall records the arguments of one SetVersion call.
type SetVersionCall struct {
	Current *semver.Version
	Target  *semver.Version
}

// RegisterInconsistencyCall records the arguments of one
// RegisterInconsistency call.
type RegisterInconsistencyCall struct {
	Info       string
	BackupInfo string
}

// NewMockBackend creates a new mock backend.
func NewMockBackend() *MockBackend {
	return &MockBackend{}
}

// SetVersion implements Backend.
func (m *MockBackend) SetVersion(ctx context.Context, current, target *semver.Version) (SetVersionResult, error) {
	m.mu.Lock()
	m.SetVersionCalls = append(m.SetVersionCalls, SetVersionCall{Current: current, Target: target})
	m.mu.Unlock()

	if m.SetVersionFunc != nil {
		return m.SetVersionFunc(ctx, current, target)
	}
	return SetVersionResult{Updated: true, CurrentBefore: migration.Zero}, nil
}

// GetVersion implements Backend.
func (m *MockBackend) GetVersion(ctx context.Context) (*semver.Version, *semver.Version, error) {
	m.mu.Lock()
	m.GetVersionCalls++
	m.mu.Unlock()

	if m.GetVersionFunc != nil {
		return m.GetVersionFunc(ctx)
	}
	return migration.Zero, nil, nil
}

// RegisterInconsistency implements Backend.
func (m *MockBackend) RegisterInconsistency(ctx context.Context, info, backupInfo string) error {
	m.mu.Lock()
	m.RegisterInconsistencyCalls = append(m.RegisterInconsistencyCalls, RegisterInconsistencyCall{Info: info, BackupInfo: backupInfo})
	m.mu.Unlock()

	if m.RegisterInconsistencyFunc != nil {
		return m.RegisterInconsistencyFunc(ctx, info, backupInfo)
	}
	return nil
}

// GetInconsistency implements Backend.
func (m *MockBackend) GetInconsistency(ctx context.Context) (*Inconsistency, error) {
	m.mu.Lock()
	m.GetInconsistencyCalls++
	m.mu.Unlock()

	if m.GetInconsistencyFunc != nil {
		return m.GetInconsistencyFunc(ctx)
	}
	return nil, nil
}

// ClearInconsistency implements Backend.
func (m *MockBackend) ClearInconsistency(ctx context.Context) error {
	m.mu.Lock()
	m.ClearInconsistencyCalls++
	m.mu.Unlock()

	if m.ClearInconsistencyFunc != nil {
		return m.ClearInconsistencyFunc(ctx)
	}
	return nil
}

// MockBackup is a configurable Backup handle for tests.
type MockBackup struct {
	InfoValue   string
	RestoreFunc func(ctx context.Context) error

	RestoreCalls int
}

// Info implements Backup.
func (b *MockBackup) Info() string { return b.InfoValue }

// Restore implements RestorableBackup.
func (b *MockBackup) Restore(ctx context.Context) error {
	b.RestoreCalls++
	if b.RestoreFunc != nil {
		return b.RestoreFunc(ctx)
	}
	return nil
}

// MockBackupBackend extends MockBackend with the Backuper capability.
type MockBackupBackend struct {
	MockBackend

	// BackupFunc is called by Backup if set.
	BackupFunc func(ctx context.Context, info *migration.Info) (Backup, error)

	// Restorable is the value returned by RestoreSupported.
	Restorable bool

	BackupCalls []*migration.Info
}

// NewMockBackupBackend creates a mock backend with backup support.
func NewMockBackupBackend() *MockBackupBackend {
	return &MockBackupBackend{Restorable: true}
}

// Backup implements Backuper.
func (m *MockBackupBackend) Backup(ctx context.Context, info *migration.Info) (Backup, error) {
	m.mu.Lock()
	m.BackupCalls = append(m.BackupCalls, info)
	m.mu.Unlock()

	if m.BackupFunc != nil {
		return m.BackupFunc(ctx, info)
	}
	return &MockBackup{InfoValue: "mock backup"}, nil
}

// RestoreSupported implements Backuper.
func (m *MockBackupBackend) RestoreSupported() bool { return m.Restorable }

// MockTransaction is a configurable Transaction for tests.
type MockTransaction struct {
	CommitFunc   func(ctx context.Context) error
	RollbackFunc func(ctx context.Context) error

	// RollbackOutcome is reported by RollbackSucceeded when RollbackFunc is
	// not set.
	RollbackOutcome bool

	CommitCalls   int
	RollbackCalls int

	rolledBack bool
}

// Commit implements Transaction.
func (t *MockTransaction) Commit(ctx context.Context) error {
	t.CommitCalls++
	if t.CommitFunc != nil {
		return t.CommitFunc(ctx)
	}
	return nil
}

// Rollback implements Transaction.
func (t *MockTransaction) Rollback(ctx context.Context) error {
	t.RollbackCalls++
	if t.RollbackFunc != nil {
		err := t.RollbackFunc(ctx)
		t.rolledBack = err == nil
		return err
	}
	t.rolledBack = t.RollbackOutcome
	if !t.RollbackOutcome {
		return ErrMockRollback
	}
	return nil
}

// ErrMockRollback is returned by MockTransaction.Rollback when configured to
// fail.
var ErrMockRollback = errors.New("mock rollback failed")

// RollbackSucceeded implements Transaction.
func (t *MockTransaction) RollbackSucceeded() bool { return t.rolledBack }

// MockTxBackend extends MockBackend with the Transactional capability.
type MockTxBackend struct {
	MockBackend

	// BeginFunc is called by Begin if set.
	BeginFunc func(ctx context.Context) (Transaction, error)

	BeginCalls int
}

// NewMockTxBackend creates a mock backend with transaction support.
func NewMockTxBackend() *MockTxBackend {
	return &MockTxBackend{}
}

// Begin implements Transactional.
func (m *MockTxBackend) Begin(ctx context.Context) (Transaction, error) {
	m.mu.Lock()
	m.BeginCalls++
	m.mu.Unlock()

	if m.BeginFunc != nil {
		return m.BeginFunc(ctx)
	}
	return &MockTransaction{RollbackOutcome: true}, nil
}

// MockFullBackend is a mock backend with backup, restore and transaction
// support.
type MockFullBackend struct {
	MockBackupBackend

	// BeginFunc is called by Begin if set.
	BeginFunc func(ctx context.Context) (Transaction, error)

	BeginCalls int
}

// NewMockFullBackend creates a mock backend with the full capability set.
func NewMockFullBackend() *MockFullBackend {
	return &MockFullBackend{MockBackupBackend: MockBackupBackend{Restorable: true}}
}

// Begin implements Transactional.
func (m *MockFullBackend) Begin(ctx context.Context) (Transaction, error) {
	m.mu.Lock()
	m.BeginCalls++
	m.mu.Unlock()

	if m.BeginFunc != nil {
		return m.BeginFunc(ctx)
	}
	return &MockTransaction{RollbackOutcome: true}, nil
}
