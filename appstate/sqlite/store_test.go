package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guludo/svip/appstate"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", Config{BackupsDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func v(t *testing.T, s string) *semver.Version {
	t.Helper()
	version, err := semver.NewVersion(s)
	require.NoError(t, err)
	return version
}

func mustSet(t *testing.T, s *Store, current, target *semver.Version) {
	t.Helper()
	res, err := s.SetVersion(context.Background(), current, target)
	require.NoError(t, err)
	require.True(t, res.Updated)
}

func TestGetVersion_NoTable(t *testing.T) {
	s := newTestStore(t)

	current, target, err := s.GetVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0.0.0", current.String())
	assert.Nil(t, target)
}

func TestSetVersion_ClaimAndClose(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.SetVersion(ctx, v(t, "0.0.0"), v(t, "1.0.0"))
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.Equal(t, "0.0.0", res.CurrentBefore.String())
	assert.Nil(t, res.TargetBefore)

	current, target, err := s.GetVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0", current.String())
	require.NotNil(t, target)
	assert.Equal(t, "1.0.0", target.String())

	res, err = s.SetVersion(ctx, v(t, "1.0.0"), nil)
	require.NoError(t, err)
	assert.True(t, res.Updated)

	current, target, err = s.GetVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", current.String())
	assert.Nil(t, target)
}

func TestSetVersion_Predicate(t *testing.T) {
	// Same exhaustive table as the memory backend's, exercising the predicate
	// as evaluated inside the UPDATE's WHERE clause: every reachable
	// combination of (stored target nil, argument target nil, argument
	// current equal to stored current, argument current equal to stored
	// target) appears below.
	cases := []struct {
		name string
		// stored state before the call; stateCurrent "" means never written
		stateCurrent, stateTarget string
		argCurrent, argTarget     string
		wantUpdated               bool
	}{
		{"claim from fresh store", "", "", "0.0.0", "1.0.0", true},
		{"claim", "1.0.0", "", "1.0.0", "2.0.0", true},
		{"downgrade claim", "2.0.0", "", "2.0.0", "1.0.0", true},
		{"same-version claim", "1.0.0", "", "1.0.0", "1.0.0", true},
		{"claim must not change current", "1.0.0", "", "1.5.0", "2.0.0", false},
		{"claim while migration in progress", "1.0.0", "2.0.0", "1.0.0", "3.0.0", false},
		{"claim presenting the in-flight target", "1.0.0", "2.0.0", "2.0.0", "3.0.0", false},
		{"claim with a stale current while in progress", "1.0.0", "2.0.0", "3.0.0", "4.0.0", false},
		{"reclaim of a same-version claim", "1.0.0", "1.0.0", "1.0.0", "2.0.0", false},
		{"close adopting the target", "1.0.0", "2.0.0", "2.0.0", "", true},
		{"close releasing the claim", "1.0.0", "2.0.0", "1.0.0", "", true},
		{"close to an unrelated version", "1.0.0", "2.0.0", "3.0.0", "", false},
		{"close of a same-version claim", "1.0.0", "1.0.0", "1.0.0", "", false},
		{"no-op write", "1.0.0", "", "1.0.0", "", false},
		{"current change without migration", "1.0.0", "", "2.0.0", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestStore(t)
			ctx := context.Background()
			if tc.stateCurrent != "" {
				// Drive the store into the desired state through valid
				// transitions.
				mustSet(t, s, v(t, "0.0.0"), v(t, tc.stateCurrent))
				mustSet(t, s, v(t, tc.stateCurrent), nil)
				if tc.stateTarget != "" {
					mustSet(t, s, v(t, tc.stateCurrent), v(t, tc.stateTarget))
				}
			}

			var argTarget *semver.Version
			if tc.argTarget != "" {
				argTarget = v(t, tc.argTarget)
			}
			res, err := s.SetVersion(ctx, v(t, tc.argCurrent), argTarget)
			require.NoError(t, err)
			assert.Equal(t, tc.wantUpdated, res.Updated)

			wantCurrent := "0.0.0"
			if tc.stateCurrent != "" {
				wantCurrent = tc.stateCurrent
			}
			assert.Equal(t, wantCurrent, res.CurrentBefore.String())
			if tc.stateTarget == "" {
				assert.Nil(t, res.TargetBefore)
			} else {
				assert.Equal(t, tc.stateTarget, res.TargetBefore.String())
			}

			// A rejected update leaves the row untouched.
			if !tc.wantUpdated {
				current, target, err := s.GetVersion(ctx)
				require.NoError(t, err)
				assert.Equal(t, wantCurrent, current.String())
				if tc.stateTarget == "" {
					assert.Nil(t, target)
				} else {
					assert.Equal(t, tc.stateTarget, target.String())
				}
			}
		})
	}
}

func TestHistory_AppendsOnlyOnSuccessfulClose(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Abort: claim then release without adopting the target.
	mustSet(t, s, v(t, "0.0.0"), v(t, "1.0.0"))
	mustSet(t, s, v(t, "0.0.0"), nil)

	history, err := s.VersionHistory(ctx)
	require.NoError(t, err)
	assert.Empty(t, history)

	// Complete two migrations.
	mustSet(t, s, v(t, "0.0.0"), v(t, "1.0.0"))
	mustSet(t, s, v(t, "1.0.0"), nil)
	mustSet(t, s, v(t, "1.0.0"), v(t, "1.1.0"))
	mustSet(t, s, v(t, "1.1.0"), nil)

	history, err = s.VersionHistory(ctx)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "1.0.0", history[0].Version.String())
	assert.Equal(t, "1.1.0", history[1].Version.String())
	assert.False(t, history[0].At.IsZero())
}

func TestInconsistency_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inc, err := s.GetInconsistency(ctx)
	require.NoError(t, err)
	assert.Nil(t, inc)

	require.NoError(t, s.RegisterInconsistency(ctx, "step failed", "backup at /tmp/b"))

	inc, err = s.GetInconsistency(ctx)
	require.NoError(t, err)
	require.NotNil(t, inc)
	assert.Equal(t, "step failed", inc.Info)
	assert.Equal(t, "backup at /tmp/b", inc.BackupInfo)

	require.NoError(t, s.ClearInconsistency(ctx))
	inc, err = s.GetInconsistency(ctx)
	require.NoError(t, err)
	assert.Nil(t, inc)
}

func TestTransaction_RollbackCoversVersionUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustSet(t, s, v(t, "0.0.0"), v(t, "1.0.0"))

	tx, err := s.Begin(ctx)
	require.NoError(t, err)

	// A step writing through the store, and the close of the migration,
	// both run inside the transaction.
	_, err = s.ExecContext(ctx, `CREATE TABLE app_data (x TEXT)`)
	require.NoError(t, err)
	mustSet(t, s, v(t, "1.0.0"), nil)

	require.NoError(t, tx.Rollback(ctx))
	assert.True(t, tx.RollbackSucceeded())

	// The claim from before the transaction survives; the close does not.
	current, target, err := s.GetVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0", current.String())
	require.NotNil(t, target)
	assert.Equal(t, "1.0.0", target.String())

	var n int
	row := s.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'app_data'`)
	require.NoError(t, row.Scan(&n))
	assert.Zero(t, n)
}

func TestTransaction_CommitKeepsVersionUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustSet(t, s, v(t, "0.0.0"), v(t, "1.0.0"))

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	mustSet(t, s, v(t, "1.0.0"), nil)
	require.NoError(t, tx.Commit(ctx))

	current, target, err := s.GetVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", current.String())
	assert.Nil(t, target)

	history, err := s.VersionHistory(ctx)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "1.0.0", history[0].Version.String())
}

func TestBackup_WritesDatabaseCopy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.db")
	s, err := Open(path, Config{BackupsDir: filepath.Join(dir, "backups")})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	mustSet(t, s, v(t, "0.0.0"), v(t, "1.0.0"))

	backup, err := s.Backup(ctx, nil)
	require.NoError(t, err)
	assert.False(t, s.RestoreSupported())
	assert.Contains(t, backup.Info(), "backup of the database file")

	b, ok := backup.(*Backup)
	require.True(t, ok)
	info, err := os.Stat(b.Path())
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	// The one-way nature of sqlite backups: the handle must not satisfy the
	// restorable capability.
	_, restorable := appstate.Backup(backup).(appstate.RestorableBackup)
	assert.False(t, restorable)
}

func TestBackendCapabilities(t *testing.T) {
	var backend appstate.Backend = newTestStore(t)

	_, ok := backend.(appstate.Backuper)
	assert.True(t, ok)
	_, ok = backend.(appstate.Transactional)
	assert.True(t, ok)
	_, ok = backend.(appstate.Historian)
	assert.True(t, ok)
}
