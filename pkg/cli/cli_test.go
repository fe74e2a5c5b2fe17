package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guludo/svip/appstate/memory"
	"github.com/guludo/svip/metrics"
	"github.com/guludo/svip/migration"
)

func stepFiles(t *testing.T, stems ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, stem := range stems {
		err := os.WriteFile(filepath.Join(dir, stem+".go"), []byte("package migrations\n"), 0o600)
		require.NoError(t, err)
	}
	return dir
}

func noopRegistry(t *testing.T, names ...string) *migration.Registry {
	t.Helper()
	r := migration.NewRegistry()
	for _, name := range names {
		require.NoError(t, r.Register(name, migration.Definition{
			Up:   func() error { return nil },
			Down: func() error { return nil },
		}))
	}
	return r
}

func run(t *testing.T, opts Options, args ...string) (string, error) {
	t.Helper()
	root := New(opts)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestMatchCommand(t *testing.T) {
	dir := stepFiles(t, "v0.0.1__a", "v0.1.0__b", "v1.0.0__c")
	opts := Options{Registry: noopRegistry(t, "v0.0.1__a", "v0.1.0__b", "v1.0.0__c")}

	out, err := run(t, opts, "match", "~0.0", "--migrations-dir", dir)
	require.NoError(t, err)
	assert.Equal(t, "0.0.1\n", out)

	_, err = run(t, opts, "match", ">=2.0", "--migrations-dir", dir)
	assert.ErrorIs(t, err, migration.ErrVersionNotFound)
}

func TestStepsCommand(t *testing.T) {
	dir := stepFiles(t, "v0.0.1__a", "v0.1.0__b")
	opts := Options{Registry: noopRegistry(t, "v0.0.1__a", "v0.1.0__b")}

	out, err := run(t, opts, "steps", "--migrations-dir", dir)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "0.0.1")
	assert.Contains(t, lines[0], "up")
	assert.Contains(t, lines[1], "0.1.0")
}

func TestMigrateStatusCheckHistory(t *testing.T) {
	dir := stepFiles(t, "v0.0.1__a", "v0.1.0__b")
	backend := memory.New()
	opts := Options{
		Backend:  backend,
		Registry: noopRegistry(t, "v0.0.1__a", "v0.1.0__b"),
	}

	_, err := run(t, opts, "migrate", "--migrations-dir", dir)
	require.NoError(t, err)

	out, err := run(t, opts, "status", "--migrations-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "current version: 0.1.0")

	out, err = run(t, opts, "check", "~0.1", "--migrations-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "ok")

	out, err = run(t, opts, "history", "--migrations-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "0.1.0")
}

func TestMigrateCommand_TargetFlag(t *testing.T) {
	dir := stepFiles(t, "v0.0.1__a", "v0.1.0__b")
	backend := memory.New()
	opts := Options{
		Backend:  backend,
		Registry: noopRegistry(t, "v0.0.1__a", "v0.1.0__b"),
	}

	_, err := run(t, opts, "migrate", "--target", "0.0.1", "--migrations-dir", dir)
	require.NoError(t, err)

	out, err := run(t, opts, "status", "--migrations-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "current version: 0.0.1")
}

func TestBackupCommand(t *testing.T) {
	dir := stepFiles(t)
	opts := Options{Backend: memory.New(), Registry: migration.NewRegistry()}

	out, err := run(t, opts, "backup", "--migrations-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "in-memory snapshot")
}

func TestNewCommand(t *testing.T) {
	dir := stepFiles(t, "v0.1.0__existing")
	opts := Options{Registry: noopRegistry(t, "v0.1.0__existing")}

	out, err := run(t, opts, "new", "add users index", "--bump", "minor", "--migrations-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "v0.2.0__add-users-index.go")

	_, err = os.Stat(filepath.Join(dir, "v0.2.0__add-users-index.go"))
	assert.NoError(t, err)
}

func TestStatusCommand_Inconsistency(t *testing.T) {
	dir := stepFiles(t)
	backend := memory.New()
	require.NoError(t, backend.RegisterInconsistency(context.Background(), "step failed", "backup at /tmp/b"))
	opts := Options{Backend: backend, Registry: migration.NewRegistry()}

	out, err := run(t, opts, "status", "--migrations-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "INCONSISTENT")
	assert.Contains(t, out, "backup at /tmp/b")

	metrics.SetInconsistent(true)
	_, err = run(t, opts, "clear-inconsistency", "--migrations-dir", dir)
	require.NoError(t, err)

	inc, err := backend.GetInconsistency(context.Background())
	require.NoError(t, err)
	assert.Nil(t, inc)

	// Clearing the flag also resets the gauge.
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.InconsistentState))
}

func TestUnknownDriver(t *testing.T) {
	dir := stepFiles(t)
	_, err := run(t, Options{Registry: migration.NewRegistry()},
		"status", "--driver", "oracle", "--migrations-dir", dir)
	assert.Error(t, err)
}
