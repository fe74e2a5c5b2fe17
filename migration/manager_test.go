package migration

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopDef() Definition {
	return Definition{
		Up:   func() error { return nil },
		Down: func() error { return nil },
	}
}

func registryWith(t *testing.T, names ...string) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, name := range names {
		require.NoError(t, r.Register(name, noopDef()))
	}
	return r
}

func managerWith(t *testing.T, names ...string) *Manager {
	t.Helper()
	return NewManager(Config{Source: registryWith(t, names...)})
}

func v(t *testing.T, s string) *semver.Version {
	t.Helper()
	version, err := semver.NewVersion(s)
	require.NoError(t, err)
	return version
}

func TestKnownVersions_OrderedAndZeroFilled(t *testing.T) {
	m := managerWith(t,
		"v2.65.921__big-jump",
		"v0.0.1__init",
		"v0.1__minor", // partial versions zero-fill
		"v0.0.2__more",
	)

	versions, err := m.KnownVersions()
	require.NoError(t, err)

	got := make([]string, len(versions))
	for i, version := range versions {
		got[i] = version.String()
	}
	assert.Equal(t, []string{"0.0.1", "0.0.2", "0.1.0", "2.65.921"}, got)
}

func TestDiscovery_SkipsHelperModules(t *testing.T) {
	m := managerWith(t, "v1.0.0__init", "mod_helpers", "mod_not a step at all")

	versions, err := m.KnownVersions()
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "1.0.0", versions[0].String())
}

func TestDiscovery_UnrecognizedNames(t *testing.T) {
	cases := []string{
		"init",            // no v prefix
		"v1.0.0-init",     // no separator
		"v__init",         // no version
		"v1.0.0__",        // no label
		"vnonsense__init", // unparsable version
	}
	for _, name := range cases {
		t.Run(name, func(t *testing.T) {
			m := managerWith(t, name)
			_, err := m.KnownVersions()
			assert.ErrorIs(t, err, ErrUnrecognizedScript)
		})
	}
}

func TestDiscovery_RejectsVersionZero(t *testing.T) {
	for _, name := range []string{"v0.0.0__bad", "v0__bad", "v0.0__bad"} {
		t.Run(name, func(t *testing.T) {
			m := managerWith(t, name)
			_, err := m.KnownVersions()
			assert.ErrorIs(t, err, ErrUnrecognizedScript)
		})
	}
}

func TestDiscovery_RejectsDuplicateVersions(t *testing.T) {
	// 1, 1.0 and 1.0.0 all denote the same version.
	m := managerWith(t, "v1.0.0__first", "v1.0__second")

	_, err := m.KnownVersions()
	assert.ErrorIs(t, err, ErrDuplicateVersion)
}

func specVersions() []string {
	return []string{
		"v0.0.1__one",
		"v0.0.2__two",
		"v0.1.0__three",
		"v0.1.2__four",
		"v0.1.15__five",
		"v2.65.921__six",
	}
}

func TestLatestMatch(t *testing.T) {
	m := managerWith(t, specVersions()...)

	cases := []struct {
		rng  string
		want string
	}{
		{"*", "2.65.921"},
		{"~0.1", "0.1.15"},
		{"^0.1.1", "0.1.15"},
		{"<0.1.0", "0.0.2"},
		{"0.0.1", "0.0.1"},
	}
	for _, tc := range cases {
		t.Run(tc.rng, func(t *testing.T) {
			rng, err := semver.NewConstraint(tc.rng)
			require.NoError(t, err)
			got, err := m.LatestMatch(rng)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.String())
		})
	}
}

func TestLatestMatch_NoMatch(t *testing.T) {
	m := managerWith(t, specVersions()...)

	rng, err := semver.NewConstraint(">=3.0.0")
	require.NoError(t, err)
	_, err = m.LatestMatch(rng)
	assert.ErrorIs(t, err, ErrVersionNotFound)
}

func TestVersions(t *testing.T) {
	m := managerWith(t, specVersions()...)

	cases := []struct {
		name             string
		current, target  string
		want             []string
	}{
		{"full upgrade", "0.0.0", "2.65.921",
			[]string{"0.0.1", "0.0.2", "0.1.0", "0.1.2", "0.1.15", "2.65.921"}},
		{"full downgrade", "2.65.921", "0.0.0",
			[]string{"2.65.921", "0.1.15", "0.1.2", "0.1.0", "0.0.2", "0.0.1"}},
		{"partial upgrade", "0.0.2", "0.1.15",
			[]string{"0.1.0", "0.1.2", "0.1.15"}},
		{"partial downgrade", "0.1.15", "0.0.2",
			[]string{"0.1.15", "0.1.2", "0.1.0"}},
		{"single step up", "0.1.2", "0.1.15", []string{"0.1.15"}},
		{"no-op", "0.1.2", "0.1.2", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			versions, err := m.Versions(v(t, tc.current), v(t, tc.target))
			require.NoError(t, err)
			var got []string
			for _, version := range versions {
				got = append(got, version.String())
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestVersions_UnknownEndpoints(t *testing.T) {
	m := managerWith(t, specVersions()...)

	_, err := m.Versions(v(t, "0.0.3"), v(t, "2.65.921"))
	assert.ErrorIs(t, err, ErrVersionNotFound)

	_, err = m.Versions(v(t, "0.0.1"), v(t, "1.0.0"))
	assert.ErrorIs(t, err, ErrVersionNotFound)

	// Membership is checked even when current and target are equal.
	_, err = m.Versions(v(t, "1.2.3"), v(t, "1.2.3"))
	assert.ErrorIs(t, err, ErrVersionNotFound)

	// The zero version is a valid sentinel for "before the first version".
	versions, err := m.Versions(Zero, v(t, "0.0.1"))
	require.NoError(t, err)
	require.Len(t, versions, 1)
}

func TestSteps_RunsInOrder(t *testing.T) {
	var ran []string
	r := NewRegistry()
	for _, name := range []string{"v0.0.1__a", "v0.0.2__b", "v0.1.0__c"} {
		name := name
		require.NoError(t, r.Register(name, Definition{
			Up:   func() error { ran = append(ran, "up "+name); return nil },
			Down: func() error { ran = append(ran, "down "+name); return nil },
		}))
	}
	m := NewManager(Config{Source: r})

	seq, err := m.Steps(Zero, v(t, "0.1.0"))
	require.NoError(t, err)
	assert.Equal(t, Up, seq.Direction())
	assert.Equal(t, 3, seq.Len())

	steps, err := seq.Drain()
	require.NoError(t, err)
	for _, step := range steps {
		require.NoError(t, step.Run(seq.Direction()))
	}
	assert.Equal(t, []string{"up v0.0.1__a", "up v0.0.2__b", "up v0.1.0__c"}, ran)

	ran = nil
	seq, err = m.Steps(v(t, "0.1.0"), Zero)
	require.NoError(t, err)
	assert.Equal(t, Down, seq.Direction())
	steps, err = seq.Drain()
	require.NoError(t, err)
	for _, step := range steps {
		require.NoError(t, step.Run(seq.Direction()))
	}
	assert.Equal(t, []string{"down v0.1.0__c", "down v0.0.2__b", "down v0.0.1__a"}, ran)
}

func TestSteps_LazyLoading(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("v0.0.1__good", noopDef()))
	require.NoError(t, r.Register("v0.0.2__bad", Definition{Up: "not a function"}))
	m := NewManager(Config{Source: r})

	seq, err := m.Steps(Zero, v(t, "0.0.2"))
	require.NoError(t, err)

	// The malformed step does not prevent yielding the one before it.
	step, err := seq.Next()
	require.NoError(t, err)
	assert.Equal(t, "v0.0.1__good", step.Name)

	_, err = seq.Next()
	assert.ErrorIs(t, err, ErrInvalidStepSource)
}

func TestSteps_Exhaustion(t *testing.T) {
	m := managerWith(t, "v0.0.1__only")

	seq, err := m.Steps(Zero, v(t, "0.0.1"))
	require.NoError(t, err)

	step, err := seq.Next()
	require.NoError(t, err)
	require.NotNil(t, step)

	step, err = seq.Next()
	require.NoError(t, err)
	assert.Nil(t, step)
}

func TestSteps_StepContext(t *testing.T) {
	type conn struct{ used bool }
	c := &conn{}

	r := NewRegistry()
	require.NoError(t, r.Register("v0.0.1__ctx", Definition{
		Up: func(ctx any) error {
			ctx.(*conn).used = true
			return nil
		},
	}))
	m := NewManager(Config{Source: r, StepContext: c})

	seq, err := m.Steps(Zero, v(t, "0.0.1"))
	require.NoError(t, err)
	step, err := seq.Next()
	require.NoError(t, err)

	require.NoError(t, step.Up())
	assert.True(t, c.used)
}

func TestSteps_MissingUp(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("v0.0.1__noup", Definition{Down: func() error { return nil }}))
	m := NewManager(Config{Source: r})

	seq, err := m.Steps(Zero, v(t, "0.0.1"))
	require.NoError(t, err)
	_, err = seq.Next()
	assert.ErrorIs(t, err, ErrInvalidStepSource)
}

func TestSteps_BadActionArity(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("v0.0.1__arity", Definition{
		Up: func(a, b any) error { return nil },
	}))
	m := NewManager(Config{Source: r})

	seq, err := m.Steps(Zero, v(t, "0.0.1"))
	require.NoError(t, err)
	_, err = seq.Next()
	assert.ErrorIs(t, err, ErrInvalidStepSource)
}

func TestSteps_BadMetadata(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("v0.0.1__meta", Definition{
		Up:       func() error { return nil },
		Metadata: "free-form text",
	}))
	m := NewManager(Config{Source: r})

	seq, err := m.Steps(Zero, v(t, "0.0.1"))
	require.NoError(t, err)
	_, err = seq.Next()
	assert.ErrorIs(t, err, ErrInvalidStepSource)
}

func TestSteps_Metadata(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("v0.0.1__meta", Definition{
		Up:       func() error { return nil },
		Metadata: map[string]any{"description": "adds the users index"},
	}))
	m := NewManager(Config{Source: r})

	seq, err := m.Steps(Zero, v(t, "0.0.1"))
	require.NoError(t, err)
	step, err := seq.Next()
	require.NoError(t, err)
	assert.Equal(t, "adds the users index", step.Metadata["description"])
}

func TestSteps_IrreversibleStepOnDowngrade(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("v0.0.1__first", noopDef()))
	require.NoError(t, r.Register("v0.0.2__one-way", Definition{
		Up: func() error { return nil },
	}))
	m := NewManager(Config{Source: r})

	// Fine on the way up.
	seq, err := m.Steps(Zero, v(t, "0.0.2"))
	require.NoError(t, err)
	_, err = seq.Drain()
	require.NoError(t, err)

	// Refused on the way down.
	seq, err = m.Steps(v(t, "0.0.2"), Zero)
	require.NoError(t, err)
	_, err = seq.Drain()

	var irr *IrreversibleStepError
	require.ErrorAs(t, err, &irr)
	assert.Equal(t, "0.0.2", irr.Version.String())
	assert.Equal(t, "v0.0.2__one-way", irr.Name)
}

func writeStepFile(t *testing.T, dir, stem string) {
	t.Helper()
	err := os.WriteFile(filepath.Join(dir, stem+".go"), []byte("package migrations\n"), 0o600)
	require.NoError(t, err)
}

func TestDirSource_ListsGoFileStems(t *testing.T) {
	dir := t.TempDir()
	writeStepFile(t, dir, "v0.0.1__init")
	writeStepFile(t, dir, "mod_helpers")
	writeStepFile(t, dir, "v0.0.1__init_test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("x"), 0o600))

	source, err := NewDirSource(dir)
	require.NoError(t, err)

	names, err := source.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"v0.0.1__init", "mod_helpers"}, names)
}

func TestDirSource_MissingDirectory(t *testing.T) {
	_, err := NewDirSource(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestDirSource_StrayFileFailsDiscovery(t *testing.T) {
	dir := t.TempDir()
	writeStepFile(t, dir, "v0.0.1__init")
	writeStepFile(t, dir, "scratch") // not a step, not a helper

	r := registryWith(t, "v0.0.1__init")
	source, err := NewDirSource(dir, WithRegistry(r))
	require.NoError(t, err)
	m := NewManager(Config{Source: source})

	_, err = m.KnownVersions()
	assert.ErrorIs(t, err, ErrUnrecognizedScript)
}

func TestNewStepScript(t *testing.T) {
	dir := t.TempDir()
	writeStepFile(t, dir, "v0.1.2__existing")

	r := registryWith(t, "v0.1.2__existing")
	source, err := NewDirSource(dir, WithRegistry(r))
	require.NoError(t, err)
	m := NewManager(Config{Source: source})

	path, version, err := m.NewStepScript("add users index", BumpMinor)
	require.NoError(t, err)
	assert.Equal(t, "0.2.0", version.String())
	assert.Equal(t, filepath.Join(dir, "v0.2.0__add-users-index.go"), path)

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "package migrations")
	assert.Contains(t, string(contents), `"v0.2.0__add-users-index"`)

	// The new version is visible without re-reading the store.
	rng, err := semver.NewConstraint("*")
	require.NoError(t, err)
	latest, err := m.LatestMatch(rng)
	require.NoError(t, err)
	assert.Equal(t, "0.2.0", latest.String())
}

func TestNewStepScript_Bumps(t *testing.T) {
	cases := []struct {
		bump Bump
		want string
	}{
		{BumpMajor, "2.0.0"},
		{BumpMinor, "1.3.0"},
		{BumpPatch, "1.2.4"},
	}
	for _, tc := range cases {
		t.Run(tc.want, func(t *testing.T) {
			dir := t.TempDir()
			writeStepFile(t, dir, "v1.2.3__existing")
			r := registryWith(t, "v1.2.3__existing")
			source, err := NewDirSource(dir, WithRegistry(r))
			require.NoError(t, err)
			m := NewManager(Config{Source: source})

			_, version, err := m.NewStepScript("step", tc.bump)
			require.NoError(t, err)
			assert.Equal(t, tc.want, version.String())
		})
	}
}

func TestNewStepScript_EmptyStore(t *testing.T) {
	source, err := NewDirSource(t.TempDir(), WithRegistry(NewRegistry()))
	require.NoError(t, err)
	m := NewManager(Config{Source: source})

	_, version, err := m.NewStepScript("first", BumpPatch)
	require.NoError(t, err)
	assert.Equal(t, "0.0.1", version.String())
}

func TestNewStepScript_RequiresWritableSource(t *testing.T) {
	m := managerWith(t, "v0.0.1__init")

	_, _, err := m.NewStepScript("next", BumpPatch)
	assert.ErrorIs(t, err, ErrSourceNotWritable)
}

func TestDirSource_CreateRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	source, err := NewDirSource(dir)
	require.NoError(t, err)

	_, err = source.Create("v0.0.1__x", []byte("package migrations\n"))
	require.NoError(t, err)
	_, err = source.Create("v0.0.1__x", []byte("package migrations\n"))
	assert.Error(t, err)
}

func TestRegistry_DuplicateName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("v0.0.1__x", noopDef()))
	err := r.Register("v0.0.1__x", noopDef())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "already registered"))
}

func TestRegistry_LoadUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Load("v9.9.9__missing")
	assert.Error(t, err)
}

func TestStepTemplate_GeneratedActionsFail(t *testing.T) {
	// The scaffold registers actions that fail until implemented; make sure
	// the rendered source carries that shape.
	contents := string(stepTemplate("migrations", "v1.0.0__x", v(t, "1.0.0")))
	assert.Contains(t, contents, "migration.Register")
	assert.Contains(t, contents, "errors.New")
}
