package migration

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// helperPrefix marks store entries that are helper modules rather than
// migration steps. They are skipped during discovery.
const helperPrefix = "mod_"

// Config holds configuration for a Manager.
type Config struct {
	// Source is the step store to discover and load steps from (required).
	Source Source

	// StepContext is an opaque value handed to one-argument step actions.
	// Use it to share resources such as a database connection with steps.
	StepContext any
}

// Manager discovers, validates, orders and lazily loads migration steps from
// a step store. Discovery runs once per Manager instance, on first use.
type Manager struct {
	source  Source
	stepCtx any

	// Filled by discover. A nil index means the store has not been read yet;
	// the transition is one-way.
	versions []*semver.Version
	names    []string
	index    map[string]int
}

// NewManager creates a Manager over the given step store.
func NewManager(cfg Config) *Manager {
	return &Manager{
		source:  cfg.Source,
		stepCtx: cfg.StepContext,
	}
}

// parseStepName splits a v<version>__<label> entry name into its zero-filled
// version and label.
func parseStepName(name string) (*semver.Version, string, error) {
	if !strings.HasPrefix(name, "v") {
		return nil, "", fmt.Errorf("name must start with 'v'")
	}
	sep := strings.Index(name, "__")
	if sep < 0 {
		return nil, "", fmt.Errorf("name must contain a '__' separator")
	}

	versionStr := name[1:sep]
	label := name[sep+2:]
	if versionStr == "" || label == "" {
		return nil, "", fmt.Errorf("name must contain both a version and a label")
	}

	// NewVersion zero-fills partial versions such as "1" and "1.2".
	version, err := semver.NewVersion(versionStr)
	if err != nil {
		return nil, "", fmt.Errorf("invalid version string %q: %w", versionStr, err)
	}
	if version.Equal(Zero) {
		return nil, "", fmt.Errorf("version 0.0.0 is reserved and not allowed for migration steps")
	}
	return version, label, nil
}

// discover reads the step store once and builds the ordered version index.
func (m *Manager) discover() error {
	if m.index != nil {
		return nil
	}

	entries, err := m.source.List()
	if err != nil {
		return fmt.Errorf("failed to list step store: %w", err)
	}

	type item struct {
		version *semver.Version
		name    string
	}
	items := make([]item, 0, len(entries))
	for _, name := range entries {
		if strings.HasPrefix(name, helperPrefix) {
			continue
		}
		version, _, err := parseStepName(name)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrUnrecognizedScript, name, err)
		}
		items = append(items, item{version: version, name: name})
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].version.LessThan(items[j].version)
	})

	versions := make([]*semver.Version, len(items))
	names := make([]string, len(items))
	index := make(map[string]int, len(items))
	for i, it := range items {
		if i > 0 && it.version.Equal(items[i-1].version) {
			return fmt.Errorf("%w: %s and %s target the same version %s",
				ErrDuplicateVersion, names[i-1], it.name, it.version)
		}
		versions[i] = it.version
		names[i] = it.name
		index[it.version.String()] = i
	}

	m.versions = versions
	m.names = names
	m.index = index
	return nil
}

// KnownVersions returns all step versions in ascending order.
func (m *Manager) KnownVersions() ([]*semver.Version, error) {
	if err := m.discover(); err != nil {
		return nil, err
	}
	out := make([]*semver.Version, len(m.versions))
	copy(out, m.versions)
	return out, nil
}

// LatestMatch returns the highest known version satisfying the NPM-style
// range. It scans from highest to lowest and fails with ErrVersionNotFound
// when nothing matches.
func (m *Manager) LatestMatch(rng *semver.Constraints) (*semver.Version, error) {
	if err := m.discover(); err != nil {
		return nil, err
	}
	for i := len(m.versions) - 1; i >= 0; i-- {
		if rng.Check(m.versions[i]) {
			return m.versions[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no migration step matches range %s", ErrVersionNotFound, rng)
}

// Versions returns the version sequence between current and target: the
// versions strictly after current up to and including target (ascending) for
// an upgrade, or down to and including the version right after target
// (descending) for a downgrade. Zero is a valid sentinel for "before the
// first version"; any other endpoint must exist in the index, even when
// current equals target.
func (m *Manager) Versions(current, target *semver.Version) ([]*semver.Version, error) {
	if err := m.discover(); err != nil {
		return nil, err
	}

	if !current.Equal(Zero) {
		if _, ok := m.index[current.String()]; !ok {
			return nil, fmt.Errorf("%w: no migration step for version %s", ErrVersionNotFound, current)
		}
	}
	if !target.Equal(Zero) {
		if _, ok := m.index[target.String()]; !ok {
			return nil, fmt.Errorf("%w: no migration step for version %s", ErrVersionNotFound, target)
		}
	}

	if current.Equal(target) {
		return nil, nil
	}

	lo, hi := current, target
	ascending := true
	if current.GreaterThan(target) {
		lo, hi = target, current
		ascending = false
	}

	start := 0
	if !lo.Equal(Zero) {
		start = m.index[lo.String()] + 1
	}
	end := m.index[hi.String()] + 1

	result := make([]*semver.Version, 0, end-start)
	if ascending {
		for i := start; i < end; i++ {
			result = append(result, m.versions[i])
		}
	} else {
		for i := end - 1; i >= start; i-- {
			result = append(result, m.versions[i])
		}
	}
	return result, nil
}

// Steps returns the lazy sequence of steps that migrate the schema from
// current to target. Steps are loaded and validated one at a time as the
// sequence is consumed; a malformed step later in the sequence does not
// abort steps already yielded. The sequence is single-pass; call Steps again
// to restart it.
func (m *Manager) Steps(current, target *semver.Version) (*StepSequence, error) {
	versions, err := m.Versions(current, target)
	if err != nil {
		return nil, err
	}

	direction := Up
	if current.GreaterThan(target) {
		direction = Down
	}
	return &StepSequence{
		manager:   m,
		versions:  versions,
		direction: direction,
	}, nil
}

// StepSequence is a single-pass iterator over the steps of one migration.
type StepSequence struct {
	manager   *Manager
	versions  []*semver.Version
	direction Direction
	pos       int
}

// Direction reports whether the sequence upgrades or downgrades.
func (s *StepSequence) Direction() Direction {
	return s.direction
}

// Len returns the number of steps in the sequence.
func (s *StepSequence) Len() int {
	return len(s.versions)
}

// Next loads and returns the next step, or (nil, nil) when the sequence is
// exhausted. Loading validates the step's actions and metadata; on a
// downgrade, a step without a down action fails with IrreversibleStepError.
func (s *StepSequence) Next() (*Step, error) {
	if s.pos >= len(s.versions) {
		return nil, nil
	}
	version := s.versions[s.pos]
	s.pos++

	i := s.manager.index[version.String()]
	name := s.manager.names[i]

	def, err := s.manager.source.Load(name)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load step %s: %v", ErrInvalidStepSource, name, err)
	}

	step, err := loadStep(name, version, def, s.manager.stepCtx)
	if err != nil {
		return nil, err
	}
	if s.direction == Down && !step.HasDown() {
		return nil, &IrreversibleStepError{Version: version, Name: name}
	}
	return step, nil
}

// Drain consumes the rest of the sequence, returning all remaining steps.
// It validates every step before any of them runs, which is how the
// orchestrator guarantees that an irreversible or malformed step aborts a
// migration before the first action is invoked.
func (s *StepSequence) Drain() ([]*Step, error) {
	steps := make([]*Step, 0, len(s.versions)-s.pos)
	for {
		step, err := s.Next()
		if err != nil {
			return nil, err
		}
		if step == nil {
			return steps, nil
		}
		steps = append(steps, step)
	}
}

// NewStepScript computes the next version after the latest known one using
// the given bump, materializes an empty step script in the store, and appends
// the new version to the in-memory index so subsequent calls observe it
// without re-reading the store. The store must be a WritableSource.
func (m *Manager) NewStepScript(name string, bump Bump) (string, *semver.Version, error) {
	ws, ok := m.source.(WritableSource)
	if !ok {
		return "", nil, ErrSourceNotWritable
	}
	if err := m.discover(); err != nil {
		return "", nil, err
	}

	latest := Zero
	if len(m.versions) > 0 {
		latest = m.versions[len(m.versions)-1]
	}

	var next semver.Version
	switch bump {
	case BumpMajor:
		next = latest.IncMajor()
	case BumpMinor:
		next = latest.IncMinor()
	case BumpPatch:
		next = latest.IncPatch()
	default:
		return "", nil, fmt.Errorf("unhandled bump type: %d", bump)
	}

	pkg := "migrations"
	if ds, ok := m.source.(*DirSource); ok {
		pkg = ds.PackageName()
	}

	entryName := fmt.Sprintf("v%s__%s", next.String(), strings.ReplaceAll(name, " ", "-"))
	path, err := ws.Create(entryName, stepTemplate(pkg, entryName, &next))
	if err != nil {
		return "", nil, err
	}

	m.index[next.String()] = len(m.versions)
	m.versions = append(m.versions, &next)
	m.names = append(m.names, entryName)

	return path, &next, nil
}
