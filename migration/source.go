package migration

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Source is a step store: a set of named, versioned step definitions.
//
// List returns the names of all entries in the store. Names follow the
// v<version>__<label> grammar; helper entries use the mod_ prefix and are
// skipped during discovery. Load resolves one entry's definition.
type Source interface {
	List() ([]string, error)
	Load(name string) (Definition, error)
}

// WritableSource is a Source that can materialize new step scripts.
// Implemented by DirSource; consulted by Manager.NewStepScript.
type WritableSource interface {
	Source
	Create(name string, contents []byte) (path string, err error)
}

// Registry holds step definitions registered at build time, keyed by their
// store entry name. It is the Go rendition of a directory of step scripts:
// each step is an ordinary compiled function registered under a versioned
// name instead of source text loaded at run time.
type Registry struct {
	mu    sync.RWMutex
	names []string
	defs  map[string]Definition
}

// NewRegistry creates an empty step registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds a step definition under a versioned name such as
// "v1.2.0__add_users_index". Registering a name twice is an error.
func (r *Registry) Register(name string, def Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[name]; exists {
		return fmt.Errorf("step %q is already registered", name)
	}
	r.defs[name] = def
	r.names = append(r.names, name)
	return nil
}

// MustRegister is Register but panics on error. Intended for use from init
// functions of step definition files.
func (r *Registry) MustRegister(name string, def Definition) {
	if err := r.Register(name, def); err != nil {
		panic(err)
	}
}

// List implements Source. Names are returned in registration order; the
// Manager orders them by version during discovery.
func (r *Registry) List() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.names))
	copy(names, r.names)
	return names, nil
}

// Load implements Source.
func (r *Registry) Load(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("no step definition registered for %q", name)
	}
	return def, nil
}

// DefaultRegistry is the registry used by the package-level Register and by
// sources constructed without an explicit registry.
var DefaultRegistry = NewRegistry()

// Register registers a step definition in DefaultRegistry, panicking on a
// duplicate name. It is meant to be called from init functions:
//
//	func init() {
//	    migration.Register("v1.2.0__add_users_index", migration.Definition{
//	        Up:   func(ctx any) error { ... },
//	        Down: func(ctx any) error { ... },
//	    })
//	}
func Register(name string, def Definition) {
	DefaultRegistry.MustRegister(name, def)
}

// DirSource pairs a directory of step script files with a registry of
// compiled definitions. Listing reflects the directory contents so that a
// mistyped file name is caught by discovery, while definitions themselves are
// resolved from the registry by the file's stem name.
type DirSource struct {
	dir      string
	registry *Registry
	pkg      string
}

// DirSourceOption configures a DirSource.
type DirSourceOption func(*DirSource)

// WithRegistry sets the registry backing the source. Defaults to
// DefaultRegistry.
func WithRegistry(r *Registry) DirSourceOption {
	return func(s *DirSource) { s.registry = r }
}

// WithPackageName sets the package name used in generated step script
// templates. Defaults to "migrations".
func WithPackageName(pkg string) DirSourceOption {
	return func(s *DirSource) { s.pkg = pkg }
}

// NewDirSource creates a source over a directory of step script files.
func NewDirSource(dir string, opts ...DirSourceOption) (*DirSource, error) {
	stat, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat step directory: %w", err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("step directory %s is not a directory", dir)
	}

	s := &DirSource{
		dir:      dir,
		registry: DefaultRegistry,
		pkg:      "migrations",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// List implements Source. It returns the stem names of the directory's .go
// files, excluding tests. Non-Go files are ignored.
func (s *DirSource) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read step directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		names = append(names, strings.TrimSuffix(name, ".go"))
	}
	return names, nil
}

// Load implements Source by resolving the definition registered under the
// file's stem name.
func (s *DirSource) Load(name string) (Definition, error) {
	return s.registry.Load(name)
}

// Create implements WritableSource by writing a step script file into the
// directory.
func (s *DirSource) Create(name string, contents []byte) (string, error) {
	path := filepath.Join(s.dir, name+".go")
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("step script %s already exists", path)
	}
	if err := os.WriteFile(path, contents, 0o600); err != nil {
		return "", fmt.Errorf("failed to write step script: %w", err)
	}
	return path, nil
}

// PackageName returns the package name used for generated step scripts.
func (s *DirSource) PackageName() string {
	return s.pkg
}
