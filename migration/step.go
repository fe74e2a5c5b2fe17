package migration

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Definition is the raw, registered form of a migration step.
//
// Up and Down hold the step's actions. An action must be either a func() error
// or a func(ctx any) error; the one-argument form receives the opaque context
// value configured on the Manager (e.g. a database connection shared with
// steps). Up is mandatory, Down is optional: a step without Down cannot be
// downgraded through.
//
// Metadata, if set, must be a map[string]any.
type Definition struct {
	Up       any
	Down     any
	Metadata any
}

// Step is a loaded migration step bound to one target version. Steps are
// produced by Manager.Steps for the duration of a single migration run and
// are never persisted.
type Step struct {
	// Version is the schema version this step migrates to.
	Version *semver.Version

	// Name is the step entry's name in the store.
	Name string

	// Metadata holds the step's optional descriptive metadata.
	Metadata map[string]any

	up   func() error
	down func() error
}

// Up runs the step's upgrade action.
func (s *Step) Up() error {
	return s.up()
}

// Down runs the step's downgrade action. HasDown must be consulted first;
// calling Down on an irreversible step panics.
func (s *Step) Down() error {
	return s.down()
}

// HasDown reports whether the step defines a downgrade action.
func (s *Step) HasDown() bool {
	return s.down != nil
}

// Run executes the step's action for the given direction.
func (s *Step) Run(dir Direction) error {
	if dir == Down {
		return s.Down()
	}
	return s.Up()
}

// bindAction validates an action value and binds it to the step context.
// Accepted shapes are func() error and func(any) error.
func bindAction(action any, stepCtx any) (func() error, error) {
	switch fn := action.(type) {
	case func() error:
		return fn, nil
	case func(any) error:
		return func() error { return fn(stepCtx) }, nil
	default:
		return nil, fmt.Errorf("action must be func() error or func(any) error, got %T", action)
	}
}

// loadStep validates a definition and binds it into a runnable Step.
func loadStep(name string, version *semver.Version, def Definition, stepCtx any) (*Step, error) {
	step := &Step{
		Version:  version,
		Name:     name,
		Metadata: map[string]any{},
	}

	if def.Up == nil {
		return nil, fmt.Errorf("%w: step %s is missing the up action", ErrInvalidStepSource, name)
	}
	up, err := bindAction(def.Up, stepCtx)
	if err != nil {
		return nil, fmt.Errorf("%w: up action of step %s: %v", ErrInvalidStepSource, name, err)
	}
	step.up = up

	if def.Down != nil {
		down, err := bindAction(def.Down, stepCtx)
		if err != nil {
			return nil, fmt.Errorf("%w: down action of step %s: %v", ErrInvalidStepSource, name, err)
		}
		step.down = down
	}

	if def.Metadata != nil {
		metadata, ok := def.Metadata.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: metadata of step %s must be a map[string]any, got %T", ErrInvalidStepSource, name, def.Metadata)
		}
		for k, v := range metadata {
			step.Metadata[k] = v
		}
	}

	return step, nil
}
