package migration

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

var (
	// ErrVersionNotFound indicates no migration step exists for a requested
	// version or version range.
	ErrVersionNotFound = errors.New("version not found")

	// ErrInvalidStepSource indicates a step definition is malformed: a
	// missing or badly typed up/down action, non-string-keyed metadata, or a
	// directory entry with no registered definition.
	ErrInvalidStepSource = errors.New("invalid step source")

	// ErrUnrecognizedScript indicates the step store contains an entry that
	// matches neither the step-name pattern nor the helper-module naming
	// convention. A mistyped step name must never be silently skipped.
	ErrUnrecognizedScript = errors.New("unrecognized script in step store")

	// ErrDuplicateVersion indicates two step entries resolve to the same
	// target version.
	ErrDuplicateVersion = errors.New("duplicate step version")

	// ErrSourceNotWritable indicates the step source cannot materialize new
	// step scripts.
	ErrSourceNotWritable = errors.New("step source does not support creating scripts")
)

// IrreversibleStepError indicates a downgrade passes through a step that does
// not define a down action.
type IrreversibleStepError struct {
	// Version is the target version of the offending step.
	Version *semver.Version

	// Name is the step entry's name in the store.
	Name string
}

func (e *IrreversibleStepError) Error() string {
	return fmt.Sprintf("downgrade is not possible: step %s (version %s) does not define a down action", e.Name, e.Version)
}
