package migration

import (
	"github.com/Masterminds/semver/v3"
)

// Zero is the schema version of an application state that never had a
// migration applied. Migration steps must never target it.
var Zero = semver.MustParse("0.0.0")

// Direction indicates whether a migration raises or lowers the schema version.
type Direction string

const (
	// Up indicates an upgrade towards a higher schema version.
	Up Direction = "up"

	// Down indicates a downgrade towards a lower schema version.
	Down Direction = "down"
)

// Bump selects which component of a version is incremented when a new
// migration step script is created.
type Bump int

const (
	// BumpMajor increments the major component of the latest version.
	BumpMajor Bump = iota

	// BumpMinor increments the minor component of the latest version.
	BumpMinor

	// BumpPatch increments the patch component of the latest version.
	BumpPatch
)

// Info is a read-only snapshot of a migration attempt. It is created when a
// migration is claimed and handed to backup machinery and steps; it is never
// persisted.
type Info struct {
	// Current is the schema version prior to the migration.
	Current *semver.Version

	// Target is the schema version the migration is moving to.
	Target *semver.Version
}
