package migration

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// stepTemplate renders the contents of a freshly created step script. The
// generated file registers an unimplemented definition so that a forgotten
// step fails loudly instead of silently migrating nothing.
func stepTemplate(pkg, entryName string, version *semver.Version) []byte {
	return fmt.Appendf(nil, `// Migration step for version %s of the application's schema.
package %s

import (
	"errors"

	"github.com/guludo/svip/migration"
)

func init() {
	migration.Register(%q, migration.Definition{
		Up: func(ctx any) error {
			return errors.New("migration step %s is not implemented")
		},
		// Remove Down if this step is not reversible.
		Down: func(ctx any) error {
			return errors.New("migration step %s is not implemented")
		},
	})
}
`, version, pkg, entryName, version, version)
}
