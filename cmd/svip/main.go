// Command svip manages schema migrations of an application state store.
//
// This binary only knows about migration step files compiled into it, so it
// is mostly useful for inspecting state (status, history, check, match) and
// for taking backups. Applications with migration steps build their own
// command with cli.New, importing the package their steps register
// themselves in.
package main

import (
	"fmt"
	"os"

	"github.com/guludo/svip/pkg/cli"
)

func main() {
	root := cli.New(cli.Options{})
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
