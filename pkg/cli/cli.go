// Package cli provides a ready-made cobra command tree exposing migration
// operations. Applications compile their migration step files into the same
// binary (the steps register themselves in a migration.Registry at init
// time) and mount the command returned by New under their root command, or
// use it directly as the root.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/spf13/cobra"

	"github.com/guludo/svip"
	"github.com/guludo/svip/appstate"
	"github.com/guludo/svip/appstate/memory"
	"github.com/guludo/svip/appstate/mysql"
	"github.com/guludo/svip/appstate/postgres"
	"github.com/guludo/svip/appstate/sqlite"
	"github.com/guludo/svip/metrics"
	"github.com/guludo/svip/migration"
)

// Options configures the command tree returned by New.
type Options struct {
	// Prog is the name of the root command. Defaults to "svip".
	Prog string

	// Backend, when set, is used instead of building one from the --driver
	// and --dsn flags.
	Backend appstate.Backend

	// Registry is the step registry the migrations directory is matched
	// against. Defaults to migration.DefaultRegistry.
	Registry *migration.Registry

	// StepContext is handed to one-argument step actions.
	StepContext any

	// DefaultRange is the version range used when --range is not given.
	DefaultRange string
}

type app struct {
	opts Options

	driver      string
	dsn         string
	database    string
	dir         string
	backupsDir  string
	rangeSpec   string
	verbose     bool
	bump        string
	targetFlag  string
	currentFlag string

	noBackup          bool
	restoreBackup     string
	allowNoGuardrails bool
}

// New builds the svip command tree.
func New(opts Options) *cobra.Command {
	a := &app{opts: opts}

	prog := opts.Prog
	if prog == "" {
		prog = "svip"
	}

	root := &cobra.Command{
		Use:           prog,
		Short:         "Manage schema migrations of the application state",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.driver, "driver", "sqlite", "application state backend: memory, sqlite, postgres or mysql")
	pf.StringVar(&a.dsn, "dsn", "", "data source name (file path for sqlite)")
	pf.StringVar(&a.database, "database", "", "database name (mysql)")
	pf.StringVar(&a.dir, "migrations-dir", "migrations", "directory holding the migration step files")
	pf.StringVar(&a.backupsDir, "backups-dir", "", "directory backups are written to")
	pf.StringVar(&a.rangeSpec, "range", opts.DefaultRange, "NPM-style version range the application requires")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "log migration progress to stderr")

	root.AddCommand(
		a.migrateCmd(),
		a.matchCmd(),
		a.stepsCmd(),
		a.backupCmd(),
		a.checkCmd(),
		a.historyCmd(),
		a.statusCmd(),
		a.newCmd(),
		a.clearInconsistencyCmd(),
	)
	return root
}

func (a *app) registry() *migration.Registry {
	if a.opts.Registry != nil {
		return a.opts.Registry
	}
	return migration.DefaultRegistry
}

func (a *app) manager() (*migration.Manager, error) {
	source, err := migration.NewDirSource(a.dir, migration.WithRegistry(a.registry()))
	if err != nil {
		return nil, err
	}
	return migration.NewManager(migration.Config{
		Source:      source,
		StepContext: a.opts.StepContext,
	}), nil
}

func (a *app) backend() (appstate.Backend, error) {
	if a.opts.Backend != nil {
		return a.opts.Backend, nil
	}
	switch a.driver {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		if a.dsn == "" {
			return nil, fmt.Errorf("--dsn is required for the sqlite driver (path to the database file)")
		}
		return sqlite.Open(a.dsn, sqlite.Config{BackupsDir: a.backupsDir})
	case "postgres":
		if a.dsn == "" {
			return nil, fmt.Errorf("--dsn is required for the postgres driver")
		}
		return postgres.Open(a.dsn, postgres.Config{BackupsDir: a.backupsDir})
	case "mysql":
		if a.dsn == "" {
			return nil, fmt.Errorf("--dsn is required for the mysql driver")
		}
		return mysql.Open(a.dsn, mysql.Config{DatabaseName: a.database, BackupsDir: a.backupsDir})
	default:
		return nil, fmt.Errorf("unknown driver %q", a.driver)
	}
}

func (a *app) svip() (*svip.SVIP, error) {
	backend, err := a.backend()
	if err != nil {
		return nil, err
	}
	m, err := a.manager()
	if err != nil {
		return nil, err
	}
	opts := []svip.Option{svip.WithManager(m)}
	if a.rangeSpec != "" {
		opts = append(opts, svip.WithDefaultRange(a.rangeSpec))
	}
	if a.verbose {
		opts = append(opts, svip.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, nil))))
	}
	return svip.New(backend, opts...)
}

func (a *app) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate the application state to the target version",
		Long: "Migrate the application state to the target version. Without --target,\n" +
			"the highest known version matching --range is used.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sv, err := a.svip()
			if err != nil {
				return err
			}
			var target *semver.Version
			if a.targetFlag != "" {
				if target, err = semver.NewVersion(a.targetFlag); err != nil {
					return fmt.Errorf("invalid target version %q: %w", a.targetFlag, err)
				}
			}
			var opts []svip.MigrateOption
			if a.noBackup {
				opts = append(opts, svip.WithoutBackup())
			}
			switch strings.ToLower(a.restoreBackup) {
			case "", "auto":
			case "yes", "true":
				opts = append(opts, svip.WithRestoreBackup(true))
			case "no", "false":
				opts = append(opts, svip.WithRestoreBackup(false))
			default:
				return fmt.Errorf("invalid --restore-backup value %q (want auto, yes or no)", a.restoreBackup)
			}
			if a.allowNoGuardrails {
				opts = append(opts, svip.AllowNoGuardrails())
			}
			return sv.Migrate(cmd.Context(), target, opts...)
		},
	}
	cmd.Flags().StringVar(&a.targetFlag, "target", "", "target version")
	cmd.Flags().BoolVar(&a.noBackup, "no-backup", false, "do not take a backup before migrating")
	cmd.Flags().StringVar(&a.restoreBackup, "restore-backup", "auto",
		"restore the backup if the migration fails: auto, yes or no")
	cmd.Flags().BoolVar(&a.allowNoGuardrails, "allow-no-guardrails", false,
		"allow migrating with neither a backup nor a transaction")
	return cmd
}

func (a *app) matchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "match <range>",
		Short: "Print the highest known version matching an NPM-style range",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager()
			if err != nil {
				return err
			}
			rng, err := semver.NewConstraint(args[0])
			if err != nil {
				return fmt.Errorf("invalid version range %q: %w", args[0], err)
			}
			v, err := m.LatestMatch(rng)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	}
}

func (a *app) stepsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "steps",
		Short: "List the steps a migration between two versions would run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager()
			if err != nil {
				return err
			}
			current := migration.Zero
			if a.currentFlag != "" {
				if current, err = semver.NewVersion(a.currentFlag); err != nil {
					return fmt.Errorf("invalid current version %q: %w", a.currentFlag, err)
				}
			}
			var target *semver.Version
			if a.targetFlag != "" {
				if target, err = semver.NewVersion(a.targetFlag); err != nil {
					return fmt.Errorf("invalid target version %q: %w", a.targetFlag, err)
				}
			} else {
				rng, err := semver.NewConstraint("*")
				if err != nil {
					return err
				}
				if target, err = m.LatestMatch(rng); err != nil {
					return err
				}
			}
			seq, err := m.Steps(current, target)
			if err != nil {
				return err
			}
			for {
				step, err := seq.Next()
				if err != nil {
					return err
				}
				if step == nil {
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", step.Version, seq.Direction(), step.Name)
			}
		},
	}
	cmd.Flags().StringVar(&a.currentFlag, "current", "", "version to migrate from (default 0.0.0)")
	cmd.Flags().StringVar(&a.targetFlag, "target", "", "version to migrate to (default: highest known)")
	return cmd
}

func (a *app) backupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Take a one-off backup of the application state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sv, err := a.svip()
			if err != nil {
				return err
			}
			backup, err := sv.Backup(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), backup.Info())
			return nil
		},
	}
}

func (a *app) checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check [range]",
		Short: "Verify that the application state is usable and matches a version range",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sv, err := a.svip()
			if err != nil {
				return err
			}
			rng := ""
			if len(args) == 1 {
				rng = args[0]
			}
			if err := sv.Check(cmd.Context(), rng); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func (a *app) historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Print the history of completed migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sv, err := a.svip()
			if err != nil {
				return err
			}
			entries, err := sv.History(cmd.Context())
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", e.At.Format("2006-01-02 15:04:05"), e.Version)
			}
			return nil
		},
	}
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the current version and migration state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sv, err := a.svip()
			if err != nil {
				return err
			}
			current, target, err := sv.Backend().GetVersion(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "current version: %s\n", current)
			if target != nil {
				fmt.Fprintf(out, "migration in progress towards: %s\n", target)
			}
			inc, err := sv.Backend().GetInconsistency(cmd.Context())
			if err != nil {
				return err
			}
			if inc != nil {
				fmt.Fprintf(out, "state is INCONSISTENT: %s\n", inc.Info)
				if inc.BackupInfo != "" {
					fmt.Fprintf(out, "backup for manual recovery: %s\n", inc.BackupInfo)
				}
			}
			return nil
		},
	}
}

func (a *app) newCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "new <label>",
		Short: "Create a migration step script for the next version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager()
			if err != nil {
				return err
			}
			var bump migration.Bump
			switch a.bump {
			case "major":
				bump = migration.BumpMajor
			case "minor":
				bump = migration.BumpMinor
			case "patch":
				bump = migration.BumpPatch
			default:
				return fmt.Errorf("invalid --bump value %q (want major, minor or patch)", a.bump)
			}
			path, version, err := m.NewStepScript(args[0], bump)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (version %s)\n", path, version)
			return nil
		},
	}
	cmd.Flags().StringVar(&a.bump, "bump", "patch", "version component to bump: major, minor or patch")
	return cmd
}

func (a *app) clearInconsistencyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-inconsistency",
		Short: "Clear the inconsistency flag after manual recovery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := a.backend()
			if err != nil {
				return err
			}
			if err := backend.ClearInconsistency(cmd.Context()); err != nil {
				return err
			}
			metrics.SetInconsistent(false)
			return nil
		},
	}
}
