// Command batchstore drives the on-disk batch store from the command line:
// writing and tailing records into features, inspecting and purging units,
// switching tracking consent and draining batches to an export directory.
//
// Logging:
//   - Base logger is created here with output format, level and log file
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/DataDog/dd-sdk-android-sub039/internal/config"
	"github.com/DataDog/dd-sdk-android-sub039/internal/home"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		os.Exit(1)
	}
}

// run executes one command line. The app is closed even when the command
// fails, so a later run in the same process can reopen the same roots.
func run(args []string, in io.Reader, out, stderr io.Writer) error {
	c := &cli{out: out, stderr: stderr}
	root := newRootCmd(c)
	root.SetArgs(args)
	root.SetIn(in)
	err := root.Execute()
	if c.app != nil {
		err = errors.Join(err, c.app.Close())
		c.app = nil
	}
	return err
}

// cli carries the global flags and the app built from them.
type cli struct {
	out, stderr io.Writer

	homeFlag    string
	configFlag  string
	logLevel    string
	backendFlag string
	jsonOut     bool

	app *app
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:          "batchstore",
		Short:        "Persistent batch store for telemetry features",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return c.setup()
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if c.app == nil {
				return nil
			}
			err := c.app.Close()
			c.app = nil
			return err
		},
	}
	root.SetOut(c.out)
	root.SetErr(c.stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&c.homeFlag, "home", "", "home directory (default: platform config dir)")
	flags.StringVar(&c.configFlag, "config", "", "config file (default: <home>/batchstore.yaml if present)")
	flags.StringVar(&c.logLevel, "log-level", "", "override the configured log level")
	flags.StringVar(&c.backendFlag, "backend", "", "override the configured backend: file, badger or memory")
	flags.BoolVar(&c.jsonOut, "json", false, "print JSON instead of tables")

	root.AddCommand(
		c.writeCmd(),
		c.tailCmd(),
		c.listCmd(),
		c.purgeCmd(),
		c.dropCmd(),
		c.drainCmd(),
		c.migrateCmd(),
		c.consentCmd(),
		c.slotCmd(),
		c.inspectCmd(),
		c.serveCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

// setup resolves the home directory, loads the configuration and builds
// the app.
func (c *cli) setup() error {
	hd, err := resolveHome(c.homeFlag)
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}

	path := c.configFlag
	if path == "" {
		if _, err := os.Stat(hd.ConfigPath()); err == nil {
			path = hd.ConfigPath()
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if cfg.Home != "" && c.homeFlag == "" {
		hd = home.New(cfg.Home)
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	if c.backendFlag != "" {
		cfg.Backend = c.backendFlag
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	a, err := newApp(cfg, hd, c.out, c.stderr)
	if err != nil {
		return err
	}
	c.app = a
	return nil
}

func (c *cli) printer() *printer {
	return &printer{json: c.jsonOut, w: c.out}
}

// resolveHome returns a Dir from the flag value, or the platform default.
func resolveHome(flagValue string) (home.Dir, error) {
	if flagValue != "" {
		return home.New(flagValue), nil
	}
	return home.Default()
}

var errUsage = errors.New("invalid usage")
