// Package cli wires the harness packages into the ihop command.
package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/ihop/internal/adapter"
	"github.com/roach88/ihop/internal/config"
	"github.com/roach88/ihop/internal/logging"
	"github.com/roach88/ihop/internal/pool"
	"github.com/roach88/ihop/internal/report"
	"github.com/roach88/ihop/internal/roster"
)

// RootOptions holds global flags and what PersistentPreRunE resolves from them.
type RootOptions struct {
	ConfigFile      string
	Implementations []string

	// Config is loaded before any subcommand runs.
	Config *config.Config
	// Launcher starts adapters; nil means the configured process launcher.
	Launcher adapter.Launcher
	// RunIDs stamps reports; nil means UUIDv7.
	RunIDs report.RunIDGenerator
}

// NewRootCommand creates the root command for the ihop CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	defaults := adapter.DefaultTimeouts()

	cmd := &cobra.Command{
		Use:   "ihop",
		Short: "ihop - JSON Schema implementation conformance harness",
		Long: `Drive JSON Schema validator adapters over the IHOP protocol and compare
their answers with the expected results of each test.

Each implementation runs as its own adapter process (a container image or a
local command) speaking line-delimited JSON on stdin/stdout.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigFile, cmd.Flags())
			if err != nil {
				return WrapExitError(ExitCommandError, "loading configuration", err)
			}
			logging.Init(logging.Level(cfg.Verbose), cfg.LogFormat, cmd.ErrOrStderr())
			if cfg.File != "" {
				slog.Debug("using config file", "path", cfg.File)
			}
			opts.Config = cfg
			if opts.Launcher == nil {
				opts.Launcher = cfg.Launcher()
			}
			if opts.RunIDs == nil {
				opts.RunIDs = report.UUIDv7Generator{}
			}
			return nil
		},
	}

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	})

	// Global flags. Values are read back through config.Load so that flags,
	// IHOP_* variables and the config file share one precedence order.
	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.ConfigFile, "config", "", "config file (default ./"+config.DefaultFile+" if present)")
	pf.StringArrayVarP(&opts.Implementations, "implementation", "i", nil,
		"implementation to drive: a container image, a short image name, or exec:<command> (repeatable)")
	pf.String("roster", "", "YAML file listing implementations")
	pf.BoolP("verbose", "v", false, "verbose output")
	pf.String("format", config.FormatText, "output format (json|text)")
	pf.String("log-format", logging.FormatText, "log format (json|text)")
	pf.Duration("start-timeout", defaults.Start, "deadline for the start handshake")
	pf.Duration("dialect-timeout", defaults.Dialect, "deadline for a dialect call")
	pf.Duration("run-timeout", defaults.Run, "deadline for one case")
	pf.Duration("stop-grace", defaults.StopGrace, "time an adapter gets to exit after stop")
	pf.String("container-runtime", config.DefaultRuntime, "container runtime used for images")
	pf.String("network", config.DefaultNetwork, "container network (empty for the runtime default)")
	pf.String("image-repository", config.DefaultImageRepository, "repository for short image names")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewSmokeCommand(opts))
	cmd.AddCommand(NewInfoCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))

	return cmd
}

// entries resolves the roster file and -i values into launchable entries.
func (o *RootOptions) entries() ([]roster.Entry, error) {
	r := &roster.Roster{}
	if o.Config.Roster != "" {
		loaded, err := roster.Load(o.Config.Roster)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "loading roster", err)
		}
		r = loaded
	}
	for _, value := range o.Implementations {
		entry, err := roster.ParseImplementation(value, o.Config.ImageRepository)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid implementation", err)
		}
		if err := r.Add(entry); err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid implementation", err)
		}
	}
	if len(r.Implementations) == 0 {
		return nil, NewExitError(ExitCommandError, "no implementations given: use -i or --roster")
	}
	return r.Implementations, nil
}

// startPool launches every configured implementation.
func (o *RootOptions) startPool(ctx context.Context) (*pool.Pool, error) {
	entries, err := o.entries()
	if err != nil {
		return nil, err
	}
	p, err := pool.Start(ctx, entries, o.Launcher, pool.Options{Timeouts: o.Config.Timeouts()})
	if err != nil {
		return nil, WrapExitError(ExitFailure, "starting implementations", err)
	}
	return p, nil
}

// startFailures renders the pool's startup failures for an exit error.
func startFailures(p *pool.Pool) error {
	failures := p.Failures()
	if len(failures) == 0 {
		return nil
	}
	if len(p.Members()) == 0 {
		return NewExitError(ExitConfig, "no implementation started")
	}
	return NewExitError(ExitConfig, fmt.Sprintf("%d of %d implementations failed to start", len(failures), len(p.Names())))
}
