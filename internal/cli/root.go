// Package cli defines the root Cobra command and global flag/context setup.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/f9-o/fleet/internal/catalog"
	"github.com/f9-o/fleet/internal/cli/commands"
	"github.com/f9-o/fleet/internal/core/config"
	"github.com/f9-o/fleet/internal/core/logger"
	"github.com/f9-o/fleet/internal/core/plugin"
	"github.com/f9-o/fleet/internal/core/state"
	"github.com/f9-o/fleet/internal/metrics"
	"github.com/f9-o/fleet/internal/remote"
	"github.com/f9-o/fleet/pkg/errs"
	"github.com/f9-o/fleet/pkg/pprint"
)

// globalFlags holds values bound to persistent global flags.
var globalFlags struct {
	configFile string
	hosts      []string
	skip       []string
	debug      bool
	jsonOutput bool
}

// rootCmd is the base command for fleet.
var rootCmd = &cobra.Command{
	Use:           "fleet",
	Short:         "Fleet: deploy and secret orchestration for NixOS hosts",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if skipRuntime(cmd) {
			return nil
		}
		return initRuntime(cmd)
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if skipRuntime(cmd) {
			return nil
		}
		return commands.FromContext(cmd.Context()).Close()
	},
}

// Execute runs the CLI. Called by main().
func Execute() {
	origHelp := rootCmd.HelpFunc()
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		pprint.PrintBanner(commands.Version, commands.BuildDate)
		origHelp(cmd, args)
	})

	if err := rootCmd.Execute(); err != nil {
		if fe := errs.AsFleet(err); fe != nil {
			pprint.Error("%s", fe.UserMessage())
		} else {
			pprint.Error("%s", err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&globalFlags.configFile, "config", "c", "", "Path to fleet.yaml (defaults to auto-discovery)")
	rootCmd.PersistentFlags().StringSliceVar(&globalFlags.hosts, "host", nil, "Only operate on these hosts (repeatable)")
	rootCmd.PersistentFlags().StringSliceVar(&globalFlags.skip, "skip", nil, "Skip these hosts (repeatable)")
	rootCmd.PersistentFlags().BoolVar(&globalFlags.debug, "debug", false, "Enable debug-level logging")
	rootCmd.PersistentFlags().BoolVar(&globalFlags.jsonOutput, "json", false, "Output in machine-readable JSON")

	rootCmd.AddCommand(
		commands.NewInitCmd(),
		commands.NewDeployCmd(),
		commands.NewBuildSystemsCmd(),
		commands.NewRollbackCmd(),
		commands.NewHistoryCmd(),
		commands.NewHostsCmd(),
		commands.NewSecretCmd(),
		commands.NewPluginsCmd(),
		commands.NewVersionCmd(),
	)
}

// skipRuntime reports whether cmd runs without config, state and catalog.
func skipRuntime(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "version", "init", "help", "completion", cobra.ShellCompRequestCmd, cobra.ShellCompNoDescRequestCmd:
		return true
	}
	return cmd.Parent() != nil && cmd.Parent().Name() == "completion"
}

// initRuntime loads config, logger, state and the catalog before each command runs.
func initRuntime(cmd *cobra.Command) error {
	cfg, err := config.Load(globalFlags.configFile)
	if err != nil {
		return errs.Wrap(err, errs.ErrConfig, "cli.config")
	}

	home := config.FleetHome()
	if err := os.MkdirAll(home, 0750); err != nil {
		return fmt.Errorf("create fleet home: %w", err)
	}
	logFile := cfg.Log.File
	if logFile == "" {
		logFile = filepath.Join(home, "logs", "fleet.log")
	}
	log, err := logger.Init(cfg.Log.Level, cfg.Log.Format, logFile, home, globalFlags.debug)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}

	db, err := state.Open(cfg.StatePath())
	if err != nil {
		return errs.Wrap(err, errs.ErrStateRead, "cli.state")
	}

	plugins := plugin.NewHost(log)
	if err := plugins.LoadDir(cfg.Plugins.Dir); err != nil {
		log.Warn("plugin.dir.failed", "dir", cfg.Plugins.Dir, "err", err)
	}

	// The catalog is evaluated on the deployer before host specs exist.
	bootstrap := remote.NewFleet(nil, cfg.LocalHost, nil, cfg.SSH.User, log)
	session, err := catalog.Open(cmd.Context(), catalog.Options{
		File:  cfg.CatalogFile(),
		Flake: cfg.Flake,
		Attr:  cfg.Catalog.Attr,
		Local: bootstrap.Local(),
		Log:   log,
	})
	if err != nil {
		_ = db.Close()
		return err
	}

	keys := remote.NewKeyRegistry(db)
	pool := remote.NewPool(remote.PoolOptions{
		User:       cfg.SSH.User,
		Key:        cfg.SSH.Key,
		KnownHosts: cfg.SSH.KnownHosts,
		Port:       cfg.SSH.Port,
		PinnedKey:  keys.Known,
	}, log)

	cmd.SetContext(commands.NewContext(cmd.Context(), &commands.Runtime{
		Config:  cfg,
		Log:     log,
		State:   db,
		Fleet:   remote.NewFleet(session.Hosts(), cfg.LocalHost, pool, cfg.SSH.User, log),
		Catalog: session,
		Keys:    keys,
		Metrics: metrics.New(),
		Plugins: plugins,
		Flags: commands.GlobalFlags{
			Hosts:      globalFlags.hosts,
			Skip:       globalFlags.skip,
			Debug:      globalFlags.debug,
			JSONOutput: globalFlags.jsonOutput,
		},
	}))
	return nil
}
