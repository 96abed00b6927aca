// Command portal runs the stemjail controller daemon: it loads the
// profile lattice, listens on the client-facing socket, and re-execs
// itself as the in-jail supervisor for each accepted run request.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stemjail/stemjail/internal/config"
	"github.com/stemjail/stemjail/internal/logger"
	"github.com/stemjail/stemjail/internal/manager"
	"github.com/stemjail/stemjail/internal/monitor"
	"github.com/stemjail/stemjail/internal/policy"
	"github.com/stemjail/stemjail/internal/portal"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == portal.SupervisorArg {
		os.Exit(monitor.Main())
	}

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configDir string
	var unconfined bool

	// SilenceErrors keeps cobra from printing its own "Error:" line
	// (main formats errors itself); usage still prints for parse
	// failures, and RunE silences it once flags have been accepted.
	root := &cobra.Command{
		Use:           "portal",
		Short:         "stemjail controller daemon",
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runPortal(configDir, unconfined)
		},
	}
	root.Flags().StringVarP(&configDir, "config", "c", ".", "directory holding settings.yaml (profile_dir defaults to ./config/profiles)")
	root.Flags().BoolVarP(&unconfined, "unconfined", "u", false, "disable mount sealing (testing only)")

	// SupervisorArg is also registered as a real (hidden) subcommand so
	// `portal __supervisor --help` behaves sanely; main() intercepts the
	// re-exec path before cobra ever parses argv, since the supervisor's
	// actual configuration rides in an environment variable, not flags.
	hidden := &cobra.Command{
		Use:    portal.SupervisorArg,
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			os.Exit(monitor.Main())
			return nil
		},
	}
	root.AddCommand(hidden)
	return root
}

func runPortal(configDir string, unconfined bool) error {
	settings, err := config.LoadSettings(configDir)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if unconfined {
		settings.Unconfined = true
	}
	if err := logger.Init("portal", settings.LogLevel, settings.LogFile); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	profiles, err := config.LoadProfiles(settings.ProfileDir)
	if err != nil {
		return fmt.Errorf("load profiles: %w", err)
	}
	portalCfg := policy.NewPortalConfig(profiles)
	logger.Info("Loaded configuration: " + portalCfg.String())

	lattice := policy.NewLattice()
	for _, p := range profiles {
		lattice.AddProfile(p)
	}
	mgr := manager.New(lattice)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go mgr.Run(ctx)

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	if err := config.WatchProfiles(settings.ProfileDir, stopWatch, func(fresh []policy.ProfileConfig) {
		next := policy.NewLattice()
		for _, p := range fresh {
			next.AddProfile(p)
		}
		if err := mgr.Reload(ctx, next); err != nil {
			logger.Warn("profile reload failed", logger.Err(err))
			return
		}
		logger.Info("profiles reloaded", "count", len(fresh))
	}); err != nil {
		logger.Warn("profile watch disabled", "error", err)
	}

	p := portal.New(settings.PortalSocket, settings.MonitorSocket, mgr, settings.Unconfined)
	return p.ListenAndServe(ctx)
}
