package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ravend/raven/pkg/log"
	"github.com/ravend/raven/pkg/manager"
	"github.com/ravend/raven/pkg/metrics"
	"github.com/ravend/raven/pkg/spawn"
)

// Version information (set via ldflags during build)
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	// spawn.Spawn re-execs this same binary to run a tiny helper that
	// finishes setting up a child's namespace/rlimits/user before
	// exec'ing the unit's real command. That helper path must run
	// before cobra ever sees argv, since the re-exec'd process carries
	// none of the daemon's own flags.
	if os.Getenv(spawn.HelperEnv) == "1" {
		if err := spawn.RunExecHelper(); err != nil {
			fmt.Fprintf(os.Stderr, "exec helper: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "ravend",
	Short:   "raven service manager daemon",
	Long:    "ravend supervises units described by unit files under its search path: services, sockets, mounts, timers and paths, ordered and gated by their declared dependencies.",
	Version: Version,
	RunE:    runDaemon,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("ravend version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.Flags().String("data-dir", "/var/lib/raven", "Directory for persistent state (job history, pid table, timer state)")
	rootCmd.Flags().StringSlice("unit-path", nil, "Additional unit search path directories, highest priority first")
	rootCmd.Flags().String("control-socket", "/run/raven/control.sock", "Path of the control socket ravenctl connects to")
	rootCmd.Flags().String("watchdog-device", "", "Hardware watchdog device to feed (e.g. /dev/watchdog); empty disables it")
	rootCmd.Flags().String("metrics-addr", ":9558", "Address to serve /metrics, /health, /ready and /live on; empty disables the server")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func runDaemon(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	unitPath, _ := cmd.Flags().GetStringSlice("unit-path")
	controlSocket, _ := cmd.Flags().GetString("control-socket")
	watchdogDevice, _ := cmd.Flags().GetString("watchdog-device")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	mgr, err := manager.NewManager(manager.Config{
		DataDir:        dataDir,
		UnitPath:       unitPath,
		ControlSocket:  controlSocket,
		WatchdogDevice: watchdogDevice,
		Recorder:       metrics.Recorder{},
	})
	if err != nil {
		return fmt.Errorf("failed to build manager: %v", err)
	}

	metrics.SetVersion(Version)
	metrics.RegisterComponent("store", true, "recovered")
	metrics.RegisterComponent("control", false, "initializing")
	metrics.RegisterComponent("supervisor", true, "ready")

	collector := metrics.NewCollector(mgr)
	collector.Start()
	defer collector.Stop()

	var metricsSrv *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		metricsSrv = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Logger.Error().Err(err).Msg("metrics server exited")
			}
		}()
		defer metricsSrv.Close()
	}

	errCh := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		errCh <- mgr.Start(ctx)
	}()

	metrics.RegisterComponent("control", true, "ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Logger.Info().Msg("received shutdown signal")
	case err := <-errCh:
		if err != nil {
			log.Logger.Error().Err(err).Msg("event loop exited")
		}
	}

	cancel()
	if err := mgr.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown: %v", err)
	}
	return nil
}
