package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aerodisk/vncbroker/pkg/config"
	"github.com/aerodisk/vncbroker/pkg/daemon"
	"github.com/aerodisk/vncbroker/pkg/events"
	"github.com/aerodisk/vncbroker/pkg/journal"
	"github.com/aerodisk/vncbroker/pkg/log"
	"github.com/aerodisk/vncbroker/pkg/metrics"
	"github.com/aerodisk/vncbroker/pkg/pool"
	"github.com/aerodisk/vncbroker/pkg/session"
	"github.com/aerodisk/vncbroker/pkg/supervisor"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vncbroker",
	Short: "vncbroker - VNC WebSocket session broker",
	Long: `vncbroker manages browser VNC consoles for KVM virtual machines:
it hands out WebSocket ports from a fixed pool, supervises one websockify
bridge per running console, and reclaims ports and processes that outlive
their sessions.`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"vncbroker version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "Path to broker config file (YAML)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	// Initialize logging before command execution
	cobra.OnInitialize(initLogging)

	// Add subcommands
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(poolCmd)
	rootCmd.AddCommand(journalCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// loadConfig resolves the effective configuration: defaults, then the
// optional config file.
func loadConfig() (config.Config, error) {
	path, _ := rootCmd.PersistentFlags().GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadFile(path)
}

// buildStack wires supervisor, pool, and coordinator from one config.
func buildStack(cfg config.Config, broker *events.Broker) (*pool.Pool, *session.Coordinator, error) {
	sup := supervisor.New(cfg)
	portPool, err := pool.New(cfg, sup)
	if err != nil {
		return nil, nil, err
	}

	coordinator := session.New(cfg, portPool, sup, broker)
	if err := coordinator.Restore(); err != nil {
		return nil, nil, err
	}
	return portPool, coordinator, nil
}

// Daemon command

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the cleanup daemon",
	Long: `Run the periodic reconciliation daemon. Each cycle releases stale port
allocations, adopts externally spawned websockify processes, and exports
pool statistics. Metrics and health endpoints are served over HTTP.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		metrics.SetVersion(Version)

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		if cfg.JournalFile != "" {
			jnl, err := journal.Open(cfg.JournalFile)
			if err != nil {
				return fmt.Errorf("failed to open journal: %w", err)
			}
			defer jnl.Close()
			go jnl.Record(broker.Subscribe())
		}

		sup := supervisor.New(cfg)
		portPool, err := pool.New(cfg, sup)
		if err != nil {
			return err
		}
		metrics.RegisterComponent("port-pool", true, "ready")

		if cfg.MetricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.HandleFunc("/healthz", metrics.HealthHandler())
			mux.HandleFunc("/ready", metrics.ReadyHandler())
			mux.HandleFunc("/livez", metrics.LivenessHandler())

			srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Errorf("Metrics server failed", err)
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return daemon.New(cfg, portPool, broker).Run(ctx)
	},
}

// Session commands

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage VNC sessions",
}

var sessionStartCmd = &cobra.Command{
	Use:   "start <vm-name>",
	Short: "Start a VNC session for a VM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vncHost, _ := cmd.Flags().GetString("vnc-host")
		vncPort, _ := cmd.Flags().GetInt("vnc-port")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		_, coordinator, err := buildStack(cfg, nil)
		if err != nil {
			return err
		}

		sess, err := coordinator.Start(cmd.Context(), args[0], vncHost, vncPort)
		if err != nil {
			return err
		}
		return printJSON(cmd, sess)
	},
}

var sessionStopCmd = &cobra.Command{
	Use:   "stop <vm-name>",
	Short: "Stop the VNC session of a VM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		_, coordinator, err := buildStack(cfg, nil)
		if err != nil {
			return err
		}

		stopped, err := coordinator.Stop(args[0])
		if err != nil {
			return err
		}
		if !stopped {
			fmt.Fprintf(cmd.OutOrStdout(), "no session for VM %s\n", args[0])
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "stopped session for VM %s\n", args[0])
		return nil
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active VNC sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		_, coordinator, err := buildStack(cfg, nil)
		if err != nil {
			return err
		}
		return printJSON(cmd, coordinator.List())
	},
}

// Pool commands

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Inspect and maintain the port pool",
}

var poolStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show port pool statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		portPool, err := pool.New(cfg, supervisor.New(cfg))
		if err != nil {
			return err
		}

		stats, err := portPool.Stats()
		if err != nil {
			return err
		}
		return printJSON(cmd, stats)
	},
}

var poolReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		portPool, err := pool.New(cfg, supervisor.New(cfg))
		if err != nil {
			return err
		}

		report, err := portPool.ReconcileStale()
		if err != nil {
			return err
		}
		return printJSON(cmd, report)
	},
}

// Journal commands

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect the session event journal",
}

var journalTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent session events",
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.JournalFile == "" {
			return fmt.Errorf("journal is disabled (journal_file is empty)")
		}

		jnl, err := journal.Open(cfg.JournalFile)
		if err != nil {
			return err
		}
		defer jnl.Close()

		tail, err := jnl.Tail(count)
		if err != nil {
			return err
		}
		return printJSON(cmd, tail)
	},
}

func init() {
	sessionStartCmd.Flags().String("vnc-host", "127.0.0.1", "VNC backend host")
	sessionStartCmd.Flags().Int("vnc-port", 5900, "VNC backend port")
	journalTailCmd.Flags().IntP("count", "n", 20, "Number of events to show")

	sessionCmd.AddCommand(sessionStartCmd)
	sessionCmd.AddCommand(sessionStopCmd)
	sessionCmd.AddCommand(sessionListCmd)
	poolCmd.AddCommand(poolStatsCmd)
	poolCmd.AddCommand(poolReconcileCmd)
	journalCmd.AddCommand(journalTailCmd)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
