package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Import pprof for profiling endpoints
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chefpack/chefd/pkg/client"
	"github.com/chefpack/chefd/pkg/daemon"
	"github.com/chefpack/chefd/pkg/log"
	"github.com/chefpack/chefd/pkg/rpcsurface"
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
	Use:   "chefd",
	Short: "chefd - package transaction daemon",
	Long: `chefd installs, updates, removes and rolls back signed packs on a
host, driving every operation as a durable transaction that survives
daemon restarts and host reboots.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"chefd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("root", "/", "Root directory persisted paths resolve under")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(logsCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the package transaction daemon",
	Long: `Start chefd: restore journaled transactions, resume the live ones,
and serve the transaction API on the local socket.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := daemon.LoadConfig(configPath)
		if err != nil {
			return err
		}

		// Flags override the config file.
		if cmd.Flags().Changed("root") || cfg.RootDir == "" {
			cfg.RootDir, _ = cmd.Flags().GetString("root")
		}
		if v, _ := cmd.Flags().GetString("data-dir"); cmd.Flags().Changed("data-dir") || cfg.DataDir == "" {
			if v != "" {
				cfg.DataDir = v
			}
		}
		if cmd.Flags().Changed("listen") {
			cfg.ListenAddr, _ = cmd.Flags().GetString("listen")
		}
		if cmd.Flags().Changed("metrics-addr") {
			cfg.MetricsAddr, _ = cmd.Flags().GetString("metrics-addr")
		}
		if cmd.Flags().Changed("grace-period") {
			cfg.GracePeriod, _ = cmd.Flags().GetDuration("grace-period")
		}
		if cmd.Flags().Changed("download-retry-cap") {
			cfg.DownloadRetryCap, _ = cmd.Flags().GetInt("download-retry-cap")
		}
		if cmd.Flags().Changed("dependency-wait-timeout") {
			cfg.DependencyWaitTimeout, _ = cmd.Flags().GetDuration("dependency-wait-timeout")
		}
		cfg.LogLevel, _ = rootCmd.PersistentFlags().GetString("log-level")
		cfg.LogJSON, _ = rootCmd.PersistentFlags().GetBool("log-json")

		daemon.Version = Version
		d, err := daemon.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize daemon: %w", err)
		}

		fmt.Println("Starting chefd...")
		fmt.Printf("  Root Directory: %s\n", cfg.RootDir)
		fmt.Printf("  Data Directory: %s\n", cfg.DataDir)
		fmt.Printf("  Socket: %s\n", rpcsurface.SocketPath(cfg.RootDir))
		if cfg.ListenAddr != "" {
			fmt.Printf("  Remote (read-only): %s\n", cfg.ListenAddr)
		}
		fmt.Printf("  Metrics: http://%s/metrics\n", cfg.MetricsAddr)

		if pprofEnabled, _ := cmd.Flags().GetBool("enable-pprof"); pprofEnabled {
			pprofAddr := "127.0.0.1:6060"
			go func() {
				if err := http.ListenAndServe(pprofAddr, nil); err != nil {
					fmt.Printf("Profiling server error: %v\n", err)
				}
			}()
			fmt.Printf("  Profiling: http://%s/debug/pprof/\n", pprofAddr)
		}
		fmt.Println()
		fmt.Println("Daemon is running. Press Ctrl+C to stop.")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := d.Run(ctx); err != nil {
			return err
		}
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	runCmd.Flags().String("config", "", "Path to chefd.yaml config file")
	runCmd.Flags().String("data-dir", "/var/chef/state", "Data directory for journal and caches")
	runCmd.Flags().String("listen", "", "Optional TCP address for the read-only TLS listener")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for metrics and health endpoints")
	runCmd.Flags().Duration("grace-period", time.Hour, "How long terminal transactions stay queryable")
	runCmd.Flags().Int("download-retry-cap", 0, "Bound on download retries (0 = default)")
	runCmd.Flags().Duration("dependency-wait-timeout", 0, "Bound on dependency waits (0 = default 10m)")
	runCmd.Flags().Bool("enable-pprof", false, "Enable pprof profiling endpoints")
}

func connect(cmd *cobra.Command) (*client.Client, error) {
	root, _ := rootCmd.PersistentFlags().GetString("root")
	return client.New(rpcsurface.SocketPath(root))
}

func parseRef(arg string) (publisher, pkg string, err error) {
	parts := strings.SplitN(arg, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("pack reference must be publisher/package, got %q", arg)
	}
	return parts[0], parts[1], nil
}

func submitCommand(use, short string, submit func(c *client.Client, publisher, pkg, revision string) (uint64, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " PUBLISHER/PACKAGE",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			revision, _ := cmd.Flags().GetString("revision")
			publisher, pkg, err := parseRef(args[0])
			if err != nil {
				return err
			}

			c, err := connect(cmd)
			if err != nil {
				return fmt.Errorf("failed to connect to daemon: %w", err)
			}
			defer c.Close()

			id, err := submit(c, publisher, pkg, revision)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Transaction submitted: %d\n", id)

			if follow, _ := cmd.Flags().GetBool("follow"); follow {
				return followTransaction(c, id)
			}
			return nil
		},
	}
	cmd.Flags().String("revision", "", "Pack revision")
	cmd.Flags().Bool("follow", false, "Stream events until the transaction terminates")
	return cmd
}

func followTransaction(c *client.Client, id uint64) error {
	ch, cancel, err := c.Subscribe(id)
	if err != nil {
		return err
	}
	defer cancel()

	for ev := range ch {
		switch ev.Type {
		case "state-changed":
			fmt.Printf("  state: %s\n", ev.State)
		case "progress":
			fmt.Printf("  progress: %d%%\n", ev.Progress.LastReportedPercentage)
		case "log-entry":
			if ev.Log != nil {
				fmt.Printf("  [%s] %s\n", ev.Log.Level, ev.Log.Message)
			}
		case "terminal":
			if ev.FailureReason != "" {
				fmt.Printf("✗ %s: %s\n", ev.State, ev.FailureReason)
			} else {
				fmt.Printf("✓ %s\n", ev.State)
			}
			return nil
		}
	}
	return nil
}

var installCmd = submitCommand("install", "Install a pack", func(c *client.Client, publisher, pkg, revision string) (uint64, error) {
	return c.Install(publisher, pkg, revision)
})

var uninstallCmd = submitCommand("uninstall", "Uninstall a pack", func(c *client.Client, publisher, pkg, revision string) (uint64, error) {
	return c.Uninstall(publisher, pkg, revision)
})

var updateCmd = submitCommand("update", "Update an installed pack", func(c *client.Client, publisher, pkg, revision string) (uint64, error) {
	return c.Update(publisher, pkg, revision)
})

var cancelCmd = &cobra.Command{
	Use:   "cancel TRANSACTION-ID",
	Short: "Cancel a transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid transaction id %q", args[0])
		}

		c, err := connect(cmd)
		if err != nil {
			return fmt.Errorf("failed to connect to daemon: %w", err)
		}
		defer c.Close()

		outcome, err := c.Cancel(id)
		if err != nil {
			return err
		}
		fmt.Printf("Cancel: %s\n", outcome)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status TRANSACTION-ID",
	Short: "Show a transaction's status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid transaction id %q", args[0])
		}

		c, err := connect(cmd)
		if err != nil {
			return fmt.Errorf("failed to connect to daemon: %w", err)
		}
		defer c.Close()

		t, err := c.Status(id)
		if err != nil {
			return err
		}

		fmt.Printf("Transaction: %d\n", t.ID)
		fmt.Printf("  Type: %s\n", t.Type)
		fmt.Printf("  Ref: %s/%s", t.Publisher, t.Package)
		if t.Revision != "" {
			fmt.Printf("@%s", t.Revision)
		}
		fmt.Println()
		fmt.Printf("  State: %s\n", t.State)
		if t.Wait != nil {
			fmt.Printf("  Waiting: %s", t.Wait.Kind)
			if t.Wait.OnTransactionID != 0 {
				fmt.Printf(" (transaction %d)", t.Wait.OnTransactionID)
			}
			fmt.Println()
		}
		fmt.Printf("  Progress: %d%%\n", t.Progress.LastReportedPercentage)
		if t.CreatedAt != nil {
			fmt.Printf("  Created: %s\n", t.CreatedAt.AsTime().Format(time.RFC3339))
		}
		if t.CompletedAt != nil {
			fmt.Printf("  Completed: %s\n", t.CompletedAt.AsTime().Format(time.RFC3339))
		}
		if t.FailureReason != "" {
			fmt.Printf("  Failure: %s\n", t.FailureReason)
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List transactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return fmt.Errorf("failed to connect to daemon: %w", err)
		}
		defer c.Close()

		transactions, err := c.List()
		if err != nil {
			return err
		}

		if len(transactions) == 0 {
			fmt.Println("No transactions found")
			return nil
		}

		fmt.Printf("%-6s %-10s %-30s %-18s %s\n", "ID", "TYPE", "REF", "STATE", "PROGRESS")
		for _, t := range transactions {
			ref := t.Publisher + "/" + t.Package
			if t.Revision != "" {
				ref += "@" + t.Revision
			}
			fmt.Printf("%-6d %-10s %-30s %-18s %d%%\n",
				t.ID, t.Type, truncate(ref, 30), t.State, t.Progress.LastReportedPercentage)
		}
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs TRANSACTION-ID",
	Short: "Show a transaction's log entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid transaction id %q", args[0])
		}

		c, err := connect(cmd)
		if err != nil {
			return fmt.Errorf("failed to connect to daemon: %w", err)
		}
		defer c.Close()

		entries, err := c.Logs(id)
		if err != nil {
			return err
		}
		for _, e := range entries {
			ts := ""
			if e.Timestamp != nil {
				ts = e.Timestamp.AsTime().Format("15:04:05")
			}
			fmt.Printf("%s [%s] %-18s %s\n", ts, e.Level, e.State, e.Message)
		}
		return nil
	},
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
