package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/hive/pkg/config"
	"github.com/cuemby/hive/pkg/coord"
	"github.com/cuemby/hive/pkg/log"
	"github.com/cuemby/hive/pkg/queue"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// cfg is loaded by rootCmd before any subcommand runs
var cfg *config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hive",
	Short: "Hive - Distributed job scheduler for heterogeneous devices",
	Long: `Hive queues background jobs by priority, leases them to workers
exactly once, retries and times them out, and places work across a pool
of heterogeneous devices.

State is shared through a coordination store (Redis in production), so
any number of schedulers, workers and producers can run side by side.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}

		if cmd.Flags().Changed("log-level") {
			level, _ := cmd.Flags().GetString("log-level")
			loaded.Log.Level = log.Level(level)
		}
		if cmd.Flags().Changed("store") {
			loaded.Store.Backend, _ = cmd.Flags().GetString("store")
		}
		if cmd.Flags().Changed("redis-addr") {
			loaded.Store.Redis.Addr, _ = cmd.Flags().GetString("redis-addr")
		}
		if err := loaded.Validate(); err != nil {
			return err
		}

		log.Init(loaded.Log)
		cfg = loaded
		return nil
	},
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Hive version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to hive.yaml")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("store", "", "Coordination store backend (memory, redis)")
	rootCmd.PersistentFlags().String("redis-addr", "", "Redis address")

	// Add subcommands
	rootCmd.AddCommand(schedulerCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(deviceCmd)
	rootCmd.AddCommand(clusterCmd)
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// openQueue connects a queue manager for client commands. The archive is
// left closed so clients never contend with a running scheduler for it.
func openQueue(ctx context.Context) (*queue.Manager, coord.Store, error) {
	store, err := cfg.OpenStore(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to store: %w", err)
	}
	q, err := queue.NewManager(store, nil, cfg.Queue)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return q, store, nil
}
