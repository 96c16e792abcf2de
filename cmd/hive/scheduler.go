package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/cuemby/hive/pkg/metrics"
	"github.com/cuemby/hive/pkg/scheduler"
	"github.com/cuemby/hive/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the queue manager and workload distributor",
	Long: `Run the scheduler: the queue's background loops (scheduled
promotion, timeout detection, retention cleanup) and the distributor's
device health monitor and rebalancer.

Devices join when their worker sends its first heartbeat. Devices listed
in --devices are registered at start.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		devicesFile, _ := cmd.Flags().GetString("devices")
		if cmd.Flags().Changed("metrics-addr") {
			cfg.Metrics.Addr, _ = cmd.Flags().GetString("metrics-addr")
		}
		if cmd.Flags().Changed("strategy") {
			strategy, _ := cmd.Flags().GetString("strategy")
			cfg.Distributor.Strategy = types.AllocationStrategy(strategy)
			if !cfg.Distributor.Strategy.Valid() {
				return fmt.Errorf("unknown allocation strategy %q", strategy)
			}
		}

		ctx, cancel := signalContext()
		defer cancel()

		store, err := cfg.OpenStore(ctx)
		if err != nil {
			return fmt.Errorf("failed to connect to store: %w", err)
		}
		defer store.Close()

		archive, err := cfg.OpenArchive()
		if err != nil {
			return fmt.Errorf("failed to open archive: %w", err)
		}
		if archive != nil {
			defer archive.Close()
		}

		sched, err := scheduler.New(store, archive, scheduler.Config{
			Queue:           cfg.Queue,
			Distributor:     cfg.Distributor,
			MetricsInterval: cfg.Metrics.Interval,
			Version:         Version,
		})
		if err != nil {
			return err
		}

		fmt.Println("Starting Hive scheduler...")
		fmt.Printf("  Store: %s\n", cfg.Store.Backend)
		fmt.Printf("  Archive: %s\n", cfg.Archive.DataDir)
		fmt.Printf("  Strategy: %s\n", cfg.Distributor.Strategy)
		fmt.Printf("  Metrics: %s\n", cfg.Metrics.Addr)
		fmt.Println()

		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		fmt.Println("✓ Scheduler started")

		if devicesFile != "" {
			n, err := registerDevices(sched, devicesFile)
			if err != nil {
				sched.Stop()
				return err
			}
			fmt.Printf("✓ Registered %d device(s) from %s\n", n, devicesFile)
		}

		server := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metricsMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server error: %v", err)
			}
		}()

		fmt.Println()
		fmt.Println("Scheduler is running. Press Ctrl+C to stop.")

		var runErr error
		select {
		case <-ctx.Done():
		case runErr = <-errCh:
			fmt.Fprintf(os.Stderr, "\nError: %v\n", runErr)
		}

		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		server.Shutdown(shutdownCtx)

		if err := sched.Stop(); err != nil {
			return fmt.Errorf("failed to shutdown: %v", err)
		}
		fmt.Println("✓ Shutdown complete")
		return runErr
	},
}

func init() {
	schedulerCmd.Flags().String("devices", "", "YAML file listing devices to register at start")
	schedulerCmd.Flags().String("metrics-addr", "", "Address for /metrics, /health and /ready")
	schedulerCmd.Flags().String("strategy", "", "Default allocation strategy")
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	return mux
}

// devicesFile is the --devices document
type devicesFile struct {
	Devices []types.DeviceInfo `yaml:"devices"`
}

func readDevices(path string) ([]types.DeviceInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read devices: %w", err)
	}
	var doc devicesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return doc.Devices, nil
}

func registerDevices(sched *scheduler.Scheduler, path string) (int, error) {
	devices, err := readDevices(path)
	if err != nil {
		return 0, err
	}
	for _, info := range devices {
		if err := sched.Distributor.RegisterDevice(info); err != nil {
			return 0, fmt.Errorf("failed to register device %s: %w", info.ID, err)
		}
	}
	return len(devices), nil
}
