package main

import (
	"fmt"
	"os"

	"github.com/cuemby/hive/pkg/log"
	"github.com/cuemby/hive/pkg/queue"
	"github.com/cuemby/hive/pkg/types"
	"github.com/cuemby/hive/pkg/worker"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var workerCmd = &cobra.Command{
	Use:   "worker --device FILE",
	Short: "Run a worker that executes jobs on this device",
	Long: `Run a worker: lease jobs from the queue, execute them on the
builtin handlers (echo, sleep) and report this device to the scheduler
with periodic heartbeats.

The device file is a YAML DeviceInfo document. Its capabilities bound
which jobs the worker leases unless executor.capabilities is configured.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		devicePath, _ := cmd.Flags().GetString("device")
		if devicePath == "" {
			return fmt.Errorf("--device is required")
		}
		device, err := readDevice(devicePath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("concurrency") {
			cfg.Executor.MaxConcurrentJobs, _ = cmd.Flags().GetInt("concurrency")
		}
		heartbeat, _ := cmd.Flags().GetDuration("heartbeat-interval")

		ctx, cancel := signalContext()
		defer cancel()

		store, err := cfg.OpenStore(ctx)
		if err != nil {
			return fmt.Errorf("failed to connect to store: %w", err)
		}
		defer store.Close()

		q, err := queue.NewManager(store, nil, cfg.Queue)
		if err != nil {
			return err
		}

		var sampler worker.Sampler
		if ps, err := worker.NewProcSampler(); err != nil {
			log.Logger.Warn().Err(err).Msg("device metrics unavailable, reporting zero utilization")
		} else {
			sampler = ps
		}

		w, err := worker.NewWorker(store, q, sampler, worker.Config{
			Device:            device,
			HeartbeatInterval: heartbeat,
			Executor:          cfg.Executor,
		})
		if err != nil {
			return err
		}
		if err := w.RegisterBuiltins(ctx); err != nil {
			return err
		}

		fmt.Printf("Starting worker on device %s\n", device.ID)
		fmt.Printf("  CPU cores: %d\n", device.CPUCores)
		fmt.Printf("  Memory: %.1f GB\n", device.MemoryGB)
		fmt.Printf("  GPUs: %d\n", device.GPUCount)
		fmt.Println()
		fmt.Println("Worker is running. Press Ctrl+C to stop.")

		if err := w.Run(ctx); err != nil {
			return err
		}
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	workerCmd.Flags().String("device", "", "YAML file describing this device")
	workerCmd.Flags().Int("concurrency", 0, "Maximum concurrent jobs")
	workerCmd.Flags().Duration("heartbeat-interval", 0, "Interval between device heartbeats (default 5s)")
}

func readDevice(path string) (types.DeviceInfo, error) {
	var info types.DeviceInfo
	data, err := os.ReadFile(path)
	if err != nil {
		return info, fmt.Errorf("failed to read device: %w", err)
	}
	if err := yaml.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return info, nil
}
