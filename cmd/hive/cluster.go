package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/cuemby/hive/pkg/coord"
	"github.com/cuemby/hive/pkg/scheduler"
	"github.com/cuemby/hive/pkg/types"
	"github.com/spf13/cobra"
)

// Cluster commands
var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Inspect the Hive cluster",
}

var clusterStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show devices, load and queue depth",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		store, err := cfg.OpenStore(ctx)
		if err != nil {
			return fmt.Errorf("failed to connect to store: %w", err)
		}
		defer store.Close()

		report, err := scheduler.ReadReport(ctx, store, coord.NewKeys(cfg.Queue.Prefix))
		if err != nil {
			return err
		}
		printReport(report)
		return nil
	},
}

func init() {
	clusterCmd.AddCommand(clusterStatusCmd)
}

func printReport(r *types.ClusterReport) {
	c := r.Cluster
	fmt.Printf("Reported at: %s\n", r.ReportedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Devices: %d\n", c.TotalDevices)
	fmt.Printf("Load: mean %.1f, stddev %.1f\n", c.MeanLoad, c.LoadStdDev)
	fmt.Printf("CPU cores: %.1f / %.1f allocated\n", c.AllocatedCPUCores, c.TotalCPUCores)
	fmt.Printf("Memory: %.1f / %.1f GB allocated\n", c.AllocatedMemoryGB, c.TotalMemoryGB)
	fmt.Printf("GPUs: %d / %d allocated\n", c.AllocatedGPUs, c.TotalGPUs)
	fmt.Printf("Allocations: %d (%d jobs)\n", c.ActiveAllocations, c.AssignedJobs)
	fmt.Println()

	fmt.Println("Queue:")
	for _, p := range types.Priorities {
		fmt.Printf("  %-10s %d\n", p, r.Queue.Queued[p])
	}
	fmt.Printf("  %-10s %d\n", "scheduled", r.Queue.Scheduled)
	fmt.Printf("  %-10s %d\n", "running", r.Queue.Running)
	fmt.Printf("  %-10s %d\n", "finished", r.Queue.Finished)
	fmt.Println()

	if len(r.Devices) == 0 {
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tZONE\tSTATUS\tLOAD\tCPU\tMEMORY\tGPU\tJOBS")
	for _, d := range r.Devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f\t%d\t%.1f\t%d\t%d\n",
			d.Capabilities.DeviceID,
			d.Capabilities.Zone,
			d.State.Status,
			d.State.CurrentLoad,
			d.Capabilities.CPUCores,
			d.Capabilities.MemoryGB,
			d.Capabilities.GPUCount,
			len(d.State.AssignedJobs),
		)
	}
	w.Flush()
}
