package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/hive/pkg/types"
	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit TYPE",
	Short: "Submit a job",
	Long: `Submit a job of a registered type. A worker serving the type must
have started at least once, since submission validates against the
handlers advertised in the store.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := jobFromFlags(cmd, args[0])
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()
		q, store, err := openQueue(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		id, err := q.Submit(ctx, def)
		if err != nil {
			return err
		}
		status, err := q.GetStatus(ctx, id)
		if err != nil {
			return err
		}

		fmt.Printf("✓ Job submitted: %s\n", id)
		fmt.Printf("  Type: %s\n", def.Type)
		fmt.Printf("  Priority: %s\n", def.Priority)
		fmt.Printf("  Status: %s\n", status)
		return nil
	},
}

func jobFromFlags(cmd *cobra.Command, jobType string) (*types.JobDefinition, error) {
	payloadJSON, _ := cmd.Flags().GetString("payload")
	priorityName, _ := cmd.Flags().GetString("priority")
	maxRetries, _ := cmd.Flags().GetInt("max-retries")
	retryDelay, _ := cmd.Flags().GetDuration("retry-delay")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	dependsOn, _ := cmd.Flags().GetStringSlice("depends-on")
	in, _ := cmd.Flags().GetDuration("in")
	deadline, _ := cmd.Flags().GetDuration("deadline")
	gpu, _ := cmd.Flags().GetBool("gpu")
	memory, _ := cmd.Flags().GetFloat64("memory")
	cpu, _ := cmd.Flags().GetFloat64("cpu")

	priority, err := types.ParsePriority(priorityName)
	if err != nil {
		return nil, err
	}

	def := &types.JobDefinition{
		Type:             jobType,
		Priority:         priority,
		MaxRetries:       maxRetries,
		RetryDelay:       retryDelay,
		Timeout:          timeout,
		DependsOn:        dependsOn,
		RequiresGPU:      gpu,
		RequiredMemoryGB: memory,
		RequiredCPUCores: cpu,
	}
	if payloadJSON != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &def.Payload); err != nil {
			return nil, fmt.Errorf("invalid --payload: %w", err)
		}
	}

	now := time.Now()
	if in > 0 {
		at := now.Add(in)
		def.ScheduledAt = &at
	}
	if deadline > 0 {
		at := now.Add(deadline)
		def.Deadline = &at
	}
	return def, nil
}

var statusCmd = &cobra.Command{
	Use:   "status JOB_ID",
	Short: "Show the status and result of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]

		ctx, cancel := signalContext()
		defer cancel()
		q, store, err := openQueue(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		status, err := q.GetStatus(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("Job %s: %s\n", id, status)
		if !status.IsTerminal() {
			return nil
		}

		result, err := q.GetResult(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("  Attempts: %d\n", result.Attempts)
		if result.WorkerID != "" {
			fmt.Printf("  Worker: %s\n", result.WorkerID)
		}
		if result.ExecutionTime > 0 {
			fmt.Printf("  Execution time: %s\n", result.ExecutionTime)
		}
		if result.Error != "" {
			fmt.Printf("  Error: %s\n", result.Error)
		}
		if len(result.Result) > 0 {
			data, err := json.MarshalIndent(result.Result, "  ", "  ")
			if err != nil {
				return err
			}
			fmt.Printf("  Result: %s\n", data)
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel JOB_ID",
	Short: "Cancel a job",
	Long: `Cancel a job. Waiting jobs are cancelled immediately; running jobs
are flagged and stop once their worker notices.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]

		ctx, cancel := signalContext()
		defer cancel()
		q, store, err := openQueue(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		ok, err := q.Cancel(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			status, _ := q.GetStatus(ctx, id)
			fmt.Printf("Job %s already finished (%s)\n", id, status)
			return nil
		}

		status, err := q.GetStatus(ctx, id)
		if err != nil {
			return err
		}
		if status == types.JobStatusCancelled {
			fmt.Printf("✓ Job %s cancelled\n", id)
		} else {
			fmt.Printf("✓ Cancellation requested for job %s (%s)\n", id, status)
		}
		return nil
	},
}

func init() {
	addSubmitFlags(submitCmd)
}

func addSubmitFlags(cmd *cobra.Command) {
	cmd.Flags().String("payload", "", "Job payload as a JSON object")
	cmd.Flags().String("priority", "normal", "Priority (critical, high, normal, low, background)")
	cmd.Flags().Int("max-retries", 0, "Maximum attempts (default from config)")
	cmd.Flags().Duration("retry-delay", 0, "Base delay between attempts")
	cmd.Flags().Duration("timeout", 0, "Execution timeout per attempt (default from config)")
	cmd.Flags().StringSlice("depends-on", nil, "Job IDs that must complete first")
	cmd.Flags().Duration("in", 0, "Run no earlier than this long from now")
	cmd.Flags().Duration("deadline", 0, "Fail if not started within this long from now")
	cmd.Flags().Bool("gpu", false, "Require a GPU")
	cmd.Flags().Float64("memory", 0, "Required memory in GB")
	cmd.Flags().Float64("cpu", 0, "Required CPU cores")
}
