package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/hive/pkg/queue"
	"github.com/cuemby/hive/pkg/types"
)

// Builtin job types every worker can serve
const (
	JobTypeEcho  = "echo"
	JobTypeSleep = "sleep"
)

// Builtins returns the handlers registered by RegisterBuiltins
func Builtins() map[string]queue.HandlerFunc {
	return map[string]queue.HandlerFunc{
		JobTypeEcho:  Echo,
		JobTypeSleep: Sleep,
	}
}

// RegisterBuiltins registers every builtin handler on w
func (w *Worker) RegisterBuiltins(ctx context.Context) error {
	for jobType, fn := range Builtins() {
		if err := w.Register(ctx, jobType, fn); err != nil {
			return fmt.Errorf("failed to register %s handler: %w", jobType, err)
		}
	}
	return nil
}

// Echo returns the job payload as its result
func Echo(ctx context.Context, job *types.JobDefinition) (types.Payload, error) {
	result := make(types.Payload, len(job.Payload))
	for k, v := range job.Payload {
		result[k] = v
	}
	return result, nil
}

// Sleep waits for the payload's "duration" (a Go duration string, or
// seconds as a number) and honors cancellation
func Sleep(ctx context.Context, job *types.JobDefinition) (types.Payload, error) {
	d, err := payloadDuration(job.Payload, "duration")
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return types.Payload{"slept": d.String()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func payloadDuration(p types.Payload, key string) (time.Duration, error) {
	switch v := p[key].(type) {
	case nil:
		return 0, fmt.Errorf("payload field %q is required", key)
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return d, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case int:
		return time.Duration(v) * time.Second, nil
	default:
		return 0, fmt.Errorf("payload field %q has unsupported type %T", key, v)
	}
}
