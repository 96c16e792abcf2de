package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cuemby/hive/pkg/coord"
	"github.com/cuemby/hive/pkg/types"
)

// ErrNoReport is returned when no scheduler has published a report recently
var ErrNoReport = errors.New("no cluster report published")

// ReadReport returns the latest ClusterReport under keys
func ReadReport(ctx context.Context, store coord.Store, keys coord.Keys) (*types.ClusterReport, error) {
	data, err := store.Get(ctx, keys.ClusterReport())
	if errors.Is(err, coord.ErrNil) {
		return nil, ErrNoReport
	}
	if err != nil {
		return nil, err
	}

	var report types.ClusterReport
	if err := json.Unmarshal([]byte(data), &report); err != nil {
		return nil, fmt.Errorf("failed to decode cluster report: %w", err)
	}
	return &report, nil
}
