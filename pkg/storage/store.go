package storage

import (
	"errors"

	"github.com/cuemby/hive/pkg/types"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("storage: record not found")

// Store defines durable storage for state that outlives the coordination
// store: device registrations and archived terminal job results
type Store interface {
	// Devices
	SaveDevice(device *types.DeviceCapabilities) error
	GetDevice(id string) (*types.DeviceCapabilities, error)
	ListDevices() ([]*types.DeviceCapabilities, error)
	DeleteDevice(id string) error

	// Results
	SaveResult(result *types.JobResult) error
	GetResult(jobID string) (*types.JobResult, error)
	DeleteResult(jobID string) error

	// Utility
	Close() error
}
