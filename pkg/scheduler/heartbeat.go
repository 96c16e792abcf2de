package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cuemby/hive/pkg/distributor"
	"github.com/cuemby/hive/pkg/log"
	"github.com/cuemby/hive/pkg/types"
)

func (s *Scheduler) consumeHeartbeats(beats <-chan string) {
	for msg := range beats {
		var hb types.DeviceHeartbeat
		if err := json.Unmarshal([]byte(msg), &hb); err != nil {
			s.logger.Warn().Err(err).Msg("dropping malformed heartbeat")
			continue
		}
		if err := s.HandleHeartbeat(hb); err != nil {
			s.logger.Warn().Err(err).Str("device_id", hb.Device.ID).Msg("failed to apply heartbeat")
		}
	}
}

// HandleHeartbeat applies a worker heartbeat to the distributor,
// registering the device first if it is unknown
func (s *Scheduler) HandleHeartbeat(hb types.DeviceHeartbeat) error {
	err := s.Distributor.UpdateDeviceState(hb.Device.ID, hb.Metrics)
	if !errors.Is(err, distributor.ErrDeviceNotFound) {
		return err
	}

	if err := s.Distributor.RegisterDevice(hb.Device); err != nil {
		return fmt.Errorf("failed to register device: %w", err)
	}
	logger := log.WithDeviceID(hb.Device.ID)
	logger.Info().Str("zone", hb.Device.Zone).Msg("device joined")
	return s.Distributor.UpdateDeviceState(hb.Device.ID, hb.Metrics)
}
