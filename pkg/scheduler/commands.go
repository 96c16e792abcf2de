package scheduler

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/hive/pkg/types"
)

func (s *Scheduler) consumeCommands(commands <-chan string) {
	for msg := range commands {
		var cmd types.DeviceCommand
		if err := json.Unmarshal([]byte(msg), &cmd); err != nil {
			s.logger.Warn().Err(err).Msg("dropping malformed device command")
			continue
		}
		if err := s.HandleCommand(cmd); err != nil {
			s.logger.Warn().Err(err).Str("device_id", cmd.DeviceID).Str("action", string(cmd.Action)).Msg("device command rejected")
		}
	}
}

// HandleCommand applies an operator request to the device registry
func (s *Scheduler) HandleCommand(cmd types.DeviceCommand) error {
	switch cmd.Action {
	case types.DeviceActionRemove:
		return s.Distributor.RemoveDevice(cmd.DeviceID)
	case types.DeviceActionSetStatus:
		if !cmd.Status.Valid() {
			return fmt.Errorf("unknown device status %q", cmd.Status)
		}
		return s.Distributor.SetDeviceStatus(cmd.DeviceID, cmd.Status)
	default:
		return fmt.Errorf("unknown device action %q", cmd.Action)
	}
}
