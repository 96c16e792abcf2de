package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/hive/pkg/coord"
	"github.com/cuemby/hive/pkg/types"
	"github.com/spf13/cobra"
)

// Device commands
var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage devices",
}

var deviceRegisterCmd = &cobra.Command{
	Use:   "register FILE",
	Short: "Announce a device to the running schedulers",
	Long: `Announce the devices in FILE (a YAML document with a "devices"
list) to every running scheduler. A device stays ONLINE only while
heartbeats keep arriving, normally from a worker running on it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, err := readDevices(args[0])
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()
		store, err := cfg.OpenStore(ctx)
		if err != nil {
			return fmt.Errorf("failed to connect to store: %w", err)
		}
		defer store.Close()

		channel := coord.NewKeys(cfg.Queue.Prefix).Heartbeats()
		for _, info := range devices {
			data, err := json.Marshal(types.DeviceHeartbeat{Device: info, SentAt: time.Now()})
			if err != nil {
				return err
			}
			if err := store.Publish(ctx, channel, string(data)); err != nil {
				return fmt.Errorf("failed to announce device %s: %w", info.ID, err)
			}
			fmt.Printf("✓ Device %s announced\n", info.ID)
		}
		return nil
	},
}

var deviceRemoveCmd = &cobra.Command{
	Use:   "remove DEVICE",
	Short: "Remove an idle device from the running schedulers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendDeviceCommand(types.DeviceCommand{DeviceID: args[0], Action: types.DeviceActionRemove})
	},
}

var deviceStatusCmd = &cobra.Command{
	Use:   "status DEVICE STATUS",
	Short: "Set the status of a device (e.g. maintenance, online)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		command, err := statusCommand(args[0], args[1])
		if err != nil {
			return err
		}
		return sendDeviceCommand(command)
	},
}

func statusCommand(deviceID, status string) (types.DeviceCommand, error) {
	s := types.DeviceStatus(status)
	if !s.Valid() {
		return types.DeviceCommand{}, fmt.Errorf("unknown device status %q", status)
	}
	return types.DeviceCommand{DeviceID: deviceID, Action: types.DeviceActionSetStatus, Status: s}, nil
}

func sendDeviceCommand(command types.DeviceCommand) error {
	ctx, cancel := signalContext()
	defer cancel()
	store, err := cfg.OpenStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to store: %w", err)
	}
	defer store.Close()

	data, err := json.Marshal(command)
	if err != nil {
		return err
	}
	if err := store.Publish(ctx, coord.NewKeys(cfg.Queue.Prefix).DeviceCommands(), string(data)); err != nil {
		return fmt.Errorf("failed to send device command: %w", err)
	}
	fmt.Printf("✓ %s sent for device %s\n", command.Action, command.DeviceID)
	return nil
}

func init() {
	deviceCmd.AddCommand(deviceRegisterCmd)
	deviceCmd.AddCommand(deviceRemoveCmd)
	deviceCmd.AddCommand(deviceStatusCmd)
}
