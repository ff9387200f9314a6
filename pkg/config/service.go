package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/hydroware/water_meter_link/pkg/pathing"
)

var (
	ActiveMeterBridgeConfig *MeterBridgeConfig
	ActiveFlowMonitorConfig *FlowMonitorConfig
)

func LoadMeterBridgeConfig() error {
	configPath := filepath.Join(pathing.GetConfigDir(), "meter_bridge.toml")

	// Create default if not exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := &MeterBridgeConfig{
			SerialDevice:  "/dev/rfcomm0",
			Baudrate:      9600,
			ListenAddress: "0.0.0.0",
			ListenPort:    9047,
			AutoConnect:   false,
		}
		// Create file
		cfgFile, err := os.Create(configPath)
		if err != nil {
			return err
		}
		defer cfgFile.Close()
		toml.NewEncoder(cfgFile).Encode(cfg)
		ActiveMeterBridgeConfig = cfg
		return nil
	}

	// Load existing config
	var config MeterBridgeConfig
	_, err := toml.DecodeFile(configPath, &config)
	if err != nil {
		return err
	}
	ActiveMeterBridgeConfig = &config
	return nil
}

func LoadFlowMonitorConfig() error {
	configPath := filepath.Join(pathing.GetConfigDir(), "flow_monitor.toml")

	// Create default if not exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := &FlowMonitorConfig{
			BridgeHost: "localhost:9047",
			TLSEnabled: false,
		}
		// Create file
		cfgFile, err := os.Create(configPath)
		if err != nil {
			return err
		}
		defer cfgFile.Close()
		toml.NewEncoder(cfgFile).Encode(cfg)
		ActiveFlowMonitorConfig = cfg
		return nil
	}

	// Load existing config
	var config FlowMonitorConfig
	_, err := toml.DecodeFile(configPath, &config)
	if err != nil {
		return err
	}
	ActiveFlowMonitorConfig = &config
	return nil
}
