package config

import (
	"encoding/json"
	"fmt"
	"os"
)

type GPIOConfig struct {
	Mode string `json:"mode"` // "simulated" or "sysfs"
	Pin  int    `json:"pin"`
}

type AgentConfig struct {
	MachineID             string     `json:"machine_id"`
	FirmwareVersion       string     `json:"firmware_version"`
	MQTT                  MQTTConfig `json:"mqtt"`
	HeartbeatIntervalSec  int        `json:"heartbeat_interval_seconds"`
	SafetyCeilingMinutes  int        `json:"safety_ceiling_minutes"`
	GPIO                  GPIOConfig `json:"gpio"`
	TemperatureSensorPath string     `json:"temperature_sensor_path"`
}

const (
	defaultHeartbeatIntervalSec = 60
	defaultSafetyCeilingMinutes = 30

	GPIOModeSimulated = "simulated"
	GPIOModeSysfs     = "sysfs"
)

func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AgentConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validateAgentConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validateAgentConfig(cfg *AgentConfig) error {
	if cfg.MachineID == "" {
		return fmt.Errorf("validation error: machine_id is required")
	}
	if cfg.MQTT.BrokerURL == "" {
		return fmt.Errorf("validation error: mqtt.broker_url is required")
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "stationd-agent-" + cfg.MachineID
	}
	if cfg.HeartbeatIntervalSec <= 0 {
		cfg.HeartbeatIntervalSec = defaultHeartbeatIntervalSec
	}
	if cfg.SafetyCeilingMinutes <= 0 {
		cfg.SafetyCeilingMinutes = defaultSafetyCeilingMinutes
	}

	switch cfg.GPIO.Mode {
	case "":
		cfg.GPIO.Mode = GPIOModeSimulated
	case GPIOModeSimulated:
	case GPIOModeSysfs:
		if cfg.GPIO.Pin <= 0 {
			return fmt.Errorf("validation error: gpio.pin must be positive in sysfs mode, got %d", cfg.GPIO.Pin)
		}
	default:
		return fmt.Errorf("validation error: gpio.mode must be %q or %q, got %q", GPIOModeSimulated, GPIOModeSysfs, cfg.GPIO.Mode)
	}

	return nil
}
