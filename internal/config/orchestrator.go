package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
)

type DatabaseConfig struct {
	Path string `json:"path"`
}

type MQTTConfig struct {
	BrokerURL string `json:"broker_url"`
	ClientID  string `json:"client_id"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

type DiscordAlertConfig struct {
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type OrchestratorConfig struct {
	Server struct {
		HTTPPort       int      `json:"http_port"`
		AuthToken      string   `json:"auth_token"`
		AllowedOrigins []string `json:"allowed_origins"`
	} `json:"server"`
	Database DatabaseConfig `json:"database"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Sessions struct {
		GraceSeconds int `json:"grace_seconds"`
	} `json:"sessions"`
	Fleet struct {
		SweepIntervalSec   int    `json:"sweep_interval_seconds"`
		LivenessTimeoutSec int    `json:"liveness_timeout_seconds"`
		MinFirmware        string `json:"min_firmware"`
	} `json:"fleet"`
	Alerts struct {
		Discord DiscordAlertConfig `json:"discord"`
	} `json:"alerts"`
}

const (
	defaultGraceSeconds       = 30
	defaultSweepIntervalSec   = 60
	defaultLivenessTimeoutSec = 300
	defaultOrchestratorDBPath = "./orchestrator.db"
	defaultOrchestratorClient = "stationd-orchestrator"
)

func LoadOrchestratorConfig(path string) (*OrchestratorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg OrchestratorConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validateOrchestratorConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validateOrchestratorConfig(cfg *OrchestratorConfig) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("validation error: server.http_port must be between 1 and 65535, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.AuthToken == "" {
		return fmt.Errorf("validation error: server.auth_token is required")
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = defaultOrchestratorDBPath
	}
	if cfg.MQTT.BrokerURL == "" {
		return fmt.Errorf("validation error: mqtt.broker_url is required")
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = defaultOrchestratorClient
	}
	if cfg.Sessions.GraceSeconds <= 0 {
		cfg.Sessions.GraceSeconds = defaultGraceSeconds
	}
	if cfg.Fleet.SweepIntervalSec <= 0 {
		cfg.Fleet.SweepIntervalSec = defaultSweepIntervalSec
	}
	if cfg.Fleet.LivenessTimeoutSec <= 0 {
		cfg.Fleet.LivenessTimeoutSec = defaultLivenessTimeoutSec
	}
	if cfg.Fleet.LivenessTimeoutSec <= cfg.Fleet.SweepIntervalSec {
		return fmt.Errorf(
			"validation error: fleet.liveness_timeout_seconds (%d) must exceed fleet.sweep_interval_seconds (%d)",
			cfg.Fleet.LivenessTimeoutSec, cfg.Fleet.SweepIntervalSec,
		)
	}
	if cfg.Fleet.MinFirmware != "" {
		if _, err := semver.NewConstraint(cfg.Fleet.MinFirmware); err != nil {
			return fmt.Errorf("validation error: fleet.min_firmware is not a valid constraint: %v", err)
		}
	}
	if cfg.Alerts.Discord.BotToken != "" && cfg.Alerts.Discord.ChannelID == "" {
		return fmt.Errorf("validation error: alerts.discord.channel_id is required when a bot token is set")
	}

	return nil
}
