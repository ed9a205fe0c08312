package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type mqttConfigFile struct {
	BrokerURL string `json:"broker_url"`
	ClientID  string `json:"client_id,omitempty"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
}

type orchestratorConfigFile struct {
	Server struct {
		HTTPPort       int      `json:"http_port"`
		AuthToken      string   `json:"auth_token"`
		AllowedOrigins []string `json:"allowed_origins"`
	} `json:"server"`
	Database struct {
		Path string `json:"path"`
	} `json:"database"`
	MQTT     mqttConfigFile `json:"mqtt"`
	Sessions struct {
		GraceSeconds int `json:"grace_seconds"`
	} `json:"sessions"`
	Fleet struct {
		SweepIntervalSec   int    `json:"sweep_interval_seconds"`
		LivenessTimeoutSec int    `json:"liveness_timeout_seconds"`
		MinFirmware        string `json:"min_firmware,omitempty"`
	} `json:"fleet"`
	Alerts struct {
		Discord struct {
			BotToken  string `json:"bot_token,omitempty"`
			ChannelID string `json:"channel_id,omitempty"`
		} `json:"discord"`
	} `json:"alerts"`
}

type agentConfigFile struct {
	MachineID            string         `json:"machine_id"`
	FirmwareVersion      string         `json:"firmware_version"`
	MQTT                 mqttConfigFile `json:"mqtt"`
	HeartbeatIntervalSec int            `json:"heartbeat_interval_seconds"`
	SafetyCeilingMinutes int            `json:"safety_ceiling_minutes"`
	GPIO                 struct {
		Mode string `json:"mode"`
		Pin  int    `json:"pin,omitempty"`
	} `json:"gpio"`
}

func handleInit(args []string) {
	if len(args) > 0 {
		fmt.Fprintf(os.Stderr, "Error: init takes no subcommand\n")
		os.Exit(1)
	}

	reader := bufio.NewReader(os.Stdin)

	defaultOrchestratorPath := "/etc/stationd/orchestrator.config.json"
	defaultAgentPath := "/etc/stationd/agent.config.json"
	token, err := randomTokenHex(32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to generate token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("stationd init wizard")
	fmt.Println("This will create/update orchestrator and device agent config files.")
	fmt.Printf("- Orchestrator config: %s\n", defaultOrchestratorPath)
	fmt.Printf("- Agent config: %s\n", defaultAgentPath)
	fmt.Println()

	brokerURL := promptString(reader, "MQTT broker URL", "tcp://localhost:1883", true)
	httpPort := promptInt(reader, "Orchestrator HTTP port", 8080)
	authToken := promptString(reader, "Admin auth token", token, true)

	var orchCfg orchestratorConfigFile
	orchCfg.Server.HTTPPort = httpPort
	orchCfg.Server.AuthToken = authToken
	orchCfg.Server.AllowedOrigins = []string{}
	orchCfg.Database.Path = "/var/lib/stationd/orchestrator.db"
	orchCfg.MQTT.BrokerURL = brokerURL
	orchCfg.Sessions.GraceSeconds = 30
	orchCfg.Fleet.SweepIntervalSec = 60
	orchCfg.Fleet.LivenessTimeoutSec = 300

	if promptYesNo(reader, "Require a minimum firmware version?", false) {
		orchCfg.Fleet.MinFirmware = promptString(reader, "Firmware constraint (e.g. >= 1.0.0)", ">= 1.0.0", true)
	}
	if promptYesNo(reader, "Configure Discord alerting now?", false) {
		orchCfg.Alerts.Discord.BotToken = promptString(reader, "Discord bot token", "", true)
		orchCfg.Alerts.Discord.ChannelID = promptString(reader, "Discord alerts channel id", "", true)
	}

	var agentCfg agentConfigFile
	agentCfg.MachineID = promptString(reader, "Machine id for this agent", "", true)
	agentCfg.FirmwareVersion = promptString(reader, "Firmware version", "1.0.0", true)
	agentCfg.MQTT.BrokerURL = brokerURL
	agentCfg.HeartbeatIntervalSec = 60
	agentCfg.SafetyCeilingMinutes = 30

	if promptYesNo(reader, "Drive a real GPIO line (sysfs)?", false) {
		agentCfg.GPIO.Mode = "sysfs"
		agentCfg.GPIO.Pin = promptInt(reader, "GPIO pin number", 17)
	} else {
		agentCfg.GPIO.Mode = "simulated"
	}

	if err := writeJSONFile(defaultOrchestratorPath, orchCfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing orchestrator config: %v\n", err)
		os.Exit(1)
	}
	if err := writeJSONFile(defaultAgentPath, agentCfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing agent config: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("Done.")
	fmt.Printf("- Orchestrator config: %s\n", defaultOrchestratorPath)
	fmt.Printf("- Agent config: %s\n", defaultAgentPath)
	fmt.Println("- Next: start services with systemd (or run binaries directly)")
}

func writeJSONFile(path string, value interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal json: %w", err)
	}

	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

func randomTokenHex(bytesLen int) (string, error) {
	b := make([]byte, bytesLen)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func promptString(reader *bufio.Reader, label, def string, required bool) string {
	for {
		if def != "" {
			fmt.Printf("%s [%s]: ", label, def)
		} else {
			fmt.Printf("%s: ", label)
		}

		input, err := reader.ReadString('\n')
		if err != nil {
			fmt.Fprintln(os.Stderr, "input error, please try again")
			continue
		}
		input = strings.TrimSpace(input)

		if input == "" {
			input = def
		}

		if required && strings.TrimSpace(input) == "" {
			fmt.Println("Value is required.")
			continue
		}

		return input
	}
}

func promptInt(reader *bufio.Reader, label string, def int) int {
	for {
		raw := promptString(reader, label, strconv.Itoa(def), true)
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 || val > 65535 {
			fmt.Println("Enter a valid integer between 1 and 65535.")
			continue
		}
		return val
	}
}

func promptYesNo(reader *bufio.Reader, label string, def bool) bool {
	defLabel := "y/N"
	if def {
		defLabel = "Y/n"
	}

	for {
		fmt.Printf("%s [%s]: ", label, defLabel)
		input, err := reader.ReadString('\n')
		if err != nil {
			fmt.Fprintln(os.Stderr, "input error, please try again")
			continue
		}

		switch strings.ToLower(strings.TrimSpace(input)) {
		case "":
			return def
		case "y", "yes":
			return true
		case "n", "no":
			return false
		default:
			fmt.Println("Enter y or n.")
		}
	}
}
