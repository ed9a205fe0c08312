package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Bldg-7/stationd/internal/channel"
	"github.com/Bldg-7/stationd/internal/config"
	"github.com/Bldg-7/stationd/internal/device"
)

// maxConnectAttempts bounds the startup retry loop; once connected, the
// paho client reconnects on its own.
const maxConnectAttempts = 10

func main() {
	configPath := flag.String("config", "./agent.config.json", "path to agent config file")
	flag.Parse()

	cfg, err := config.LoadAgentConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	pin, err := buildPin(cfg)
	if err != nil {
		logger.Fatal("failed to set up gpio", zap.Error(err))
	}

	actuator := device.NewRelayActuator(pin, logger,
		device.WithSafetyCeiling(time.Duration(cfg.SafetyCeilingMinutes)*time.Minute),
	)

	ch, err := connectWithRetry(cfg, logger)
	if err != nil {
		logger.Fatal("failed to connect to broker", zap.Error(err))
	}
	defer ch.Close()

	opts := []device.AgentOption{
		device.WithHeartbeatInterval(time.Duration(cfg.HeartbeatIntervalSec) * time.Second),
		device.WithFirmwareVersion(cfg.FirmwareVersion),
	}
	if cfg.TemperatureSensorPath != "" {
		opts = append(opts, device.WithTemperatureReader(sysfsTemperatureReader(cfg.TemperatureSensorPath)))
	}

	agent, err := device.NewAgent(cfg.MachineID, ch, actuator, logger, opts...)
	if err != nil {
		logger.Fatal("failed to create agent", zap.Error(err))
	}

	ctx := context.Background()
	if err := agent.Start(ctx); err != nil {
		logger.Fatal("failed to start agent", zap.Error(err))
	}
	logger.Info("device agent running",
		zap.String("machine_id", cfg.MachineID),
		zap.String("gpio_mode", cfg.GPIO.Mode),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	agent.Stop()
	logger.Info("device agent stopped")
}

func buildPin(cfg *config.AgentConfig) (device.Pin, error) {
	switch cfg.GPIO.Mode {
	case config.GPIOModeSysfs:
		return device.NewSysfsPin(cfg.GPIO.Pin)
	case config.GPIOModeSimulated:
		return device.NewSimulatedPin(), nil
	default:
		return nil, fmt.Errorf("unknown gpio mode %q", cfg.GPIO.Mode)
	}
}

func connectWithRetry(cfg *config.AgentConfig, logger *zap.Logger) (*channel.MQTTChannel, error) {
	backoff := device.DefaultBackoff()

	for {
		ch, err := channel.NewMQTTChannel(channel.MQTTConfig{
			BrokerURL: cfg.MQTT.BrokerURL,
			ClientID:  cfg.MQTT.ClientID,
			Username:  cfg.MQTT.Username,
			Password:  cfg.MQTT.Password,
		}, logger)
		if err == nil {
			backoff.Reset()
			return ch, nil
		}
		if backoff.Attempt() >= maxConnectAttempts {
			return nil, fmt.Errorf("broker unreachable after %d attempts: %w", backoff.Attempt(), err)
		}

		wait := backoff.Duration()
		logger.Warn("broker connect failed, retrying",
			zap.Duration("backoff", wait),
			zap.Int("attempt", backoff.Attempt()),
			zap.Error(err),
		)
		time.Sleep(wait)
	}
}

// sysfsTemperatureReader reads a kernel thermal zone file reporting
// millidegrees Celsius.
func sysfsTemperatureReader(path string) device.TemperatureReader {
	return func() (float64, bool) {
		data, err := os.ReadFile(path)
		if err != nil {
			return 0, false
		}
		milli, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			return 0, false
		}
		return float64(milli) / 1000.0, true
	}
}
