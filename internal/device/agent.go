package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/Bldg-7/stationd/internal/channel"
	"github.com/Bldg-7/stationd/internal/protocol"
)

const (
	// DefaultHeartbeatInterval is how often telemetry is published
	// regardless of activation state.
	DefaultHeartbeatInterval = 60 * time.Second

	commandDedupSize = 256
)

// TemperatureReader reports the controller temperature if a sensor is
// fitted. The second return is false when no reading is available.
type TemperatureReader func() (float64, bool)

// Agent runs on the controller attached to one machine. It consumes the
// machine's command topic, drives the relay actuator and publishes status
// and heartbeat events upstream.
type Agent struct {
	machineID       string
	firmwareVersion string
	ch              channel.Channel
	actuator        *RelayActuator
	logger          *zap.Logger

	heartbeatInterval time.Duration
	tempReader        TemperatureReader

	// The channel delivers at least once; request IDs already handled are
	// dropped here before they reach the actuator.
	seenCommands *lru.Cache[string, struct{}]

	mu        sync.Mutex
	sessionID string
	running   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithHeartbeatInterval overrides the heartbeat period.
func WithHeartbeatInterval(d time.Duration) AgentOption {
	return func(a *Agent) { a.heartbeatInterval = d }
}

// WithTemperatureReader wires an optional temperature sensor.
func WithTemperatureReader(r TemperatureReader) AgentOption {
	return func(a *Agent) { a.tempReader = r }
}

// WithFirmwareVersion sets the version reported in heartbeats.
func WithFirmwareVersion(v string) AgentOption {
	return func(a *Agent) { a.firmwareVersion = v }
}

// NewAgent creates a device agent for one machine. The actuator's auto-off
// handler is claimed by the agent so timer expiry is reported upstream.
func NewAgent(machineID string, ch channel.Channel, actuator *RelayActuator, logger *zap.Logger, opts ...AgentOption) (*Agent, error) {
	if machineID == "" {
		return nil, fmt.Errorf("machine id is required")
	}
	if ch == nil {
		return nil, fmt.Errorf("channel is required")
	}
	if actuator == nil {
		return nil, fmt.Errorf("actuator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	seen, err := lru.New[string, struct{}](commandDedupSize)
	if err != nil {
		return nil, fmt.Errorf("create command dedup cache: %w", err)
	}

	a := &Agent{
		machineID:         machineID,
		ch:                ch,
		actuator:          actuator,
		logger:            logger,
		heartbeatInterval: DefaultHeartbeatInterval,
		seenCommands:      seen,
	}
	for _, opt := range opts {
		opt(a)
	}

	actuator.onAutoOff = a.handleAutoOff
	return a, nil
}

// Start subscribes to the command topic and begins the heartbeat loop.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("agent is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, a.cancel = context.WithCancel(ctx)

	if err := a.ch.Subscribe(ctx, protocol.CommandTopic(a.machineID), a.handleCommand); err != nil {
		return fmt.Errorf("subscribe commands for %s: %w", a.machineID, err)
	}

	a.wg.Add(1)
	go a.heartbeatLoop(ctx)

	a.logger.Info("device agent started",
		zap.String("machine_id", a.machineID),
		zap.Duration("heartbeat_interval", a.heartbeatInterval),
	)
	return nil
}

// Stop halts the heartbeat loop. The relay is left to its own auto-off
// timer; forcing it off is the operator's call via EmergencyStop.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

func (a *Agent) handleCommand(topic string, env *protocol.Envelope) {
	if env.RequestID != "" {
		if _, dup := a.seenCommands.Get(env.RequestID); dup {
			a.logger.Debug("dropping duplicate command", zap.String("request_id", env.RequestID))
			return
		}
		a.seenCommands.Add(env.RequestID, struct{}{})
	}

	switch protocol.MessageType(env.Type) {
	case protocol.MessageTypeActivate:
		a.handleActivate(env)
	case protocol.MessageTypeDeactivate:
		a.handleDeactivate(env)
	default:
		a.logger.Warn("ignoring unexpected command type",
			zap.String("type", env.Type),
			zap.String("topic", topic),
		)
	}
}

func (a *Agent) handleActivate(env *protocol.Envelope) {
	var cmd protocol.ActivateCommand
	if err := json.Unmarshal(env.Payload, &cmd); err != nil {
		a.logger.Warn("discarding malformed activate payload", zap.Error(err))
		return
	}
	if cmd.MachineID != a.machineID {
		a.logger.Warn("activate addressed to another machine",
			zap.String("machine_id", cmd.MachineID),
		)
		return
	}

	duration := time.Duration(cmd.DurationMinutes) * time.Minute
	if err := a.actuator.Activate(duration); err != nil {
		// Rejections cross the network as status events, never as
		// transport errors.
		code := protocol.ErrorCodeRelayFault
		switch {
		case errors.Is(err, ErrAlreadyActive):
			code = protocol.ErrorCodeAlreadyActive
		case errors.Is(err, ErrInvalidDuration):
			code = protocol.ErrorCodeInvalidDuration
		}
		a.logger.Warn("activation rejected",
			zap.String("session_id", cmd.SessionID),
			zap.String("error_code", code),
			zap.Error(err),
		)
		a.publishStatus(cmd.SessionID, protocol.RelayError, code)
		return
	}

	a.mu.Lock()
	a.sessionID = cmd.SessionID
	a.mu.Unlock()

	a.logger.Info("session activated",
		zap.String("session_id", cmd.SessionID),
		zap.Int("duration_minutes", cmd.DurationMinutes),
	)
	a.publishStatus(cmd.SessionID, protocol.RelayActive, "")
}

func (a *Agent) handleDeactivate(env *protocol.Envelope) {
	var cmd protocol.DeactivateCommand
	if err := json.Unmarshal(env.Payload, &cmd); err != nil {
		a.logger.Warn("discarding malformed deactivate payload", zap.Error(err))
		return
	}
	if cmd.MachineID != a.machineID {
		return
	}

	a.mu.Lock()
	sessionID := a.sessionID
	a.sessionID = ""
	a.mu.Unlock()
	if sessionID == "" {
		sessionID = cmd.SessionID
	}

	if err := a.actuator.Deactivate(); err != nil {
		a.logger.Error("deactivate failed, forcing emergency stop", zap.Error(err))
		a.actuator.EmergencyStop()
	}

	a.logger.Info("session deactivated",
		zap.String("session_id", sessionID),
		zap.String("reason", cmd.Reason),
	)
	a.publishStatus(sessionID, protocol.RelayInactive, "")
}

// handleAutoOff runs when the actuator's local timer expires without a
// deactivate command having arrived.
func (a *Agent) handleAutoOff() {
	a.mu.Lock()
	sessionID := a.sessionID
	a.sessionID = ""
	a.mu.Unlock()

	a.publishStatus(sessionID, protocol.RelayInactive, "")
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.heartbeatInterval)
	defer ticker.Stop()

	a.publishHeartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.publishHeartbeat(ctx)
		}
	}
}

func (a *Agent) publishHeartbeat(ctx context.Context) {
	hb := protocol.HeartbeatEvent{
		MachineID:       a.machineID,
		RelayActive:     a.actuator.Active(),
		FirmwareVersion: a.firmwareVersion,
		Timestamp:       time.Now().UTC().Unix(),
	}
	if a.tempReader != nil {
		if temp, ok := a.tempReader(); ok {
			hb.TemperatureC = &temp
		}
	}

	env, err := protocol.NewEnvelope(protocol.MessageTypeHeartbeat, uuid.NewString(), hb)
	if err != nil {
		a.logger.Error("build heartbeat envelope failed", zap.Error(err))
		return
	}
	if err := a.ch.Publish(ctx, protocol.HeartbeatTopic(a.machineID), env); err != nil {
		a.logger.Warn("publish heartbeat failed", zap.Error(err))
	}
}

func (a *Agent) publishStatus(sessionID string, relay protocol.RelayState, errorCode string) {
	event := protocol.StatusEvent{
		MachineID: a.machineID,
		SessionID: sessionID,
		Relay:     relay,
		ErrorCode: errorCode,
		Timestamp: time.Now().UTC().Unix(),
	}

	env, err := protocol.NewEnvelope(protocol.MessageTypeStatus, uuid.NewString(), event)
	if err != nil {
		a.logger.Error("build status envelope failed", zap.Error(err))
		return
	}
	if err := a.ch.Publish(context.Background(), protocol.StatusTopic(a.machineID), env); err != nil {
		a.logger.Warn("publish status failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}
