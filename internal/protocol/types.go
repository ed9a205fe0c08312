package protocol

import "errors"

// Protocol version constant
const ProtocolVersion = 1

// Error types for protocol validation
var (
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrMissingType        = errors.New("missing required field: type")
	ErrMissingTimestamp   = errors.New("missing required field: timestamp")
	ErrInvalidPayload     = errors.New("invalid payload")
)

// MessageType represents the type of message being sent
type MessageType string

const (
	MessageTypeActivate   MessageType = "activate"
	MessageTypeDeactivate MessageType = "deactivate"
	MessageTypeStatus     MessageType = "status"
	MessageTypeHeartbeat  MessageType = "heartbeat"
)

// RelayState is the device-reported state of the physical relay.
type RelayState string

const (
	RelayActive   RelayState = "active"
	RelayInactive RelayState = "inactive"
	RelayError    RelayState = "error"
)

// Device error codes carried inside status events. Device-side failures
// travel upstream as data, never as transport errors.
const (
	ErrorCodeAlreadyActive   = "already_active"
	ErrorCodeInvalidDuration = "invalid_duration"
	ErrorCodeRelayFault      = "relay_fault"
)

// ActivateCommand instructs a machine to arm its relay for a bounded
// duration on behalf of a session.
type ActivateCommand struct {
	SessionID       string `json:"session_id"`
	MachineID       string `json:"machine_id"`
	DurationMinutes int    `json:"duration_minutes"`
}

// DeactivateCommand instructs a machine to disarm its relay immediately,
// regardless of remaining duration.
type DeactivateCommand struct {
	SessionID string `json:"session_id"`
	MachineID string `json:"machine_id"`
	Reason    string `json:"reason"`
}

// StatusEvent reports a relay state change, optionally tied to a session.
type StatusEvent struct {
	MachineID string     `json:"machine_id"`
	SessionID string     `json:"session_id,omitempty"`
	Relay     RelayState `json:"relay"`
	ErrorCode string     `json:"error_code,omitempty"`
	Timestamp int64      `json:"timestamp"`
}

// HeartbeatEvent is periodic telemetry published regardless of activation
// state. Temperature is optional; not every controller carries a sensor.
type HeartbeatEvent struct {
	MachineID       string   `json:"machine_id"`
	TemperatureC    *float64 `json:"temperature_c,omitempty"`
	RelayActive     bool     `json:"relay_active"`
	FirmwareVersion string   `json:"firmware_version,omitempty"`
	Timestamp       int64    `json:"timestamp"`
}
