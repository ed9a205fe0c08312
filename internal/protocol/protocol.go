package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope wraps every message crossing the command channel: a protocol
// version, the message type, a request ID for idempotent consumption, a
// timestamp, and the type-specific payload.
type Envelope struct {
	Version   int             `json:"version"`
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope builds a validated envelope around the given payload.
func NewEnvelope(msgType MessageType, requestID string, payload interface{}) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}

	env := &Envelope{
		Version:   ProtocolVersion,
		Type:      string(msgType),
		RequestID: requestID,
		Timestamp: time.Now().UTC().Unix(),
		Payload:   data,
	}
	if err := validateEnvelope(env); err != nil {
		return nil, err
	}
	return env, nil
}

// MarshalEnvelope converts an Envelope to JSON bytes
func MarshalEnvelope(env *Envelope) ([]byte, error) {
	if err := validateEnvelope(env); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// UnmarshalEnvelope converts JSON bytes to an Envelope with validation
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if err := validateEnvelope(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// validateEnvelope checks that the envelope has all required fields and valid version
func validateEnvelope(env *Envelope) error {
	if env.Version != ProtocolVersion {
		return fmt.Errorf("%w: got %d, expected %d", ErrUnsupportedVersion, env.Version, ProtocolVersion)
	}
	if env.Type == "" {
		return ErrMissingType
	}
	if env.Timestamp == 0 {
		return ErrMissingTimestamp
	}
	return nil
}
