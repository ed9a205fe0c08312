package device

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrAlreadyActive   = errors.New("relay already active")
	ErrInvalidDuration = errors.New("invalid activation duration")
)

// DefaultSafetyCeiling is the longest activation the device will accept,
// enforced locally regardless of what the server requested.
const DefaultSafetyCeiling = 30 * time.Minute

// Pin is the hardware capability the actuator drives. Implementations:
// SimulatedPin for development and tests, SysfsPin for real GPIO. Selected
// at composition time in cmd/deviceagent.
type Pin interface {
	Set(on bool) error
}

// RelayActuator drives a physical switch for a bounded duration. Exactly
// one auto-off timer may be outstanding at a time; the AlreadyActive guard
// enforces that, not timer replacement.
type RelayActuator struct {
	pin     Pin
	ceiling time.Duration
	logger  *zap.Logger

	// afterFunc arms the single-shot auto-off timer; replaced in tests to
	// simulate time advancement.
	afterFunc func(d time.Duration, fn func()) *time.Timer

	onAutoOff func()

	mu     sync.Mutex
	active bool
	timer  *time.Timer
}

// ActuatorOption configures a RelayActuator.
type ActuatorOption func(*RelayActuator)

// WithSafetyCeiling overrides the local activation ceiling.
func WithSafetyCeiling(d time.Duration) ActuatorOption {
	return func(a *RelayActuator) { a.ceiling = d }
}

// WithAutoOffHandler sets a callback invoked after the auto-off timer has
// disarmed the relay.
func WithAutoOffHandler(fn func()) ActuatorOption {
	return func(a *RelayActuator) { a.onAutoOff = fn }
}

// WithTimerFunc replaces the timer constructor. Tests use this to fire the
// auto-off path under simulated time.
func WithTimerFunc(fn func(d time.Duration, f func()) *time.Timer) ActuatorOption {
	return func(a *RelayActuator) { a.afterFunc = fn }
}

// NewRelayActuator creates an actuator over the given pin.
func NewRelayActuator(pin Pin, logger *zap.Logger, opts ...ActuatorOption) *RelayActuator {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &RelayActuator{
		pin:       pin,
		ceiling:   DefaultSafetyCeiling,
		logger:    logger,
		afterFunc: time.AfterFunc,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Activate arms the relay for the given duration. It fails with
// ErrAlreadyActive while armed and with ErrInvalidDuration outside
// (0, ceiling]. On success a single-shot timer disarms the relay through
// the same path Deactivate uses.
func (a *RelayActuator) Activate(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidDuration, d)
	}
	if d > a.ceiling {
		return fmt.Errorf("%w: %s exceeds safety ceiling %s", ErrInvalidDuration, d, a.ceiling)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active {
		return ErrAlreadyActive
	}

	if err := a.pin.Set(true); err != nil {
		return fmt.Errorf("switch relay on: %w", err)
	}

	a.active = true
	a.timer = a.afterFunc(d, a.autoOff)

	a.logger.Info("relay armed", zap.Duration("duration", d))
	return nil
}

// Deactivate disarms the relay immediately. Calling it while inactive is a
// safe no-op.
func (a *RelayActuator) Deactivate() error {
	a.mu.Lock()
	wasActive, err := a.disarmLocked()
	a.mu.Unlock()

	if wasActive {
		a.logger.Info("relay disarmed")
	}
	return err
}

// EmergencyStop clears any pending timer and forces the output off. It
// never fails; pin errors are logged and swallowed.
func (a *RelayActuator) EmergencyStop() {
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.active = false
	err := a.pin.Set(false)
	a.mu.Unlock()

	if err != nil {
		a.logger.Error("emergency stop: pin write failed", zap.Error(err))
	}
	a.logger.Warn("emergency stop executed")
}

// Active reports whether the relay is currently armed.
func (a *RelayActuator) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// autoOff is the timer expiry path. It shares disarmLocked with Deactivate
// so expiry and explicit deactivation race safely by idempotence.
func (a *RelayActuator) autoOff() {
	a.mu.Lock()
	wasActive, err := a.disarmLocked()
	onAutoOff := a.onAutoOff
	a.mu.Unlock()

	if !wasActive {
		return
	}
	if err != nil {
		a.logger.Error("auto-off: pin write failed", zap.Error(err))
	}
	a.logger.Info("relay auto-off")
	if onAutoOff != nil {
		onAutoOff()
	}
}

// disarmLocked clears the armed state and drives the pin low. The armed
// flag clears even when the pin write fails; EmergencyStop remains the
// recovery path for a stuck output.
func (a *RelayActuator) disarmLocked() (wasActive bool, err error) {
	if !a.active {
		return false, nil
	}

	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.active = false

	if pinErr := a.pin.Set(false); pinErr != nil {
		return true, fmt.Errorf("switch relay off: %w", pinErr)
	}
	return true, nil
}
