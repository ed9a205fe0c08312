package orchestrator

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultGracePeriod pads the server-side deadline past the device's own
// auto-off timer so the device normally reports the end first.
const DefaultGracePeriod = 30 * time.Second

// DeadlineArena tracks one expiry timer per active session. It is the
// server's backstop: the device has its own auto-off timer, and the arena
// fires only when the device's end-of-session report never arrives.
type DeadlineArena struct {
	logger    *zap.Logger
	grace     time.Duration
	afterFunc func(time.Duration, func()) *time.Timer
	onExpire  func(sessionID string)

	mu     sync.Mutex
	timers map[string]*time.Timer
}

type ArenaOption func(*DeadlineArena)

// WithGracePeriod overrides the padding added to every deadline.
func WithGracePeriod(d time.Duration) ArenaOption {
	return func(a *DeadlineArena) { a.grace = d }
}

// WithArenaTimerFunc swaps the timer source, for simulated time in tests.
func WithArenaTimerFunc(f func(time.Duration, func()) *time.Timer) ArenaOption {
	return func(a *DeadlineArena) { a.afterFunc = f }
}

func NewDeadlineArena(onExpire func(sessionID string), logger *zap.Logger, opts ...ArenaOption) *DeadlineArena {
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &DeadlineArena{
		logger:    logger,
		grace:     DefaultGracePeriod,
		afterFunc: time.AfterFunc,
		onExpire:  onExpire,
		timers:    make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Arm schedules expiry for a session at duration+grace from now. Re-arming
// an already-armed session replaces its timer.
func (a *DeadlineArena) Arm(sessionID string, duration time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if old, ok := a.timers[sessionID]; ok {
		old.Stop()
	}

	a.timers[sessionID] = a.afterFunc(duration+a.grace, func() {
		a.expire(sessionID)
	})

	a.logger.Debug("deadline armed",
		zap.String("session_id", sessionID),
		zap.Duration("duration", duration),
		zap.Duration("grace", a.grace),
	)
}

// Cancel disarms a session's deadline, typically because the device already
// reported the session over. Cancelling an unknown session is a no-op.
func (a *DeadlineArena) Cancel(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if timer, ok := a.timers[sessionID]; ok {
		timer.Stop()
		delete(a.timers, sessionID)
	}
}

// Armed reports whether a deadline is outstanding for the session.
func (a *DeadlineArena) Armed(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.timers[sessionID]
	return ok
}

func (a *DeadlineArena) expire(sessionID string) {
	a.mu.Lock()
	_, ok := a.timers[sessionID]
	if ok {
		delete(a.timers, sessionID)
	}
	a.mu.Unlock()

	// A cancel racing the timer firing wins; the callback is skipped.
	if !ok {
		return
	}

	a.logger.Info("session deadline expired without device report",
		zap.String("session_id", sessionID),
	)
	if a.onExpire != nil {
		a.onExpire(sessionID)
	}
}

// Shutdown stops every outstanding timer without firing callbacks.
func (a *DeadlineArena) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for sessionID, timer := range a.timers {
		timer.Stop()
		delete(a.timers, sessionID)
	}
}
