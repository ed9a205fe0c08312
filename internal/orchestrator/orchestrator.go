package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Bldg-7/stationd/internal/channel"
	"github.com/Bldg-7/stationd/internal/protocol"
)

const (
	// MinSessionMinutes and MaxSessionMinutes bound what a customer can buy.
	// The device enforces the same ceiling independently.
	MinSessionMinutes = 1
	MaxSessionMinutes = 30
)

var (
	ErrInvalidDuration    = errors.New("session duration out of range")
	ErrMachineUnavailable = errors.New("machine unavailable")
)

// EventSink receives lifecycle events for the live admin feed.
type EventSink interface {
	Broadcast(eventType string, payload interface{})
}

// Notifier delivers operational alerts (machine offline, maintenance due,
// emergency stops).
type Notifier interface {
	Alert(ctx context.Context, title, message string) error
}

// Orchestrator owns the session state machine. It is the single writer for
// session and machine state transitions; the channel, the deadline arena and
// the HTTP API all funnel into it.
type Orchestrator struct {
	registry  *MachineRegistry
	store     *SessionStore
	publisher channel.Publisher
	arena     *DeadlineArena
	dedup     *eventDedupCache
	audit     *AuditLogger
	logger    *zap.Logger

	sink     EventSink
	notifier Notifier

	now func() time.Time

	// Serializes lifecycle transitions so a status event and a deadline
	// expiry for the same session cannot interleave.
	mu sync.Mutex
}

type Option func(*Orchestrator)

// WithEventSink wires the live admin feed.
func WithEventSink(sink EventSink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

// WithNotifier wires operational alerting.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithAuditLogger wires the audit trail for operator actions.
func WithAuditLogger(a *AuditLogger) Option {
	return func(o *Orchestrator) { o.audit = a }
}

// WithClock swaps the time source, for operating-hours tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(registry *MachineRegistry, store *SessionStore, publisher channel.Publisher, logger *zap.Logger, arenaOpts []ArenaOption, opts ...Option) (*Orchestrator, error) {
	if registry == nil || store == nil || publisher == nil {
		return nil, fmt.Errorf("registry, store and publisher are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dedup, err := newEventDedupCache(dedupCacheSizePerMachine)
	if err != nil {
		return nil, fmt.Errorf("create event dedup cache: %w", err)
	}

	o := &Orchestrator{
		registry:  registry,
		store:     store,
		publisher: publisher,
		dedup:     dedup,
		logger:    logger,
		now:       time.Now,
	}
	o.arena = NewDeadlineArena(o.handleDeadlineExpired, logger, arenaOpts...)
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Subscribe attaches the orchestrator to the fleet's status topics.
func (o *Orchestrator) Subscribe(ctx context.Context, sub channel.Subscriber) error {
	if err := sub.Subscribe(ctx, protocol.TopicAllStatus, o.HandleStatusEvent); err != nil {
		return fmt.Errorf("subscribe status events: %w", err)
	}
	return nil
}

// CreateSession validates availability and records a pending session. The
// relay is not touched until payment confirms.
func (o *Orchestrator) CreateSession(machineID string, durationMinutes int, paymentMethod string) (Session, error) {
	if durationMinutes < MinSessionMinutes || durationMinutes > MaxSessionMinutes {
		return Session{}, fmt.Errorf("create session: %d minutes: %w", durationMinutes, ErrInvalidDuration)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	machine, err := o.registry.GetMachine(machineID)
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}

	if machine.Status != MachineStatusOnline {
		return Session{}, fmt.Errorf("create session: machine %s is %s: %w", machineID, machine.Status, ErrMachineUnavailable)
	}
	if !o.withinOperatingHours(machine) {
		return Session{}, fmt.Errorf("create session: machine %s is outside operating hours: %w", machineID, ErrMachineUnavailable)
	}
	if existing, busy := o.store.ActiveForMachine(machineID); busy {
		return Session{}, fmt.Errorf("create session: machine %s claimed by session %s: %w", machineID, existing.ID, ErrMachineUnavailable)
	}

	session := Session{
		ID:              uuid.NewString(),
		MachineID:       machineID,
		DurationMinutes: durationMinutes,
		Cost:            float64(durationMinutes) * machine.PricePerMinute,
		PaymentMethod:   paymentMethod,
		Status:          SessionStatusPending,
		CreatedAt:       o.now().UTC(),
	}

	if err := o.store.Add(session); err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}

	sessionsCreated.Inc()
	o.logger.Info("session created",
		zap.String("session_id", session.ID),
		zap.String("machine_id", machineID),
		zap.Int("duration_minutes", durationMinutes),
		zap.Float64("cost", session.Cost),
	)
	o.broadcast("session.created", session)

	return session, nil
}

// AttachPaymentRef records the processor reference for a pending session so
// later notifications can be resolved back to it.
func (o *Orchestrator) AttachPaymentRef(sessionID, ref string) error {
	session, err := o.store.Get(sessionID)
	if err != nil {
		return fmt.Errorf("attach payment ref: %w", err)
	}
	return o.store.SetPaymentRef(sessionID, session.PaymentMethod, ref)
}

// StartSession activates a paid session: marks the session active, arms the
// server-side deadline, then publishes the activate command. State settles
// before the publish so the device's synchronous reply never races it; a
// failed publish rolls the session into failed.
func (o *Orchestrator) StartSession(ctx context.Context, sessionID string) error {
	o.mu.Lock()

	session, err := o.store.Get(sessionID)
	if err != nil {
		o.mu.Unlock()
		return fmt.Errorf("start session: %w", err)
	}
	if session.Terminal() {
		o.mu.Unlock()
		return fmt.Errorf("start session %s: %w", sessionID, ErrSessionTerminal)
	}
	if session.Status == SessionStatusActive {
		o.mu.Unlock()
		return nil
	}

	session, err = o.store.MarkActive(sessionID, o.now())
	if err != nil {
		o.mu.Unlock()
		return fmt.Errorf("start session: %w", err)
	}
	if err := o.registry.SetStatus(session.MachineID, MachineStatusInUse); err != nil {
		o.logger.Warn("mark machine in use failed",
			zap.String("machine_id", session.MachineID),
			zap.Error(err),
		)
	}
	o.arena.Arm(session.ID, time.Duration(session.DurationMinutes)*time.Minute)
	o.mu.Unlock()

	cmd := protocol.ActivateCommand{
		SessionID:       session.ID,
		MachineID:       session.MachineID,
		DurationMinutes: session.DurationMinutes,
	}
	env, err := protocol.NewEnvelope(protocol.MessageTypeActivate, uuid.NewString(), cmd)
	if err == nil {
		err = o.publisher.Publish(ctx, protocol.CommandTopic(session.MachineID), env)
	}
	if err != nil {
		if failErr := o.FailSession(ctx, sessionID, "command delivery failed"); failErr != nil {
			o.logger.Error("roll back undeliverable session failed", zap.Error(failErr))
		}
		return fmt.Errorf("start session %s: publish activate: %w", sessionID, err)
	}

	sessionsStarted.Inc()
	o.logger.Info("session started",
		zap.String("session_id", session.ID),
		zap.String("machine_id", session.MachineID),
	)
	o.broadcast("session.started", session)

	return nil
}

// CompleteSession ends a session normally. Safe to call more than once: the
// first terminal transition wins, later calls are no-ops. A session that is
// still pending cannot complete and is failed instead.
func (o *Orchestrator) CompleteSession(ctx context.Context, sessionID, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.endSessionLocked(ctx, sessionID, reason, false)
}

// FailSession ends a session abnormally, deactivating the relay if it may
// still be on.
func (o *Orchestrator) FailSession(ctx context.Context, sessionID, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.endSessionLocked(ctx, sessionID, reason, true)
}

func (o *Orchestrator) endSessionLocked(ctx context.Context, sessionID, reason string, failed bool) error {
	session, err := o.store.Get(sessionID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if session.Terminal() {
		return nil
	}
	wasActive := session.Status == SessionStatusActive

	// A pending session never ran: its only exits are activation and failed.
	// Ending one for any reason must not book it as completed revenue.
	if !failed && !wasActive {
		failed = true
	}

	o.arena.Cancel(sessionID)

	if failed {
		session, err = o.store.MarkFailed(sessionID, reason, o.now())
	} else {
		session, err = o.store.MarkCompleted(sessionID, reason, o.now())
	}
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}

	// Deactivate unless the device itself reported the relay off.
	if wasActive && reason != EndReasonDeviceOff {
		o.publishDeactivate(ctx, session, reason)
	}

	if wasActive {
		o.releaseMachineLocked(ctx, session, !failed)
	}

	if failed {
		sessionsFailed.Inc()
	} else {
		sessionsCompleted.Inc()
		revenueTotal.Add(session.Cost)
	}
	o.logger.Info("session ended",
		zap.String("session_id", session.ID),
		zap.String("machine_id", session.MachineID),
		zap.String("status", string(session.Status)),
		zap.String("reason", reason),
	)
	o.broadcast("session.ended", session)

	return nil
}

// releaseMachineLocked returns the machine to the pool after a session.
// Usage accrues only when the session completed: a failed session delivered
// no run time. The machine goes back online only from in_use; a machine the
// liveness sweep marked offline mid-session stays offline until its next
// heartbeat. Maintenance diversion wins either way.
func (o *Orchestrator) releaseMachineLocked(ctx context.Context, session Session, accrue bool) {
	machine, err := o.registry.GetMachine(session.MachineID)
	if err != nil {
		o.logger.Error("release machine failed",
			zap.String("machine_id", session.MachineID),
			zap.Error(err),
		)
		return
	}
	if accrue {
		machine, err = o.registry.AddOperatingMinutes(session.MachineID, session.DurationMinutes)
		if err != nil {
			o.logger.Error("accrue operating minutes failed",
				zap.String("machine_id", session.MachineID),
				zap.Error(err),
			)
			return
		}
	}

	next := machine.Status
	switch {
	case machine.MaintenanceInterval > 0 && machine.OperatingMinutes >= machine.MaintenanceInterval:
		next = MachineStatusMaintenance
		maintenanceDiversions.Inc()
		o.notify(ctx, "Maintenance due",
			fmt.Sprintf("Machine %s reached %d operating minutes (interval %d) and was taken out of service.",
				machine.ID, machine.OperatingMinutes, machine.MaintenanceInterval),
		)
	case machine.Status == MachineStatusInUse:
		next = MachineStatusOnline
	}
	if next == machine.Status {
		return
	}

	if err := o.registry.SetStatus(session.MachineID, next); err != nil {
		o.logger.Error("release machine failed",
			zap.String("machine_id", session.MachineID),
			zap.Error(err),
		)
	}
}

// EmergencyStop cuts power on a machine immediately, failing any session in
// flight. Operator actions always land in the audit log.
func (o *Orchestrator) EmergencyStop(ctx context.Context, machineID, actor string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, err := o.registry.GetMachine(machineID); err != nil {
		return fmt.Errorf("emergency stop: %w", err)
	}

	// Ending the session publishes the deactivate itself, after the session
	// is terminal, so the device's reply cannot re-enter a live transition.
	if session, hasSession := o.store.ActiveForMachine(machineID); hasSession {
		if err := o.endSessionLocked(ctx, session.ID, EndReasonEmergencyStop, true); err != nil {
			o.recordAudit(actor, "emergency_stop", machineID, "fail session failed", "error")
			return fmt.Errorf("emergency stop machine %s: %w", machineID, err)
		}
	} else {
		cmd := protocol.DeactivateCommand{
			MachineID: machineID,
			Reason:    EndReasonEmergencyStop,
		}
		env, err := protocol.NewEnvelope(protocol.MessageTypeDeactivate, uuid.NewString(), cmd)
		if err != nil {
			return fmt.Errorf("emergency stop machine %s: %w", machineID, err)
		}
		if err := o.publisher.Publish(ctx, protocol.CommandTopic(machineID), env); err != nil {
			o.recordAudit(actor, "emergency_stop", machineID, "publish deactivate failed", "error")
			return fmt.Errorf("emergency stop machine %s: publish deactivate: %w", machineID, err)
		}
	}

	emergencyStops.Inc()
	o.recordAudit(actor, "emergency_stop", machineID, "", "ok")
	o.notify(ctx, "Emergency stop",
		fmt.Sprintf("Machine %s was emergency-stopped by %s.", machineID, actor))
	o.logger.Warn("emergency stop issued",
		zap.String("machine_id", machineID),
		zap.String("actor", actor),
	)

	return nil
}

// CompleteMaintenance is the operator's sign-off: usage counters reset and
// the machine rejoins the pool.
func (o *Orchestrator) CompleteMaintenance(machineID, actor string) error {
	machine, err := o.registry.GetMachine(machineID)
	if err != nil {
		return fmt.Errorf("complete maintenance: %w", err)
	}
	if machine.Status != MachineStatusMaintenance {
		return fmt.Errorf("complete maintenance: machine %s is %s, not in maintenance", machineID, machine.Status)
	}

	if err := o.registry.ResetOperatingMinutes(machineID); err != nil {
		return fmt.Errorf("complete maintenance: %w", err)
	}

	o.recordAudit(actor, "complete_maintenance", machineID, "", "ok")
	return nil
}

// HandleStatusEvent consumes relay status events from the fleet. Redelivered
// envelopes are dropped; events for sessions already terminal are discarded
// as stale.
func (o *Orchestrator) HandleStatusEvent(topic string, env *protocol.Envelope) {
	machineID, ok := protocol.MachineIDFromTopic(topic)
	if !ok {
		o.logger.Warn("status event on unparseable topic", zap.String("topic", topic))
		return
	}
	if o.dedup.seen(machineID, env.RequestID) {
		o.logger.Debug("dropping duplicate status event",
			zap.String("machine_id", machineID),
			zap.String("request_id", env.RequestID),
		)
		return
	}

	var event protocol.StatusEvent
	if err := json.Unmarshal(env.Payload, &event); err != nil {
		o.logger.Warn("discarding malformed status event",
			zap.String("machine_id", machineID),
			zap.Error(err),
		)
		return
	}

	statusEventsReceived.Inc()
	o.persistStatusEvent(event)

	if event.SessionID == "" {
		return
	}

	session, err := o.store.Get(event.SessionID)
	if err != nil {
		o.logger.Warn("status event for unknown session",
			zap.String("session_id", event.SessionID),
			zap.String("machine_id", machineID),
		)
		return
	}
	if session.Terminal() && event.Relay != protocol.RelayError {
		o.logger.Debug("discarding stale status event",
			zap.String("session_id", event.SessionID),
			zap.String("relay", string(event.Relay)),
		)
		return
	}

	ctx := context.Background()
	switch event.Relay {
	case protocol.RelayActive:
		// Confirmation of an activate already applied locally.
		o.logger.Debug("relay active confirmed",
			zap.String("session_id", event.SessionID),
			zap.String("machine_id", machineID),
		)
	case protocol.RelayInactive:
		if err := o.CompleteSession(ctx, event.SessionID, EndReasonDeviceOff); err != nil {
			o.logger.Error("complete session from status event failed", zap.Error(err))
		}
	case protocol.RelayError:
		o.handleRelayError(ctx, session, event)
	default:
		o.logger.Warn("status event with unknown relay state",
			zap.String("relay", string(event.Relay)),
		)
	}
}

func (o *Orchestrator) handleRelayError(ctx context.Context, session Session, event protocol.StatusEvent) {
	relayFaults.WithLabelValues(event.ErrorCode).Inc()

	switch event.ErrorCode {
	case protocol.ErrorCodeAlreadyActive:
		// The device refused our activate because its relay is still on.
		// The session never ran; fail it so the customer is not charged
		// for time they did not get.
		if !session.Terminal() {
			if err := o.FailSession(ctx, session.ID, EndReasonDeviceFault); err != nil {
				o.logger.Error("fail session on device conflict", zap.Error(err))
			}
		}
		o.notify(ctx, "Relay conflict",
			fmt.Sprintf("Machine %s rejected session %s: relay already active.", event.MachineID, session.ID))
	case protocol.ErrorCodeInvalidDuration:
		if !session.Terminal() {
			if err := o.FailSession(ctx, session.ID, EndReasonDeviceFault); err != nil {
				o.logger.Error("fail session on duration rejection", zap.Error(err))
			}
		}
	default:
		if !session.Terminal() {
			if err := o.FailSession(ctx, session.ID, EndReasonDeviceFault); err != nil {
				o.logger.Error("fail session on relay fault", zap.Error(err))
			}
		}
		o.notify(ctx, "Relay fault",
			fmt.Sprintf("Machine %s reported a relay fault (%s) during session %s.",
				event.MachineID, event.ErrorCode, session.ID))
	}
}

// RecoverInterruptedSessions handles sessions found non-terminal on boot.
// Pending sessions fail outright; active ones are re-armed for whatever time
// they have left, or completed if their window already passed.
func (o *Orchestrator) RecoverInterruptedSessions(ctx context.Context, interrupted []Session) {
	for _, session := range interrupted {
		switch session.Status {
		case SessionStatusPending:
			if err := o.FailSession(ctx, session.ID, "orchestrator restart"); err != nil {
				o.logger.Error("fail interrupted pending session", zap.Error(err))
			}
		case SessionStatusActive:
			deadline := session.StartedAt.Add(time.Duration(session.DurationMinutes) * time.Minute)
			remaining := deadline.Sub(o.now())
			if remaining <= 0 {
				if err := o.CompleteSession(ctx, session.ID, EndReasonExpired); err != nil {
					o.logger.Error("complete interrupted session", zap.Error(err))
				}
				continue
			}
			o.arena.Arm(session.ID, remaining)
			o.logger.Info("re-armed interrupted session",
				zap.String("session_id", session.ID),
				zap.Duration("remaining", remaining),
			)
		}
	}
}

// Shutdown stops the deadline timers. Sessions stay as they are; recovery
// picks them up on the next boot.
func (o *Orchestrator) Shutdown() {
	o.arena.Shutdown()
}

func (o *Orchestrator) handleDeadlineExpired(sessionID string) {
	deadlineExpiries.Inc()
	if err := o.CompleteSession(context.Background(), sessionID, EndReasonExpired); err != nil {
		o.logger.Error("complete session on deadline expiry failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) publishDeactivate(ctx context.Context, session Session, reason string) {
	cmd := protocol.DeactivateCommand{
		SessionID: session.ID,
		MachineID: session.MachineID,
		Reason:    reason,
	}
	env, err := protocol.NewEnvelope(protocol.MessageTypeDeactivate, uuid.NewString(), cmd)
	if err != nil {
		o.logger.Error("build deactivate envelope failed", zap.Error(err))
		return
	}
	if err := o.publisher.Publish(ctx, protocol.CommandTopic(session.MachineID), env); err != nil {
		// The device's own auto-off timer bounds the damage if this never
		// arrives.
		o.logger.Warn("publish deactivate failed",
			zap.String("session_id", session.ID),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) persistStatusEvent(event protocol.StatusEvent) {
	_, err := o.registry.db.Exec(`
		INSERT INTO status_events (id, machine_id, session_id, relay, error_code, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		uuid.NewString(),
		event.MachineID,
		event.SessionID,
		string(event.Relay),
		event.ErrorCode,
		time.Unix(event.Timestamp, 0).UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		o.logger.Warn("persist status event failed", zap.Error(err))
	}
}

// withinOperatingHours checks the daily [open, close) window. Both bounds
// zero means the machine never closes; close_hour 24 means midnight.
func (o *Orchestrator) withinOperatingHours(m Machine) bool {
	if m.OpenHour == 0 && m.CloseHour == 0 {
		return true
	}
	hour := o.now().UTC().Hour()
	if m.OpenHour <= m.CloseHour {
		return hour >= m.OpenHour && hour < m.CloseHour
	}
	// Window wraps midnight, e.g. open 22, close 6.
	return hour >= m.OpenHour || hour < m.CloseHour
}

func (o *Orchestrator) broadcast(eventType string, payload interface{}) {
	if o.sink != nil {
		o.sink.Broadcast(eventType, payload)
	}
}

func (o *Orchestrator) notify(ctx context.Context, title, message string) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Alert(ctx, title, message); err != nil {
		o.logger.Warn("send alert failed", zap.String("title", title), zap.Error(err))
	}
}

func (o *Orchestrator) recordAudit(actor, action, target, detail, result string) {
	if o.audit == nil {
		return
	}
	if err := o.audit.Record(actor, action, target, detail, result); err != nil {
		o.logger.Warn("record audit entry failed", zap.Error(err))
	}
}
