package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Bldg-7/stationd/internal/channel"
	"github.com/Bldg-7/stationd/internal/protocol"
)

// fakeTimers records armed deadline timers so tests can fire them by hand.
type fakeTimers struct {
	mu   sync.Mutex
	durs []time.Duration
	fns  []func()
}

func (f *fakeTimers) afterFunc(d time.Duration, fn func()) *time.Timer {
	f.mu.Lock()
	f.durs = append(f.durs, d)
	f.fns = append(f.fns, fn)
	f.mu.Unlock()
	// Real timer far enough out that it never fires during a test.
	return time.AfterFunc(time.Hour, func() {})
}

func (f *fakeTimers) fire(t *testing.T, i int) {
	t.Helper()
	f.mu.Lock()
	if i >= len(f.fns) {
		f.mu.Unlock()
		t.Fatalf("no timer %d armed, have %d", i, len(f.fns))
	}
	fn := f.fns[i]
	f.mu.Unlock()
	fn()
}

func (f *fakeTimers) armed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fns)
}

type capturedCommand struct {
	topic string
	env   *protocol.Envelope
}

type commandCollector struct {
	mu   sync.Mutex
	cmds []capturedCommand
}

func (c *commandCollector) handler(topic string, env *protocol.Envelope) {
	c.mu.Lock()
	c.cmds = append(c.cmds, capturedCommand{topic: topic, env: env})
	c.mu.Unlock()
}

func (c *commandCollector) byType(msgType protocol.MessageType) []capturedCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []capturedCommand
	for _, cmd := range c.cmds {
		if cmd.env.Type == string(msgType) {
			out = append(out, cmd)
		}
	}
	return out
}

type fakeNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *fakeNotifier) Alert(_ context.Context, title, _ string) error {
	n.mu.Lock()
	n.titles = append(n.titles, title)
	n.mu.Unlock()
	return nil
}

func (n *fakeNotifier) has(title string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, t := range n.titles {
		if t == title {
			return true
		}
	}
	return false
}

type orchFixture struct {
	db       *sql.DB
	registry *MachineRegistry
	store    *SessionStore
	ch       *channel.MemoryChannel
	orch     *Orchestrator
	timers   *fakeTimers
	commands *commandCollector
	notifier *fakeNotifier
}

func setupTestOrchestrator(t *testing.T, opts ...Option) *orchFixture {
	t.Helper()

	db := setupOrchestratorTestDB(t)
	registry := NewMachineRegistry(db, zap.NewNop())
	store := NewSessionStore(db, zap.NewNop())
	ch := channel.NewMemoryChannel()
	timers := &fakeTimers{}
	notifier := &fakeNotifier{}

	opts = append([]Option{WithNotifier(notifier)}, opts...)
	orch, err := New(registry, store, ch, zap.NewNop(),
		[]ArenaOption{WithArenaTimerFunc(timers.afterFunc)}, opts...)
	if err != nil {
		t.Fatalf("create orchestrator failed: %v", err)
	}
	if err := orch.Subscribe(context.Background(), ch); err != nil {
		t.Fatalf("subscribe orchestrator failed: %v", err)
	}

	commands := &commandCollector{}
	if err := ch.Subscribe(context.Background(), "machines/+/commands", commands.handler); err != nil {
		t.Fatalf("subscribe command collector failed: %v", err)
	}

	return &orchFixture{
		db:       db,
		registry: registry,
		store:    store,
		ch:       ch,
		orch:     orch,
		timers:   timers,
		commands: commands,
		notifier: notifier,
	}
}

func (f *orchFixture) publishStatus(t *testing.T, requestID string, event protocol.StatusEvent) {
	t.Helper()
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	env, err := protocol.NewEnvelope(protocol.MessageTypeStatus, requestID, event)
	if err != nil {
		t.Fatalf("build status envelope failed: %v", err)
	}
	if err := f.ch.Publish(context.Background(), protocol.StatusTopic(event.MachineID), env); err != nil {
		t.Fatalf("publish status event failed: %v", err)
	}
}

func (f *orchFixture) startedSession(t *testing.T, machineID string, minutes int) Session {
	t.Helper()
	session, err := f.orch.CreateSession(machineID, minutes, "card")
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	if err := f.orch.StartSession(context.Background(), session.ID); err != nil {
		t.Fatalf("start session failed: %v", err)
	}
	return session
}

func (f *orchFixture) statusEventRows(t *testing.T) int {
	t.Helper()
	var n int
	if err := f.db.QueryRow(`SELECT COUNT(*) FROM status_events`).Scan(&n); err != nil {
		t.Fatalf("count status events failed: %v", err)
	}
	return n
}

func TestCreateSessionDurationBounds(t *testing.T) {
	f := setupTestOrchestrator(t)
	registerTestMachine(t, f.registry, "wash-1")

	for _, minutes := range []int{0, -5, 31, 120} {
		if _, err := f.orch.CreateSession("wash-1", minutes, "card"); !errors.Is(err, ErrInvalidDuration) {
			t.Errorf("%d minutes: expected ErrInvalidDuration, got %v", minutes, err)
		}
	}

	session, err := f.orch.CreateSession("wash-1", 10, "card")
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	if session.Status != SessionStatusPending {
		t.Errorf("expected pending, got %s", session.Status)
	}
	if session.Cost != 5 {
		t.Errorf("expected cost 5.0 for 10 minutes at 0.5/min, got %f", session.Cost)
	}
}

func TestCreateSessionMachineAvailability(t *testing.T) {
	f := setupTestOrchestrator(t)

	if _, err := f.orch.CreateSession("ghost", 10, "card"); !errors.Is(err, ErrMachineNotFound) {
		t.Fatalf("expected ErrMachineNotFound, got %v", err)
	}

	if err := f.registry.Register(Machine{ID: "wash-off", Status: MachineStatusOffline, PricePerMinute: 0.5}); err != nil {
		t.Fatalf("register machine failed: %v", err)
	}
	if _, err := f.orch.CreateSession("wash-off", 10, "card"); !errors.Is(err, ErrMachineUnavailable) {
		t.Fatalf("offline machine: expected ErrMachineUnavailable, got %v", err)
	}

	registerTestMachine(t, f.registry, "wash-1")
	if _, err := f.orch.CreateSession("wash-1", 10, "card"); err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	// The pending session already claims the machine.
	if _, err := f.orch.CreateSession("wash-1", 5, "card"); !errors.Is(err, ErrMachineUnavailable) {
		t.Fatalf("claimed machine: expected ErrMachineUnavailable, got %v", err)
	}
}

func TestCreateSessionOperatingHours(t *testing.T) {
	current := time.Date(2026, 3, 1, 21, 30, 0, 0, time.UTC)
	f := setupTestOrchestrator(t, WithClock(func() time.Time { return current }))

	register := func(id string, open, close int) {
		t.Helper()
		if err := f.registry.Register(Machine{
			ID: id, Status: MachineStatusOnline, PricePerMinute: 0.5,
			OpenHour: open, CloseHour: close,
		}); err != nil {
			t.Fatalf("register machine failed: %v", err)
		}
	}
	register("daytime", 8, 20)
	register("always", 0, 0)
	register("overnight", 22, 6)

	// 21:30 is after daytime close and before overnight open.
	if _, err := f.orch.CreateSession("daytime", 10, "card"); !errors.Is(err, ErrMachineUnavailable) {
		t.Fatalf("closed machine: expected ErrMachineUnavailable, got %v", err)
	}
	if _, err := f.orch.CreateSession("overnight", 10, "card"); !errors.Is(err, ErrMachineUnavailable) {
		t.Fatalf("overnight machine before open: expected ErrMachineUnavailable, got %v", err)
	}
	if _, err := f.orch.CreateSession("always", 10, "card"); err != nil {
		t.Fatalf("always-open machine: %v", err)
	}

	// Past midnight wrap: 23:00 and 05:00 are inside [22, 6).
	current = time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	if _, err := f.orch.CreateSession("overnight", 10, "card"); err != nil {
		t.Fatalf("overnight machine at 23:00: %v", err)
	}
}

func TestStartSessionActivatesMachine(t *testing.T) {
	f := setupTestOrchestrator(t)
	registerTestMachine(t, f.registry, "wash-1")

	session := f.startedSession(t, "wash-1", 5)

	got, err := f.store.Get(session.ID)
	if err != nil {
		t.Fatalf("get session failed: %v", err)
	}
	if got.Status != SessionStatusActive {
		t.Fatalf("expected active, got %s", got.Status)
	}
	if got.StartedAt.IsZero() {
		t.Error("started session must have started_at stamped")
	}

	machine, _ := f.registry.GetMachine("wash-1")
	if machine.Status != MachineStatusInUse {
		t.Fatalf("expected machine in_use, got %s", machine.Status)
	}
	if !f.orch.arena.Armed(session.ID) {
		t.Error("deadline must be armed for a started session")
	}
	if f.timers.armed() != 1 {
		t.Fatalf("expected 1 deadline timer, got %d", f.timers.armed())
	}
	if want := 5*time.Minute + DefaultGracePeriod; f.timers.durs[0] != want {
		t.Errorf("expected deadline %s, got %s", want, f.timers.durs[0])
	}

	activates := f.commands.byType(protocol.MessageTypeActivate)
	if len(activates) != 1 {
		t.Fatalf("expected 1 activate command, got %d", len(activates))
	}
	if activates[0].topic != protocol.CommandTopic("wash-1") {
		t.Errorf("activate on wrong topic %s", activates[0].topic)
	}
	var cmd protocol.ActivateCommand
	if err := json.Unmarshal(activates[0].env.Payload, &cmd); err != nil {
		t.Fatalf("unmarshal activate payload failed: %v", err)
	}
	if cmd.SessionID != session.ID || cmd.MachineID != "wash-1" || cmd.DurationMinutes != 5 {
		t.Errorf("unexpected activate payload %+v", cmd)
	}
}

func TestDeviceOffReportCompletesSession(t *testing.T) {
	f := setupTestOrchestrator(t)
	registerTestMachine(t, f.registry, "wash-1")
	session := f.startedSession(t, "wash-1", 5)

	f.publishStatus(t, "req-off-1", protocol.StatusEvent{
		MachineID: "wash-1",
		SessionID: session.ID,
		Relay:     protocol.RelayInactive,
	})

	got, _ := f.store.Get(session.ID)
	if got.Status != SessionStatusCompleted || got.EndReason != EndReasonDeviceOff {
		t.Fatalf("expected completed/%s, got %s/%s", EndReasonDeviceOff, got.Status, got.EndReason)
	}

	machine, _ := f.registry.GetMachine("wash-1")
	if machine.Status != MachineStatusOnline {
		t.Fatalf("expected machine released to online, got %s", machine.Status)
	}
	if machine.OperatingMinutes != 5 {
		t.Errorf("expected 5 operating minutes accrued, got %d", machine.OperatingMinutes)
	}
	if f.orch.arena.Armed(session.ID) {
		t.Error("deadline must be disarmed after completion")
	}

	// The device already reported the relay off; no deactivate goes out.
	if deactivates := f.commands.byType(protocol.MessageTypeDeactivate); len(deactivates) != 0 {
		t.Errorf("expected no deactivate commands, got %d", len(deactivates))
	}
}

func TestDeadlineExpiryCompletesSilentSession(t *testing.T) {
	f := setupTestOrchestrator(t)
	registerTestMachine(t, f.registry, "wash-1")
	session := f.startedSession(t, "wash-1", 5)

	f.timers.fire(t, 0)

	got, _ := f.store.Get(session.ID)
	if got.Status != SessionStatusCompleted || got.EndReason != EndReasonExpired {
		t.Fatalf("expected completed/%s, got %s/%s", EndReasonExpired, got.Status, got.EndReason)
	}

	// The silent device gets a deactivate just in case it is still powered.
	deactivates := f.commands.byType(protocol.MessageTypeDeactivate)
	if len(deactivates) != 1 {
		t.Fatalf("expected 1 deactivate command, got %d", len(deactivates))
	}
	var cmd protocol.DeactivateCommand
	if err := json.Unmarshal(deactivates[0].env.Payload, &cmd); err != nil {
		t.Fatalf("unmarshal deactivate payload failed: %v", err)
	}
	if cmd.SessionID != session.ID || cmd.Reason != EndReasonExpired {
		t.Errorf("unexpected deactivate payload %+v", cmd)
	}

	machine, _ := f.registry.GetMachine("wash-1")
	if machine.Status != MachineStatusOnline {
		t.Fatalf("expected machine released, got %s", machine.Status)
	}
}

func TestStatusEventDedupAndStaleDiscard(t *testing.T) {
	f := setupTestOrchestrator(t)
	registerTestMachine(t, f.registry, "wash-1")
	session := f.startedSession(t, "wash-1", 5)

	if err := f.orch.CompleteSession(context.Background(), session.ID, EndReasonOperatorStop); err != nil {
		t.Fatalf("complete session failed: %v", err)
	}

	// A late device report lands after the operator already ended the
	// session: persisted for the record, but the end reason stands.
	f.publishStatus(t, "req-late", protocol.StatusEvent{
		MachineID: "wash-1",
		SessionID: session.ID,
		Relay:     protocol.RelayInactive,
	})
	if rows := f.statusEventRows(t); rows != 1 {
		t.Fatalf("expected 1 persisted status event, got %d", rows)
	}
	got, _ := f.store.Get(session.ID)
	if got.EndReason != EndReasonOperatorStop {
		t.Fatalf("stale event must not overwrite end reason, got %s", got.EndReason)
	}

	// Broker redelivery of the same request ID is dropped before persistence.
	f.publishStatus(t, "req-late", protocol.StatusEvent{
		MachineID: "wash-1",
		SessionID: session.ID,
		Relay:     protocol.RelayInactive,
	})
	if rows := f.statusEventRows(t); rows != 1 {
		t.Fatalf("redelivered event must not persist again, got %d rows", rows)
	}
}

func TestRelayConflictFailsSession(t *testing.T) {
	f := setupTestOrchestrator(t)
	registerTestMachine(t, f.registry, "wash-1")
	session := f.startedSession(t, "wash-1", 5)

	f.publishStatus(t, "req-err-1", protocol.StatusEvent{
		MachineID: "wash-1",
		SessionID: session.ID,
		Relay:     protocol.RelayError,
		ErrorCode: protocol.ErrorCodeAlreadyActive,
	})

	got, _ := f.store.Get(session.ID)
	if got.Status != SessionStatusFailed || got.EndReason != EndReasonDeviceFault {
		t.Fatalf("expected failed/%s, got %s/%s", EndReasonDeviceFault, got.Status, got.EndReason)
	}
	if !f.notifier.has("Relay conflict") {
		t.Error("relay conflict must raise an alert")
	}
}

func TestMaintenanceDiversion(t *testing.T) {
	f := setupTestOrchestrator(t)
	if err := f.registry.Register(Machine{
		ID:                  "wash-1",
		Status:              MachineStatusOnline,
		PricePerMinute:      0.5,
		MaintenanceInterval: 100,
		OperatingMinutes:    95,
	}); err != nil {
		t.Fatalf("register machine failed: %v", err)
	}

	session := f.startedSession(t, "wash-1", 10)
	f.publishStatus(t, "req-off-1", protocol.StatusEvent{
		MachineID: "wash-1",
		SessionID: session.ID,
		Relay:     protocol.RelayInactive,
	})

	machine, _ := f.registry.GetMachine("wash-1")
	if machine.Status != MachineStatusMaintenance {
		t.Fatalf("expected maintenance after interval reached, got %s", machine.Status)
	}
	if machine.OperatingMinutes != 105 {
		t.Errorf("expected 105 operating minutes, got %d", machine.OperatingMinutes)
	}
	if !f.notifier.has("Maintenance due") {
		t.Error("maintenance diversion must raise an alert")
	}

	// Out of service means no new sessions.
	if _, err := f.orch.CreateSession("wash-1", 5, "card"); !errors.Is(err, ErrMachineUnavailable) {
		t.Fatalf("expected ErrMachineUnavailable during maintenance, got %v", err)
	}

	// Technician sign-off resets the counter and reopens the machine.
	if err := f.orch.CompleteMaintenance("wash-1", "tech-7"); err != nil {
		t.Fatalf("complete maintenance failed: %v", err)
	}
	machine, _ = f.registry.GetMachine("wash-1")
	if machine.Status != MachineStatusOnline || machine.OperatingMinutes != 0 {
		t.Fatalf("expected online with 0 minutes, got %s/%d", machine.Status, machine.OperatingMinutes)
	}
	if _, err := f.orch.CreateSession("wash-1", 5, "card"); err != nil {
		t.Fatalf("create session after maintenance failed: %v", err)
	}

	// Sign-off is only valid for machines actually in maintenance.
	if err := f.orch.CompleteMaintenance("wash-1", "tech-7"); err == nil {
		t.Error("completing maintenance on an online machine must fail")
	}
}

func TestEmergencyStopFailsActiveSession(t *testing.T) {
	f := setupTestOrchestrator(t)
	registerTestMachine(t, f.registry, "wash-1")
	audit := NewAuditLogger(f.db, zap.NewNop())
	WithAuditLogger(audit)(f.orch)

	session := f.startedSession(t, "wash-1", 5)

	if err := f.orch.EmergencyStop(context.Background(), "wash-1", "ops-1"); err != nil {
		t.Fatalf("emergency stop failed: %v", err)
	}

	got, _ := f.store.Get(session.ID)
	if got.Status != SessionStatusFailed || got.EndReason != EndReasonEmergencyStop {
		t.Fatalf("expected failed/%s, got %s/%s", EndReasonEmergencyStop, got.Status, got.EndReason)
	}

	deactivates := f.commands.byType(protocol.MessageTypeDeactivate)
	if len(deactivates) != 1 {
		t.Fatalf("expected 1 deactivate command, got %d", len(deactivates))
	}
	if !f.notifier.has("Emergency stop") {
		t.Error("emergency stop must raise an alert")
	}

	entries, err := audit.QueryByAction("emergency_stop", 10)
	if err != nil {
		t.Fatalf("query audit log failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Actor != "ops-1" || entries[0].Target != "wash-1" {
		t.Fatalf("unexpected audit trail %+v", entries)
	}

	// Stopping an idle machine still sends the deactivate.
	machine, _ := f.registry.GetMachine("wash-1")
	if machine.Status != MachineStatusOnline {
		t.Fatalf("expected machine released, got %s", machine.Status)
	}
	if err := f.orch.EmergencyStop(context.Background(), "wash-1", "ops-1"); err != nil {
		t.Fatalf("emergency stop on idle machine failed: %v", err)
	}
	if got := f.commands.byType(protocol.MessageTypeDeactivate); len(got) != 2 {
		t.Fatalf("expected 2 deactivate commands, got %d", len(got))
	}
}

func TestRecoverInterruptedSessions(t *testing.T) {
	db := setupOrchestratorTestDB(t)
	registry := NewMachineRegistry(db, zap.NewNop())
	store := NewSessionStore(db, zap.NewNop())
	registerTestMachine(t, registry, "wash-1")
	registerTestMachine(t, registry, "wash-2")
	registerTestMachine(t, registry, "wash-3")

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := store.Add(Session{ID: "sess-pending", MachineID: "wash-1", DurationMinutes: 5}); err != nil {
		t.Fatalf("add session failed: %v", err)
	}
	if err := store.Add(Session{ID: "sess-expired", MachineID: "wash-2", DurationMinutes: 10}); err != nil {
		t.Fatalf("add session failed: %v", err)
	}
	if _, err := store.MarkActive("sess-expired", now.Add(-30*time.Minute)); err != nil {
		t.Fatalf("mark active failed: %v", err)
	}
	if err := store.Add(Session{ID: "sess-running", MachineID: "wash-3", DurationMinutes: 20}); err != nil {
		t.Fatalf("add session failed: %v", err)
	}
	if _, err := store.MarkActive("sess-running", now.Add(-5*time.Minute)); err != nil {
		t.Fatalf("mark active failed: %v", err)
	}

	// Fresh process: new store, new orchestrator, interrupted rows reloaded.
	store = NewSessionStore(db, zap.NewNop())
	interrupted, err := store.LoadSessionsFromDB()
	if err != nil {
		t.Fatalf("load sessions failed: %v", err)
	}
	if len(interrupted) != 3 {
		t.Fatalf("expected 3 interrupted sessions, got %d", len(interrupted))
	}

	timers := &fakeTimers{}
	orch, err := New(registry, store, channel.NewMemoryChannel(), zap.NewNop(),
		[]ArenaOption{WithArenaTimerFunc(timers.afterFunc)},
		WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("create orchestrator failed: %v", err)
	}

	orch.RecoverInterruptedSessions(context.Background(), interrupted)

	pending, _ := store.Get("sess-pending")
	if pending.Status != SessionStatusFailed {
		t.Fatalf("interrupted pending session must fail, got %s", pending.Status)
	}

	expired, _ := store.Get("sess-expired")
	if expired.Status != SessionStatusCompleted || expired.EndReason != EndReasonExpired {
		t.Fatalf("overdue session must complete as expired, got %s/%s", expired.Status, expired.EndReason)
	}

	running, _ := store.Get("sess-running")
	if running.Status != SessionStatusActive {
		t.Fatalf("session with time left must stay active, got %s", running.Status)
	}
	if !orch.arena.Armed("sess-running") {
		t.Fatal("session with time left must be re-armed")
	}
	// 20-minute session started 5 minutes ago: 15 minutes plus grace remain.
	want := 15*time.Minute + DefaultGracePeriod
	if got := timers.durs[len(timers.durs)-1]; got != want {
		t.Errorf("expected re-armed deadline %s, got %s", want, got)
	}
}

func TestReleaseKeepsSweptMachineOffline(t *testing.T) {
	f := setupTestOrchestrator(t)
	registerTestMachine(t, f.registry, "wash-1")
	session := f.startedSession(t, "wash-1", 5)

	// The liveness sweep lost the machine while the session was running.
	if err := f.registry.SetStatus("wash-1", MachineStatusOffline); err != nil {
		t.Fatalf("set status failed: %v", err)
	}

	f.timers.fire(t, 0)

	got, _ := f.store.Get(session.ID)
	if got.Status != SessionStatusCompleted || got.EndReason != EndReasonExpired {
		t.Fatalf("expected completed/%s, got %s/%s", EndReasonExpired, got.Status, got.EndReason)
	}

	// The session ran, so usage accrues, but an unreachable machine must not
	// be advertised as available again until a heartbeat proves otherwise.
	machine, _ := f.registry.GetMachine("wash-1")
	if machine.Status != MachineStatusOffline {
		t.Fatalf("expected machine to stay offline, got %s", machine.Status)
	}
	if machine.OperatingMinutes != 5 {
		t.Errorf("expected 5 operating minutes accrued, got %d", machine.OperatingMinutes)
	}
	if _, err := f.orch.CreateSession("wash-1", 5, "card"); !errors.Is(err, ErrMachineUnavailable) {
		t.Fatalf("offline machine: expected ErrMachineUnavailable, got %v", err)
	}
}

func TestStoppingPendingSessionFailsIt(t *testing.T) {
	f := setupTestOrchestrator(t)
	registerTestMachine(t, f.registry, "wash-1")

	session, err := f.orch.CreateSession("wash-1", 10, "card")
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}

	// Payment never confirmed; an operator stop must not turn the unpaid
	// session into completed revenue.
	if err := f.orch.CompleteSession(context.Background(), session.ID, EndReasonOperatorStop); err != nil {
		t.Fatalf("stop pending session failed: %v", err)
	}

	got, _ := f.store.Get(session.ID)
	if got.Status != SessionStatusFailed || got.EndReason != EndReasonOperatorStop {
		t.Fatalf("expected failed/%s, got %s/%s", EndReasonOperatorStop, got.Status, got.EndReason)
	}

	machine, _ := f.registry.GetMachine("wash-1")
	if machine.OperatingMinutes != 0 {
		t.Errorf("expected no usage accrued, got %d minutes", machine.OperatingMinutes)
	}
	// The machine is free for the next customer.
	if _, err := f.orch.CreateSession("wash-1", 5, "card"); err != nil {
		t.Fatalf("create session after failed pending failed: %v", err)
	}
}

func TestFailedSessionAccruesNoUsage(t *testing.T) {
	f := setupTestOrchestrator(t)
	registerTestMachine(t, f.registry, "wash-1")
	session := f.startedSession(t, "wash-1", 10)

	if err := f.orch.FailSession(context.Background(), session.ID, EndReasonDeviceFault); err != nil {
		t.Fatalf("fail session failed: %v", err)
	}

	// A failed session delivered no run time; the maintenance clock must not
	// advance for it.
	machine, _ := f.registry.GetMachine("wash-1")
	if machine.Status != MachineStatusOnline {
		t.Fatalf("expected machine released to online, got %s", machine.Status)
	}
	if machine.OperatingMinutes != 0 {
		t.Errorf("expected 0 operating minutes, got %d", machine.OperatingMinutes)
	}
}
