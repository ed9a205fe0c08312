package integration

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Bldg-7/stationd/internal/orchestrator"
	"github.com/Bldg-7/stationd/internal/protocol"
)

type statusRecorder struct {
	mu     sync.Mutex
	events []protocol.StatusEvent
}

func (r *statusRecorder) handler(topic string, env *protocol.Envelope) {
	var event protocol.StatusEvent
	if err := json.Unmarshal(env.Payload, &event); err != nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *statusRecorder) countRelay(state protocol.RelayState) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, event := range r.events {
		if event.Relay == state {
			n++
		}
	}
	return n
}

func dropCommands(topic string) bool {
	return strings.HasSuffix(topic, "/commands")
}

// The activate never reaches the device. The server-side deadline is the
// backstop: the session still expires and the machine is released.
func TestSilentDeviceDeadlineBackstop(t *testing.T) {
	h := newHarness(t)
	h.registerMachine(orchestrator.Machine{ID: "wash-1", Name: "Washer 1"})
	dev := h.startAgent("wash-1", "1.2.0")

	h.ch.SetDropRule(dropCommands)

	session := h.paidSession("wash-1", 10)
	if dev.pin.State() {
		t.Fatal("expected relay pin off, activate was dropped")
	}
	if h.arena.count() != 1 {
		t.Fatalf("expected one armed deadline, got %d", h.arena.count())
	}

	h.arena.fireLast(t)

	got := h.session(session.ID)
	if got.Status != orchestrator.SessionStatusCompleted || got.EndReason != orchestrator.EndReasonExpired {
		t.Fatalf("expected completed/expired, got %s/%s", got.Status, got.EndReason)
	}
	if h.machine("wash-1").Status != orchestrator.MachineStatusOnline {
		t.Fatalf("expected machine released, got %s", h.machine("wash-1").Status)
	}
}

// The deactivate is lost on the wire. The device's own auto-off timer bounds
// the damage, and its late report does not disturb the settled session.
func TestLostDeactivateBoundedByDeviceTimer(t *testing.T) {
	h := newHarness(t)
	h.registerMachine(orchestrator.Machine{ID: "wash-1", Name: "Washer 1"})
	dev := h.startAgent("wash-1", "1.2.0")

	session := h.paidSession("wash-1", 10)
	if !dev.pin.State() {
		t.Fatal("expected relay pin on")
	}

	h.ch.SetDropRule(dropCommands)

	if err := h.orch.CompleteSession(context.Background(), session.ID, orchestrator.EndReasonOperatorStop); err != nil {
		t.Fatalf("complete session failed: %v", err)
	}
	if !dev.pin.State() {
		t.Fatal("expected relay pin still on, deactivate was dropped")
	}

	dev.autoOff.fireLast(t)
	if dev.pin.State() {
		t.Fatal("expected relay pin off after device auto-off")
	}

	// The device's late off-report is stale; the original end reason stands.
	got := h.session(session.ID)
	if got.Status != orchestrator.SessionStatusCompleted || got.EndReason != orchestrator.EndReasonOperatorStop {
		t.Fatalf("expected completed/operator_stop, got %s/%s", got.Status, got.EndReason)
	}
}

func TestRestartRecovery(t *testing.T) {
	db := openTestDB(t)
	h1 := newHarnessWithDB(t, db)

	h1.registerMachine(orchestrator.Machine{ID: "wash-1", Name: "Washer 1"})
	h1.registerMachine(orchestrator.Machine{ID: "wash-2", Name: "Washer 2"})
	h1.registerMachine(orchestrator.Machine{ID: "wash-3", Name: "Washer 3"})

	// Paid but never started before the crash.
	pending, err := h1.orch.CreateSession("wash-1", 10, "card")
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}

	// Started at 12:00 for 10 minutes; its window passes during the outage.
	expired := h1.paidSession("wash-2", 10)

	// Started at 12:25 for 20 minutes; still has time left at reboot.
	h1.setNow(time.Date(2026, 3, 1, 12, 25, 0, 0, time.UTC))
	running := h1.paidSession("wash-3", 20)

	h1.orch.Shutdown()

	// Second boot on the same database at 12:30.
	h2 := newHarnessWithDB(t, db)
	h2.setNow(time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC))

	interrupted, err := h2.store.LoadSessionsFromDB()
	if err != nil {
		t.Fatalf("load sessions failed: %v", err)
	}
	if len(interrupted) != 3 {
		t.Fatalf("expected 3 interrupted sessions, got %d", len(interrupted))
	}
	h2.orch.RecoverInterruptedSessions(context.Background(), interrupted)

	got := h2.session(pending.ID)
	if got.Status != orchestrator.SessionStatusFailed {
		t.Fatalf("expected pending session failed, got %s", got.Status)
	}

	got = h2.session(expired.ID)
	if got.Status != orchestrator.SessionStatusCompleted || got.EndReason != orchestrator.EndReasonExpired {
		t.Fatalf("expected expired session completed/expired, got %s/%s", got.Status, got.EndReason)
	}
	// Boot marked wash-2 offline; completing its stranded session must not
	// advertise it online before a heartbeat arrives.
	if h2.machine("wash-2").Status != orchestrator.MachineStatusOffline {
		t.Fatalf("expected wash-2 offline until a heartbeat, got %s", h2.machine("wash-2").Status)
	}
	if h2.machine("wash-2").OperatingMinutes != 10 {
		t.Fatalf("expected 10 operating minutes on wash-2, got %d", h2.machine("wash-2").OperatingMinutes)
	}

	got = h2.session(running.ID)
	if got.Status != orchestrator.SessionStatusActive {
		t.Fatalf("expected running session still active, got %s", got.Status)
	}
	if h2.arena.count() != 1 {
		t.Fatalf("expected one re-armed deadline, got %d", h2.arena.count())
	}
	// Boot marks every machine offline until its first heartbeat proves it
	// reachable; the re-armed session rides that out.
	if h2.machine("wash-3").Status != orchestrator.MachineStatusOffline {
		t.Fatalf("expected wash-3 offline until a heartbeat, got %s", h2.machine("wash-3").Status)
	}
}

// At-least-once delivery: a redelivered activate must not reach the actuator
// a second time.
func TestDuplicateActivateDropped(t *testing.T) {
	h := newHarness(t)
	h.registerMachine(orchestrator.Machine{ID: "wash-1", Name: "Washer 1"})
	dev := h.startAgent("wash-1", "1.2.0")

	recorder := &statusRecorder{}
	if err := h.ch.Subscribe(context.Background(), protocol.TopicAllStatus, recorder.handler); err != nil {
		t.Fatalf("subscribe recorder failed: %v", err)
	}

	cmd := protocol.ActivateCommand{
		SessionID:       "sess-dup",
		MachineID:       "wash-1",
		DurationMinutes: 5,
	}
	env, err := protocol.NewEnvelope(protocol.MessageTypeActivate, uuid.NewString(), cmd)
	if err != nil {
		t.Fatalf("build activate failed: %v", err)
	}

	topic := protocol.CommandTopic("wash-1")
	if err := h.ch.Publish(context.Background(), topic, env); err != nil {
		t.Fatalf("publish activate failed: %v", err)
	}
	if !dev.pin.State() {
		t.Fatal("expected relay pin on after first delivery")
	}
	if got := recorder.countRelay(protocol.RelayActive); got != 1 {
		t.Fatalf("expected 1 active report, got %d", got)
	}

	// Redelivery with the same request id: silently dropped, no conflict
	// report despite the relay being on.
	if err := h.ch.Publish(context.Background(), topic, env); err != nil {
		t.Fatalf("republish activate failed: %v", err)
	}
	if got := recorder.countRelay(protocol.RelayActive); got != 1 {
		t.Fatalf("expected duplicate to be dropped, got %d active reports", got)
	}
	if got := recorder.countRelay(protocol.RelayError); got != 0 {
		t.Fatalf("expected no error reports, got %d", got)
	}
}
