package integration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Bldg-7/stationd/internal/orchestrator"
	"github.com/Bldg-7/stationd/internal/protocol"
)

// Full lifecycle with a real device agent on the wire: activate drives the
// relay, the device's auto-off timer ends the session, usage accrues.
func TestSessionLifecycleDeviceAutoOff(t *testing.T) {
	h := newHarness(t)
	h.registerMachine(orchestrator.Machine{ID: "wash-1", Name: "Washer 1", MaintenanceInterval: 1000})
	dev := h.startAgent("wash-1", "1.2.0")

	session := h.paidSession("wash-1", 5)

	if got := h.session(session.ID); got.Status != orchestrator.SessionStatusActive {
		t.Fatalf("expected active session, got %s", got.Status)
	}
	if !dev.pin.State() {
		t.Fatal("expected relay pin on after activation")
	}
	if h.machine("wash-1").Status != orchestrator.MachineStatusInUse {
		t.Fatalf("expected machine in_use, got %s", h.machine("wash-1").Status)
	}
	if dev.autoOff.count() != 1 {
		t.Fatalf("expected one device auto-off timer, got %d", dev.autoOff.count())
	}

	// Device timer fires: relay off, status reported upstream, session
	// completes without any deactivate command crossing the wire.
	dev.autoOff.fireLast(t)

	got := h.session(session.ID)
	if got.Status != orchestrator.SessionStatusCompleted {
		t.Fatalf("expected completed session, got %s", got.Status)
	}
	if got.EndReason != orchestrator.EndReasonDeviceOff {
		t.Fatalf("expected end reason %q, got %q", orchestrator.EndReasonDeviceOff, got.EndReason)
	}
	if dev.pin.State() {
		t.Fatal("expected relay pin off after auto-off")
	}

	machine := h.machine("wash-1")
	if machine.Status != orchestrator.MachineStatusOnline {
		t.Fatalf("expected machine online, got %s", machine.Status)
	}
	if machine.OperatingMinutes != 5 {
		t.Fatalf("expected 5 operating minutes, got %d", machine.OperatingMinutes)
	}
}

func TestPaymentNoticeStartsSession(t *testing.T) {
	h := newHarness(t)
	h.registerMachine(orchestrator.Machine{ID: "wash-1", Name: "Washer 1"})
	dev := h.startAgent("wash-1", "1.2.0")

	session, err := h.orch.CreateSession("wash-1", 10, "card")
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	if err := h.orch.AttachPaymentRef(session.ID, "pay-777"); err != nil {
		t.Fatalf("attach payment ref failed: %v", err)
	}

	notice := orchestrator.PaymentNotice{
		PaymentRef: "pay-777",
		Status:     orchestrator.PaymentStatusApproved,
		Amount:     5.0,
	}
	if err := h.reconciler.HandleNotice(context.Background(), notice); err != nil {
		t.Fatalf("handle notice failed: %v", err)
	}

	if got := h.session(session.ID); got.Status != orchestrator.SessionStatusActive {
		t.Fatalf("expected active session after approval, got %s", got.Status)
	}
	if !dev.pin.State() {
		t.Fatal("expected relay pin on after approved payment")
	}

	// Processor retries the webhook; the session must not restart.
	if err := h.reconciler.HandleNotice(context.Background(), notice); err != nil {
		t.Fatalf("redelivered notice failed: %v", err)
	}
	if h.arena.count() != 1 {
		t.Fatalf("expected a single armed deadline, got %d", h.arena.count())
	}
}

func TestOperatorStopDeactivatesDevice(t *testing.T) {
	h := newHarness(t)
	h.registerMachine(orchestrator.Machine{ID: "wash-1", Name: "Washer 1"})
	dev := h.startAgent("wash-1", "1.2.0")

	session := h.paidSession("wash-1", 10)
	if !dev.pin.State() {
		t.Fatal("expected relay pin on")
	}

	if err := h.orch.CompleteSession(context.Background(), session.ID, orchestrator.EndReasonOperatorStop); err != nil {
		t.Fatalf("complete session failed: %v", err)
	}

	if dev.pin.State() {
		t.Fatal("expected relay pin off after operator stop")
	}
	got := h.session(session.ID)
	if got.Status != orchestrator.SessionStatusCompleted || got.EndReason != orchestrator.EndReasonOperatorStop {
		t.Fatalf("expected completed/operator_stop, got %s/%s", got.Status, got.EndReason)
	}
	if h.machine("wash-1").Status != orchestrator.MachineStatusOnline {
		t.Fatalf("expected machine released, got %s", h.machine("wash-1").Status)
	}
}

func TestEmergencyStopCutsRelay(t *testing.T) {
	h := newHarness(t)
	h.registerMachine(orchestrator.Machine{ID: "wash-1", Name: "Washer 1"})
	dev := h.startAgent("wash-1", "1.2.0")

	session := h.paidSession("wash-1", 10)

	if err := h.orch.EmergencyStop(context.Background(), "wash-1", "ops-1"); err != nil {
		t.Fatalf("emergency stop failed: %v", err)
	}

	if dev.pin.State() {
		t.Fatal("expected relay pin off after emergency stop")
	}
	got := h.session(session.ID)
	if got.Status != orchestrator.SessionStatusFailed || got.EndReason != orchestrator.EndReasonEmergencyStop {
		t.Fatalf("expected failed/emergency_stop, got %s/%s", got.Status, got.EndReason)
	}
}

// A device whose relay is already on rejects the activate; the session fails
// so the customer is not charged for time they never got.
func TestRelayConflictFailsSession(t *testing.T) {
	h := newHarness(t)
	h.registerMachine(orchestrator.Machine{ID: "wash-1", Name: "Washer 1"})
	dev := h.startAgent("wash-1", "1.2.0")

	// Relay stuck on from some earlier fault.
	if err := dev.actuator.Activate(5 * time.Minute); err != nil {
		t.Fatalf("pre-activate failed: %v", err)
	}

	session, err := h.orch.CreateSession("wash-1", 10, "card")
	if err != nil {
		t.Fatalf("create session failed: %v", err)
	}
	if err := h.orch.StartSession(context.Background(), session.ID); err != nil {
		t.Fatalf("start session failed: %v", err)
	}

	got := h.session(session.ID)
	if got.Status != orchestrator.SessionStatusFailed {
		t.Fatalf("expected failed session, got %s", got.Status)
	}
	if got.EndReason != orchestrator.EndReasonDeviceFault {
		t.Fatalf("expected end reason %q, got %q", orchestrator.EndReasonDeviceFault, got.EndReason)
	}
	if h.machine("wash-1").Status != orchestrator.MachineStatusOnline {
		t.Fatalf("expected machine released, got %s", h.machine("wash-1").Status)
	}
}

func TestHeartbeatAndLivenessSweep(t *testing.T) {
	h := newHarness(t)
	h.registerMachine(orchestrator.Machine{ID: "wash-1", Name: "Washer 1", Status: orchestrator.MachineStatusOffline})
	h.registerMachine(orchestrator.Machine{ID: "wash-2", Name: "Washer 2"})

	publishHeartbeat := func(machineID string) {
		t.Helper()
		hb := protocol.HeartbeatEvent{
			MachineID:       machineID,
			FirmwareVersion: "1.2.0",
			Timestamp:       h.now().Unix(),
		}
		env, err := protocol.NewEnvelope(protocol.MessageTypeHeartbeat, uuid.NewString(), hb)
		if err != nil {
			t.Fatalf("build heartbeat failed: %v", err)
		}
		if err := h.ch.Publish(context.Background(), protocol.HeartbeatTopic(machineID), env); err != nil {
			t.Fatalf("publish heartbeat failed: %v", err)
		}
	}

	publishHeartbeat("wash-1")
	publishHeartbeat("wash-2")
	if h.machine("wash-1").Status != orchestrator.MachineStatusOnline {
		t.Fatalf("expected heartbeat to revive wash-1, got %s", h.machine("wash-1").Status)
	}

	// wash-2 keeps reporting; wash-1 goes quiet past the liveness window.
	h.advance(6 * time.Minute)
	publishHeartbeat("wash-2")
	h.monitor.Sweep(context.Background())

	if h.machine("wash-1").Status != orchestrator.MachineStatusOffline {
		t.Fatalf("expected quiet wash-1 offline, got %s", h.machine("wash-1").Status)
	}
	if h.machine("wash-2").Status != orchestrator.MachineStatusOnline {
		t.Fatalf("expected reporting wash-2 online, got %s", h.machine("wash-2").Status)
	}
}
