package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/Bldg-7/stationd/internal/channel"
	"github.com/Bldg-7/stationd/internal/protocol"
)

type fakeSink struct {
	mu     sync.Mutex
	events []string
}

func (s *fakeSink) Broadcast(eventType string, _ interface{}) {
	s.mu.Lock()
	s.events = append(s.events, eventType)
	s.mu.Unlock()
}

func (s *fakeSink) count(eventType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, e := range s.events {
		if e == eventType {
			n++
		}
	}
	return n
}

type monitorFixture struct {
	registry *MachineRegistry
	monitor  *FleetMonitor
	ch       *channel.MemoryChannel
	sink     *fakeSink
	notifier *fakeNotifier
	now      *time.Time
}

func setupTestMonitor(t *testing.T, opts ...MonitorOption) *monitorFixture {
	t.Helper()

	db := setupOrchestratorTestDB(t)
	registry := NewMachineRegistry(db, zap.NewNop())
	ch := channel.NewMemoryChannel()
	sink := &fakeSink{}
	notifier := &fakeNotifier{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	opts = append([]MonitorOption{
		WithMonitorEventSink(sink),
		WithMonitorNotifier(notifier),
		WithMonitorClock(func() time.Time { return now }),
	}, opts...)
	monitor := NewFleetMonitor(registry, zap.NewNop(), opts...)
	if err := monitor.Subscribe(context.Background(), ch); err != nil {
		t.Fatalf("subscribe monitor failed: %v", err)
	}

	return &monitorFixture{
		registry: registry,
		monitor:  monitor,
		ch:       ch,
		sink:     sink,
		notifier: notifier,
		now:      &now,
	}
}

func (f *monitorFixture) publishHeartbeat(t *testing.T, machineID, firmware string) {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.MessageTypeHeartbeat, "hb-"+machineID, protocol.HeartbeatEvent{
		MachineID:       machineID,
		FirmwareVersion: firmware,
		Timestamp:       f.now.Unix(),
	})
	if err != nil {
		t.Fatalf("build heartbeat envelope failed: %v", err)
	}
	if err := f.ch.Publish(context.Background(), protocol.HeartbeatTopic(machineID), env); err != nil {
		t.Fatalf("publish heartbeat failed: %v", err)
	}
}

func TestMonitorHeartbeatRevivesMachine(t *testing.T) {
	f := setupTestMonitor(t)
	if err := f.registry.Register(Machine{ID: "wash-1", Status: MachineStatusOffline}); err != nil {
		t.Fatalf("register machine failed: %v", err)
	}

	f.publishHeartbeat(t, "wash-1", "1.4.0")

	machine, err := f.registry.GetMachine("wash-1")
	if err != nil {
		t.Fatalf("get machine failed: %v", err)
	}
	if machine.Status != MachineStatusOnline {
		t.Fatalf("expected online after heartbeat, got %s", machine.Status)
	}
	if !machine.LastHeartbeat.Equal(*f.now) {
		t.Errorf("expected last heartbeat %s, got %s", *f.now, machine.LastHeartbeat)
	}
	if f.sink.count("machine.online") != 1 {
		t.Error("offline machine coming back must broadcast machine.online")
	}

	// Second heartbeat while already online broadcasts nothing new.
	f.publishHeartbeat(t, "wash-1", "1.4.0")
	if f.sink.count("machine.online") != 1 {
		t.Error("heartbeat on an online machine must not broadcast again")
	}
}

func TestMonitorIgnoresUnregisteredMachine(t *testing.T) {
	f := setupTestMonitor(t)

	f.publishHeartbeat(t, "stranger", "1.0.0")

	if _, err := f.registry.GetMachine("stranger"); err != ErrMachineNotFound {
		t.Fatalf("heartbeat must not auto-register machines, got %v", err)
	}
}

func TestMonitorSweepMarksSilentMachinesOffline(t *testing.T) {
	f := setupTestMonitor(t, WithLivenessTimeout(5*time.Minute))

	for _, id := range []string{"wash-quiet", "wash-fresh"} {
		registerTestMachine(t, f.registry, id)
	}
	if err := f.registry.Register(Machine{ID: "wash-maint", Status: MachineStatusMaintenance}); err != nil {
		t.Fatalf("register machine failed: %v", err)
	}

	f.publishHeartbeat(t, "wash-quiet", "")
	f.publishHeartbeat(t, "wash-fresh", "")

	// Six minutes pass; only wash-fresh checks in again.
	*f.now = f.now.Add(6 * time.Minute)
	f.publishHeartbeat(t, "wash-fresh", "")

	f.monitor.Sweep(context.Background())

	quiet, _ := f.registry.GetMachine("wash-quiet")
	if quiet.Status != MachineStatusOffline {
		t.Fatalf("silent machine must go offline, got %s", quiet.Status)
	}
	fresh, _ := f.registry.GetMachine("wash-fresh")
	if fresh.Status != MachineStatusOnline {
		t.Fatalf("recently heard machine must stay online, got %s", fresh.Status)
	}
	maint, _ := f.registry.GetMachine("wash-maint")
	if maint.Status != MachineStatusMaintenance {
		t.Fatalf("sweep must not touch maintenance machines, got %s", maint.Status)
	}

	if f.sink.count("machine.offline") != 1 {
		t.Errorf("expected 1 machine.offline broadcast, got %d", f.sink.count("machine.offline"))
	}
	if !f.notifier.has("Machine offline") {
		t.Error("liveness miss must raise an alert")
	}
}

func TestMonitorFirmwareWarnsOncePerMachine(t *testing.T) {
	constraint, err := semver.NewConstraint(">= 1.2.0")
	if err != nil {
		t.Fatalf("parse constraint failed: %v", err)
	}
	f := setupTestMonitor(t, WithMinFirmware(constraint))
	registerTestMachine(t, f.registry, "wash-1")

	f.publishHeartbeat(t, "wash-1", "1.0.0")
	f.publishHeartbeat(t, "wash-1", "1.0.0")

	f.notifier.mu.Lock()
	warned := len(f.notifier.titles)
	f.notifier.mu.Unlock()
	if warned != 1 {
		t.Fatalf("expected exactly 1 firmware alert, got %d", warned)
	}

	// Upgrade clears the latch; a later downgrade alerts again.
	f.publishHeartbeat(t, "wash-1", "1.2.0")
	f.publishHeartbeat(t, "wash-1", "1.0.0")

	f.notifier.mu.Lock()
	warned = len(f.notifier.titles)
	f.notifier.mu.Unlock()
	if warned != 2 {
		t.Fatalf("expected a fresh alert after downgrade, got %d", warned)
	}
}

func TestMonitorUnparseableFirmwareTolerated(t *testing.T) {
	constraint, err := semver.NewConstraint(">= 1.2.0")
	if err != nil {
		t.Fatalf("parse constraint failed: %v", err)
	}
	f := setupTestMonitor(t, WithMinFirmware(constraint))
	registerTestMachine(t, f.registry, "wash-1")

	f.publishHeartbeat(t, "wash-1", "not-a-version")

	machine, _ := f.registry.GetMachine("wash-1")
	if machine.Status != MachineStatusOnline {
		t.Fatalf("bad firmware string must not affect liveness, got %s", machine.Status)
	}
	f.notifier.mu.Lock()
	warned := len(f.notifier.titles)
	f.notifier.mu.Unlock()
	if warned != 0 {
		t.Fatalf("unparseable version must not alert, got %d alerts", warned)
	}
}
