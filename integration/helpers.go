package integration

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/Bldg-7/stationd/internal/channel"
	"github.com/Bldg-7/stationd/internal/device"
	"github.com/Bldg-7/stationd/internal/orchestrator"
	"github.com/Bldg-7/stationd/internal/storage"
)

// timerBox collects timers armed through an injected AfterFunc so tests can
// fire them deterministically instead of waiting.
type timerBox struct {
	mu   sync.Mutex
	fns  []func()
	durs []time.Duration
}

func (b *timerBox) afterFunc(d time.Duration, fn func()) *time.Timer {
	b.mu.Lock()
	b.fns = append(b.fns, fn)
	b.durs = append(b.durs, d)
	b.mu.Unlock()
	return time.AfterFunc(time.Hour, func() {})
}

func (b *timerBox) fireLast(t *testing.T) {
	t.Helper()
	b.mu.Lock()
	if len(b.fns) == 0 {
		b.mu.Unlock()
		t.Fatal("no timer armed")
	}
	fn := b.fns[len(b.fns)-1]
	b.mu.Unlock()
	fn()
}

func (b *timerBox) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.fns)
}

// agentHandle bundles one simulated machine controller.
type agentHandle struct {
	agent     *device.Agent
	actuator  *device.RelayActuator
	pin       *device.SimulatedPin
	autoOff   *timerBox
	machineID string
}

// harness wires a full deployment in one process: sqlite-backed registry and
// session store, the orchestrator, the fleet monitor, the payment reconciler
// and any number of device agents, all joined by an in-memory channel.
type harness struct {
	t  *testing.T
	db *sql.DB
	ch *channel.MemoryChannel

	registry   *orchestrator.MachineRegistry
	store      *orchestrator.SessionStore
	orch       *orchestrator.Orchestrator
	monitor    *orchestrator.FleetMonitor
	reconciler *orchestrator.PaymentReconciler

	arena *timerBox

	clockMu sync.Mutex
	nowVal  time.Time

	agents map[string]*agentHandle
}

func (h *harness) now() time.Time {
	h.clockMu.Lock()
	defer h.clockMu.Unlock()
	return h.nowVal
}

func (h *harness) setNow(t time.Time) {
	h.clockMu.Lock()
	h.nowVal = t
	h.clockMu.Unlock()
}

func (h *harness) advance(d time.Duration) {
	h.clockMu.Lock()
	h.nowVal = h.nowVal.Add(d)
	h.clockMu.Unlock()
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "stationd-integration-*.db")
	if err != nil {
		t.Fatalf("create temp db failed: %v", err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatalf("close temp db file failed: %v", err)
	}

	db, err := sql.Open("sqlite", tmpfile.Name())
	if err != nil {
		t.Fatalf("open db failed: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
		_ = os.Remove(tmpfile.Name())
	})

	if err := storage.NewMigrationRunner(db).Migrate(); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	return db
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithDB(t, openTestDB(t))
}

// newHarnessWithDB builds the orchestrator side on an existing database,
// used by restart-recovery tests to simulate a second boot.
func newHarnessWithDB(t *testing.T, db *sql.DB) *harness {
	t.Helper()

	logger := zap.NewNop()
	ch := channel.NewMemoryChannel()
	arena := &timerBox{}

	registry := orchestrator.NewMachineRegistry(db, logger)
	if err := registry.LoadMachinesFromDB(); err != nil {
		t.Fatalf("load machines failed: %v", err)
	}
	store := orchestrator.NewSessionStore(db, logger)

	h := &harness{
		t:        t,
		db:       db,
		ch:       ch,
		registry: registry,
		store:    store,
		arena:    arena,
		nowVal:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		agents:   make(map[string]*agentHandle),
	}

	orch, err := orchestrator.New(registry, store, ch, logger,
		[]orchestrator.ArenaOption{orchestrator.WithArenaTimerFunc(arena.afterFunc)},
		orchestrator.WithClock(h.now),
	)
	if err != nil {
		t.Fatalf("create orchestrator failed: %v", err)
	}
	if err := orch.Subscribe(context.Background(), ch); err != nil {
		t.Fatalf("subscribe orchestrator failed: %v", err)
	}
	h.orch = orch

	h.monitor = orchestrator.NewFleetMonitor(registry, logger,
		orchestrator.WithLivenessTimeout(5*time.Minute),
		orchestrator.WithMonitorClock(h.now),
	)
	if err := h.monitor.Subscribe(context.Background(), ch); err != nil {
		t.Fatalf("subscribe monitor failed: %v", err)
	}

	h.reconciler = orchestrator.NewPaymentReconciler(store, orch, logger)

	t.Cleanup(func() {
		for _, handle := range h.agents {
			handle.agent.Stop()
		}
		orch.Shutdown()
	})

	return h
}

func (h *harness) registerMachine(m orchestrator.Machine) {
	h.t.Helper()
	if m.Status == "" {
		m.Status = orchestrator.MachineStatusOnline
	}
	if m.PricePerMinute == 0 {
		m.PricePerMinute = 0.5
	}
	if err := h.registry.Register(m); err != nil {
		h.t.Fatalf("register machine failed: %v", err)
	}
}

// startAgent attaches a simulated device controller for the machine. The
// heartbeat interval is long; tests that need heartbeats rely on the one
// published at startup.
func (h *harness) startAgent(machineID, firmware string) *agentHandle {
	h.t.Helper()

	pin := device.NewSimulatedPin()
	autoOff := &timerBox{}
	actuator := device.NewRelayActuator(pin, zap.NewNop(),
		device.WithTimerFunc(autoOff.afterFunc),
	)

	agent, err := device.NewAgent(machineID, h.ch, actuator, zap.NewNop(),
		device.WithHeartbeatInterval(time.Hour),
		device.WithFirmwareVersion(firmware),
	)
	if err != nil {
		h.t.Fatalf("create agent failed: %v", err)
	}
	if err := agent.Start(context.Background()); err != nil {
		h.t.Fatalf("start agent failed: %v", err)
	}

	handle := &agentHandle{
		agent:     agent,
		actuator:  actuator,
		pin:       pin,
		autoOff:   autoOff,
		machineID: machineID,
	}
	h.agents[machineID] = handle
	return handle
}

func (h *harness) paidSession(machineID string, minutes int) orchestrator.Session {
	h.t.Helper()

	session, err := h.orch.CreateSession(machineID, minutes, "card")
	if err != nil {
		h.t.Fatalf("create session failed: %v", err)
	}
	if err := h.orch.StartSession(context.Background(), session.ID); err != nil {
		h.t.Fatalf("start session failed: %v", err)
	}
	return session
}

func (h *harness) session(id string) orchestrator.Session {
	h.t.Helper()
	session, err := h.store.Get(id)
	if err != nil {
		h.t.Fatalf("get session failed: %v", err)
	}
	return session
}

func (h *harness) machine(id string) orchestrator.Machine {
	h.t.Helper()
	machine, err := h.registry.GetMachine(id)
	if err != nil {
		h.t.Fatalf("get machine failed: %v", err)
	}
	return machine
}
