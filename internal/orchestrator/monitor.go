package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/Bldg-7/stationd/internal/channel"
	"github.com/Bldg-7/stationd/internal/protocol"
)

const (
	DefaultSweepInterval   = 60 * time.Second
	DefaultLivenessTimeout = 5 * time.Minute
)

// FleetMonitor watches heartbeats and decides which machines are still
// reachable. A machine that misses the liveness window goes offline; its
// in-flight session, if any, is left to the deadline arena, since the
// device's own timer keeps running without us.
type FleetMonitor struct {
	registry *MachineRegistry
	logger   *zap.Logger
	notifier Notifier
	sink     EventSink

	sweepInterval   time.Duration
	livenessTimeout time.Duration
	minFirmware     *semver.Constraints

	now func() time.Time

	mu             sync.Mutex
	firmwareWarned map[string]bool
}

type MonitorOption func(*FleetMonitor)

func WithSweepInterval(d time.Duration) MonitorOption {
	return func(m *FleetMonitor) { m.sweepInterval = d }
}

func WithLivenessTimeout(d time.Duration) MonitorOption {
	return func(m *FleetMonitor) { m.livenessTimeout = d }
}

// WithMinFirmware sets a semver constraint heartbeat firmware versions are
// checked against. Violations alert but do not take the machine down.
func WithMinFirmware(c *semver.Constraints) MonitorOption {
	return func(m *FleetMonitor) { m.minFirmware = c }
}

func WithMonitorNotifier(n Notifier) MonitorOption {
	return func(m *FleetMonitor) { m.notifier = n }
}

func WithMonitorEventSink(sink EventSink) MonitorOption {
	return func(m *FleetMonitor) { m.sink = sink }
}

func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *FleetMonitor) { m.now = now }
}

func NewFleetMonitor(registry *MachineRegistry, logger *zap.Logger, opts ...MonitorOption) *FleetMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &FleetMonitor{
		registry:        registry,
		logger:          logger,
		sweepInterval:   DefaultSweepInterval,
		livenessTimeout: DefaultLivenessTimeout,
		now:             time.Now,
		firmwareWarned:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe attaches the monitor to the fleet's heartbeat topics.
func (m *FleetMonitor) Subscribe(ctx context.Context, sub channel.Subscriber) error {
	if err := sub.Subscribe(ctx, protocol.TopicAllHeartbeats, m.HandleHeartbeat); err != nil {
		return fmt.Errorf("subscribe heartbeats: %w", err)
	}
	return nil
}

// Run sweeps the fleet for silent machines until the context ends.
func (m *FleetMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// HandleHeartbeat refreshes liveness for the reporting machine.
func (m *FleetMonitor) HandleHeartbeat(topic string, env *protocol.Envelope) {
	machineID, ok := protocol.MachineIDFromTopic(topic)
	if !ok {
		m.logger.Warn("heartbeat on unparseable topic", zap.String("topic", topic))
		return
	}

	var hb protocol.HeartbeatEvent
	if err := json.Unmarshal(env.Payload, &hb); err != nil {
		m.logger.Warn("discarding malformed heartbeat",
			zap.String("machine_id", machineID),
			zap.Error(err),
		)
		return
	}

	heartbeatsReceived.Inc()

	before, err := m.registry.GetMachine(machineID)
	if err != nil {
		m.logger.Warn("heartbeat from unregistered machine",
			zap.String("machine_id", machineID),
		)
		return
	}

	if err := m.registry.RecordHeartbeat(machineID, hb.FirmwareVersion, m.now()); err != nil {
		m.logger.Error("record heartbeat failed",
			zap.String("machine_id", machineID),
			zap.Error(err),
		)
		return
	}

	if before.Status == MachineStatusOffline {
		m.logger.Info("machine back online", zap.String("machine_id", machineID))
		m.broadcast("machine.online", machineID)
	}

	m.checkFirmware(machineID, hb.FirmwareVersion)
	m.updateOnlineGauge()
}

// Sweep marks machines offline whose last heartbeat is older than the
// liveness window.
func (m *FleetMonitor) Sweep(ctx context.Context) {
	cutoff := m.now().Add(-m.livenessTimeout)

	for _, machine := range m.registry.ListMachines() {
		if machine.Status != MachineStatusOnline && machine.Status != MachineStatusInUse {
			continue
		}
		if !machine.LastHeartbeat.IsZero() && machine.LastHeartbeat.After(cutoff) {
			continue
		}

		if err := m.registry.SetStatus(machine.ID, MachineStatusOffline); err != nil {
			m.logger.Error("mark machine offline failed",
				zap.String("machine_id", machine.ID),
				zap.Error(err),
			)
			continue
		}

		m.logger.Warn("machine missed liveness window",
			zap.String("machine_id", machine.ID),
			zap.Time("last_heartbeat", machine.LastHeartbeat),
		)
		m.broadcast("machine.offline", machine.ID)
		m.notify(ctx, "Machine offline",
			fmt.Sprintf("Machine %s has not sent a heartbeat since %s.",
				machine.ID, machine.LastHeartbeat.Format(time.RFC3339)))
	}

	m.updateOnlineGauge()
}

func (m *FleetMonitor) checkFirmware(machineID, version string) {
	if m.minFirmware == nil || version == "" {
		return
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		m.logger.Warn("machine reports unparseable firmware version",
			zap.String("machine_id", machineID),
			zap.String("version", version),
		)
		return
	}
	if m.minFirmware.Check(v) {
		m.mu.Lock()
		delete(m.firmwareWarned, machineID)
		m.mu.Unlock()
		return
	}

	// Alert once per machine until it upgrades.
	m.mu.Lock()
	warned := m.firmwareWarned[machineID]
	m.firmwareWarned[machineID] = true
	m.mu.Unlock()
	if warned {
		return
	}

	m.logger.Warn("machine firmware below required version",
		zap.String("machine_id", machineID),
		zap.String("version", version),
	)
	m.notify(context.Background(), "Firmware outdated",
		fmt.Sprintf("Machine %s reports firmware %s, which does not satisfy %s.",
			machineID, version, m.minFirmware.String()))
}

func (m *FleetMonitor) updateOnlineGauge() {
	var online int
	for _, machine := range m.registry.ListMachines() {
		if machine.Status == MachineStatusOnline || machine.Status == MachineStatusInUse {
			online++
		}
	}
	machinesOnline.Set(float64(online))
}

func (m *FleetMonitor) broadcast(eventType, machineID string) {
	if m.sink != nil {
		m.sink.Broadcast(eventType, map[string]string{"machine_id": machineID})
	}
}

func (m *FleetMonitor) notify(ctx context.Context, title, message string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Alert(ctx, title, message); err != nil {
		m.logger.Warn("send alert failed", zap.String("title", title), zap.Error(err))
	}
}
