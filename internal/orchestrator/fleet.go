package orchestrator

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type MachineStatus string

const (
	MachineStatusOnline      MachineStatus = "online"
	MachineStatusOffline     MachineStatus = "offline"
	MachineStatusInUse       MachineStatus = "in_use"
	MachineStatusMaintenance MachineStatus = "maintenance"
)

// Machine is one rentable station. OperatingMinutes accrues across sessions
// and drives the maintenance schedule; OpenHour/CloseHour bound the daily
// window in which sessions may start (both zero means always open).
type Machine struct {
	ID                  string
	Name                string
	Status              MachineStatus
	PricePerMinute      float64
	OperatingMinutes    int
	MaintenanceInterval int
	OpenHour            int
	CloseHour           int
	FirmwareVersion     string
	LastHeartbeat       time.Time
	StatusChangedAt     time.Time
}

var ErrMachineNotFound = errors.New("machine not found")

// MachineRegistry is the authoritative fleet view: a write-through cache over
// the machines table. Every mutation hits sqlite before the in-memory map so
// a crash never leaves the map ahead of the database.
type MachineRegistry struct {
	db     *sql.DB
	logger *zap.Logger

	mu       sync.RWMutex
	machines map[string]Machine

	recoveryErrors atomic.Uint64
}

func NewMachineRegistry(db *sql.DB, logger *zap.Logger) *MachineRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &MachineRegistry{
		db:       db,
		logger:   logger,
		machines: make(map[string]Machine),
	}
}

func (r *MachineRegistry) Register(m Machine) error {
	if m.ID == "" {
		return fmt.Errorf("register machine: missing id")
	}
	if m.PricePerMinute < 0 {
		return fmt.Errorf("register machine %s: negative price", m.ID)
	}
	if m.OpenHour < 0 || m.OpenHour > 23 || m.CloseHour < 0 || m.CloseHour > 24 {
		return fmt.Errorf("register machine %s: operating hours out of range", m.ID)
	}

	if m.Status == "" {
		m.Status = MachineStatusOffline
	}
	if m.StatusChangedAt.IsZero() {
		m.StatusChangedAt = time.Now().UTC()
	}

	if err := r.upsertMachine(m); err != nil {
		return fmt.Errorf("register machine %s: %w", m.ID, err)
	}

	r.mu.Lock()
	r.machines[m.ID] = m
	r.mu.Unlock()

	return nil
}

// SetStatus transitions a machine and stamps status_changed_at in the same
// write, so the pair is never observed half-updated.
func (r *MachineRegistry) SetStatus(machineID string, status MachineStatus) error {
	m, err := r.GetMachine(machineID)
	if err != nil {
		return fmt.Errorf("set status for machine %s: %w", machineID, err)
	}
	if m.Status == status {
		return nil
	}

	m.Status = status
	m.StatusChangedAt = time.Now().UTC()

	if err := r.upsertMachine(m); err != nil {
		return fmt.Errorf("set status for machine %s: %w", machineID, err)
	}

	r.mu.Lock()
	r.machines[machineID] = m
	r.mu.Unlock()

	return nil
}

// RecordHeartbeat refreshes liveness and the reported firmware version. A
// heartbeat from an offline machine brings it back online; in_use and
// maintenance are left alone.
func (r *MachineRegistry) RecordHeartbeat(machineID, firmwareVersion string, at time.Time) error {
	m, err := r.GetMachine(machineID)
	if err != nil {
		return fmt.Errorf("record heartbeat for machine %s: %w", machineID, err)
	}

	m.LastHeartbeat = at.UTC()
	if firmwareVersion != "" {
		m.FirmwareVersion = firmwareVersion
	}
	if m.Status == MachineStatusOffline {
		m.Status = MachineStatusOnline
		m.StatusChangedAt = time.Now().UTC()
	}

	if err := r.upsertMachine(m); err != nil {
		return fmt.Errorf("record heartbeat for machine %s: %w", machineID, err)
	}

	r.mu.Lock()
	r.machines[machineID] = m
	r.mu.Unlock()

	return nil
}

// AddOperatingMinutes accrues usage after a session ends and returns the
// updated machine so callers can check the maintenance threshold.
func (r *MachineRegistry) AddOperatingMinutes(machineID string, minutes int) (Machine, error) {
	m, err := r.GetMachine(machineID)
	if err != nil {
		return Machine{}, fmt.Errorf("add operating minutes for machine %s: %w", machineID, err)
	}

	m.OperatingMinutes += minutes

	if err := r.upsertMachine(m); err != nil {
		return Machine{}, fmt.Errorf("add operating minutes for machine %s: %w", machineID, err)
	}

	r.mu.Lock()
	r.machines[machineID] = m
	r.mu.Unlock()

	return m, nil
}

// ResetOperatingMinutes is the maintenance-completed path: zeroes the
// accrued usage and returns the machine to online.
func (r *MachineRegistry) ResetOperatingMinutes(machineID string) error {
	m, err := r.GetMachine(machineID)
	if err != nil {
		return fmt.Errorf("reset operating minutes for machine %s: %w", machineID, err)
	}

	m.OperatingMinutes = 0
	m.Status = MachineStatusOnline
	m.StatusChangedAt = time.Now().UTC()

	if err := r.upsertMachine(m); err != nil {
		return fmt.Errorf("reset operating minutes for machine %s: %w", machineID, err)
	}

	r.mu.Lock()
	r.machines[machineID] = m
	r.mu.Unlock()

	return nil
}

func (r *MachineRegistry) GetMachine(machineID string) (Machine, error) {
	r.mu.RLock()
	m, ok := r.machines[machineID]
	r.mu.RUnlock()
	if ok {
		return m, nil
	}

	m, err := r.readMachine(machineID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Machine{}, ErrMachineNotFound
		}
		return Machine{}, fmt.Errorf("get machine %s: %w", machineID, err)
	}

	r.mu.Lock()
	r.machines[machineID] = m
	r.mu.Unlock()

	return m, nil
}

func (r *MachineRegistry) ListMachines() []Machine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Machine, 0, len(r.machines))
	for _, m := range r.machines {
		out = append(out, m)
	}
	return out
}

// LoadMachinesFromDB repopulates the cache on boot. Every machine starts
// offline; the first heartbeat proves it is actually reachable.
func (r *MachineRegistry) LoadMachinesFromDB() error {
	if _, err := r.db.Exec(
		`UPDATE machines SET status = ? WHERE status != ?`,
		string(MachineStatusOffline), string(MachineStatusMaintenance),
	); err != nil {
		return fmt.Errorf("load machines: mark offline: %w", err)
	}

	rows, err := r.db.Query(`
		SELECT id, name, status, price_per_minute, operating_minutes,
			maintenance_interval, open_hour, close_hour, firmware_version,
			last_heartbeat, status_changed_at
		FROM machines
	`)
	if err != nil {
		return fmt.Errorf("load machines: query rows: %w", err)
	}
	defer rows.Close()

	machines := make(map[string]Machine)
	for rows.Next() {
		m, rowErr := scanMachineRow(rows)
		if rowErr != nil {
			r.incrementRecoveryError("load machines: corrupted row", rowErr)
			continue
		}
		if m.Status != MachineStatusMaintenance {
			m.Status = MachineStatusOffline
		}
		machines[m.ID] = m
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("load machines: iterate rows: %w", err)
	}

	r.mu.Lock()
	r.machines = machines
	r.mu.Unlock()

	return nil
}

func (r *MachineRegistry) RecoveryErrorCount() uint64 {
	return r.recoveryErrors.Load()
}

func (r *MachineRegistry) upsertMachine(m Machine) error {
	var lastHeartbeat interface{}
	if !m.LastHeartbeat.IsZero() {
		lastHeartbeat = m.LastHeartbeat.UTC().Format(time.RFC3339Nano)
	}
	var statusChangedAt interface{}
	if !m.StatusChangedAt.IsZero() {
		statusChangedAt = m.StatusChangedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err := r.db.Exec(`
		INSERT INTO machines (id, name, status, price_per_minute, operating_minutes,
			maintenance_interval, open_hour, close_hour, firmware_version,
			last_heartbeat, status_changed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			price_per_minute = excluded.price_per_minute,
			operating_minutes = excluded.operating_minutes,
			maintenance_interval = excluded.maintenance_interval,
			open_hour = excluded.open_hour,
			close_hour = excluded.close_hour,
			firmware_version = excluded.firmware_version,
			last_heartbeat = excluded.last_heartbeat,
			status_changed_at = excluded.status_changed_at
	`,
		m.ID,
		m.Name,
		string(m.Status),
		m.PricePerMinute,
		m.OperatingMinutes,
		m.MaintenanceInterval,
		m.OpenHour,
		m.CloseHour,
		m.FirmwareVersion,
		lastHeartbeat,
		statusChangedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert machine %s: %w", m.ID, err)
	}

	return nil
}

func (r *MachineRegistry) readMachine(machineID string) (Machine, error) {
	row := r.db.QueryRow(`
		SELECT id, name, status, price_per_minute, operating_minutes,
			maintenance_interval, open_hour, close_hour, firmware_version,
			last_heartbeat, status_changed_at
		FROM machines
		WHERE id = ?
	`, machineID)

	return scanMachineSingleRow(row)
}

func (r *MachineRegistry) incrementRecoveryError(msg string, err error) {
	r.recoveryErrors.Add(1)
	r.logger.Warn(msg, zap.Error(err))
}

type machineScanner interface {
	Scan(dest ...interface{}) error
}

func scanMachine(s machineScanner) (Machine, error) {
	var (
		m               Machine
		statusRaw       string
		lastHeartbeat   sql.NullString
		statusChangedAt sql.NullString
	)

	if err := s.Scan(
		&m.ID,
		&m.Name,
		&statusRaw,
		&m.PricePerMinute,
		&m.OperatingMinutes,
		&m.MaintenanceInterval,
		&m.OpenHour,
		&m.CloseHour,
		&m.FirmwareVersion,
		&lastHeartbeat,
		&statusChangedAt,
	); err != nil {
		return Machine{}, err
	}

	m.Status = MachineStatus(statusRaw)

	if lastHeartbeat.Valid {
		parsed, err := parseSQLiteTimestamp(lastHeartbeat.String)
		if err != nil {
			return Machine{}, fmt.Errorf("parse last_heartbeat for machine %s: %w", m.ID, err)
		}
		m.LastHeartbeat = parsed
	}

	if statusChangedAt.Valid {
		parsed, err := parseSQLiteTimestamp(statusChangedAt.String)
		if err != nil {
			return Machine{}, fmt.Errorf("parse status_changed_at for machine %s: %w", m.ID, err)
		}
		m.StatusChangedAt = parsed
	}

	return m, nil
}

func scanMachineRow(rows *sql.Rows) (Machine, error) {
	m, err := scanMachine(rows)
	if err != nil {
		return Machine{}, fmt.Errorf("scan machine row: %w", err)
	}
	return m, nil
}

func scanMachineSingleRow(row *sql.Row) (Machine, error) {
	return scanMachine(row)
}

func parseSQLiteTimestamp(value string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.999999999",
	}

	for _, layout := range layouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}
