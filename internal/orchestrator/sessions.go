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

type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

// End reasons recorded when a session reaches a terminal state.
const (
	EndReasonExpired       = "expired"
	EndReasonDeviceOff     = "device_reported_off"
	EndReasonOperatorStop  = "operator_stop"
	EndReasonEmergencyStop = "emergency_stop"
	EndReasonPaymentFailed = "payment_failed"
	EndReasonDeviceFault   = "device_fault"
	EndReasonMaintenance   = "maintenance_due"
)

type Session struct {
	ID              string
	MachineID       string
	DurationMinutes int
	Cost            float64
	PaymentMethod   string
	PaymentRef      string
	Status          SessionStatus
	EndReason       string
	CreatedAt       time.Time
	StartedAt       time.Time
	EndedAt         time.Time
}

// Terminal reports whether the session can never change again.
func (s Session) Terminal() bool {
	return s.Status == SessionStatusCompleted || s.Status == SessionStatusFailed
}

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionTerminal = errors.New("session already in a terminal state")
)

// SessionStore persists session lifecycle state, write-through like the
// machine registry. Status and its companion timestamp always move in the
// same upsert.
type SessionStore struct {
	db     *sql.DB
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]Session

	recoveryErrors atomic.Uint64
}

func NewSessionStore(db *sql.DB, logger *zap.Logger) *SessionStore {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SessionStore{
		db:       db,
		logger:   logger,
		sessions: make(map[string]Session),
	}
}

func (s *SessionStore) Add(session Session) error {
	if session.ID == "" {
		return fmt.Errorf("add session: missing id")
	}
	if session.MachineID == "" {
		return fmt.Errorf("add session %s: missing machine_id", session.ID)
	}

	if session.Status == "" {
		session.Status = SessionStatusPending
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}

	if err := s.upsertSession(session); err != nil {
		return fmt.Errorf("add session %s: %w", session.ID, err)
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	return nil
}

// MarkActive moves pending -> active, stamping started_at atomically with
// the status change.
func (s *SessionStore) MarkActive(sessionID string, at time.Time) (Session, error) {
	session, err := s.Get(sessionID)
	if err != nil {
		return Session{}, fmt.Errorf("mark session active %s: %w", sessionID, err)
	}
	if session.Terminal() {
		return Session{}, fmt.Errorf("mark session active %s: %w", sessionID, ErrSessionTerminal)
	}
	if session.Status == SessionStatusActive {
		return session, nil
	}

	session.Status = SessionStatusActive
	session.StartedAt = at.UTC()

	if err := s.upsertSession(session); err != nil {
		return Session{}, fmt.Errorf("mark session active %s: %w", sessionID, err)
	}

	s.mu.Lock()
	s.sessions[sessionID] = session
	s.mu.Unlock()

	return session, nil
}

// MarkCompleted ends a session normally. Completing an already-completed
// session is a no-op; the first end reason wins.
func (s *SessionStore) MarkCompleted(sessionID, reason string, at time.Time) (Session, error) {
	return s.markTerminal(sessionID, SessionStatusCompleted, reason, at)
}

// MarkFailed ends a session abnormally. Failing an already-failed session
// is a no-op; a completed session stays completed.
func (s *SessionStore) MarkFailed(sessionID, reason string, at time.Time) (Session, error) {
	return s.markTerminal(sessionID, SessionStatusFailed, reason, at)
}

func (s *SessionStore) markTerminal(sessionID string, status SessionStatus, reason string, at time.Time) (Session, error) {
	session, err := s.Get(sessionID)
	if err != nil {
		return Session{}, fmt.Errorf("end session %s: %w", sessionID, err)
	}
	if session.Terminal() {
		if session.Status == status {
			return session, nil
		}
		return Session{}, fmt.Errorf("end session %s: %w", sessionID, ErrSessionTerminal)
	}

	session.Status = status
	session.EndReason = reason
	session.EndedAt = at.UTC()

	if err := s.upsertSession(session); err != nil {
		return Session{}, fmt.Errorf("end session %s: %w", sessionID, err)
	}

	s.mu.Lock()
	s.sessions[sessionID] = session
	s.mu.Unlock()

	return session, nil
}

// SetPaymentRef attaches the processor's reference once payment is initiated.
func (s *SessionStore) SetPaymentRef(sessionID, method, ref string) error {
	session, err := s.Get(sessionID)
	if err != nil {
		return fmt.Errorf("set payment ref for session %s: %w", sessionID, err)
	}
	if session.Terminal() {
		return fmt.Errorf("set payment ref for session %s: %w", sessionID, ErrSessionTerminal)
	}

	session.PaymentMethod = method
	session.PaymentRef = ref

	if err := s.upsertSession(session); err != nil {
		return fmt.Errorf("set payment ref for session %s: %w", sessionID, err)
	}

	s.mu.Lock()
	s.sessions[sessionID] = session
	s.mu.Unlock()

	return nil
}

func (s *SessionStore) Get(sessionID string) (Session, error) {
	s.mu.RLock()
	session, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok {
		return session, nil
	}

	session, err := s.readSession(sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("get session %s: %w", sessionID, err)
	}

	s.mu.Lock()
	s.sessions[sessionID] = session
	s.mu.Unlock()

	return session, nil
}

// ActiveForMachine returns the machine's current non-terminal session, if
// any. Pending counts: a machine with a pending session is already claimed.
func (s *SessionStore) ActiveForMachine(machineID string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, session := range s.sessions {
		if session.MachineID == machineID && !session.Terminal() {
			return session, true
		}
	}
	return Session{}, false
}

// FindByPaymentRef looks up the session a processor notification refers to.
func (s *SessionStore) FindByPaymentRef(ref string) (Session, error) {
	if ref == "" {
		return Session{}, ErrSessionNotFound
	}

	s.mu.RLock()
	for _, session := range s.sessions {
		if session.PaymentRef == ref {
			s.mu.RUnlock()
			return session, nil
		}
	}
	s.mu.RUnlock()

	row := s.db.QueryRow(sessionSelect+` WHERE payment_ref = ?`, ref)
	session, err := scanSessionSingleRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("find session by payment ref: %w", err)
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	return session, nil
}

func (s *SessionStore) List() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	return out
}

// LoadSessionsFromDB repopulates the cache on boot. Non-terminal sessions
// found in the database were interrupted by the crash; they are returned so
// the caller can fail or re-arm them.
func (s *SessionStore) LoadSessionsFromDB() ([]Session, error) {
	rows, err := s.db.Query(sessionSelect)
	if err != nil {
		return nil, fmt.Errorf("load sessions: query rows: %w", err)
	}
	defer rows.Close()

	sessions := make(map[string]Session)
	var interrupted []Session
	for rows.Next() {
		session, rowErr := scanSessionRow(rows)
		if rowErr != nil {
			s.incrementRecoveryError("load sessions: corrupted row", rowErr)
			continue
		}
		sessions[session.ID] = session
		if !session.Terminal() {
			interrupted = append(interrupted, session)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load sessions: iterate rows: %w", err)
	}

	s.mu.Lock()
	s.sessions = sessions
	s.mu.Unlock()

	return interrupted, nil
}

func (s *SessionStore) RecoveryErrorCount() uint64 {
	return s.recoveryErrors.Load()
}

const sessionSelect = `
	SELECT id, machine_id, duration_minutes, cost, payment_method, payment_ref,
		status, end_reason, created_at, started_at, ended_at
	FROM sessions`

func (s *SessionStore) upsertSession(session Session) error {
	var startedAt interface{}
	if !session.StartedAt.IsZero() {
		startedAt = session.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	var endedAt interface{}
	if !session.EndedAt.IsZero() {
		endedAt = session.EndedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err := s.db.Exec(`
		INSERT INTO sessions (id, machine_id, duration_minutes, cost, payment_method,
			payment_ref, status, end_reason, created_at, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			machine_id = excluded.machine_id,
			duration_minutes = excluded.duration_minutes,
			cost = excluded.cost,
			payment_method = excluded.payment_method,
			payment_ref = excluded.payment_ref,
			status = excluded.status,
			end_reason = excluded.end_reason,
			created_at = excluded.created_at,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at
	`,
		session.ID,
		session.MachineID,
		session.DurationMinutes,
		session.Cost,
		session.PaymentMethod,
		session.PaymentRef,
		string(session.Status),
		session.EndReason,
		session.CreatedAt.UTC().Format(time.RFC3339Nano),
		startedAt,
		endedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", session.ID, err)
	}

	return nil
}

func (s *SessionStore) readSession(sessionID string) (Session, error) {
	row := s.db.QueryRow(sessionSelect+` WHERE id = ?`, sessionID)
	return scanSessionSingleRow(row)
}

func (s *SessionStore) incrementRecoveryError(msg string, err error) {
	s.recoveryErrors.Add(1)
	s.logger.Warn(msg, zap.Error(err))
}

type sessionScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(sc sessionScanner) (Session, error) {
	var (
		session   Session
		statusRaw string
		createdAt string
		startedAt sql.NullString
		endedAt   sql.NullString
	)

	if err := sc.Scan(
		&session.ID,
		&session.MachineID,
		&session.DurationMinutes,
		&session.Cost,
		&session.PaymentMethod,
		&session.PaymentRef,
		&statusRaw,
		&session.EndReason,
		&createdAt,
		&startedAt,
		&endedAt,
	); err != nil {
		return Session{}, err
	}

	session.Status = SessionStatus(statusRaw)

	parsed, err := parseSQLiteTimestamp(createdAt)
	if err != nil {
		return Session{}, fmt.Errorf("parse created_at for session %s: %w", session.ID, err)
	}
	session.CreatedAt = parsed

	if startedAt.Valid {
		parsed, err := parseSQLiteTimestamp(startedAt.String)
		if err != nil {
			return Session{}, fmt.Errorf("parse started_at for session %s: %w", session.ID, err)
		}
		session.StartedAt = parsed
	}

	if endedAt.Valid {
		parsed, err := parseSQLiteTimestamp(endedAt.String)
		if err != nil {
			return Session{}, fmt.Errorf("parse ended_at for session %s: %w", session.ID, err)
		}
		session.EndedAt = parsed
	}

	return session, nil
}

func scanSessionRow(rows *sql.Rows) (Session, error) {
	session, err := scanSession(rows)
	if err != nil {
		return Session{}, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

func scanSessionSingleRow(row *sql.Row) (Session, error) {
	return scanSession(row)
}
