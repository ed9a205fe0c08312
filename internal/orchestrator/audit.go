package orchestrator

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type AuditEntry struct {
	ID        string
	Timestamp time.Time
	Actor     string
	Action    string
	Target    string
	Detail    string
	Result    string
}

// AuditLogger keeps a durable trail of operator actions: emergency stops,
// maintenance sign-offs, manual session overrides.
type AuditLogger struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewAuditLogger(db *sql.DB, logger *zap.Logger) *AuditLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditLogger{db: db, logger: logger}
}

func (a *AuditLogger) Record(actor, action, target, detail, result string) error {
	if a.db == nil {
		return nil
	}
	if action == "" {
		return fmt.Errorf("audit entry: missing action")
	}
	if actor == "" {
		actor = "unknown"
	}

	_, err := a.db.Exec(`
		INSERT INTO audit_log (id, timestamp, actor, action, target, detail, result)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		uuid.NewString(),
		time.Now().UTC().Format(time.RFC3339Nano),
		actor,
		action,
		target,
		detail,
		result,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (a *AuditLogger) QueryByAction(action string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return a.queryEntries(`
		SELECT id, timestamp, actor, action, target, detail, result
		FROM audit_log WHERE action = ? ORDER BY timestamp DESC LIMIT ?
	`, action, limit)
}

func (a *AuditLogger) QueryByActor(actor string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return a.queryEntries(`
		SELECT id, timestamp, actor, action, target, detail, result
		FROM audit_log WHERE actor = ? ORDER BY timestamp DESC LIMIT ?
	`, actor, limit)
}

func (a *AuditLogger) PurgeOlderThan(retentionDays int) (int64, error) {
	if a.db == nil {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339Nano)
	result, err := a.db.Exec(`DELETE FROM audit_log WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (a *AuditLogger) queryEntries(query string, args ...interface{}) ([]AuditEntry, error) {
	rows, err := a.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Actor, &e.Action, &e.Target, &e.Detail, &e.Result); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
