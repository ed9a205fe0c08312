package orchestrator

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

type RevenueReport struct {
	Period        string           `json:"period"`
	TotalSessions int64            `json:"total_sessions"`
	TotalRevenue  float64          `json:"total_revenue"`
	ByMachine     []MachineRevenue `json:"by_machine"`
	ByDay         []DailyRevenue   `json:"by_day"`
}

type MachineRevenue struct {
	MachineID string  `json:"machine_id"`
	Sessions  int64   `json:"sessions"`
	Minutes   int64   `json:"minutes"`
	Revenue   float64 `json:"revenue"`
}

type DailyRevenue struct {
	Date     string  `json:"date"`
	Sessions int64   `json:"sessions"`
	Revenue  float64 `json:"revenue"`
}

// RevenueReporter aggregates completed sessions into the reports the admin
// API serves. Only completed sessions count; failed ones never earned.
type RevenueReporter struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

func NewRevenueReporter(db *sql.DB, logger *zap.Logger) *RevenueReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RevenueReporter{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Report aggregates the given period: "today" (default), "week" or "month".
func (r *RevenueReporter) Report(period string) (RevenueReport, error) {
	start, normalized := periodStart(r.now, period)
	report := RevenueReport{Period: normalized}

	byMachine, err := r.queryMachineTotals(start)
	if err != nil {
		return RevenueReport{}, err
	}
	report.ByMachine = byMachine

	byDay, err := r.queryDailyTotals(start)
	if err != nil {
		return RevenueReport{}, err
	}
	report.ByDay = byDay

	for _, row := range byMachine {
		report.TotalSessions += row.Sessions
		report.TotalRevenue += row.Revenue
	}

	return report, nil
}

func (r *RevenueReporter) queryMachineTotals(start time.Time) ([]MachineRevenue, error) {
	rows, err := r.db.Query(`
		SELECT machine_id, COUNT(*), SUM(duration_minutes), SUM(cost)
		FROM sessions
		WHERE status = ? AND ended_at >= ?
		GROUP BY machine_id
		ORDER BY machine_id ASC
	`, string(SessionStatusCompleted), start.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("query machine revenue: %w", err)
	}
	defer rows.Close()

	result := make([]MachineRevenue, 0)
	for rows.Next() {
		var row MachineRevenue
		if err := rows.Scan(&row.MachineID, &row.Sessions, &row.Minutes, &row.Revenue); err != nil {
			return nil, fmt.Errorf("scan machine revenue: %w", err)
		}
		result = append(result, row)
	}

	return result, rows.Err()
}

func (r *RevenueReporter) queryDailyTotals(start time.Time) ([]DailyRevenue, error) {
	rows, err := r.db.Query(`
		SELECT substr(ended_at, 1, 10), COUNT(*), SUM(cost)
		FROM sessions
		WHERE status = ? AND ended_at >= ?
		GROUP BY substr(ended_at, 1, 10)
		ORDER BY substr(ended_at, 1, 10) ASC
	`, string(SessionStatusCompleted), start.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("query daily revenue: %w", err)
	}
	defer rows.Close()

	result := make([]DailyRevenue, 0)
	for rows.Next() {
		var row DailyRevenue
		if err := rows.Scan(&row.Date, &row.Sessions, &row.Revenue); err != nil {
			return nil, fmt.Errorf("scan daily revenue: %w", err)
		}
		result = append(result, row)
	}

	return result, rows.Err()
}

func periodStart(nowFn func() time.Time, period string) (time.Time, string) {
	now := nowFn().UTC()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	switch strings.ToLower(period) {
	case "week":
		return startOfDay.AddDate(0, 0, -6), "week"
	case "month":
		return startOfDay.AddDate(0, 0, -29), "month"
	default:
		return startOfDay, "today"
	}
}
