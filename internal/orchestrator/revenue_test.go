package orchestrator

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestRevenueReport(t *testing.T) {
	db := setupOrchestratorTestDB(t)
	store := NewSessionStore(db, zap.NewNop())

	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	reporter := NewRevenueReporter(db, zap.NewNop())
	reporter.now = func() time.Time { return now }

	complete := func(id, machineID string, minutes int, cost float64, endedAt time.Time) {
		t.Helper()
		if err := store.Add(Session{
			ID:              id,
			MachineID:       machineID,
			DurationMinutes: minutes,
			Cost:            cost,
			Status:          SessionStatusPending,
			CreatedAt:       endedAt.Add(-time.Hour),
		}); err != nil {
			t.Fatalf("add session failed: %v", err)
		}
		if _, err := store.MarkActive(id, endedAt.Add(-time.Duration(minutes)*time.Minute)); err != nil {
			t.Fatalf("mark active failed: %v", err)
		}
		if _, err := store.MarkCompleted(id, EndReasonDeviceOff, endedAt); err != nil {
			t.Fatalf("mark completed failed: %v", err)
		}
	}

	complete("s1", "wash-1", 10, 5.0, now.Add(-5*time.Hour))
	complete("s2", "wash-1", 20, 10.0, now.Add(-4*time.Hour))
	complete("s3", "wash-2", 10, 5.0, now.AddDate(0, 0, -3))

	// Failed sessions never earned and must not count.
	if err := store.Add(Session{
		ID: "s4", MachineID: "wash-1", DurationMinutes: 10, Cost: 5.0,
		Status: SessionStatusPending, CreatedAt: now,
	}); err != nil {
		t.Fatalf("add session failed: %v", err)
	}
	if _, err := store.MarkFailed("s4", EndReasonPaymentFailed, now); err != nil {
		t.Fatalf("mark failed failed: %v", err)
	}

	today, err := reporter.Report("today")
	if err != nil {
		t.Fatalf("today report failed: %v", err)
	}
	if today.Period != "today" {
		t.Fatalf("expected period today, got %q", today.Period)
	}
	if today.TotalSessions != 2 || today.TotalRevenue != 15.0 {
		t.Fatalf("expected 2 sessions / 15.0 revenue, got %d / %v", today.TotalSessions, today.TotalRevenue)
	}
	if len(today.ByMachine) != 1 || today.ByMachine[0].MachineID != "wash-1" {
		t.Fatalf("unexpected machine breakdown: %+v", today.ByMachine)
	}
	if today.ByMachine[0].Minutes != 30 {
		t.Fatalf("expected 30 minutes for wash-1, got %d", today.ByMachine[0].Minutes)
	}
	if len(today.ByDay) != 1 || today.ByDay[0].Date != "2026-03-10" {
		t.Fatalf("unexpected daily breakdown: %+v", today.ByDay)
	}

	week, err := reporter.Report("week")
	if err != nil {
		t.Fatalf("week report failed: %v", err)
	}
	if week.TotalSessions != 3 || week.TotalRevenue != 20.0 {
		t.Fatalf("expected 3 sessions / 20.0 revenue, got %d / %v", week.TotalSessions, week.TotalRevenue)
	}
	if len(week.ByMachine) != 2 {
		t.Fatalf("expected 2 machines in week report, got %d", len(week.ByMachine))
	}

	// Unknown periods fall back to the daily window.
	fallback, err := reporter.Report("fortnight")
	if err != nil {
		t.Fatalf("fallback report failed: %v", err)
	}
	if fallback.Period != "today" || fallback.TotalSessions != 2 {
		t.Fatalf("expected fallback to today, got %q with %d sessions", fallback.Period, fallback.TotalSessions)
	}
}
