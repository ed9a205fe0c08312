package stationctl

import (
	"fmt"
	"net/url"
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

// GetRevenue fetches the revenue report for "today", "week" or "month".
func GetRevenue(client *HTTPClient, period string) (*RevenueReport, error) {
	if period == "" {
		period = "today"
	}

	body, err := client.Get("/api/v1/revenue/" + url.PathEscape(period))
	if err != nil {
		return nil, err
	}

	var report RevenueReport
	if err := ParseResponse(body, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

type AuditEntryJSON struct {
	ID        string `json:"ID"`
	Timestamp string `json:"Timestamp"`
	Actor     string `json:"Actor"`
	Action    string `json:"Action"`
	Target    string `json:"Target"`
	Detail    string `json:"Detail"`
	Result    string `json:"Result"`
}

// QueryAudit fetches audit entries filtered by action or actor; exactly one
// of the two must be set.
func QueryAudit(client *HTTPClient, action, actor string, limit int) ([]AuditEntryJSON, error) {
	q := url.Values{}
	switch {
	case action != "":
		q.Set("action", action)
	case actor != "":
		q.Set("actor", actor)
	default:
		return nil, fmt.Errorf("action or actor is required")
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}

	body, err := client.Get("/api/v1/audit?" + q.Encode())
	if err != nil {
		return nil, err
	}

	var entries []AuditEntryJSON
	if err := ParseResponse(body, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
