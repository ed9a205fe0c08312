package stationctl

import (
	"fmt"
	"net/url"
	"time"
)

type SessionJSON struct {
	ID              string    `json:"id"`
	MachineID       string    `json:"machine_id"`
	DurationMinutes int       `json:"duration_minutes"`
	Cost            float64   `json:"cost"`
	PaymentMethod   string    `json:"payment_method,omitempty"`
	PaymentRef      string    `json:"payment_ref,omitempty"`
	Status          string    `json:"status"`
	EndReason       string    `json:"end_reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	EndedAt         time.Time `json:"ended_at,omitempty"`
}

type CreateSessionRequest struct {
	MachineID       string `json:"machine_id"`
	DurationMinutes int    `json:"duration_minutes"`
	PaymentMethod   string `json:"payment_method"`
	PaymentRef      string `json:"payment_ref,omitempty"`
}

func ListSessions(client *HTTPClient, machineID, status string, limit int) ([]SessionJSON, error) {
	q := url.Values{}
	if machineID != "" {
		q.Set("machine_id", machineID)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}

	path := "/api/v1/sessions"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}

	body, err := client.Get(path)
	if err != nil {
		return nil, err
	}

	var sessions []SessionJSON
	if err := ParseResponse(body, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func GetSession(client *HTTPClient, id string) (*SessionJSON, error) {
	if id == "" {
		return nil, fmt.Errorf("session id is required")
	}

	body, err := client.Get("/api/v1/sessions/" + url.PathEscape(id))
	if err != nil {
		return nil, err
	}

	var session SessionJSON
	if err := ParseResponse(body, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func CreateSession(client *HTTPClient, req CreateSessionRequest) (*SessionJSON, error) {
	if req.MachineID == "" {
		return nil, fmt.Errorf("machine id is required")
	}

	body, err := client.Post("/api/v1/sessions", req)
	if err != nil {
		return nil, err
	}

	var session SessionJSON
	if err := ParseResponse(body, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func StopSession(client *HTTPClient, id string) (*SessionJSON, error) {
	if id == "" {
		return nil, fmt.Errorf("session id is required")
	}

	body, err := client.Post("/api/v1/sessions/"+url.PathEscape(id)+"/stop", nil)
	if err != nil {
		return nil, err
	}

	var session SessionJSON
	if err := ParseResponse(body, &session); err != nil {
		return nil, err
	}
	return &session, nil
}
