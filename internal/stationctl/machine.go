package stationctl

import (
	"fmt"
	"net/url"
	"time"
)

type MachineJSON struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Status              string    `json:"status"`
	PricePerMinute      float64   `json:"price_per_minute"`
	OperatingMinutes    int       `json:"operating_minutes"`
	MaintenanceInterval int       `json:"maintenance_interval"`
	OpenHour            int       `json:"open_hour"`
	CloseHour           int       `json:"close_hour"`
	FirmwareVersion     string    `json:"firmware_version,omitempty"`
	LastHeartbeat       time.Time `json:"last_heartbeat,omitempty"`
	StatusChangedAt     time.Time `json:"status_changed_at"`
}

type RegisterMachineRequest struct {
	ID                  string  `json:"id"`
	Name                string  `json:"name"`
	PricePerMinute      float64 `json:"price_per_minute"`
	MaintenanceInterval int     `json:"maintenance_interval"`
	OpenHour            int     `json:"open_hour"`
	CloseHour           int     `json:"close_hour"`
}

func ListMachines(client *HTTPClient, status string) ([]MachineJSON, error) {
	path := "/api/v1/machines"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}

	body, err := client.Get(path)
	if err != nil {
		return nil, err
	}

	var machines []MachineJSON
	if err := ParseResponse(body, &machines); err != nil {
		return nil, err
	}
	return machines, nil
}

func GetMachine(client *HTTPClient, id string) (*MachineJSON, error) {
	if id == "" {
		return nil, fmt.Errorf("machine id is required")
	}

	body, err := client.Get("/api/v1/machines/" + url.PathEscape(id))
	if err != nil {
		return nil, err
	}

	var machine MachineJSON
	if err := ParseResponse(body, &machine); err != nil {
		return nil, err
	}
	return &machine, nil
}

func RegisterMachine(client *HTTPClient, req RegisterMachineRequest) (*MachineJSON, error) {
	if req.ID == "" {
		return nil, fmt.Errorf("machine id is required")
	}

	body, err := client.Post("/api/v1/machines", req)
	if err != nil {
		return nil, err
	}

	var machine MachineJSON
	if err := ParseResponse(body, &machine); err != nil {
		return nil, err
	}
	return &machine, nil
}

func EmergencyStop(client *HTTPClient, id string) error {
	if id == "" {
		return fmt.Errorf("machine id is required")
	}

	_, err := client.Post("/api/v1/machines/"+url.PathEscape(id)+"/emergency-stop", nil)
	return err
}

func CompleteMaintenance(client *HTTPClient, id string) error {
	if id == "" {
		return fmt.Errorf("machine id is required")
	}

	_, err := client.Post("/api/v1/machines/"+url.PathEscape(id)+"/maintenance/complete", nil)
	return err
}
