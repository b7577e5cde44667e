package http

import (
	"github.com/panguard-ai/panguard-guard/internal/guard"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string      `json:"status"`
	HostID    string      `json:"host_id"`
	State     guard.State `json:"state"`
	Mode      string      `json:"mode"`
	Timestamp string      `json:"timestamp"`
	Uptime    string      `json:"uptime"`
}

// StatusResponse wraps the engine status with host details
type StatusResponse struct {
	HostID string       `json:"host_id"`
	Rules  int          `json:"rules_loaded"`
	Engine guard.Status `json:"engine"`
}

// ConfirmationsResponse lists pending confirmations
type ConfirmationsResponse struct {
	Count         int                  `json:"count"`
	Confirmations []guard.Confirmation `json:"confirmations"`
}

// ModeRequest switches the operating mode
type ModeRequest struct {
	Mode string `json:"mode"`
}

// ErrorResponse is returned for failed requests
type ErrorResponse struct {
	Error string `json:"error"`
}
