package api

import "time"

// HealthResponse is served by the health endpoints
type HealthResponse struct {
	Status      string    `json:"status"`
	Service     string    `json:"service"`
	Provider    string    `json:"provider"`
	ActiveCalls int       `json:"active_calls"`
	Timestamp   time.Time `json:"timestamp"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
