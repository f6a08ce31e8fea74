package domain

import "time"

// DiagnosticStatus indicates the outcome of a single startup check.
type DiagnosticStatus string

const (
	DiagnosticStatusPass DiagnosticStatus = "pass"
	DiagnosticStatusWarn DiagnosticStatus = "warn"
	DiagnosticStatusFail DiagnosticStatus = "fail"
)

// DiagnosticItem is one check result. Warn items disable optional features
// (URL downloads, diarization) without blocking the service.
type DiagnosticItem struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Status  DiagnosticStatus `json:"status"`
	Message string           `json:"message"`
	Hint    string           `json:"hint,omitempty"`
}

// DiagnosticReport aggregates startup checks for logs and the API.
type DiagnosticReport struct {
	GeneratedAt time.Time        `json:"generated_at"`
	HasFailures bool             `json:"has_failures"`
	HasWarnings bool             `json:"has_warnings"`
	Items       []DiagnosticItem `json:"items"`
}
