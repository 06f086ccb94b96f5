package server

import "github.com/obsidianstack/obsidian-exporter/internal/scheduler"

// StatusResponse is the payload for GET /status.
type StatusResponse struct {
	Jobs             []JobResponse `json:"jobs"`
	HealthyCount     int           `json:"healthy_count"`
	FailingCount     int           `json:"failing_count"`
	UnavailableCount int           `json:"unavailable_count"`
	UnknownCount     int           `json:"unknown_count"`
	Identities       int           `json:"identities"`
	GeneratedAt      string        `json:"generated_at"` // RFC3339
}

// JobResponse is one job entry in GET /status.
type JobResponse struct {
	scheduler.JobStatus
	Diagnostics []DiagnosticHint `json:"diagnostics"`
}

type errorResponse struct {
	Error string `json:"error"`
}
