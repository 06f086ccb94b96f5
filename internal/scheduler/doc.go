// Package scheduler runs collection jobs on their own intervals.
//
// Each job gets one goroutine and one ticker. The first cycle runs as soon
// as Start is called; a tick that arrives while the previous cycle is still
// in flight is skipped and counted. A cycle fetches the upstream, builds
// samples and writes them to the registry in one Update.
//
// Failures stay inside the job: they are logged, counted and reflected in
// Status. After failure_threshold consecutive failures the job's samples are
// hidden from the registry until its next successful cycle.
//
// health.go keeps the per-job outcome history (uptime over the last 20
// cycles, last error, last success, certificate status). metrics.go exposes
// the scheduler's own counters through client_golang.
package scheduler
