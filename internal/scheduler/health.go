package scheduler

import (
	"sync"
	"time"

	"github.com/obsidianstack/obsidian-exporter/internal/fetch"
)

// uptimeWindow is the number of recent cycle outcomes tracked for uptime %.
const uptimeWindow = 20

// Job health states reported by Status.
const (
	StateUnknown     = "unknown"     // no cycle has completed yet
	StateHealthy     = "healthy"     // last cycle succeeded
	StateFailing     = "failing"     // recent failures, values still exposed
	StateUnavailable = "unavailable" // threshold reached, values hidden
)

// JobStatus is the health summary of one job, as served on /status.
type JobStatus struct {
	Job                 string            `json:"job"`
	URL                 string            `json:"url"`
	Format              string            `json:"format"`
	Interval            string            `json:"interval"`
	State               string            `json:"state"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	SuccessesTotal      int64             `json:"successes_total"`
	FailuresTotal       int64             `json:"failures_total"`
	SkippedTotal        int64             `json:"skipped_total"`
	UptimePct           float64           `json:"uptime_pct"`
	Samples             int               `json:"samples"`
	LastError           string            `json:"last_error,omitempty"`
	LastSuccess         *time.Time        `json:"last_success,omitempty"`
	LastCycle           *time.Time        `json:"last_cycle,omitempty"`
	LastDurationSeconds float64           `json:"last_duration_seconds"`
	Cert                *fetch.CertStatus `json:"cert,omitempty"`
}

// health tracks one job's outcomes across cycles. Cycles of a job never
// overlap, but Status reads concurrently, so every field sits behind mu.
type health struct {
	mu          sync.Mutex
	consecutive int
	successes   int64
	failures    int64
	skipped     int64
	hidden      bool
	completed   bool
	samples     int
	lastErr     string
	lastSuccess time.Time
	lastCycle   time.Time
	lastDur     time.Duration
	cert        *fetch.CertStatus
	history     []bool // outcomes, newest last
}

func (h *health) record(success bool) {
	if len(h.history) >= uptimeWindow {
		h.history = h.history[1:]
	}
	h.history = append(h.history, success)
}

// recordSuccess resets the failure streak and reports whether the job was
// hidden before.
func (h *health) recordSuccess(at time.Time, dur time.Duration, samples int, cert *fetch.CertStatus) (wasHidden bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.record(true)
	h.completed = true
	h.consecutive = 0
	h.successes++
	h.samples = samples
	h.lastErr = ""
	h.lastSuccess = at
	h.lastCycle = at
	h.lastDur = dur
	if cert != nil {
		h.cert = cert
	}
	wasHidden = h.hidden
	h.hidden = false
	return wasHidden
}

// recordFailure extends the failure streak. It reports whether the job has
// just reached threshold and must be hidden; threshold 0 never hides.
func (h *health) recordFailure(at time.Time, dur time.Duration, err error, threshold int) (hide bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.record(false)
	h.completed = true
	h.consecutive++
	h.failures++
	h.lastErr = err.Error()
	h.lastCycle = at
	h.lastDur = dur

	if threshold > 0 && h.consecutive >= threshold && !h.hidden {
		h.hidden = true
		return true
	}
	return false
}

func (h *health) recordSkip() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.skipped++
	return h.skipped
}

func (h *health) streak() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consecutive
}

func (h *health) uptimePct() float64 {
	if len(h.history) == 0 {
		return 100 // assume up before first observation
	}
	var ok int
	for _, s := range h.history {
		if s {
			ok++
		}
	}
	return float64(ok) / float64(len(h.history)) * 100
}

func (h *health) state() string {
	switch {
	case !h.completed:
		return StateUnknown
	case h.hidden:
		return StateUnavailable
	case h.consecutive > 0:
		return StateFailing
	default:
		return StateHealthy
	}
}

// status fills the health-derived fields of st.
func (h *health) status(st *JobStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st.State = h.state()
	st.ConsecutiveFailures = h.consecutive
	st.SuccessesTotal = h.successes
	st.FailuresTotal = h.failures
	st.SkippedTotal = h.skipped
	st.UptimePct = h.uptimePct()
	st.Samples = h.samples
	st.LastError = h.lastErr
	st.LastDurationSeconds = h.lastDur.Seconds()
	if !h.lastSuccess.IsZero() {
		t := h.lastSuccess
		st.LastSuccess = &t
	}
	if !h.lastCycle.IsZero() {
		t := h.lastCycle
		st.LastCycle = &t
	}
	if h.cert != nil {
		c := *h.cert
		st.Cert = &c
	}
}
