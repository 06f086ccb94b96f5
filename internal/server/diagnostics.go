package server

import (
	"fmt"
	"sort"
	"strings"

	"github.com/obsidianstack/obsidian-exporter/internal/scheduler"
)

// DiagnosticHint is one human-readable insight about a job's health.
type DiagnosticHint struct {
	// Key is a stable machine-readable identifier.
	Key string `json:"key"`
	// Level is "ok" | "info" | "warning" | "critical"
	Level  string `json:"level"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
	// Value is an optional number tied to the hint (uptime %, days left).
	Value *float64 `json:"value,omitempty"`
}

var levelRank = map[string]int{"critical": 0, "warning": 1, "info": 2, "ok": 3}

// computeDiagnostics derives hints from a job status, critical first.
func computeDiagnostics(st scheduler.JobStatus) []DiagnosticHint {
	var hints []DiagnosticHint

	if st.State == scheduler.StateUnknown {
		return []DiagnosticHint{{
			Key:    "warming_up",
			Level:  "info",
			Title:  "Warming up",
			Detail: fmt.Sprintf("No cycle has completed yet. The first one runs at start, then every %s.", st.Interval),
		}}
	}

	if st.LastError != "" {
		level := "warning"
		if st.State == scheduler.StateUnavailable {
			level = "critical"
		}
		key, title := "fetch_failed", "Can't reach upstream"
		switch {
		case strings.HasPrefix(st.LastError, "build:"):
			key, title = "build_failed", "Payload not understood"
		case strings.HasPrefix(st.LastError, "update registry:"):
			key, title = "update_rejected", "Samples rejected"
		}
		detail := fmt.Sprintf("The last %d cycle(s) failed with %q.", st.ConsecutiveFailures, st.LastError)
		if advice := adviceFor(st.LastError); advice != "" {
			detail += " " + advice
		}
		if st.State == scheduler.StateUnavailable {
			detail += " Its samples are hidden from /metrics until the next successful cycle."
		}
		hints = append(hints, DiagnosticHint{Key: key, Level: level, Title: title, Detail: detail})
	}

	if c := st.Cert; c != nil {
		days := float64(c.DaysLeft)
		switch c.Status {
		case "expired":
			hints = append(hints, DiagnosticHint{
				Key: "cert_expired", Level: "critical", Title: "Certificate expired",
				Detail: fmt.Sprintf("The upstream certificate issued by %q expired on %s.", c.Issuer, c.NotAfter.Format("2006-01-02")),
				Value:  &days,
			})
		case "expiring":
			hints = append(hints, DiagnosticHint{
				Key: "cert_expiring", Level: "warning", Title: fmt.Sprintf("Cert expires in %dd", c.DaysLeft),
				Detail: fmt.Sprintf("The upstream certificate issued by %q expires on %s.", c.Issuer, c.NotAfter.Format("2006-01-02")),
				Value:  &days,
			})
		}
	}

	if st.UptimePct < 90 && st.State == scheduler.StateHealthy {
		v := st.UptimePct
		hints = append(hints, DiagnosticHint{
			Key: "flapping", Level: "warning", Title: fmt.Sprintf("%.0f%% uptime", v),
			Detail: "The job recovered but failed in a significant share of its recent cycles.",
			Value:  &v,
		})
	}

	if st.SkippedTotal > 0 {
		v := float64(st.SkippedTotal)
		hints = append(hints, DiagnosticHint{
			Key: "cycles_skipped", Level: "info", Title: "Ticks skipped",
			Detail: fmt.Sprintf("%d tick(s) arrived while the previous cycle was still running. "+
				"The upstream is slower than the %s interval; raise the interval or lower timeout and retries.",
				st.SkippedTotal, st.Interval),
			Value: &v,
		})
	}

	if len(hints) == 0 {
		return []DiagnosticHint{{
			Key: "ok", Level: "ok", Title: "Healthy",
			Detail: fmt.Sprintf("Last cycle produced %d sample(s).", st.Samples),
		}}
	}

	sort.SliceStable(hints, func(i, j int) bool {
		return levelRank[hints[i].Level] < levelRank[hints[j].Level]
	})
	return hints
}

// adviceFor maps common failure messages to a next step.
func adviceFor(msg string) string {
	switch {
	case strings.Contains(msg, "status 401"), strings.Contains(msg, "status 403"):
		return "Check the job's auth settings and that the referenced environment variables are set."
	case strings.Contains(msg, "status 404"):
		return "Check the job URL."
	case strings.Contains(msg, "status 429"):
		return "The upstream is rate limiting; raise the job interval."
	case strings.Contains(msg, "certificate"):
		return "The upstream TLS certificate could not be verified."
	case strings.Contains(msg, "malformed payload"):
		return "The response no longer matches the job's metric rules."
	case strings.Contains(msg, "metric kind conflict"):
		return "Two rules or jobs publish the same metric name with different types."
	}
	return ""
}
