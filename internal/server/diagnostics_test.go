package server

import (
	"testing"

	"github.com/obsidianstack/obsidian-exporter/internal/fetch"
	"github.com/obsidianstack/obsidian-exporter/internal/scheduler"
)

func keys(hints []DiagnosticHint) []string {
	out := make([]string, len(hints))
	for i, h := range hints {
		out[i] = h.Key
	}
	return out
}

func TestComputeDiagnostics(t *testing.T) {
	tests := []struct {
		name string
		st   scheduler.JobStatus
		want []string
	}{
		{
			name: "unknown",
			st:   scheduler.JobStatus{State: scheduler.StateUnknown, Interval: "5m0s"},
			want: []string{"warming_up"},
		},
		{
			name: "healthy",
			st:   scheduler.JobStatus{State: scheduler.StateHealthy, UptimePct: 100, Samples: 4},
			want: []string{"ok"},
		},
		{
			name: "malformed payload",
			st: scheduler.JobStatus{
				State: scheduler.StateFailing, UptimePct: 50, ConsecutiveFailures: 1,
				LastError: "build: malformed payload: path data.price not found",
			},
			want: []string{"build_failed"},
		},
		{
			name: "kind conflict",
			st: scheduler.JobStatus{
				State: scheduler.StateFailing, ConsecutiveFailures: 2,
				LastError: "update registry: metric kind conflict: x recorded as gauge",
			},
			want: []string{"update_rejected"},
		},
		{
			name: "flapping with skipped ticks",
			st:   scheduler.JobStatus{State: scheduler.StateHealthy, UptimePct: 60, SkippedTotal: 2},
			want: []string{"flapping", "cycles_skipped"},
		},
		{
			name: "critical sorts first",
			st: scheduler.JobStatus{
				State: scheduler.StateHealthy, UptimePct: 100, SkippedTotal: 1,
				Cert: &fetch.CertStatus{Status: "expired", DaysLeft: -3},
			},
			want: []string{"cert_expired", "cycles_skipped"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := keys(computeDiagnostics(tc.st))
			if len(got) != len(tc.want) {
				t.Fatalf("hints = %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("hints = %v, want %v", got, tc.want)
					break
				}
			}
		})
	}
}

func TestAdviceFor(t *testing.T) {
	if adviceFor("GET x: status 404: unexpected status 404 Not Found") != "Check the job URL." {
		t.Error("404 advice mismatch")
	}
	if adviceFor("something else") != "" {
		t.Error("unknown failures should carry no advice")
	}
}
