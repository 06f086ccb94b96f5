package registry

import (
	"time"

	"github.com/obsidianstack/obsidian-exporter/internal/sample"
)

// Snapshot is a point-in-time copy of the exposed samples.
type Snapshot struct {
	Samples []sample.Sample
	TakenAt time.Time
}

// Families groups the samples by metric name, preserving order.
func (s Snapshot) Families() [][]sample.Sample {
	var out [][]sample.Sample
	for i, smp := range s.Samples {
		if i == 0 || s.Samples[i-1].Name != smp.Name {
			out = append(out, nil)
		}
		out[len(out)-1] = append(out[len(out)-1], smp)
	}
	return out
}
