package sample

import (
	"fmt"
	"time"

	"github.com/obsidianstack/obsidian-exporter/internal/config"
)

// Builder turns one fetched payload into samples. Build is a pure function of
// its inputs: the same body and time always yield the same samples.
type Builder interface {
	Build(body []byte, observedAt time.Time) ([]Sample, error)
}

// NewBuilder returns the Builder for the job's payload format.
func NewBuilder(job config.Job) (Builder, error) {
	switch job.Format {
	case config.FormatJSON, "":
		return newJSONBuilder(job)
	case config.FormatPrometheus:
		return newPromBuilder(job), nil
	default:
		return nil, fmt.Errorf("sample: unsupported format %q", job.Format)
	}
}

// checkBatch enforces one kind per name and one sample per identity.
func checkBatch(samples []Sample) error {
	kinds := make(map[string]Kind, len(samples))
	seen := make(map[string]struct{}, len(samples))
	for _, s := range samples {
		if k, ok := kinds[s.Name]; ok && k != s.Kind {
			return fmt.Errorf("%w: %s is both %s and %s", ErrMetricKindConflict, s.Name, k, s.Kind)
		}
		kinds[s.Name] = s.Kind

		id := s.Identity()
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate series %s", ErrMalformedPayload, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
