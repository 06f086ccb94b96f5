package sample

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// Kind is the type of a metric. A name keeps the same kind for the whole
// lifetime of the process.
type Kind string

const (
	Counter   Kind = "counter"
	Gauge     Kind = "gauge"
	Histogram Kind = "histogram"
)

var (
	// ErrMalformedPayload is returned when a payload cannot be parsed into
	// the shape the job expects. It is never retried.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrMetricKindConflict is returned when one metric name is produced
	// with two different kinds. It indicates a configuration bug.
	ErrMetricKindConflict = errors.New("metric kind conflict")
)

// Labels is a set of label pairs, unique by name.
type Labels map[string]string

// String renders the label set as {k="v",...} with keys sorted.
// An empty set renders as "".
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(escapeLabelValue(l[k]))
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

// Clone returns an independent copy of l.
func (l Labels) Clone() Labels {
	out := make(Labels, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

var labelValueEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, `"`, `\"`)

func escapeLabelValue(v string) string {
	return labelValueEscaper.Replace(v)
}

// Bucket is one cumulative histogram bucket.
type Bucket struct {
	UpperBound float64
	Count      uint64
}

// HistogramValue holds the distribution of a histogram sample. Buckets are
// cumulative and ordered by UpperBound; the +Inf bucket is implied by Count.
type HistogramValue struct {
	Count   uint64
	Sum     float64
	Buckets []Bucket
}

// Sample is one observation of one metric identity. Samples are never
// mutated after creation.
type Sample struct {
	Name   string
	Help   string
	Kind   Kind
	Labels Labels

	// Value is the counter or gauge value. For histograms it mirrors
	// Histogram.Sum.
	Value     float64
	Histogram *HistogramValue

	ObservedAt time.Time
}

// Clone returns a copy of s that shares no maps or slices with it.
func (s Sample) Clone() Sample {
	s.Labels = s.Labels.Clone()
	if s.Histogram != nil {
		h := *s.Histogram
		h.Buckets = append([]Bucket(nil), h.Buckets...)
		s.Histogram = &h
	}
	return s
}

// Identity returns the canonical metric identity: name plus rendered labels.
func (s Sample) Identity() string {
	return s.Name + s.Labels.String()
}

// SortSamples orders samples by metric name, then by label rendering.
func SortSamples(samples []Sample) {
	sort.SliceStable(samples, func(i, j int) bool {
		if samples[i].Name != samples[j].Name {
			return samples[i].Name < samples[j].Name
		}
		return samples[i].Labels.String() < samples[j].Labels.String()
	})
}
