package sample

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/obsidianstack/obsidian-exporter/internal/config"
)

// promBuilder republishes an upstream Prometheus text exposition.
// Untyped families become gauges; summaries are dropped because they have no
// counterpart among the exported kinds.
type promBuilder struct {
	include map[string]bool
	prefix  string
}

func newPromBuilder(job config.Job) *promBuilder {
	b := &promBuilder{prefix: job.Prefix}
	if len(job.Include) > 0 {
		b.include = make(map[string]bool, len(job.Include))
		for _, name := range job.Include {
			b.include[name] = true
		}
	}
	return b
}

func (b *promBuilder) Build(body []byte, observedAt time.Time) ([]Sample, error) {
	mfs, err := parseMetrics(body)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(mfs))
	for name := range mfs {
		if b.include != nil && !b.include[name] {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var out []Sample
	for _, name := range names {
		out = append(out, b.convert(mfs[name], observedAt)...)
	}
	if err := checkBatch(out); err != nil {
		return nil, err
	}
	SortSamples(out)
	return out, nil
}

func (b *promBuilder) convert(mf *dto.MetricFamily, observedAt time.Time) []Sample {
	var kind Kind
	switch mf.GetType() {
	case dto.MetricType_COUNTER:
		kind = Counter
	case dto.MetricType_GAUGE, dto.MetricType_UNTYPED:
		kind = Gauge
	case dto.MetricType_HISTOGRAM:
		kind = Histogram
	default:
		return nil
	}

	out := make([]Sample, 0, len(mf.GetMetric()))
	for _, m := range mf.GetMetric() {
		s := Sample{
			Name:       b.prefix + mf.GetName(),
			Help:       mf.GetHelp(),
			Kind:       kind,
			Labels:     make(Labels, len(m.GetLabel())),
			ObservedAt: observedAt,
		}
		for _, lp := range m.GetLabel() {
			s.Labels[lp.GetName()] = lp.GetValue()
		}
		if ts := m.GetTimestampMs(); ts != 0 {
			s.ObservedAt = time.UnixMilli(ts).UTC()
		}

		switch kind {
		case Counter:
			s.Value = m.GetCounter().GetValue()
		case Gauge:
			if m.Gauge != nil {
				s.Value = m.GetGauge().GetValue()
			} else {
				s.Value = m.GetUntyped().GetValue()
			}
		case Histogram:
			h := m.GetHistogram()
			hv := &HistogramValue{Count: h.GetSampleCount(), Sum: h.GetSampleSum()}
			for _, bk := range h.GetBucket() {
				if math.IsInf(bk.GetUpperBound(), +1) {
					continue
				}
				hv.Buckets = append(hv.Buckets, Bucket{
					UpperBound: bk.GetUpperBound(),
					Count:      bk.GetCumulativeCount(),
				})
			}
			s.Histogram = hv
			s.Value = hv.Sum
		}
		out = append(out, s)
	}
	return out
}

// parseMetrics decodes a Prometheus text exposition into metric families.
// Any parse error fails the whole payload so a truncated body never
// publishes a partial sample set.
func parseMetrics(body []byte) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: parse prometheus text: %v", ErrMalformedPayload, err)
	}
	return mfs, nil
}
