package server

import (
	"bytes"
	"io"
	"log/slog"
	"sort"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/obsidianstack/obsidian-exporter/internal/registry"
	"github.com/obsidianstack/obsidian-exporter/internal/sample"
)

// contentType is the exposition text format served on /metrics.
const contentType = "text/plain; version=0.0.4; charset=utf-8"

// writeExposition renders snap in the text exposition format. Families keep
// the snapshot order: name, then label rendering. A family that fails to
// encode is logged and left out; the rest are still written.
func writeExposition(w io.Writer, snap registry.Snapshot, timestamps bool) error {
	var buf bytes.Buffer
	for _, fam := range snap.Families() {
		buf.Reset()
		if _, err := expfmt.MetricFamilyToText(&buf, toFamily(fam, timestamps)); err != nil {
			slog.Error("server: encode metric family", "name", fam[0].Name, "err", err)
			continue
		}
		if _, err := w.Write(buf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// toFamily converts samples sharing one name and kind to a MetricFamily.
func toFamily(samples []sample.Sample, timestamps bool) *dto.MetricFamily {
	first := samples[0]
	help := first.Help
	if help == "" {
		help = first.Name
	}
	mf := &dto.MetricFamily{
		Name:   proto.String(first.Name),
		Help:   proto.String(help),
		Type:   metricType(first.Kind),
		Metric: make([]*dto.Metric, 0, len(samples)),
	}
	for _, s := range samples {
		m := &dto.Metric{Label: labelPairs(s.Labels)}
		switch s.Kind {
		case sample.Counter:
			m.Counter = &dto.Counter{Value: proto.Float64(s.Value)}
		case sample.Histogram:
			m.Histogram = histogram(s.Histogram)
		default:
			m.Gauge = &dto.Gauge{Value: proto.Float64(s.Value)}
		}
		if timestamps && !s.ObservedAt.IsZero() {
			m.TimestampMs = proto.Int64(s.ObservedAt.UnixMilli())
		}
		mf.Metric = append(mf.Metric, m)
	}
	return mf
}

func metricType(k sample.Kind) *dto.MetricType {
	switch k {
	case sample.Counter:
		return dto.MetricType_COUNTER.Enum()
	case sample.Histogram:
		return dto.MetricType_HISTOGRAM.Enum()
	default:
		return dto.MetricType_GAUGE.Enum()
	}
}

func labelPairs(l sample.Labels) []*dto.LabelPair {
	if len(l) == 0 {
		return nil
	}
	names := make([]string, 0, len(l))
	for k := range l {
		names = append(names, k)
	}
	sort.Strings(names)

	out := make([]*dto.LabelPair, 0, len(names))
	for _, k := range names {
		out = append(out, &dto.LabelPair{Name: proto.String(k), Value: proto.String(l[k])})
	}
	return out
}

// histogram converts cumulative buckets; the +Inf bucket is added by the
// text encoder from the sample count.
func histogram(h *sample.HistogramValue) *dto.Histogram {
	if h == nil {
		return &dto.Histogram{SampleCount: proto.Uint64(0), SampleSum: proto.Float64(0)}
	}
	out := &dto.Histogram{
		SampleCount: proto.Uint64(h.Count),
		SampleSum:   proto.Float64(h.Sum),
		Bucket:      make([]*dto.Bucket, 0, len(h.Buckets)),
	}
	for _, b := range h.Buckets {
		out.Bucket = append(out.Bucket, &dto.Bucket{
			UpperBound:      proto.Float64(b.UpperBound),
			CumulativeCount: proto.Uint64(b.Count),
		})
	}
	return out
}
