package sample

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/obsidianstack/obsidian-exporter/internal/config"
)

var observed = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// registrationBody is a trimmed nimiqwatch registration response.
const registrationBody = `{
  "address": "NQ97 H1NR",
  "stakers": [
    {"address": "NQ01 AAAA", "stake": 1500.5},
    {"address": "NQ02 BBBB", "stake": 250},
    {"address": "NQ03 CCCC", "stake": "4000"}
  ]
}`

func registrationJob() config.Job {
	return config.Job{
		Name:   "registration",
		Format: config.FormatJSON,
		Metrics: []config.MetricRule{
			{Name: "total_stakers", Kind: "gauge", Each: "stakers", Reduce: config.ReduceCount},
			{Name: "total_stake", Kind: "gauge", Each: "stakers", Path: "stake", Reduce: config.ReduceSum},
			{Name: "highest_stake", Kind: "gauge", Each: "stakers", Path: "stake", Reduce: config.ReduceMax},
			{Name: "lowest_stake", Kind: "gauge", Each: "stakers", Path: "stake", Reduce: config.ReduceMin},
			{
				Name: "staker_stake", Kind: "gauge", Each: "stakers", Path: "stake",
				LabelPaths: map[string]string{"staker_address": "address"},
			},
		},
	}
}

func mustBuilder(t *testing.T, job config.Job) Builder {
	t.Helper()
	b, err := NewBuilder(job)
	if err != nil {
		t.Fatalf("NewBuilder() error = %v", err)
	}
	return b
}

// byIdentity indexes samples for lookups in assertions.
func byIdentity(samples []Sample) map[string]Sample {
	out := make(map[string]Sample, len(samples))
	for _, s := range samples {
		out[s.Identity()] = s
	}
	return out
}

func TestJSONBuilder_Registration(t *testing.T) {
	b := mustBuilder(t, registrationJob())
	samples, err := b.Build([]byte(registrationBody), observed)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	got := byIdentity(samples)
	want := map[string]float64{
		"total_stakers":                             3,
		"total_stake":                               5750.5,
		"highest_stake":                             4000,
		"lowest_stake":                              250,
		`staker_stake{staker_address="NQ01 AAAA"}`: 1500.5,
		`staker_stake{staker_address="NQ02 BBBB"}`: 250,
		`staker_stake{staker_address="NQ03 CCCC"}`: 4000,
	}
	if len(got) != len(want) {
		t.Fatalf("got %d samples, want %d: %v", len(got), len(want), samples)
	}
	for id, v := range want {
		s, ok := got[id]
		if !ok {
			t.Errorf("missing sample %s", id)
			continue
		}
		if s.Value != v {
			t.Errorf("%s = %v, want %v", id, s.Value, v)
		}
		if s.Kind != Gauge {
			t.Errorf("%s kind = %s, want gauge", id, s.Kind)
		}
		if !s.ObservedAt.Equal(observed) {
			t.Errorf("%s observed at %v", id, s.ObservedAt)
		}
	}
}

func TestJSONBuilder_SortedOutput(t *testing.T) {
	b := mustBuilder(t, registrationJob())
	samples, err := b.Build([]byte(registrationBody), observed)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	for i := 1; i < len(samples); i++ {
		prev, cur := samples[i-1], samples[i]
		if prev.Name > cur.Name || (prev.Name == cur.Name && prev.Labels.String() > cur.Labels.String()) {
			t.Fatalf("samples not sorted at %d: %s before %s", i, prev.Identity(), cur.Identity())
		}
	}
}

func TestJSONBuilder_Deterministic(t *testing.T) {
	b := mustBuilder(t, registrationJob())
	first, err := b.Build([]byte(registrationBody), observed)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := b.Build([]byte(registrationBody), observed)
		if err != nil {
			t.Fatalf("Build() #%d error = %v", i, err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("Build() #%d differs from first result", i)
		}
	}
}

func TestJSONBuilder_NestedPathAndConstant(t *testing.T) {
	job := config.Job{Metrics: []config.MetricRule{
		{Name: "current_nimiq_price", Kind: "gauge", Path: "nimiq-2.usd", Labels: map[string]string{"currency": "usd"}},
		{Name: "up", Kind: "gauge", Value: floatPtr(1)},
	}}
	samples, err := mustBuilder(t, job).Build([]byte(`{"nimiq-2":{"usd":0.00123}}`), observed)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	got := byIdentity(samples)
	if s := got[`current_nimiq_price{currency="usd"}`]; s.Value != 0.00123 {
		t.Errorf("price = %v, want 0.00123", s.Value)
	}
	if s, ok := got["up"]; !ok || s.Value != 1 {
		t.Errorf("up = %+v, want 1", s)
	}
}

func TestJSONBuilder_ArrayOfScalarsAndIndex(t *testing.T) {
	job := config.Job{Metrics: []config.MetricRule{
		{Name: "queue_depth_total", Kind: "gauge", Each: "depths", Reduce: config.ReduceSum},
		{Name: "first_depth", Kind: "gauge", Path: "depths.[0]"},
		{Name: "healthy", Kind: "gauge", Path: "ok"},
	}}
	samples, err := mustBuilder(t, job).Build([]byte(`{"depths":[3,4,5],"ok":true}`), observed)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	got := byIdentity(samples)
	if got["queue_depth_total"].Value != 12 {
		t.Errorf("queue_depth_total = %v, want 12", got["queue_depth_total"].Value)
	}
	if got["first_depth"].Value != 3 {
		t.Errorf("first_depth = %v, want 3", got["first_depth"].Value)
	}
	if got["healthy"].Value != 1 {
		t.Errorf("healthy = %v, want 1", got["healthy"].Value)
	}
}

func TestJSONBuilder_Histogram(t *testing.T) {
	job := config.Job{Metrics: []config.MetricRule{{
		Name: "stake_distribution", Kind: "histogram", Each: "stakers", Path: "stake",
		Buckets: []float64{500, 2000, 5000},
	}}}
	samples, err := mustBuilder(t, job).Build([]byte(registrationBody), observed)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(samples) != 1 {
		t.Fatalf("got %d samples, want 1", len(samples))
	}
	h := samples[0].Histogram
	if samples[0].Kind != Histogram || h == nil {
		t.Fatalf("sample is not a histogram: %+v", samples[0])
	}
	if h.Count != 3 || h.Sum != 5750.5 {
		t.Errorf("count/sum = %d/%v, want 3/5750.5", h.Count, h.Sum)
	}
	wantCounts := []uint64{1, 2, 3}
	for i, bk := range h.Buckets {
		if bk.Count != wantCounts[i] {
			t.Errorf("bucket le=%v count = %d, want %d", bk.UpperBound, bk.Count, wantCounts[i])
		}
	}
}

func TestJSONBuilder_EmptyArray(t *testing.T) {
	b := mustBuilder(t, registrationJob())
	samples, err := b.Build([]byte(`{"stakers": []}`), observed)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	got := byIdentity(samples)
	if got["total_stakers"].Value != 0 {
		t.Errorf("total_stakers = %v, want 0", got["total_stakers"].Value)
	}
	if _, ok := got["highest_stake"]; ok {
		t.Error("max of an empty array should produce no sample")
	}
	if len(samples) != 2 {
		t.Errorf("got %d samples, want 2 (count and sum)", len(samples))
	}
}

func TestJSONBuilder_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"html error page", `<html>502 Bad Gateway</html>`},
		{"empty body", ``},
		{"missing array", `{"address": "x"}`},
		{"array is an object", `{"stakers": {"a": 1}}`},
		{"non-numeric stake", `{"stakers": [{"address": "a", "stake": "lots"}]}`},
		{"null stake", `{"stakers": [{"address": "a", "stake": null}]}`},
		{"missing label", `{"stakers": [{"stake": 1}]}`},
		{"duplicate series", `{"stakers": [{"address": "a", "stake": 1}, {"address": "a", "stake": 2}]}`},
		{"truncated body", `{"stakers": [{"address": "a", "stake": 1}, {"address": "b`},
		{"trailing garbage", `{"stakers": [{"address": "a", "stake": 1}]} }`},
		{"invalid utf-8 label", "{\"stakers\": [{\"address\": \"x\xff\", \"stake\": 1}]}"},
	}
	b := mustBuilder(t, registrationJob())
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := b.Build([]byte(tc.body), observed)
			if !errors.Is(err, ErrMalformedPayload) {
				t.Fatalf("Build() error = %v, want ErrMalformedPayload", err)
			}
		})
	}
}

func TestBuilder_KindConflictWithinBatch(t *testing.T) {
	job := config.Job{Metrics: []config.MetricRule{
		{Name: "requests", Kind: "counter", Value: floatPtr(1), Labels: map[string]string{"a": "1"}},
		{Name: "requests", Kind: "gauge", Value: floatPtr(2), Labels: map[string]string{"a": "2"}},
	}}
	_, err := mustBuilder(t, job).Build([]byte(`{}`), observed)
	if !errors.Is(err, ErrMetricKindConflict) {
		t.Fatalf("Build() error = %v, want ErrMetricKindConflict", err)
	}
}

func TestLabels_String(t *testing.T) {
	tests := []struct {
		labels Labels
		want   string
	}{
		{nil, ""},
		{Labels{}, ""},
		{Labels{"b": "2", "a": "1"}, `{a="1",b="2"}`},
		{Labels{"path": `C:\tmp "x"` + "\n"}, `{path="C:\\tmp \"x\"\n"}`},
	}
	for _, tc := range tests {
		if got := tc.labels.String(); got != tc.want {
			t.Errorf("String() = %s, want %s", got, tc.want)
		}
	}
}

func floatPtr(v float64) *float64 { return &v }

func TestStringAt_RejectsInvalidUTF8(t *testing.T) {
	doc := []byte("{\"ok\": \"NQ01 \xc3\xa9\", \"bad\": \"x\xff\"}")
	if got, err := stringAt(doc, []string{"ok"}); err != nil || got != "NQ01 é" {
		t.Fatalf("stringAt(ok) = %q, %v", got, err)
	}
	if _, err := stringAt(doc, []string{"bad"}); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("stringAt(bad) error = %v, want ErrMalformedPayload", err)
	}
}
