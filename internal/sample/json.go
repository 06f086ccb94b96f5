package sample

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/buger/jsonparser"

	"github.com/obsidianstack/obsidian-exporter/internal/config"
)

type jsonBuilder struct {
	rules []jsonRule
}

// jsonRule is a config.MetricRule with its paths pre-split into keys.
type jsonRule struct {
	config.MetricRule
	kind       Kind
	path       []string
	each       []string
	labelPaths map[string][]string
}

func newJSONBuilder(job config.Job) (*jsonBuilder, error) {
	b := &jsonBuilder{rules: make([]jsonRule, 0, len(job.Metrics))}
	for _, r := range job.Metrics {
		kind := Kind(r.Kind)
		switch kind {
		case Counter, Gauge, Histogram:
		case "":
			kind = Gauge
		default:
			return nil, fmt.Errorf("sample: metric %q: unknown kind %q", r.Name, r.Kind)
		}
		jr := jsonRule{
			MetricRule: r,
			kind:       kind,
			path:       splitPath(r.Path),
			each:       splitPath(r.Each),
			labelPaths: make(map[string][]string, len(r.LabelPaths)),
		}
		for name, p := range r.LabelPaths {
			jr.labelPaths[name] = splitPath(p)
		}
		b.rules = append(b.rules, jr)
	}
	return b, nil
}

// splitPath turns "a.b.[0].c" into jsonparser keys. An empty path selects
// the value itself.
func splitPath(p string) []string {
	p = strings.TrimSpace(p)
	if p == "" {
		return nil
	}
	return strings.Split(p, ".")
}

func (b *jsonBuilder) Build(body []byte, observedAt time.Time) ([]Sample, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, fmt.Errorf("%w: body is not a JSON document", ErrMalformedPayload)
	}
	// jsonparser stops at the first match, so a truncated body would still
	// yield the values that precede the cut.
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: body is not valid JSON", ErrMalformedPayload)
	}

	var out []Sample
	for _, r := range b.rules {
		samples, err := r.extract(trimmed, observedAt)
		if err != nil {
			return nil, fmt.Errorf("metric %s: %w", r.Name, err)
		}
		out = append(out, samples...)
	}
	if err := checkBatch(out); err != nil {
		return nil, err
	}
	SortSamples(out)
	return out, nil
}

func (r jsonRule) extract(doc []byte, at time.Time) ([]Sample, error) {
	switch {
	case r.Value != nil:
		labels, err := r.labels(doc)
		if err != nil {
			return nil, err
		}
		return []Sample{r.sample(*r.Value, labels, at)}, nil

	case r.Each == "":
		v, err := numberAt(doc, r.path)
		if err != nil {
			return nil, err
		}
		labels, err := r.labels(doc)
		if err != nil {
			return nil, err
		}
		return []Sample{r.sample(v, labels, at)}, nil
	}

	elems, err := elementsAt(doc, r.each)
	if err != nil {
		return nil, err
	}

	if r.kind == Histogram {
		return r.histogram(doc, elems, at)
	}
	if r.Reduce != "" {
		return r.reduce(doc, elems, at)
	}

	out := make([]Sample, 0, len(elems))
	for i, el := range elems {
		v, err := el.numberAt(r.path)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", r.Each, i, err)
		}
		labels, err := r.labels(el.raw)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", r.Each, i, err)
		}
		out = append(out, r.sample(v, labels, at))
	}
	return out, nil
}

func (r jsonRule) reduce(doc []byte, elems []element, at time.Time) ([]Sample, error) {
	labels, err := r.labels(doc)
	if err != nil {
		return nil, err
	}
	if r.Reduce == config.ReduceCount {
		return []Sample{r.sample(float64(len(elems)), labels, at)}, nil
	}

	values, err := r.values(elems)
	if err != nil {
		return nil, err
	}

	var v float64
	switch r.Reduce {
	case config.ReduceSum:
		for _, x := range values {
			v += x
		}
	case config.ReduceMin, config.ReduceMax:
		// No observation, no sample.
		if len(values) == 0 {
			return nil, nil
		}
		v = values[0]
		for _, x := range values[1:] {
			if r.Reduce == config.ReduceMin {
				v = math.Min(v, x)
			} else {
				v = math.Max(v, x)
			}
		}
	default:
		return nil, fmt.Errorf("unknown reduce %q", r.Reduce)
	}
	return []Sample{r.sample(v, labels, at)}, nil
}

func (r jsonRule) histogram(doc []byte, elems []element, at time.Time) ([]Sample, error) {
	labels, err := r.labels(doc)
	if err != nil {
		return nil, err
	}
	values, err := r.values(elems)
	if err != nil {
		return nil, err
	}

	h := &HistogramValue{Buckets: make([]Bucket, len(r.Buckets))}
	for i, ub := range r.Buckets {
		h.Buckets[i].UpperBound = ub
	}
	for _, x := range values {
		h.Count++
		h.Sum += x
		for i := range h.Buckets {
			if x <= h.Buckets[i].UpperBound {
				h.Buckets[i].Count++
			}
		}
	}

	s := r.sample(h.Sum, labels, at)
	s.Histogram = h
	return []Sample{s}, nil
}

func (r jsonRule) values(elems []element) ([]float64, error) {
	out := make([]float64, 0, len(elems))
	for i, el := range elems {
		v, err := el.numberAt(r.path)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", r.Each, i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// labels builds the complete label set from static labels and label paths
// resolved against src. A missing label value fails the whole build.
func (r jsonRule) labels(src []byte) (Labels, error) {
	out := make(Labels, len(r.Labels)+len(r.labelPaths))
	for k, v := range r.Labels {
		out[k] = v
	}
	for name, keys := range r.labelPaths {
		v, err := stringAt(src, keys)
		if err != nil {
			return nil, fmt.Errorf("label %s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

func (r jsonRule) sample(v float64, labels Labels, at time.Time) Sample {
	return Sample{
		Name:       r.Name,
		Help:       r.Help,
		Kind:       r.kind,
		Labels:     labels,
		Value:      v,
		ObservedAt: at,
	}
}

// element is one member of a JSON array.
type element struct {
	raw []byte
	typ jsonparser.ValueType
}

func (e element) numberAt(keys []string) (float64, error) {
	if len(keys) == 0 {
		return toNumber(e.raw, e.typ)
	}
	return numberAt(e.raw, keys)
}

func elementsAt(doc []byte, keys []string) ([]element, error) {
	var (
		out     []element
		walkErr error
	)
	_, err := jsonparser.ArrayEach(doc, func(value []byte, typ jsonparser.ValueType, _ int, err error) {
		if err != nil {
			if walkErr == nil {
				walkErr = err
			}
			return
		}
		out = append(out, element{raw: value, typ: typ})
	}, keys...)
	if err == nil {
		err = walkErr
	}
	if err != nil {
		return nil, fmt.Errorf("%w: array %q: %v", ErrMalformedPayload, strings.Join(keys, "."), err)
	}
	return out, nil
}

func numberAt(doc []byte, keys []string) (float64, error) {
	raw, typ, _, err := jsonparser.Get(doc, keys...)
	if err != nil {
		return 0, pathErr(keys, err)
	}
	v, err := toNumber(raw, typ)
	if err != nil {
		return 0, fmt.Errorf("path %q: %w", strings.Join(keys, "."), err)
	}
	return v, nil
}

func stringAt(doc []byte, keys []string) (string, error) {
	raw, typ, _, err := jsonparser.Get(doc, keys...)
	if err != nil {
		return "", pathErr(keys, err)
	}
	var s string
	switch typ {
	case jsonparser.String:
		s, err = jsonparser.ParseString(raw)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if s == "" {
			return "", fmt.Errorf("%w: empty label value", ErrMalformedPayload)
		}
	case jsonparser.Number, jsonparser.Boolean:
		s = string(raw)
	default:
		return "", fmt.Errorf("%w: label value is %s", ErrMalformedPayload, typ)
	}
	// The exposition encoder writes label values verbatim; scrapers reject
	// the whole page on invalid UTF-8.
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("%w: label value %q is not valid UTF-8", ErrMalformedPayload, s)
	}
	return s, nil
}

// toNumber accepts JSON numbers, numeric strings and booleans.
func toNumber(raw []byte, typ jsonparser.ValueType) (float64, error) {
	switch typ {
	case jsonparser.Number:
		v, err := jsonparser.ParseFloat(raw)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return v, nil
	case jsonparser.String:
		s, err := jsonparser.ParseString(raw)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not numeric", ErrMalformedPayload, s)
		}
		return v, nil
	case jsonparser.Boolean:
		b, err := jsonparser.ParseBoolean(raw)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if b {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: value is %s, not a number", ErrMalformedPayload, typ)
	}
}

func pathErr(keys []string, err error) error {
	if errors.Is(err, jsonparser.KeyPathNotFoundError) {
		return fmt.Errorf("%w: path %q not found", ErrMalformedPayload, strings.Join(keys, "."))
	}
	return fmt.Errorf("%w: path %q: %v", ErrMalformedPayload, strings.Join(keys, "."), err)
}
