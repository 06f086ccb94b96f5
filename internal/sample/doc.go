// Package sample defines metric samples and the builders that derive them
// from fetched payloads.
//
// A Sample is one observation of one metric identity (name plus label set).
// Identity() renders the canonical form name{k="v",...} with keys sorted;
// SortSamples orders by name, then by that rendering.
//
// NewBuilder(job) returns the Builder for the job's format:
//   - json: rule-driven extraction with jsonparser. Rules select a value by
//     dotted path, iterate an array (each), fold it (reduce count|sum|min|max)
//     or observe it into a histogram. Labels come from static values and
//     label_paths.
//   - prometheus: an upstream text exposition is parsed with expfmt and
//     republished, optionally filtered (include) and renamed (prefix).
//
// Build is deterministic. It fails with ErrMalformedPayload when the body
// does not have the expected shape and with ErrMetricKindConflict when one
// name would carry two kinds.
package sample
