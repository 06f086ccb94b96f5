// Package server implements the exporter's HTTP surface.
//
// New(registry, status, opts) returns an http.Handler that serves:
//
//	GET /metrics           registry snapshot in text exposition format 0.0.4
//	GET /status            per-job health with diagnostic hints (JSON)
//	GET /healthz           liveness, always "ok"
//	GET /internal/metrics  the exporter's own instrumentation (promhttp)
//
// /metrics is encoded with expfmt from client_model families: HELP and TYPE
// headers, histograms expanded to _bucket/_sum/_count, families ordered by
// name and series by label rendering. It answers 200 even with zero healthy
// jobs and never writes to the registry.
//
// Every endpoint returns a JSON 405 for non-GET methods. JSON types are
// defined in types.go.
package server
