// Package config loads and watches the exporter configuration file (config.yaml).
//
// Top-level types:
//   - Config: log_level, log_format, shutdown_grace, listen, failure,
//     server, registry, jobs []
//   - Job: name, url, interval, timeout, retries, max_fetch_duration,
//     format (json|prometheus), headers, auth, tls, metrics [], include, prefix
//   - MetricRule: name, help, kind (counter|gauge|histogram), path, each,
//     reduce (count|sum|min|max), value, labels, label_paths, buckets
//   - AuthConfig: mode (mtls|apikey|bearer|basic|none); Key(), Token() and
//     Password() resolve secrets from environment variables
//
// Load(path) expands ${VAR} and ${VAR:-default} references from the
// environment, parses the YAML, applies defaults (port 8000, threshold 3,
// 5m interval, 10s timeout, 3 retries), then validates names, URLs, enums
// and that one metric name never carries two kinds.
//
// Watch(ctx, path, onChange) uses fsnotify to detect file changes and calls
// onChange with the newly parsed Config. It handles the rename→create pattern
// used by atomic-save editors by re-adding the watch after each reload.
package config
