package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/drone/envsubst/v2"
	"github.com/prometheus/common/model"
	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultListenPort       = 8000
	DefaultFailureThreshold = 3
	DefaultShutdownGrace    = 10 * time.Second
	DefaultInterval         = 5 * time.Minute
	DefaultTimeout          = 10 * time.Second
	DefaultRetries          = 3
	DefaultFormat           = FormatJSON

	// MaxFetchDuration is the ceiling for one Fetch call including retries.
	MaxFetchDuration = 2 * time.Minute
)

// Payload formats understood by the sample builder.
const (
	FormatJSON       = "json"
	FormatPrometheus = "prometheus"
)

// Metric kinds accepted in rules.
const (
	KindCounter   = "counter"
	KindGauge     = "gauge"
	KindHistogram = "histogram"
)

// Reductions applied to an "each" array.
const (
	ReduceCount = "count"
	ReduceSum   = "sum"
	ReduceMin   = "min"
	ReduceMax   = "max"
)

var jobNameRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.-]*$`)

// Config is the top-level exporter configuration.
// Fields map 1:1 to config.example.yaml.
type Config struct {
	// LogLevel is one of debug | info | warn | error. Hot-reloadable.
	LogLevel string `yaml:"log_level"`

	// LogFormat is json (default) or text.
	LogFormat string `yaml:"log_format"`

	// ShutdownGrace bounds how long in-flight cycles and scrapes may run
	// after a termination signal.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	Listen   ListenConfig   `yaml:"listen"`
	Failure  FailureConfig  `yaml:"failure"`
	Server   ServerConfig   `yaml:"server"`
	Registry RegistryConfig `yaml:"registry"`

	// Jobs is the list of upstream collection jobs.
	Jobs []Job `yaml:"jobs"`
}

// ListenConfig controls where the scrape server binds.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Addr returns the host:port the scrape server listens on.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Address, l.Port)
}

// FailureConfig holds the consecutive-failure policy.
type FailureConfig struct {
	// Threshold is the number of consecutive failed cycles after which a
	// job's metrics are omitted from scrapes. 0 disables the behaviour.
	Threshold int `yaml:"threshold"`
}

// ServerConfig holds exposition options.
type ServerConfig struct {
	// Timestamps appends the observation timestamp to every exposed sample.
	Timestamps bool `yaml:"timestamps"`
}

// RegistryConfig holds metric store options.
type RegistryConfig struct {
	// StaleAfter evicts identities not refreshed within this window.
	// 0 keeps stale values until the job is marked unavailable.
	StaleAfter time.Duration `yaml:"stale_after"`
}

// Job describes one upstream collection job.
type Job struct {
	// Name is a unique identifier used in logs, status and self-metrics.
	Name string `yaml:"name"`

	// URL is the upstream endpoint fetched on every cycle.
	URL string `yaml:"url"`

	// Interval is the poll period.
	Interval time.Duration `yaml:"interval"`

	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration `yaml:"timeout"`

	// Retries is the number of extra attempts after a transient failure.
	Retries *int `yaml:"retries"`

	// MaxFetchDuration caps one Fetch call including retries and backoff.
	MaxFetchDuration time.Duration `yaml:"max_fetch_duration"`

	// Format is json | prometheus.
	Format string `yaml:"format"`

	// Headers are added to every request.
	Headers map[string]string `yaml:"headers"`

	// Auth configures how the exporter authenticates to the upstream.
	Auth AuthConfig `yaml:"auth"`

	// TLS holds optional TLS dial options.
	TLS TLSConfig `yaml:"tls"`

	// Metrics are the extraction rules for json payloads.
	Metrics []MetricRule `yaml:"metrics"`

	// Include limits prometheus payloads to these metric names (empty = all).
	Include []string `yaml:"include"`

	// Prefix is prepended to every metric name of a prometheus payload.
	Prefix string `yaml:"prefix"`
}

// RetryLimit returns the configured retry count, or the default when unset.
func (j Job) RetryLimit() int {
	if j.Retries == nil {
		return DefaultRetries
	}
	return *j.Retries
}

// MetricRule extracts one metric from a JSON payload.
//
// Without Each, Path selects a single value. With Each, Path is resolved
// relative to every element of the array selected by Each and yields one
// sample per element, unless Reduce folds the array into a single sample.
// Histogram rules observe every element value into Buckets.
type MetricRule struct {
	Name   string            `yaml:"name"`
	Help   string            `yaml:"help"`
	Kind   string            `yaml:"kind"`
	Path   string            `yaml:"path"`
	Each   string            `yaml:"each"`
	Reduce string            `yaml:"reduce"`
	Value  *float64          `yaml:"value"`
	Labels map[string]string `yaml:"labels"`

	// LabelPaths maps label names to paths. They are resolved per element
	// when the rule yields one sample per element, otherwise against the
	// document root.
	LabelPaths map[string]string `yaml:"label_paths"`

	Buckets []float64 `yaml:"buckets"`
}

// AuthConfig specifies the authentication mode for an upstream.
type AuthConfig struct {
	// Mode is one of: mtls | apikey | bearer | basic | none.
	Mode string `yaml:"mode"`

	// mTLS fields, used when Mode == "mtls".
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`

	// Header is the HTTP header name the API key is sent in.
	Header string `yaml:"header"`
	// KeyEnv is the name of the environment variable that holds the key value.
	KeyEnv string `yaml:"key_env"`

	// TokenEnv is the name of the environment variable that holds the bearer token.
	TokenEnv string `yaml:"token_env"`

	Username string `yaml:"username"`
	// PasswordEnv is the name of the environment variable that holds the password.
	PasswordEnv string `yaml:"password_env"`
}

// Key returns the API key value resolved from the environment.
// Returns empty string if KeyEnv is unset or the variable is not found.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// Token returns the bearer token value resolved from the environment.
func (a AuthConfig) Token() string {
	if a.TokenEnv == "" {
		return ""
	}
	return os.Getenv(a.TokenEnv)
}

// Password returns the basic-auth password resolved from the environment.
func (a AuthConfig) Password() string {
	if a.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(a.PasswordEnv)
}

// TLSConfig holds per-job TLS dial options.
type TLSConfig struct {
	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// Load reads the YAML config file at path, expands environment references,
// applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	expanded, err := envsubst.EvalEnv(string(data))
	if err != nil {
		return nil, fmt.Errorf("config: expand env: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	applyJobDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		LogLevel:      "info",
		LogFormat:     "json",
		ShutdownGrace: DefaultShutdownGrace,
		Listen:        ListenConfig{Port: DefaultListenPort},
		Failure:       FailureConfig{Threshold: DefaultFailureThreshold},
	}
}

func applyJobDefaults(cfg *Config) {
	for i := range cfg.Jobs {
		j := &cfg.Jobs[i]
		if j.Interval == 0 {
			j.Interval = DefaultInterval
		}
		if j.Timeout == 0 {
			j.Timeout = DefaultTimeout
		}
		if j.Format == "" {
			j.Format = DefaultFormat
		}
		if j.MaxFetchDuration == 0 {
			j.MaxFetchDuration = MaxFetchDuration
		}
		for k := range j.Metrics {
			if j.Metrics[k].Kind == "" {
				j.Metrics[k].Kind = KindGauge
			}
		}
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level: unknown level %q", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("log_format: unknown format %q", cfg.LogFormat)
	}
	if cfg.ShutdownGrace <= 0 {
		return fmt.Errorf("shutdown_grace must be positive")
	}
	if cfg.Listen.Port <= 0 || cfg.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", cfg.Listen.Port)
	}
	if cfg.Failure.Threshold < 0 {
		return fmt.Errorf("failure.threshold must not be negative")
	}
	if cfg.Registry.StaleAfter < 0 {
		return fmt.Errorf("registry.stale_after must not be negative")
	}

	seen := make(map[string]bool, len(cfg.Jobs))
	kinds := make(map[string]string)
	for i, j := range cfg.Jobs {
		if j.Name == "" {
			return fmt.Errorf("jobs[%d]: name is required", i)
		}
		if !jobNameRE.MatchString(j.Name) {
			return fmt.Errorf("jobs[%d]: invalid name %q", i, j.Name)
		}
		if seen[j.Name] {
			return fmt.Errorf("jobs[%d]: duplicate name %q", i, j.Name)
		}
		seen[j.Name] = true

		if err := validateJob(j, kinds); err != nil {
			return fmt.Errorf("jobs[%d] %q: %w", i, j.Name, err)
		}
	}
	return nil
}

// validateJob checks a single job. kinds accumulates metric name → kind
// across jobs so one name never carries two kinds.
func validateJob(j Job, kinds map[string]string) error {
	u, err := url.Parse(j.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("url %q must be an absolute http(s) URL", j.URL)
	}
	if j.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if j.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if j.RetryLimit() < 0 {
		return fmt.Errorf("retries must not be negative")
	}
	if j.MaxFetchDuration <= 0 || j.MaxFetchDuration > MaxFetchDuration {
		return fmt.Errorf("max_fetch_duration must be in (0, %s]", MaxFetchDuration)
	}
	switch j.Auth.Mode {
	case "mtls", "apikey", "bearer", "basic", "none", "":
	default:
		return fmt.Errorf("unknown auth mode %q", j.Auth.Mode)
	}
	if j.Auth.Mode == "apikey" && j.Auth.Header == "" {
		return fmt.Errorf("auth.header is required for apikey mode")
	}

	switch j.Format {
	case FormatPrometheus:
		if len(j.Metrics) > 0 {
			return fmt.Errorf("metrics rules are not used with format %q", j.Format)
		}
		if j.Prefix != "" && !model.MetricNameRE.MatchString(j.Prefix) {
			return fmt.Errorf("invalid prefix %q", j.Prefix)
		}
		return nil
	case FormatJSON:
	default:
		return fmt.Errorf("unknown format %q", j.Format)
	}

	if len(j.Metrics) == 0 {
		return fmt.Errorf("at least one metrics rule is required")
	}
	for k, r := range j.Metrics {
		if err := validateRule(r); err != nil {
			return fmt.Errorf("metrics[%d] %q: %w", k, r.Name, err)
		}
		if prev, ok := kinds[r.Name]; ok && prev != r.Kind {
			return fmt.Errorf("metrics[%d] %q: kind %s conflicts with earlier kind %s", k, r.Name, r.Kind, prev)
		}
		kinds[r.Name] = r.Kind
	}
	return nil
}

// validateLabelName rejects names the exposition format reserves. A rule
// label called le would collide with the bucket label of a histogram.
func validateLabelName(name, kind string) error {
	switch {
	case !model.LabelNameRE.MatchString(name):
		return fmt.Errorf("invalid label name %q", name)
	case strings.HasPrefix(name, model.ReservedLabelPrefix):
		return fmt.Errorf("label name %q uses the reserved %q prefix", name, model.ReservedLabelPrefix)
	case kind == KindHistogram && name == model.BucketLabel:
		return fmt.Errorf("label name %q is reserved on histograms", name)
	}
	return nil
}

func validateRule(r MetricRule) error {
	if !model.MetricNameRE.MatchString(r.Name) {
		return fmt.Errorf("invalid metric name")
	}
	for name := range r.Labels {
		if err := validateLabelName(name, r.Kind); err != nil {
			return err
		}
	}
	for name := range r.LabelPaths {
		if err := validateLabelName(name, r.Kind); err != nil {
			return err
		}
		if _, dup := r.Labels[name]; dup {
			return fmt.Errorf("label %q set both statically and by path", name)
		}
	}

	switch r.Kind {
	case KindCounter, KindGauge:
	case KindHistogram:
		if r.Each == "" {
			return fmt.Errorf("histogram rules need each")
		}
		if len(r.Buckets) == 0 {
			return fmt.Errorf("histogram rules need buckets")
		}
		for i := 1; i < len(r.Buckets); i++ {
			if r.Buckets[i] <= r.Buckets[i-1] {
				return fmt.Errorf("buckets must be strictly increasing")
			}
		}
		if r.Reduce != "" {
			return fmt.Errorf("histogram rules cannot reduce")
		}
		return nil
	default:
		return fmt.Errorf("unknown kind %q", r.Kind)
	}

	switch r.Reduce {
	case "":
	case ReduceCount:
		if r.Each == "" {
			return fmt.Errorf("reduce requires each")
		}
	case ReduceSum, ReduceMin, ReduceMax:
		if r.Each == "" {
			return fmt.Errorf("reduce %s requires each", r.Reduce)
		}
	default:
		return fmt.Errorf("unknown reduce %q", r.Reduce)
	}

	if r.Value != nil {
		if r.Path != "" || r.Each != "" {
			return fmt.Errorf("value cannot be combined with path or each")
		}
		return nil
	}
	// With each, an empty path selects the element itself.
	if r.Path == "" && r.Each == "" {
		return fmt.Errorf("path or each is required")
	}
	return nil
}
