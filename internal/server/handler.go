package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/obsidianstack/obsidian-exporter/internal/registry"
	"github.com/obsidianstack/obsidian-exporter/internal/scheduler"
)

// StatusSource reports per-job health.
type StatusSource interface {
	Status() []scheduler.JobStatus
}

// Options configure the scrape handler.
type Options struct {
	// Timestamps appends each sample's observation time to /metrics lines.
	Timestamps bool

	// Gatherer serves /internal/metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer

	// Registerer receives the request instrumentation of /metrics.
	Registerer prometheus.Registerer
}

// Handler serves the scrape endpoint and the exporter's own status pages.
// It only reads registry snapshots.
type Handler struct {
	reg    *registry.Registry
	status StatusSource
	opts   Options
	mux    *http.ServeMux
	now    func() time.Time
}

// New creates a Handler wired to reg and status and registers all routes.
func New(reg *registry.Registry, status StatusSource, opts Options) http.Handler {
	h := &Handler{
		reg:    reg,
		status: status,
		opts:   opts,
		mux:    http.NewServeMux(),
		now:    time.Now,
	}

	h.mux.Handle("/metrics", h.instrument(http.HandlerFunc(h.metrics)))
	h.mux.HandleFunc("/status", h.jobStatus)
	h.mux.HandleFunc("/healthz", h.healthz)
	if opts.Gatherer != nil {
		self := promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})
		h.mux.HandleFunc("/internal/metrics", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			self.ServeHTTP(w, r)
		})
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// instrument counts and times /metrics requests when a Registerer is set.
func (h *Handler) instrument(next http.Handler) http.Handler {
	if h.opts.Registerer == nil {
		return next
	}
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "obsidian_exporter",
		Name:      "scrape_requests_total",
		Help:      "Requests served on /metrics, by status code.",
	}, []string{"code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "obsidian_exporter",
		Name:      "scrape_duration_seconds",
		Help:      "Time spent rendering /metrics.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"code"})
	h.opts.Registerer.MustRegister(requests, duration)
	return promhttp.InstrumentHandlerCounter(requests,
		promhttp.InstrumentHandlerDuration(duration, next))
}

// --- route handlers ---------------------------------------------------------

// metrics returns GET /metrics: the current registry snapshot in the text
// exposition format. It always answers 200 with whatever could be rendered,
// so the exporter stays scrapeable while upstreams are down.
func (h *Handler) metrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)

	snap, err := h.reg.Snapshot()
	if err != nil {
		slog.Error("server: snapshot failed", "err", err)
		return
	}
	if err := writeExposition(w, snap, h.opts.Timestamps); err != nil {
		slog.Debug("server: scrape client went away", "err", err)
	}
}

// jobStatus returns GET /status: health and diagnostics for every job.
func (h *Handler) jobStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var jobs []scheduler.JobStatus
	if h.status != nil {
		jobs = h.status.Status()
	}
	resp := StatusResponse{
		Jobs:        make([]JobResponse, 0, len(jobs)),
		Identities:  h.reg.Len(),
		GeneratedAt: h.now().UTC().Format(time.RFC3339),
	}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, JobResponse{
			JobStatus:   j,
			Diagnostics: computeDiagnostics(j),
		})
		switch j.State {
		case scheduler.StateHealthy:
			resp.HealthyCount++
		case scheduler.StateFailing:
			resp.FailingCount++
		case scheduler.StateUnavailable:
			resp.UnavailableCount++
		default:
			resp.UnknownCount++
		}
	}
	jsonResp(w, http.StatusOK, resp)
}

// healthz returns GET /healthz: process liveness only.
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n")) //nolint:errcheck
}

// --- helpers ----------------------------------------------------------------

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
