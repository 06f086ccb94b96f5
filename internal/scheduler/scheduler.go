package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/obsidianstack/obsidian-exporter/internal/config"
	"github.com/obsidianstack/obsidian-exporter/internal/fetch"
	"github.com/obsidianstack/obsidian-exporter/internal/registry"
	"github.com/obsidianstack/obsidian-exporter/internal/sample"
)

var (
	// ErrGraceExceeded is returned by Stop when in-flight cycles had to be
	// cancelled because they outlived the shutdown grace period.
	ErrGraceExceeded = errors.New("shutdown grace period exceeded")

	errAlreadyStarted = errors.New("scheduler: already started")
)

// Fetcher retrieves one job's raw payload.
type Fetcher interface {
	Fetch(ctx context.Context) (*fetch.Payload, error)
}

// Pipeline binds a job to the Fetcher and Builder that serve it.
type Pipeline struct {
	Job     config.Job
	Fetcher Fetcher
	Builder sample.Builder
}

// NewPipelines builds a Fetcher and Builder for every job.
func NewPipelines(jobs []config.Job) ([]Pipeline, error) {
	out := make([]Pipeline, 0, len(jobs))
	for _, j := range jobs {
		f, err := fetch.New(j)
		if err != nil {
			return nil, err
		}
		b, err := sample.NewBuilder(j)
		if err != nil {
			return nil, fmt.Errorf("job %q: %w", j.Name, err)
		}
		out = append(out, Pipeline{Job: j, Fetcher: f, Builder: b})
	}
	return out, nil
}

// Options configure a Scheduler.
type Options struct {
	// FailureThreshold is the number of consecutive failed cycles after
	// which a job's samples are hidden. 0 disables hiding.
	FailureThreshold int

	// ShutdownGrace bounds how long Stop waits for in-flight cycles.
	ShutdownGrace time.Duration

	// Registerer receives the scheduler's own metrics; nil skips registration.
	Registerer prometheus.Registerer

	// OnFatal is called once when the registry reports ErrUnavailable.
	OnFatal func(error)
}

// job is the runtime state of one pipeline.
type job struct {
	Pipeline
	interval time.Duration
	running  atomic.Bool
	health   health
}

// Scheduler runs every job on its own ticker and writes results to the
// registry. Cycles of one job never overlap; jobs never wait on each other.
type Scheduler struct {
	reg     *registry.Registry
	opts    Options
	metrics *metrics
	now     func() time.Time

	mu      sync.Mutex
	jobs    []*job
	started bool

	stop     chan struct{}
	stopOnce sync.Once
	loops    sync.WaitGroup
	cycles   sync.WaitGroup

	cycleCtx    context.Context
	cancelCycle context.CancelFunc
	fatalOnce   sync.Once
}

// New returns a Scheduler that writes into reg.
func New(reg *registry.Registry, opts Options) *Scheduler {
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = config.DefaultShutdownGrace
	}
	return &Scheduler{
		reg:     reg,
		opts:    opts,
		metrics: newMetrics(opts.Registerer),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
}

// Start launches one goroutine per pipeline. Each runs its first cycle at
// once and then on every tick of the job interval, until ctx is cancelled or
// Stop is called. In-flight cycles are not cancelled by ctx; Stop decides
// when they are forced.
func (s *Scheduler) Start(ctx context.Context, pipelines []Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errAlreadyStarted
	}
	s.started = true
	s.cycleCtx, s.cancelCycle = context.WithCancel(context.WithoutCancel(ctx))

	for _, p := range pipelines {
		j := &job{Pipeline: p, interval: p.Job.Interval}
		if j.interval <= 0 {
			j.interval = config.DefaultInterval
		}
		s.jobs = append(s.jobs, j)
		s.metrics.up.WithLabelValues(p.Job.Name).Set(0)
		s.metrics.consecutive.WithLabelValues(p.Job.Name).Set(0)

		s.loops.Add(1)
		go s.loop(ctx, j)
		slog.Info("scheduler: job started",
			"job", p.Job.Name, "url", p.Job.URL, "interval", j.interval)
	}
	if len(pipelines) == 0 {
		slog.Warn("scheduler: no jobs configured, exporter will idle")
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.loops.Done()

	t := time.NewTicker(j.interval)
	defer t.Stop()

	s.trigger(j)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-t.C:
			s.trigger(j)
		}
	}
}

// trigger starts a cycle unless the previous one is still running.
func (s *Scheduler) trigger(j *job) {
	if !j.running.CompareAndSwap(false, true) {
		n := j.health.recordSkip()
		s.metrics.skipped.WithLabelValues(j.Job.Name).Inc()
		slog.Warn("scheduler: previous cycle still running, tick skipped",
			"job", j.Job.Name, "skipped_total", n)
		return
	}
	s.cycles.Add(1)
	go func() {
		defer s.cycles.Done()
		defer j.running.Store(false)
		s.runCycle(s.cycleCtx, j)
	}()
}

// runCycle performs one Fetch → Build → Update pass and records its outcome.
func (s *Scheduler) runCycle(ctx context.Context, j *job) {
	name := j.Job.Name
	start := s.now()
	n, cert, err := s.execute(ctx, j)
	end := s.now()
	dur := end.Sub(start)
	s.metrics.duration.WithLabelValues(name).Observe(dur.Seconds())

	if cert != nil {
		s.metrics.certExpiry.WithLabelValues(name).Set(float64(cert.DaysLeft))
	}

	if err == nil {
		s.metrics.cycles.WithLabelValues(name, "success").Inc()
		s.metrics.up.WithLabelValues(name).Set(1)
		s.metrics.consecutive.WithLabelValues(name).Set(0)
		if j.health.recordSuccess(end, dur, n, cert) {
			if err := s.reg.SetAvailable(name, true); err != nil {
				s.fatal(err)
				return
			}
			slog.Info("scheduler: job available again", "job", name)
		}
		slog.Debug("scheduler: cycle complete", "job", name, "samples", n, "duration", dur)
		return
	}

	if errors.Is(err, registry.ErrUnavailable) {
		s.fatal(err)
		return
	}

	s.metrics.cycles.WithLabelValues(name, "failure").Inc()
	s.metrics.up.WithLabelValues(name).Set(0)
	hide := j.health.recordFailure(end, dur, err, s.opts.FailureThreshold)
	streak := j.health.streak()
	s.metrics.consecutive.WithLabelValues(name).Set(float64(streak))

	if errors.Is(err, sample.ErrMetricKindConflict) {
		slog.Error("scheduler: cycle failed", "job", name, "consecutive_failures", streak, "err", err)
	} else {
		slog.Warn("scheduler: cycle failed", "job", name, "consecutive_failures", streak, "err", err)
	}

	if hide {
		if err := s.reg.SetAvailable(name, false); err != nil {
			s.fatal(err)
			return
		}
		slog.Warn("scheduler: failure threshold reached, job marked unavailable",
			"job", name, "threshold", s.opts.FailureThreshold)
	}
}

func (s *Scheduler) execute(ctx context.Context, j *job) (int, *fetch.CertStatus, error) {
	p, err := j.Fetcher.Fetch(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("fetch: %w", err)
	}
	samples, err := j.Builder.Build(p.Body, s.now())
	if err != nil {
		return 0, p.Cert, fmt.Errorf("build: %w", err)
	}
	if err := s.reg.Update(j.Job.Name, samples); err != nil {
		return 0, p.Cert, fmt.Errorf("update registry: %w", err)
	}
	return len(samples), p.Cert, nil
}

func (s *Scheduler) fatal(err error) {
	s.fatalOnce.Do(func() {
		slog.Error("scheduler: registry unavailable", "err", err)
		if s.opts.OnFatal != nil {
			s.opts.OnFatal(err)
		}
	})
}

// Stop halts every ticker and waits for in-flight cycles. Cycles still
// running after the shutdown grace period are cancelled and Stop returns
// ErrGraceExceeded once they have returned. Stop is safe to call more than
// once.
func (s *Scheduler) Stop() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.loops.Wait()

	done := make(chan struct{})
	go func() {
		s.cycles.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.opts.ShutdownGrace)
	defer timer.Stop()

	var err error
	select {
	case <-done:
	case <-timer.C:
		slog.Warn("scheduler: grace period exceeded, cancelling in-flight cycles",
			"grace", s.opts.ShutdownGrace)
		s.cancel()
		<-done
		err = fmt.Errorf("scheduler: %w after %s", ErrGraceExceeded, s.opts.ShutdownGrace)
	}
	s.cancel()
	return err
}

func (s *Scheduler) cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelCycle != nil {
		s.cancelCycle()
	}
}

// Status returns the health of every job in configuration order.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	jobs := s.jobs
	s.mu.Unlock()

	out := make([]JobStatus, 0, len(jobs))
	for _, j := range jobs {
		st := JobStatus{
			Job:      j.Job.Name,
			URL:      j.Job.URL,
			Format:   j.Job.Format,
			Interval: j.interval.String(),
		}
		j.health.status(&st)
		out = append(out, st)
	}
	return out
}
