package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/obsidianstack/obsidian-exporter/internal/config"
	"github.com/obsidianstack/obsidian-exporter/internal/fetch"
	"github.com/obsidianstack/obsidian-exporter/internal/registry"
	"github.com/obsidianstack/obsidian-exporter/internal/sample"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeFetcher counts calls and delegates to fn.
type fakeFetcher struct {
	calls atomic.Int64
	fn    func(ctx context.Context, call int64) (*fetch.Payload, error)
}

func (f *fakeFetcher) Fetch(ctx context.Context) (*fetch.Payload, error) {
	n := f.calls.Add(1)
	if f.fn == nil {
		return &fetch.Payload{Body: []byte("{}")}, nil
	}
	return f.fn(ctx, n)
}

type builderFunc func(body []byte, observedAt time.Time) ([]sample.Sample, error)

func (b builderFunc) Build(body []byte, observedAt time.Time) ([]sample.Sample, error) {
	return b(body, observedAt)
}

// constBuilder always yields one gauge with value v.
func constBuilder(name string, v float64) sample.Builder {
	return builderFunc(func(_ []byte, at time.Time) ([]sample.Sample, error) {
		return []sample.Sample{{Name: name, Kind: sample.Gauge, Value: v, ObservedAt: at}}, nil
	})
}

func testPipeline(name string, interval time.Duration, f Fetcher, b sample.Builder) Pipeline {
	return Pipeline{
		Job:     config.Job{Name: name, URL: "http://upstream.test/" + name, Interval: interval, Format: config.FormatJSON},
		Fetcher: f,
		Builder: b,
	}
}

// newTestJob wraps p for direct runCycle calls.
func newTestJob(p Pipeline) *job {
	return &job{Pipeline: p, interval: p.Job.Interval}
}

func snapshotValues(t *testing.T, reg *registry.Registry) map[string]float64 {
	t.Helper()
	snap, err := reg.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	out := make(map[string]float64, len(snap.Samples))
	for _, s := range snap.Samples {
		out[s.Identity()] = s.Value
	}
	return out
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, within time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", within, msg)
}

func stopScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	if err := s.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestScheduler_FirstCycleRunsImmediately(t *testing.T) {
	reg := registry.New(0)
	s := New(reg, Options{FailureThreshold: 3})
	if err := s.Start(context.Background(), []Pipeline{
		testPipeline("nimiq", time.Hour, &fakeFetcher{}, constBuilder("up", 1)),
	}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer stopScheduler(t, s)

	eventually(t, 2*time.Second, func() bool {
		return snapshotValues(t, reg)["up"] == 1
	}, "up 1 after first cycle")
}

func TestScheduler_StartTwice(t *testing.T) {
	s := New(registry.New(0), Options{})
	if err := s.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer stopScheduler(t, s)
	if err := s.Start(context.Background(), nil); err == nil {
		t.Fatal("second Start() should fail")
	}
}

func TestRunCycle_HidesAfterThresholdAndRestores(t *testing.T) {
	reg := registry.New(0)
	s := New(reg, Options{FailureThreshold: 3})

	failing := atomic.Bool{}
	f := &fakeFetcher{fn: func(context.Context, int64) (*fetch.Payload, error) {
		if failing.Load() {
			return nil, &fetch.Error{Kind: fetch.ErrTransient, URL: "http://upstream.test", StatusCode: 500}
		}
		return &fetch.Payload{Body: []byte("{}")}, nil
	}}
	j := newTestJob(testPipeline("price", time.Minute, f, constBuilder("price_usd", 0.5)))
	other := newTestJob(testPipeline("other", time.Minute, &fakeFetcher{}, constBuilder("other_up", 1)))
	ctx := context.Background()

	s.runCycle(ctx, j)
	s.runCycle(ctx, other)

	failing.Store(true)
	for i := 1; i <= 2; i++ {
		s.runCycle(ctx, j)
		if got := snapshotValues(t, reg); got["price_usd"] != 0.5 {
			t.Fatalf("after %d failures price_usd hidden too early", i)
		}
	}
	s.runCycle(ctx, j)
	got := snapshotValues(t, reg)
	if _, ok := got["price_usd"]; ok {
		t.Fatal("price_usd still exposed after 3 consecutive failures")
	}
	if got["other_up"] != 1 {
		t.Error("other job affected by failing job")
	}
	if st := statusOf(j); st.State != StateUnavailable || st.ConsecutiveFailures != 3 {
		t.Errorf("status = %+v, want unavailable with 3 failures", st)
	}

	failing.Store(false)
	s.runCycle(ctx, j)
	if got := snapshotValues(t, reg); got["price_usd"] != 0.5 {
		t.Fatal("price_usd not restored after success")
	}
	st := statusOf(j)
	if st.State != StateHealthy || st.ConsecutiveFailures != 0 {
		t.Errorf("status = %+v, want healthy", st)
	}
	if st.SuccessesTotal != 2 || st.FailuresTotal != 3 {
		t.Errorf("totals = %d/%d, want 2/3", st.SuccessesTotal, st.FailuresTotal)
	}
	if st.UptimePct != 40 {
		t.Errorf("UptimePct = %v, want 40", st.UptimePct)
	}

	if got := testutil.ToFloat64(s.metrics.cycles.WithLabelValues("price", "failure")); got != 3 {
		t.Errorf("cycles_total{result=failure} = %v, want 3", got)
	}
	if got := testutil.ToFloat64(s.metrics.up.WithLabelValues("price")); got != 1 {
		t.Errorf("job_up = %v, want 1", got)
	}
}

func TestRunCycle_ThresholdZeroNeverHides(t *testing.T) {
	reg := registry.New(0)
	s := New(reg, Options{FailureThreshold: 0})
	var fail atomic.Bool
	f := &fakeFetcher{fn: func(context.Context, int64) (*fetch.Payload, error) {
		if fail.Load() {
			return nil, errors.New("connection refused")
		}
		return &fetch.Payload{Body: []byte("{}")}, nil
	}}
	j := newTestJob(testPipeline("job", time.Minute, f, constBuilder("up", 1)))

	s.runCycle(context.Background(), j)
	fail.Store(true)
	for i := 0; i < 10; i++ {
		s.runCycle(context.Background(), j)
	}
	if got := snapshotValues(t, reg); got["up"] != 1 {
		t.Fatal("threshold 0 should keep the last value exposed")
	}
	if st := statusOf(j); st.State != StateFailing || st.LastError == "" {
		t.Errorf("status = %+v, want failing with last error", st)
	}
}

func TestRunCycle_MalformedPayload(t *testing.T) {
	reg := registry.New(0)
	s := New(reg, Options{FailureThreshold: 3})
	bad := builderFunc(func([]byte, time.Time) ([]sample.Sample, error) {
		return nil, fmt.Errorf("%w: path data.price not found", sample.ErrMalformedPayload)
	})
	j := newTestJob(testPipeline("bad", time.Minute, &fakeFetcher{}, bad))

	s.runCycle(context.Background(), j)
	st := statusOf(j)
	if st.State != StateFailing || st.ConsecutiveFailures != 1 {
		t.Errorf("status = %+v, want failing", st)
	}
	if reg.Len() != 0 {
		t.Errorf("registry has %d identities after malformed payload", reg.Len())
	}
}

func TestRunCycle_KindConflictAcrossJobs(t *testing.T) {
	reg := registry.New(0)
	s := New(reg, Options{})
	a := newTestJob(testPipeline("a", time.Minute, &fakeFetcher{}, constBuilder("shared", 1)))
	b := newTestJob(testPipeline("b", time.Minute, &fakeFetcher{}, builderFunc(func([]byte, time.Time) ([]sample.Sample, error) {
		return []sample.Sample{{Name: "shared", Kind: sample.Counter, Value: 9}}, nil
	})))

	s.runCycle(context.Background(), a)
	s.runCycle(context.Background(), b)

	if got := snapshotValues(t, reg); got["shared"] != 1 {
		t.Errorf("shared = %v, want 1 from job a", got["shared"])
	}
	if st := statusOf(b); st.State != StateFailing {
		t.Errorf("job b state = %s, want failing", st.State)
	}
	if st := statusOf(a); st.State != StateHealthy {
		t.Errorf("job a state = %s, want healthy", st.State)
	}
}

func TestRunCycle_RegistryUnavailableIsFatal(t *testing.T) {
	var fatal atomic.Int32
	s := New(&registry.Registry{}, Options{OnFatal: func(err error) {
		if !errors.Is(err, registry.ErrUnavailable) {
			t.Errorf("OnFatal err = %v", err)
		}
		fatal.Add(1)
	}})
	j := newTestJob(testPipeline("job", time.Minute, &fakeFetcher{}, constBuilder("up", 1)))

	s.runCycle(context.Background(), j)
	s.runCycle(context.Background(), j)
	if got := fatal.Load(); got != 1 {
		t.Errorf("OnFatal called %d times, want 1", got)
	}
}

func TestRunCycle_RecordsCertificate(t *testing.T) {
	reg := registry.New(0)
	s := New(reg, Options{})
	f := &fakeFetcher{fn: func(context.Context, int64) (*fetch.Payload, error) {
		return &fetch.Payload{Body: []byte("{}"), Cert: &fetch.CertStatus{Status: "expiring", DaysLeft: 12}}, nil
	}}
	j := newTestJob(testPipeline("tls", time.Minute, f, constBuilder("up", 1)))

	s.runCycle(context.Background(), j)
	st := statusOf(j)
	if st.Cert == nil || st.Cert.DaysLeft != 12 {
		t.Fatalf("Cert = %+v, want 12 days left", st.Cert)
	}
	if got := testutil.ToFloat64(s.metrics.certExpiry.WithLabelValues("tls")); got != 12 {
		t.Errorf("target_cert_expiry_days = %v, want 12", got)
	}
}

func TestScheduler_MalformedJobKeepsTicking(t *testing.T) {
	reg := registry.New(0)
	s := New(reg, Options{FailureThreshold: 3})
	bad := &fakeFetcher{}
	good := &fakeFetcher{}
	err := s.Start(context.Background(), []Pipeline{
		testPipeline("bad", 10*time.Millisecond, bad, builderFunc(func([]byte, time.Time) ([]sample.Sample, error) {
			return nil, sample.ErrMalformedPayload
		})),
		testPipeline("good", 10*time.Millisecond, good, constBuilder("up", 1)),
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	eventually(t, 2*time.Second, func() bool { return bad.calls.Load() >= 4 }, "bad job keeps ticking")
	stopScheduler(t, s)

	if got := snapshotValues(t, reg); got["up"] != 1 {
		t.Error("good job affected by malformed job")
	}
	if good.calls.Load() < 2 {
		t.Errorf("good job ran %d cycles", good.calls.Load())
	}
}

func TestScheduler_IndependentIntervals(t *testing.T) {
	reg := registry.New(0)
	s := New(reg, Options{})
	fast := &fakeFetcher{}
	slow := &fakeFetcher{}
	if err := s.Start(context.Background(), []Pipeline{
		testPipeline("fast", 10*time.Millisecond, fast, constBuilder("fast_up", 1)),
		testPipeline("slow", 60*time.Millisecond, slow, constBuilder("slow_up", 1)),
	}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	stopScheduler(t, s)

	f, sl := fast.calls.Load(), slow.calls.Load()
	if f < 10 {
		t.Errorf("fast job ran %d cycles, want at least 10", f)
	}
	if sl < 2 || sl > 8 {
		t.Errorf("slow job ran %d cycles, want about 6", sl)
	}
	if f <= sl {
		t.Errorf("fast job (%d) should run more often than slow job (%d)", f, sl)
	}
}

func TestScheduler_SkipsOverlappingTicks(t *testing.T) {
	reg := registry.New(0)
	promReg := prometheus.NewRegistry()
	s := New(reg, Options{Registerer: promReg})

	release := make(chan struct{})
	f := &fakeFetcher{fn: func(ctx context.Context, _ int64) (*fetch.Payload, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &fetch.Payload{Body: []byte("{}")}, nil
	}}
	if err := s.Start(context.Background(), []Pipeline{
		testPipeline("slow", 5*time.Millisecond, f, constBuilder("up", 1)),
	}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	eventually(t, 2*time.Second, func() bool {
		return testutil.ToFloat64(s.metrics.skipped.WithLabelValues("slow")) >= 3
	}, "ticks skipped while cycle in flight")
	if got := f.calls.Load(); got != 1 {
		t.Errorf("fetch calls = %d while first cycle in flight, want 1", got)
	}
	if n, err := testutil.GatherAndCount(promReg, "obsidian_exporter_skipped_cycles_total"); err != nil || n != 1 {
		t.Errorf("skipped_cycles_total series = %d (err %v), want 1", n, err)
	}

	close(release)
	stopScheduler(t, s)
	if st := s.Status()[0]; st.SkippedTotal < 3 {
		t.Errorf("SkippedTotal = %d, want >= 3", st.SkippedTotal)
	}
}

func TestScheduler_StopForcesAfterGrace(t *testing.T) {
	s := New(registry.New(0), Options{ShutdownGrace: 50 * time.Millisecond})
	started := make(chan struct{})
	var once sync.Once
	var cancelled atomic.Bool
	f := &fakeFetcher{fn: func(ctx context.Context, _ int64) (*fetch.Payload, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		cancelled.Store(true)
		return nil, ctx.Err()
	}}
	if err := s.Start(context.Background(), []Pipeline{
		testPipeline("hang", time.Hour, f, constBuilder("up", 1)),
	}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-started

	begin := time.Now()
	err := s.Stop()
	if !errors.Is(err, ErrGraceExceeded) {
		t.Fatalf("Stop() error = %v, want ErrGraceExceeded", err)
	}
	if !cancelled.Load() {
		t.Error("in-flight cycle was not cancelled")
	}
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Errorf("Stop took %v with a 50ms grace", elapsed)
	}
}

func TestScheduler_StopWaitsForInFlightCycle(t *testing.T) {
	reg := registry.New(0)
	s := New(reg, Options{ShutdownGrace: 2 * time.Second})
	started := make(chan struct{})
	var once sync.Once
	f := &fakeFetcher{fn: func(ctx context.Context, _ int64) (*fetch.Payload, error) {
		once.Do(func() { close(started) })
		time.Sleep(50 * time.Millisecond)
		return &fetch.Payload{Body: []byte("{}")}, ctx.Err()
	}}
	if err := s.Start(context.Background(), []Pipeline{
		testPipeline("job", time.Hour, f, constBuilder("up", 1)),
	}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-started

	stopScheduler(t, s)
	if got := snapshotValues(t, reg); got["up"] != 1 {
		t.Error("in-flight cycle did not complete before Stop returned")
	}
}

func TestScheduler_ContextCancelStopsTicking(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(registry.New(0), Options{})
	f := &fakeFetcher{}
	if err := s.Start(ctx, []Pipeline{testPipeline("job", 10*time.Millisecond, f, constBuilder("up", 1))}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	eventually(t, 2*time.Second, func() bool { return f.calls.Load() >= 2 }, "job ticking")
	cancel()
	stopScheduler(t, s)

	n := f.calls.Load()
	time.Sleep(50 * time.Millisecond)
	if got := f.calls.Load(); got != n {
		t.Errorf("fetch calls grew from %d to %d after cancel", n, got)
	}
}

func TestStatus_UnknownBeforeFirstCycle(t *testing.T) {
	s := New(registry.New(0), Options{})
	block := make(chan struct{})
	f := &fakeFetcher{fn: func(ctx context.Context, _ int64) (*fetch.Payload, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return &fetch.Payload{Body: []byte("{}")}, nil
	}}
	if err := s.Start(context.Background(), []Pipeline{testPipeline("job", time.Hour, f, constBuilder("up", 1))}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	st := s.Status()
	if len(st) != 1 || st[0].State != StateUnknown || st[0].UptimePct != 100 {
		t.Errorf("Status() = %+v, want one unknown job", st)
	}
	if st[0].Interval != "1h0m0s" || st[0].URL != "http://upstream.test/job" {
		t.Errorf("Status() job fields = %+v", st[0])
	}
	close(block)
	stopScheduler(t, s)
}

func TestHealth_UptimeWindow(t *testing.T) {
	var h health
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < uptimeWindow; i++ {
		h.recordFailure(now, 0, errors.New("down"), 0)
	}
	for i := 0; i < uptimeWindow/2; i++ {
		h.recordSuccess(now, 0, 1, nil)
	}
	if got := h.uptimePct(); got != 50 {
		t.Errorf("uptimePct = %v, want 50 over the last %d cycles", got, uptimeWindow)
	}
}

// statusOf returns the status of a job created with newTestJob.
func statusOf(j *job) JobStatus {
	st := JobStatus{Job: j.Job.Name}
	j.health.status(&st)
	return st
}
