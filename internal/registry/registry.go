package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/obsidianstack/obsidian-exporter/internal/sample"
)

// ErrUnavailable is returned when the registry is used without having been
// constructed by New. Callers treat it as a fatal invariant violation.
var ErrUnavailable = errors.New("registry unavailable")

// Entry is a sample together with the job that produced it and the time it
// was last written.
type Entry struct {
	Sample    sample.Sample
	Job       string
	UpdatedAt time.Time
}

// state is an immutable view of the registry. A new state is published on
// every write; published states are never modified.
type state struct {
	entries     map[string]Entry       // keyed by sample identity
	kinds       map[string]sample.Kind // every name ever recorded
	unavailable map[string]bool        // jobs whose samples are hidden
}

// Registry is a copy-on-write metric store keyed by metric identity.
// Writers serialize on mu and publish a fresh state; readers load the current
// state without locking.
type Registry struct {
	mu         sync.Mutex
	cur        atomic.Pointer[state]
	staleAfter time.Duration
	now        func() time.Time // injectable for deterministic tests
}

// New creates an empty Registry. staleAfter > 0 enables eviction of
// identities that have not been refreshed within that window.
func New(staleAfter time.Duration) *Registry {
	r := &Registry{staleAfter: staleAfter, now: time.Now}
	r.cur.Store(&state{
		entries:     map[string]Entry{},
		kinds:       map[string]sample.Kind{},
		unavailable: map[string]bool{},
	})
	return r
}

func (r *Registry) load() (*state, error) {
	if r == nil {
		return nil, ErrUnavailable
	}
	st := r.cur.Load()
	if st == nil {
		return nil, ErrUnavailable
	}
	return st, nil
}

// Update atomically replaces the value of every identity in samples and
// records job as their owner. Identities absent from samples keep their
// value. If any sample's kind differs from the kind its name was first
// recorded with, nothing is applied and ErrMetricKindConflict is returned.
func (r *Registry) Update(job string, samples []sample.Sample) error {
	if r == nil {
		return ErrUnavailable
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	old, err := r.load()
	if err != nil {
		return err
	}

	kinds := old.kinds
	kindsCopied := false
	for _, s := range samples {
		k, ok := kinds[s.Name]
		if ok && k != s.Kind {
			return fmt.Errorf("%w: %s recorded as %s, job %s produced %s",
				sample.ErrMetricKindConflict, s.Name, k, job, s.Kind)
		}
		if !ok {
			if !kindsCopied {
				kinds = copyMap(old.kinds)
				kindsCopied = true
			}
			kinds[s.Name] = s.Kind
		}
	}

	now := r.now()
	entries := copyMap(old.entries)
	for _, s := range samples {
		s = s.Clone()
		entries[s.Identity()] = Entry{Sample: s, Job: job, UpdatedAt: now}
	}

	r.cur.Store(&state{entries: entries, kinds: kinds, unavailable: old.unavailable})
	return nil
}

// SetAvailable shows or hides every identity owned by job. Hidden identities
// keep their values and reappear unchanged once the job is available again.
func (r *Registry) SetAvailable(job string, available bool) error {
	if r == nil {
		return ErrUnavailable
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	old, err := r.load()
	if err != nil {
		return err
	}
	if old.unavailable[job] == !available {
		return nil
	}

	unavailable := copyMap(old.unavailable)
	if available {
		delete(unavailable, job)
	} else {
		unavailable[job] = true
	}
	r.cur.Store(&state{entries: old.entries, kinds: old.kinds, unavailable: unavailable})
	return nil
}

// Available reports whether job's identities are currently exposed.
func (r *Registry) Available(job string) bool {
	st, err := r.load()
	if err != nil {
		return false
	}
	return !st.unavailable[job]
}

// Snapshot returns the current samples of all available jobs, sorted by name
// then label rendering. The result shares no mutable state with the registry.
func (r *Registry) Snapshot() (Snapshot, error) {
	st, err := r.load()
	if err != nil {
		return Snapshot{}, err
	}

	out := Snapshot{
		Samples: make([]sample.Sample, 0, len(st.entries)),
		TakenAt: r.now(),
	}
	for _, e := range st.entries {
		if st.unavailable[e.Job] {
			continue
		}
		out.Samples = append(out.Samples, e.Sample.Clone())
	}
	sample.SortSamples(out.Samples)
	return out, nil
}

// Len returns the number of identities held, including hidden ones.
func (r *Registry) Len() int {
	st, err := r.load()
	if err != nil {
		return 0
	}
	return len(st.entries)
}

// Evict removes identities whose UpdatedAt is older than now minus the stale
// window. It returns the number of identities removed. Recorded kinds are
// kept so a name cannot change kind after eviction.
func (r *Registry) Evict(now time.Time) int {
	if r == nil || r.staleAfter <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	old, err := r.load()
	if err != nil {
		return 0
	}
	cutoff := now.Add(-r.staleAfter)
	entries := make(map[string]Entry, len(old.entries))
	for id, e := range old.entries {
		if e.UpdatedAt.After(cutoff) {
			entries[id] = e
		}
	}
	removed := len(old.entries) - len(entries)
	if removed > 0 {
		r.cur.Store(&state{entries: entries, kinds: old.kinds, unavailable: old.unavailable})
	}
	return removed
}

// Run starts the background eviction loop. It ticks at half the stale window
// (minimum 1 second) and blocks until ctx is cancelled. Run returns at once
// when eviction is disabled.
func (r *Registry) Run(ctx context.Context) {
	if r.staleAfter <= 0 {
		return
	}
	interval := r.staleAfter / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := r.Evict(now); n > 0 {
				slog.Debug("registry: evicted stale samples", "count", n)
			}
		}
	}
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
