package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/grafana/dskit/backoff"

	"github.com/obsidianstack/obsidian-exporter/internal/config"
)

const (
	// MaxPayloadBytes caps the size of an upstream response body.
	MaxPayloadBytes = 16 << 20

	backoffMin = 500 * time.Millisecond
	backoffMax = 10 * time.Second
)

var (
	// ErrTransient marks failures worth retrying: timeouts, connection
	// errors and 5xx responses.
	ErrTransient = errors.New("transient fetch error")

	// ErrNonRetriable marks failures that fail the cycle at once: 4xx,
	// unexpected statuses and malformed responses.
	ErrNonRetriable = errors.New("non-retriable fetch error")
)

// Error describes a failed Fetch. It matches ErrTransient or ErrNonRetriable
// and the underlying cause with errors.Is.
type Error struct {
	Kind       error
	URL        string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "GET %s", e.URL)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " (after %d attempts)", e.Attempts)
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Payload is the raw result of a successful Fetch.
type Payload struct {
	Body       []byte
	StatusCode int
	Attempts   int
	Duration   time.Duration

	// Cert describes the upstream TLS leaf certificate; nil for plain HTTP.
	Cert *CertStatus
}

// Fetcher retrieves one job's upstream. It builds its HTTP client once and
// reuses it across calls.
type Fetcher struct {
	job     config.Job
	client  *http.Client
	retries int
	backoff backoff.Config
	ceiling time.Duration
	maxBody int64
	now     func() time.Time
}

// New returns a Fetcher for job.
func New(job config.Job) (*Fetcher, error) {
	client, err := buildHTTPClient(job)
	if err != nil {
		return nil, fmt.Errorf("fetch %q: build http client: %w", job.Name, err)
	}
	f := &Fetcher{
		job:     job,
		client:  client,
		retries: job.RetryLimit(),
		maxBody: MaxPayloadBytes,
		now:     time.Now,
	}
	f.setBackoff(backoffMin, backoffMax)
	return f, nil
}

// setBackoff configures the retry delays and recomputes the per-call
// ceiling: timeout × (retries+1) plus the worst-case backoff, capped by the
// job's max_fetch_duration.
func (f *Fetcher) setBackoff(minDelay, maxDelay time.Duration) {
	f.backoff = backoff.Config{
		MinBackoff: minDelay,
		MaxBackoff: maxDelay,
		// Wait counts the retry before sleeping; one extra keeps the last
		// retry's delay.
		MaxRetries: f.retries + 1,
	}

	budget := f.job.Timeout * time.Duration(f.retries+1)
	delay := minDelay
	for i := 0; i < f.retries; i++ {
		next := delay * 2
		if next > maxDelay {
			next = maxDelay
		}
		budget += next
		delay = next
	}

	ceiling := f.job.MaxFetchDuration
	if ceiling <= 0 || ceiling > config.MaxFetchDuration {
		ceiling = config.MaxFetchDuration
	}
	if budget > 0 && budget < ceiling {
		ceiling = budget
	}
	f.ceiling = ceiling
}

// Ceiling returns the maximum wall-clock time of one Fetch call.
func (f *Fetcher) Ceiling() time.Duration { return f.ceiling }

// Fetch performs GET on the job URL. Transient failures are retried with
// jittered exponential backoff up to the job's retry limit; non-retriable
// failures return at once. Fetch never runs longer than Ceiling.
func (f *Fetcher) Fetch(ctx context.Context) (*Payload, error) {
	start := f.now()
	ctx, cancel := context.WithTimeout(ctx, f.ceiling)
	defer cancel()

	bo := backoff.New(ctx, f.backoff)
	for attempt := 1; ; attempt++ {
		p, ferr := f.attempt(ctx)
		if ferr == nil {
			p.Attempts = attempt
			p.Duration = f.now().Sub(start)
			return p, nil
		}
		ferr.Attempts = attempt

		if errors.Is(ferr, ErrNonRetriable) || attempt > f.retries || ctx.Err() != nil {
			return nil, ferr
		}

		slog.Debug("fetch: attempt failed, retrying",
			"job", f.job.Name, "attempt", attempt, "err", ferr)
		bo.Wait()
		if ctx.Err() != nil {
			return nil, ferr
		}
	}
}

// attempt performs a single bounded request.
func (f *Fetcher) attempt(ctx context.Context) (*Payload, *Error) {
	ctx, cancel := context.WithTimeout(ctx, f.job.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.job.URL, nil)
	if err != nil {
		return nil, f.fail(ErrNonRetriable, 0, fmt.Errorf("build request: %w", err))
	}
	for k, v := range f.job.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", acceptHeader(f.job.Format))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		var certErr *tls.CertificateVerificationError
		if errors.As(err, &certErr) {
			return nil, f.fail(ErrNonRetriable, 0, err)
		}
		return nil, f.fail(ErrTransient, 0, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, f.fail(ErrTransient, resp.StatusCode, statusErr(resp))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, f.fail(ErrNonRetriable, resp.StatusCode, statusErr(resp))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, f.fail(ErrTransient, resp.StatusCode, fmt.Errorf("read body: %w", err))
	}
	if int64(len(body)) > f.maxBody {
		return nil, f.fail(ErrNonRetriable, resp.StatusCode,
			fmt.Errorf("malformed response: body exceeds %d bytes", f.maxBody))
	}

	return &Payload{
		Body:       body,
		StatusCode: resp.StatusCode,
		Cert:       certStatus(resp.TLS, f.now()),
	}, nil
}

func (f *Fetcher) fail(kind error, status int, err error) *Error {
	return &Error{Kind: kind, URL: f.job.URL, StatusCode: status, Err: err}
}

// statusErr reads a short excerpt of an error response body.
func statusErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	text := strings.TrimSpace(string(body))
	if text == "" {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return fmt.Errorf("unexpected status %s: %s", resp.Status, text)
}

func acceptHeader(format string) string {
	if format == config.FormatPrometheus {
		return "text/plain;version=0.0.4;q=1,*/*;q=0.1"
	}
	return "application/json"
}
