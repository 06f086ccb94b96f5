// Package fetch retrieves upstream payloads for collection jobs.
//
// New(job) builds one http.Client per job (auth round-tripper for apikey,
// bearer and basic modes; client certificates for mtls; optional insecure
// TLS). Fetch(ctx) issues GET with the job timeout per attempt and retries
// transient failures (timeouts, connection errors, 5xx) with jittered
// exponential backoff from dskit. 4xx, other unexpected statuses, TLS
// verification failures and oversized bodies fail at once.
//
// One call never exceeds Ceiling(): timeout × (retries+1) plus worst-case
// backoff, capped by the job's max_fetch_duration.
//
// Failures are *Error values matching ErrTransient or ErrNonRetriable.
// Successful payloads carry the upstream certificate status for https jobs.
package fetch
