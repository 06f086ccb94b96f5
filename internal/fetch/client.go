package fetch

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"

	"github.com/obsidianstack/obsidian-exporter/internal/config"
)

const userAgent = "obsidian-exporter"

// authRoundTripper injects authentication headers into every outgoing request.
type authRoundTripper struct {
	base http.RoundTripper
	auth config.AuthConfig
}

func (t *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", userAgent)
	}
	switch t.auth.Mode {
	case "apikey":
		req.Header.Set(t.auth.Header, t.auth.Key())
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+t.auth.Token())
	case "basic":
		req.SetBasicAuth(t.auth.Username, t.auth.Password())
	}
	return t.base.RoundTrip(req)
}

// buildHTTPClient constructs an http.Client for the job's auth and TLS settings.
func buildHTTPClient(job config.Job) (*http.Client, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: job.TLS.InsecureSkipVerify, //nolint:gosec // user-configured
	}

	if job.Auth.Mode == "mtls" {
		cert, err := tls.LoadX509KeyPair(job.Auth.CertFile, job.Auth.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}

		if job.Auth.CAFile != "" {
			caPEM, err := os.ReadFile(job.Auth.CAFile)
			if err != nil {
				return nil, fmt.Errorf("read ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caPEM) {
				return nil, fmt.Errorf("no valid certs found in ca file %q", job.Auth.CAFile)
			}
			tlsCfg.RootCAs = pool
		}
	}

	base := http.DefaultTransport.(*http.Transport).Clone()
	base.TLSClientConfig = tlsCfg
	base.ResponseHeaderTimeout = job.Timeout

	return &http.Client{
		Transport: &authRoundTripper{base: base, auth: job.Auth},
		Timeout:   job.Timeout,
	}, nil
}
