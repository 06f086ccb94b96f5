package fetch

import (
	"crypto/tls"
	"math"
	"time"
)

// CertStatus describes an upstream's TLS leaf certificate as seen on the
// last successful fetch.
type CertStatus struct {
	Status   string    `json:"status"` // valid | expiring | expired
	DaysLeft int       `json:"days_left"`
	Issuer   string    `json:"issuer,omitempty"`
	NotAfter time.Time `json:"not_after"`
}

// expiringWithin is the window in which a certificate counts as expiring.
const expiringWithin = 30 * 24 * time.Hour

// certStatus inspects the peer certificates of a TLS connection.
// Returns nil for plain-HTTP responses.
func certStatus(cs *tls.ConnectionState, now time.Time) *CertStatus {
	if cs == nil || len(cs.PeerCertificates) == 0 {
		return nil
	}
	leaf := cs.PeerCertificates[0]
	left := leaf.NotAfter.Sub(now)

	st := &CertStatus{
		DaysLeft: int(math.Floor(left.Hours() / 24)),
		Issuer:   leaf.Issuer.CommonName,
		NotAfter: leaf.NotAfter.UTC(),
	}
	switch {
	case left <= 0:
		st.Status = "expired"
	case left <= expiringWithin:
		st.Status = "expiring"
	default:
		st.Status = "valid"
	}
	return st
}
