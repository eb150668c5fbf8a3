package model

import "time"

// CertState is the lifecycle state of the host certificate.
type CertState int

const (
	CertAbsent CertState = iota
	CertIssuing
	CertInstalled
	CertRenewing
)

func (s CertState) String() string {
	switch s {
	case CertAbsent:
		return "absent"
	case CertIssuing:
		return "issuing"
	case CertInstalled:
		return "installed"
	case CertRenewing:
		return "renewing"
	default:
		return "unknown"
	}
}

// Certificate is the TLS identity bound to the host's public address.
// IssuedAt and ExpiresAt are zero when the installed chain could not be parsed.
type Certificate struct {
	Subject       string    `json:"subject"`
	FullchainPath string    `json:"fullchain_path"`
	KeyPath       string    `json:"key_path"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Validity returns the length of the certificate's validity window.
func (c *Certificate) Validity() time.Duration {
	if c.IssuedAt.IsZero() || c.ExpiresAt.IsZero() {
		return 0
	}
	return c.ExpiresAt.Sub(c.IssuedAt)
}
