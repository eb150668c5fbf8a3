// Package certs manages the host's TLS certificate: first issuance over
// HTTP-01, installation where the proxy reads it, and renewal.
package certs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/edvin/stackboot/internal/model"
)

// CAClient obtains certificates from an ACME CA.
type CAClient interface {
	// Obtain issues a certificate for subject, or returns the current
	// lineage when the CA client considers it still valid.
	Obtain(ctx context.Context, subject string) (*Bundle, error)
	// Renew renews every lineage that is due and returns the current one.
	Renew(ctx context.Context) (*Bundle, error)
}

// Manager drives the certificate through Absent, Issuing, Installed and
// Renewing. Callers serialize mutations with the host lock.
type Manager struct {
	fs     afero.Fs
	client CAClient
	paths  Paths
	logger zerolog.Logger

	mu    sync.Mutex
	state model.CertState
}

// NewManager creates a new Manager for the files in certDir.
func NewManager(fs afero.Fs, client CAClient, certDir string, logger zerolog.Logger) *Manager {
	m := &Manager{
		fs:     fs,
		client: client,
		paths:  PathsIn(certDir),
		logger: logger.With().Str("component", "certs").Logger(),
		state:  model.CertAbsent,
	}
	if ok, _ := Installed(fs, m.paths); ok {
		m.state = model.CertInstalled
	}
	return m
}

// Paths returns the installed file locations.
func (m *Manager) Paths() Paths { return m.paths }

// State returns the current lifecycle state.
func (m *Manager) State() model.CertState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s model.CertState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Ensure makes sure a certificate for subject is installed. Existing
// non-empty files are kept as they are, without contacting the CA or looking
// at their expiry. When only one of the two files has content, neither is
// touched and a *model.PreconditionError is returned.
func (m *Manager) Ensure(ctx context.Context, subject string) (*model.Certificate, error) {
	present, err := nonEmpty(m.fs, m.paths)
	if err != nil {
		return nil, &model.IssuanceError{Subject: subject, Err: err}
	}
	switch len(present) {
	case 2:
		m.setState(model.CertInstalled)
		m.logger.Info().Str("fullchain", m.paths.Fullchain).Msg("certificate already installed, skipping issuance")
		return m.describe(subject), nil
	case 1:
		viol := &model.IdempotencyViolation{Resource: present[0], Detail: "installed without its partner file"}
		m.logger.Warn().Err(viol).Msg("leaving partial certificate installation untouched")
		return nil, &model.PreconditionError{Resource: present[0], Detail: "certificate and key must both be present or both be absent"}
	}

	m.setState(model.CertIssuing)
	log := m.logger.With().Str("subject", subject).Logger()
	log.Info().Msg("issuing certificate")

	bundle, err := m.client.Obtain(ctx, subject)
	if err != nil {
		m.setState(model.CertAbsent)
		return nil, &model.IssuanceError{Subject: subject, Err: err}
	}
	leaf, err := bundle.Verify()
	if err != nil {
		m.setState(model.CertAbsent)
		return nil, &model.IssuanceError{Subject: subject, Err: err}
	}
	if err := install(m.fs, m.paths, bundle); err != nil {
		m.setState(model.CertAbsent)
		return nil, &model.IssuanceError{Subject: subject, Err: err}
	}

	m.setState(model.CertInstalled)
	log.Info().Time("not_after", leaf.NotAfter).Msg("certificate installed")
	return m.certificate(SubjectOf(leaf), leaf.NotBefore, leaf.NotAfter), nil
}

// Renew asks the CA client to renew and re-installs the resulting lineage.
// On failure the installed files are left untouched.
func (m *Manager) Renew(ctx context.Context) (*model.Certificate, error) {
	prev := m.State()
	if prev == model.CertIssuing || prev == model.CertRenewing {
		return nil, &model.RenewalError{Err: fmt.Errorf("certificate is %s", prev)}
	}
	m.setState(model.CertRenewing)

	fail := func(err error) (*model.Certificate, error) {
		m.setState(prev)
		return nil, &model.RenewalError{Err: err}
	}

	bundle, err := m.client.Renew(ctx)
	if err != nil {
		return fail(err)
	}
	leaf, err := bundle.Verify()
	if err != nil {
		return fail(err)
	}
	if err := install(m.fs, m.paths, bundle); err != nil {
		return fail(err)
	}

	m.setState(model.CertInstalled)
	m.logger.Info().Time("not_after", leaf.NotAfter).Msg("certificate renewed and installed")
	return m.certificate(SubjectOf(leaf), leaf.NotBefore, leaf.NotAfter), nil
}

// Current describes the installed certificate.
func (m *Manager) Current() (*model.Certificate, error) {
	bundle, err := ReadBundle(m.fs, m.paths)
	if err != nil {
		return nil, err
	}
	leaf, err := bundle.Verify()
	if err != nil {
		return nil, err
	}
	return m.certificate(SubjectOf(leaf), leaf.NotBefore, leaf.NotAfter), nil
}

// describe returns the installed certificate, falling back to a record
// without dates when the files do not parse.
func (m *Manager) describe(subject string) *model.Certificate {
	cert, err := m.Current()
	if err != nil {
		m.logger.Warn().Err(err).Msg("installed certificate does not parse")
		return m.certificate(subject, time.Time{}, time.Time{})
	}
	return cert
}

func (m *Manager) certificate(subject string, issued, expires time.Time) *model.Certificate {
	return &model.Certificate{
		Subject:       subject,
		FullchainPath: m.paths.Fullchain,
		KeyPath:       m.paths.Key,
		IssuedAt:      issued,
		ExpiresAt:     expires,
	}
}
