// Package provision sequences the unprivileged phase of a host bring-up:
// environment, certificate, stack launch and health.
package provision

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/edvin/stackboot/internal/envfile"
	"github.com/edvin/stackboot/internal/model"
)

// AddressResolver discovers the host's public address.
type AddressResolver interface {
	Resolve(ctx context.Context) (string, error)
}

// EnvProvisioner creates or patches the environment record.
type EnvProvisioner interface {
	Ensure(path string, derived map[string]string) (*model.EnvironmentRecord, error)
}

// CertEnsurer issues the certificate when none is installed.
type CertEnsurer interface {
	Ensure(ctx context.Context, subject string) (*model.Certificate, error)
}

// PortLease serializes certificate mutations and frees the validation port.
type PortLease interface {
	Acquire(ctx context.Context) error
	Held() bool
	Release() error
}

// Launcher brings the application stack up.
type Launcher interface {
	ValidateProxy() error
	Up(ctx context.Context, build bool) error
}

// HealthWaiter waits for the launched stack to answer.
type HealthWaiter interface {
	WaitAll(ctx context.Context, urls []string, dbService, dbUser string) error
}

// Options carries the user phase settings taken from the configuration.
type Options struct {
	EnvFile         string
	Build           bool
	HealthURLs      []string
	HealthDBService string
}

// UserPhase runs the unprivileged steps in order.
type UserPhase struct {
	resolver AddressResolver
	env      EnvProvisioner
	certs    CertEnsurer
	lease    PortLease
	launcher Launcher
	health   HealthWaiter
	opts     Options
	logger   zerolog.Logger
}

// NewUserPhase creates a new UserPhase. health may be nil to skip waiting.
func NewUserPhase(resolver AddressResolver, env EnvProvisioner, certs CertEnsurer, lease PortLease, launcher Launcher, health HealthWaiter, opts Options, logger zerolog.Logger) *UserPhase {
	return &UserPhase{
		resolver: resolver,
		env:      env,
		certs:    certs,
		lease:    lease,
		launcher: launcher,
		health:   health,
		opts:     opts,
		logger:   logger.With().Str("component", "user-phase").Logger(),
	}
}

// Result summarizes a completed user phase.
type Result struct {
	Address     string
	Environment *model.EnvironmentRecord
	Certificate *model.Certificate
}

// Run resolves the address, provisions the environment, makes sure a
// certificate is installed and launches the stack. The stack is never
// launched without both certificate files.
func (u *UserPhase) Run(ctx context.Context) (*Result, error) {
	addr, err := u.resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	u.logger.Info().Str("address", addr).Msg("public address resolved")

	rec, err := u.env.Ensure(u.opts.EnvFile, map[string]string{
		envfile.KeyPublicAPIURL: envfile.PublicAPIURL(addr),
	})
	if err != nil {
		return nil, fmt.Errorf("provision environment: %w", err)
	}

	if err := u.launcher.ValidateProxy(); err != nil {
		return nil, err
	}

	cert, err := u.ensureCertificate(ctx, addr)
	if err != nil {
		return nil, err
	}

	if err := u.launcher.Up(ctx, u.opts.Build); err != nil {
		return nil, fmt.Errorf("launch stack: %w", err)
	}

	if u.health != nil {
		dbUser, _ := rec.Get(envfile.KeyPostgresUser)
		if err := u.health.WaitAll(ctx, u.opts.HealthURLs, u.opts.HealthDBService, dbUser); err != nil {
			u.logger.Warn().Err(err).Msg("stack did not report healthy")
		}
	}

	u.logger.Info().Str("subject", cert.Subject).Time("expires_at", cert.ExpiresAt).Msg("user phase complete")
	return &Result{Address: addr, Environment: rec, Certificate: cert}, nil
}

// ensureCertificate holds the port lease around issuance. The proxy is not
// restarted here; launching the stack starts it.
func (u *UserPhase) ensureCertificate(ctx context.Context, subject string) (*model.Certificate, error) {
	if err := u.lease.Acquire(ctx); err != nil {
		if u.lease.Held() {
			u.lease.Release()
		}
		return nil, err
	}
	defer func() {
		if err := u.lease.Release(); err != nil {
			u.logger.Warn().Err(err).Msg("releasing host lock")
		}
	}()
	return u.certs.Ensure(ctx, subject)
}
