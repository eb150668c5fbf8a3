package hostlock

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/stackboot/internal/poll"
)

// ProxyController stops and restores the service holding the validation
// port.
type ProxyController interface {
	StopService(ctx context.Context, service string) error
	StartService(ctx context.Context, service string) error
	ReloadProxy(ctx context.Context) error
}

// PortLease hands the validation port from the proxy to the CA client. The
// host lock is held for the whole lease.
type PortLease struct {
	lock    *Lock
	proxy   ProxyController
	service string
	logger  zerolog.Logger

	held bool

	reloadInterval time.Duration
	reloadAttempts int
}

// NewPortLease creates a new PortLease for the given proxy service.
func NewPortLease(lock *Lock, proxy ProxyController, service string, logger zerolog.Logger) *PortLease {
	return &PortLease{
		lock:    lock,
		proxy:   proxy,
		service: service,
		logger:  logger.With().Str("component", "lease").Str("service", service).Logger(),

		reloadInterval: time.Second,
		reloadAttempts: 10,
	}
}

// Acquire takes the host lock and stops the proxy. A proxy that is already
// stopped is not an error. If stopping fails the lock stays held so the
// caller can restore the proxy before releasing; check Held.
func (p *PortLease) Acquire(ctx context.Context) error {
	if err := p.lock.Acquire(ctx); err != nil {
		return err
	}
	p.held = true

	if err := p.proxy.StopService(ctx, p.service); err != nil {
		return fmt.Errorf("stop %s: %w", p.service, err)
	}
	p.logger.Info().Msg("validation port leased")
	return nil
}

// Held reports whether the host lock is held by this lease.
func (p *PortLease) Held() bool { return p.held }

// Restore starts the proxy again and forces a reload so it serves the
// current certificate files. A freshly started proxy may not accept the
// reload signal yet, so the reload is retried for a bounded time.
func (p *PortLease) Restore(ctx context.Context) error {
	if err := p.proxy.StartService(ctx, p.service); err != nil {
		return fmt.Errorf("start %s: %w", p.service, err)
	}
	_, err := poll.Until(ctx, "reload "+p.service, p.reloadInterval, p.reloadAttempts, func(ctx context.Context) (struct{}, error) {
		if err := p.proxy.ReloadProxy(ctx); err != nil {
			p.logger.Debug().Err(err).Msg("proxy not ready for reload")
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	if err != nil {
		return fmt.Errorf("reload %s: %w", p.service, err)
	}
	p.logger.Info().Msg("proxy restored")
	return nil
}

// Release drops the host lock. It does not restart the proxy.
func (p *PortLease) Release() error {
	if !p.held {
		return nil
	}
	p.held = false
	return p.lock.Release()
}
