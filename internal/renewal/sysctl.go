package renewal

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/edvin/stackboot/internal/hostexec"
)

// ServiceManager abstracts the init system the renewal timer is registered
// with.
//
// VMs use SystemdManager. Hosts without systemd use DirectManager and run
// the in-process Daemon instead.
type ServiceManager interface {
	// DaemonReload tells the init system to re-scan unit definitions.
	DaemonReload(ctx context.Context) error

	// Enable enables and starts a unit.
	Enable(ctx context.Context, unit string) error

	// Disable disables and stops a unit.
	Disable(ctx context.Context, unit string) error
}

// SystemdManager implements ServiceManager using systemctl.
type SystemdManager struct {
	runner hostexec.Runner
	logger zerolog.Logger
}

// NewSystemdManager creates a ServiceManager backed by systemd.
func NewSystemdManager(runner hostexec.Runner, logger zerolog.Logger) *SystemdManager {
	return &SystemdManager{runner: runner, logger: logger.With().Str("svc_mgr", "systemd").Logger()}
}

func (s *SystemdManager) DaemonReload(ctx context.Context) error {
	return s.sysctl(ctx, "daemon-reload")
}

func (s *SystemdManager) Enable(ctx context.Context, unit string) error {
	return s.sysctl(ctx, "enable", "--now", unit)
}

func (s *SystemdManager) Disable(ctx context.Context, unit string) error {
	return s.sysctl(ctx, "disable", "--now", unit)
}

func (s *SystemdManager) sysctl(ctx context.Context, args ...string) error {
	if _, err := s.runner.Run(ctx, "systemctl", args...); err != nil {
		return fmt.Errorf("systemctl %v: %w", args, err)
	}
	return nil
}

// DirectManager implements ServiceManager for hosts without systemd. Every
// operation is a no-op; the schedule is driven by `stackboot renew-daemon`.
type DirectManager struct {
	logger zerolog.Logger
}

// NewDirectManager creates a ServiceManager for environments without systemd.
func NewDirectManager(logger zerolog.Logger) *DirectManager {
	return &DirectManager{logger: logger.With().Str("svc_mgr", "direct").Logger()}
}

func (d *DirectManager) DaemonReload(_ context.Context) error {
	d.logger.Debug().Msg("daemon-reload: no-op (no systemd)")
	return nil
}

func (d *DirectManager) Enable(_ context.Context, unit string) error {
	d.logger.Warn().Str("unit", unit).Msg("enable: no-op without systemd (run stackboot renew-daemon)")
	return nil
}

func (d *DirectManager) Disable(_ context.Context, unit string) error {
	d.logger.Debug().Str("unit", unit).Msg("disable: no-op (no systemd)")
	return nil
}
