// Package renewal keeps the certificate fresh: it registers the recurring
// timer, and runs the renewal job that hands the validation port from the
// proxy to the CA client and back.
package renewal

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/edvin/stackboot/internal/model"
)

const unitName = "stackboot-renew"

// SchedulerOptions configures the installed timer.
type SchedulerOptions struct {
	Spec         string
	CertValidity time.Duration
	UnitDir      string
	// Binary is the absolute path of the stackboot executable.
	Binary string
	User   string
	// Environ holds KEY="value" lines for the service's EnvironmentFile.
	Environ []string
}

// Scheduler installs and removes the renewal timer.
type Scheduler struct {
	fs     afero.Fs
	svc    ServiceManager
	opts   SchedulerOptions
	logger zerolog.Logger
}

// NewScheduler creates a new Scheduler.
func NewScheduler(fs afero.Fs, svc ServiceManager, opts SchedulerOptions, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		fs:     fs,
		svc:    svc,
		opts:   opts,
		logger: logger.With().Str("component", "renewal-scheduler").Logger(),
	}
}

func (s *Scheduler) servicePath() string { return filepath.Join(s.opts.UnitDir, unitName+".service") }
func (s *Scheduler) timerPath() string   { return filepath.Join(s.opts.UnitDir, unitName+".timer") }
func (s *Scheduler) envPath() string     { return filepath.Join(s.opts.UnitDir, unitName+".env") }

// Install writes the service, timer and environment files, reloading the
// init system only when one of them changed, and enables the timer.
func (s *Scheduler) Install(ctx context.Context) (*model.RenewalSchedule, error) {
	sched, _, err := ParseSchedule(s.opts.Spec)
	if err != nil {
		return nil, err
	}
	if err := ValidatePeriod(sched, s.opts.CertValidity); err != nil {
		return nil, err
	}

	service, err := render(serviceTemplate, serviceData{
		Binary:  s.opts.Binary,
		User:    s.opts.User,
		EnvFile: s.envPath(),
	})
	if err != nil {
		return nil, fmt.Errorf("render service unit: %w", err)
	}
	timer, err := render(timerTemplate, timerData{Calendar: sched.Calendar, Spec: sched.Spec})
	if err != nil {
		return nil, fmt.Errorf("render timer unit: %w", err)
	}
	env := strings.Join(s.opts.Environ, "\n") + "\n"

	changed := false
	for _, f := range []struct {
		path    string
		content string
		mode    os.FileMode
	}{
		{s.envPath(), env, 0o640},
		{s.servicePath(), service, 0o644},
		{s.timerPath(), timer, 0o644},
	} {
		wrote, err := s.writeIfChanged(f.path, f.content, f.mode)
		if err != nil {
			return nil, err
		}
		changed = changed || wrote
	}

	if changed {
		if err := s.svc.DaemonReload(ctx); err != nil {
			return nil, err
		}
	}
	if err := s.svc.Enable(ctx, unitName+".timer"); err != nil {
		return nil, err
	}

	s.logger.Info().Str("calendar", sched.Calendar).Dur("period", sched.Period).Bool("changed", changed).Msg("renewal timer installed")
	sched.Enabled = true
	return sched, nil
}

// Disable stops and disables the timer. Unit files are kept.
func (s *Scheduler) Disable(ctx context.Context) (*model.RenewalSchedule, error) {
	sched, _, err := ParseSchedule(s.opts.Spec)
	if err != nil {
		return nil, err
	}
	if err := s.svc.Disable(ctx, unitName+".timer"); err != nil {
		return nil, err
	}
	s.logger.Info().Msg("renewal timer disabled")
	sched.Enabled = false
	return sched, nil
}

func (s *Scheduler) writeIfChanged(path, content string, mode os.FileMode) (bool, error) {
	existing, err := afero.ReadFile(s.fs, path)
	if err == nil && bytes.Equal(existing, []byte(content)) {
		return false, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := afero.WriteFile(s.fs, path, []byte(content), mode); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

var serviceTemplate = template.Must(template.New("service").Parse(`[Unit]
Description=stackboot certificate renewal
After=network-online.target docker.service
Wants=network-online.target

[Service]
Type=oneshot
User={{ .User }}
Group={{ .User }}
SupplementaryGroups=docker
EnvironmentFile={{ .EnvFile }}
ExecStart={{ .Binary }} renew
StandardOutput=journal
StandardError=journal
SyslogIdentifier=stackboot-renew
NoNewPrivileges=yes
PrivateTmp=yes
`))

var timerTemplate = template.Must(template.New("timer").Parse(`[Unit]
Description=Timer for stackboot certificate renewal ({{ .Spec }})

[Timer]
OnCalendar={{ .Calendar }}
Persistent=true
RandomizedDelaySec=15

[Install]
WantedBy=timers.target
`))

type serviceData struct {
	Binary  string
	User    string
	EnvFile string
}

type timerData struct {
	Calendar string
	Spec     string
}

func render(t *template.Template, data any) (string, error) {
	var buf strings.Builder
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
