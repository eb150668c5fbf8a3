// Package stack brings the application's container stack up and controls
// individual services of it through docker compose.
package stack

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/edvin/stackboot/internal/certs"
	"github.com/edvin/stackboot/internal/deployer"
	"github.com/edvin/stackboot/internal/hostexec"
	"github.com/edvin/stackboot/internal/model"
)

// Launcher drives the compose project in the application directory.
type Launcher struct {
	runner    hostexec.Runner
	docker    deployer.Deployer
	fs        afero.Fs
	appDir    string
	project   string
	proxy     string
	certPaths certs.Paths
	logger    zerolog.Logger

	mu      sync.Mutex
	desired string
}

// NewLauncher creates a new Launcher.
func NewLauncher(runner hostexec.Runner, docker deployer.Deployer, fs afero.Fs, appDir, proxyService string, certPaths certs.Paths, logger zerolog.Logger) *Launcher {
	return &Launcher{
		runner:    runner,
		docker:    docker,
		fs:        fs,
		appDir:    appDir,
		project:   ProjectName(appDir),
		proxy:     proxyService,
		certPaths: certPaths,
		logger:    logger.With().Str("component", "stack").Logger(),
	}
}

// Project returns the compose project name.
func (l *Launcher) Project() string { return l.project }

func (l *Launcher) compose(ctx context.Context, args ...string) error {
	full := append([]string{"compose", "--project-directory", l.appDir, "-p", l.project}, args...)
	if _, err := l.runner.Run(ctx, "docker", full...); err != nil {
		return err
	}
	return nil
}

func (l *Launcher) setDesired(s string) {
	l.mu.Lock()
	l.desired = s
	l.mu.Unlock()
}

// ValidateProxy checks that the proxy service is declared in the compose file.
func (l *Launcher) ValidateProxy() error {
	path, err := FindComposeFile(l.fs, l.appDir)
	if err != nil {
		return &model.PreconditionError{Resource: l.appDir, Detail: err.Error()}
	}
	names, err := ServiceNames(l.fs, path)
	if err != nil {
		return &model.PreconditionError{Resource: path, Detail: err.Error()}
	}
	if !slices.Contains(names, l.proxy) {
		return &model.PreconditionError{Resource: path, Detail: fmt.Sprintf("proxy service %q not declared (services: %v)", l.proxy, names)}
	}
	return nil
}

// Up starts every service, rebuilding images when build is set. It refuses
// to start while either certificate file is missing or empty.
func (l *Launcher) Up(ctx context.Context, build bool) error {
	ok, err := certs.Installed(l.fs, l.certPaths)
	if err != nil {
		return err
	}
	if !ok {
		return &model.PreconditionError{Resource: l.certPaths.Fullchain, Detail: "certificate files missing or empty, refusing to serve TLS"}
	}

	args := []string{"up", "-d", "--remove-orphans"}
	if build {
		args = append(args, "--build")
		l.setDesired(model.StackBuilding)
	}
	l.logger.Info().Bool("build", build).Str("project", l.project).Msg("bringing stack up")
	if err := l.compose(ctx, args...); err != nil {
		l.setDesired(model.StackDown)
		return fmt.Errorf("compose up: %w", err)
	}
	l.setDesired(model.StackUp)
	return nil
}

// StopService stops one service. Stopping a stopped service succeeds.
func (l *Launcher) StopService(ctx context.Context, service string) error {
	if err := l.compose(ctx, "stop", service); err != nil {
		return fmt.Errorf("compose stop %s: %w", service, err)
	}
	l.logger.Info().Str("service", service).Msg("service stopped")
	return nil
}

// StartService (re)creates and starts one service without its dependencies.
func (l *Launcher) StartService(ctx context.Context, service string) error {
	if err := l.compose(ctx, "up", "-d", "--no-deps", service); err != nil {
		return fmt.Errorf("compose up %s: %w", service, err)
	}
	l.logger.Info().Str("service", service).Msg("service started")
	return nil
}

// ReloadProxy makes the proxy re-read its configuration and certificates.
func (l *Launcher) ReloadProxy(ctx context.Context) error {
	if err := l.compose(ctx, "exec", "-T", l.proxy, "nginx", "-s", "reload"); err != nil {
		return fmt.Errorf("reload %s: %w", l.proxy, err)
	}
	return nil
}

// Status reports every container of the project.
func (l *Launcher) Status(ctx context.Context) (*model.ServiceStack, error) {
	containers, err := l.docker.ListProject(ctx, l.project)
	if err != nil {
		return nil, err
	}
	st := &model.ServiceStack{Project: l.project}
	anyRunning := false
	for _, c := range containers {
		st.Services = append(st.Services, model.ServiceState{
			Service:   c.Service,
			Container: c.Name,
			State:     c.State,
			Running:   c.Running,
		})
		anyRunning = anyRunning || c.Running
	}

	l.mu.Lock()
	st.Desired = l.desired
	l.mu.Unlock()
	if st.Desired == "" {
		st.Desired = model.StackDown
		if anyRunning {
			st.Desired = model.StackUp
		}
	}
	return st, nil
}
