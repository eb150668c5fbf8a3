package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/edvin/stackboot/internal/address"
	"github.com/edvin/stackboot/internal/certs"
	"github.com/edvin/stackboot/internal/config"
	"github.com/edvin/stackboot/internal/deployer"
	"github.com/edvin/stackboot/internal/envfile"
	"github.com/edvin/stackboot/internal/health"
	"github.com/edvin/stackboot/internal/hostexec"
	"github.com/edvin/stackboot/internal/hostlock"
	"github.com/edvin/stackboot/internal/model"
	"github.com/edvin/stackboot/internal/privilege"
	"github.com/edvin/stackboot/internal/provision"
	"github.com/edvin/stackboot/internal/renewal"
	"github.com/edvin/stackboot/internal/stack"
	"github.com/edvin/stackboot/internal/volume"
)

const healthInterval = 2 * time.Second

// components holds everything a command may need, built from one Config.
type components struct {
	cfg      *config.Config
	logger   zerolog.Logger
	fs       afero.Fs
	runner   hostexec.Runner
	docker   deployer.Deployer
	launcher *stack.Launcher
	certs    *certs.Manager
	lease    *hostlock.PortLease
}

func build(cfg *config.Config, logger zerolog.Logger) (*components, error) {
	fs := afero.NewOsFs()
	runner := hostexec.NewExecRunner(logger)
	docker := deployer.NewDockerDeployer(logger)

	client, err := caClient(cfg, fs, docker, logger)
	if err != nil {
		return nil, err
	}
	manager := certs.NewManager(fs, client, cfg.CertDir, logger)
	launcher := stack.NewLauncher(runner, docker, fs, cfg.AppDir, cfg.ProxyService, manager.Paths(), logger)
	lock := hostlock.New(cfg.LockFile, cfg.LockTimeout, logger)

	return &components{
		cfg:      cfg,
		logger:   logger,
		fs:       fs,
		runner:   runner,
		docker:   docker,
		launcher: launcher,
		certs:    manager,
		lease:    hostlock.NewPortLease(lock, launcher, cfg.ProxyService, logger),
	}, nil
}

func caClient(cfg *config.Config, fs afero.Fs, docker deployer.Deployer, logger zerolog.Logger) (certs.CAClient, error) {
	switch cfg.CAClient {
	case "acme":
		return certs.NewACMEClient(fs, certs.ACMEOptions{
			DirectoryURL:   cfg.ACMEDirectoryURL,
			Email:          cfg.ACMEEmail,
			StateDir:       cfg.StateDir,
			CertName:       cfg.CertName,
			ValidationAddr: cfg.ValidationAddr,
			RenewBefore:    cfg.RenewBefore,
		}, logger), nil
	default:
		port, err := validationPort(cfg.ValidationAddr)
		if err != nil {
			return nil, err
		}
		return certs.NewCertbotClient(docker, fs, certs.CertbotOptions{
			Image:        cfg.CAClientImage,
			StateDir:     cfg.StateDir,
			CertName:     cfg.CertName,
			Profile:      cfg.CertProfile,
			Email:        cfg.ACMEEmail,
			DirectoryURL: cfg.ACMEDirectoryURL,
			HostPort:     port,
			User:         fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		}, logger), nil
	}
}

// validationPort extracts the port of a listen address such as ":80".
func validationPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("invalid VALIDATION_ADDR %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid VALIDATION_ADDR %q: bad port", addr)
	}
	return port, nil
}

func (c *components) scheduler() (*renewal.Scheduler, error) {
	binary, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate stackboot binary: %w", err)
	}
	var svc renewal.ServiceManager
	if c.cfg.InitSystem == "systemd" {
		svc = renewal.NewSystemdManager(c.runner, c.logger)
	} else {
		svc = renewal.NewDirectManager(c.logger)
	}
	return renewal.NewScheduler(c.fs, svc, renewal.SchedulerOptions{
		Spec:         c.cfg.RenewalSchedule,
		CertValidity: c.cfg.CertValidity,
		UnitDir:      c.cfg.UnitDir,
		Binary:       binary,
		User:         c.cfg.DeployUser,
		Environ:      c.cfg.Environ(),
	}, c.logger), nil
}

func (c *components) privilege() (*privilege.Manager, error) {
	sched, err := c.scheduler()
	if err != nil {
		return nil, err
	}
	attacher := volume.NewAttacher(c.fs, c.runner, c.logger, volume.Options{
		PathTemplate: c.cfg.DevicePathTemplate,
		PollInterval: c.cfg.DevicePollInterval,
		PollAttempts: c.cfg.DevicePollAttempts,
	})
	return privilege.NewManager(c.cfg, c.fs, c.runner, attacher, sched, privilege.ExecSpawner{}, c.logger), nil
}

func (c *components) userPhase() *provision.UserPhase {
	resolver := address.NewResolver(c.cfg.MetadataProvider, c.cfg.MetadataURL, c.cfg.PublicAddress, c.logger)
	checker := health.NewChecker(c.docker, c.launcher.Project(), healthInterval, c.cfg.HealthAttempts, c.logger)
	return provision.NewUserPhase(
		resolver,
		envfile.NewProvisioner(c.fs, c.logger),
		c.certs,
		c.lease,
		c.launcher,
		checker,
		provision.Options{
			EnvFile:         c.cfg.EnvFile,
			Build:           c.cfg.ComposeBuild,
			HealthURLs:      c.cfg.HealthURLList(),
			HealthDBService: c.cfg.HealthDBService,
		},
		c.logger,
	)
}

func (c *components) renewalJob(m *renewal.Metrics) *renewal.Job {
	return renewal.NewJob(c.lease, c.certs, m, c.logger)
}

func (c *components) status() provision.StatusSources {
	return provision.StatusSources{
		Certificate: c.certs.Current,
		Environment: func() (*model.EnvironmentRecord, error) { return envfile.Load(c.fs, c.cfg.EnvFile) },
		Stack:       c.launcher.Status,
	}
}
