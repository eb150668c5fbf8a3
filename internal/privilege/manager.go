// Package privilege runs the root-only part of provisioning and then hands
// over to a restricted re-execution of stackboot as the deploy identity.
package privilege

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/edvin/stackboot/internal/config"
	"github.com/edvin/stackboot/internal/hostexec"
	"github.com/edvin/stackboot/internal/model"
)

const (
	rootAuthorizedKeys = "/root/.ssh/authorized_keys"
	sudoersDir         = "/etc/sudoers.d"
	dockerGroup        = "docker"
	restrictedPath     = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
)

// VolumeAttacher attaches the data volume.
type VolumeAttacher interface {
	Attach(ctx context.Context, deviceID, mountPath string) (*model.MountRecord, error)
}

// ScheduleInstaller registers the renewal schedule.
type ScheduleInstaller interface {
	Install(ctx context.Context) (*model.RenewalSchedule, error)
}

// Manager performs the root phase.
type Manager struct {
	cfg       *config.Config
	fs        afero.Fs
	runner    hostexec.Runner
	attacher  VolumeAttacher
	scheduler ScheduleInstaller
	spawner   Spawner
	logger    zerolog.Logger
	euid      func() int
}

// NewManager creates a new Manager.
func NewManager(cfg *config.Config, fs afero.Fs, runner hostexec.Runner, attacher VolumeAttacher, scheduler ScheduleInstaller, spawner Spawner, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		fs:        fs,
		runner:    runner,
		attacher:  attacher,
		scheduler: scheduler,
		spawner:   spawner,
		logger:    logger.With().Str("component", "privilege").Logger(),
		euid:      os.Geteuid,
	}
}

// RunRoot performs every root-only step. Each step checks before it acts,
// so the phase can be repeated on every boot.
func (m *Manager) RunRoot(ctx context.Context) error {
	if uid := m.euid(); uid != 0 {
		return &model.PreconditionError{Resource: "effective uid", Detail: fmt.Sprintf("root phase requires uid 0, running as %d", uid)}
	}
	if info, err := m.fs.Stat(m.cfg.AppDir); err != nil || !info.IsDir() {
		return &model.PreconditionError{Resource: m.cfg.AppDir, Detail: "application directory missing"}
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"attach volume", m.attachVolume},
		{"create deploy user", m.ensureUser},
		{"copy authorized keys", m.copyAuthorizedKeys},
		{"grant sudo", m.ensureSudoers},
		{"install container runtime", m.ensureRuntime},
		{"join docker group", m.ensureDockerGroup},
		{"hand over directories", m.chownDirs},
		{"install renewal schedule", m.installSchedule},
	}
	for _, step := range steps {
		m.logger.Debug().Str("step", step.name).Msg("root phase step")
		if err := step.fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}
	m.logger.Info().Msg("root phase complete")
	return nil
}

func (m *Manager) attachVolume(ctx context.Context) error {
	if m.cfg.DeviceID == "" {
		m.logger.Info().Msg("no device id configured, skipping volume attach")
		return m.fs.MkdirAll(m.cfg.MountRoot, 0o755)
	}
	_, err := m.attacher.Attach(ctx, m.cfg.DeviceID, m.cfg.MountRoot)
	return err
}

func (m *Manager) ensureUser(ctx context.Context) error {
	user := m.cfg.DeployUser
	if _, err := m.runner.Run(ctx, "id", user); err == nil {
		return nil
	} else if hostexec.ExitCode(err) < 0 {
		return err
	}
	m.logger.Info().Str("user", user).Msg("creating deploy user")
	_, err := m.runner.Run(ctx, "useradd", "--create-home", "--shell", "/bin/bash", user)
	return err
}

// home returns the deploy user's home directory from the passwd database.
func (m *Manager) home(ctx context.Context) (string, error) {
	out, err := m.runner.Run(ctx, "getent", "passwd", m.cfg.DeployUser)
	if err != nil {
		return "", err
	}
	fields := strings.Split(strings.TrimSpace(string(out)), ":")
	if len(fields) < 6 || fields[5] == "" {
		return "", fmt.Errorf("unexpected passwd entry for %s: %q", m.cfg.DeployUser, strings.TrimSpace(string(out)))
	}
	return fields[5], nil
}

func (m *Manager) copyAuthorizedKeys(ctx context.Context) error {
	keys, err := afero.ReadFile(m.fs, rootAuthorizedKeys)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	home, err := m.home(ctx)
	if err != nil {
		return err
	}
	sshDir := filepath.Join(home, ".ssh")
	dest := filepath.Join(sshDir, "authorized_keys")
	if existing, err := afero.ReadFile(m.fs, dest); err == nil && bytes.Equal(existing, keys) {
		return nil
	}

	if err := m.fs.MkdirAll(sshDir, 0o700); err != nil {
		return err
	}
	if err := m.fs.Chmod(sshDir, 0o700); err != nil {
		return err
	}
	if err := afero.WriteFile(m.fs, dest, keys, 0o600); err != nil {
		return err
	}
	if err := m.fs.Chmod(dest, 0o600); err != nil {
		return err
	}
	owner := m.cfg.DeployUser + ":" + m.cfg.DeployUser
	_, err = m.runner.Run(ctx, "chown", "-R", owner, sshDir)
	return err
}

func (m *Manager) sudoersPath() string {
	return filepath.Join(sudoersDir, "90-"+m.cfg.DeployUser)
}

// ensureSudoers grants passwordless sudo for the setup window. HandOff
// revokes it once the user phase has finished.
func (m *Manager) ensureSudoers(ctx context.Context) error {
	path := m.sudoersPath()
	content := []byte(m.cfg.DeployUser + " ALL=(ALL) NOPASSWD:ALL\n")
	if existing, err := afero.ReadFile(m.fs, path); err == nil && bytes.Equal(existing, content) {
		return nil
	}

	tmp := filepath.Join(sudoersDir, ".90-"+m.cfg.DeployUser+".tmp")
	if err := m.fs.MkdirAll(sudoersDir, 0o750); err != nil {
		return err
	}
	if err := afero.WriteFile(m.fs, tmp, content, 0o440); err != nil {
		return err
	}
	if err := m.fs.Chmod(tmp, 0o440); err != nil {
		m.fs.Remove(tmp)
		return err
	}
	if _, err := m.runner.Run(ctx, "visudo", "-cf", tmp); err != nil {
		m.fs.Remove(tmp)
		return fmt.Errorf("validate sudoers drop-in: %w", err)
	}
	return m.fs.Rename(tmp, path)
}

func (m *Manager) ensureRuntime(ctx context.Context) error {
	if _, err := m.runner.Run(ctx, "docker", "compose", "version"); err == nil {
		return nil
	}
	pkgs := m.cfg.RuntimePackageList()
	if len(pkgs) == 0 {
		return &model.PreconditionError{Resource: "docker compose", Detail: "not installed and no runtime packages configured"}
	}
	m.logger.Info().Strs("packages", pkgs).Msg("installing container runtime")
	if _, err := m.runner.Run(ctx, "apt-get", "update", "-q"); err != nil {
		return err
	}
	_, err := m.runner.Run(ctx, "apt-get", append([]string{"install", "-y", "-q"}, pkgs...)...)
	return err
}

func (m *Manager) ensureDockerGroup(ctx context.Context) error {
	out, err := m.runner.Run(ctx, "id", "-nG", m.cfg.DeployUser)
	if err == nil && contains(strings.Fields(string(out)), dockerGroup) {
		return nil
	}
	_, err = m.runner.Run(ctx, "usermod", "-aG", dockerGroup, m.cfg.DeployUser)
	return err
}

func (m *Manager) chownDirs(ctx context.Context) error {
	owner := m.cfg.DeployUser + ":" + m.cfg.DeployUser
	_, err := m.runner.Run(ctx, "chown", "-R", owner, m.cfg.AppDir, m.cfg.MountRoot)
	return err
}

func (m *Manager) installSchedule(ctx context.Context) error {
	_, err := m.scheduler.Install(ctx)
	return err
}

// HandOff re-executes stackboot as the deploy user for the user phase and
// returns the child's exit status. The child receives the configuration as
// explicit arguments and a minimal environment. The sudo drop-in is removed
// afterwards, whatever the outcome.
func (m *Manager) HandOff(ctx context.Context) (code int, err error) {
	defer func() {
		if rerr := m.revokeSudoers(); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()

	cred, err := m.credential(ctx)
	if err != nil {
		return 1, fmt.Errorf("resolve %s: %w", m.cfg.DeployUser, err)
	}
	home, err := m.home(ctx)
	if err != nil {
		return 1, fmt.Errorf("resolve home of %s: %w", m.cfg.DeployUser, err)
	}

	env := []string{
		"PATH=" + restrictedPath,
		"HOME=" + home,
		"USER=" + m.cfg.DeployUser,
		"LOGNAME=" + m.cfg.DeployUser,
	}
	args := append([]string{"provision", "--phase=user"}, m.cfg.Args()...)

	m.logger.Info().Str("user", m.cfg.DeployUser).Uint32("uid", cred.UID).Msg("handing over to user phase")
	return m.spawner.Spawn(ctx, Command{Credential: cred, Env: env, Args: args, Dir: home})
}

func (m *Manager) revokeSudoers() error {
	err := m.fs.Remove(m.sudoersPath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("revoke sudo for %s: %w", m.cfg.DeployUser, err)
	}
	if err == nil {
		m.logger.Info().Str("user", m.cfg.DeployUser).Msg("passwordless sudo revoked")
	}
	return nil
}

func (m *Manager) credential(ctx context.Context) (Credential, error) {
	var cred Credential
	uid, err := m.idNumber(ctx, "-u")
	if err != nil {
		return cred, err
	}
	gid, err := m.idNumber(ctx, "-g")
	if err != nil {
		return cred, err
	}
	out, err := m.runner.Run(ctx, "id", "-G", m.cfg.DeployUser)
	if err != nil {
		return cred, err
	}
	cred.UID, cred.GID = uid, gid
	for _, g := range strings.Fields(string(out)) {
		n, err := strconv.ParseUint(g, 10, 32)
		if err != nil {
			return cred, fmt.Errorf("parse group id %q: %w", g, err)
		}
		cred.Groups = append(cred.Groups, uint32(n))
	}
	return cred, nil
}

func (m *Manager) idNumber(ctx context.Context, flag string) (uint32, error) {
	out, err := m.runner.Run(ctx, "id", flag, m.cfg.DeployUser)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(out)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse id %s output %q: %w", flag, strings.TrimSpace(string(out)), err)
	}
	return uint32(n), nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
