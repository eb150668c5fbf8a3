package privilege

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/edvin/stackboot/internal/config"
	"github.com/edvin/stackboot/internal/model"
	"github.com/edvin/stackboot/internal/testutil"
)

type mockAttacher struct{ mock.Mock }

func (m *mockAttacher) Attach(ctx context.Context, deviceID, mountPath string) (*model.MountRecord, error) {
	args := m.Called(ctx, deviceID, mountPath)
	rec, _ := args.Get(0).(*model.MountRecord)
	return rec, args.Error(1)
}

type mockScheduler struct{ mock.Mock }

func (m *mockScheduler) Install(ctx context.Context) (*model.RenewalSchedule, error) {
	args := m.Called(ctx)
	s, _ := args.Get(0).(*model.RenewalSchedule)
	return s, args.Error(1)
}

type recordingSpawner struct {
	cmds []Command
	code int
	err  error
}

func (r *recordingSpawner) Spawn(_ context.Context, cmd Command) (int, error) {
	r.cmds = append(r.cmds, cmd)
	return r.code, r.err
}

func testConfig() *config.Config {
	return &config.Config{
		DeployUser:      "deploy",
		AppDir:          "/opt/app",
		MountRoot:       "/mnt/data",
		DeviceID:        "vol-1",
		RuntimePackages: "docker.io docker-compose-v2",
	}
}

// fakeHost models a fresh machine: no deploy user, no container runtime.
// useradd, apt-get install and usermod change what later probes report.
func fakeHost() *testutil.FakeRunner {
	userExists, runtime, inDocker := false, false, false
	return testutil.NewFakeRunner().
		OnFunc("id deploy", func(string) testutil.Response {
			if !userExists {
				return testutil.Response{Output: "id: 'deploy': no such user", ExitCode: 1}
			}
			return testutil.Response{Output: "uid=1000(deploy) gid=1000(deploy)"}
		}).
		OnFunc("useradd", func(string) testutil.Response {
			userExists = true
			return testutil.Response{}
		}).
		On("getent passwd deploy", testutil.Response{Output: "deploy:x:1000:1000::/home/deploy:/bin/bash\n"}).
		OnFunc("docker compose version", func(string) testutil.Response {
			if !runtime {
				return testutil.Response{ExitCode: 127}
			}
			return testutil.Response{Output: "Docker Compose version v2.27.0"}
		}).
		OnFunc("apt-get install", func(string) testutil.Response {
			runtime = true
			return testutil.Response{}
		}).
		OnFunc("id -nG deploy", func(string) testutil.Response {
			if inDocker {
				return testutil.Response{Output: "deploy docker\n"}
			}
			return testutil.Response{Output: "deploy\n"}
		}).
		OnFunc("usermod -aG docker deploy", func(string) testutil.Response {
			inDocker = true
			return testutil.Response{}
		}).
		On("id -u deploy", testutil.Response{Output: "1000\n"}).
		On("id -g deploy", testutil.Response{Output: "1000\n"}).
		On("id -G deploy", testutil.Response{Output: "1000 998\n"})
}

type fixture struct {
	fs        afero.Fs
	runner    *testutil.FakeRunner
	attacher  *mockAttacher
	scheduler *mockScheduler
	spawner   *recordingSpawner
	mgr       *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		fs:        afero.NewMemMapFs(),
		runner:    fakeHost(),
		attacher:  &mockAttacher{},
		scheduler: &mockScheduler{},
		spawner:   &recordingSpawner{},
	}
	require.NoError(t, f.fs.MkdirAll("/opt/app", 0o755))
	require.NoError(t, afero.WriteFile(f.fs, rootAuthorizedKeys, []byte("ssh-ed25519 AAAA admin\n"), 0o600))
	f.mgr = NewManager(testConfig(), f.fs, f.runner, f.attacher, f.scheduler, f.spawner, zerolog.Nop())
	f.mgr.euid = func() int { return 0 }
	return f
}

func TestRunRoot_FreshHost(t *testing.T) {
	f := newFixture(t)
	f.attacher.On("Attach", mock.Anything, "vol-1", "/mnt/data").Return(&model.MountRecord{}, nil).Once()
	f.scheduler.On("Install", mock.Anything).Return(&model.RenewalSchedule{}, nil).Once()

	require.NoError(t, f.mgr.RunRoot(context.Background()))

	assert.Equal(t, 1, f.runner.Count("useradd --create-home --shell /bin/bash deploy"))
	assert.Equal(t, 1, f.runner.Count("apt-get update"))
	assert.Equal(t, 1, f.runner.Count("apt-get install -y -q docker.io docker-compose-v2"))
	assert.Equal(t, 1, f.runner.Count("usermod -aG docker deploy"))
	assert.Equal(t, 1, f.runner.Count("chown -R deploy:deploy /opt/app /mnt/data"))
	assert.Equal(t, 1, f.runner.Count("visudo -cf /etc/sudoers.d/.90-deploy.tmp"))

	keys, err := afero.ReadFile(f.fs, "/home/deploy/.ssh/authorized_keys")
	require.NoError(t, err)
	assert.Equal(t, "ssh-ed25519 AAAA admin\n", string(keys))
	info, err := f.fs.Stat("/home/deploy/.ssh/authorized_keys")
	require.NoError(t, err)
	assert.Equal(t, "-rw-------", info.Mode().Perm().String())

	sudoers, err := afero.ReadFile(f.fs, "/etc/sudoers.d/90-deploy")
	require.NoError(t, err)
	assert.Equal(t, "deploy ALL=(ALL) NOPASSWD:ALL\n", string(sudoers))
	info, err = f.fs.Stat("/etc/sudoers.d/90-deploy")
	require.NoError(t, err)
	assert.Equal(t, "-r--r-----", info.Mode().Perm().String())

	// Ordering: the user exists before its keys are chowned, the runtime
	// before the docker group membership.
	assert.Less(t, f.runner.Index("useradd"), f.runner.Index("chown -R deploy:deploy /home/deploy/.ssh"))
	assert.Less(t, f.runner.Index("apt-get install"), f.runner.Index("usermod"))
	f.attacher.AssertExpectations(t)
	f.scheduler.AssertExpectations(t)
}

func TestRunRoot_SecondRunChangesNothing(t *testing.T) {
	f := newFixture(t)
	f.attacher.On("Attach", mock.Anything, "vol-1", "/mnt/data").Return(&model.MountRecord{}, nil).Twice()
	f.scheduler.On("Install", mock.Anything).Return(&model.RenewalSchedule{}, nil).Twice()

	require.NoError(t, f.mgr.RunRoot(context.Background()))
	require.NoError(t, f.mgr.RunRoot(context.Background()))

	assert.Equal(t, 1, f.runner.Count("useradd"))
	assert.Equal(t, 1, f.runner.Count("apt-get install"))
	assert.Equal(t, 1, f.runner.Count("usermod"))
	assert.Equal(t, 1, f.runner.Count("visudo"))
	assert.Equal(t, 1, f.runner.Count("chown -R deploy:deploy /home/deploy/.ssh"))
}

func TestRunRoot_RequiresRoot(t *testing.T) {
	f := newFixture(t)
	f.mgr.euid = func() int { return 1000 }

	err := f.mgr.RunRoot(context.Background())
	var pe *model.PreconditionError
	require.ErrorAs(t, err, &pe)
	assert.Empty(t, f.runner.Calls())
}

func TestRunRoot_MissingAppDir(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.fs.RemoveAll("/opt/app"))

	err := f.mgr.RunRoot(context.Background())
	var pe *model.PreconditionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "/opt/app", pe.Resource)
}

func TestRunRoot_NoDeviceSkipsAttach(t *testing.T) {
	f := newFixture(t)
	f.mgr.cfg.DeviceID = ""
	f.scheduler.On("Install", mock.Anything).Return(&model.RenewalSchedule{}, nil)

	require.NoError(t, f.mgr.RunRoot(context.Background()))

	f.attacher.AssertNotCalled(t, "Attach", mock.Anything, mock.Anything, mock.Anything)
	ok, err := afero.DirExists(f.fs, "/mnt/data")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunRoot_AttachFailureStops(t *testing.T) {
	f := newFixture(t)
	f.attacher.On("Attach", mock.Anything, "vol-1", "/mnt/data").
		Return(nil, &model.TimeoutError{Operation: "device", Attempts: 90})

	err := f.mgr.RunRoot(context.Background())
	var te *model.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Zero(t, f.runner.Count("useradd"))
	f.scheduler.AssertNotCalled(t, "Install", mock.Anything)
}

func TestRunRoot_InvalidSudoersIsRemoved(t *testing.T) {
	f := newFixture(t)
	f.attacher.On("Attach", mock.Anything, mock.Anything, mock.Anything).Return(&model.MountRecord{}, nil)
	f.runner.On("visudo", testutil.Response{Output: "parse error", ExitCode: 1})

	err := f.mgr.RunRoot(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "grant sudo")

	for _, p := range []string{"/etc/sudoers.d/90-deploy", "/etc/sudoers.d/.90-deploy.tmp"} {
		ok, err := afero.Exists(f.fs, p)
		require.NoError(t, err)
		assert.False(t, ok, p)
	}
}

func TestRunRoot_RuntimePresentSkipsInstall(t *testing.T) {
	f := newFixture(t)
	f.attacher.On("Attach", mock.Anything, mock.Anything, mock.Anything).Return(&model.MountRecord{}, nil)
	f.scheduler.On("Install", mock.Anything).Return(&model.RenewalSchedule{}, nil)
	f.runner.On("docker compose version", testutil.Response{Output: "Docker Compose version v2.27.0"})

	require.NoError(t, f.mgr.RunRoot(context.Background()))
	assert.Zero(t, f.runner.Count("apt-get"))
}

func TestRunRoot_ScheduleFailure(t *testing.T) {
	f := newFixture(t)
	f.attacher.On("Attach", mock.Anything, mock.Anything, mock.Anything).Return(&model.MountRecord{}, nil)
	f.scheduler.On("Install", mock.Anything).Return(nil, errors.New("systemctl: exit status 1"))

	err := f.mgr.RunRoot(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "install renewal schedule")
}

func TestHandOff(t *testing.T) {
	f := newFixture(t)
	f.spawner.code = 4

	code, err := f.mgr.HandOff(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, code, "child exit status is propagated")

	require.Len(t, f.spawner.cmds, 1)
	cmd := f.spawner.cmds[0]
	assert.Equal(t, Credential{UID: 1000, GID: 1000, Groups: []uint32{1000, 998}}, cmd.Credential)
	assert.Equal(t, "/home/deploy", cmd.Dir)
	assert.Equal(t, []string{"provision", "--phase=user"}, cmd.Args[:2])
	assert.Contains(t, cmd.Args, "--deploy-user=deploy")
	assert.Contains(t, cmd.Env, "HOME=/home/deploy")
	assert.Contains(t, cmd.Env, "USER=deploy")
	assert.Contains(t, cmd.Env, "PATH="+restrictedPath)
	assert.Len(t, cmd.Env, 4)
}

func TestHandOff_UnknownUser(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, afero.WriteFile(f.fs, "/etc/sudoers.d/90-deploy", []byte("deploy ALL=(ALL) NOPASSWD:ALL\n"), 0o440))
	f.runner.On("id -u deploy", testutil.Response{Output: "id: 'deploy': no such user", ExitCode: 1})

	_, err := f.mgr.HandOff(context.Background())
	require.Error(t, err)
	assert.Empty(t, f.spawner.cmds)
	ok, err := afero.Exists(f.fs, "/etc/sudoers.d/90-deploy")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHandOff_RevokesSudo(t *testing.T) {
	for _, tc := range []struct {
		name string
		code int
		err  error
	}{
		{"child succeeded", 0, nil},
		{"child failed", 4, nil},
		{"spawn failed", 1, errors.New("start user phase: permission denied")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.attacher.On("Attach", mock.Anything, mock.Anything, mock.Anything).Return(&model.MountRecord{}, nil)
			f.scheduler.On("Install", mock.Anything).Return(&model.RenewalSchedule{}, nil)
			f.spawner.code, f.spawner.err = tc.code, tc.err

			require.NoError(t, f.mgr.RunRoot(context.Background()))
			ok, err := afero.Exists(f.fs, "/etc/sudoers.d/90-deploy")
			require.NoError(t, err)
			require.True(t, ok, "granted during the root phase")

			code, err := f.mgr.HandOff(context.Background())
			assert.Equal(t, tc.code, code)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
			} else {
				assert.NoError(t, err)
			}

			ok, err = afero.Exists(f.fs, "/etc/sudoers.d/90-deploy")
			require.NoError(t, err)
			assert.False(t, ok, "revoked after the user phase")
		})
	}
}
