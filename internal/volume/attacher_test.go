package volume

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/stackboot/internal/model"
	"github.com/edvin/stackboot/internal/testutil"
)

const testDev = "/dev/disk/by-id/scsi-0DO_Volume_vol-1"

// fakeHost models a blank block device that gets a filesystem once mkfs runs
// and shows up in /proc/mounts once mount -a runs.
func fakeHost(t *testing.T, fs afero.Fs) *testutil.FakeRunner {
	t.Helper()
	formatted := false
	require.NoError(t, afero.WriteFile(fs, "/proc/mounts", []byte("/dev/vda1 / ext4 rw 0 0\n"), 0o444))

	return testutil.NewFakeRunner().
		OnFunc("blkid", func(string) testutil.Response {
			if !formatted {
				return testutil.Response{ExitCode: 2}
			}
			return testutil.Response{Output: "ext4\n"}
		}).
		OnFunc("mkfs.ext4", func(string) testutil.Response {
			formatted = true
			return testutil.Response{}
		}).
		OnFunc("mount -a", func(string) testutil.Response {
			data, _ := afero.ReadFile(fs, "/proc/mounts")
			if !strings.Contains(string(data), " /mnt/data ") {
				data = append(data, testDev+" /mnt/data ext4 rw,noatime 0 0\n"...)
				_ = afero.WriteFile(fs, "/proc/mounts", data, 0o444)
			}
			return testutil.Response{}
		})
}

func newTestAttacher(fs afero.Fs, runner *testutil.FakeRunner) *Attacher {
	return NewAttacher(fs, runner, zerolog.Nop(), Options{PollInterval: time.Millisecond, PollAttempts: 5})
}

func TestAttach_BlankVolumeTwice(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, testDev, nil, 0o660))
	require.NoError(t, afero.WriteFile(fs, "/etc/fstab", []byte("LABEL=root / ext4 defaults 0 1\n"), 0o644))
	runner := fakeHost(t, fs)
	a := newTestAttacher(fs, runner)

	for i := 0; i < 2; i++ {
		rec, err := a.Attach(context.Background(), "vol-1", "/mnt/data")
		require.NoError(t, err)
		assert.Equal(t, testDev, rec.DevicePath)
		assert.Equal(t, "/mnt/data", rec.MountPath)
		assert.Equal(t, "ext4", rec.FSType)
	}

	assert.Equal(t, 1, runner.Count("mkfs.ext4"), "formatted exactly once")

	fstab, err := afero.ReadFile(fs, "/etc/fstab")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(fstab), testDev))
	assert.Contains(t, string(fstab), testDev+" /mnt/data ext4 defaults,nofail,discard,noatime 0 2\n")
	assert.True(t, strings.HasPrefix(string(fstab), "LABEL=root / ext4 defaults 0 1\n"))

	exists, err := afero.DirExists(fs, "/mnt/data")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestAttach_ExistingFilesystemNotFormatted(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, testDev, nil, 0o660))
	runner := fakeHost(t, fs).On("blkid", testutil.Response{Output: "xfs\n"})

	rec, err := newTestAttacher(fs, runner).Attach(context.Background(), "vol-1", "/mnt/data")
	require.NoError(t, err)
	assert.Equal(t, "xfs", rec.FSType)
	assert.Zero(t, runner.Count("mkfs"))
}

func TestAttach_DeviceNeverAppears(t *testing.T) {
	fs := afero.NewMemMapFs()
	runner := fakeHost(t, fs)

	start := time.Now()
	_, err := newTestAttacher(fs, runner).Attach(context.Background(), "vol-1", "/mnt/data")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	var te *model.TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 5, te.Attempts)
	assert.Empty(t, runner.Calls(), "nothing runs before the device exists")
}

func TestAttach_DeviceAppearsLate(t *testing.T) {
	fs := afero.NewMemMapFs()
	runner := fakeHost(t, fs)
	a := NewAttacher(fs, runner, zerolog.Nop(), Options{PollInterval: 5 * time.Millisecond, PollAttempts: 200})

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = afero.WriteFile(fs, testDev, nil, 0o660)
	}()

	rec, err := a.Attach(context.Background(), "vol-1", "/mnt/data")
	require.NoError(t, err)
	assert.Equal(t, "vol-1", rec.DeviceID)
}

func TestAttach_ConflictingFstabEntryLeftUntouched(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, testDev, nil, 0o660))
	existing := testDev + " /mnt/data ext4 defaults 0 0\n"
	require.NoError(t, afero.WriteFile(fs, "/etc/fstab", []byte(existing), 0o644))

	_, err := newTestAttacher(fs, fakeHost(t, fs)).Attach(context.Background(), "vol-1", "/mnt/data")
	require.NoError(t, err)

	fstab, err := afero.ReadFile(fs, "/etc/fstab")
	require.NoError(t, err)
	assert.Equal(t, existing, string(fstab))
}

func TestAttach_NotMountedIsPrecondition(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, testDev, nil, 0o660))
	runner := fakeHost(t, fs).On("mount -a", testutil.Response{})

	_, err := newTestAttacher(fs, runner).Attach(context.Background(), "vol-1", "/mnt/data")
	var pe *model.PreconditionError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "/mnt/data", pe.Resource)
}

func TestAttach_ProbeFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, testDev, nil, 0o660))
	runner := fakeHost(t, fs).On("blkid", testutil.Response{ExitCode: 4, Output: "usage"})

	_, err := newTestAttacher(fs, runner).Attach(context.Background(), "vol-1", "/mnt/data")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "probe")
	assert.Zero(t, runner.Count("mkfs"))
}

func TestDevicePath(t *testing.T) {
	a := newTestAttacher(afero.NewMemMapFs(), testutil.NewFakeRunner())
	assert.Equal(t, testDev, a.DevicePath("vol-1"))
	assert.Equal(t, "/dev/sdb", a.DevicePath("/dev/sdb"))
}
