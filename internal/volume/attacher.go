// Package volume attaches the data volume: it waits for the block device,
// formats it when blank, registers it in fstab and mounts it.
package volume

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/edvin/stackboot/internal/hostexec"
	"github.com/edvin/stackboot/internal/model"
	"github.com/edvin/stackboot/internal/poll"
)

const (
	fsType       = "ext4"
	mountOptions = "defaults,nofail,discard,noatime"

	// blkid -p exits 2 when no recognisable signature was found.
	blkidNothingFound = 2
)

// Options configures where devices are found and how long to wait for them.
type Options struct {
	PathTemplate string
	PollInterval time.Duration
	PollAttempts int
	FstabPath    string
	MountsPath   string
}

func (o *Options) setDefaults() {
	if o.PathTemplate == "" {
		o.PathTemplate = "/dev/disk/by-id/scsi-0DO_Volume_%s"
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.PollAttempts <= 0 {
		o.PollAttempts = 90
	}
	if o.FstabPath == "" {
		o.FstabPath = "/etc/fstab"
	}
	if o.MountsPath == "" {
		o.MountsPath = "/proc/mounts"
	}
}

// Attacher prepares a block device as a persistent mount.
type Attacher struct {
	fs     afero.Fs
	runner hostexec.Runner
	logger zerolog.Logger
	opts   Options
}

// NewAttacher creates a new Attacher.
func NewAttacher(fs afero.Fs, runner hostexec.Runner, logger zerolog.Logger, opts Options) *Attacher {
	opts.setDefaults()
	return &Attacher{
		fs:     fs,
		runner: runner,
		logger: logger.With().Str("component", "volume").Logger(),
		opts:   opts,
	}
}

// DevicePath resolves a device id to its block device path. Absolute paths
// are returned unchanged.
func (a *Attacher) DevicePath(deviceID string) string {
	if filepath.IsAbs(deviceID) {
		return deviceID
	}
	return fmt.Sprintf(a.opts.PathTemplate, deviceID)
}

// Attach waits for the device, formats it if it carries no filesystem,
// registers it in fstab at most once and mounts it at mountPath. Every step
// is safe to repeat.
func (a *Attacher) Attach(ctx context.Context, deviceID, mountPath string) (*model.MountRecord, error) {
	dev := model.Device{ID: deviceID, Path: a.DevicePath(deviceID)}
	log := a.logger.With().Str("device", dev.Path).Str("mount", mountPath).Logger()

	if err := a.waitForDevice(ctx, &dev); err != nil {
		return nil, err
	}

	fstype, err := a.probe(ctx, dev.Path)
	if err != nil {
		return nil, err
	}
	if fstype == "" {
		log.Info().Msg("no filesystem on device, formatting")
		if _, err := a.runner.Run(ctx, "mkfs."+fsType, "-F", dev.Path); err != nil {
			return nil, fmt.Errorf("format %s: %w", dev.Path, err)
		}
		fstype = fsType
	} else {
		log.Debug().Str("fstype", fstype).Msg("filesystem present, not formatting")
	}
	dev.FilesystemPresent = true
	dev.FSType = fstype

	if err := a.ensureFstab(dev.Path, mountPath, fstype); err != nil {
		return nil, err
	}

	if err := a.fs.MkdirAll(mountPath, 0o755); err != nil {
		return nil, fmt.Errorf("create mount point %s: %w", mountPath, err)
	}
	if _, err := a.runner.Run(ctx, "mount", "-a"); err != nil {
		return nil, fmt.Errorf("mount -a: %w", err)
	}

	mounted, err := a.isMounted(mountPath)
	if err != nil {
		return nil, err
	}
	if !mounted {
		return nil, &model.PreconditionError{Resource: mountPath, Detail: "not present in " + a.opts.MountsPath + " after mount -a"}
	}

	log.Info().Msg("volume attached")
	return &model.MountRecord{
		DeviceID:   deviceID,
		DevicePath: dev.Path,
		MountPath:  mountPath,
		FSType:     fstype,
		Options:    mountOptions,
	}, nil
}

func (a *Attacher) waitForDevice(ctx context.Context, dev *model.Device) error {
	_, err := poll.Until(ctx, "device "+dev.Path, a.opts.PollInterval, a.opts.PollAttempts, func(context.Context) (struct{}, error) {
		if _, err := a.fs.Stat(dev.Path); err != nil {
			if os.IsNotExist(err) {
				return struct{}{}, poll.ErrNotReady
			}
			return struct{}{}, poll.Permanent(fmt.Errorf("stat %s: %w", dev.Path, err))
		}
		return struct{}{}, nil
	})
	if err != nil {
		return err
	}
	dev.Present = true
	return nil
}

// probe returns the filesystem type on the device, or "" when there is none.
func (a *Attacher) probe(ctx context.Context, devPath string) (string, error) {
	out, err := a.runner.Run(ctx, "blkid", "-p", "-o", "value", "-s", "TYPE", devPath)
	if err != nil {
		if hostexec.ExitCode(err) == blkidNothingFound {
			return "", nil
		}
		return "", fmt.Errorf("probe %s: %w", devPath, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// FstabLine renders the persistent mount entry for a device.
func FstabLine(devPath, mountPath, fstype string) string {
	return strings.Join([]string{devPath, mountPath, fstype, mountOptions, "0", "2"}, " ")
}

func (a *Attacher) ensureFstab(devPath, mountPath, fstype string) error {
	want := FstabLine(devPath, mountPath, fstype)

	data, err := afero.ReadFile(a.fs, a.opts.FstabPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", a.opts.FstabPath, err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") || fields[0] != devPath {
			continue
		}
		if strings.Join(fields, " ") != want {
			v := &model.IdempotencyViolation{Resource: a.opts.FstabPath, Detail: fmt.Sprintf("entry for %s differs: %q", devPath, scanner.Text())}
			a.logger.Warn().Err(v).Msg("leaving existing fstab entry untouched")
		}
		return nil
	}

	if len(data) > 0 && data[len(data)-1] != '\n' {
		data = append(data, '\n')
	}
	data = append(data, want+"\n"...)

	tmp := a.opts.FstabPath + ".stackboot.tmp"
	if err := afero.WriteFile(a.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := a.fs.Rename(tmp, a.opts.FstabPath); err != nil {
		return fmt.Errorf("replace %s: %w", a.opts.FstabPath, err)
	}
	a.logger.Info().Str("entry", want).Msg("fstab entry added")
	return nil
}

func (a *Attacher) isMounted(mountPath string) (bool, error) {
	f, err := a.fs.Open(a.opts.MountsPath)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", a.opts.MountsPath, err)
	}
	defer f.Close()

	want := filepath.Clean(mountPath)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[1] == want {
			return true, nil
		}
	}
	return false, scanner.Err()
}
