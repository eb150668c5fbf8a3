package privilege

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// Credential is the identity a child process runs as.
type Credential struct {
	UID    uint32
	GID    uint32
	Groups []uint32
}

// Command describes a re-execution of the current binary.
type Command struct {
	Credential Credential
	Env        []string
	Args       []string
	Dir        string
}

// Spawner starts the restricted child and waits for it.
type Spawner interface {
	Spawn(ctx context.Context, cmd Command) (int, error)
}

// ExecSpawner re-executes /proc/self/exe with dropped credentials.
type ExecSpawner struct{}

func (ExecSpawner) Spawn(ctx context.Context, c Command) (int, error) {
	cmd := exec.CommandContext(ctx, "/proc/self/exe", c.Args...)
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{
			Uid:    c.Credential.UID,
			Gid:    c.Credential.GID,
			Groups: c.Credential.Groups,
		},
	}

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 1, fmt.Errorf("start user phase: %w", err)
}
