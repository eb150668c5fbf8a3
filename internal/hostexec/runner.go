// Package hostexec runs host commands. Everything that shells out to system
// tooling (blkid, mount, useradd, systemctl, docker compose) goes through a
// Runner so the provisioning steps can be exercised without a real host.
package hostexec

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// Runner executes a command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExitError is returned when a command ran but exited non-zero.
type ExitError struct {
	Cmd    string
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("%s: exit status %d", e.Cmd, e.Code)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Cmd, e.Code, out)
}

// ExitCode returns the exit code carried by err, or -1 when err is not an
// ExitError (command not found, context cancelled).
func ExitCode(err error) int {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return -1
}

// ExecRunner implements Runner with os/exec.
type ExecRunner struct {
	logger zerolog.Logger
}

// NewExecRunner creates a new ExecRunner.
func NewExecRunner(logger zerolog.Logger) *ExecRunner {
	return &ExecRunner{logger: logger.With().Str("component", "exec").Logger()}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	r.logger.Debug().Strs("cmd", cmd.Args).Msg("executing")
	output, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return output, &ExitError{Cmd: name + " " + strings.Join(args, " "), Code: exitErr.ExitCode(), Output: string(output)}
		}
		return output, fmt.Errorf("%s: %w", name, err)
	}
	return output, nil
}
