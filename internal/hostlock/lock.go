// Package hostlock serializes certificate mutations between the boot-time
// provisioning run and timer-driven renewals on the same host.
package hostlock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/edvin/stackboot/internal/model"
)

const retryDelay = 250 * time.Millisecond

// Lock is an exclusive advisory lock on a file.
type Lock struct {
	path    string
	timeout time.Duration
	fl      *flock.Flock
	logger  zerolog.Logger
}

// New creates a new Lock. Acquire waits at most timeout.
func New(path string, timeout time.Duration, logger zerolog.Logger) *Lock {
	return &Lock{
		path:    path,
		timeout: timeout,
		fl:      flock.New(path),
		logger:  logger.With().Str("component", "hostlock").Str("lock", path).Logger(),
	}
}

// Acquire takes the lock, waiting up to the configured timeout.
func (l *Lock) Acquire(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	start := time.Now()
	ok, err := l.fl.TryLockContext(ctx, retryDelay)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("lock %s: %w", l.path, err)
	}
	if !ok {
		return &model.TimeoutError{
			Operation: "lock " + l.path,
			Attempts:  int(l.timeout / retryDelay),
			Interval:  retryDelay,
			Err:       err,
		}
	}
	l.logger.Debug().Dur("waited", time.Since(start)).Msg("lock acquired")
	return nil
}

// Release drops the lock.
func (l *Lock) Release() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	l.logger.Debug().Msg("lock released")
	return nil
}
