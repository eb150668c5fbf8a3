package renewal

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/stackboot/internal/model"
)

// Renewer renews the installed certificate.
type Renewer interface {
	Renew(ctx context.Context) (*model.Certificate, error)
}

// Lease hands the validation port to the CA client and back.
type Lease interface {
	Acquire(ctx context.Context) error
	Held() bool
	Restore(ctx context.Context) error
	Release() error
}

// Job is one renewal run.
type Job struct {
	lease   Lease
	renewer Renewer
	metrics *Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// NewJob creates a new Job. metrics may be nil.
func NewJob(lease Lease, renewer Renewer, metrics *Metrics, logger zerolog.Logger) *Job {
	return &Job{
		lease:   lease,
		renewer: renewer,
		metrics: metrics,
		logger:  logger.With().Str("component", "renewal-job").Logger(),
		now:     time.Now,
	}
}

// Run leases the port, renews, and always restores the proxy afterwards.
// A failed renewal is returned as *model.RenewalError and leaves the
// installed certificate in place. Failing to take the lock or to restore
// the proxy is returned as is.
func (j *Job) Run(ctx context.Context) error {
	started := j.now()

	leaseErr := j.lease.Acquire(ctx)
	if leaseErr != nil && !j.lease.Held() {
		j.logger.Error().Err(leaseErr).Msg("could not take the host lock, renewal skipped")
		return leaseErr
	}

	var (
		cert     *model.Certificate
		renewErr error
	)
	if leaseErr == nil {
		cert, renewErr = j.renewer.Renew(ctx)
	} else {
		renewErr = &model.RenewalError{Err: leaseErr}
	}

	// The proxy comes back even when ctx was cancelled mid-renewal.
	restoreErr := j.lease.Restore(context.WithoutCancel(ctx))
	releaseErr := j.lease.Release()

	j.metrics.Record(cert, renewErr == nil, started)

	if restoreErr != nil {
		j.logger.Error().Err(restoreErr).Msg("failed to restore proxy after renewal")
		return errors.Join(restoreErr, renewErr, releaseErr)
	}
	if releaseErr != nil {
		j.logger.Warn().Err(releaseErr).Msg("failed to release host lock")
	}
	if renewErr != nil {
		j.logger.Error().Err(renewErr).Msg("renewal failed, keeping installed certificate")
		return renewErr
	}

	j.logger.Info().Time("not_after", cert.ExpiresAt).Dur("took", j.now().Sub(started)).Msg("renewal complete")
	return nil
}
