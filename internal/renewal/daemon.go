package renewal

import (
	"context"
	"sync"

	"github.com/robfig/cron"
	"github.com/rs/zerolog"
)

// Runner is anything that performs one renewal run.
type Runner interface {
	Run(ctx context.Context) error
}

// Daemon runs renewals on the schedule in-process, for hosts where no
// systemd timer can be installed.
type Daemon struct {
	spec   string
	job    Runner
	logger zerolog.Logger

	mu      sync.Mutex
	running bool
}

// NewDaemon creates a new Daemon.
func NewDaemon(spec string, job Runner, logger zerolog.Logger) *Daemon {
	return &Daemon{spec: spec, job: job, logger: logger.With().Str("component", "renewal-daemon").Logger()}
}

// Run blocks until ctx is done. One run happens immediately, mirroring a
// persistent timer catching up after downtime.
func (d *Daemon) Run(ctx context.Context) error {
	sched, cs, err := ParseSchedule(d.spec)
	if err != nil {
		return err
	}

	c := cron.New()
	c.Schedule(cs, cron.FuncJob(func() { d.fire(ctx) }))
	c.Start()
	defer c.Stop()

	d.logger.Info().Str("schedule", sched.Spec).Dur("period", sched.Period).Msg("renewal daemon started")
	d.fire(ctx)

	<-ctx.Done()
	d.logger.Info().Msg("renewal daemon stopping")
	return nil
}

// fire runs the job unless a previous run is still in progress.
func (d *Daemon) fire(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		d.logger.Warn().Msg("previous renewal still running, skipping")
		return
	}
	d.running = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	if ctx.Err() != nil {
		return
	}
	if err := d.job.Run(ctx); err != nil {
		d.logger.Error().Err(err).Msg("scheduled renewal failed")
	}
}
