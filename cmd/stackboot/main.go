// Command stackboot brings a single host from a fresh machine to a running,
// TLS-terminated application stack and keeps its certificate renewed.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/edvin/stackboot/internal/config"
	"github.com/edvin/stackboot/internal/logging"
	"github.com/edvin/stackboot/internal/metrics"
	"github.com/edvin/stackboot/internal/provision"
	"github.com/edvin/stackboot/internal/renewal"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newApp().RunContext(ctx, os.Args)
	code := exitCode(err)
	if err != nil {
		if msg := diagnostic(err); msg != "" {
			fmt.Fprintln(os.Stderr, "stackboot: "+msg)
		}
	}
	stop()
	os.Exit(code)
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "stackboot",
		Usage: "provision a single host and keep its certificate renewed",
		Commands: []*cli.Command{
			{
				Name:  "provision",
				Usage: "run the root phase, then the user phase as the deploy user",
				Flags: append(config.Flags(), &cli.StringFlag{
					Name:  "phase",
					Usage: "root or user",
					Value: "root",
				}),
				Action: provisionAction,
			},
			{
				Name:   "renew",
				Usage:  "renew the installed certificate once",
				Flags:  config.Flags(),
				Action: renewAction,
			},
			{
				Name:   "renew-daemon",
				Usage:  "renew on the configured schedule without systemd",
				Flags:  config.Flags(),
				Action: renewDaemonAction,
			},
			{
				Name:  "schedule",
				Usage: "manage the renewal timer",
				Subcommands: []*cli.Command{
					{
						Name:   "install",
						Usage:  "install and enable the renewal timer",
						Flags:  config.Flags(),
						Action: scheduleAction(true),
					},
					{
						Name:   "disable",
						Usage:  "stop and disable the renewal timer",
						Flags:  config.Flags(),
						Action: scheduleAction(false),
					},
				},
			},
			{
				Name:   "status",
				Usage:  "show certificate, environment and stack state",
				Flags:  config.Flags(),
				Action: statusAction,
			},
		},
		ExitErrHandler: func(*cli.Context, error) {},
	}
}

// setup parses the configuration and builds the components for one command.
func setup(cCtx *cli.Context, phase string) (*components, error) {
	cfg, err := config.FromContext(cCtx)
	if err != nil {
		return nil, err
	}
	logger := logging.NewLogger(cfg, phase)
	return build(cfg, logger)
}

func provisionAction(cCtx *cli.Context) error {
	phase := cCtx.String("phase")
	if phase != "root" && phase != "user" {
		return fmt.Errorf("unknown phase %q", phase)
	}
	c, err := setup(cCtx, phase)
	if err != nil {
		return err
	}

	if phase == "user" {
		_, err := c.userPhase().Run(cCtx.Context)
		return logResult(c.logger, "user phase", err)
	}

	mgr, err := c.privilege()
	if err != nil {
		return err
	}
	if err := mgr.RunRoot(cCtx.Context); err != nil {
		return logResult(c.logger, "root phase", err)
	}
	code, err := mgr.HandOff(cCtx.Context)
	if err != nil {
		return logResult(c.logger, "hand-off", err)
	}
	if code != 0 {
		return childExit(code)
	}
	return nil
}

func renewAction(cCtx *cli.Context) error {
	c, err := setup(cCtx, "renew")
	if err != nil {
		return err
	}
	job := c.renewalJob(renewal.NewMetrics(c.cfg.MetricsTextfile, c.logger))
	return logResult(c.logger, "renewal", job.Run(cCtx.Context))
}

func renewDaemonAction(cCtx *cli.Context) error {
	c, err := setup(cCtx, "renew-daemon")
	if err != nil {
		return err
	}
	m := renewal.NewMetrics(c.cfg.MetricsTextfile, c.logger)
	if c.cfg.MetricsAddr != "" {
		go metrics.Serve(cCtx.Context, metrics.NewServer(c.cfg.MetricsAddr, m.Gatherer()), c.logger)
	}
	return renewal.NewDaemon(c.cfg.RenewalSchedule, c.renewalJob(m), c.logger).Run(cCtx.Context)
}

func scheduleAction(enable bool) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		c, err := setup(cCtx, "schedule")
		if err != nil {
			return err
		}
		sched, err := c.scheduler()
		if err != nil {
			return err
		}
		if enable {
			s, err := sched.Install(cCtx.Context)
			if err != nil {
				return err
			}
			fmt.Fprintf(cCtx.App.Writer, "renewal timer enabled: %s (every %s at most)\n", s.Calendar, s.Period)
			return nil
		}
		if _, err := sched.Disable(cCtx.Context); err != nil {
			return err
		}
		fmt.Fprintln(cCtx.App.Writer, "renewal timer disabled")
		return nil
	}
}

func statusAction(cCtx *cli.Context) error {
	c, err := setup(cCtx, "status")
	if err != nil {
		return err
	}
	return provision.CollectStatus(cCtx.Context, c.status()).Write(cCtx.App.Writer, time.Now())
}

func logResult(logger zerolog.Logger, what string, err error) error {
	if err != nil {
		logger.Error().Err(err).Msg(what + " failed")
	}
	return err
}
