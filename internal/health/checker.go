// Package health waits for the launched stack to answer: HTTP endpoints and
// the database container.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/stackboot/internal/deployer"
	"github.com/edvin/stackboot/internal/poll"
)

// Checker polls stack components until they report healthy.
type Checker struct {
	docker   deployer.Deployer
	client   *http.Client
	project  string
	interval time.Duration
	attempts int
	logger   zerolog.Logger
}

// NewChecker creates a new Checker. attempts bounds every individual wait.
func NewChecker(docker deployer.Deployer, project string, interval time.Duration, attempts int, logger zerolog.Logger) *Checker {
	return &Checker{
		docker:   docker,
		client:   &http.Client{Timeout: 5 * time.Second},
		project:  project,
		interval: interval,
		attempts: attempts,
		logger:   logger.With().Str("component", "health").Logger(),
	}
}

// WaitHTTP waits for url to answer 200 or 404. A 404 still proves the
// application server is up and routing.
func (c *Checker) WaitHTTP(ctx context.Context, url string) error {
	_, err := poll.Until(ctx, "http "+url, c.interval, c.attempts, func(ctx context.Context) (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return 0, poll.Permanent(err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return 0, err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNotFound {
			return resp.StatusCode, nil
		}
		return 0, fmt.Errorf("HTTP %d", resp.StatusCode)
	})
	if err == nil {
		c.logger.Info().Str("url", url).Msg("endpoint healthy")
	}
	return err
}

// WaitDatabase waits for pg_isready to succeed inside the service's container.
func (c *Checker) WaitDatabase(ctx context.Context, service, user string) error {
	cmd := []string{"pg_isready", "-U", user}
	_, err := poll.Until(ctx, "database "+service, c.interval, c.attempts, func(ctx context.Context) (int, error) {
		res, err := c.docker.ExecInService(ctx, c.project, service, cmd)
		if err != nil {
			return 0, err
		}
		if res.ExitCode != 0 {
			return 0, fmt.Errorf("pg_isready exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stdout+res.Stderr))
		}
		return 0, nil
	})
	if err == nil {
		c.logger.Info().Str("service", service).Msg("database healthy")
	}
	return err
}

// WaitAll runs every configured wait and joins their failures. An empty
// dbService skips the database check.
func (c *Checker) WaitAll(ctx context.Context, urls []string, dbService, dbUser string) error {
	if c.attempts == 0 {
		return nil
	}
	var errs []error
	if dbService != "" {
		if err := c.WaitDatabase(ctx, dbService, dbUser); err != nil {
			errs = append(errs, err)
		}
	}
	for _, u := range urls {
		if err := c.WaitHTTP(ctx, u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
