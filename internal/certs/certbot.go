package certs

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/edvin/stackboot/internal/deployer"
)

// stateMount is where the state directory appears inside the CA client
// container.
const stateMount = "/etc/letsencrypt"

// errorTailLines bounds the log excerpt carried by a CA client failure.
const errorTailLines = 20

// CertbotOptions configures the containerized certbot client.
type CertbotOptions struct {
	Image        string
	StateDir     string
	CertName     string
	Profile      string
	Email        string
	DirectoryURL string
	// HostPort is the host port published to the container's port 80.
	HostPort int
	// User is the uid:gid the container runs as.
	User string
}

// CertbotClient runs certbot in standalone mode as a one-shot container.
// Account and lineage state live in the bind-mounted state directory.
type CertbotClient struct {
	deployer deployer.Deployer
	fs       afero.Fs
	opts     CertbotOptions
	logger   zerolog.Logger
}

// NewCertbotClient creates a new CertbotClient.
func NewCertbotClient(d deployer.Deployer, fs afero.Fs, opts CertbotOptions, logger zerolog.Logger) *CertbotClient {
	if opts.HostPort == 0 {
		opts.HostPort = 80
	}
	return &CertbotClient{
		deployer: d,
		fs:       fs,
		opts:     opts,
		logger:   logger.With().Str("component", "certbot").Logger(),
	}
}

// LineagePaths returns where certbot keeps the current lineage on the host.
func (c *CertbotClient) LineagePaths() Paths {
	return PathsIn(filepath.Join(c.opts.StateDir, "live", c.opts.CertName))
}

func (c *CertbotClient) Obtain(ctx context.Context, subject string) (*Bundle, error) {
	args := []string{"certonly", "--standalone", "--keep-until-expiring"}
	if c.opts.Profile != "" {
		args = append(args, "--preferred-profile", c.opts.Profile)
	}
	if IsIP(subject) {
		args = append(args, "--ip-address", subject)
	} else {
		args = append(args, "-d", subject)
	}
	args = append(args, "--cert-name", c.opts.CertName)
	return c.run(ctx, args)
}

func (c *CertbotClient) Renew(ctx context.Context) (*Bundle, error) {
	return c.run(ctx, []string{"renew"})
}

func (c *CertbotClient) run(ctx context.Context, args []string) (*Bundle, error) {
	cmd := append(append([]string{}, args...), c.commonArgs()...)
	name := "stackboot-certbot-" + uuid.NewString()[:8]

	res, err := c.deployer.RunOnce(ctx, deployer.ContainerOpts{
		Name:    name,
		Image:   c.opts.Image,
		Cmd:     cmd,
		Volumes: []string{c.opts.StateDir + ":" + stateMount},
		Ports:   []deployer.PortMapping{{Host: c.opts.HostPort, Container: 80}},
		User:    c.opts.User,
	})
	if err != nil {
		return nil, fmt.Errorf("run certbot %s: %w", args[0], err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("certbot %s exited with status %d: %s", args[0], res.ExitCode, tail(res.Stderr+res.Stdout, errorTailLines))
	}
	c.logger.Debug().Str("action", args[0]).Msg("certbot finished")

	// A zero exit status without a usable lineage is still a failure.
	paths := c.LineagePaths()
	ok, err := Installed(c.fs, paths)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("certbot %s exited 0 but lineage %s is missing or empty", args[0], filepath.Dir(paths.Fullchain))
	}
	return ReadBundle(c.fs, paths)
}

func (c *CertbotClient) commonArgs() []string {
	args := []string{
		"--non-interactive",
		"--agree-tos",
		"--config-dir", stateMount,
		"--work-dir", stateMount + "/work",
		"--logs-dir", stateMount + "/logs",
	}
	if c.opts.DirectoryURL != "" {
		args = append(args, "--server", c.opts.DirectoryURL)
	}
	if c.opts.Email != "" {
		args = append(args, "--email", c.opts.Email)
	} else {
		args = append(args, "--register-unsafely-without-email")
	}
	return args
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
