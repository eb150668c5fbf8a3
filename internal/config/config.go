package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ServiceName string
	LogLevel    string `validate:"oneof=trace debug info warn error"`

	// DeployUser is the restricted identity the user phase runs as.
	DeployUser string `validate:"required,max=32,excludesall=: /"`
	MountRoot  string `validate:"required,startswith=/"`
	AppDir     string `validate:"required,startswith=/"`
	EnvFile    string `validate:"required,startswith=/"`
	CertDir    string `validate:"required,startswith=/"`
	// StateDir holds the CA client's account and lineage state. It lives on
	// the mounted volume so it survives host re-creation.
	StateDir string `validate:"required,startswith=/"`

	CAClient         string `validate:"oneof=certbot acme"`
	CAClientImage    string `validate:"required"`
	ACMEDirectoryURL string `validate:"required,url"`
	ACMEEmail        string `validate:"omitempty,email"`
	CertProfile      string
	CertName         string        `validate:"required,excludesall=/"`
	CertValidity     time.Duration `validate:"gt=0"`
	RenewBefore      time.Duration `validate:"gte=0"`

	DeviceID           string
	DevicePathTemplate string        `validate:"required"`
	DevicePollInterval time.Duration `validate:"gt=0"`
	DevicePollAttempts int           `validate:"gte=1"`

	RenewalSchedule string `validate:"required"`
	// InitSystem selects how the renewal schedule is driven.
	// "systemd" for VMs, "direct" runs an in-process scheduler.
	InitSystem string `validate:"oneof=systemd direct"`
	UnitDir    string `validate:"required,startswith=/"`

	ProxyService   string `validate:"required"`
	ComposeBuild   bool
	ValidationAddr string `validate:"required"`

	MetadataProvider string `validate:"oneof=digitalocean aws none"`
	MetadataURL      string `validate:"omitempty,url"`
	PublicAddress    string `validate:"omitempty,ip|hostname_rfc1123"`

	LockFile    string        `validate:"required,startswith=/"`
	LockTimeout time.Duration `validate:"gt=0"`

	RuntimePackages string
	HealthURLs      string
	HealthDBService string
	HealthAttempts  int `validate:"gte=0"`
	MetricsTextfile string
	MetricsAddr     string
}

// field binds one Config value to its environment variable and CLI flag.
// Defaults may reference previously resolved fields through fallback.
type field struct {
	env      string
	flag     string
	usage    string
	fallback func(c *Config) string
	get      func(c *Config) string
	set      func(c *Config, v string) error
}

func str(p func(c *Config) *string) (func(*Config) string, func(*Config, string) error) {
	return func(c *Config) string { return *p(c) },
		func(c *Config, v string) error { *p(c) = v; return nil }
}

func dur(p func(c *Config) *time.Duration) (func(*Config) string, func(*Config, string) error) {
	return func(c *Config) string { return p(c).String() },
		func(c *Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return err
			}
			*p(c) = d
			return nil
		}
}

func integer(p func(c *Config) *int) (func(*Config) string, func(*Config, string) error) {
	return func(c *Config) string { return strconv.Itoa(*p(c)) },
		func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			*p(c) = n
			return nil
		}
}

func boolean(p func(c *Config) *bool) (func(*Config) string, func(*Config, string) error) {
	return func(c *Config) string { return strconv.FormatBool(*p(c)) },
		func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return err
			}
			*p(c) = b
			return nil
		}
}

func constant(v string) func(*Config) string {
	return func(*Config) string { return v }
}

func mk(env, flag, usage string, fallback func(*Config) string, get func(*Config) string, set func(*Config, string) error) field {
	return field{env: env, flag: flag, usage: usage, fallback: fallback, get: get, set: set}
}

// fields is ordered so that derived defaults see their inputs already set.
var fields = func() []field {
	var fs []field
	add := func(f field) { fs = append(fs, f) }

	g, s := str(func(c *Config) *string { return &c.ServiceName })
	add(mk("SERVICE_NAME", "service-name", "service name attached to log lines", constant("stackboot"), g, s))
	g, s = str(func(c *Config) *string { return &c.LogLevel })
	add(mk("LOG_LEVEL", "log-level", "log level", constant("info"), g, s))

	g, s = str(func(c *Config) *string { return &c.DeployUser })
	add(mk("DEPLOY_USER", "deploy-user", "restricted deploy identity", constant("deploy"), g, s))
	g, s = str(func(c *Config) *string { return &c.MountRoot })
	add(mk("MOUNT_ROOT", "mount-root", "mount path of the data volume", constant("/mnt/data"), g, s))
	g, s = str(func(c *Config) *string { return &c.AppDir })
	add(mk("APP_DIR", "app-dir", "application directory holding the compose project", constant("/opt/app"), g, s))
	g, s = str(func(c *Config) *string { return &c.EnvFile })
	add(mk("ENV_FILE", "env-file", "generated environment file", func(c *Config) string { return filepath.Join(c.AppDir, ".env") }, g, s))
	g, s = str(func(c *Config) *string { return &c.CertDir })
	add(mk("CERT_DIR", "cert-dir", "directory the proxy reads fullchain.pem/privkey.pem from", func(c *Config) string { return filepath.Join(c.AppDir, "nginx", "ssl") }, g, s))
	g, s = str(func(c *Config) *string { return &c.StateDir })
	add(mk("STATE_DIR", "state-dir", "persistent CA client state directory", func(c *Config) string { return filepath.Join(c.MountRoot, "letsencrypt") }, g, s))

	g, s = str(func(c *Config) *string { return &c.CAClient })
	add(mk("CA_CLIENT", "ca-client", "CA client: certbot (container) or acme (in-process)", constant("certbot"), g, s))
	g, s = str(func(c *Config) *string { return &c.CAClientImage })
	add(mk("CA_CLIENT_IMAGE", "ca-client-image", "CA client container image", constant("certbot/certbot:latest"), g, s))
	g, s = str(func(c *Config) *string { return &c.ACMEDirectoryURL })
	add(mk("ACME_DIRECTORY_URL", "acme-directory-url", "ACME directory of the issuing CA", constant("https://acme-v02.api.letsencrypt.org/directory"), g, s))
	g, s = str(func(c *Config) *string { return &c.ACMEEmail })
	add(mk("ACME_EMAIL", "acme-email", "ACME account contact", constant(""), g, s))
	g, s = str(func(c *Config) *string { return &c.CertProfile })
	add(mk("CERT_PROFILE", "cert-profile", "ACME certificate profile", constant("shortlived"), g, s))
	g, s = str(func(c *Config) *string { return &c.CertName })
	add(mk("CERT_NAME", "cert-name", "certificate lineage name", constant("stackboot"), g, s))
	g, s = dur(func(c *Config) *time.Duration { return &c.CertValidity })
	add(mk("CERT_VALIDITY", "cert-validity", "expected certificate validity window", constant("160h"), g, s))
	g, s = dur(func(c *Config) *time.Duration { return &c.RenewBefore })
	add(mk("RENEW_BEFORE", "renew-before", "renew when less validity than this remains", constant("72h"), g, s))

	g, s = str(func(c *Config) *string { return &c.DeviceID })
	add(mk("DEVICE_ID", "device-id", "block device id of the data volume (empty skips attach)", constant(""), g, s))
	g, s = str(func(c *Config) *string { return &c.DevicePathTemplate })
	add(mk("DEVICE_PATH_TEMPLATE", "device-path-template", "device path for an id (%s is the id)", constant("/dev/disk/by-id/scsi-0DO_Volume_%s"), g, s))
	g, s = dur(func(c *Config) *time.Duration { return &c.DevicePollInterval })
	add(mk("DEVICE_POLL_INTERVAL", "device-poll-interval", "interval between device presence checks", constant("1s"), g, s))
	g, s = integer(func(c *Config) *int { return &c.DevicePollAttempts })
	add(mk("DEVICE_POLL_ATTEMPTS", "device-poll-attempts", "maximum device presence checks", constant("90"), g, s))

	g, s = str(func(c *Config) *string { return &c.RenewalSchedule })
	add(mk("RENEWAL_SCHEDULE", "renewal-schedule", "cron expression for renewal", constant("0 0,12 * * *"), g, s))
	g, s = str(func(c *Config) *string { return &c.InitSystem })
	add(mk("INIT_SYSTEM", "init-system", "systemd or direct", constant("systemd"), g, s))
	g, s = str(func(c *Config) *string { return &c.UnitDir })
	add(mk("UNIT_DIR", "unit-dir", "systemd unit directory", constant("/etc/systemd/system"), g, s))

	g, s = str(func(c *Config) *string { return &c.ProxyService })
	add(mk("PROXY_SERVICE", "proxy-service", "compose service holding the validation port", constant("nginx"), g, s))
	g, s = boolean(func(c *Config) *bool { return &c.ComposeBuild })
	add(mk("COMPOSE_BUILD", "compose-build", "rebuild images on launch", constant("true"), g, s))
	g, s = str(func(c *Config) *string { return &c.ValidationAddr })
	add(mk("VALIDATION_ADDR", "validation-addr", "address the HTTP-01 responder binds", constant(":80"), g, s))

	g, s = str(func(c *Config) *string { return &c.MetadataProvider })
	add(mk("METADATA_PROVIDER", "metadata-provider", "instance metadata source: digitalocean, aws or none", constant("digitalocean"), g, s))
	g, s = str(func(c *Config) *string { return &c.MetadataURL })
	add(mk("METADATA_URL", "metadata-url", "override of the metadata endpoint", constant(""), g, s))
	g, s = str(func(c *Config) *string { return &c.PublicAddress })
	add(mk("PUBLIC_ADDRESS", "public-address", "externally reachable address (skips discovery)", constant(""), g, s))

	g, s = str(func(c *Config) *string { return &c.LockFile })
	add(mk("LOCK_FILE", "lock-file", "lock serializing certificate mutations", func(c *Config) string { return filepath.Join(c.StateDir, "stackboot.lock") }, g, s))
	g, s = dur(func(c *Config) *time.Duration { return &c.LockTimeout })
	add(mk("LOCK_TIMEOUT", "lock-timeout", "maximum wait for the lock", constant("10m"), g, s))

	g, s = str(func(c *Config) *string { return &c.RuntimePackages })
	add(mk("RUNTIME_PACKAGES", "runtime-packages", "packages providing docker and the compose plugin", constant("docker.io docker-compose-v2"), g, s))
	g, s = str(func(c *Config) *string { return &c.HealthURLs })
	add(mk("HEALTH_URLS", "health-urls", "comma-separated URLs polled after launch", constant(""), g, s))
	g, s = str(func(c *Config) *string { return &c.HealthDBService })
	add(mk("HEALTH_DB_SERVICE", "health-db-service", "compose service running postgres (empty skips)", constant("db"), g, s))
	g, s = integer(func(c *Config) *int { return &c.HealthAttempts })
	add(mk("HEALTH_ATTEMPTS", "health-attempts", "health poll attempts, 0 disables", constant("60"), g, s))
	g, s = str(func(c *Config) *string { return &c.MetricsTextfile })
	add(mk("METRICS_TEXTFILE", "metrics-textfile", "node_exporter textfile for renewal metrics", constant(""), g, s))
	g, s = str(func(c *Config) *string { return &c.MetricsAddr })
	add(mk("METRICS_ADDR", "metrics-addr", "listen address for /metrics in renew-daemon (empty disables)", constant(""), g, s))

	return fs
}()

func Load() (*Config, error) {
	return load(func(f field) (string, bool) {
		return os.LookupEnv(f.env)
	})
}

// load resolves every field from lookup. An unset value takes the default.
// A value set to empty is kept when the field accepts it (strings), so
// "empty disables" settings work; typed fields fall back to the default.
func load(lookup func(f field) (string, bool)) (*Config, error) {
	cfg := &Config{}
	for _, f := range fields {
		v, ok := lookup(f)
		if ok && v == "" && f.set(cfg, v) == nil {
			continue
		}
		if !ok || v == "" {
			v = f.fallback(cfg)
		}
		if err := f.set(cfg, v); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", f.env, err)
		}
	}
	return cfg, nil
}

// Args renders every value as an explicit --flag=value argument. The
// restricted phase is started with these instead of inheriting the
// environment.
func (c *Config) Args() []string {
	args := make([]string, 0, len(fields))
	for _, f := range fields {
		args = append(args, "--"+f.flag+"="+f.get(c))
	}
	return args
}

// Environ renders every value as a KEY="value" line, the format of a
// systemd EnvironmentFile.
func (c *Config) Environ() []string {
	env := make([]string, 0, len(fields))
	for _, f := range fields {
		env = append(env, f.env+"="+strconv.Quote(f.get(c)))
	}
	return env
}

// HealthURLList splits HealthURLs on commas.
func (c *Config) HealthURLList() []string {
	return splitList(c.HealthURLs, ",")
}

// RuntimePackageList splits RuntimePackages on whitespace.
func (c *Config) RuntimePackageList() []string {
	return strings.Fields(c.RuntimePackages)
}

func splitList(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
