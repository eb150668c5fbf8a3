// Package envfile owns the application's .env file: secrets are generated
// once and persisted, later runs only patch derived values.
package envfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/edvin/stackboot/internal/model"
)

const (
	KeyPostgresPassword = "POSTGRES_PASSWORD"
	KeySecretKey        = "SECRET_KEY"
	KeyPostgresUser     = "POSTGRES_USER"
	KeyPublicAPIURL     = "NEXT_PUBLIC_API_URL"

	postgresPasswordLength = 24
	secretKeyLength        = 50
)

// secretMinLength is the shortest acceptable value of each generated secret.
var secretMinLength = map[string]int{
	KeyPostgresPassword: 16,
	KeySecretKey:        32,
}

// SecretKeys lists keys whose values must never be printed.
var SecretKeys = map[string]bool{
	KeyPostgresPassword: true,
	KeySecretKey:        true,
	"CLERK_SECRET_KEY":  true,
	"RESEND_API_KEY":    true,
	"OPENAI_API_KEY":    true,
}

// PublicAPIURL is the derived API base URL for a public address.
func PublicAPIURL(address string) string {
	return "https://" + address + "/api"
}

// Provisioner creates and patches the env file.
type Provisioner struct {
	fs     afero.Fs
	logger zerolog.Logger
}

// NewProvisioner creates a new Provisioner.
func NewProvisioner(fs afero.Fs, logger zerolog.Logger) *Provisioner {
	return &Provisioner{fs: fs, logger: logger.With().Str("component", "envfile").Logger()}
}

// Ensure creates the file at path with fresh secrets when it does not exist.
// When it exists, only the derived keys are replaced or appended; every
// other line is preserved and the file is rewritten only on change.
func (p *Provisioner) Ensure(path string, derived map[string]string) (*model.EnvironmentRecord, error) {
	data, err := afero.ReadFile(p.fs, path)
	switch {
	case os.IsNotExist(err):
		return p.create(path, derived)
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	doc := Parse(data)
	for _, key := range []string{KeyPostgresPassword, KeySecretKey} {
		v, ok := doc.Get(key)
		if !ok || len(v) < secretMinLength[key] {
			viol := &model.IdempotencyViolation{Resource: path, Detail: fmt.Sprintf("%s missing or shorter than %d characters", key, secretMinLength[key])}
			p.logger.Warn().Err(viol).Msg("not regenerating persisted secret")
		}
	}

	rec := &model.EnvironmentRecord{Path: path}
	for _, key := range sortedKeys(derived) {
		if doc.Set(key, derived[key]) {
			rec.Updated = append(rec.Updated, key)
		}
	}
	if len(rec.Updated) > 0 {
		if err := p.write(path, doc.Bytes()); err != nil {
			return nil, err
		}
		p.logger.Info().Strs("keys", rec.Updated).Str("path", path).Msg("derived values updated")
	} else {
		p.logger.Debug().Str("path", path).Msg("env file unchanged")
	}
	rec.Entries = entries(doc)
	return rec, nil
}

func (p *Provisioner) create(path string, derived map[string]string) (*model.EnvironmentRecord, error) {
	password, err := NewSecret(postgresPasswordLength)
	if err != nil {
		return nil, err
	}
	secretKey, err := NewSecret(secretKeyLength)
	if err != nil {
		return nil, err
	}

	doc := Parse(nil)
	for _, e := range []model.EnvEntry{
		{Key: "ENVIRONMENT", Value: "production"},
		{Key: "POSTGRES_DB", Value: "app"},
		{Key: KeyPostgresPassword, Value: password},
		{Key: KeyPostgresUser, Value: "postgres"},
		{Key: "POSTGRES_HOST", Value: "db"},
		{Key: "POSTGRES_PORT", Value: "5432"},
		{Key: "DEBUG", Value: "false"},
		{Key: KeySecretKey, Value: secretKey},
		{Key: KeyPublicAPIURL, Value: ""},
		{Key: "CLERK_SECRET_KEY", Value: ""},
		{Key: "NEXT_PUBLIC_CLERK_PUBLISHABLE_KEY", Value: ""},
		{Key: "RESEND_API_KEY", Value: ""},
		{Key: "OPENAI_API_KEY", Value: ""},
	} {
		doc.Set(e.Key, e.Value)
	}
	for _, key := range sortedKeys(derived) {
		doc.Set(key, derived[key])
	}

	if err := p.write(path, doc.Bytes()); err != nil {
		return nil, err
	}
	p.logger.Info().Str("path", path).Msg("env file created with generated secrets")
	return &model.EnvironmentRecord{Path: path, Entries: entries(doc), Created: true}, nil
}

// write replaces path atomically with a 0600 file.
func (p *Provisioner) write(path string, data []byte) error {
	if err := p.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	tmp, err := afero.TempFile(p.fs, filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		p.fs.Remove(name)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		p.fs.Remove(name)
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := p.fs.Chmod(name, 0o600); err != nil {
		p.fs.Remove(name)
		return fmt.Errorf("chmod %s: %w", name, err)
	}
	if err := p.fs.Rename(name, path); err != nil {
		p.fs.Remove(name)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// Load reads the env file without modifying it.
func Load(fs afero.Fs, path string) (*model.EnvironmentRecord, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	return &model.EnvironmentRecord{Path: path, Entries: entries(Parse(data))}, nil
}

func entries(doc *Document) []model.EnvEntry {
	keys := doc.Keys()
	out := make([]model.EnvEntry, 0, len(keys))
	for _, k := range keys {
		v, _ := doc.Get(k)
		out = append(out, model.EnvEntry{Key: k, Value: v})
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
