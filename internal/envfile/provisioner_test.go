package envfile

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const envPath = "/opt/app/.env"

func TestEnsure_CreatesWithSecrets(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := NewProvisioner(fs, zerolog.Nop())

	rec, err := p.Ensure(envPath, map[string]string{KeyPublicAPIURL: PublicAPIURL("203.0.113.5")})
	require.NoError(t, err)
	assert.True(t, rec.Created)

	pw, ok := rec.Get(KeyPostgresPassword)
	require.True(t, ok)
	assert.Len(t, pw, 24)
	sk, _ := rec.Get(KeySecretKey)
	assert.Len(t, sk, 50)
	url, _ := rec.Get(KeyPublicAPIURL)
	assert.Equal(t, "https://203.0.113.5/api", url)

	keys := make([]string, 0, len(rec.Entries))
	for _, e := range rec.Entries {
		keys = append(keys, e.Key)
	}
	assert.Equal(t, []string{
		"ENVIRONMENT", "POSTGRES_DB", "POSTGRES_PASSWORD", "POSTGRES_USER", "POSTGRES_HOST",
		"POSTGRES_PORT", "DEBUG", "SECRET_KEY", "NEXT_PUBLIC_API_URL", "CLERK_SECRET_KEY",
		"NEXT_PUBLIC_CLERK_PUBLISHABLE_KEY", "RESEND_API_KEY", "OPENAI_API_KEY",
	}, keys)

	info, err := fs.Stat(envPath)
	require.NoError(t, err)
	assert.Equal(t, "-rw-------", info.Mode().Perm().String())
}

func TestEnsure_PatchesOnlyDerived(t *testing.T) {
	fs := afero.NewMemMapFs()
	original := "# managed\nPOSTGRES_PASSWORD=abc123\nSECRET_KEY=" + strings.Repeat("k", 40) + "\nCUSTOM=1\n"
	require.NoError(t, afero.WriteFile(fs, envPath, []byte(original), 0o600))

	rec, err := NewProvisioner(fs, zerolog.Nop()).Ensure(envPath, map[string]string{KeyPublicAPIURL: PublicAPIURL("203.0.113.5")})
	require.NoError(t, err)
	assert.False(t, rec.Created)
	assert.Equal(t, []string{KeyPublicAPIURL}, rec.Updated)

	data, err := afero.ReadFile(fs, envPath)
	require.NoError(t, err)
	assert.Equal(t, original+"NEXT_PUBLIC_API_URL=https://203.0.113.5/api\n", string(data))

	pw, _ := rec.Get(KeyPostgresPassword)
	assert.Equal(t, "abc123", pw, "short persisted secret is not regenerated")
}

func TestEnsure_ReplacesDerivedInPlace(t *testing.T) {
	fs := afero.NewMemMapFs()
	original := "POSTGRES_PASSWORD=" + strings.Repeat("p", 24) + "\nNEXT_PUBLIC_API_URL=https://198.51.100.1/api\nSECRET_KEY=" + strings.Repeat("s", 50) + "\n"
	require.NoError(t, afero.WriteFile(fs, envPath, []byte(original), 0o600))

	_, err := NewProvisioner(fs, zerolog.Nop()).Ensure(envPath, map[string]string{KeyPublicAPIURL: PublicAPIURL("203.0.113.5")})
	require.NoError(t, err)

	data, err := afero.ReadFile(fs, envPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "NEXT_PUBLIC_API_URL=https://203.0.113.5/api", lines[1])
}

func TestEnsure_Idempotent(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := NewProvisioner(fs, zerolog.Nop())
	derived := map[string]string{KeyPublicAPIURL: PublicAPIURL("203.0.113.5")}

	first, err := p.Ensure(envPath, derived)
	require.NoError(t, err)
	before, err := afero.ReadFile(fs, envPath)
	require.NoError(t, err)

	second, err := p.Ensure(envPath, derived)
	require.NoError(t, err)
	after, err := afero.ReadFile(fs, envPath)
	require.NoError(t, err)

	assert.Equal(t, string(before), string(after))
	assert.Equal(t, first.Entries, second.Entries)
	assert.False(t, second.Created)
	assert.Empty(t, second.Updated)

	// A new address only changes the derived key.
	third, err := p.Ensure(envPath, map[string]string{KeyPublicAPIURL: PublicAPIURL("198.51.100.7")})
	require.NoError(t, err)
	a, b := first.Map(), third.Map()
	assert.Equal(t, "https://198.51.100.7/api", b[KeyPublicAPIURL])
	delete(a, KeyPublicAPIURL)
	delete(b, KeyPublicAPIURL)
	assert.Equal(t, a, b)
}

func TestEnsure_MissingSecretsNotInvented(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, envPath, []byte("DEBUG=false\n"), 0o600))

	rec, err := NewProvisioner(fs, zerolog.Nop()).Ensure(envPath, nil)
	require.NoError(t, err)
	_, ok := rec.Get(KeyPostgresPassword)
	assert.False(t, ok)

	data, err := afero.ReadFile(fs, envPath)
	require.NoError(t, err)
	assert.Equal(t, "DEBUG=false\n", string(data))
}

func TestLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, envPath, []byte("A=1\n# c\nB=2\n"), 0o600))
	rec, err := Load(fs, envPath)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1", "B": "2"}, rec.Map())

	_, err = Load(fs, "/missing")
	assert.Error(t, err)
}

func TestEnsure_LongLineKeepsLaterSecrets(t *testing.T) {
	fs := afero.NewMemMapFs()
	original := "CERT_BUNDLE=" + strings.Repeat("b", 2<<20) + "\n" +
		"POSTGRES_PASSWORD=abc123abc123abc123\n" +
		"SECRET_KEY=" + strings.Repeat("s", 50) + "\n"
	require.NoError(t, afero.WriteFile(fs, envPath, []byte(original), 0o600))

	rec, err := NewProvisioner(fs, zerolog.Nop()).Ensure(envPath, map[string]string{KeyPublicAPIURL: PublicAPIURL("203.0.113.5")})
	require.NoError(t, err)

	data, err := afero.ReadFile(fs, envPath)
	require.NoError(t, err)
	assert.Equal(t, original+"NEXT_PUBLIC_API_URL=https://203.0.113.5/api\n", string(data))
	pw, ok := rec.Get(KeyPostgresPassword)
	require.True(t, ok)
	assert.Equal(t, "abc123abc123abc123", pw)
}
