package provision

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/edvin/stackboot/internal/envfile"
	"github.com/edvin/stackboot/internal/model"
)

type staticResolver struct {
	addr string
	err  error
}

func (s staticResolver) Resolve(context.Context) (string, error) { return s.addr, s.err }

type mockCerts struct{ mock.Mock }

func (m *mockCerts) Ensure(ctx context.Context, subject string) (*model.Certificate, error) {
	args := m.Called(ctx, subject)
	c, _ := args.Get(0).(*model.Certificate)
	return c, args.Error(1)
}

type fakeLease struct {
	acquireErr error
	heldOnErr  bool
	held       bool
	acquired   int
	released   int
	// events is shared with the launcher and cert fakes to check ordering.
	events *[]string
}

func (f *fakeLease) Acquire(context.Context) error {
	f.acquired++
	*f.events = append(*f.events, "acquire")
	if f.acquireErr != nil {
		f.held = f.heldOnErr
		return f.acquireErr
	}
	f.held = true
	return nil
}

func (f *fakeLease) Held() bool { return f.held }

func (f *fakeLease) Release() error {
	f.released++
	*f.events = append(*f.events, "release")
	f.held = false
	return nil
}

type fakeLauncher struct {
	validateErr error
	upErr       error
	builds      []bool
	events      *[]string
}

func (f *fakeLauncher) ValidateProxy() error { return f.validateErr }

func (f *fakeLauncher) Up(_ context.Context, build bool) error {
	f.builds = append(f.builds, build)
	*f.events = append(*f.events, "up")
	return f.upErr
}

type fakeHealth struct {
	err    error
	dbUser string
	calls  int
}

func (f *fakeHealth) WaitAll(_ context.Context, _ []string, _ string, dbUser string) error {
	f.calls++
	f.dbUser = dbUser
	return f.err
}

type fixture struct {
	fs       afero.Fs
	events   []string
	certs    *mockCerts
	lease    *fakeLease
	launcher *fakeLauncher
	health   *fakeHealth
	resolver staticResolver
}

func newFixture() *fixture {
	f := &fixture{
		fs:       afero.NewMemMapFs(),
		certs:    &mockCerts{},
		health:   &fakeHealth{},
		resolver: staticResolver{addr: "203.0.113.5"},
	}
	f.lease = &fakeLease{events: &f.events}
	f.launcher = &fakeLauncher{events: &f.events}
	return f
}

func (f *fixture) phase() *UserPhase {
	return NewUserPhase(f.resolver, envfile.NewProvisioner(f.fs, zerolog.Nop()), f.certs, f.lease, f.launcher, f.health,
		Options{EnvFile: "/opt/app/.env", Build: true, HealthDBService: "db"}, zerolog.Nop())
}

func (f *fixture) expectIssuance() {
	f.certs.On("Ensure", mock.Anything, "203.0.113.5").Run(func(mock.Arguments) {
		f.events = append(f.events, "ensure")
	}).Return(&model.Certificate{Subject: "203.0.113.5", ExpiresAt: time.Now().Add(160 * time.Hour)}, nil)
}

func TestUserPhase_Run(t *testing.T) {
	f := newFixture()
	f.expectIssuance()

	res, err := f.phase().Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "203.0.113.5", res.Address)
	assert.Equal(t, "203.0.113.5", res.Certificate.Subject)
	v, ok := res.Environment.Get(envfile.KeyPublicAPIURL)
	require.True(t, ok)
	assert.Equal(t, "https://203.0.113.5/api", v)

	assert.Equal(t, []string{"acquire", "ensure", "release", "up"}, f.events)
	assert.Equal(t, []bool{true}, f.launcher.builds)
	assert.Equal(t, 1, f.health.calls)
	assert.Equal(t, "postgres", f.health.dbUser)
}

func TestUserPhase_RepeatKeepsSecrets(t *testing.T) {
	f := newFixture()
	f.expectIssuance()

	first, err := f.phase().Run(context.Background())
	require.NoError(t, err)

	f.resolver = staticResolver{addr: "198.51.100.7"}
	f.certs.On("Ensure", mock.Anything, "198.51.100.7").
		Return(&model.Certificate{Subject: "203.0.113.5"}, nil)
	second, err := f.phase().Run(context.Background())
	require.NoError(t, err)

	a, b := first.Environment.Map(), second.Environment.Map()
	assert.Equal(t, "https://198.51.100.7/api", b[envfile.KeyPublicAPIURL])
	delete(a, envfile.KeyPublicAPIURL)
	delete(b, envfile.KeyPublicAPIURL)
	assert.Equal(t, a, b)
}

func TestUserPhase_IssuanceFailureDoesNotLaunch(t *testing.T) {
	f := newFixture()
	f.certs.On("Ensure", mock.Anything, "203.0.113.5").
		Return(nil, &model.IssuanceError{Subject: "203.0.113.5", Err: errors.New("rate limited")})

	_, err := f.phase().Run(context.Background())
	var ie *model.IssuanceError
	require.ErrorAs(t, err, &ie)
	assert.Empty(t, f.launcher.builds)
	assert.Equal(t, 1, f.lease.released)
	assert.Zero(t, f.health.calls)
}

func TestUserPhase_LockTimeout(t *testing.T) {
	f := newFixture()
	f.lease.acquireErr = &model.TimeoutError{Operation: "host lock", Attempts: 1}

	_, err := f.phase().Run(context.Background())
	var te *model.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Zero(t, f.lease.released, "nothing to release when the lock was not taken")
	f.certs.AssertNotCalled(t, "Ensure", mock.Anything, mock.Anything)
	assert.Empty(t, f.launcher.builds)
}

func TestUserPhase_ProxyStopFailureReleasesLock(t *testing.T) {
	f := newFixture()
	f.lease.acquireErr = errors.New("stop nginx: exit status 1")
	f.lease.heldOnErr = true

	_, err := f.phase().Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, f.lease.released)
	assert.Empty(t, f.launcher.builds)
}

func TestUserPhase_MissingProxyService(t *testing.T) {
	f := newFixture()
	f.launcher.validateErr = &model.PreconditionError{Resource: "nginx", Detail: "not declared"}

	_, err := f.phase().Run(context.Background())
	var pe *model.PreconditionError
	require.ErrorAs(t, err, &pe)
	assert.Zero(t, f.lease.acquired)
}

func TestUserPhase_AddressFailure(t *testing.T) {
	f := newFixture()
	f.resolver = staticResolver{err: errors.New("no usable address")}

	_, err := f.phase().Run(context.Background())
	require.Error(t, err)
	ok, _ := afero.Exists(f.fs, "/opt/app/.env")
	assert.False(t, ok)
}

func TestUserPhase_UnhealthyIsNotFatal(t *testing.T) {
	f := newFixture()
	f.expectIssuance()
	f.health.err = &model.TimeoutError{Operation: "http://localhost/", Attempts: 3}

	_, err := f.phase().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.health.calls)
}

func TestUserPhase_NilHealth(t *testing.T) {
	f := newFixture()
	f.expectIssuance()
	u := NewUserPhase(f.resolver, envfile.NewProvisioner(f.fs, zerolog.Nop()), f.certs, f.lease, f.launcher, nil,
		Options{EnvFile: "/opt/app/.env"}, zerolog.Nop())

	_, err := u.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []bool{false}, f.launcher.builds)
}
