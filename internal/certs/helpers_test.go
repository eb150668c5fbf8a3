package certs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/edvin/stackboot/internal/testutil"
)

func generateBundle(t *testing.T, subject string, validity time.Duration) *Bundle {
	t.Helper()
	chain, key := testutil.SelfSignedPEM(t, subject, validity)
	return &Bundle{Fullchain: chain, Key: key}
}

type mockCAClient struct {
	mock.Mock
}

func (m *mockCAClient) Obtain(ctx context.Context, subject string) (*Bundle, error) {
	args := m.Called(ctx, subject)
	b, _ := args.Get(0).(*Bundle)
	return b, args.Error(1)
}

func (m *mockCAClient) Renew(ctx context.Context) (*Bundle, error) {
	args := m.Called(ctx)
	b, _ := args.Get(0).(*Bundle)
	return b, args.Error(1)
}
