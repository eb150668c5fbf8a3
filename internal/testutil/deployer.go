package testutil

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/edvin/stackboot/internal/deployer"
)

// MockDeployer is a testify mock of deployer.Deployer.
type MockDeployer struct {
	mock.Mock
}

func (m *MockDeployer) RunOnce(ctx context.Context, opts deployer.ContainerOpts) (*deployer.RunResult, error) {
	args := m.Called(ctx, opts)
	r, _ := args.Get(0).(*deployer.RunResult)
	return r, args.Error(1)
}

func (m *MockDeployer) ListProject(ctx context.Context, project string) ([]deployer.ContainerStatus, error) {
	args := m.Called(ctx, project)
	r, _ := args.Get(0).([]deployer.ContainerStatus)
	return r, args.Error(1)
}

func (m *MockDeployer) ExecInService(ctx context.Context, project, service string, cmd []string) (*deployer.ExecResult, error) {
	args := m.Called(ctx, project, service, cmd)
	r, _ := args.Get(0).(*deployer.ExecResult)
	return r, args.Error(1)
}
