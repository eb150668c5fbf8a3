package deployer

import (
	"context"
)

// Compose labels set on every container started by docker compose.
const (
	LabelComposeProject = "com.docker.compose.project"
	LabelComposeService = "com.docker.compose.service"
)

// PortMapping describes a host-to-container port binding.
type PortMapping struct {
	Host      int `json:"host"`
	Container int `json:"container"`
}

// ContainerOpts holds the options for a one-shot container.
type ContainerOpts struct {
	Name    string
	Image   string
	Cmd     []string
	Env     map[string]string
	Volumes []string // bind mounts, host:container[:mode]
	Ports   []PortMapping
	// User is "uid:gid"; empty runs as the image default.
	User string
}

// RunResult holds the outcome of a one-shot container.
type RunResult struct {
	ExitCode int64
	Stdout   string
	Stderr   string
}

// ContainerStatus holds the status of a container.
type ContainerStatus struct {
	ID      string
	Name    string
	Service string
	State   string // running, exited, created, etc.
	Running bool
}

// ExecResult holds the result of executing a command in a container.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Deployer defines the container operations used on the local host.
type Deployer interface {
	// RunOnce runs a container to completion and removes it.
	RunOnce(ctx context.Context, opts ContainerOpts) (*RunResult, error)
	// ListProject returns the containers of a compose project.
	ListProject(ctx context.Context, project string) ([]ContainerStatus, error)
	// ExecInService runs cmd in the first running container of a compose service.
	ExecInService(ctx context.Context, project, service string, cmd []string) (*ExecResult, error)
}
