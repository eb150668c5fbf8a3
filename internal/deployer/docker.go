package deployer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"
)

// logTail bounds how much of a one-shot container's output is kept.
const logTail = "200"

// DockerDeployer implements Deployer using the local Docker API.
type DockerDeployer struct {
	opts   []client.Opt
	logger zerolog.Logger
}

// NewDockerDeployer creates a new DockerDeployer. The daemon address comes
// from DOCKER_HOST and friends unless opts override it.
func NewDockerDeployer(logger zerolog.Logger, opts ...client.Opt) *DockerDeployer {
	return &DockerDeployer{
		opts:   append([]client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}, opts...),
		logger: logger.With().Str("component", "docker").Logger(),
	}
}

func (d *DockerDeployer) client() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(d.opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return cli, nil
}

func (d *DockerDeployer) RunOnce(ctx context.Context, opts ContainerOpts) (*RunResult, error) {
	cli, err := d.client()
	if err != nil {
		return nil, err
	}
	defer cli.Close()

	if err := d.ensureImage(ctx, cli, opts.Image); err != nil {
		return nil, err
	}

	config, hostConfig := containerConfig(opts)
	resp, err := cli.ContainerCreate(ctx, config, hostConfig, nil, nil, opts.Name)
	if err != nil {
		return nil, fmt.Errorf("create container %s: %w", opts.Name, err)
	}
	defer func() {
		// Removal must happen even when ctx was cancelled.
		if err := cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true}); err != nil {
			d.logger.Warn().Err(err).Str("container", opts.Name).Msg("failed to remove one-shot container")
		}
	}()

	statusCh, errCh := cli.ContainerWait(ctx, resp.ID, container.WaitConditionNextExit)
	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container %s: %w", opts.Name, err)
	}
	d.logger.Debug().Str("container", opts.Name).Str("image", opts.Image).Strs("cmd", opts.Cmd).Msg("one-shot container started")

	result := &RunResult{}
	select {
	case st := <-statusCh:
		result.ExitCode = st.StatusCode
		if st.Error != nil && st.Error.Message != "" {
			return nil, fmt.Errorf("wait for container %s: %s", opts.Name, st.Error.Message)
		}
	case err := <-errCh:
		return nil, fmt.Errorf("wait for container %s: %w", opts.Name, err)
	}

	logs, err := cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true, Tail: logTail})
	if err != nil {
		return nil, fmt.Errorf("read logs of %s: %w", opts.Name, err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return nil, fmt.Errorf("demux logs of %s: %w", opts.Name, err)
	}
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	return result, nil
}

func (d *DockerDeployer) ensureImage(ctx context.Context, cli *client.Client, img string) error {
	if _, err := cli.ImageInspect(ctx, img); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", img, err)
	}

	d.logger.Info().Str("image", img).Msg("pulling image")
	reader, err := cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	// Drain the pull output.
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

func containerConfig(opts ContainerOpts) (*container.Config, *container.HostConfig) {
	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	exposedPorts := nat.PortSet{}
	portBindings := nat.PortMap{}
	for _, pm := range opts.Ports {
		cp := nat.Port(strconv.Itoa(pm.Container) + "/tcp")
		exposedPorts[cp] = struct{}{}
		portBindings[cp] = []nat.PortBinding{
			{HostPort: strconv.Itoa(pm.Host)},
		}
	}

	config := &container.Config{
		Image:        opts.Image,
		Cmd:          opts.Cmd,
		Env:          env,
		User:         opts.User,
		ExposedPorts: exposedPorts,
	}
	hostConfig := &container.HostConfig{
		PortBindings: portBindings,
		Binds:        opts.Volumes,
	}
	return config, hostConfig
}

func (d *DockerDeployer) ListProject(ctx context.Context, project string) ([]ContainerStatus, error) {
	cli, err := d.client()
	if err != nil {
		return nil, err
	}
	defer cli.Close()

	list, err := cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelComposeProject+"="+project)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers of %s: %w", project, err)
	}

	out := make([]ContainerStatus, 0, len(list))
	for _, c := range list {
		name := c.ID
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, ContainerStatus{
			ID:      c.ID,
			Name:    name,
			Service: c.Labels[LabelComposeService],
			State:   string(c.State),
			Running: c.State == "running",
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (d *DockerDeployer) ExecInService(ctx context.Context, project, service string, cmd []string) (*ExecResult, error) {
	containers, err := d.ListProject(ctx, project)
	if err != nil {
		return nil, err
	}
	target := ""
	for _, c := range containers {
		if c.Service == service && c.Running {
			target = c.ID
			break
		}
	}
	if target == "" {
		return nil, fmt.Errorf("no running container for service %s in project %s", service, project)
	}

	cli, err := d.client()
	if err != nil {
		return nil, err
	}
	defer cli.Close()

	execCfg := container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	}

	execID, err := cli.ContainerExecCreate(ctx, target, execCfg)
	if err != nil {
		return nil, fmt.Errorf("exec create in %s: %w", service, err)
	}

	resp, err := cli.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach in %s: %w", service, err)
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader); err != nil {
		return nil, fmt.Errorf("exec read output in %s: %w", service, err)
	}

	inspectResp, err := cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return nil, fmt.Errorf("exec inspect in %s: %w", service, err)
	}

	return &ExecResult{
		ExitCode: inspectResp.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}
