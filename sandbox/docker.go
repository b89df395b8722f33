package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

// execPollInterval is how often a finished exec stream is re-inspected until
// the engine reports the process as exited.
const execPollInterval = 20 * time.Millisecond

// DockerRuntime implements Runtime on the Docker Engine API
type DockerRuntime struct {
	logger *zap.Logger
	cli    *client.Client
}

// NewDockerRuntime connects to the engine configured by the DOCKER_* environment
func NewDockerRuntime(logger *zap.Logger) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerRuntime{logger: logger.Named("docker"), cli: cli}, nil
}

func (*DockerRuntime) Name() string { return "docker" }

func (d *DockerRuntime) ImageExists(ctx context.Context, image string) (bool, error) {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, image)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (d *DockerRuntime) Create(ctx context.Context, spec CreateSpec) (string, error) {
	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:      spec.Image,
		Tty:        true,
		OpenStdin:  true,
		WorkingDir: spec.MountPoint,
		Labels:     spec.Labels,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:    spec.MemoryBytes,
			CPUQuota:  spec.CPUQuota,
			CPUPeriod: spec.CPUPeriod,
		},
		Binds: []string{fmt.Sprintf("%s:%s:rw", spec.HostDir, spec.MountPoint)},
	}, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	for _, warning := range resp.Warnings {
		d.logger.Warn("container create warning", zap.String("name", spec.Name), zap.String("warning", warning))
	}
	return resp.ID, nil
}

func (d *DockerRuntime) Start(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return d.wrap(id, "start", err)
	}
	return nil
}

func (d *DockerRuntime) Stop(ctx context.Context, id string, grace time.Duration) error {
	timeout := stopTimeoutSeconds(grace)
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return d.wrap(id, "stop", err)
	}
	return nil
}

func (d *DockerRuntime) Remove(ctx context.Context, id string) error {
	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return d.wrap(id, "remove", err)
	}
	return nil
}

func (d *DockerRuntime) Inspect(ctx context.Context, id string) (ContainerInfo, error) {
	resp, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return ContainerInfo{}, d.wrap(id, "inspect", err)
	}
	if resp.ContainerJSONBase == nil {
		return ContainerInfo{}, fmt.Errorf("inspect %s: empty response", id)
	}

	info := ContainerInfo{
		ID:   resp.ID,
		Name: strings.TrimPrefix(resp.Name, "/"),
	}
	if resp.State != nil {
		info.State = resp.State.Status
	}
	if resp.Config != nil {
		info.Image = resp.Config.Image
		info.Labels = resp.Config.Labels
	}
	if created, err := time.Parse(time.RFC3339Nano, resp.Created); err == nil {
		info.Created = created
	}
	return info, nil
}

func (d *DockerRuntime) List(ctx context.Context, namePrefix string) ([]ContainerInfo, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", namePrefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, ContainerInfo{
			ID:      c.ID,
			Name:    name,
			Image:   c.Image,
			State:   c.State,
			Created: time.Unix(c.Created, 0),
			Labels:  c.Labels,
		})
	}
	return out, nil
}

func (d *DockerRuntime) Exec(ctx context.Context, spec ExecSpec) (ExecOutput, error) {
	execResp, err := d.cli.ContainerExecCreate(ctx, spec.ContainerID, container.ExecOptions{
		Cmd:          spec.Cmd,
		WorkingDir:   spec.WorkingDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecOutput{}, d.wrap(spec.ContainerID, "exec create", err)
	}

	attachResp, err := d.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecOutput{}, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attachResp.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return ExecOutput{}, fmt.Errorf("failed to read exec output: %w", err)
		}
	case <-ctx.Done():
		return ExecOutput{}, ctx.Err()
	}

	for {
		inspect, err := d.cli.ContainerExecInspect(ctx, execResp.ID)
		if err != nil {
			return ExecOutput{}, fmt.Errorf("failed to inspect exec: %w", err)
		}
		if !inspect.Running {
			return ExecOutput{
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
				ExitCode: inspect.ExitCode,
			}, nil
		}

		select {
		case <-ctx.Done():
			return ExecOutput{}, ctx.Err()
		case <-time.After(execPollInterval):
		}
	}
}

func (d *DockerRuntime) Info(ctx context.Context) (RuntimeInfo, error) {
	info, err := d.cli.Info(ctx)
	if err != nil {
		return RuntimeInfo{}, fmt.Errorf("failed to get docker info: %w", err)
	}
	return RuntimeInfo{
		Version:           info.ServerVersion,
		OperatingSystem:   info.OperatingSystem,
		Architecture:      info.Architecture,
		CPUs:              info.NCPU,
		MemoryTotal:       info.MemTotal,
		Containers:        info.Containers,
		ContainersRunning: info.ContainersRunning,
		ContainersStopped: info.ContainersStopped,
		Images:            info.Images,
	}, nil
}

func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

func (*DockerRuntime) wrap(id, op string, err error) error {
	if client.IsErrNotFound(err) {
		return fmt.Errorf("%s %s: %w", op, id, ErrContainerNotFound)
	}
	return fmt.Errorf("failed to %s container %s: %w", op, id, err)
}
