package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// podmanExitFailure is the status podman exec returns when podman itself failed
// rather than the command it ran.
const podmanExitFailure = 125

// PodmanRuntime implements Runtime by driving the podman CLI
type PodmanRuntime struct {
	logger    *zap.Logger
	binary    string
	cmdRunner CommandRunner
}

// PodmanRuntimeOption defines a functional option for PodmanRuntime
type PodmanRuntimeOption func(*PodmanRuntime)

// WithPodmanCommandRunner sets the CommandRunner for PodmanRuntime
func WithPodmanCommandRunner(cmdRunner CommandRunner) PodmanRuntimeOption {
	return func(p *PodmanRuntime) {
		p.cmdRunner = cmdRunner
	}
}

// WithPodmanBinary overrides the podman executable name
func WithPodmanBinary(binary string) PodmanRuntimeOption {
	return func(p *PodmanRuntime) {
		p.binary = binary
	}
}

// NewPodmanRuntime creates a new PodmanRuntime with default implementations and optional overrides
func NewPodmanRuntime(logger *zap.Logger, opts ...PodmanRuntimeOption) *PodmanRuntime {
	p := &PodmanRuntime{
		logger:    logger.Named("podman"),
		binary:    "podman",
		cmdRunner: &RealCommandRunner{},
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

func (*PodmanRuntime) Name() string { return "podman" }

func (p *PodmanRuntime) run(ctx context.Context, args ...string) (string, string, int, error) {
	return p.cmdRunner.RunCommand(ctx, append([]string{p.binary}, args...))
}

// runChecked runs a podman command that must exit zero
func (p *PodmanRuntime) runChecked(ctx context.Context, id, op string, args ...string) (string, error) {
	stdout, stderr, exitCode, err := p.run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("failed to run podman %s: %w", op, err)
	}
	if exitCode != 0 {
		return "", podmanError(id, op, stderr, exitCode)
	}
	return stdout, nil
}

func podmanError(id, op, stderr string, exitCode int) error {
	msg := strings.TrimSpace(stderr)
	if strings.Contains(strings.ToLower(msg), "no such container") {
		return fmt.Errorf("%s %s: %w", op, id, ErrContainerNotFound)
	}
	return fmt.Errorf("podman %s exited with code %d: %s", op, exitCode, msg)
}

func (p *PodmanRuntime) ImageExists(ctx context.Context, image string) (bool, error) {
	_, stderr, exitCode, err := p.run(ctx, "image", "exists", image)
	if err != nil {
		return false, fmt.Errorf("failed to run podman image exists: %w", err)
	}
	switch exitCode {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, podmanError(image, "image exists", stderr, exitCode)
	}
}

func (p *PodmanRuntime) Create(ctx context.Context, spec CreateSpec) (string, error) {
	args := []string{
		"create",
		"--name", spec.Name,
		"--tty", "--interactive",
		"--workdir", spec.MountPoint,
		"--cpu-period", strconv.FormatInt(spec.CPUPeriod, 10),
		"--cpu-quota", strconv.FormatInt(spec.CPUQuota, 10),
		"--memory", strconv.FormatInt(spec.MemoryBytes, 10),
		"--volume", fmt.Sprintf("%s:%s:rw", spec.HostDir, spec.MountPoint),
	}

	keys := make([]string, 0, len(spec.Labels))
	for k := range spec.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--label", fmt.Sprintf("%s=%s", k, spec.Labels[k]))
	}
	args = append(args, spec.Image)

	stdout, err := p.runChecked(ctx, spec.Name, "create", args...)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(stdout)
	if id == "" {
		return "", fmt.Errorf("podman create returned no container id")
	}
	return id, nil
}

func (p *PodmanRuntime) Start(ctx context.Context, id string) error {
	_, err := p.runChecked(ctx, id, "start", "start", id)
	return err
}

func (p *PodmanRuntime) Stop(ctx context.Context, id string, grace time.Duration) error {
	_, err := p.runChecked(ctx, id, "stop", "stop", "--time", strconv.Itoa(stopTimeoutSeconds(grace)), id)
	return err
}

func (p *PodmanRuntime) Remove(ctx context.Context, id string) error {
	_, err := p.runChecked(ctx, id, "rm", "rm", "--force", id)
	return err
}

type podmanInspect struct {
	ID        string `json:"Id"`
	Name      string `json:"Name"`
	Created   string `json:"Created"`
	ImageName string `json:"ImageName"`
	State     struct {
		Status string `json:"Status"`
	} `json:"State"`
	Config struct {
		Image  string            `json:"Image"`
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
}

func (p *PodmanRuntime) Inspect(ctx context.Context, id string) (ContainerInfo, error) {
	stdout, err := p.runChecked(ctx, id, "inspect", "inspect", "--type", "container", id)
	if err != nil {
		return ContainerInfo{}, err
	}

	var records []podmanInspect
	if err := json.Unmarshal([]byte(stdout), &records); err != nil {
		return ContainerInfo{}, fmt.Errorf("failed to decode podman inspect output: %w", err)
	}
	if len(records) == 0 {
		return ContainerInfo{}, fmt.Errorf("inspect %s: %w", id, ErrContainerNotFound)
	}

	r := records[0]
	image := r.ImageName
	if image == "" {
		image = r.Config.Image
	}
	info := ContainerInfo{
		ID:     r.ID,
		Name:   strings.TrimPrefix(r.Name, "/"),
		Image:  image,
		State:  r.State.Status,
		Labels: r.Config.Labels,
	}
	if created, err := time.Parse(time.RFC3339Nano, r.Created); err == nil {
		info.Created = created
	}
	return info, nil
}

type podmanPS struct {
	ID      string            `json:"Id"`
	Names   []string          `json:"Names"`
	Image   string            `json:"Image"`
	State   string            `json:"State"`
	Created int64             `json:"Created"`
	Labels  map[string]string `json:"Labels"`
}

func (p *PodmanRuntime) List(ctx context.Context, namePrefix string) ([]ContainerInfo, error) {
	stdout, err := p.runChecked(ctx, "", "ps", "ps", "--all", "--filter", "name="+namePrefix, "--format", "json")
	if err != nil {
		return nil, err
	}

	var entries []podmanPS
	if strings.TrimSpace(stdout) != "" {
		if err := json.Unmarshal([]byte(stdout), &entries); err != nil {
			return nil, fmt.Errorf("failed to decode podman ps output: %w", err)
		}
	}

	out := make([]ContainerInfo, 0, len(entries))
	for _, e := range entries {
		name := ""
		if len(e.Names) > 0 {
			name = e.Names[0]
		}
		out = append(out, ContainerInfo{
			ID:      e.ID,
			Name:    name,
			Image:   e.Image,
			State:   e.State,
			Created: time.Unix(e.Created, 0),
			Labels:  e.Labels,
		})
	}
	return out, nil
}

func (p *PodmanRuntime) Exec(ctx context.Context, spec ExecSpec) (ExecOutput, error) {
	args := []string{"exec"}
	if spec.WorkingDir != "" {
		args = append(args, "--workdir", spec.WorkingDir)
	}
	args = append(args, spec.ContainerID)
	args = append(args, spec.Cmd...)

	stdout, stderr, exitCode, err := p.run(ctx, args...)
	if err != nil {
		return ExecOutput{}, fmt.Errorf("failed to run podman exec: %w", err)
	}
	if ctx.Err() != nil {
		return ExecOutput{}, ctx.Err()
	}
	if exitCode == podmanExitFailure {
		return ExecOutput{}, podmanError(spec.ContainerID, "exec", stderr, exitCode)
	}

	return ExecOutput{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}, nil
}

type podmanInfo struct {
	Host struct {
		OS     string `json:"os"`
		Arch   string `json:"arch"`
		CPUs   int    `json:"cpus"`
		MemTot int64  `json:"memTotal"`
	} `json:"host"`
	Store struct {
		ContainerStore struct {
			Number  int `json:"number"`
			Running int `json:"running"`
			Stopped int `json:"stopped"`
		} `json:"containerStore"`
		ImageStore struct {
			Number int `json:"number"`
		} `json:"imageStore"`
	} `json:"store"`
	Version struct {
		Version string `json:"Version"`
	} `json:"version"`
}

func (p *PodmanRuntime) Info(ctx context.Context) (RuntimeInfo, error) {
	stdout, err := p.runChecked(ctx, "", "info", "info", "--format", "json")
	if err != nil {
		return RuntimeInfo{}, err
	}

	var info podmanInfo
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		return RuntimeInfo{}, fmt.Errorf("failed to decode podman info output: %w", err)
	}

	return RuntimeInfo{
		Version:           info.Version.Version,
		OperatingSystem:   info.Host.OS,
		Architecture:      info.Host.Arch,
		CPUs:              info.Host.CPUs,
		MemoryTotal:       info.Host.MemTot,
		Containers:        info.Store.ContainerStore.Number,
		ContainersRunning: info.Store.ContainerStore.Running,
		ContainersStopped: info.Store.ContainerStore.Stopped,
		Images:            info.Store.ImageStore.Number,
	}, nil
}

func (*PodmanRuntime) Close() error { return nil }
