package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"os/exec"
	"time"
)

// ErrContainerNotFound is returned (wrapped) by a Runtime when the container
// does not exist on the engine.
var ErrContainerNotFound = errors.New("container not found")

// Runtime is the container engine seam used by the Manager and Executor.
type Runtime interface {
	Name() string
	ImageExists(ctx context.Context, image string) (bool, error)
	Create(ctx context.Context, spec CreateSpec) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, grace time.Duration) error
	Remove(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (ContainerInfo, error)
	// List returns every container, running or not, whose name starts with namePrefix.
	List(ctx context.Context, namePrefix string) ([]ContainerInfo, error)
	Exec(ctx context.Context, spec ExecSpec) (ExecOutput, error)
	Info(ctx context.Context) (RuntimeInfo, error)
	Close() error
}

// CreateSpec describes a long-lived sandbox container
type CreateSpec struct {
	Name        string
	Image       string
	Labels      map[string]string
	CPUQuota    int64
	CPUPeriod   int64
	MemoryBytes int64
	HostDir     string
	MountPoint  string
}

// ContainerInfo is the engine's view of one container
type ContainerInfo struct {
	ID      string
	Name    string
	Image   string
	State   string
	Created time.Time
	Labels  map[string]string
}

// ExecSpec describes one command run inside a running container
type ExecSpec struct {
	ContainerID string
	Cmd         []string
	WorkingDir  string
}

// ExecOutput holds the separated output streams and the native exit code
type ExecOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// RuntimeInfo summarises the container engine
type RuntimeInfo struct {
	Backend           string `json:"backend"`
	Reachable         bool   `json:"reachable"`
	Version           string `json:"version,omitempty"`
	OperatingSystem   string `json:"operatingSystem,omitempty"`
	Architecture      string `json:"architecture,omitempty"`
	CPUs              int    `json:"cpus,omitempty"`
	MemoryTotal       int64  `json:"memoryTotal,omitempty"`
	Containers        int    `json:"containers"`
	ContainersRunning int    `json:"containersRunning"`
	ContainersStopped int    `json:"containersStopped"`
	Images            int    `json:"images"`
	ManagedSandboxes  int    `json:"managedSandboxes"`
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments
func (RealCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // Safe as this is controlled input

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()

	exitCode = 0
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			exitCode = exitError.ExitCode()
		} else {
			return "", "", 0, err
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// FileSystem defines the host file system operations used for workspaces
type FileSystem interface {
	Exists(path string) (bool, error)
	MkdirAll(path string, perm os.FileMode) error
	RemoveAll(path string) error
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// stopTimeoutSeconds rounds a stop grace period up to the whole seconds the
// engines accept, so a sub-second grace is never an immediate kill.
func stopTimeoutSeconds(grace time.Duration) int {
	if grace <= 0 {
		return 0
	}
	return int(math.Ceil(grace.Seconds()))
}

// DirPermission is used for host workspace directories
const DirPermission = 0o755
