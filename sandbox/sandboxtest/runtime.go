// Package sandboxtest provides an in-memory sandbox.Runtime for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/isdmx/runbox/sandbox"
)

// ExecFunc scripts the output of a command. cmd is the shell command passed to
// sh -c; workingDir is the directory it runs in.
type ExecFunc func(ctx context.Context, containerID, cmd, workingDir string) (sandbox.ExecOutput, error)

// Container is the fake engine's record of one container
type Container struct {
	Info sandbox.ContainerInfo
	Spec sandbox.CreateSpec
}

// Runtime is a goroutine-safe fake container engine
type Runtime struct {
	mu         sync.Mutex
	images     map[string]bool
	containers map[string]*Container
	seq        int
	now        func() time.Time
	exec       ExecFunc
	failures   map[string]error
	calls      map[string]int
}

var _ sandbox.Runtime = (*Runtime)(nil)

// NewRuntime creates a fake runtime where the given images exist
func NewRuntime(images ...string) *Runtime {
	r := &Runtime{
		images:     make(map[string]bool),
		containers: make(map[string]*Container),
		now:        time.Now,
		failures:   make(map[string]error),
		calls:      make(map[string]int),
	}
	for _, image := range images {
		r.images[image] = true
	}
	r.exec = ShellExec
	return r
}

// SetClock sets the time source for container creation times
func (r *Runtime) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// SetExec replaces the command handler
func (r *Runtime) SetExec(fn ExecFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exec = fn
}

// Fail makes every later call of op ("create", "start", "stop", "remove",
// "inspect", "list", "exec", "info", "image") return err. A nil err clears it.
func (r *Runtime) Fail(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failures, op)
		return
	}
	r.failures[op] = err
}

// FailFor makes op fail only for the given container id
func (r *Runtime) FailFor(op, id string, err error) {
	r.Fail(op+":"+id, err)
}

// Calls returns how many times op was invoked
func (r *Runtime) Calls(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

// AddImage makes image present in the engine
func (r *Runtime) AddImage(image string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images[image] = true
}

// AddContainer inserts a container as if it had been created outside this process
func (r *Runtime) AddContainer(info sandbox.ContainerInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.containers[info.ID] = &Container{Info: info}
}

// SetState changes the engine state of a container, e.g. to simulate an exit
func (r *Runtime) SetState(id, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[id]; ok {
		c.Info.State = state
	}
}

// Container returns a copy of the container record
func (r *Runtime) Container(id string) (Container, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return Container{}, false
	}
	return *c, true
}

// Len returns how many containers exist
func (r *Runtime) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.containers)
}

// begin records a call and returns any configured failure
func (r *Runtime) begin(op, id string) error {
	r.calls[op]++
	if err, ok := r.failures[op+":"+id]; ok {
		return err
	}
	return r.failures[op]
}

func (r *Runtime) get(op, id string) (*Container, error) {
	c, ok := r.containers[id]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", op, id, sandbox.ErrContainerNotFound)
	}
	return c, nil
}

func (*Runtime) Name() string { return "fake" }

func (r *Runtime) ImageExists(_ context.Context, image string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin("image", image); err != nil {
		return false, err
	}
	return r.images[image], nil
}

func (r *Runtime) Create(_ context.Context, spec sandbox.CreateSpec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin("create", spec.Name); err != nil {
		return "", err
	}
	for _, c := range r.containers {
		if c.Info.Name == spec.Name {
			return "", fmt.Errorf("container name %q is already in use", spec.Name)
		}
	}

	r.seq++
	id := fmt.Sprintf("c%04d", r.seq)
	labels := make(map[string]string, len(spec.Labels))
	for k, v := range spec.Labels {
		labels[k] = v
	}
	r.containers[id] = &Container{
		Info: sandbox.ContainerInfo{
			ID:      id,
			Name:    spec.Name,
			Image:   spec.Image,
			State:   "created",
			Created: r.now(),
			Labels:  labels,
		},
		Spec: spec,
	}
	return id, nil
}

func (r *Runtime) Start(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin("start", id); err != nil {
		return err
	}
	c, err := r.get("start", id)
	if err != nil {
		return err
	}
	c.Info.State = "running"
	return nil
}

func (r *Runtime) Stop(_ context.Context, id string, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin("stop", id); err != nil {
		return err
	}
	c, err := r.get("stop", id)
	if err != nil {
		return err
	}
	c.Info.State = "exited"
	return nil
}

func (r *Runtime) Remove(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin("remove", id); err != nil {
		return err
	}
	if _, err := r.get("remove", id); err != nil {
		return err
	}
	delete(r.containers, id)
	return nil
}

func (r *Runtime) Inspect(_ context.Context, id string) (sandbox.ContainerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin("inspect", id); err != nil {
		return sandbox.ContainerInfo{}, err
	}
	c, err := r.get("inspect", id)
	if err != nil {
		return sandbox.ContainerInfo{}, err
	}
	return c.Info, nil
}

func (r *Runtime) List(_ context.Context, namePrefix string) ([]sandbox.ContainerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin("list", ""); err != nil {
		return nil, err
	}
	var out []sandbox.ContainerInfo
	for _, c := range r.containers {
		if strings.Contains(c.Info.Name, namePrefix) {
			out = append(out, c.Info)
		}
	}
	return out, nil
}

func (r *Runtime) Exec(ctx context.Context, spec sandbox.ExecSpec) (sandbox.ExecOutput, error) {
	r.mu.Lock()
	if err := r.begin("exec", spec.ContainerID); err != nil {
		r.mu.Unlock()
		return sandbox.ExecOutput{}, err
	}
	c, err := r.get("exec", spec.ContainerID)
	if err != nil {
		r.mu.Unlock()
		return sandbox.ExecOutput{}, err
	}
	if c.Info.State != "running" {
		r.mu.Unlock()
		return sandbox.ExecOutput{}, fmt.Errorf("container %s is not running", spec.ContainerID)
	}
	fn := r.exec
	r.mu.Unlock()

	cmd := strings.Join(spec.Cmd, " ")
	if len(spec.Cmd) == 3 && spec.Cmd[0] == "sh" && spec.Cmd[1] == "-c" {
		cmd = spec.Cmd[2]
	}
	return fn(ctx, spec.ContainerID, cmd, spec.WorkingDir)
}

func (r *Runtime) Info(_ context.Context) (sandbox.RuntimeInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin("info", ""); err != nil {
		return sandbox.RuntimeInfo{}, err
	}
	info := sandbox.RuntimeInfo{
		Version:    "fake-1.0",
		Containers: len(r.containers),
		Images:     len(r.images),
	}
	for _, c := range r.containers {
		if c.Info.State == "running" {
			info.ContainersRunning++
		} else {
			info.ContainersStopped++
		}
	}
	return info, nil
}

func (*Runtime) Close() error { return nil }

// ShellExec understands a handful of shell commands:
//
//	pwd             prints the working directory
//	echo ARGS       prints ARGS
//	exit N          exits with N
//	ls -la PATH     prints a fixed listing, or fails for paths containing "missing"
//	fail MSG        prints MSG to stderr and exits 1
//	sleep           blocks until ctx is done
//
// Anything else prints "sh: CMD: not found" to stderr and exits 127.
func ShellExec(ctx context.Context, _ string, cmd, workingDir string) (sandbox.ExecOutput, error) {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return sandbox.ExecOutput{}, nil
	}

	switch fields[0] {
	case "pwd":
		return sandbox.ExecOutput{Stdout: workingDir + "\n"}, nil
	case "echo":
		return sandbox.ExecOutput{Stdout: strings.Join(fields[1:], " ") + "\n"}, nil
	case "exit":
		code := 0
		if len(fields) > 1 {
			code, _ = strconv.Atoi(fields[1])
		}
		return sandbox.ExecOutput{ExitCode: code}, nil
	case "ls":
		path := fields[len(fields)-1]
		if strings.Contains(path, "missing") {
			return sandbox.ExecOutput{
				Stderr:   fmt.Sprintf("ls: cannot access %s: No such file or directory\n", path),
				ExitCode: 2,
			}, nil
		}
		return sandbox.ExecOutput{Stdout: "total 0\ndrwxr-xr-x 2 root root 40 Jan  1 00:00 .\n"}, nil
	case "fail":
		return sandbox.ExecOutput{Stderr: strings.Join(fields[1:], " ") + "\n", ExitCode: 1}, nil
	case "sleep":
		<-ctx.Done()
		return sandbox.ExecOutput{}, ctx.Err()
	default:
		return sandbox.ExecOutput{
			Stderr:   fmt.Sprintf("sh: %s: not found\n", fields[0]),
			ExitCode: 127,
		}, nil
	}
}
