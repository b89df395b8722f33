// Package sandbox manages long-lived, resource-capped language containers.
//
// A Sandbox is one container bound to a language image and a host workspace
// directory mounted read-write at a fixed path. The Manager owns the lifecycle
// (create, start, stop, remove, status, list, age-based garbage collection)
// and keeps the Registry in step with the container engine. The Executor runs
// one shell command to completion inside a sandbox, starting it first when
// needed, and returns stdout and stderr separately with the native exit code.
//
// Container engines sit behind the Runtime interface. DockerRuntime talks to
// the Docker Engine API; PodmanRuntime drives the podman CLI.
//
// Usage:
//
//	rt, err := sandbox.NewRuntime(cfg, logger)
//	mgr := sandbox.NewManagerFromConfig(cfg, logger, rt, sandbox.NewRegistry())
//	sb, err := mgr.Create(ctx, sandbox.CreateRequest{Language: "python", CPU: "1", Memory: "512m"})
//	res, err := sandbox.NewExecutor(logger, mgr).Execute(ctx, sandbox.ExecuteRequest{
//	    SandboxID: sb.ID,
//	    Command:   "python -c 'print(1+1)'",
//	})
package sandbox
