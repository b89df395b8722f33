package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/runbox/sandbox"
)

func TestRootCommands(t *testing.T) {
	names := map[string]bool{}
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"ls", "gc", "info", "images", "rm", "exec"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}

	require.NotNil(t, gcCmd.Flags().Lookup("dry-run"))
	require.NotNil(t, gcCmd.Flags().Lookup("max-age-hours"))
	require.NotNil(t, rootCmd.PersistentFlags().Lookup("json"))
}

func TestWriteSandboxTable(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer

	err := writeSandboxTable(&buf, []sandbox.Sandbox{{
		ID:        "abc123",
		Name:      "runbox-python-ws1",
		Language:  "python",
		Status:    sandbox.StatusRunning,
		Limits:    sandbox.Limits{CPU: "0.5", MemoryBytes: 256 * 1024 * 1024},
		CreatedAt: now.Add(-2 * time.Hour),
	}}, now)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	for _, field := range []string{"abc123", "runbox-python-ws1", "python", "running", "0.5", "256MiB", "2 hours"} {
		assert.Contains(t, lines[1], field)
	}
}

func TestWriteInfo(t *testing.T) {
	var buf bytes.Buffer
	err := writeInfo(&buf, sandbox.RuntimeInfo{
		Backend:           "docker",
		Version:           "27.5.1",
		OperatingSystem:   "linux",
		Architecture:      "amd64",
		CPUs:              4,
		MemoryTotal:       8 * 1024 * 1024 * 1024,
		Containers:        3,
		ContainersRunning: 2,
		ContainersStopped: 1,
		ManagedSandboxes:  2,
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "linux/amd64")
	assert.Contains(t, out, "8GiB")
	assert.Contains(t, out, "3 (2 running, 1 stopped)")
}
