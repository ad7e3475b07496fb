package remote

import (
	"bytes"
	"context"
	"errors"
	"os/exec"

	v1 "github.com/f9-o/fleet/api/v1"
)

// Executor runs rendered commands on exactly one host.
type Executor interface {
	Exec(ctx context.Context, cmd Command) ([]byte, error)
}

// hostKeyer is implemented by executors that can capture the host key out of band.
type hostKeyer interface {
	HostKey(ctx context.Context) (string, error)
}

// SSHExecutor runs commands over a pooled SSH connection.
type SSHExecutor struct {
	Pool *Pool
	Spec v1.HostSpec
}

// Exec implements Executor.
func (e *SSHExecutor) Exec(ctx context.Context, cmd Command) ([]byte, error) {
	line := cmd.Shell()
	stdout, stderr, exit, err := e.Pool.Run(ctx, e.Spec, line, cmd.Stdin)
	if err != nil {
		return stdout, &CommandError{Host: e.Spec.Name, Command: line, Exit: exit, Stderr: string(stderr), Cause: err}
	}
	return stdout, nil
}

// HostKey implements hostKeyer.
func (e *SSHExecutor) HostKey(ctx context.Context) (string, error) {
	return e.Pool.HostKey(e.Spec)
}

// LocalExecutor runs commands on the deployer through sh -c.
type LocalExecutor struct {
	Name string
}

// Exec implements Executor.
func (e LocalExecutor) Exec(ctx context.Context, cmd Command) ([]byte, error) {
	line := cmd.Shell()
	c := exec.CommandContext(ctx, "sh", "-c", line)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	if cmd.Stdin != nil {
		c.Stdin = bytes.NewReader(cmd.Stdin)
	}
	if err := c.Run(); err != nil {
		exit := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exit = exitErr.ExitCode()
		}
		return stdout.Bytes(), &CommandError{Host: e.Name, Command: line, Exit: exit, Stderr: stderr.String(), Cause: err}
	}
	return stdout.Bytes(), nil
}
