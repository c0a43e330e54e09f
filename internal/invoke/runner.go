// Package invoke is the subprocess boundary: argv in, exit status and streams out.
// Nothing here goes through a shell.
package invoke

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"

	"github.com/kballard/go-shellquote"

	"github.com/jbweber/homelab/vmx/internal/domain"
)

// ElevateWith is the program used for privileged invocations.
const ElevateWith = "sudo"

// Command describes one subprocess invocation.
type Command struct {
	Name string
	Args []string
	Dir  string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Elevated runs the command through ElevateWith. This is the only place
	// privilege escalation happens.
	Elevated bool
	// Detached places the child in its own process group so it outlives the caller's terminal.
	Detached bool
	// OpenStdin gives the caller a pipe to the child's stdin through Process.Stdin.
	OpenStdin bool
}

// Argv returns the full argument vector, including the elevation prefix.
func (c Command) Argv() []string {
	argv := make([]string, 0, len(c.Args)+2)
	if c.Elevated {
		argv = append(argv, ElevateWith)
	}
	argv = append(argv, c.Name)
	return append(argv, c.Args...)
}

// String renders the argv quoted for a POSIX shell, for logs and display only.
func (c Command) String() string {
	return shellquote.Join(c.Argv()...)
}

// Result carries the outcome of a completed command.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// ExitError reports a command that ran and exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s exited with code %d: %s", e.Command, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
}

// Process is a started, not yet awaited, subprocess.
type Process interface {
	// Pid is the OS process id of the spawned child.
	Pid() int
	// Stdin is the write end of the child's stdin, nil unless Command.OpenStdin was set.
	Stdin() io.WriteCloser
	// Wait blocks until exit. A non-zero exit returns the code with a nil error.
	Wait() (int, error)
}

// Runner executes commands. ExecRunner is the host implementation; tests script a fake.
type Runner interface {
	// Run executes and waits. Spawn failures are *domain.InvocationError, non-zero
	// exits return the Result together with an *ExitError.
	Run(ctx context.Context, cmd Command) (Result, error)
	// Start spawns without waiting. The child is not bound to ctx.
	Start(ctx context.Context, cmd Command) (Process, error)
}

// ExecRunner executes commands on the local host.
type ExecRunner struct{}

// Run executes cmd and collects its output.
func (r ExecRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	argv := cmd.Argv()
	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	c.Dir = cmd.Dir
	c.Stdin = cmd.Stdin

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	if cmd.Stdout != nil {
		c.Stdout = io.MultiWriter(&stdout, cmd.Stdout)
	}
	if cmd.Stderr != nil {
		c.Stderr = io.MultiWriter(&stderr, cmd.Stderr)
	}

	err := c.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		res.ExitCode = exitErr.ExitCode()
		return res, &ExitError{
			Command:  cmd.String(),
			ExitCode: res.ExitCode,
			Stderr:   string(bytes.TrimSpace(res.Stderr)),
		}
	}

	res.ExitCode = 1
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		res.ExitCode = 127
	}
	return res, &domain.InvocationError{Command: cmd.String(), Err: err}
}

// Start spawns cmd and returns as soon as the child exists.
func (r ExecRunner) Start(_ context.Context, cmd Command) (Process, error) {
	argv := cmd.Argv()
	c := exec.Command(argv[0], argv[1:]...)
	c.Dir = cmd.Dir
	c.Stdout = cmd.Stdout
	c.Stderr = cmd.Stderr
	if cmd.Detached {
		c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	p := &execProcess{cmd: c}
	if cmd.OpenStdin {
		stdin, err := c.StdinPipe()
		if err != nil {
			return nil, &domain.InvocationError{Command: cmd.String(), Err: err}
		}
		p.stdin = stdin
	} else {
		c.Stdin = cmd.Stdin
	}

	if err := c.Start(); err != nil {
		return nil, &domain.InvocationError{Command: cmd.String(), Err: err}
	}
	return p, nil
}

type execProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, &domain.InvocationError{Command: shellquote.Join(p.cmd.Args...), Err: err}
}
