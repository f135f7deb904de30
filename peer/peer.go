// Package peer spawns and supervises the subprocess on the far side of a
// bridge session. A peer speaks newline-delimited JSON-RPC on its standard
// input and output; its standard error carries free-form diagnostics.
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// ErrEmptyCommand is returned when a Command has no executable.
var ErrEmptyCommand = errors.New("peer command is empty")

// Process is a running peer. Stdout and Stderr must be read to EOF before
// Wait is called.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process exits and returns its exit status.
	Wait() error
	// Terminate asks the process to exit (SIGTERM on unix).
	Terminate() error
	// Kill forcibly stops the process.
	Kill() error
	Pid() int
}

// Spawner starts peer processes.
type Spawner interface {
	Spawn(ctx context.Context) (Process, error)
}

// Command describes the fixed command line every session's peer is started
// with.
type Command struct {
	Path string
	Args []string
	Dir  string
	// Env is appended to the bridge's own environment.
	Env []string
}

// Validate reports whether the command can be spawned.
func (c Command) Validate() error {
	if c.Path == "" {
		return ErrEmptyCommand
	}
	return nil
}

func (c Command) String() string {
	s := c.Path
	for _, a := range c.Args {
		s += " " + a
	}
	return s
}

// ExecSpawner starts peers with os/exec.
type ExecSpawner struct {
	cmd Command
}

var _ Spawner = (*ExecSpawner)(nil)

// NewExecSpawner returns a Spawner for cmd.
func NewExecSpawner(cmd Command) (*ExecSpawner, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return &ExecSpawner{cmd: cmd}, nil
}

func (s *ExecSpawner) String() string { return s.cmd.String() }

// Spawn starts a new peer. The context only bounds start-up; the process
// outlives it and is stopped through the returned Process.
func (s *ExecSpawner) Spawn(ctx context.Context) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(s.cmd.Path, s.cmd.Args...)
	cmd.Dir = s.cmd.Dir
	if len(s.cmd.Env) > 0 {
		cmd.Env = append(os.Environ(), s.cmd.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", s.cmd.Path, err)
	}

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }
func (p *execProcess) Wait() error           { return p.cmd.Wait() }
func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }

func (p *execProcess) Terminate() error {
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (p *execProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
