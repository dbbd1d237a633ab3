// ABOUTME: Subprocess runner abstraction used by adapters to invoke platform helpers.
// ABOUTME: Keeps adapters portable and lets tests substitute fake processes.

package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// Runner spawns helper processes. The real implementation shells out; tests
// provide fakes so adapter logic runs on any platform.
type Runner interface {
	// Run executes a short-lived helper to completion and returns its stdout.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)

	// Start launches a long-lived helper and returns a handle for supervision.
	Start(ctx context.Context, name string, args ...string) (Process, error)
}

// Process is a running long-lived helper.
type Process interface {
	// Done is closed when the process exits for any reason.
	Done() <-chan struct{}

	// Err returns the exit error, valid once Done is closed.
	Err() error

	// Kill terminates the process. Idempotent.
	Kill() error

	// Stdout streams the helper's standard output. May be nil for helpers
	// whose output is not consumed.
	Stdout() io.Reader
}

// ExecRunner is the production Runner backed by os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("running %s: %w (stderr: %s)", name, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// Start implements Runner.
func (ExecRunner) Start(ctx context.Context, name string, args ...string) (Process, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("piping %s stdout: %w", name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", name, err)
	}

	p := &execProcess{cmd: cmd, stdout: stdout, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd      *exec.Cmd
	stdout   io.Reader
	done     chan struct{}
	err      error
	killOnce sync.Once
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Stdout() io.Reader { return p.stdout }

func (p *execProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *execProcess) Kill() error {
	var err error
	p.killOnce.Do(func() {
		if p.cmd.Process != nil {
			err = p.cmd.Process.Kill()
		}
	})
	return err
}
