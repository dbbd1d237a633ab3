// ABOUTME: Mock Runner and Process implementations for adapter tests.
// ABOUTME: Records invocations and lets tests script helper exits and output.

package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Invocation captures one Run or Start call.
type Invocation struct {
	Name string
	Args []string
}

// MockProcess implements Process with test-controlled exit and output.
type MockProcess struct {
	done chan struct{}
	err  error
	once sync.Once

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
}

// NewMockProcess returns a running mock process.
func NewMockProcess() *MockProcess {
	r, w := io.Pipe()
	return &MockProcess{done: make(chan struct{}), stdoutR: r, stdoutW: w}
}

// Done implements Process.
func (p *MockProcess) Done() <-chan struct{} { return p.done }

// Err implements Process.
func (p *MockProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Kill implements Process.
func (p *MockProcess) Kill() error {
	p.Exit(nil)
	return nil
}

// Stdout implements Process.
func (p *MockProcess) Stdout() io.Reader { return p.stdoutR }

// Exit simulates the process exiting with err.
func (p *MockProcess) Exit(err error) {
	p.once.Do(func() {
		p.err = err
		p.stdoutW.Close()
		close(p.done)
	})
}

// WriteLine emits one line on the mock process's stdout. Blocks until a
// reader consumes it.
func (p *MockProcess) WriteLine(line string) error {
	_, err := io.WriteString(p.stdoutW, line+"\n")
	return err
}

// MockRunner implements Runner for tests.
type MockRunner struct {
	mu       sync.Mutex
	runs     []Invocation
	starts   []Invocation
	procs    []*MockProcess
	RunOut   []byte
	RunErr   error
	StartErr error
	// RunFunc, when set, overrides RunOut/RunErr per invocation.
	RunFunc func(name string, args []string) ([]byte, error)
}

// Run implements Runner.
func (m *MockRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	m.mu.Lock()
	m.runs = append(m.runs, Invocation{Name: name, Args: args})
	fn := m.RunFunc
	out, err := m.RunOut, m.RunErr
	m.mu.Unlock()

	if fn != nil {
		return fn(name, args)
	}
	if err != nil {
		return nil, fmt.Errorf("mock run %s: %w", name, err)
	}
	return out, nil
}

// Start implements Runner.
func (m *MockRunner) Start(_ context.Context, name string, args ...string) (Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.StartErr != nil {
		return nil, m.StartErr
	}
	m.starts = append(m.starts, Invocation{Name: name, Args: args})
	p := NewMockProcess()
	m.procs = append(m.procs, p)
	return p, nil
}

// Runs returns all short-lived helper invocations.
func (m *MockRunner) Runs() []Invocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Invocation(nil), m.runs...)
}

// Starts returns all long-lived helper launches.
func (m *MockRunner) Starts() []Invocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Invocation(nil), m.starts...)
}

// Processes returns handles for every started helper, oldest first.
func (m *MockRunner) Processes() []*MockProcess {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockProcess(nil), m.procs...)
}
