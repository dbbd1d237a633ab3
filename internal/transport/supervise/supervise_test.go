// ABOUTME: Tests for supervised helper relaunch and shutdown behavior.
// ABOUTME: Uses fake processes to simulate crashes and launch failures.

package supervise

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-context/internal/transport"
)

// fakeProcess implements transport.Process for tests.
type fakeProcess struct {
	done chan struct{}
	err  error
	once sync.Once
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{done: make(chan struct{})}
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *fakeProcess) Kill() error {
	p.exit(nil)
	return nil
}

func (p *fakeProcess) Stdout() io.Reader { return nil }

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// launcher hands out fake processes and tracks them.
type launcher struct {
	mu    sync.Mutex
	procs []*fakeProcess
	fail  error
}

func (l *launcher) launch(context.Context) (transport.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return nil, l.fail
	}
	p := newFakeProcess()
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *launcher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *launcher) latest() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[len(l.procs)-1]
}

func testConfig() Config {
	return Config{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func TestHelper_InitialLaunchFailureSurfaces(t *testing.T) {
	l := &launcher{fail: errors.New("no such binary")}
	h := New("listener", l.launch, nil, testConfig())

	err := h.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listener")

	h.Stop() // must not block even though Start failed
}

func TestHelper_RelaunchesAfterCrash(t *testing.T) {
	l := &launcher{}

	var relaunches int
	var mu sync.Mutex
	onRelaunch := func(context.Context) error {
		mu.Lock()
		relaunches++
		mu.Unlock()
		return nil
	}

	h := New("listener", l.launch, onRelaunch, testConfig())
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop()

	// Crash the helper and wait for the supervisor to bring it back.
	l.latest().exit(errors.New("killed"))

	require.Eventually(t, func() bool {
		return l.count() == 2
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return relaunches == 1
	}, time.Second, time.Millisecond)

	assert.Equal(t, 1, h.Restarts())
}

func TestHelper_SubscriptionsReestablishedWithinOneRelaunch(t *testing.T) {
	l := &launcher{}

	resubscribed := make(chan struct{})
	onRelaunch := func(context.Context) error {
		close(resubscribed)
		return nil
	}

	h := New("listener", l.launch, onRelaunch, testConfig())
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop()

	l.latest().exit(errors.New("crash"))

	select {
	case <-resubscribed:
	case <-time.After(time.Second):
		t.Fatal("subscriptions not re-established after one relaunch")
	}
	assert.Equal(t, 1, h.Restarts())
}

func TestHelper_StopKillsAndStopsRelaunching(t *testing.T) {
	l := &launcher{}
	h := New("listener", l.launch, nil, testConfig())
	require.NoError(t, h.Start(context.Background()))

	h.Stop()
	h.Stop() // idempotent

	select {
	case <-l.latest().Done():
	default:
		t.Fatal("helper process not killed on stop")
	}

	// No relaunch after stop.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, l.count())
}

func TestHelper_ContextCancelEndsSupervision(t *testing.T) {
	l := &launcher{}
	h := New("listener", l.launch, nil, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.Start(ctx))

	cancel()
	l.latest().exit(errors.New("crash"))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, l.count(), "no relaunch after context cancellation")

	h.Stop()
}

func TestHelper_RetriesWhenRelaunchFails(t *testing.T) {
	l := &launcher{}
	h := New("listener", l.launch, nil, testConfig())
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop()

	// First crash with launch failing, then allow it to succeed.
	l.mu.Lock()
	l.fail = errors.New("transient")
	l.mu.Unlock()

	l.latest().exit(errors.New("crash"))
	time.Sleep(10 * time.Millisecond)

	l.mu.Lock()
	l.fail = nil
	l.mu.Unlock()

	require.Eventually(t, func() bool {
		return l.count() == 2
	}, time.Second, time.Millisecond)
}
