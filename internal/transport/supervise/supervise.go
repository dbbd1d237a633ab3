// ABOUTME: Supervised-restart wrapper for long-lived transport helper processes.
// ABOUTME: Watches for exits and relaunches with capped exponential backoff.

package supervise

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/2389/coven-context/internal/transport"
)

// healthyUptime is how long a helper must stay up before the relaunch
// backoff resets to its initial interval.
const healthyUptime = 30 * time.Second

// LaunchFunc starts the helper process.
type LaunchFunc func(ctx context.Context) (transport.Process, error)

// Config tunes the relaunch backoff.
type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 250 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Helper owns one long-lived helper process as an explicit resource: it holds
// the handle, watches for exit, and relaunches with the same subscription set
// restored through the onRelaunch callback. Crash loops are throttled by a
// capped exponential backoff rather than relaunching unconditionally.
type Helper struct {
	name       string
	launch     LaunchFunc
	onRelaunch func(ctx context.Context) error
	logger     *slog.Logger
	backoff    *backoff.ExponentialBackOff

	mu       sync.Mutex
	proc     transport.Process
	started  bool
	restarts int

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// New creates a supervisor for a named helper. onRelaunch may be nil when the
// helper carries no re-establishable state.
func New(name string, launch LaunchFunc, onRelaunch func(ctx context.Context) error, cfg Config) *Helper {
	cfg.applyDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.MaxInterval = cfg.MaxBackoff
	b.MaxElapsedTime = 0 // never give up; degraded windows stay bounded

	return &Helper{
		name:       name,
		launch:     launch,
		onRelaunch: onRelaunch,
		logger:     cfg.Logger.With("helper", name),
		backoff:    b,
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Start launches the helper and begins watching it. Returns an error only
// when the initial launch fails; later crashes are handled by relaunching.
func (h *Helper) Start(ctx context.Context) error {
	proc, err := h.launch(ctx)
	if err != nil {
		return fmt.Errorf("launching helper %s: %w", h.name, err)
	}

	h.mu.Lock()
	h.proc = proc
	h.started = true
	h.mu.Unlock()

	go h.watch(ctx)
	return nil
}

// watch relaunches the helper whenever it exits, until Stop is called or the
// context is cancelled.
func (h *Helper) watch(ctx context.Context) {
	defer close(h.stopped)

	for {
		h.mu.Lock()
		proc := h.proc
		h.mu.Unlock()

		startedAt := time.Now()
		select {
		case <-h.stop:
			return
		case <-ctx.Done():
			return
		case <-proc.Done():
		}

		if time.Since(startedAt) >= healthyUptime {
			h.backoff.Reset()
		}
		wait := h.backoff.NextBackOff()

		h.logger.Warn("helper exited, relaunching",
			"error", proc.Err(),
			"uptime", time.Since(startedAt).Round(time.Millisecond),
			"backoff", wait,
		)

		select {
		case <-h.stop:
			return
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		next, err := h.launch(ctx)
		if err != nil {
			h.logger.Error("helper relaunch failed", "error", err)
			continue
		}

		h.mu.Lock()
		h.proc = next
		h.restarts++
		h.mu.Unlock()

		if h.onRelaunch != nil {
			if err := h.onRelaunch(ctx); err != nil {
				h.logger.Error("re-establishing helper state failed", "error", err)
			}
		}

		h.logger.Info("helper relaunched", "restarts", h.Restarts())
	}
}

// Stop kills the helper and ends supervision. Blocks until the watch loop
// has exited. Safe to call multiple times.
func (h *Helper) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)

		h.mu.Lock()
		proc := h.proc
		started := h.started
		h.mu.Unlock()

		if proc != nil {
			if err := proc.Kill(); err != nil {
				h.logger.Debug("killing helper", "error", err)
			}
		}
		if !started {
			close(h.stopped)
		}
	})
	<-h.stopped
}

// Restarts returns how many times the helper has been relaunched.
func (h *Helper) Restarts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.restarts
}
