// ABOUTME: Serializes transport calls behind a weighted semaphore with a timeout.
// ABOUTME: Wraps any Adapter so at most one transport operation is in flight.

package transport

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/2389/coven-context/internal/record"
)

// ErrGateTimeout is returned when a transport call could not acquire the
// gate within the configured wait. The caller fails rather than deadlocking.
var ErrGateTimeout = errors.New("timed out waiting for transport gate")

// Gated wraps an Adapter so that every transport call holds the adapter's
// mutual-exclusion region. Transports are often backed by spawning an
// external process; concurrent spawns against the same native resource are a
// correctness hazard on at least one platform. Events passes through
// ungated: inbound tailing must never be blocked by an in-flight emit.
type Gated struct {
	inner   Adapter
	sem     *semaphore.Weighted
	timeout time.Duration
	calls   atomic.Int64
}

// WithGate wraps adapter with a single-slot acquisition gate. Callers that
// cannot acquire the gate within timeout receive ErrGateTimeout.
func WithGate(adapter Adapter, timeout time.Duration) *Gated {
	return &Gated{
		inner:   adapter,
		sem:     semaphore.NewWeighted(1),
		timeout: timeout,
	}
}

// Calls returns how many transport calls have passed through the gate.
func (g *Gated) Calls() int {
	return int(g.calls.Load())
}

func (g *Gated) acquire(ctx context.Context) (func(), error) {
	acquireCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s", ErrGateTimeout, g.timeout)
		}
		return nil, err
	}
	return func() { g.sem.Release(1) }, nil
}

func (g *Gated) Name() string      { return g.inner.Name() }
func (g *Gated) SourceTag() string { return g.inner.SourceTag() }
func (g *Gated) Degraded() bool    { return g.inner.Degraded() }

func (g *Gated) Emit(ctx context.Context, rec *record.Record) error {
	release, err := g.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	g.calls.Add(1)
	return g.inner.Emit(ctx, rec)
}

func (g *Gated) Remove(ctx context.Context, id string) error {
	release, err := g.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	g.calls.Add(1)
	return g.inner.Remove(ctx, id)
}

func (g *Gated) Pull(ctx context.Context) ([]*record.Record, error) {
	release, err := g.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	g.calls.Add(1)
	return g.inner.Pull(ctx)
}

func (g *Gated) Subscribe(ctx context.Context, scope Scope) (*Subscription, error) {
	release, err := g.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	g.calls.Add(1)
	return g.inner.Subscribe(ctx, scope)
}

func (g *Gated) Unsubscribe(ctx context.Context, sub *Subscription) error {
	release, err := g.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	g.calls.Add(1)
	return g.inner.Unsubscribe(ctx, sub)
}

func (g *Gated) Events() <-chan Event {
	return g.inner.Events()
}

func (g *Gated) Close(ctx context.Context) error {
	release, err := g.acquire(ctx)
	if err != nil {
		// Shutdown proceeds even when the gate is wedged.
		g.calls.Add(1)
		return g.inner.Close(ctx)
	}
	defer release()
	g.calls.Add(1)
	return g.inner.Close(ctx)
}
