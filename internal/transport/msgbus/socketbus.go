// ABOUTME: Unix-socket backend speaking the broker's newline-JSON protocol.
// ABOUTME: Fallback for hosts where the session message bus is unavailable.

package msgbus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultSocketPath is where the local context broker listens when no
	// session bus is available.
	DefaultSocketPath = "/run/user/coven/context-broker.sock"

	socketDialTimeout  = 2 * time.Second
	socketQueryTimeout = 5 * time.Second

	redialInitialInterval = 250 * time.Millisecond
	redialMaxInterval     = 30 * time.Second
)

// frame is one newline-delimited protocol message in either direction.
type frame struct {
	Op      string        `json:"op"`
	Update  *wireUpdate   `json:"update,omitempty"`
	Updates []*wireUpdate `json:"updates,omitempty"`
	ID      string        `json:"id,omitempty"`
}

// socketBus drives the local broker over its unix socket. A single read loop
// dispatches broker frames: query replies to the waiting caller, change
// notifications to the watch callback. When the connection drops the bus
// redials on its own and re-registers the watch; sends made while
// disconnected fail and are retried by the caller's next cycle.
type socketBus struct {
	path   string
	logger *slog.Logger
	done   chan struct{}

	mu      sync.Mutex
	conn    net.Conn // nil while reconnecting
	watchFn func(busEvent)
	pending chan []*wireUpdate
	closed  bool

	// queryMu serializes queries; the protocol has no correlation ids.
	queryMu sync.Mutex

	writeMu sync.Mutex
}

// connectSocket dials the broker socket. Failure is the caller's cue to fall
// back to emulation.
func connectSocket(path string, logger *slog.Logger) (*socketBus, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := net.DialTimeout("unix", path, socketDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dialing context broker: %w", err)
	}

	b := &socketBus{
		path:   path,
		logger: logger,
		done:   make(chan struct{}),
		conn:   conn,
	}
	go b.readLoop(conn)
	return b, nil
}

func (b *socketBus) send(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding broker frame: %w", err)
	}

	b.mu.Lock()
	conn := b.conn
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("broker connection closed")
	}
	if conn == nil {
		return fmt.Errorf("broker connection down, reconnecting")
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing to context broker: %w", err)
	}
	return nil
}

// Publish implements bus.
func (b *socketBus) Publish(w *wireUpdate) error {
	return b.send(frame{Op: "publish", Update: w})
}

// Remove implements bus.
func (b *socketBus) Remove(correlationID string) error {
	return b.send(frame{Op: "remove", ID: correlationID})
}

// Query implements bus.
func (b *socketBus) Query() ([]*wireUpdate, error) {
	b.queryMu.Lock()
	defer b.queryMu.Unlock()

	reply := make(chan []*wireUpdate, 1)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("query: broker connection closed")
	}
	b.pending = reply
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.pending = nil
		b.mu.Unlock()
	}()

	if err := b.send(frame{Op: "query"}); err != nil {
		return nil, err
	}

	select {
	case updates := <-reply:
		return updates, nil
	case <-time.After(socketQueryTimeout):
		return nil, fmt.Errorf("query: broker reply timed out")
	}
}

// Watch implements bus.
func (b *socketBus) Watch(fn func(busEvent)) error {
	b.mu.Lock()
	if b.watchFn != nil {
		b.mu.Unlock()
		return fmt.Errorf("broker watch already active")
	}
	b.watchFn = fn
	b.mu.Unlock()

	return b.send(frame{Op: "watch"})
}

// Close implements bus.
func (b *socketBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conn := b.conn
	b.mu.Unlock()

	close(b.done)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// readLoop dispatches frames from one connection until it drops, then hands
// off to the redial loop.
func (b *socketBus) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var f frame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			continue
		}

		b.mu.Lock()
		watchFn := b.watchFn
		pending := b.pending
		b.mu.Unlock()

		switch f.Op {
		case "records":
			if pending != nil {
				select {
				case pending <- f.Updates:
				default:
				}
			}
		case "update":
			if watchFn != nil && f.Update != nil {
				watchFn(busEvent{update: f.Update})
			}
		case "removed":
			if watchFn != nil && f.ID != "" {
				watchFn(busEvent{removedID: f.ID})
			}
		}
	}

	b.mu.Lock()
	if b.closed || b.conn != conn {
		b.mu.Unlock()
		return
	}
	b.conn = nil
	b.mu.Unlock()
	conn.Close()

	b.logger.Warn("broker connection lost, redialing")
	go b.redial()
}

// redial reconnects to the broker with capped exponential backoff, then
// re-registers the watch so the event stream resumes where it left off.
func (b *socketBus) redial() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = redialInitialInterval
	bo.MaxInterval = redialMaxInterval
	bo.MaxElapsedTime = 0

	for {
		conn, err := net.DialTimeout("unix", b.path, socketDialTimeout)
		if err != nil {
			select {
			case <-time.After(bo.NextBackOff()):
				continue
			case <-b.done:
				return
			}
		}

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			conn.Close()
			return
		}
		b.conn = conn
		watching := b.watchFn != nil
		b.mu.Unlock()

		go b.readLoop(conn)
		if watching {
			if err := b.send(frame{Op: "watch"}); err != nil {
				// The fresh connection died already; its read loop redials.
				b.logger.Warn("re-registering broker watch failed", "error", err)
			}
		}
		b.logger.Info("broker connection restored")
		return
	}
}
