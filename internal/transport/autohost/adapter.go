// ABOUTME: Transport adapter driving the first-party context API through an automation host.
// ABOUTME: Probes host availability once at startup and delegates to a fallback when absent.

package autohost

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-context/internal/record"
	"github.com/2389/coven-context/internal/transport"
	"github.com/2389/coven-context/internal/transport/supervise"
)

const eventBufferSize = 64

// DefaultHostCommand invokes the platform scripting host without its banner.
var DefaultHostCommand = []string{"cscript", "//Nologo", "//E:JScript"}

// Config holds autohost adapter settings.
type Config struct {
	// StagingDir receives the host scripts and per-call payload files.
	StagingDir string

	// AppID and AppName stamp outbound activities with this system's identity.
	AppID   string
	AppName string

	// HostCommand overrides the automation host invocation. The staged script
	// path and its arguments are appended to it.
	HostCommand []string

	// Fallback handles all traffic when the startup probe finds no automation
	// host. Without a fallback, operations fail with ErrUnavailable.
	Fallback transport.Adapter

	Runner transport.Runner
	Logger *slog.Logger
}

// Adapter implements transport.Adapter over the native context broker,
// reached through staged automation-host scripts.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	// native is decided once by the startup probe and never changes.
	native  bool
	scripts map[string]string
	cleanup []func()

	// eventsMu orders watcher-tail deliveries against Close so nothing sends
	// on the channel after it is closed.
	eventsMu     sync.Mutex
	events       chan transport.Event
	eventsClosed bool

	mu       sync.Mutex
	subs     map[string]transport.Scope // sub id -> scope
	listener *supervise.Helper
	closed   bool

	// scopes has its own lock so the supervised launch closure can re-read
	// the live scope set while mu is held for a listener restart.
	scopesMu sync.Mutex
	scopes   map[string]int // scope key -> refcount

	lifecycle context.Context
	cancel    context.CancelFunc
}

// New stages the host scripts and probes the context broker once. A failed
// probe is not an error when a fallback is configured: the adapter comes up
// degraded with every operation delegated.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	if len(cfg.HostCommand) == 0 {
		cfg.HostCommand = DefaultHostCommand
	}
	if cfg.Runner == nil {
		cfg.Runner = transport.ExecRunner{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "autohost")

	lifecycle, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		cfg:       cfg,
		logger:    logger,
		scripts:   make(map[string]string),
		events:    make(chan transport.Event, eventBufferSize),
		subs:      make(map[string]transport.Scope),
		scopes:    make(map[string]int),
		lifecycle: lifecycle,
		cancel:    cancel,
	}

	bodies := map[string]string{
		"probe":  probeScript,
		"post":   postScript,
		"query":  queryScript,
		"remove": removeScript,
		"listen": listenScript,
	}
	for name, body := range bodies {
		path, clean, err := transport.Stage(cfg.StagingDir, name, ".js", []byte(body))
		if err != nil {
			a.runCleanups()
			cancel()
			return nil, fmt.Errorf("staging %s script: %w", name, err)
		}
		a.scripts[name] = path
		a.cleanup = append(a.cleanup, clean)
	}

	if _, err := a.runHost(ctx, "probe"); err != nil {
		a.runCleanups()
		if cfg.Fallback == nil {
			logger.Warn("context broker unavailable, no fallback configured", "error", err)
		} else {
			logger.Info("context broker unavailable, using fallback transport",
				"fallback", cfg.Fallback.Name(), "error", err)
		}
		return a, nil
	}

	a.native = true
	logger.Info("context broker available", "host", cfg.HostCommand[0])
	return a, nil
}

// Name implements transport.Adapter.
func (a *Adapter) Name() string { return "autohost" }

// SourceTag implements transport.Adapter. In fallback mode records flow
// through the fallback and carry its tag, so the tag must match.
func (a *Adapter) SourceTag() string {
	if !a.native && a.cfg.Fallback != nil {
		return a.cfg.Fallback.SourceTag()
	}
	return "autohost"
}

// Degraded implements transport.Adapter.
func (a *Adapter) Degraded() bool { return !a.native }

// Emit implements transport.Adapter. It stages the activity as a transient
// file and publishes it through the host.
func (a *Adapter) Emit(ctx context.Context, rec *record.Record) error {
	if !a.native {
		if a.cfg.Fallback != nil {
			return a.cfg.Fallback.Emit(ctx, rec)
		}
		return fmt.Errorf("emit: %w", transport.ErrUnavailable)
	}

	data, err := json.Marshal(toWire(rec, a.cfg.AppID, a.cfg.AppName))
	if err != nil {
		return fmt.Errorf("encoding activity: %w", err)
	}

	payloadPath, clean, err := transport.Stage(a.cfg.StagingDir, "activity", ".json", data)
	if err != nil {
		return err
	}
	defer clean()

	if _, err := a.runHost(ctx, "post", payloadPath); err != nil {
		return fmt.Errorf("publishing activity: %w", err)
	}

	a.logger.Debug("activity published", "id", rec.ID, "type", rec.Type)
	return nil
}

// Remove implements transport.Adapter. The context broker supports visible
// retraction, so removes propagate natively.
func (a *Adapter) Remove(ctx context.Context, id string) error {
	if !a.native {
		if a.cfg.Fallback != nil {
			return a.cfg.Fallback.Remove(ctx, id)
		}
		return fmt.Errorf("remove: %w", transport.ErrUnavailable)
	}

	if _, err := a.runHost(ctx, "remove", id); err != nil {
		return fmt.Errorf("retracting activity %s: %w", id, err)
	}
	return nil
}

// Pull implements transport.Adapter. It queries the broker's current shared
// activities; our own are filtered out before conversion.
func (a *Adapter) Pull(ctx context.Context) ([]*record.Record, error) {
	if !a.native {
		if a.cfg.Fallback != nil {
			return a.cfg.Fallback.Pull(ctx)
		}
		return nil, fmt.Errorf("pull: %w", transport.ErrUnavailable)
	}

	out, err := a.runHost(ctx, "query")
	if err != nil {
		return nil, fmt.Errorf("querying activities: %w", err)
	}

	activities, err := decodeActivityList(out)
	if err != nil {
		return nil, err
	}

	var recs []*record.Record
	for _, w := range activities {
		if w.AppUserModelID == a.cfg.AppID {
			continue
		}
		rec, err := fromWire(w, a.SourceTag())
		if err != nil {
			a.logger.Warn("skipping malformed activity", "error", err)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Subscribe implements transport.Adapter. The watcher helper is restarted
// with the union of all subscribed scopes.
func (a *Adapter) Subscribe(ctx context.Context, scope transport.Scope) (*transport.Subscription, error) {
	if !a.native {
		if a.cfg.Fallback != nil {
			return a.cfg.Fallback.Subscribe(ctx, scope)
		}
		return nil, fmt.Errorf("subscribe: %w", transport.ErrUnavailable)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, fmt.Errorf("subscribe: adapter closed")
	}

	sub := &transport.Subscription{
		ID:    uuid.New().String(),
		Scope: scope,
		Token: scopeArg(scope),
	}
	a.subs[sub.ID] = scope
	a.addScope(scope.Key(), 1)

	if err := a.restartListenerLocked(); err != nil {
		delete(a.subs, sub.ID)
		a.addScope(scope.Key(), -1)
		return nil, err
	}
	return sub, nil
}

// Unsubscribe implements transport.Adapter.
func (a *Adapter) Unsubscribe(ctx context.Context, sub *transport.Subscription) error {
	if !a.native {
		if a.cfg.Fallback != nil {
			return a.cfg.Fallback.Unsubscribe(ctx, sub)
		}
		return fmt.Errorf("unsubscribe: %w", transport.ErrUnavailable)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	scope, ok := a.subs[sub.ID]
	if !ok {
		return nil
	}
	delete(a.subs, sub.ID)
	a.addScope(scope.Key(), -1)

	if a.closed {
		return nil
	}
	return a.restartListenerLocked()
}

// Events implements transport.Adapter.
func (a *Adapter) Events() <-chan transport.Event {
	if !a.native && a.cfg.Fallback != nil {
		return a.cfg.Fallback.Events()
	}
	return a.events
}

// Close implements transport.Adapter. Best effort: every teardown step runs
// even when an earlier one fails.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	listener := a.listener
	a.listener = nil
	a.subs = make(map[string]transport.Scope)
	a.mu.Unlock()

	a.scopesMu.Lock()
	a.scopes = make(map[string]int)
	a.scopesMu.Unlock()

	a.cancel()
	if listener != nil {
		listener.Stop()
	}

	a.eventsMu.Lock()
	a.eventsClosed = true
	close(a.events)
	a.eventsMu.Unlock()

	a.runCleanups()

	if a.cfg.Fallback != nil {
		return a.cfg.Fallback.Close(ctx)
	}
	return nil
}

// runHost invokes the automation host on a staged script.
func (a *Adapter) runHost(ctx context.Context, script string, args ...string) ([]byte, error) {
	argv := append([]string(nil), a.cfg.HostCommand[1:]...)
	argv = append(argv, a.scripts[script])
	argv = append(argv, args...)
	return a.cfg.Runner.Run(ctx, a.cfg.HostCommand[0], argv...)
}

func (a *Adapter) runCleanups() {
	for _, clean := range a.cleanup {
		clean()
	}
	a.cleanup = nil
}

// addScope adjusts the refcount for a scope key.
func (a *Adapter) addScope(key string, delta int) {
	a.scopesMu.Lock()
	defer a.scopesMu.Unlock()
	a.scopes[key] += delta
	if a.scopes[key] <= 0 {
		delete(a.scopes, key)
	}
}

func (a *Adapter) scopeCount() int {
	a.scopesMu.Lock()
	defer a.scopesMu.Unlock()
	return len(a.scopes)
}

// currentScopeArgs returns the watcher arguments for all live scopes.
func (a *Adapter) currentScopeArgs() []string {
	a.scopesMu.Lock()
	defer a.scopesMu.Unlock()

	args := make([]string, 0, len(a.scopes))
	for key := range a.scopes {
		if key == "system" {
			args = append(args, scopeGlobal)
		} else {
			args = append(args, key)
		}
	}
	return args
}

// scopeArg maps a scope to the watcher argument naming it.
func scopeArg(scope transport.Scope) string {
	if scope.SystemWide {
		return scopeGlobal
	}
	return scope.Key()
}

// restartListenerLocked replaces the watcher helper so its registration
// matches the current scope set. Must be called with mu held. With no scopes
// left the watcher is stopped outright.
func (a *Adapter) restartListenerLocked() error {
	if a.listener != nil {
		a.listener.Stop()
		a.listener = nil
	}
	if a.scopeCount() == 0 {
		return nil
	}

	// The launch closure re-reads the scope set every time so a relaunched
	// watcher picks up the subscriptions current at relaunch time. Each
	// launched process gets its own stdout tail.
	launch := func(ctx context.Context) (transport.Process, error) {
		argv := append([]string(nil), a.cfg.HostCommand[1:]...)
		argv = append(argv, a.scripts["listen"])
		argv = append(argv, a.currentScopeArgs()...)
		p, err := a.cfg.Runner.Start(ctx, a.cfg.HostCommand[0], argv...)
		if err != nil {
			return nil, err
		}
		go a.tail(p)
		return p, nil
	}

	helper := supervise.New("autohost-watcher", launch, nil, supervise.Config{Logger: a.logger})
	if err := helper.Start(a.lifecycle); err != nil {
		return err
	}
	a.listener = helper
	return nil
}

// tail scans one watcher process's stdout, converting each JSON line into an
// inbound event. Ends when the process exits or its stdout closes.
func (a *Adapter) tail(p transport.Process) {
	stdout := p.Stdout()
	if stdout == nil {
		return
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		w, err := decodeActivity(line)
		if err != nil {
			a.logger.Warn("dropping malformed watcher line", "error", err)
			continue
		}
		// The broker echoes our own publishes back to the watcher.
		if w.AppUserModelID == a.cfg.AppID {
			continue
		}
		rec, err := fromWire(w, a.SourceTag())
		if err != nil {
			a.logger.Warn("dropping incomplete activity", "error", err)
			continue
		}

		a.deliver(rec)
	}
}

// deliver hands one inbound record to the events channel, dropping it when
// the buffer is full or the adapter is already closed.
func (a *Adapter) deliver(rec *record.Record) {
	a.eventsMu.Lock()
	defer a.eventsMu.Unlock()
	if a.eventsClosed {
		return
	}

	select {
	case a.events <- transport.Event{Record: rec}:
	default:
		a.logger.Debug("event buffer full, dropping inbound context", "id", rec.ID)
	}
}
