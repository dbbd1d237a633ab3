// ABOUTME: Periodic reconciliation between the local context store and transports.
// ABOUTME: Each cycle pulls external contexts in, then pushes eligible local ones out.

package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-context/internal/echo"
	"github.com/2389/coven-context/internal/record"
	"github.com/2389/coven-context/internal/store"
	"github.com/2389/coven-context/internal/transport"
)

const (
	// DefaultInterval is the reconciliation cadence.
	DefaultInterval = 5 * time.Second

	// DefaultMinConfidence gates which local contexts are shared.
	DefaultMinConfidence = 0.7

	// DefaultPushLimit caps how many contexts one cycle pushes per transport.
	DefaultPushLimit = 20
)

// Config holds loop settings.
type Config struct {
	Interval      time.Duration
	MinConfidence float64
	PushLimit     int

	// Guard, when set, marks pulled ids before upserting so the store change
	// feed does not re-emit contexts we just applied.
	Guard *echo.Guard

	// OnTick runs at the start of every cycle, before pull.
	OnTick func(now time.Time)

	Clock  Clock
	Logger *slog.Logger
}

// Stats are cumulative loop counters.
type Stats struct {
	Cycles     int
	Pulled     int
	Pushed     int
	PullErrors int
	PushErrors int
	LastCycle  time.Time
}

// Loop reconciles the store with a set of transports on a fixed cadence.
type Loop struct {
	cfg      Config
	store    store.Store
	adapters []transport.Adapter
	logger   *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// New creates a loop over the given store and transports.
func New(st store.Store, adapters []transport.Adapter, cfg Config) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MinConfidence == 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	if cfg.PushLimit <= 0 {
		cfg.PushLimit = DefaultPushLimit
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Loop{
		cfg:      cfg,
		store:    st,
		adapters: adapters,
		logger:   cfg.Logger.With("component", "reconcile"),
	}
}

// Run reconciles on the configured cadence until ctx is canceled. The cycle
// in flight when cancellation lands still completes.
func (l *Loop) Run(ctx context.Context) {
	ticker := l.cfg.Clock.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	l.logger.Info("reconciliation loop started", "interval", l.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("reconciliation loop stopped")
			return
		case now := <-ticker.C():
			l.RunOnce(ctx, now)
		}
	}
}

// RunOnce performs one full reconciliation cycle. Also called directly for
// the initial pass at startup. Transport errors are logged and counted but
// never abort the cycle.
func (l *Loop) RunOnce(ctx context.Context, now time.Time) {
	if l.cfg.OnTick != nil {
		l.cfg.OnTick(now)
	}

	var pulled, pushed, pullErrs, pushErrs int
	for _, ad := range l.adapters {
		n, err := l.pull(ctx, ad, now)
		pulled += n
		if err != nil {
			pullErrs++
			l.logger.Warn("pull failed", "transport", ad.Name(), "error", err)
		}
	}
	for _, ad := range l.adapters {
		n, errs := l.push(ctx, ad, now)
		pushed += n
		pushErrs += errs
	}

	l.mu.Lock()
	l.stats.Cycles++
	l.stats.Pulled += pulled
	l.stats.Pushed += pushed
	l.stats.PullErrors += pullErrs
	l.stats.PushErrors += pushErrs
	l.stats.LastCycle = now
	l.mu.Unlock()

	if pulled > 0 || pushed > 0 {
		l.logger.Debug("reconciliation cycle", "pulled", pulled, "pushed", pushed)
	}
}

// pull applies one transport's external contexts to the store. Re-delivery
// is harmless: ids derive deterministically, so an upsert of an already-seen
// context converges instead of duplicating.
func (l *Loop) pull(ctx context.Context, ad transport.Adapter, now time.Time) (int, error) {
	recs, err := ad.Pull(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, rec := range recs {
		if rec.Expired(now) {
			continue
		}
		if l.cfg.Guard != nil {
			l.cfg.Guard.Mark(rec.ID)
		}
		if _, err := l.store.UpsertContext(ctx, rec); err != nil {
			l.logger.Warn("upsert of pulled context failed", "id", rec.ID, "error", err)
			continue
		}
		applied++
	}
	return applied, nil
}

// push emits eligible local contexts on one transport. Contexts sourced from
// that same transport are skipped so nothing bounces back out the way it
// came in.
func (l *Loop) push(ctx context.Context, ad transport.Adapter, now time.Time) (pushed, errs int) {
	recs, err := l.store.QueryContexts(ctx, store.Query{
		MinConfidence: l.cfg.MinConfidence,
		SortBy:        store.SortByTimestamp,
		SortOrder:     store.SortDesc,
		Limit:         l.cfg.PushLimit,
	})
	if err != nil {
		l.logger.Warn("push query failed", "transport", ad.Name(), "error", err)
		return 0, 1
	}

	for _, rec := range recs {
		if rec.Source == ad.SourceTag() || rec.Expired(now) {
			continue
		}
		if err := ad.Emit(ctx, rec); err != nil {
			errs++
			l.logger.Warn("emit failed", "transport", ad.Name(), "id", rec.ID, "error", err)
			continue
		}
		pushed++
	}
	return pushed, errs
}

// Stats returns a snapshot of the cumulative counters.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Eligible reports whether a record clears the sharing gate. The store
// change path applies the same rule outside the cycle.
func (l *Loop) Eligible(rec *record.Record, now time.Time) bool {
	return rec.Confidence >= l.cfg.MinConfidence && !rec.Expired(now)
}
