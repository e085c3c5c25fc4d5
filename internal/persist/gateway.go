// Package persist saves and restores the collector state across restarts.
// Storage problems are logged and absorbed: Load degrades to an empty
// state and Save skips the cycle.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pairscope/internal/metrics"
	"pairscope/internal/model"
)

const defaultOpTimeout = 5 * time.Second

// Backend is one named snapshot store. When two backends hold snapshots
// saved at the same instant, the one listed first wins.
type Backend struct {
	Name  string
	Store model.SnapshotStore
}

// Gateway fans saves out to every backend and loads the most recently
// saved snapshot any of them holds.
type Gateway struct {
	backends []Backend
	logger   *slog.Logger
	prom     *metrics.Metrics
	timeout  time.Duration
}

// New creates a Gateway. Backends with a nil store are skipped, so a
// collector can run with Redis or SQLite unavailable.
func New(logger *slog.Logger, prom *metrics.Metrics, backends ...Backend) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{logger: logger, prom: prom, timeout: defaultOpTimeout}
	for _, b := range backends {
		if b.Store != nil {
			g.backends = append(g.backends, b)
		}
	}
	return g
}

// Backends returns the configured backend names in order.
func (g *Gateway) Backends() []string {
	out := make([]string, len(g.backends))
	for i, b := range g.backends {
		out[i] = b.Name
	}
	return out
}

// Save writes snap to every backend and returns how many succeeded.
func (g *Gateway) Save(ctx context.Context, snap model.Snapshot) int {
	ok := 0
	for _, b := range g.backends {
		opCtx, cancel := context.WithTimeout(ctx, g.timeout)
		err := b.Store.SaveSnapshot(opCtx, snap)
		cancel()
		if err != nil {
			g.fail(b.Name, "save", err)
			continue
		}
		ok++
		if g.prom != nil {
			g.prom.SnapshotSaves.WithLabelValues(b.Name).Inc()
		}
	}
	g.logger.Debug("snapshot saved",
		slog.Int("pairs", len(snap.Pairs)), slog.Int("backends_ok", ok), slog.Int("backends", len(g.backends)))
	return ok
}

// Load returns the newest stored snapshot by SavedAt, or an empty one when
// no backend has a snapshot or every backend fails. A backend that missed
// saves while it was down cannot shadow a newer copy held elsewhere.
func (g *Gateway) Load(ctx context.Context) model.Snapshot {
	var (
		best *model.Snapshot
		from string
	)
	for _, b := range g.backends {
		opCtx, cancel := context.WithTimeout(ctx, g.timeout)
		snap, err := b.Store.LoadSnapshot(opCtx)
		cancel()
		if err != nil {
			g.fail(b.Name, "load", err)
			continue
		}
		if snap == nil {
			continue
		}
		if best == nil || snap.SavedAt.After(best.SavedAt) {
			best, from = snap, b.Name
		}
	}
	if best == nil {
		g.logger.Info("no snapshot available, starting cold")
		return model.Snapshot{Version: model.SnapshotVersion}
	}
	g.logger.Info("snapshot restored",
		slog.String("backend", from), slog.Int("pairs", len(best.Pairs)),
		slog.Time("saved_at", best.SavedAt))
	return *best
}

// Clear removes the snapshot from every backend.
func (g *Gateway) Clear(ctx context.Context) error {
	var errs []error
	for _, b := range g.backends {
		opCtx, cancel := context.WithTimeout(ctx, g.timeout)
		err := b.Store.ClearSnapshot(opCtx)
		cancel()
		if err != nil {
			g.fail(b.Name, "clear", err)
			errs = append(errs, fmt.Errorf("%s: %w", b.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (g *Gateway) fail(backend, op string, err error) {
	if g.prom != nil {
		g.prom.SnapshotFailures.WithLabelValues(backend, op).Inc()
	}
	g.logger.Warn("snapshot "+op+" failed",
		slog.String("backend", backend), slog.String("error", err.Error()))
}
