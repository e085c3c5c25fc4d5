package collector

import (
	"context"
	"fmt"
	"log/slog"

	"pairscope/internal/clock"
	"pairscope/internal/fetch"
	"pairscope/internal/logger"
	"pairscope/internal/model"
)

// Update reasons carried in UpdateEvent.Reason.
const (
	ReasonDiscovery = "discovery"
	ReasonStats     = "stats"
	ReasonIndicator = "indicator"
	ReasonEviction  = "eviction"
)

// DiscoverOnce runs one discovery cycle. A failed or empty result keeps
// the current pair set; a failure marks the collector degraded.
func (s *Service) DiscoverOnce(ctx context.Context) error {
	res := s.disc.Run(ctx)
	now := s.clock.Now()

	if res.Failed() {
		s.setHealth(model.HealthDegraded, "discovery failed: "+res.Err.Error())
		return fmt.Errorf("discovery: %w", res.Err)
	}
	s.store.MarkCycle(model.CycleDiscovery, now)
	if s.health != nil {
		s.health.SetLastDiscovery(now)
	}
	if len(res.Pairs) == 0 {
		s.setHealth(model.HealthOK, "")
		s.logger.Info("discovery found nothing acceptable, keeping current pairs",
			append(logger.CycleAttrs(ctx), slog.Int("candidates", res.Candidates), slog.Int("tracked", s.store.Len()))...)
		return nil
	}

	mr := s.store.Merge(res.Pairs)
	s.setHealth(model.HealthOK, fmt.Sprintf("discovery recovered with %d pairs", s.store.Len()))
	if s.prom != nil {
		s.prom.PairsAdded.Add(float64(len(mr.Added)))
		s.prom.PairsRemoved.WithLabelValues("discovery").Add(float64(len(mr.Removed)))
	}
	s.logger.Info("discovery merged",
		append(logger.CycleAttrs(ctx),
			slog.String("strategy", res.Strategy),
			slog.Int("accepted", len(res.Pairs)),
			slog.Int("added", len(mr.Added)),
			slog.Int("removed", len(mr.Removed)),
			slog.Int("refreshed", mr.Refreshed))...)

	s.publish(ctx, model.UpdateEvent{
		Reason:  ReasonDiscovery,
		Pairs:   s.pairsFor(res.Pairs),
		Removed: mr.Removed,
	})
	return nil
}

// RefreshStats pulls live stats for every tracked pair. Fields that do not
// decode keep their cached value.
func (s *Service) RefreshStats(ctx context.Context) error {
	addrs := s.store.Addresses()
	if len(addrs) == 0 {
		return nil
	}
	recs, err := s.stats.Pairs(ctx, s.cfg.Chain, addrs)
	if err != nil && len(recs) == 0 {
		return fmt.Errorf("stats refresh: %w", err)
	}
	if err != nil {
		s.logger.Warn("stats refresh partially failed",
			append(logger.CycleAttrs(ctx), slog.String("error", err.Error()))...)
	}

	var updated []model.Pair
	for _, r := range recs {
		patch := r.Patch()
		if patch.Empty() {
			continue
		}
		if p, ok := s.store.Update(r.PairAddress, patch); ok {
			updated = append(updated, p)
		}
	}
	s.store.MarkCycle(model.CycleStats, s.clock.Now())
	s.logger.Debug("stats refreshed",
		append(logger.CycleAttrs(ctx), slog.Int("requested", len(addrs)), slog.Int("updated", len(updated)))...)

	if len(updated) > 0 {
		s.publish(ctx, model.UpdateEvent{Reason: ReasonStats, Pairs: updated})
	}
	return nil
}

// RefreshIndicators fetches candles for each tracked pair in turn,
// recomputes indicators and publishes each changed pair. A rate-limit
// response pauses the loop for the cooldown and skips that pair.
func (s *Service) RefreshIndicators(ctx context.Context) error {
	addrs := s.store.Addresses()
	updated, skipped := 0, 0

	for i, addr := range addrs {
		if i > 0 {
			if err := clock.Sleep(ctx, s.clock, s.cfg.OHLCVRequestDelay); err != nil {
				return err
			}
		}

		candles, err := s.candles.Candles(ctx, addr)
		switch {
		case err != nil && fetch.IsRateLimited(err):
			skipped++
			s.skip("rate_limited")
			if s.prom != nil {
				s.prom.RateLimited.WithLabelValues("ohlcv").Inc()
			}
			s.logger.Warn("ohlcv rate limited, cooling down",
				append(logger.CycleAttrs(ctx), slog.String("pair", addr), slog.Duration("cooldown", s.cfg.OHLCVCooldown))...)
			if err := clock.Sleep(ctx, s.clock, s.cfg.OHLCVCooldown); err != nil {
				return err
			}
			continue
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			skipped++
			s.skip("fetch_error")
			s.logger.Warn("ohlcv fetch failed",
				append(logger.CycleAttrs(ctx), slog.String("pair", addr), slog.String("error", err.Error()))...)
			continue
		case len(candles) == 0:
			skipped++
			s.skip("no_candles")
			continue
		}

		p, ok := s.store.RecordCandles(addr, candles)
		if !ok {
			// Removed by discovery while we were fetching.
			s.skip("untracked")
			continue
		}
		updated++
		if s.prom != nil {
			s.prom.IndicatorUpdates.Inc()
		}
		s.publish(ctx, model.UpdateEvent{Reason: ReasonIndicator, Pairs: []model.Pair{p}})
	}

	now := s.clock.Now()
	s.store.MarkCycle(model.CycleIndicator, now)
	if s.health != nil {
		s.health.SetLastIndicator(now)
	}

	if band := s.cfg.Eviction; band.Enabled {
		if evicted := s.store.EvictByIndicatorBand(band.Lower, band.Upper); len(evicted) > 0 {
			if s.prom != nil {
				s.prom.PairsRemoved.WithLabelValues("band").Add(float64(len(evicted)))
			}
			s.syncHealth()
			s.logger.Info("pairs evicted by rsi band",
				append(logger.CycleAttrs(ctx), slog.Int("evicted", len(evicted)))...)
			s.publish(ctx, model.UpdateEvent{Reason: ReasonEviction, Removed: evicted})
		}
	}

	s.logger.Info("indicator refresh done",
		append(logger.CycleAttrs(ctx), slog.Int("pairs", len(addrs)), slog.Int("updated", updated), slog.Int("skipped", skipped))...)
	return nil
}

// PersistOnce writes the current store to every snapshot backend.
func (s *Service) PersistOnce(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	s.persist.Save(ctx, s.store.Snapshot())
	return nil
}

// publish stamps ev with fresh stats and broadcasts it.
func (s *Service) publish(ctx context.Context, ev model.UpdateEvent) {
	ev.Pairs = model.Summaries(ev.Pairs)
	ev.Stats = s.store.Stats()
	if _, err := s.pub.Publish(model.EventUpdate, ev); err != nil {
		s.logger.Error("publish failed",
			append(logger.CycleAttrs(ctx), slog.String("reason", ev.Reason), slog.String("error", err.Error()))...)
	}
}

// pairsFor returns the stored copies of the given pairs that are tracked.
func (s *Service) pairsFor(in []model.Pair) []model.Pair {
	out := make([]model.Pair, 0, len(in))
	for _, p := range in {
		if cur, ok := s.store.Get(p.Address); ok {
			out = append(out, cur)
		}
	}
	return out
}

func (s *Service) skip(reason string) {
	if s.prom != nil {
		s.prom.IndicatorSkipped.WithLabelValues(reason).Inc()
	}
}
