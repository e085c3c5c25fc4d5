// Package collector is the pair collector service: it owns the pair
// store and drives the discovery, stats, indicator and persistence
// cycles against it.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pairscope/internal/clock"
	"pairscope/internal/discovery"
	"pairscope/internal/metrics"
	"pairscope/internal/model"
	"pairscope/internal/notification"
	"pairscope/internal/pairs"
	"pairscope/internal/scheduler"
	"pairscope/internal/upstream"
)

const shutdownTimeout = 10 * time.Second

// Config holds the collector cadence and policy knobs.
type Config struct {
	Chain string

	DiscoveryInterval time.Duration
	StatsInterval     time.Duration
	IndicatorInterval time.Duration
	PersistInterval   time.Duration

	// OHLCVRequestDelay separates consecutive candle fetches.
	OHLCVRequestDelay time.Duration
	// OHLCVCooldown is the pause after the candle upstream rate-limits us.
	OHLCVCooldown time.Duration

	Eviction  discovery.Band
	ColdStart bool
}

// Discoverer yields the accepted pair set for one discovery cycle.
type Discoverer interface {
	Run(ctx context.Context) discovery.Result
}

// StatsSource returns live stats for tracked pairs.
type StatsSource interface {
	Pairs(ctx context.Context, chain string, addresses []string) ([]upstream.PairRecord, error)
}

// CandleSource returns oldest-first candles for a pair.
type CandleSource interface {
	Candles(ctx context.Context, address string) ([]model.Candle, error)
}

// Publisher fans events out to subscribers.
type Publisher interface {
	Publish(kind string, payload any) (int, error)
}

// Persister saves and restores the store.
type Persister interface {
	Save(ctx context.Context, snap model.Snapshot) int
	Load(ctx context.Context) model.Snapshot
	Clear(ctx context.Context) error
}

// Deps are the collaborators of a Service. Store, Discoverer, Stats,
// Candles and Publisher are required.
type Deps struct {
	Store      *pairs.Store
	Discoverer Discoverer
	Stats      StatsSource
	Candles    CandleSource
	Publisher  Publisher
	Persist    Persister

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Health  *metrics.HealthStatus
	Alerts  *notification.HealthAlerter
}

// Service is the top-level orchestrator for the collector.
type Service struct {
	cfg Config

	store   *pairs.Store
	disc    Discoverer
	stats   StatsSource
	candles CandleSource
	pub     Publisher
	persist Persister

	clock  clock.Clock
	logger *slog.Logger
	prom   *metrics.Metrics
	health *metrics.HealthStatus
	alerts *notification.HealthAlerter
}

// New creates a Service.
func New(cfg Config, d Deps) (*Service, error) {
	if d.Store == nil || d.Discoverer == nil || d.Stats == nil || d.Candles == nil || d.Publisher == nil {
		return nil, errors.New("collector: store, discoverer, stats, candles and publisher are required")
	}
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Service{
		cfg:     cfg,
		store:   d.Store,
		disc:    d.Discoverer,
		stats:   d.Stats,
		candles: d.Candles,
		pub:     d.Publisher,
		persist: d.Persist,
		clock:   d.Clock,
		logger:  d.Logger,
		prom:    d.Metrics,
		health:  d.Health,
		alerts:  d.Alerts,
	}, nil
}

// Store returns the pair store the service drives.
func (s *Service) Store() *pairs.Store { return s.store }

// Restore seeds the store from the last snapshot. With ColdStart set the
// snapshot is cleared first. Failures only cost the warm start.
func (s *Service) Restore(ctx context.Context) int {
	if s.persist == nil {
		return 0
	}
	if s.cfg.ColdStart {
		if err := s.persist.Clear(ctx); err != nil {
			s.logger.Warn("cold start: clearing snapshot failed", slog.String("error", err.Error()))
		} else {
			s.logger.Info("cold start: snapshot cleared")
		}
	}
	snap := s.persist.Load(ctx)
	n := s.store.Restore(snap)
	s.syncHealth()
	s.logger.Info("store restored", slog.Int("pairs", n))
	return n
}

// Tasks returns the periodic tasks of the collector.
func (s *Service) Tasks() []scheduler.Task {
	tasks := []scheduler.Task{
		{Name: "discovery", Interval: s.cfg.DiscoveryInterval, RunOnStart: true, Run: s.DiscoverOnce},
		{Name: "stats", Interval: s.cfg.StatsInterval, Run: s.RefreshStats},
		{Name: "indicator", Interval: s.cfg.IndicatorInterval, RunOnStart: true, Run: s.RefreshIndicators},
	}
	if s.persist != nil {
		tasks = append(tasks, scheduler.Task{Name: "persist", Interval: s.cfg.PersistInterval, Run: s.PersistOnce})
	}
	return tasks
}

// Run restores state, starts every task and blocks until ctx is
// cancelled. On the way out it stops the tasks and writes a final
// snapshot.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("starting pair collector",
		slog.String("chain", s.cfg.Chain),
		slog.Duration("discovery_interval", s.cfg.DiscoveryInterval),
		slog.Duration("indicator_interval", s.cfg.IndicatorInterval))

	s.Restore(ctx)

	sched := scheduler.New(s.clock, s.logger, s.prom)
	for _, t := range s.Tasks() {
		if err := sched.Add(t); err != nil {
			return fmt.Errorf("register task: %w", err)
		}
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	s.logger.Info("shutdown signal received, stopping tasks")
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		s.logger.Warn("tasks did not stop in time", slog.String("error", err.Error()))
	}
	if s.persist != nil {
		s.persist.Save(stopCtx, s.store.Snapshot())
		s.logger.Info("final snapshot saved")
	}
	s.alerts.Wait()
	s.logger.Info("shutdown complete")
	return nil
}

func (s *Service) setHealth(h model.Health, detail string) {
	s.store.SetHealth(h)
	s.syncHealth()
	s.alerts.Observe(h, detail)
}

func (s *Service) syncHealth() {
	n := s.store.Len()
	if s.prom != nil {
		s.prom.PairsTracked.Set(float64(n))
	}
	if s.health != nil {
		s.health.SetCollector(string(s.store.Stats().Health), n)
	}
}
