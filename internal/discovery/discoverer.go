// Package discovery turns raw provider candidates into the accepted pair
// set: an ordered fallback chain of strategies, strict decoding, the
// policy predicate, then ranking and a top-N cap.
package discovery

import (
	"context"
	"errors"
	"log/slog"

	"pairscope/internal/clock"
	"pairscope/internal/logger"
	"pairscope/internal/metrics"
	"pairscope/internal/model"
	"pairscope/internal/upstream"
)

// Result describes one discovery run.
type Result struct {
	Pairs      []model.Pair
	Strategy   string // strategy that produced Pairs, empty when none did
	Candidates int
	Rejected   int
	// Err is set only when every strategy failed outright.
	Err error
}

// Failed reports whether the run failed upstream, as opposed to finding
// nothing acceptable.
func (r Result) Failed() bool { return r.Err != nil }

// Discoverer runs the strategy chain against a policy.
type Discoverer struct {
	policy     Policy
	strategies []Strategy
	clock      clock.Clock
	logger     *slog.Logger
	prom       *metrics.Metrics
}

// New creates a Discoverer. Strategies are tried in the order given.
func New(policy Policy, clk clock.Clock, log *slog.Logger, prom *metrics.Metrics, strategies ...Strategy) *Discoverer {
	if log == nil {
		log = slog.Default()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Discoverer{policy: policy, strategies: strategies, clock: clk, logger: log, prom: prom}
}

// DefaultStrategies is the standard chain: latest profiles, then one
// search, then the parallel multi-search.
func DefaultStrategies(src Source, p Policy) []Strategy {
	var out []Strategy
	out = append(out, ProfilesStrategy{Source: src, Chain: p.Chain})
	if p.Query != "" {
		out = append(out, SearchStrategy{Source: src, Query: p.Query})
	}
	if len(p.Queries) > 0 {
		out = append(out, MultiSearchStrategy{Source: src, Queries: p.Queries, Parallelism: 4})
	}
	return out
}

// Policy returns the active policy.
func (d *Discoverer) Policy() Policy { return d.policy }

// Discover returns the accepted pair set, or nil when nothing was
// accepted or the upstream failed. Callers treat nil as "no change".
func (d *Discoverer) Discover(ctx context.Context) []model.Pair {
	return d.Run(ctx).Pairs
}

// Run tries each strategy in order until one yields a non-empty accepted
// set.
func (d *Discoverer) Run(ctx context.Context) Result {
	var (
		errs  []error
		anyOK bool
		res   Result
	)
	for _, s := range d.strategies {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		recs, err := s.Candidates(ctx)
		if err != nil && len(recs) == 0 {
			d.logger.Warn("discovery strategy failed",
				append(logger.CycleAttrs(ctx), slog.String("strategy", s.Name()), slog.String("error", err.Error()))...)
			errs = append(errs, err)
			continue
		}
		if err != nil {
			d.logger.Warn("discovery strategy partially failed",
				append(logger.CycleAttrs(ctx), slog.String("strategy", s.Name()), slog.String("error", err.Error()))...)
		}
		anyOK = true

		accepted, rejected := d.filter(recs)
		res.Candidates += len(recs)
		res.Rejected += rejected
		d.logger.Debug("discovery strategy done",
			append(logger.CycleAttrs(ctx), slog.String("strategy", s.Name()),
				slog.Int("candidates", len(recs)), slog.Int("accepted", len(accepted)))...)
		if len(accepted) > 0 {
			res.Pairs = accepted
			res.Strategy = s.Name()
			d.observe("ok", len(accepted))
			return res
		}
	}

	if !anyOK && len(errs) > 0 {
		res.Err = errors.Join(errs...)
		d.observe("failed", 0)
		return res
	}
	d.observe("empty", 0)
	return res
}

// filter dedups by address, decodes strictly, applies the predicate and
// ranks. The first record seen for an address wins.
func (d *Discoverer) filter(recs []upstream.PairRecord) ([]model.Pair, int) {
	now := d.clock.Now()
	seen := make(map[string]struct{}, len(recs))
	accepted := make([]model.Pair, 0, len(recs))
	rejected := 0
	for _, r := range recs {
		if _, dup := seen[r.PairAddress]; dup {
			continue
		}
		seen[r.PairAddress] = struct{}{}

		pair, err := r.ToPair()
		if err != nil {
			rejected++
			continue
		}
		if !d.policy.Accept(pair, now) {
			rejected++
			continue
		}
		pair.UpdatedAt = now
		accepted = append(accepted, pair)
	}
	return d.policy.Rank(accepted, now), rejected
}

func (d *Discoverer) observe(result string, accepted int) {
	if d.prom == nil {
		return
	}
	d.prom.DiscoveryCycles.WithLabelValues(result).Inc()
	d.prom.DiscoveryAccepted.Set(float64(accepted))
}
