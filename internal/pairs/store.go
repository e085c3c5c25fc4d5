// Package pairs holds the authoritative in-memory set of tracked pairs.
// Discovery decides membership; stats and indicator refreshes only mutate
// pairs that are already present.
package pairs

import (
	"sort"
	"sync"
	"time"

	"pairscope/internal/clock"
	"pairscope/internal/indicator"
	"pairscope/internal/model"
)

const (
	overboughtLevel = 70.0
	oversoldLevel   = 30.0
)

// MergeResult summarizes a discovery merge.
type MergeResult struct {
	Added     []string
	Removed   []string
	Refreshed int
}

// Changed reports whether membership changed.
func (r MergeResult) Changed() bool { return len(r.Added) > 0 || len(r.Removed) > 0 }

// Store is safe for concurrent use. Every read returns copies.
type Store struct {
	clock     clock.Clock
	rsiPeriod int

	mu     sync.RWMutex
	pairs  map[string]*model.Pair // keyed by address
	health model.Health
	cycles model.CycleTimes
}

// NewStore creates an empty store. rsiPeriod <= 0 uses the default.
func NewStore(clk clock.Clock, rsiPeriod int) *Store {
	if clk == nil {
		clk = clock.New()
	}
	if rsiPeriod <= 0 {
		rsiPeriod = indicator.DefaultRSIPeriod
	}
	return &Store{
		clock:     clk,
		rsiPeriod: rsiPeriod,
		pairs:     make(map[string]*model.Pair),
		health:    model.HealthStarting,
	}
}

// Merge makes the store's membership equal to discovered. New addresses are
// inserted without indicators; known ones refresh identity and market
// fields but keep candles, RSI and ATH. An empty input changes nothing.
func (s *Store) Merge(discovered []model.Pair) MergeResult {
	var res MergeResult
	if len(discovered) == 0 {
		return res
	}

	now := s.clock.Now()
	seen := make(map[string]struct{}, len(discovered))

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range discovered {
		d := discovered[i]
		if d.Address == "" {
			continue
		}
		if _, dup := seen[d.Address]; dup {
			continue
		}
		seen[d.Address] = struct{}{}

		existing, ok := s.pairs[d.Address]
		if !ok {
			fresh := d.Clone()
			fresh.RSI5m, fresh.RSI15m, fresh.ATH, fresh.Candles = nil, nil, nil, nil
			fresh.UpdatedAt = now
			s.pairs[d.Address] = &fresh
			res.Added = append(res.Added, d.Address)
			continue
		}

		refreshed := d.Clone()
		refreshed.RSI5m = existing.RSI5m
		refreshed.RSI15m = existing.RSI15m
		refreshed.ATH = existing.ATH
		refreshed.Candles = existing.Candles
		refreshed.UpdatedAt = now
		*existing = refreshed
		res.Refreshed++
	}

	if len(seen) == 0 {
		// Only blank addresses were given; treat like an empty result.
		return res
	}
	for addr := range s.pairs {
		if _, ok := seen[addr]; !ok {
			delete(s.pairs, addr)
			res.Removed = append(res.Removed, addr)
		}
	}

	sort.Strings(res.Added)
	sort.Strings(res.Removed)
	return res
}

// Update applies the present fields of patch to address. It never creates
// a pair; the bool is false when address is not tracked.
func (s *Store) Update(address string, patch model.PairPatch) (model.Pair, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pairs[address]
	if !ok {
		return model.Pair{}, false
	}
	patch.Apply(p)
	if patch.PriceUSD != nil && *patch.PriceUSD > 0 {
		p.ATH = indicator.TrackATH(p.ATH, nil, patch.PriceUSD)
	}
	p.UpdatedAt = s.clock.Now()
	return p.Clone(), true
}

// RecordCandles replaces the candle history of address, recomputes both
// RSI windows and raises the ATH from the candle highs and live price.
// It is a no-op for untracked addresses.
func (s *Store) RecordCandles(address string, candles []model.Candle) (model.Pair, bool) {
	norm := model.NormalizeCandles(candles)
	rsi := indicator.ComputePairRSI(model.Closes(norm), s.rsiPeriod)

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pairs[address]
	if !ok {
		return model.Pair{}, false
	}

	var live *float64
	if p.PriceUSD > 0 {
		live = model.Float(p.PriceUSD)
	}
	p.Candles = norm
	p.RSI5m = rsi.RSI5m
	p.RSI15m = rsi.RSI15m
	p.ATH = indicator.TrackATH(p.ATH, model.Highs(norm), live)
	p.UpdatedAt = s.clock.Now()
	return p.Clone(), true
}

// EvictByIndicatorBand removes pairs whose known 5m or 15m RSI lies
// outside [lower, upper]. Pairs with unknown RSI stay.
func (s *Store) EvictByIndicatorBand(lower, upper float64) []string {
	outside := func(v *float64) bool {
		return v != nil && (*v < lower || *v > upper)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for addr, p := range s.pairs {
		if outside(p.RSI5m) || outside(p.RSI15m) {
			delete(s.pairs, addr)
			removed = append(removed, addr)
		}
	}
	sort.Strings(removed)
	return removed
}

// Get returns a copy of the pair at address.
func (s *Store) Get(address string) (model.Pair, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pairs[address]
	if !ok {
		return model.Pair{}, false
	}
	return p.Clone(), true
}

// Len returns the number of tracked pairs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pairs)
}

// Addresses returns tracked addresses in sorted order.
func (s *Store) Addresses() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.pairs))
	for addr := range s.pairs {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// Pairs returns copies of all tracked pairs sorted by address.
func (s *Store) Pairs() []model.Pair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pairsLocked()
}

func (s *Store) pairsLocked() []model.Pair {
	out := make([]model.Pair, 0, len(s.pairs))
	for _, p := range s.pairs {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// SetHealth records the collector health state.
func (s *Store) SetHealth(h model.Health) {
	s.mu.Lock()
	s.health = h
	s.mu.Unlock()
}

// MarkCycle records the completion time of a cycle.
func (s *Store) MarkCycle(kind model.CycleKind, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case model.CycleDiscovery:
		s.cycles.Discovery = t
	case model.CycleStats:
		s.cycles.Stats = t
	case model.CycleIndicator:
		s.cycles.Indicator = t
	}
}

// Stats computes the aggregate counters. Overbought, oversold and the
// mean use the 5-minute RSI.
func (s *Store) Stats() model.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statsLocked()
}

func (s *Store) statsLocked() model.Stats {
	st := model.Stats{
		Tracked: len(s.pairs),
		Health:  s.health,
		Cycles:  s.cycles,
	}
	var sum float64
	var n int
	for _, p := range s.pairs {
		if p.RSI5m == nil {
			continue
		}
		v := *p.RSI5m
		sum += v
		n++
		if v > overboughtLevel {
			st.Overbought++
		}
		if v < oversoldLevel {
			st.Oversold++
		}
	}
	if n > 0 {
		st.MeanRSI = model.Float(sum / float64(n))
	}
	return st
}

// View returns pair summaries and stats from one consistent read. Candle
// histories are left out.
func (s *Store) View() model.SnapshotEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Pair, 0, len(s.pairs))
	for _, p := range s.pairs {
		out = append(out, p.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return model.SnapshotEvent{Pairs: out, Stats: s.statsLocked()}
}

// Snapshot returns the durable form of the store.
func (s *Store) Snapshot() model.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return model.Snapshot{
		Version: model.SnapshotVersion,
		SavedAt: s.clock.Now(),
		Pairs:   s.pairsLocked(),
		Cycles:  s.cycles,
	}
}

// Restore seeds the store from a saved snapshot, replacing its contents.
// Candle histories are re-normalized. It returns the number of pairs loaded.
func (s *Store) Restore(snap model.Snapshot) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pairs = make(map[string]*model.Pair, len(snap.Pairs))
	for i := range snap.Pairs {
		p := snap.Pairs[i].Clone()
		if p.Address == "" {
			continue
		}
		if p.Candles != nil {
			p.Candles = model.NormalizeCandles(p.Candles)
		}
		s.pairs[p.Address] = &p
	}
	s.cycles = snap.Cycles
	return len(s.pairs)
}
