package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"pairscope/internal/upstream"
)

// Source is the subset of the pair provider discovery needs.
type Source interface {
	LatestProfiles(ctx context.Context) ([]upstream.Profile, error)
	TokenPairs(ctx context.Context, chain string, tokens []string) ([]upstream.PairRecord, error)
	Search(ctx context.Context, query string) ([]upstream.PairRecord, error)
}

// Strategy produces raw candidate records. Strategies share no state and
// are tried in order by the Discoverer.
type Strategy interface {
	Name() string
	Candidates(ctx context.Context) ([]upstream.PairRecord, error)
}

// StrategyFunc adapts a plain function to Strategy.
type StrategyFunc func(ctx context.Context) ([]upstream.PairRecord, error)

// Name implements Strategy.
func (f StrategyFunc) Name() string { return "func" }

// Candidates implements Strategy.
func (f StrategyFunc) Candidates(ctx context.Context) ([]upstream.PairRecord, error) { return f(ctx) }

// ProfilesStrategy resolves the latest token profiles on Chain to pairs.
type ProfilesStrategy struct {
	Source Source
	Chain  string
}

// Name implements Strategy.
func (s ProfilesStrategy) Name() string { return "profiles" }

// Candidates implements Strategy.
func (s ProfilesStrategy) Candidates(ctx context.Context) ([]upstream.PairRecord, error) {
	profiles, err := s.Source.LatestProfiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest profiles: %w", err)
	}
	seen := make(map[string]struct{}, len(profiles))
	tokens := make([]string, 0, len(profiles))
	for _, p := range profiles {
		if !strings.EqualFold(p.ChainID, s.Chain) || p.TokenAddress == "" {
			continue
		}
		if _, dup := seen[p.TokenAddress]; dup {
			continue
		}
		seen[p.TokenAddress] = struct{}{}
		tokens = append(tokens, p.TokenAddress)
	}
	if len(tokens) == 0 {
		return nil, nil
	}
	return s.Source.TokenPairs(ctx, s.Chain, tokens)
}

// SearchStrategy issues one search query.
type SearchStrategy struct {
	Source Source
	Query  string
}

// Name implements Strategy.
func (s SearchStrategy) Name() string { return "search:" + s.Query }

// Candidates implements Strategy.
func (s SearchStrategy) Candidates(ctx context.Context) ([]upstream.PairRecord, error) {
	return s.Source.Search(ctx, s.Query)
}

// MultiSearchStrategy issues several search queries in parallel and
// concatenates their results. It fails only when every query fails.
type MultiSearchStrategy struct {
	Source      Source
	Queries     []string
	Parallelism int
}

// Name implements Strategy.
func (s MultiSearchStrategy) Name() string { return "multi-search" }

// Candidates implements Strategy.
func (s MultiSearchStrategy) Candidates(ctx context.Context) ([]upstream.PairRecord, error) {
	if len(s.Queries) == 0 {
		return nil, nil
	}
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	if s.Parallelism > 0 {
		g.SetLimit(s.Parallelism)
	}
	results := make([][]upstream.PairRecord, len(s.Queries))
	for i, q := range s.Queries {
		i, q := i, q
		g.Go(func() error {
			recs, err := s.Source.Search(ctx, q)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("search %q: %w", q, err))
				mu.Unlock()
				return nil
			}
			results[i] = recs
			return nil
		})
	}
	_ = g.Wait()

	var out []upstream.PairRecord
	for _, r := range results {
		out = append(out, r...)
	}
	if len(errs) == len(s.Queries) {
		return nil, errors.Join(errs...)
	}
	return out, errors.Join(errs...)
}
