package discovery

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pairscope/internal/model"
)

// Rank keys accepted by Policy.RankBy.
const (
	RankNone           = ""
	RankVolume24h      = "volume24h"
	RankLiquidity      = "liquidity"
	RankMarketCap      = "marketCap"
	RankPriceChange24h = "priceChange24h"
	RankAge            = "age"
)

// Range is an inclusive numeric window. Max == 0 leaves it unbounded above.
type Range struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Contains reports whether v lies in the window.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && (r.Max == 0 || v <= r.Max)
}

// AgeRange is an inclusive duration window. Max == 0 leaves it unbounded.
type AgeRange struct {
	Min time.Duration `yaml:"min"`
	Max time.Duration `yaml:"max"`
}

// Contains reports whether d lies in the window.
func (r AgeRange) Contains(d time.Duration) bool {
	return d >= r.Min && (r.Max == 0 || d <= r.Max)
}

// Band is the RSI watch band used for optional eviction.
type Band struct {
	Enabled bool    `yaml:"enabled"`
	Lower   float64 `yaml:"lower"`
	Upper   float64 `yaml:"upper"`
}

// Policy is the operator-tunable discovery and eviction policy.
type Policy struct {
	Chain        string   `yaml:"chain"`
	Dexes        []string `yaml:"dexes"`
	MinLiquidity float64  `yaml:"min_liquidity"`
	MarketCap    Range    `yaml:"market_cap"`
	Volume24h    Range    `yaml:"volume_24h"`
	Age          AgeRange `yaml:"age"`
	RankBy       string   `yaml:"rank_by"`
	TopN         int      `yaml:"top_n"`
	Query        string   `yaml:"query"`
	Queries      []string `yaml:"queries"`
	Eviction     Band     `yaml:"eviction"`
}

// DefaultPolicy returns the built-in policy used when no file is set.
func DefaultPolicy() Policy {
	return Policy{
		Chain:        "solana",
		Dexes:        []string{"raydium", "orca", "meteora", "pumpswap"},
		MinLiquidity: 10_000,
		MarketCap:    Range{Min: 50_000, Max: 50_000_000},
		Volume24h:    Range{Min: 25_000},
		Age:          AgeRange{Min: time.Hour, Max: 30 * 24 * time.Hour},
		RankBy:       RankVolume24h,
		TopN:         50,
		Query:        "SOL",
		Queries:      []string{"SOL", "USDC", "pump", "meme"},
		Eviction:     Band{Enabled: false, Lower: 30, Upper: 70},
	}
}

// LoadPolicy reads a YAML policy file over the defaults. ${VAR}
// references are expanded from the environment.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read policy file: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &p); err != nil {
		return p, fmt.Errorf("parse policy yaml: %w", err)
	}
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("validate policy: %w", err)
	}
	return p, nil
}

// Validate checks the policy for contradictions.
func (p Policy) Validate() error {
	var errs []error
	if strings.TrimSpace(p.Chain) == "" {
		errs = append(errs, errors.New("chain is required"))
	}
	if len(p.Dexes) == 0 {
		errs = append(errs, errors.New("dexes allow-list is empty"))
	}
	if p.MarketCap.Max != 0 && p.MarketCap.Max < p.MarketCap.Min {
		errs = append(errs, errors.New("market_cap.max below min"))
	}
	if p.Volume24h.Max != 0 && p.Volume24h.Max < p.Volume24h.Min {
		errs = append(errs, errors.New("volume_24h.max below min"))
	}
	if p.Age.Max != 0 && p.Age.Max < p.Age.Min {
		errs = append(errs, errors.New("age.max below min"))
	}
	switch p.RankBy {
	case RankNone, RankVolume24h, RankLiquidity, RankMarketCap, RankPriceChange24h, RankAge:
	default:
		errs = append(errs, fmt.Errorf("unknown rank_by %q", p.RankBy))
	}
	if p.TopN < 0 {
		errs = append(errs, errors.New("top_n must be >= 0"))
	}
	if p.Eviction.Enabled && p.Eviction.Lower >= p.Eviction.Upper {
		errs = append(errs, errors.New("eviction.lower must be below eviction.upper"))
	}
	return errors.Join(errs...)
}

// Accept is the acceptance predicate for a decoded pair.
func (p Policy) Accept(pair model.Pair, now time.Time) bool {
	if !strings.EqualFold(pair.ChainID, p.Chain) {
		return false
	}
	if !slices.ContainsFunc(p.Dexes, func(d string) bool { return strings.EqualFold(d, pair.DexID) }) {
		return false
	}
	if pair.Liquidity < p.MinLiquidity {
		return false
	}
	if !p.MarketCap.Contains(pair.MarketCap) || !p.Volume24h.Contains(pair.Volume24h) {
		return false
	}
	return p.Age.Contains(pair.Age(now))
}

// Rank orders pairs by the policy key, descending, then caps to TopN.
// Ties break on address so the result is deterministic.
func (p Policy) Rank(pairs []model.Pair, now time.Time) []model.Pair {
	if key := rankKey(p.RankBy, now); key != nil {
		sort.SliceStable(pairs, func(i, j int) bool {
			ki, kj := key(pairs[i]), key(pairs[j])
			if ki != kj {
				return ki > kj
			}
			return pairs[i].Address < pairs[j].Address
		})
	}
	if p.TopN > 0 && len(pairs) > p.TopN {
		pairs = pairs[:p.TopN]
	}
	return pairs
}

func rankKey(by string, now time.Time) func(model.Pair) float64 {
	switch by {
	case RankVolume24h:
		return func(p model.Pair) float64 { return p.Volume24h }
	case RankLiquidity:
		return func(p model.Pair) float64 { return p.Liquidity }
	case RankMarketCap:
		return func(p model.Pair) float64 { return p.MarketCap }
	case RankPriceChange24h:
		return func(p model.Pair) float64 { return p.PriceChange24h }
	case RankAge:
		return func(p model.Pair) float64 { return float64(p.Age(now)) }
	default:
		return nil
	}
}
