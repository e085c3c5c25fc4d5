// Package upstream holds the clients for the pair and OHLCV market-data
// providers and the record types they decode into.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"pairscope/internal/fetch"
	"pairscope/internal/model"
)

// MaxBatch is the largest address list the batch endpoints accept.
const MaxBatch = 30

// ErrMissingField marks a record that lacks a required field.
var ErrMissingField = errors.New("upstream: required field missing or not numeric")

// Getter is the retrying GET the clients are built on. *fetch.Fetcher
// satisfies it.
type Getter interface {
	FetchWithRetry(ctx context.Context, url string, lim fetch.Limiter, maxAttempts int, opts ...fetch.CallOption) ([]byte, error)
}

// TokenRecord is one side of a pair as the provider reports it.
type TokenRecord struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
}

// PairRecord is a pair as returned by the search, token-pairs and pairs
// endpoints.
type PairRecord struct {
	ChainID     string      `json:"chainId"`
	DexID       string      `json:"dexId"`
	URL         string      `json:"url"`
	PairAddress string      `json:"pairAddress"`
	BaseToken   TokenRecord `json:"baseToken"`
	QuoteToken  TokenRecord `json:"quoteToken"`
	PriceUSD    Num         `json:"priceUsd"`
	MarketCap   Num         `json:"marketCap"`
	FDV         Num         `json:"fdv"`
	Liquidity   struct {
		USD Num `json:"usd"`
	} `json:"liquidity"`
	Volume struct {
		H24 Num `json:"h24"`
	} `json:"volume"`
	PriceChange struct {
		H24 Num `json:"h24"`
	} `json:"priceChange"`
	PairCreatedAt Num `json:"pairCreatedAt"`
	Info          struct {
		ImageURL string `json:"imageUrl"`
	} `json:"info"`
}

// ToPair converts a discovery record into a new pair. Address, chain,
// price, liquidity, market cap, 24h volume and creation time are
// required; a record missing any of them is rejected.
func (r PairRecord) ToPair() (model.Pair, error) {
	if strings.TrimSpace(r.PairAddress) == "" {
		return model.Pair{}, fmt.Errorf("%w: pairAddress", ErrMissingField)
	}
	if r.ChainID == "" {
		return model.Pair{}, fmt.Errorf("%w: chainId", ErrMissingField)
	}
	required := []struct {
		name string
		num  Num
	}{
		{"priceUsd", r.PriceUSD},
		{"liquidity.usd", r.Liquidity.USD},
		{"marketCap", r.MarketCap},
		{"volume.h24", r.Volume.H24},
		{"pairCreatedAt", r.PairCreatedAt},
	}
	for _, f := range required {
		if !f.num.Valid {
			return model.Pair{}, fmt.Errorf("%w: %s (pair %s)", ErrMissingField, f.name, r.PairAddress)
		}
	}

	price, _ := r.PriceUSD.Float()
	liq, _ := r.Liquidity.USD.Float()
	mcap, _ := r.MarketCap.Float()
	vol, _ := r.Volume.H24.Float()
	change, _ := r.PriceChange.H24.Float()
	return model.Pair{
		Address:        r.PairAddress,
		ChainID:        r.ChainID,
		DexID:          r.DexID,
		URL:            r.URL,
		BaseToken:      model.Token(r.BaseToken),
		QuoteToken:     model.Token(r.QuoteToken),
		PriceUSD:       price,
		MarketCap:      mcap,
		Liquidity:      liq,
		Volume24h:      vol,
		PriceChange24h: change,
		PairCreatedAt:  time.UnixMilli(r.PairCreatedAt.Value.IntPart()).UTC(),
		ImageURL:       r.Info.ImageURL,
	}, nil
}

// Patch builds a partial update from the fields that decoded. Missing or
// non-numeric fields are left out so the cached value stays.
func (r PairRecord) Patch() model.PairPatch {
	p := model.PairPatch{
		PriceUSD:       r.PriceUSD.Ptr(),
		MarketCap:      r.MarketCap.Ptr(),
		Liquidity:      r.Liquidity.USD.Ptr(),
		Volume24h:      r.Volume.H24.Ptr(),
		PriceChange24h: r.PriceChange.H24.Ptr(),
	}
	if r.URL != "" {
		u := r.URL
		p.URL = &u
	}
	if r.Info.ImageURL != "" {
		img := r.Info.ImageURL
		p.ImageURL = &img
	}
	if r.BaseToken.Address != "" {
		t := model.Token(r.BaseToken)
		p.BaseToken = &t
	}
	if r.QuoteToken.Address != "" {
		t := model.Token(r.QuoteToken)
		p.QuoteToken = &t
	}
	return p
}

// Profile is an entry of the latest token profiles feed.
type Profile struct {
	URL          string `json:"url"`
	ChainID      string `json:"chainId"`
	TokenAddress string `json:"tokenAddress"`
	Icon         string `json:"icon"`
	Description  string `json:"description"`
}

type pairsResponse struct {
	Pairs []PairRecord `json:"pairs"`
}

// DexClient talks to the pair-data provider. Discovery endpoints draw
// from one limiter and the live-stats endpoint from another.
type DexClient struct {
	baseURL     string
	get         Getter
	discovery   fetch.Limiter
	stats       fetch.Limiter
	maxAttempts int
}

// NewDexClient creates a client rooted at baseURL.
func NewDexClient(baseURL string, get Getter, discovery, stats fetch.Limiter, maxAttempts int) *DexClient {
	return &DexClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		get:         get,
		discovery:   discovery,
		stats:       stats,
		maxAttempts: maxAttempts,
	}
}

// LatestProfiles returns the most recently published token profiles.
func (c *DexClient) LatestProfiles(ctx context.Context) ([]Profile, error) {
	body, err := c.get.FetchWithRetry(ctx, c.baseURL+"/token-profiles/latest/v1", c.discovery, c.maxAttempts)
	if err != nil {
		return nil, err
	}
	var out []Profile
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode token profiles: %w", err)
	}
	return out, nil
}

// TokenPairs resolves token addresses to their pairs on chain.
func (c *DexClient) TokenPairs(ctx context.Context, chain string, tokens []string) ([]PairRecord, error) {
	return c.batched(ctx, tokens, c.discovery, func(batch []string) string {
		return fmt.Sprintf("%s/tokens/v1/%s/%s", c.baseURL, url.PathEscape(chain), strings.Join(batch, ","))
	}, decodePairArray)
}

// Search runs one free-text pair search.
func (c *DexClient) Search(ctx context.Context, query string) ([]PairRecord, error) {
	u := c.baseURL + "/latest/dex/search?q=" + url.QueryEscape(query)
	body, err := c.get.FetchWithRetry(ctx, u, c.discovery, c.maxAttempts)
	if err != nil {
		return nil, err
	}
	return decodePairsObject(body)
}

// Pairs fetches live stats for pair addresses on chain. Batches that fail
// are reported in the joined error; records from the others are still
// returned.
func (c *DexClient) Pairs(ctx context.Context, chain string, addresses []string) ([]PairRecord, error) {
	return c.batched(ctx, addresses, c.stats, func(batch []string) string {
		return fmt.Sprintf("%s/latest/dex/pairs/%s/%s", c.baseURL, url.PathEscape(chain), strings.Join(batch, ","))
	}, decodePairsObject)
}

func (c *DexClient) batched(ctx context.Context, addrs []string, lim fetch.Limiter,
	buildURL func([]string) string, decode func([]byte) ([]PairRecord, error)) ([]PairRecord, error) {

	var (
		out  []PairRecord
		errs []error
	)
	for _, batch := range Batches(addrs, MaxBatch) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		body, err := c.get.FetchWithRetry(ctx, buildURL(batch), lim, c.maxAttempts)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		recs, err := decode(body)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, recs...)
	}
	return out, errors.Join(errs...)
}

// Batches splits items into consecutive chunks of at most size.
func Batches(items []string, size int) [][]string {
	if size < 1 {
		size = 1
	}
	var out [][]string
	for len(items) > 0 {
		n := min(size, len(items))
		out = append(out, items[:n:n])
		items = items[n:]
	}
	return out
}

func decodePairArray(body []byte) ([]PairRecord, error) {
	var recs []PairRecord
	if err := json.Unmarshal(body, &recs); err != nil {
		return nil, fmt.Errorf("decode pair list: %w", err)
	}
	return recs, nil
}

func decodePairsObject(body []byte) ([]PairRecord, error) {
	var resp pairsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode pairs: %w", err)
	}
	return resp.Pairs, nil
}
