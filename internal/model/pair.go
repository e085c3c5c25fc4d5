package model

import "time"

// Token identifies one side of a pair.
type Token struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
}

// Pair is the live state of one tracked trading pair. Address is the key.
//
// RSI5m, RSI15m and ATH are nil until enough data exists to compute them;
// a nil value means unknown, never zero.
type Pair struct {
	Address        string    `json:"address"`
	ChainID        string    `json:"chainId"`
	DexID          string    `json:"dexId"`
	URL            string    `json:"url,omitempty"`
	BaseToken      Token     `json:"baseToken"`
	QuoteToken     Token     `json:"quoteToken"`
	PriceUSD       float64   `json:"priceUsd"`
	MarketCap      float64   `json:"marketCap"`
	Liquidity      float64   `json:"liquidity"`
	Volume24h      float64   `json:"volume24h"`
	PriceChange24h float64   `json:"priceChange24h"`
	PairCreatedAt  time.Time `json:"pairCreatedAt"`
	ImageURL       string    `json:"imageUrl,omitempty"`

	RSI5m   *float64 `json:"rsi5m"`
	RSI15m  *float64 `json:"rsi15m"`
	ATH     *float64 `json:"ath"`
	Candles []Candle `json:"candles,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// Age returns how long the pair has existed at now.
func (p *Pair) Age(now time.Time) time.Duration {
	return now.Sub(p.PairCreatedAt)
}

// Clone returns a deep copy safe to hand out of the store.
func (p Pair) Clone() Pair {
	out := p
	out.RSI5m = clonePtr(p.RSI5m)
	out.RSI15m = clonePtr(p.RSI15m)
	out.ATH = clonePtr(p.ATH)
	if p.Candles != nil {
		out.Candles = make([]Candle, len(p.Candles))
		copy(out.Candles, p.Candles)
	}
	return out
}

// Summary returns a copy of p without its candle history. Subscribers and
// the HTTP API get summaries; only the durable snapshot keeps candles.
func (p Pair) Summary() Pair {
	p.Candles = nil
	return p.Clone()
}

// Summaries maps Summary over pairs.
func Summaries(pairs []Pair) []Pair {
	if pairs == nil {
		return nil
	}
	out := make([]Pair, len(pairs))
	for i := range pairs {
		out[i] = pairs[i].Summary()
	}
	return out
}

// PairPatch carries a partial update. Only non-nil fields are applied.
type PairPatch struct {
	PriceUSD       *float64
	MarketCap      *float64
	Liquidity      *float64
	Volume24h      *float64
	PriceChange24h *float64
	URL            *string
	ImageURL       *string
	BaseToken      *Token
	QuoteToken     *Token
}

// Empty reports whether the patch carries no fields.
func (pp PairPatch) Empty() bool {
	return pp.PriceUSD == nil && pp.MarketCap == nil && pp.Liquidity == nil &&
		pp.Volume24h == nil && pp.PriceChange24h == nil && pp.URL == nil &&
		pp.ImageURL == nil && pp.BaseToken == nil && pp.QuoteToken == nil
}

// Apply writes the present fields of the patch into p.
func (pp PairPatch) Apply(p *Pair) {
	if pp.PriceUSD != nil {
		p.PriceUSD = *pp.PriceUSD
	}
	if pp.MarketCap != nil {
		p.MarketCap = *pp.MarketCap
	}
	if pp.Liquidity != nil {
		p.Liquidity = *pp.Liquidity
	}
	if pp.Volume24h != nil {
		p.Volume24h = *pp.Volume24h
	}
	if pp.PriceChange24h != nil {
		p.PriceChange24h = *pp.PriceChange24h
	}
	if pp.URL != nil {
		p.URL = *pp.URL
	}
	if pp.ImageURL != nil {
		p.ImageURL = *pp.ImageURL
	}
	if pp.BaseToken != nil {
		p.BaseToken = *pp.BaseToken
	}
	if pp.QuoteToken != nil {
		p.QuoteToken = *pp.QuoteToken
	}
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

func clonePtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
