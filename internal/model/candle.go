package model

import (
	"sort"
	"time"
)

// MaxCandles bounds the per-pair candle history.
const MaxCandles = 100

// Candle is a single OHLCV bucket. Candles are treated as immutable values;
// an indicator refresh replaces a pair's whole sequence.
type Candle struct {
	TS     time.Time `json:"ts"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// NormalizeCandles returns a copy of candles ordered oldest to newest and
// trimmed to the newest MaxCandles entries.
func NormalizeCandles(candles []Candle) []Candle {
	out := make([]Candle, len(candles))
	copy(out, candles)
	sort.SliceStable(out, func(i, j int) bool { return out[i].TS.Before(out[j].TS) })
	if len(out) > MaxCandles {
		out = out[len(out)-MaxCandles:]
	}
	return out
}

// Closes extracts close prices in order.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Highs extracts high prices in order.
func Highs(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.High
	}
	return out
}
