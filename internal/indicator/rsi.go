package indicator

import (
	"errors"
	"fmt"
)

// DefaultRSIPeriod is the standard Wilder lookback.
const DefaultRSIPeriod = 14

// ErrNotEnoughData is returned when fewer than period+1 closes are given.
var ErrNotEnoughData = errors.New("indicator: not enough data")

// RSI calculates the Relative Strength Index using Wilder's smoothing method.
// Update is O(1) per close.
type RSI struct {
	period    int
	count     int
	prevClose float64
	avgGain   float64
	avgLoss   float64
	current   float64
}

// NewRSI creates a new RSI indicator with the given period (typically 14).
func NewRSI(period int) *RSI {
	return &RSI{period: period}
}

func (r *RSI) Update(price float64) {
	r.count++

	if r.count == 1 {
		// First close: record price, no delta yet
		r.prevClose = price
		return
	}

	delta := price - r.prevClose
	r.prevClose = price

	gain := 0.0
	loss := 0.0
	if delta > 0 {
		gain = delta
	} else {
		loss = -delta
	}

	if r.count <= r.period+1 {
		// Accumulation phase: build initial averages
		r.avgGain += gain
		r.avgLoss += loss

		if r.count == r.period+1 {
			// First RSI value using SMA seed
			r.avgGain /= float64(r.period)
			r.avgLoss /= float64(r.period)
			r.current = rsiFrom(r.avgGain, r.avgLoss)
		}
		return
	}

	// Wilder's smoothing: avgGain = (prevAvgGain * (period-1) + gain) / period
	p := float64(r.period)
	r.avgGain = (r.avgGain*(p-1) + gain) / p
	r.avgLoss = (r.avgLoss*(p-1) + loss) / p
	r.current = rsiFrom(r.avgGain, r.avgLoss)
}

func (r *RSI) Value() float64 { return r.current }
func (r *RSI) Ready() bool    { return r.count > r.period }

// ComputeRSI returns the RSI of closes (oldest first) after the last close.
// It needs at least period+1 closes and returns ErrNotEnoughData otherwise.
func ComputeRSI(closes []float64, period int) (float64, error) {
	if period < 1 {
		return 0, fmt.Errorf("indicator: invalid RSI period %d", period)
	}
	if len(closes) < period+1 {
		return 0, ErrNotEnoughData
	}
	r := NewRSI(period)
	for _, c := range closes {
		r.Update(c)
	}
	return r.Value(), nil
}

// avgLoss == 0 is defined as 100, including the flat series.
func rsiFrom(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100.0 - (100.0 / (1.0 + rs))
}
