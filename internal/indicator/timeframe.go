package indicator

// SampleEvery picks every step-th close starting at offset. With step 3
// and offset 2 it turns 5-minute closes into a 15-minute series by taking
// the close of each third bucket; highs, lows and volume are not
// re-aggregated.
func SampleEvery(closes []float64, step, offset int) []float64 {
	if step < 1 || offset < 0 || offset >= len(closes) {
		return nil
	}
	out := make([]float64, 0, (len(closes)-offset+step-1)/step)
	for i := offset; i < len(closes); i += step {
		out = append(out, closes[i])
	}
	return out
}

// FifteenMinuteCloses derives the 15-minute series from 5-minute closes.
func FifteenMinuteCloses(closes5m []float64) []float64 {
	return SampleEvery(closes5m, 3, 2)
}

// PairRSI holds both RSI windows; nil means not enough data.
type PairRSI struct {
	RSI5m  *float64
	RSI15m *float64
}

// ComputePairRSI evaluates both windows over 5-minute closes.
func ComputePairRSI(closes5m []float64, period int) PairRSI {
	var out PairRSI
	if v, err := ComputeRSI(closes5m, period); err == nil {
		out.RSI5m = &v
	}
	if v, err := ComputeRSI(FifteenMinuteCloses(closes5m), period); err == nil {
		out.RSI15m = &v
	}
	return out
}
