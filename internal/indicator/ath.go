package indicator

// TrackATH returns max(existing, max(highs), live), treating a nil
// existing or live value as absent. The result never falls below
// existing. It returns nil only when every input is absent.
func TrackATH(existing *float64, highs []float64, live *float64) *float64 {
	var best float64
	have := false
	consider := func(v float64) {
		if !have || v > best {
			best = v
			have = true
		}
	}

	if existing != nil {
		consider(*existing)
	}
	for _, h := range highs {
		consider(h)
	}
	if live != nil {
		consider(*live)
	}

	if !have {
		return nil
	}
	return &best
}
