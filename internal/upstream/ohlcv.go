package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"pairscope/internal/fetch"
	"pairscope/internal/model"
)

// OHLCVClient fetches 5-minute candles for a pool.
type OHLCVClient struct {
	baseURL     string
	network     string
	get         Getter
	limiter     fetch.Limiter
	maxAttempts int
}

// NewOHLCVClient creates a client for one network.
func NewOHLCVClient(baseURL, network string, get Getter, lim fetch.Limiter, maxAttempts int) *OHLCVClient {
	return &OHLCVClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		network:     network,
		get:         get,
		limiter:     lim,
		maxAttempts: maxAttempts,
	}
}

type ohlcvResponse struct {
	Data struct {
		Attributes struct {
			OHLCVList [][]Num `json:"ohlcv_list"`
		} `json:"attributes"`
	} `json:"data"`
}

// Candles returns up to model.MaxCandles 5-minute candles for pool,
// oldest first. Rows with a missing or non-numeric column are dropped.
// A 429 is not retried; check the error with fetch.IsRateLimited.
func (c *OHLCVClient) Candles(ctx context.Context, pool string) ([]model.Candle, error) {
	u := fmt.Sprintf("%s/networks/%s/pools/%s/ohlcv/minute?aggregate=5&limit=%d",
		c.baseURL, url.PathEscape(c.network), url.PathEscape(pool), model.MaxCandles)
	body, err := c.get.FetchWithRetry(ctx, u, c.limiter, c.maxAttempts, fetch.StopOnRateLimit())
	if err != nil {
		return nil, err
	}
	var resp ohlcvResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode ohlcv for %s: %w", pool, err)
	}
	return parseOHLCV(resp.Data.Attributes.OHLCVList), nil
}

// parseOHLCV converts newest-first [ts, o, h, l, c, v] rows.
func parseOHLCV(rows [][]Num) []model.Candle {
	candles := make([]model.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		var vals [6]float64
		ok := true
		for i := range vals {
			v, valid := row[i].Float()
			if !valid {
				ok = false
				break
			}
			vals[i] = v
		}
		if !ok {
			continue
		}
		candles = append(candles, model.Candle{
			TS:     time.Unix(row[0].Value.IntPart(), 0).UTC(),
			Open:   vals[1],
			High:   vals[2],
			Low:    vals[3],
			Close:  vals[4],
			Volume: vals[5],
		})
	}
	return model.NormalizeCandles(candles)
}
