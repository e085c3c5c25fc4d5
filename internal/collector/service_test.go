package collector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairscope/internal/clock"
	"pairscope/internal/discovery"
	"pairscope/internal/fetch"
	"pairscope/internal/gateway"
	"pairscope/internal/model"
	"pairscope/internal/notification"
	"pairscope/internal/pairs"
	"pairscope/internal/upstream"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeDiscoverer struct {
	mu  sync.Mutex
	res discovery.Result
}

func (f *fakeDiscoverer) set(res discovery.Result) {
	f.mu.Lock()
	f.res = res
	f.mu.Unlock()
}

func (f *fakeDiscoverer) Run(context.Context) discovery.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.res
}

type fakeStats struct {
	recs []upstream.PairRecord
	err  error
}

func (f *fakeStats) Pairs(context.Context, string, []string) ([]upstream.PairRecord, error) {
	return f.recs, f.err
}

type fakeCandles struct {
	mu    sync.Mutex
	data  map[string][]model.Candle
	errs  map[string]error
	calls []string
}

func (f *fakeCandles) Candles(_ context.Context, addr string) ([]model.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, addr)
	if err := f.errs[addr]; err != nil {
		return nil, err
	}
	return f.data[addr], nil
}

func (f *fakeCandles) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type memPersist struct {
	mu      sync.Mutex
	snap    model.Snapshot
	saves   int
	cleared bool
}

func (m *memPersist) Save(_ context.Context, s model.Snapshot) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = s
	m.saves++
	return 1
}

func (m *memPersist) Load(context.Context) model.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

func (m *memPersist) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = model.Snapshot{}
	m.cleared = true
	return nil
}

func (m *memPersist) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	Seq  int64           `json:"seq"`
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []envelope
}

func (r *recordingSink) ID() string { return "recorder" }

func (r *recordingSink) Send(msg []byte) error {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return err
	}
	r.mu.Lock()
	r.msgs = append(r.msgs, env)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) updates(t *testing.T) []model.UpdateEvent {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.UpdateEvent
	for _, m := range r.msgs {
		if m.Type != model.EventUpdate {
			continue
		}
		var ev model.UpdateEvent
		require.NoError(t, json.Unmarshal(m.Data, &ev))
		out = append(out, ev)
	}
	return out
}

type alertLog struct {
	mu     sync.Mutex
	alerts []notification.Alert
}

func (l *alertLog) Send(_ context.Context, a notification.Alert) error {
	l.mu.Lock()
	l.alerts = append(l.alerts, a)
	l.mu.Unlock()
	return nil
}

type harness struct {
	svc     *Service
	store   *pairs.Store
	disc    *fakeDiscoverer
	stats   *fakeStats
	candles *fakeCandles
	persist *memPersist
	sink    *recordingSink
	alerts  *alertLog
	clock   *clock.Fake
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	clk := clock.NewFake(t0)
	store := pairs.NewStore(clk, 0)
	b := gateway.NewBroadcaster(store, clk, nil, nil)
	h := &harness{
		store:   store,
		disc:    &fakeDiscoverer{},
		stats:   &fakeStats{},
		candles: &fakeCandles{data: map[string][]model.Candle{}, errs: map[string]error{}},
		persist: &memPersist{},
		sink:    &recordingSink{},
		alerts:  &alertLog{},
		clock:   clk,
	}
	require.NoError(t, b.Subscribe(h.sink))

	if cfg.Chain == "" {
		cfg.Chain = "solana"
	}
	svc, err := New(cfg, Deps{
		Store:      store,
		Discoverer: h.disc,
		Stats:      h.stats,
		Candles:    h.candles,
		Publisher:  b,
		Persist:    h.persist,
		Clock:      clk,
		Alerts:     notification.NewHealthAlerter(h.alerts, nil),
	})
	require.NoError(t, err)
	h.svc = svc
	return h
}

func pair(addr string) model.Pair {
	return model.Pair{Address: addr, ChainID: "solana", DexID: "raydium", PriceUSD: 1, PairCreatedAt: t0.Add(-time.Hour)}
}

// rising returns n candles with strictly increasing closes and highs.
func rising(n int, high float64) []model.Candle {
	out := make([]model.Candle, n)
	for i := range out {
		c := float64(i + 1)
		out[i] = model.Candle{TS: t0.Add(time.Duration(i) * 5 * time.Minute), Open: c, High: c + 0.5, Low: c - 0.5, Close: c}
	}
	out[n-1].High = high
	return out
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}

func TestDiscoverOnce_MergeReplacesMembership(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.Merge([]model.Pair{pair("A"), pair("B")})
	_, ok := h.store.RecordCandles("B", rising(20, 25))
	require.True(t, ok)
	before, _ := h.store.Get("B")
	require.NotNil(t, before.RSI5m)

	h.disc.set(discovery.Result{Pairs: []model.Pair{pair("B"), pair("C")}, Strategy: "test"})
	require.NoError(t, h.svc.DiscoverOnce(context.Background()))

	assert.Equal(t, []string{"B", "C"}, h.store.Addresses())
	after, _ := h.store.Get("B")
	assert.Equal(t, *before.RSI5m, *after.RSI5m)
	assert.Equal(t, *before.ATH, *after.ATH)
	c, _ := h.store.Get("C")
	assert.Nil(t, c.RSI5m)
	assert.Nil(t, c.ATH)

	ups := h.sink.updates(t)
	require.Len(t, ups, 1)
	assert.Equal(t, ReasonDiscovery, ups[0].Reason)
	assert.Equal(t, []string{"A"}, ups[0].Removed)
	assert.Len(t, ups[0].Pairs, 2)
	assert.Equal(t, model.HealthOK, h.store.Stats().Health)
	assert.Equal(t, t0, h.store.Stats().Cycles.Discovery)
}

func TestDiscoverOnce_EmptyKeepsState(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.Merge([]model.Pair{pair("A"), pair("B")})

	h.disc.set(discovery.Result{})
	require.NoError(t, h.svc.DiscoverOnce(context.Background()))

	assert.Equal(t, 2, h.store.Len())
	assert.Empty(t, h.sink.updates(t))
}

func TestDiscoverOnce_FailureDegradesAndKeepsState(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.Merge([]model.Pair{pair("A")})

	h.disc.set(discovery.Result{Err: errors.New("all upstreams down")})
	err := h.svc.DiscoverOnce(context.Background())
	require.Error(t, err)

	assert.Equal(t, 1, h.store.Len())
	assert.Equal(t, model.HealthDegraded, h.store.Stats().Health)
	assert.Empty(t, h.sink.updates(t))
}

func TestRefreshStats_FailOpen(t *testing.T) {
	h := newHarness(t, Config{})
	p := pair("A")
	p.Liquidity = 1234
	h.store.Merge([]model.Pair{p})

	var known, unknown upstream.PairRecord
	known.PairAddress = "A"
	known.PriceUSD = upstream.N(2)
	unknown.PairAddress = "GHOST"
	unknown.PriceUSD = upstream.N(3)
	h.stats.recs = []upstream.PairRecord{known, unknown}

	require.NoError(t, h.svc.RefreshStats(context.Background()))

	got, _ := h.store.Get("A")
	assert.Equal(t, 2.0, got.PriceUSD)
	assert.Equal(t, 1234.0, got.Liquidity)
	assert.Equal(t, 1, h.store.Len())

	ups := h.sink.updates(t)
	require.Len(t, ups, 1)
	assert.Equal(t, ReasonStats, ups[0].Reason)
	require.Len(t, ups[0].Pairs, 1)
}

func TestRefreshStats_TotalFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.Merge([]model.Pair{pair("A")})
	h.stats.err = errors.New("down")
	assert.Error(t, h.svc.RefreshStats(context.Background()))
	got, _ := h.store.Get("A")
	assert.Equal(t, 1.0, got.PriceUSD)
}

func TestRefreshIndicators_NewHighRaisesATH(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.Merge([]model.Pair{pair("A")})
	_, _ = h.store.RecordCandles("A", rising(20, 21))
	cur, _ := h.store.Get("A")
	require.Equal(t, 21.0, *cur.ATH)

	h.candles.data["A"] = rising(20, 42)
	require.NoError(t, h.svc.RefreshIndicators(context.Background()))

	got, _ := h.store.Get("A")
	assert.Equal(t, 42.0, *got.ATH)
	ups := h.sink.updates(t)
	require.Len(t, ups, 1)
	assert.Equal(t, ReasonIndicator, ups[0].Reason)
	require.Len(t, ups[0].Pairs, 1)
	assert.Equal(t, 42.0, *ups[0].Pairs[0].ATH)
	assert.Nil(t, ups[0].Pairs[0].Candles, "events carry summaries")
	assert.Len(t, got.Candles, 20)
	assert.Equal(t, t0, h.store.Stats().Cycles.Indicator)
}

func TestRefreshIndicators_ShortHistoryLeavesRSIUnknown(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.Merge([]model.Pair{pair("A")})
	h.candles.data["A"] = rising(5, 9)
	require.NoError(t, h.svc.RefreshIndicators(context.Background()))

	got, _ := h.store.Get("A")
	assert.Nil(t, got.RSI5m)
	assert.Nil(t, got.RSI15m)
	assert.Equal(t, 9.0, *got.ATH)
}

func TestRefreshIndicators_RateLimitCooldown(t *testing.T) {
	h := newHarness(t, Config{OHLCVCooldown: time.Minute})
	h.store.Merge([]model.Pair{pair("A"), pair("B")})
	h.candles.errs["A"] = &fetch.FetchError{URL: "u", Attempts: 1, Err: &fetch.StatusError{StatusCode: http.StatusTooManyRequests}}
	h.candles.data["B"] = rising(20, 30)

	done := make(chan error, 1)
	go func() { done <- h.svc.RefreshIndicators(context.Background()) }()

	require.True(t, h.clock.BlockUntil(1, 2*time.Second))
	assert.Equal(t, []string{"A"}, h.candles.called())

	h.clock.Advance(time.Minute)
	require.NoError(t, <-done)
	assert.Equal(t, []string{"A", "B"}, h.candles.called())

	a, _ := h.store.Get("A")
	assert.Nil(t, a.Candles)
	b, _ := h.store.Get("B")
	assert.NotNil(t, b.RSI5m)
}

func TestRefreshIndicators_RequestDelay(t *testing.T) {
	h := newHarness(t, Config{OHLCVRequestDelay: 2 * time.Second})
	h.store.Merge([]model.Pair{pair("A"), pair("B")})

	var finished atomic.Bool
	go func() {
		_ = h.svc.RefreshIndicators(context.Background())
		finished.Store(true)
	}()
	require.True(t, h.clock.BlockUntil(1, 2*time.Second))
	assert.Equal(t, []string{"A"}, h.candles.called())
	h.clock.Advance(2 * time.Second)
	require.Eventually(t, finished.Load, 2*time.Second, time.Millisecond)
	assert.Equal(t, []string{"A", "B"}, h.candles.called())
}

func TestRefreshIndicators_CancelStopsLoop(t *testing.T) {
	h := newHarness(t, Config{OHLCVRequestDelay: time.Hour})
	h.store.Merge([]model.Pair{pair("A"), pair("B")})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.svc.RefreshIndicators(ctx) }()
	require.True(t, h.clock.BlockUntil(1, 2*time.Second))
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRefreshIndicators_EvictsOutsideBand(t *testing.T) {
	h := newHarness(t, Config{Eviction: discovery.Band{Enabled: true, Lower: 30, Upper: 70}})
	h.store.Merge([]model.Pair{pair("HOT"), pair("NEW")})
	// strictly rising closes give RSI 100, above the band
	h.candles.data["HOT"] = rising(40, 50)
	h.candles.data["NEW"] = rising(3, 4)

	require.NoError(t, h.svc.RefreshIndicators(context.Background()))

	assert.Equal(t, []string{"NEW"}, h.store.Addresses())
	ups := h.sink.updates(t)
	require.NotEmpty(t, ups)
	last := ups[len(ups)-1]
	assert.Equal(t, ReasonEviction, last.Reason)
	assert.Equal(t, []string{"HOT"}, last.Removed)
}

func TestRestore_WarmAndCold(t *testing.T) {
	h := newHarness(t, Config{})
	h.persist.snap = model.Snapshot{Version: model.SnapshotVersion, Pairs: []model.Pair{pair("A"), pair("B")}}
	assert.Equal(t, 2, h.svc.Restore(context.Background()))
	assert.Equal(t, 2, h.store.Len())

	cold := newHarness(t, Config{ColdStart: true})
	cold.persist.snap = model.Snapshot{Version: model.SnapshotVersion, Pairs: []model.Pair{pair("A")}}
	assert.Equal(t, 0, cold.svc.Restore(context.Background()))
	assert.True(t, cold.persist.cleared)
}

func TestPersistOnce(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.Merge([]model.Pair{pair("A")})
	require.NoError(t, h.svc.PersistOnce(context.Background()))
	assert.Len(t, h.persist.Load(context.Background()).Pairs, 1)
}

func TestRun_FinalSaveOnShutdown(t *testing.T) {
	h := newHarness(t, Config{
		DiscoveryInterval: time.Minute,
		StatsInterval:     time.Minute,
		IndicatorInterval: time.Minute,
		PersistInterval:   time.Minute,
	})
	h.disc.set(discovery.Result{Pairs: []model.Pair{pair("A")}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.svc.Run(ctx) }()

	require.Eventually(t, func() bool { return h.store.Len() == 1 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.GreaterOrEqual(t, h.persist.saveCount(), 1)
	assert.Len(t, h.persist.Load(context.Background()).Pairs, 1)
}

func TestTasks(t *testing.T) {
	h := newHarness(t, Config{DiscoveryInterval: time.Minute, StatsInterval: time.Minute, IndicatorInterval: time.Minute, PersistInterval: time.Minute})
	names := make([]string, 0, 4)
	for _, task := range h.svc.Tasks() {
		names = append(names, task.Name)
	}
	assert.Equal(t, []string{"discovery", "stats", "indicator", "persist"}, names)
}

func TestDiscoverOnce_AlertsOnHealthTransitions(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	h.disc.set(discovery.Result{Err: errors.New("down")})
	_ = h.svc.DiscoverOnce(ctx)
	_ = h.svc.DiscoverOnce(ctx)
	h.disc.set(discovery.Result{Pairs: []model.Pair{pair("A")}})
	require.NoError(t, h.svc.DiscoverOnce(ctx))
	h.svc.alerts.Wait()

	h.alerts.mu.Lock()
	defer h.alerts.mu.Unlock()
	require.Len(t, h.alerts.alerts, 2)
	assert.Equal(t, "collector degraded", h.alerts.alerts[0].Title)
	assert.Contains(t, h.alerts.alerts[0].Message, "down")
	assert.Equal(t, "collector recovered", h.alerts.alerts[1].Title)
}
