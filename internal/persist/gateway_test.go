package persist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairscope/internal/model"
)

type memStore struct {
	mu      sync.Mutex
	snap    *model.Snapshot
	failAll bool
}

var errDown = errors.New("backend down")

func (m *memStore) SaveSnapshot(_ context.Context, s model.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return errDown
	}
	m.snap = &s
	return nil
}

func (m *memStore) LoadSnapshot(context.Context) (*model.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return nil, errDown
	}
	return m.snap, nil
}

func (m *memStore) ClearSnapshot(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return errDown
	}
	m.snap = nil
	return nil
}

func snapWith(addrs ...string) model.Snapshot {
	s := model.Snapshot{Version: model.SnapshotVersion}
	for _, a := range addrs {
		s.Pairs = append(s.Pairs, model.Pair{Address: a})
	}
	return s
}

func TestGateway_SaveLoad(t *testing.T) {
	primary, fallback := &memStore{}, &memStore{}
	g := New(nil, nil, Backend{"redis", primary}, Backend{"sqlite", fallback})
	ctx := context.Background()

	assert.Equal(t, 2, g.Save(ctx, snapWith("A", "B")))
	got := g.Load(ctx)
	assert.Len(t, got.Pairs, 2)
}

func TestGateway_LoadFallsBack(t *testing.T) {
	primary, fallback := &memStore{}, &memStore{}
	g := New(nil, nil, Backend{"redis", primary}, Backend{"sqlite", fallback})
	ctx := context.Background()

	g.Save(ctx, snapWith("A"))
	primary.failAll = true
	got := g.Load(ctx)
	require.Len(t, got.Pairs, 1)
	assert.Equal(t, "A", got.Pairs[0].Address)

	// Primary reachable but empty also falls through.
	primary.failAll = false
	primary.snap = nil
	got = g.Load(ctx)
	assert.Len(t, got.Pairs, 1)
}

func TestGateway_LoadPrefersNewestSnapshot(t *testing.T) {
	primary, fallback := &memStore{}, &memStore{}
	g := New(nil, nil, Backend{"redis", primary}, Backend{"sqlite", fallback})
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	first := snapWith("A")
	first.SavedAt = t0
	require.Equal(t, 2, g.Save(ctx, first))

	// Redis misses the next save; only SQLite gets the newer state.
	primary.failAll = true
	second := snapWith("A", "B")
	second.SavedAt = t0.Add(time.Minute)
	require.Equal(t, 1, g.Save(ctx, second))

	primary.failAll = false
	got := g.Load(ctx)
	assert.Equal(t, second.SavedAt, got.SavedAt)
	assert.Len(t, got.Pairs, 2)
}

func TestGateway_LoadTieKeepsBackendOrder(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	a, b := snapWith("A"), snapWith("B")
	a.SavedAt, b.SavedAt = at, at
	g := New(nil, nil, Backend{"redis", &memStore{snap: &a}}, Backend{"sqlite", &memStore{snap: &b}})

	got := g.Load(context.Background())
	require.Len(t, got.Pairs, 1)
	assert.Equal(t, "A", got.Pairs[0].Address)
}

func TestGateway_LoadAllFailingIsEmpty(t *testing.T) {
	g := New(nil, nil, Backend{"redis", &memStore{failAll: true}}, Backend{"sqlite", &memStore{failAll: true}})
	got := g.Load(context.Background())
	assert.True(t, got.Empty())
	assert.Equal(t, model.SnapshotVersion, got.Version)
}

func TestGateway_SaveSwallowsFailures(t *testing.T) {
	ok := &memStore{}
	g := New(nil, nil, Backend{"redis", &memStore{failAll: true}}, Backend{"sqlite", ok})
	assert.Equal(t, 1, g.Save(context.Background(), snapWith("A")))
	assert.NotNil(t, ok.snap)
}

func TestGateway_Clear(t *testing.T) {
	a, b := &memStore{}, &memStore{}
	g := New(nil, nil, Backend{"redis", a}, Backend{"sqlite", b})
	ctx := context.Background()
	g.Save(ctx, snapWith("A"))

	require.NoError(t, g.Clear(ctx))
	assert.True(t, g.Load(ctx).Empty())

	b.failAll = true
	assert.ErrorIs(t, g.Clear(ctx), errDown)
}

func TestGateway_SkipsNilStores(t *testing.T) {
	g := New(nil, nil, Backend{"redis", nil}, Backend{"sqlite", &memStore{}})
	assert.Equal(t, []string{"sqlite"}, g.Backends())
}
