package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/go-redis/redis/v8"

	"pairscope/internal/model"
)

// DefaultSnapshotKey is the fixed key the collector state lives under.
const DefaultSnapshotKey = "pairscope:snapshot"

// SnapshotStore keeps the collector snapshot as one JSON string under a
// fixed key, without expiry. Every call goes through the breaker.
type SnapshotStore struct {
	client goredis.UniversalClient
	key    string
	cb     *CircuitBreaker
}

// NewSnapshotStore wraps client. A nil breaker gets a default one.
func NewSnapshotStore(client goredis.UniversalClient, key string, cb *CircuitBreaker) *SnapshotStore {
	if key == "" {
		key = DefaultSnapshotKey
	}
	if cb == nil {
		cb = NewCircuitBreaker(5, defaultResetTimeout)
	}
	return &SnapshotStore{client: client, key: key, cb: cb}
}

// Key returns the snapshot key.
func (s *SnapshotStore) Key() string { return s.key }

// Breaker returns the breaker guarding this store.
func (s *SnapshotStore) Breaker() *CircuitBreaker { return s.cb }

// SaveSnapshot overwrites the stored snapshot.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snap model.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return s.cb.Execute(func() error {
		if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
			return fmt.Errorf("redis set %s: %w", s.key, err)
		}
		return nil
	})
}

// LoadSnapshot returns the stored snapshot, or nil, nil if the key is absent.
func (s *SnapshotStore) LoadSnapshot(ctx context.Context) (*model.Snapshot, error) {
	var raw []byte
	err := s.cb.Execute(func() error {
		b, err := s.client.Get(ctx, s.key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("redis get %s: %w", s.key, err)
		}
		raw = b
		return nil
	})
	if err != nil || raw == nil {
		return nil, err
	}

	var snap model.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// ClearSnapshot deletes the key.
func (s *SnapshotStore) ClearSnapshot(ctx context.Context) error {
	return s.cb.Execute(func() error {
		if err := s.client.Del(ctx, s.key).Err(); err != nil {
			return fmt.Errorf("redis del %s: %w", s.key, err)
		}
		return nil
	})
}
