package model

import "context"

// ── Storage Port Interfaces ──
// These decouple the collector from the concrete snapshot backends
// (Redis, SQLite).

// SnapshotStore persists the collector state under one fixed key.
type SnapshotStore interface {
	// SaveSnapshot overwrites the stored snapshot.
	SaveSnapshot(ctx context.Context, snap Snapshot) error

	// LoadSnapshot returns the stored snapshot, or nil, nil if none exists.
	LoadSnapshot(ctx context.Context) (*Snapshot, error)

	// ClearSnapshot removes the stored snapshot.
	ClearSnapshot(ctx context.Context) error
}

// EventSink receives serialized broadcast envelopes.
type EventSink interface {
	// ID identifies the sink in logs.
	ID() string

	// Send delivers one envelope. A non-nil error removes the sink.
	Send(msg []byte) error
}
