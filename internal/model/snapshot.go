package model

import "time"

// SnapshotVersion is bumped when the persisted layout changes incompatibly.
const SnapshotVersion = 1

// Health describes the collector's overall state.
type Health string

const (
	HealthStarting Health = "starting"
	HealthOK       Health = "ok"
	HealthDegraded Health = "degraded"
)

// CycleKind names a periodic collector cycle.
type CycleKind string

const (
	CycleDiscovery CycleKind = "discovery"
	CycleStats     CycleKind = "stats"
	CycleIndicator CycleKind = "indicator"
)

// CycleTimes records when each cycle last completed.
type CycleTimes struct {
	Discovery time.Time `json:"lastDiscovery"`
	Stats     time.Time `json:"lastStats"`
	Indicator time.Time `json:"lastIndicator"`
}

// Stats are the aggregate counters exposed to observers.
type Stats struct {
	Tracked    int        `json:"tracked"`
	Overbought int        `json:"overbought"`
	Oversold   int        `json:"oversold"`
	MeanRSI    *float64   `json:"meanRsi"`
	Health     Health     `json:"health"`
	Cycles     CycleTimes `json:"cycles"`
}

// Snapshot is the durable form of the pair store.
type Snapshot struct {
	Version int        `json:"version"`
	SavedAt time.Time  `json:"savedAt"`
	Pairs   []Pair     `json:"pairs"`
	Cycles  CycleTimes `json:"cycles"`
}

// Empty reports whether the snapshot holds no pairs.
func (s Snapshot) Empty() bool { return len(s.Pairs) == 0 }

// Event kinds delivered to subscribers.
const (
	EventSnapshot = "snapshot"
	EventUpdate   = "update"
)

// SnapshotEvent is the payload of a full-snapshot event.
type SnapshotEvent struct {
	Pairs []Pair `json:"pairs"`
	Stats Stats  `json:"stats"`
}

// UpdateEvent is the payload of an incremental-update event.
type UpdateEvent struct {
	Reason  string   `json:"reason"`
	Pairs   []Pair   `json:"pairs,omitempty"`
	Removed []string `json:"removed,omitempty"`
	Stats   Stats    `json:"stats"`
}
