package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"pairscope/internal/clock"
	"pairscope/internal/metrics"
	"pairscope/internal/model"
)

// ErrDuplicateSink is returned when a sink ID is already subscribed.
var ErrDuplicateSink = errors.New("gateway: sink already subscribed")

// SnapshotSource provides the full state sent to new subscribers.
type SnapshotSource interface {
	View() model.SnapshotEvent
}

// Broadcaster fans events out to subscribed sinks. Subscription and
// publish share one mutex, so a new sink receives its snapshot before any
// update published after it joined, and never an update from before.
type Broadcaster struct {
	source SnapshotSource
	clock  clock.Clock
	logger *slog.Logger
	prom   *metrics.Metrics

	mu    sync.Mutex
	sinks map[string]model.EventSink
	seq   int64
}

// NewBroadcaster creates a Broadcaster that snapshots from source.
func NewBroadcaster(source SnapshotSource, clk clock.Clock, logger *slog.Logger, prom *metrics.Metrics) *Broadcaster {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		source: source,
		clock:  clk,
		logger: logger,
		prom:   prom,
		sinks:  make(map[string]model.EventSink),
	}
}

// Subscribe sends a full snapshot to sink and then registers it. If the
// snapshot write fails the sink is not registered.
func (b *Broadcaster) Subscribe(sink model.EventSink) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, dup := b.sinks[sink.ID()]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateSink, sink.ID())
	}

	data, err := json.Marshal(b.source.View())
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	b.seq++
	env := buildEnvelope(model.EventSnapshot, data, b.clock.Now().UTC(), b.seq)
	if err := sink.Send(env); err != nil {
		return fmt.Errorf("send snapshot to %s: %w", sink.ID(), err)
	}

	b.sinks[sink.ID()] = sink
	b.observeSinks()
	b.logger.Info("sink subscribed", slog.String("sink", sink.ID()), slog.Int("sinks", len(b.sinks)))
	return nil
}

// Unsubscribe removes sink. Unknown sinks are ignored.
func (b *Broadcaster) Unsubscribe(sink model.EventSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sinks[sink.ID()]; !ok {
		return
	}
	delete(b.sinks, sink.ID())
	b.observeSinks()
	b.logger.Info("sink unsubscribed", slog.String("sink", sink.ID()), slog.Int("sinks", len(b.sinks)))
}

// Publish serializes payload once and writes it to every sink. Sinks
// whose write fails are dropped. It returns the number of sinks reached.
func (b *Broadcaster) Publish(kind string, payload any) (int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal %s payload: %w", kind, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	env := buildEnvelope(kind, data, b.clock.Now().UTC(), b.seq)

	delivered := 0
	for id, sink := range b.sinks {
		if err := sink.Send(env); err != nil {
			delete(b.sinks, id)
			if b.prom != nil {
				b.prom.SinkDrops.Inc()
			}
			b.logger.Warn("sink dropped after failed write",
				slog.String("sink", id), slog.String("error", err.Error()))
			continue
		}
		delivered++
	}

	if b.prom != nil {
		b.prom.EventsPublished.WithLabelValues(kind).Inc()
	}
	b.observeSinks()
	return delivered, nil
}

// SinkCount returns the number of live sinks.
func (b *Broadcaster) SinkCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sinks)
}

func (b *Broadcaster) observeSinks() {
	if b.prom != nil {
		b.prom.Subscribers.Set(float64(len(b.sinks)))
	}
}

// buildEnvelope hand-crafts {"type":"...","data":...,"ts":"...","seq":N}.
// data must already be valid JSON.
func buildEnvelope(kind string, data []byte, now time.Time, seq int64) []byte {
	buf := make([]byte, 0, len(kind)+len(data)+80)
	buf = append(buf, `{"type":"`...)
	buf = append(buf, kind...)
	buf = append(buf, `","data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = now.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, '}')
	return buf
}
