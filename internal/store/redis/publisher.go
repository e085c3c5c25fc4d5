package redis

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

const (
	defaultResetTimeout  = 10 * time.Second
	defaultPublishBuffer = 1024
)

// Publisher mirrors broadcast envelopes onto a Redis pub/sub channel so
// other processes can follow the stream. It is a best-effort sink: Send
// never fails, and envelopes are dropped when the queue is full.
type Publisher struct {
	client  goredis.UniversalClient
	channel string
	queue   chan []byte
	logger  *slog.Logger

	dropped atomic.Int64

	// OnDrop is called for every envelope dropped on a full queue (for metrics).
	OnDrop func()
}

// NewPublisher creates a Publisher. Call Run to start draining.
func NewPublisher(client goredis.UniversalClient, channel string, buffer int, logger *slog.Logger) *Publisher {
	if buffer <= 0 {
		buffer = defaultPublishBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		client:  client,
		channel: channel,
		queue:   make(chan []byte, buffer),
		logger:  logger,
	}
}

func (p *Publisher) ID() string { return "redis:" + p.channel }

// Send enqueues msg for publishing.
func (p *Publisher) Send(msg []byte) error {
	select {
	case p.queue <- msg:
	default:
		p.dropped.Add(1)
		if p.OnDrop != nil {
			p.OnDrop()
		}
	}
	return nil
}

// Dropped returns how many envelopes were dropped.
func (p *Publisher) Dropped() int64 { return p.dropped.Load() }

// Run publishes queued envelopes until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.queue:
			if err := p.client.Publish(ctx, p.channel, msg).Err(); err != nil && ctx.Err() == nil {
				p.logger.Warn("redis publish failed",
					slog.String("channel", p.channel), slog.String("error", err.Error()))
			}
		}
	}
}
