package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	sendQueueSize = 256
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 30 * time.Second
	maxReadBytes  = 4096
)

var (
	// ErrClientClosed is returned by Send after the connection has gone.
	ErrClientClosed = errors.New("gateway: client closed")
	// ErrSlowClient is returned by Send when the client's queue is full.
	ErrSlowClient = errors.New("gateway: client send queue full")
)

// Client is a WebSocket subscriber. Send only enqueues; a dedicated write
// pump drains the queue, so one slow peer cannot stall a publish.
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func newClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{
		id:     "ws-" + uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		closed: make(chan struct{}),
		logger: logger,
	}
}

func (c *Client) ID() string { return c.id }

// Send enqueues msg without blocking.
func (c *Client) Send(msg []byte) error {
	select {
	case <-c.closed:
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		c.close()
		return ErrSlowClient
	}
}

func (c *Client) close() {
	c.once.Do(func() { close(c.closed) })
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.closed:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			// One envelope per frame so clients can parse each message.
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *Client) readPump(onExit func()) {
	defer func() {
		onExit()
		c.close()
		c.logger.Info("ws client disconnected", slog.String("client", c.id))
	}()

	c.conn.SetReadLimit(maxReadBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		pong, err := pongFor(msg, time.Now())
		if err != nil {
			c.logger.Warn("ws pong encode failed", slog.String("client", c.id), slog.String("error", err.Error()))
			continue
		}
		if pong == nil {
			continue
		}
		if err := c.Send(pong); err != nil {
			c.logger.Warn("ws pong not queued", slog.String("client", c.id), slog.String("error", err.Error()))
			return
		}
	}
}

// pongFor answers an application-level {"ping":N} message for clients that
// cannot send control frames. Other messages yield nil.
func pongFor(msg []byte, now time.Time) ([]byte, error) {
	var base struct {
		Ping int64 `json:"ping"`
	}
	if json.Unmarshal(msg, &base) != nil || base.Ping <= 0 {
		return nil, nil
	}
	return json.Marshal(map[string]any{
		"type":      "pong",
		"ping":      base.Ping,
		"server_ts": now.UnixMilli(),
	})
}
