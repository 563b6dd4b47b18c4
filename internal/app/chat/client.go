/*
Package chat contains the relay core: connection registry, room routing, event dispatch
and the WebSocket transport.

This file defines the Client struct, the Transport implementation over one WebSocket
connection. ReadPump decodes frames and hands them to the Dispatcher in arrival order;
WritePump drains the send queue and keeps the connection alive with pings.
*/
package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"chatrelay/internal/pkg/errs"
	"chatrelay/internal/pkg/logx"
	"chatrelay/internal/pkg/randx"
)

const (
	// timeout duration for writing to the WebSocket connection.
	writeWait = 10 * time.Second

	// maximum time allowed for the server to wait for a Pong message from the client.
	pongWait = 60 * time.Second

	// frequency at which the server sends a Ping message.
	pingPeriod = (pongWait * 9) / 10

	// maximum allowed size (in bytes) of a frame sent by the client.
	// Message payloads carry denormalized chat users, hence the generous bound.
	maxMessageSize = 64 << 10

	// DefaultSendQueueSize is used when ClientOptions leaves SendQueueSize unset.
	DefaultSendQueueSize = 256
)

var (
	// ErrTransportClosed is returned by Send after the client was closed.
	ErrTransportClosed = errors.New("transport closed")

	// ErrSendQueueFull is returned by Send when the peer does not keep up; the client is closed.
	ErrSendQueueFull = errors.New("send queue full")
)

// ClientOptions tunes a Client.
type ClientOptions struct {
	SendQueueSize int

	// EventRate and EventBurst bound inbound events per connection. A zero rate disables the limit.
	EventRate  rate.Limit
	EventBurst int
}

// Client is an active WebSocket connection.
type Client struct {
	id ConnID

	// underlying WebSocket connection object.
	conn *websocket.Conn

	// a buffered channel used to queue frames waiting to be written to the peer.
	send chan []byte

	// mu guards closed and the closing of send.
	mu     sync.Mutex
	closed bool

	// limiter is nil when inbound events are not rate limited.
	limiter *rate.Limiter

	// throttled is set while inbound events are being dropped. Only ReadPump touches it.
	throttled bool

	logger zerolog.Logger
}

// NewClient wraps wsConn with a fresh connection handle.
func NewClient(wsConn *websocket.Conn, opts ClientOptions) *Client {
	id := ConnID(randx.ConnectionID())

	queueSize := opts.SendQueueSize
	if queueSize <= 0 {
		queueSize = DefaultSendQueueSize
	}

	var limiter *rate.Limiter
	if opts.EventRate > 0 {
		limiter = rate.NewLimiter(opts.EventRate, max(opts.EventBurst, 1))
	}

	return &Client{
		id:      id,
		conn:    wsConn,
		send:    make(chan []byte, queueSize),
		limiter: limiter,
		logger:  logx.Logger().With().Str("conn_id", string(id)).Logger(),
	}
}

// ID implements Transport.
func (c *Client) ID() ConnID {
	return c.id
}

// Send implements Transport. It never blocks: a full queue closes the client so the
// slow peer gets disconnected and cleaned up instead of stalling fan-out.
func (c *Client) Send(frame Frame) error {
	payload, err := frame.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrTransportClosed
	}

	select {
	case c.send <- payload:
		return nil
	default:
		c.logger.Warn().Int("queue_len", len(c.send)).Msg("Client send queue full, closing slow connection.")
		c.closeLocked()
		return ErrSendQueueFull
	}
}

// Close implements Transport. WritePump writes a close frame and shuts the socket down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeLocked()
	return nil
}

func (c *Client) closeLocked() {
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ReadPump reads frames until the connection fails or closes, then disconnects the session.
// It must run on a single goroutine per client.
func (c *Client) ReadPump(ctx context.Context, d *Dispatcher, s *Session) {
	defer c.cleanupOnDisconnect(d, s)

	c.conn.SetReadLimit(maxMessageSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set read deadline")
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info().Err(err).Msg("Connection closed unexpectedly")
			}
			return
		}

		if !c.allowEvent() {
			continue
		}

		frame, err := DecodeFrame(raw)
		if err != nil {
			c.logger.Warn().Err(err).Int("size", len(raw)).Msg("Client sent an invalid frame")
			continue
		}

		d.Handle(ctx, s, frame)
	}
}

// allowEvent applies the inbound limiter. The first dropped event of a burst is answered
// with one error frame.
func (c *Client) allowEvent() bool {
	if c.limiter == nil || c.limiter.Allow() {
		c.throttled = false
		return true
	}

	if !c.throttled {
		c.throttled = true
		c.logger.Warn().Msg("Inbound event rate exceeded, dropping events.")
		if err := c.Send(ErrorFrame(errs.NewError(errs.ErrRateLimitExceeded))); err != nil {
			c.logger.Debug().Err(err).Msg("Failed to queue rate limit notice")
		}
	}
	return false
}

// cleanupOnDisconnect unregisters the session and releases the socket.
func (c *Client) cleanupOnDisconnect(d *Dispatcher, s *Session) {
	d.Disconnect(s)

	_ = c.Close()

	if err := c.conn.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("Client connection close error")
	}
}

// WritePump writes queued frames and periodic pings until the queue is closed or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()

		if err := c.conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Client connection close error in WritePump")
		}
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !c.writeQueuedMessage(message, ok) {
				return
			}

		case <-ticker.C:
			if !c.writePingMessage() {
				return
			}
		}
	}
}

// writeQueuedMessage writes one queued frame, or a close frame once the queue is closed.
// Returns false when WritePump should stop.
func (c *Client) writeQueuedMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set write deadline")
		return false
	}

	if !ok {
		if err := c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")); err != nil {
			c.logger.Debug().Err(err).Msg("Error writing close message")
		}
		return false
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		c.logger.Warn().Err(err).Msg("Error writing message")
		return false
	}

	return true
}

// writePingMessage sends the heartbeat ping. Returns false on write failure.
func (c *Client) writePingMessage() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set write deadline on ping")
		return false
	}

	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Warn().Err(err).Msg("Error writing ping")
		return false
	}

	return true
}
