package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

var errClientClosed = errors.New("client closed")

// Client is one live websocket connection. It implements registry.Transport.
type Client struct {
	userID  string
	conn    *websocket.Conn
	logger  *slog.Logger
	limiter *rate.Limiter

	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newClient(userID string, conn *websocket.Conn, limiter *rate.Limiter, logger *slog.Logger) *Client {
	return &Client{
		userID:  userID,
		conn:    conn,
		logger:  logger,
		limiter: limiter,
		send:    make(chan []byte, sendBuffer),
		closed:  make(chan struct{}),
	}
}

// Deliver enqueues one named event for the client. A full send buffer means
// the consumer is too slow to keep a realtime connection; it is closed
// rather than allowed to apply backpressure to broadcasts.
func (c *Client) Deliver(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return err
	}

	select {
	case <-c.closed:
		return errClientClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	default:
		c.logger.Warn("send buffer full, closing slow consumer", "user_id", c.userID)
		c.Close("send buffer overflow")
		return errClientClosed
	}
}

// Close tears the connection down. Safe to call from any goroutine, more
// than once.
func (c *Client) Close(reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.conn.Close()
	})
}

// writePump drains the send channel onto the wire and keeps the connection
// alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close("write pump exit")
	}()

	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads inbound envelopes and hands them to the dispatcher until
// the connection drops.
func (c *Client) readPump(dispatch func(*Client, Envelope)) {
	defer c.Close("read pump exit")

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("connection read error", "user_id", c.userID, "error", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			c.logger.Debug("malformed envelope dropped", "user_id", c.userID, "error", err)
			continue
		}

		dispatch(c, env)
	}
}
