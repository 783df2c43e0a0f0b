package websocket

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pohlai88/aibos-gateway/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 256
)

// Connection is one registered WebSocket client. All writes go through the
// send channel so the write pump is the only goroutine touching the socket.
type Connection struct {
	ID          string
	TenantID    string
	UserID      string
	Roles       []string
	Permissions []string
	CreatedAt   time.Time

	mu            sync.RWMutex
	subscriptions map[string]struct{}

	lastPing atomic.Int64 // unix ms
	bucket   *rate.Limiter

	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	onClose func(*Connection)
}

// Touch records ping activity for the heartbeat reaper.
func (c *Connection) Touch() {
	c.lastPing.Store(time.Now().UnixMilli())
}

// LastPing returns the last recorded ping activity in unix milliseconds.
func (c *Connection) LastPing() int64 {
	return c.lastPing.Load()
}

// Subscribe adds a channel to the connection's subscription set.
func (c *Connection) Subscribe(channel string) {
	c.mu.Lock()
	c.subscriptions[channel] = struct{}{}
	c.mu.Unlock()
}

// Unsubscribe removes a channel from the subscription set.
func (c *Connection) Unsubscribe(channel string) {
	c.mu.Lock()
	delete(c.subscriptions, channel)
	c.mu.Unlock()
}

// Subscribed reports whether the connection holds the channel.
func (c *Connection) Subscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[channel]
	return ok
}

// Subscriptions returns a snapshot of the subscription set.
func (c *Connection) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subscriptions))
	for ch := range c.subscriptions {
		out = append(out, ch)
	}
	return out
}

// hasPermission reports whether the connection carries the named scope.
func (c *Connection) hasPermission(perm string) bool {
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// trySend queues an outbound frame without blocking. A full buffer drops the
// frame; a slow consumer must not stall the hub.
func (c *Connection) trySend(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	case <-c.done:
		return false
	default:
		logging.Warn("websocket send buffer full, dropping frame",
			zap.String("connectionId", c.ID))
		return false
	}
}

// Close tears the connection down exactly once.
func (c *Connection) Close() {
	c.once.Do(func() {
		close(c.done)
		if c.onClose != nil {
			c.onClose(c)
		}
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// writePump owns every socket write: queued frames, protocol pings, and the
// close frame.
func (c *Connection) writePump(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
			// Drain the queue while the socket is hot.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// readPump owns every socket read and routes inbound messages to the adapter.
func (c *Connection) readPump(a *Adapter, readLimit int64, pongWait time.Duration) {
	defer c.Close()

	if readLimit > 0 {
		c.conn.SetReadLimit(readLimit)
	}
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.Touch()
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug("websocket read failed",
					zap.String("connectionId", c.ID), zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if resp := a.handleFrame(c, payload); resp != nil {
			c.trySend(resp)
		}
	}
}
