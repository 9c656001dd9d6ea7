package pushbus

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/pulsewatch/engine/pkg/types"
)

const (
	// writeWait bounds a single websocket write.
	writeWait = 10 * time.Second

	// pingPeriod is the keep-alive interval; pongWait allows two
	// missed pongs before the connection is considered dead.
	pingPeriod = 30 * time.Second
	pongWait   = 2*pingPeriod + 5*time.Second

	maxMessageSize = 4 * 1024

	sendBufferSize = 64
)

// Client is one push subscriber connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	filterMu sync.RWMutex
	filter   map[string]struct{} // nil means all events

	closeOnce sync.Once
	closed    atomic.Bool
}

// SafeSend queues data for the client without blocking or panicking on
// a closed channel. False means the buffer was full or the client is
// gone.
func (c *Client) SafeSend(data []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()

	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close shuts the send channel exactly once; writePump then closes the
// connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
}

// wants reports whether the client's filter admits the url id.
func (c *Client) wants(urlID string) bool {
	c.filterMu.RLock()
	defer c.filterMu.RUnlock()
	if c.filter == nil {
		return true
	}
	_, ok := c.filter[urlID]
	return ok
}

func (c *Client) setFilter(urlIDs []string) {
	filter := make(map[string]struct{}, len(urlIDs))
	for _, id := range urlIDs {
		filter[id] = struct{}{}
	}
	c.filterMu.Lock()
	c.filter = filter
	c.filterMu.Unlock()
}

// readPump consumes client messages (ping, subscribe) until the
// connection drops, then unregisters.
func (c *Client) readPump(logger *zap.Logger) {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("Subscriber read failed", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg types.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Debug("Ignoring malformed client message", zap.Error(err))
			continue
		}

		switch msg.Type {
		case types.MsgPing:
			c.SafeSend(mustMarshal(types.Envelope{
				Type:      types.MsgPong,
				Timestamp: time.Now().UTC(),
			}))
		case types.MsgSubscribe:
			c.setFilter(msg.URLIDs)
			c.SafeSend(mustMarshal(types.Envelope{
				Type:      types.MsgSubscribed,
				Timestamp: time.Now().UTC(),
				URLIDs:    msg.URLIDs,
			}))
		}
	}
}

// writePump drains the send buffer and drives the keep-alive pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

var upgrader = websocket.FastHTTPUpgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(ctx *fasthttp.RequestCtx) bool { return true },
}

// ServeWS upgrades the request and runs the connection's pumps. It
// returns when the subscriber disconnects.
func (h *Hub) ServeWS(ctx *fasthttp.RequestCtx) error {
	return upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		client := &Client{
			hub:  h,
			conn: conn,
			send: make(chan []byte, sendBufferSize),
		}
		h.register <- client
		go client.writePump()
		client.readPump(h.logger)
	})
}
