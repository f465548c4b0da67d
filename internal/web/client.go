package web

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sschepis/oboto-server/internal/dispatch"
	"github.com/sschepis/oboto-server/internal/logger"
	"github.com/sschepis/oboto-server/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192
)

// Client is one WebSocket connection. Messages arrive through the read
// pump in order; replies and fan-out frames leave through the buffered
// send channel drained by the write pump. The client context is
// cancelled on disconnect and parents every long-running handler
// started for this connection.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	ctx    context.Context
	cancel context.CancelFunc
}

var _ dispatch.Sender = (*Client)(nil)

func newClient(base context.Context, hub *Hub, conn *websocket.Conn) *Client {
	ctx, cancel := context.WithCancel(base)
	return &Client{
		id:     uuid.NewString(),
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 256),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID identifies this connection to handlers and logs.
func (c *Client) ID() string { return c.id }

// Send serializes one envelope and queues it for this client alone. A
// full buffer drops the frame rather than blocking the caller.
func (c *Client) Send(typ string, payload any) error {
	data, err := protocol.Marshal(typ, payload)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		logger.Warn("web: client %s send buffer full, %s dropped", c.id, typ)
		return &protocol.TransportError{Op: "send " + typ}
	}
}

func (c *Client) close() {
	c.cancel()
	c.conn.Close()
}

// readPump reads frames until the connection dies, handing each to the
// server's inbound path. It owns unregistration and context teardown.
func (c *Client) readPump(s *Server) {
	defer func() {
		c.cancel()
		c.hub.Unregister(c)
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Error("web: client %s read error: %v", c.id, err)
			}
			return
		}
		s.handleInbound(c, data)
	}
}

// writePump drains the send channel onto the wire and keeps the
// connection alive with pings. It exits when a write fails or the
// client context is cancelled.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
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

		case <-c.ctx.Done():
			return
		}
	}
}
