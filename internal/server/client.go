// Package server manages individual WebSocket connections, handling the
// read/write pumps, rate limiting, and lifecycle for each session.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Scope records which endpoint a connection was opened for. The zero value
// is the personal endpoint; a non-zero WorkspaceID binds the connection to
// that workspace's chat.
type Scope struct {
	WorkspaceID int64
}

// PersonalScope is the scope of connections on the personal chat endpoint.
func PersonalScope() Scope { return Scope{} }

// WorkspaceScope is the scope of connections on a workspace chat endpoint.
func WorkspaceScope(workspaceID int64) Scope { return Scope{WorkspaceID: workspaceID} }

// Personal reports whether the connection carries direct messages.
func (s Scope) Personal() bool { return s.WorkspaceID == 0 }

// Client is one live authenticated WebSocket session. It is bound to exactly
// one user for its whole lifetime and is removed from the hub atomically
// with socket teardown.
type Client struct {
	id     uuid.UUID
	userID int64
	scope  Scope
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	router *Router
	addr   string
	closed bool
	log    *slog.Logger

	maxMessageSize int64
	limiter        *tokenBucket
	rateLimit      RateLimitConfig
}

// NewClient creates a client for an authenticated connection. The pumps are
// started separately, after the connection is registered.
func NewClient(conn *websocket.Conn, hub *Hub, router *Router, userID int64, scope Scope, addr string, cfg Config, log *slog.Logger) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	id := uuid.New()
	return &Client{
		id:             id,
		userID:         userID,
		scope:          scope,
		conn:           conn,
		send:           make(chan []byte, cfg.SendBuffer),
		hub:            hub,
		router:         router,
		addr:           addr,
		log:            log.With("conn", id.String(), "user", userID, "addr", addr),
		maxMessageSize: cfg.MaxMessageSize,
		limiter:        newTokenBucket(cfg.RateLimit),
		rateLimit:      cfg.RateLimit,
	}
}

// start launches the read and write pumps. The hub's wait group accounts for
// both goroutines so shutdown can drain them.
func (c *Client) start() {
	c.hub.wg.Add(2)
	go func() {
		defer c.hub.wg.Done()
		c.writePump()
	}()
	go func() {
		defer c.hub.wg.Done()
		c.readPump()
	}()
}

// ID returns the unique connection id.
func (c *Client) ID() uuid.UUID { return c.id }

// UserID returns the id of the user this connection belongs to.
func (c *Client) UserID() int64 { return c.userID }

// Scope returns the endpoint scope the connection was opened for.
func (c *Client) Scope() Scope { return c.scope }

// GetSendChan returns the client's send channel for reading outgoing frames.
func (c *Client) GetSendChan() <-chan []byte { return c.send }

// sendFrame marshals and enqueues a frame addressed to this connection
// itself (acks and error frames). The send goes through the hub's guarded
// path: if the connection was torn down concurrently, or its buffer is full,
// the frame is dropped. The connection is not torn down over its own
// notifications.
func (c *Client) sendFrame(frame any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		c.log.Error("error marshaling frame", "error", err)
		return
	}
	if !c.hub.safeSend(c, payload) {
		c.log.Warn("dropping frame; connection gone or backlogged")
	}
}

func (c *Client) sendError(code, detail string) {
	c.sendFrame(ErrorFrame{Type: FrameError, Code: code, Detail: detail})
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Error("error setting initial read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Error("error setting read deadline in pong handler", "error", err)
		}
		return nil
	})
}

// handleReadError logs the read failure with enough context to tell expected
// disconnects apart from protocol violations.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("inbound frame exceeded maximum size", "max", c.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Info("client disconnected", "error", err)
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		c.log.Info("connection closed", "error", err)
	default:
		c.log.Warn("websocket read error", "error", err)
	}
}

// readPump owns inbound traffic. Frames are handed to the router inline, so
// everything a single connection sends is processed strictly in arrival
// order and nothing is acknowledged before it is durable.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Error("error closing connection in readPump", "error", err)
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			break
		}

		if !c.limiter.allow() {
			c.log.Warn("rate limit exceeded; discarding frame",
				"burst", c.rateLimit.Burst, "interval", c.rateLimit.RefillInterval)
			c.sendError(CodeRateLimited, "message rate limit exceeded")
			continue
		}

		c.router.HandleInbound(c.hub.ctx, c, raw)
	}
}

// writePump owns outbound traffic and keepalive pings. It exits when the
// send channel is closed by teardown, the peer stops responding, or the hub
// shuts down.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Error("error closing connection in writePump", "error", err)
		}
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Error("error setting write deadline", "error", err)
				return
			}
			if !ok {
				c.writeClose()
				return
			}
			if !c.writeMessage(payload) {
				return
			}

		case <-ticker.C:
			if !c.ping() {
				return
			}

		case <-c.hub.ctx.Done():
			c.writeClose()
			return
		}
	}
}

func (c *Client) writeClose() {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		c.log.Error("error writing close message", "error", err)
	}
}

// writeMessage writes the frame plus anything already queued behind it, so a
// burst of fan-out traffic goes out in one network write.
func (c *Client) writeMessage(payload []byte) bool {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		c.log.Error("error creating writer", "error", err)
		return false
	}

	if _, err := w.Write(payload); err != nil {
		c.log.Error("error writing frame", "error", err)
		return false
	}

	queued := len(c.send)
	for i := 0; i < queued; i++ {
		next, ok := <-c.send
		if !ok {
			break
		}
		if _, err := w.Write([]byte{'\n'}); err != nil {
			c.log.Error("error writing frame separator", "error", err)
			return false
		}
		if _, err := w.Write(next); err != nil {
			c.log.Error("error writing queued frame", "error", err)
			return false
		}
	}

	if err := w.Close(); err != nil {
		c.log.Error("error closing writer", "error", err)
		return false
	}
	return true
}

func (c *Client) ping() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Error("error setting write deadline for ping", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Error("error writing ping message", "error", err)
		}
		return false
	}
	return true
}
