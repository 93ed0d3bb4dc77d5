/*
Package chat is the websocket transport of the relay.

This file defines the Client, one websocket connection. Its read pump decodes frames
into presence events and hands them to the router; its write pump drains the send
queue filled by the Hub and keeps the connection alive with pings.
*/
package chat

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"relaychat/internal/app/presence"
	"relaychat/internal/pkg/errs"
	"relaychat/internal/pkg/logx"
)

const (
	// timeout duration for writing to the WebSocket connection.
	writeWait = 10 * time.Second

	// maximum time allowed for the server to wait for a Pong message from the client.
	pongWait = 60 * time.Second

	// frequency at which the server sends a Ping message.
	pingPeriod = (pongWait * 9) / 10

	// maximum allowed size (in bytes) of a frame sent by the client.
	maxFrameSize = 8192

	// capacity of the per-client outbound queue.
	sendQueueSize = 256
)

// Router is the part of the presence router a client talks to.
type Router interface {
	Dispatch(ctx context.Context, connID string, ev presence.Inbound) error
	Disconnect(connID string)
}

// Client is one websocket connection.
type Client struct {
	// ID is the connection ID used for addressing in the Hub.
	ID string

	hub *Hub

	// underlying WebSocket connection object, set by Serve.
	conn *websocket.Conn

	// a buffered channel of encoded frames waiting to be written.
	send chan []byte

	// structured logger with connection context.
	logger zerolog.Logger
}

// NewClient constructs a Client that is not yet attached to a socket. Registering
// it with the hub before the upgrade lets the router queue the initial snapshot.
func NewClient(hub *Hub, connID string) *Client {
	return &Client{
		ID:     connID,
		hub:    hub,
		send:   make(chan []byte, sendQueueSize),
		logger: logx.Logger().With().Str("conn_id", connID).Logger(),
	}
}

// Serve attaches conn, starts the write pump and runs the read pump until the
// connection ends. On return the router has been told about the disconnect and the
// client is unregistered.
func (c *Client) Serve(ctx context.Context, conn *websocket.Conn, router Router, maxContentBytes int) {
	c.conn = conn

	go c.writePump()

	c.readPump(ctx, router, maxContentBytes)
}

// readPump reads frames until the socket fails or closes.
func (c *Client) readPump(ctx context.Context, router Router, maxContentBytes int) {
	defer c.cleanupOnDisconnect(router)

	c.conn.SetReadLimit(maxFrameSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set read deadline")
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info().Err(err).Msg("Unexpected close while reading")
			}
			return
		}

		ev, decodeErr := presence.DecodeInbound(frame, maxContentBytes)
		if decodeErr != nil {
			c.logger.Warn().Int("code", decodeErr.Code).Msg("Client sent an invalid frame")
			c.hub.Emit(c.ID, presence.ErrorEvent(decodeErr))
			continue
		}

		if err := router.Dispatch(ctx, c.ID, ev); err != nil {
			c.logger.Warn().Err(err).Int("code", errs.CodeOf(err)).Msg("Router refused event, closing connection")
			return
		}
	}
}

// cleanupOnDisconnect reports the disconnect, drops the client from the hub and
// closes the socket.
func (c *Client) cleanupOnDisconnect(router Router) {
	c.logger.Debug().Msg("Client connection cleanup starting.")

	router.Disconnect(c.ID)
	c.hub.Unregister(c)

	if err := c.conn.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("Client connection close error")
	}
}

// writePump writes queued frames and pings until the queue is closed or a write fails.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()

		if err := c.conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Client connection close error in writePump")
		}
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !c.writeQueuedFrame(frame, ok) {
				return
			}

		case <-ticker.C:
			if !c.writePing() {
				return
			}
		}
	}
}

// writeQueuedFrame writes one frame, or a close frame once the queue is closed.
// It reports whether the pump should continue.
func (c *Client) writeQueuedFrame(frame []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set write deadline")
		return false
	}

	if !ok {
		if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
			c.logger.Debug().Err(err).Msg("Error writing close message")
		}
		return false
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.logger.Warn().Err(err).Msg("Error writing message")
		return false
	}

	return true
}

// writePing sends the heartbeat ping.
func (c *Client) writePing() bool {
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
