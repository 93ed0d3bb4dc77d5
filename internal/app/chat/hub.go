/*
Package chat is the websocket transport of the relay.

This file defines the Hub, which tracks every live Client and the delivery group
(user ID) each authenticated client belongs to. The Hub implements presence.Transport:
the presence router calls into it to fan events out.
*/
package chat

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"relaychat/internal/app/presence"
	"relaychat/internal/pkg/logx"
)

// Hub coordinates all live clients and their delivery groups.
type Hub struct {
	// mu protects clients, groups and memberOf, and serializes closing client queues.
	mu sync.RWMutex

	// clients stores every registered client, keyed by connection ID.
	clients map[string]*Client

	// groups maps a user ID to the connection IDs currently in its delivery group.
	groups map[string]map[string]struct{}

	// memberOf maps a connection ID back to its group.
	memberOf map[string]string

	// structured logger with Hub context.
	logger zerolog.Logger
}

var _ presence.Transport = (*Hub)(nil)

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{
		clients:  make(map[string]*Client),
		groups:   make(map[string]map[string]struct{}),
		memberOf: make(map[string]string),
		logger:   logx.Component("Hub"),
	}
}

// Register makes c addressable by its connection ID.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[c.ID] = c
	h.logger.Debug().Str("conn_id", c.ID).Int("total_clients", len(h.clients)).Msg("Client registered.")
}

// Unregister removes c and closes its send queue. Group membership is left to the
// router, which removes it through Leave. Calling Unregister twice is harmless.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if current, ok := h.clients[c.ID]; !ok || current != c {
		return
	}

	delete(h.clients, c.ID)
	close(c.send)

	h.logger.Debug().Str("conn_id", c.ID).Int("total_clients", len(h.clients)).Msg("Client unregistered.")
}

// Len returns the number of registered clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every client's send queue, which makes each write pump send a
// close frame and drop its connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}

	h.logger.Info().Msg("Hub shutdown complete.")
}

// Join adds connID to the delivery group of userID.
func (h *Hub) Join(connID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if previous, ok := h.memberOf[connID]; ok {
		h.removeMember(connID, previous)
	}

	members, ok := h.groups[userID]
	if !ok {
		members = make(map[string]struct{})
		h.groups[userID] = members
	}
	members[connID] = struct{}{}
	h.memberOf[connID] = userID
}

// Leave removes connID from its delivery group.
func (h *Hub) Leave(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if userID, ok := h.memberOf[connID]; ok {
		h.removeMember(connID, userID)
	}
}

// removeMember expects h.mu to be held for writing.
func (h *Hub) removeMember(connID, userID string) {
	delete(h.memberOf, connID)

	members := h.groups[userID]
	delete(members, connID)
	if len(members) == 0 {
		delete(h.groups, userID)
	}
}

// CountInGroup returns the size of userID's delivery group.
func (h *Hub) CountInGroup(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[userID])
}

// Emit delivers ev to one connection.
func (h *Hub) Emit(connID string, ev presence.Event) {
	frame, ok := h.encode(ev)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if c, ok := h.clients[connID]; ok {
		h.deliver(c, ev.Name, frame)
	}
}

// EmitToGroup delivers ev to every connection of userID.
func (h *Hub) EmitToGroup(userID string, ev presence.Event) {
	frame, ok := h.encode(ev)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for connID := range h.groups[userID] {
		if c, ok := h.clients[connID]; ok {
			h.deliver(c, ev.Name, frame)
		}
	}
}

// EmitToAll delivers ev to every connection that has joined a group.
func (h *Hub) EmitToAll(ev presence.Event) {
	h.EmitToOthers("", ev)
}

// EmitToOthers delivers ev to every connection that has joined a group, except connID.
// Clients still waiting on their handshake are only reachable through Emit.
func (h *Hub) EmitToOthers(connID string, ev presence.Event) {
	frame, ok := h.encode(ev)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for id := range h.memberOf {
		if id == connID {
			continue
		}
		if c, ok := h.clients[id]; ok {
			h.deliver(c, ev.Name, frame)
		}
	}
}

func (h *Hub) encode(ev presence.Event) ([]byte, bool) {
	frame, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error().Err(err).Str("event", ev.Name).Msg("Error marshaling event.")
		return nil, false
	}
	return frame, true
}

// deliver queues frame without blocking; a full queue drops the frame.
// It expects h.mu to be held, so c.send cannot be closed concurrently.
func (h *Hub) deliver(c *Client, event string, frame []byte) {
	select {
	case c.send <- frame:
	default:
		h.logger.Warn().
			Str("conn_id", c.ID).
			Str("event", event).
			Int("queue_len", len(c.send)).
			Msg("Client send queue full, dropping frame.")
	}
}
