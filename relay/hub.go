package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/teamgrid/huddle/signaling"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// client is one member's websocket attachment to a channel.
type client struct {
	userID    string
	username  string
	channelID string
	conn      *websocket.Conn
	send      chan []byte
}

func (c *client) sendEnvelope(env *signaling.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		slog.Error("failed to marshal envelope", "err", err)
		return
	}
	select {
	case c.send <- data:
	default:
		slog.Warn("send buffer full, dropping envelope", "userId", c.userID, "event", env.Event)
	}
}

// Hub tracks the connected members per channel and moves envelopes between
// them. It never interprets call semantics beyond routing headers.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[string]*client
}

func NewHub() *Hub {
	return &Hub{channels: make(map[string]map[string]*client)}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.channels[c.channelID]
	if !ok {
		members = make(map[string]*client)
		h.channels[c.channelID] = members
		slog.Info("channel hub opened", "channelId", c.channelID)
	}
	members[c.userID] = c
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.channels[c.channelID]
	if !ok {
		return
	}
	if members[c.userID] == c {
		delete(members, c.userID)
	}
	if len(members) == 0 {
		delete(h.channels, c.channelID)
		slog.Info("channel hub closed", "channelId", c.channelID)
	}
}

// broadcast forwards an envelope to every channel member except one.
func (h *Hub) broadcast(channelID string, env *signaling.Envelope, exceptUserID string) {
	h.mu.RLock()
	members := make([]*client, 0, len(h.channels[channelID]))
	for userID, c := range h.channels[channelID] {
		if userID == exceptUserID {
			continue
		}
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		c.sendEnvelope(env)
	}
}

// sendTo unicasts an envelope to one channel member.
func (h *Hub) sendTo(channelID, userID string, env *signaling.Envelope) {
	h.mu.RLock()
	c, ok := h.channels[channelID][userID]
	h.mu.RUnlock()
	if !ok {
		slog.Debug("unicast target not connected", "channelId", channelID, "userId", userID)
		return
	}
	c.sendEnvelope(env)
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Debug("write failed, closing", "userId", c.userID, "err", err)
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
