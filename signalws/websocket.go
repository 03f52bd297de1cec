package signalws

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/teamgrid/huddle/signaling"
)

type client struct {
	conn      *websocket.Conn
	wmx       sync.Mutex
	closeOnce sync.Once
}

// NewClient dials the relay's huddle endpoint and returns a signaling client
// bound to that channel.
func NewClient(wsURL string, header http.Header) (*client, error) {
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		slog.Error("websocket dial failed", "url", wsURL, "err", err)
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	return &client{
		conn: ws,
	}, nil
}

// NewAuthenticatedClient dials with a relay-issued bearer token.
func NewAuthenticatedClient(wsURL, token string) (*client, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	return NewClient(wsURL, header)
}

func (c *client) Send(envelope *signaling.Envelope) error {
	c.wmx.Lock()
	defer c.wmx.Unlock()

	if err := c.conn.WriteJSON(envelope); err != nil {
		slog.Error("error writing to websocket", "event", envelope.Event, "err", err)
		return fmt.Errorf("error writing to websocket: %w", err)
	}

	return nil
}

func (c *client) Read() (*signaling.Envelope, error) {
	var e signaling.Envelope
	if err := c.conn.ReadJSON(&e); err != nil {
		return nil, fmt.Errorf("error reading from relay: %w", err)
	}

	return &e, nil
}

// Close releases the connection, unblocking any pending Read. Safe to call
// more than once.
func (c *client) Close() {
	c.closeOnce.Do(func() {
		slog.Debug("closing websocket client")
		if c.conn == nil {
			return
		}

		if err := c.conn.Close(); err != nil {
			slog.Error("error when closing websocket connection", "err", err)
			return
		}
		slog.Debug("closed websocket client")
	})
}
