package signalws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/teamgrid/huddle/signaling"
)

func echoServer(t *testing.T, gotAuth *string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotAuth != nil {
			*gotAuth = r.Header.Get("Authorization")
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSendReadRoundTrip(t *testing.T) {
	srv := echoServer(t, nil)
	c, err := NewClient(wsURL(srv), nil)
	require.NoError(t, err)
	defer c.Close()

	sent := &signaling.Envelope{
		Event:      signaling.EventMute,
		ChannelID:  "ch-1",
		FromUserID: "alice",
	}
	require.NoError(t, c.Send(sent))

	got, err := c.Read()
	require.NoError(t, err)
	require.Equal(t, sent, got)
}

func TestAuthenticatedDialCarriesBearerToken(t *testing.T) {
	var auth string
	srv := echoServer(t, &auth)

	c, err := NewAuthenticatedClient(wsURL(srv), "tok-123")
	require.NoError(t, err)
	defer c.Close()

	require.Equal(t, "Bearer tok-123", auth)
}

func TestCloseIsIdempotentAndUnblocksRead(t *testing.T) {
	srv := echoServer(t, nil)
	c, err := NewClient(wsURL(srv), nil)
	require.NoError(t, err)

	readErr := make(chan error, 1)
	go func() {
		_, err := c.Read()
		readErr <- err
	}()

	c.Close()
	c.Close()

	require.Error(t, <-readErr)

	// Reads after close keep failing instead of blocking.
	_, err = c.Read()
	require.Error(t, err)
}
