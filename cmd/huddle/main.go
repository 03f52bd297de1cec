package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/teamgrid/huddle/config"
	"github.com/teamgrid/huddle/huddle"
	"github.com/teamgrid/huddle/media"
	"github.com/teamgrid/huddle/signalws"
	"github.com/teamgrid/huddle/store"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))

	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatal(err)
	}

	token, err := login(cfg.RelayURL, cfg.UserID, cfg.Username)
	if err != nil {
		slog.Error("login failed", "err", err)
		return
	}

	wsClient, err := signalws.NewAuthenticatedClient(wsURL(cfg.RelayURL, cfg.ChannelID), token)
	if err != nil {
		slog.Error("failed to attach to relay", "err", err)
		return
	}
	defer wsClient.Close()

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.STUNURLs))
	for _, u := range cfg.STUNURLs {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
	}

	session := huddle.NewSession(huddle.Config{
		UserID:    cfg.UserID,
		Username:  cfg.Username,
		ChannelID: cfg.ChannelID,
		Signaling: wsClient,
		Media:     media.NewManager(media.Config{}),
		Records:   store.NewRecordStore(cfg.StateDir),
		WebRTC:    webrtc.Configuration{ICEServers: iceServers},
	})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := session.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("signaling loop ended", "err", err)
			cancel()
		}
	}()

	// Join the channel's active huddle, or start one when none exists.
	active, err := huddleActive(cfg.RelayURL, cfg.ChannelID)
	if err != nil {
		slog.Error("could not query channel", "err", err)
		cancel()
		return
	}
	if active {
		err = session.Join(ctx)
	} else {
		err = session.Start(ctx)
	}
	if err != nil {
		slog.Error("could not enter huddle", "err", err)
		cancel()
		return
	}

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}

	slog.Info("Shutting down...")
	if err := session.Leave(); err != nil {
		slog.Debug("leave on shutdown", "err", err)
	}
	cancel()

	// Closing the transport unblocks the read loop; wait for it to drain.
	wsClient.Close()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		slog.Warn("signaling loop did not exit in time")
	}
}

// login mints a bearer token from the relay's development endpoint.
func login(relayURL, userID, username string) (string, error) {
	body, _ := json.Marshal(map[string]string{"userId": userID, "username": username})
	resp, err := http.Post(relayURL+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login rejected: status %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	return out.Token, nil
}

// huddleActive asks the relay whether the channel already has a huddle.
func huddleActive(relayURL, channelID string) (bool, error) {
	resp, err := http.Get(relayURL + "/api/huddles/" + channelID)
	if err != nil {
		return false, fmt.Errorf("query huddle: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("query huddle: status %d", resp.StatusCode)
	}
}

func wsURL(relayURL, channelID string) string {
	ws := strings.Replace(relayURL, "http", "ws", 1)
	return ws + "/ws/huddle/" + channelID
}
