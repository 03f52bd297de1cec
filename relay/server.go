// Package relay is the signaling service huddle clients attach to. It
// forwards envelopes between the members of a channel without interpreting
// call semantics beyond the routing headers, and keeps the active-huddle
// record per channel in Redis.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/teamgrid/huddle/signaling"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

type Server struct {
	jwtSecret      string
	allowedOrigins []string
	store          *Store
	hub            *Hub
}

func NewServer(jwtSecret string, allowedOrigins []string, store *Store) *Server {
	return &Server{
		jwtSecret:      jwtSecret,
		allowedOrigins: allowedOrigins,
		store:          store,
		hub:            NewHub(),
	}
}

// Router builds the relay's HTTP surface.
func (s *Server) Router() *gin.Engine {
	router := gin.Default()
	router.Use(OriginFilter(s.allowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		api.POST("/auth/login", Login(s.jwtSecret))
		api.GET("/huddles/:channelId", s.getHuddle)
	}

	ws := router.Group("/ws")
	{
		ws.GET("/huddle/:channelId", JWTAuth(s.jwtSecret), s.handleWS)
	}

	return router
}

// getHuddle reports the channel's active huddle, 404 when none.
func (s *Server) getHuddle(c *gin.Context) {
	rec, err := s.store.Get(c.Request.Context(), c.Param("channelId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load huddle"})
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No active huddle"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// handleWS attaches one authenticated channel member to the hub.
func (s *Server) handleWS(c *gin.Context) {
	channelID := c.Param("channelId")
	if channelID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channelId is required"})
		return
	}

	userID := c.GetString("user_id")
	username := c.GetString("username")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("failed to upgrade connection", "err", err)
		return
	}

	member := &client{
		userID:    userID,
		username:  username,
		channelID: channelID,
		conn:      conn,
		send:      make(chan []byte, 256),
	}
	s.hub.add(member)
	slog.Info("member attached", "channelId", channelID, "userId", userID)

	// Tell the new socket about the channel's active huddle, if any, so a
	// reloaded client can reattach to the session metadata.
	if rec, err := s.store.Get(c.Request.Context(), channelID); err == nil && rec != nil {
		member.sendEnvelope(s.startedEnvelope(c.Request.Context(), rec, nil))
	}

	go member.writePump()
	s.readPump(member)
}

func (s *Server) startedEnvelope(ctx context.Context, rec *HuddleRecord, exclude *client) *signaling.Envelope {
	roster, err := s.store.Participants(ctx, rec.HuddleID)
	if err != nil {
		slog.Warn("could not load roster", "huddleId", rec.HuddleID, "err", err)
	}
	if exclude != nil {
		filtered := roster[:0]
		for _, p := range roster {
			if p.UserID != exclude.userID {
				filtered = append(filtered, p)
			}
		}
		roster = filtered
	}
	startedBy := rec.StartedBy
	return &signaling.Envelope{
		Event:        signaling.EventStarted,
		ChannelID:    rec.ChannelID,
		HuddleID:     rec.HuddleID,
		StartedBy:    &startedBy,
		Participants: roster,
	}
}

func (s *Server) readPump(member *client) {
	defer func() {
		s.hub.remove(member)
		_ = member.conn.Close()
		s.handleDetach(member)
		slog.Info("member detached", "channelId", member.channelID, "userId", member.userID)
	}()

	_ = member.conn.SetReadDeadline(time.Now().Add(pongWait))
	member.conn.SetPongHandler(func(string) error {
		_ = member.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := member.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("websocket error", "err", err)
			}
			return
		}

		var env signaling.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			slog.Debug("failed to parse envelope", "err", err)
			continue
		}

		// Sender identity and channel come from the connection, never from
		// the payload.
		env.FromUserID = member.userID
		env.FromUsername = member.username
		env.ChannelID = member.channelID

		s.route(member, &env)
	}
}

// handleDetach treats a dropped connection as a leave so the roster does not
// accumulate ghosts.
func (s *Server) handleDetach(member *client) {
	ctx := context.Background()
	rec, err := s.store.Get(ctx, member.channelID)
	if err != nil || rec == nil {
		return
	}
	if err := s.store.RemoveParticipant(ctx, rec.HuddleID, member.userID); err != nil {
		return
	}
	s.hub.broadcast(member.channelID, &signaling.Envelope{
		Event:      signaling.EventUserLeft,
		ChannelID:  member.channelID,
		HuddleID:   rec.HuddleID,
		FromUserID: member.userID,
	}, member.userID)
}

func (s *Server) route(member *client, env *signaling.Envelope) {
	ctx := context.Background()

	switch env.Event {
	case signaling.EventStart:
		s.routeStart(ctx, member, env)
	case signaling.EventJoinCall:
		s.routeJoin(ctx, member)
	case signaling.EventLeaveCall:
		s.routeLeave(ctx, member)
	case signaling.EventEnd:
		s.routeEnd(ctx, member, env)
	case signaling.EventSignal:
		if env.ToUserID == "" {
			s.sendError(member, "huddle:signal requires toUserId")
			return
		}
		s.hub.sendTo(member.channelID, env.ToUserID, env)
	case signaling.EventMute, signaling.EventUnmute,
		signaling.EventScreenStart, signaling.EventScreenStop,
		signaling.EventMuteAll:
		s.hub.broadcast(member.channelID, env, member.userID)
	default:
		slog.Debug("unroutable event dropped", "event", env.Event)
	}
}

func (s *Server) routeStart(ctx context.Context, member *client, env *signaling.Envelope) {
	if env.HuddleID == "" {
		s.sendError(member, "huddle:start requires huddleId")
		return
	}

	rec := HuddleRecord{
		HuddleID:  env.HuddleID,
		ChannelID: member.channelID,
		StartedBy: signaling.Participant{UserID: member.userID, Username: member.username},
		StartedAt: time.Now().UTC(),
	}
	created, err := s.store.Create(ctx, rec)
	if err != nil {
		s.sendError(member, "failed to register huddle")
		return
	}
	if !created {
		s.sendError(member, "a huddle is already active in this channel")
		return
	}
	if err := s.store.AddParticipant(ctx, rec.HuddleID, rec.StartedBy); err != nil {
		slog.Warn("could not register starter", "err", err)
	}

	slog.Info("huddle registered", "channelId", rec.ChannelID, "huddleId", rec.HuddleID, "startedBy", member.userID)
	startedBy := rec.StartedBy
	s.hub.broadcast(member.channelID, &signaling.Envelope{
		Event:      signaling.EventStarted,
		ChannelID:  rec.ChannelID,
		HuddleID:   rec.HuddleID,
		FromUserID: member.userID,
		StartedBy:  &startedBy,
	}, member.userID)
}

func (s *Server) routeJoin(ctx context.Context, member *client) {
	rec, err := s.store.Get(ctx, member.channelID)
	if err != nil {
		s.sendError(member, "failed to load huddle")
		return
	}
	if rec == nil {
		s.sendError(member, "no active huddle in this channel")
		return
	}

	// Snapshot the roster before adding the joiner: these are the members
	// the joiner initiates toward.
	reply := s.startedEnvelope(ctx, rec, member)

	joiner := signaling.Participant{UserID: member.userID, Username: member.username}
	if err := s.store.AddParticipant(ctx, rec.HuddleID, joiner); err != nil {
		s.sendError(member, "failed to join huddle")
		return
	}

	member.sendEnvelope(reply)
	s.hub.broadcast(member.channelID, &signaling.Envelope{
		Event:        signaling.EventUserJoined,
		ChannelID:    member.channelID,
		HuddleID:     rec.HuddleID,
		FromUserID:   member.userID,
		FromUsername: member.username,
	}, member.userID)
}

func (s *Server) routeLeave(ctx context.Context, member *client) {
	rec, err := s.store.Get(ctx, member.channelID)
	if err != nil || rec == nil {
		return
	}
	if err := s.store.RemoveParticipant(ctx, rec.HuddleID, member.userID); err != nil {
		slog.Warn("could not remove participant", "err", err)
	}

	// Departure never terminates the huddle; only the owner's end does.
	s.hub.broadcast(member.channelID, &signaling.Envelope{
		Event:      signaling.EventUserLeft,
		ChannelID:  member.channelID,
		HuddleID:   rec.HuddleID,
		FromUserID: member.userID,
	}, member.userID)
}

func (s *Server) routeEnd(ctx context.Context, member *client, env *signaling.Envelope) {
	rec, err := s.store.Get(ctx, member.channelID)
	if err != nil || rec == nil {
		return
	}
	if rec.StartedBy.UserID != member.userID {
		s.sendError(member, "only the huddle owner may end it")
		return
	}
	if env.HuddleID != rec.HuddleID {
		s.sendError(member, "stale huddle id")
		return
	}

	if err := s.store.Delete(ctx, rec); err != nil {
		slog.Warn("could not delete huddle record", "err", err)
	}

	slog.Info("huddle ended", "channelId", rec.ChannelID, "huddleId", rec.HuddleID, "endedBy", member.userID)
	s.hub.broadcast(member.channelID, &signaling.Envelope{
		Event:      signaling.EventEnded,
		ChannelID:  rec.ChannelID,
		HuddleID:   rec.HuddleID,
		FromUserID: member.userID,
		EndedBy:    member.userID,
	}, member.userID)
}

func (s *Server) sendError(member *client, msg string) {
	member.sendEnvelope(&signaling.Envelope{
		Event:     signaling.EventError,
		ChannelID: member.channelID,
		Error:     msg,
	})
}
