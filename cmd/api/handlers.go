package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"chat-relay/internal/data"
	"chat-relay/internal/delivery"
	"chat-relay/internal/middleware"
	"chat-relay/internal/presence"
	"chat-relay/internal/protocol"
	"chat-relay/internal/sanitize"
)

// maxEventBytes bounds a single inbound event frame.
const maxEventBytes = 8 * 1024

// originChecker builds the upgrade-time Origin check. An empty allow-list
// accepts every origin, which suits local development and non-browser
// clients; a non-empty list admits only exact (case-insensitive) matches.
// Requests without an Origin header are not browsers and always pass.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimSpace(o))] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return set[strings.ToLower(origin)]
	}
}

// MessageQuerier is the slice of the message store the history handlers
// use.
type MessageQuerier interface {
	QueryRange(ctx context.Context, participantA, participantB, conversationID string, before, limit int64) ([]data.Message, error)
}

// RosterSource supplies the known-user list for roster payloads.
type RosterSource interface {
	ListUsers(ctx context.Context) ([]data.UserRecord, error)
}

// Server wires the WebSocket transport to the presence registry, delivery
// router and message store.
type Server struct {
	hub      *ConnectionHub
	registry *presence.Registry
	router   *delivery.Router
	msgs     MessageQuerier
	users    RosterSource
	limiter  *middleware.LimiterStore
	validate *validator.Validate
	upgrader websocket.Upgrader
	log      *slog.Logger

	historyPageSize int64
}

// newServer returns a ready-to-use Server. allowedOrigins is the Origin
// allow-list for the websocket handshake; empty means accept all.
func newServer(log *slog.Logger, hub *ConnectionHub, registry *presence.Registry, router *delivery.Router,
	msgs MessageQuerier, users RosterSource, limiter *middleware.LimiterStore,
	allowedOrigins []string, historyPageSize int64) *Server {
	return &Server{
		hub:      hub,
		registry: registry,
		router:   router,
		msgs:     msgs,
		users:    users,
		limiter:  limiter,
		validate: validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		log:             log,
		historyPageSize: historyPageSize,
	}
}

// HandleWS upgrades the HTTP request and serves the connection until it
// closes.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	s.serveConn(conn)
}

// serveConn registers the connection, pushes the initial roster and runs
// the read loop. It returns when the connection is gone; the deferred
// cleanup is the one place the presence entry is removed, so abnormal
// termination is covered too.
func (s *Server) serveConn(conn wireConn) {
	c := s.hub.Register(conn)
	s.log.Info("connection opened", "connection_id", c.id)

	ctx := context.Background()
	defer func() {
		s.hub.Unregister(c.id)
		_ = conn.Close()
		if s.registry.Remove(c.id) {
			// Only connections that announced were on the roster.
			s.broadcastRoster(ctx)
		}
		s.log.Info("connection closed", "connection_id", c.id)
	}()

	// A fresh connection learns the current roster before announcing,
	// so clients can render the user list while logging presence in.
	s.pushRoster(ctx, c.id)

	conn.SetReadLimit(maxEventBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Events on one connection are handled one at a time, in arrival
	// order. That serialization is what keeps per-sender id assignment
	// aligned with send order.
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.dispatch(ctx, c, raw)
	}
}

// dispatch routes one inbound event. A malformed or invalid event rejects
// only itself: the connection and everyone else's requests are unaffected.
func (s *Server) dispatch(ctx context.Context, c *client, raw []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.pushError(c.id, "malformed event")
		return
	}

	switch env.Type {
	case protocol.TypeAnnounce:
		s.handleAnnounce(ctx, c, env.Data)
	case protocol.TypeSend:
		s.handleSend(ctx, c, env.Data)
	case protocol.TypeHistoryInitial:
		s.handleHistoryInitial(ctx, c, env.Data)
	case protocol.TypeHistoryMore:
		s.handleHistoryMore(ctx, c, env.Data)
	default:
		s.pushError(c.id, "unknown event type")
	}
}

func (s *Server) handleAnnounce(ctx context.Context, c *client, raw json.RawMessage) {
	var p protocol.Announce
	if err := json.Unmarshal(raw, &p); err != nil {
		s.pushError(c.id, "malformed announce")
		return
	}
	if err := s.validate.Struct(p); err != nil {
		s.pushError(c.id, "announce requires userId")
		return
	}

	userID := sanitize.ID(p.UserID)
	s.registry.Announce(c.id, userID)
	s.log.Info("user announced", "connection_id", c.id, "user_id", userID)
	s.broadcastRoster(ctx)
}

func (s *Server) handleSend(ctx context.Context, c *client, raw json.RawMessage) {
	var p protocol.Send
	if err := json.Unmarshal(raw, &p); err != nil {
		s.pushError(c.id, "malformed send")
		return
	}
	if err := s.validate.Struct(p); err != nil {
		s.pushError(c.id, "send requires from, to and content")
		return
	}

	from := sanitize.ID(p.From)
	if !s.limiter.Allow(from) {
		s.pushError(c.id, "rate limit exceeded")
		return
	}

	_, err := s.router.Send(ctx, from, sanitize.ID(p.To), sanitize.Content(p.Content), sanitize.ID(p.ConversationID))
	if err != nil {
		// The message was not persisted; the sender must know.
		s.log.Error("send failed", "connection_id", c.id, "from", from, "error", err)
		s.pushSendFailed(c.id, "message store unavailable")
		return
	}
}

func (s *Server) handleHistoryInitial(ctx context.Context, c *client, raw json.RawMessage) {
	var p protocol.HistoryInitial
	if err := json.Unmarshal(raw, &p); err != nil {
		s.pushError(c.id, "malformed historyInitial")
		return
	}
	if err := s.validate.Struct(p); err != nil {
		s.pushError(c.id, "historyInitial requires from and to")
		return
	}

	page := s.queryPage(ctx, c, p.From, p.To, p.ConversationID, 0, p.Limit)
	s.push(c.id, protocol.TypeHistoryInitialResult, protocol.HistoryResult{Messages: page})
}

func (s *Server) handleHistoryMore(ctx context.Context, c *client, raw json.RawMessage) {
	var p protocol.HistoryMore
	if err := json.Unmarshal(raw, &p); err != nil {
		s.pushError(c.id, "malformed historyMore")
		return
	}
	if err := s.validate.Struct(p); err != nil {
		s.pushError(c.id, "historyMore requires from, to and before")
		return
	}

	page := s.queryPage(ctx, c, p.From, p.To, p.ConversationID, p.Before, p.Limit)
	s.push(c.id, protocol.TypeHistoryMoreResult, protocol.HistoryResult{Messages: page})
}

// queryPage runs one cursor-bounded history query. The request is stateless
// on the server, so duplicate or overlapping requests with the same cursor
// return the same page. A store failure degrades to an empty page; the
// connection stays up.
func (s *Server) queryPage(ctx context.Context, c *client, from, to, conversationID string, before, limit int64) []protocol.Message {
	if limit <= 0 || limit > s.historyPageSize {
		limit = s.historyPageSize
	}

	msgs, err := s.msgs.QueryRange(ctx, sanitize.ID(from), sanitize.ID(to), sanitize.ID(conversationID), before, limit)
	if err != nil {
		s.log.Error("history query failed", "connection_id", c.id, "error", err)
		return []protocol.Message{}
	}

	return lo.Map(msgs, func(m data.Message, _ int) protocol.Message {
		return delivery.WireMessage(&m)
	})
}

// rosterEnvelope assembles the current roster. The known-user list comes
// from the collaborator-owned directory; if that read fails the presence
// change still goes out, with only the online list populated.
func (s *Server) rosterEnvelope(ctx context.Context) (protocol.Envelope, error) {
	online := s.registry.Online()
	if online == nil {
		online = []string{}
	}

	var all []protocol.RosterUser
	users, err := s.users.ListUsers(ctx)
	if err != nil {
		s.log.Error("listing users for roster failed", "error", err)
	} else {
		all = lo.Map(users, func(u data.UserRecord, _ int) protocol.RosterUser {
			return protocol.RosterUser{ID: u.ID, DisplayName: u.DisplayName, LastSeenAt: u.LastSeenAt}
		})
	}
	if all == nil {
		all = []protocol.RosterUser{}
	}

	return protocol.NewEnvelope(protocol.TypeRoster, protocol.Roster{Online: online, All: all})
}

func (s *Server) broadcastRoster(ctx context.Context) {
	env, err := s.rosterEnvelope(ctx)
	if err != nil {
		s.log.Error("encoding roster failed", "error", err)
		return
	}
	s.hub.Broadcast(env)
}

func (s *Server) pushRoster(ctx context.Context, connID string) {
	env, err := s.rosterEnvelope(ctx)
	if err != nil {
		s.log.Error("encoding roster failed", "error", err)
		return
	}
	if err := s.hub.Push(connID, env); err != nil {
		s.log.Warn("pushing roster failed", "connection_id", connID, "error", err)
	}
}

// push marshals and sends one event to one connection, logging failures.
func (s *Server) push(connID string, t protocol.EventType, payload any) {
	env, err := protocol.NewEnvelope(t, payload)
	if err != nil {
		s.log.Error("encoding event failed", "type", t, "error", err)
		return
	}
	if err := s.hub.Push(connID, env); err != nil {
		s.log.Warn("pushing event failed", "type", t, "connection_id", connID, "error", err)
	}
}

func (s *Server) pushError(connID, reason string) {
	s.push(connID, protocol.TypeError, protocol.ErrorEvent{Reason: reason})
}

func (s *Server) pushSendFailed(connID, reason string) {
	s.push(connID, protocol.TypeSendFailed, protocol.SendFailed{Reason: reason})
}
