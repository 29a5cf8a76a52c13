package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/canopyhq/canopy/internal/auth"
	"github.com/canopyhq/canopy/internal/event"
	"github.com/canopyhq/canopy/internal/logger"
	"github.com/canopyhq/canopy/internal/storage"
)

// Server owns the upgrade endpoints and the connection lifecycle. The
// registries, bridge and router are constructed at process start and
// injected; nothing here is ambient global state.
type Server struct {
	verifier   *auth.TokenVerifier
	resolver   *auth.ConsumerResolver
	store      SessionStore
	builders   *Registry
	consumers  *Registry
	bridge     *Bridge
	router     *Router
	counters   *Counters
	cookieName string
	upgrader   websocket.Upgrader
	log        *logger.Logger
}

// ServerOptions collects the injected collaborators.
type ServerOptions struct {
	Verifier   *auth.TokenVerifier
	Resolver   *auth.ConsumerResolver
	Store      SessionStore
	Builders   *Registry
	Consumers  *Registry
	Bridge     *Bridge
	Router     *Router
	Counters   *Counters
	CookieName string
	Log        *logger.Logger
}

// NewServer creates the realtime HTTP surface.
func NewServer(opts ServerOptions) *Server {
	log := opts.Log
	if log == nil {
		log = logger.Global()
	}
	cookieName := opts.CookieName
	if cookieName == "" {
		cookieName = "canopy_consumer"
	}
	counters := opts.Counters
	if counters == nil {
		counters = &Counters{}
	}
	return &Server{
		verifier:   opts.Verifier,
		resolver:   opts.Resolver,
		store:      opts.Store,
		builders:   opts.Builders,
		consumers:  opts.Consumers,
		bridge:     opts.Bridge,
		router:     opts.Router,
		counters:   counters,
		cookieName: cookieName,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Embedded chat widgets connect from arbitrary origins;
				// tokens and session capabilities gate access instead.
				return true
			},
		},
		log: log.WithPrefix("realtime"),
	}
}

// Handler returns the HTTP routes for the realtime server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/statusz", s.handleStatus)
	r.Get("/ws/builder", s.handleBuilderWS)
	r.Get("/ws/consumer", s.handleConsumerWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"builders":  s.builders.Len(),
		"consumers": s.consumers.Len(),
		"counters":  s.counters.Snapshot(),
	})
}

// handleBuilderWS upgrades an operator connection. The signed token is the
// only credential; verification failure refuses the upgrade with no retry.
func (s *Server) handleBuilderWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "token required", http.StatusUnauthorized)
		return
	}

	identity, err := s.verifier.Verify(token)
	if err != nil {
		s.log.Warn("Builder connection rejected: %v", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("Failed to upgrade builder WebSocket: %v", err)
		return
	}

	conn := NewConn()
	conn.UserID = identity.UserID
	conn.OrgID = identity.OrgID
	conn.DisplayName = identity.Name
	conn.MemberID = identity.UserID

	s.builders.Register(identity.UserID, conn)
	s.counters.BuilderConnects.Add(1)
	s.log.Info("Builder %s connected (conn %s)", identity.UserID, conn.ID)

	client := newWSClient(conn, ws, s.router.HandleBuilder, func() {
		s.builders.Unregister(identity.UserID, conn)
		s.counters.BuilderDisconnects.Add(1)
		s.log.Info("Builder %s disconnected (conn %s)", identity.UserID, conn.ID)
	}, s.log)
	client.start()
}

// handleConsumerWS upgrades an end-user connection after resolving it
// against the participants table.
func (s *Server) handleConsumerWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "session required", http.StatusBadRequest)
		return
	}
	token := r.URL.Query().Get("token")

	cookieSessionID := ""
	if cookie, err := r.Cookie(s.cookieName); err == nil {
		cookieSessionID = cookie.Value
	}

	ctx := r.Context()
	identity, err := s.resolver.Authenticate(ctx, sessionID, token, cookieSessionID)
	if err != nil {
		if !errors.Is(err, auth.ErrUnauthorized) {
			s.log.Error("Consumer auth failed for session %s: %v", sessionID, err)
		}
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	sess, err := s.store.GetSessionMeta(ctx, sessionID)
	if err != nil {
		s.log.Error("Failed to load session %s: %v", sessionID, err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("Failed to upgrade consumer WebSocket: %v", err)
		return
	}

	conn := NewConn()
	conn.SessionID = sessionID
	conn.OrgID = sess.OrgID
	conn.ParticipantID = identity.ParticipantID
	conn.DisplayName = identity.DisplayName
	conn.MemberID = identity.ParticipantID
	if conn.MemberID == "" {
		// Owner and anonymous identities still need a distinct exclusion key.
		conn.MemberID = conn.ID
	}

	s.consumers.Register(sessionID, conn)
	s.counters.ConsumerConnects.Add(1)
	s.log.Info("Consumer connected to session %s (participant=%q conn=%s)",
		sessionID, identity.ParticipantID, conn.ID)

	s.onConsumerConnect(conn)

	client := newWSClient(conn, ws, s.router.HandleConsumer, func() {
		s.consumers.Unregister(sessionID, conn)
		s.counters.ConsumerDisconnects.Add(1)
		s.onConsumerDisconnect(conn)
	}, s.log)
	client.start()
}

// onConsumerConnect refreshes presence bookkeeping and sends the new
// connection its one-time participants snapshot. The snapshot is addressed
// to the new connection only; existing attendees hear a join event instead.
func (s *Server) onConsumerConnect(conn *Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	if conn.ParticipantID != "" {
		if err := s.store.TouchParticipant(ctx, conn.ParticipantID); err != nil {
			s.log.Warn("Failed to touch participant %s: %v", conn.ParticipantID, err)
		}
	}
	if err := s.store.TouchSessionActivity(ctx, conn.SessionID); err != nil {
		s.log.Warn("Failed to touch session %s: %v", conn.SessionID, err)
	}

	participants, err := s.store.ListActiveParticipants(ctx, conn.SessionID)
	if err != nil {
		s.log.Warn("Failed to list participants for %s: %v", conn.SessionID, err)
	} else {
		payloads := make([]event.ParticipantPayload, 0, len(participants))
		for _, p := range participants {
			payloads = append(payloads, participantPayload(p))
		}
		s.consumers.SendOne(conn, event.NewParticipants(conn.SessionID, payloads))
	}

	if conn.ParticipantID != "" {
		joined := event.NewParticipantJoined(conn.SessionID, event.ParticipantPayload{
			ID:          conn.ParticipantID,
			DisplayName: conn.DisplayName,
		})
		s.bridge.PublishToSession(conn.SessionID, joined, conn.MemberID)
	}
}

// onConsumerDisconnect notifies remaining attendees; when the last
// connection for a session goes away it also ends the session's activity
// and tells the owning organization, which is what makes the live
// dashboard stop showing the conversation as active.
func (s *Server) onConsumerDisconnect(conn *Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	s.log.Info("Consumer disconnected from session %s (conn=%s)", conn.SessionID, conn.ID)

	s.bridge.PublishToSession(conn.SessionID, event.NewParticipantLeft(conn.SessionID, event.ParticipantPayload{
		ID:          conn.ParticipantID,
		DisplayName: conn.DisplayName,
	}), conn.MemberID)

	if s.consumers.Has(conn.SessionID) {
		return
	}

	if err := s.store.EndSessionActivity(ctx, conn.SessionID); err != nil {
		s.log.Warn("Failed to end session %s activity: %v", conn.SessionID, err)
	}
	s.bridge.PublishToOrg(conn.OrgID, event.NewConversationEnded(conn.SessionID, conn.OrgID), "")
}

// Shutdown closes every live connection.
func (s *Server) Shutdown() {
	s.builders.CloseAll()
	s.consumers.CloseAll()
}

func participantPayload(p storage.Participant) event.ParticipantPayload {
	return event.ParticipantPayload{
		ID:          p.ID,
		DisplayName: p.DisplayName,
		AvatarColor: p.AvatarColor,
		IsAnonymous: p.IsAnonymous,
	}
}
