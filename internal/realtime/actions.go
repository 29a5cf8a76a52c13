package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/canopyhq/canopy/internal/event"
	"github.com/canopyhq/canopy/internal/logger"
	"github.com/canopyhq/canopy/internal/storage"
)

// actionTimeout bounds storage round-trips performed on behalf of one
// inbound frame.
const actionTimeout = 5 * time.Second

// SessionStore is the storage surface the action router and lifecycle
// manager consume.
type SessionStore interface {
	GetSessionMeta(ctx context.Context, id string) (*storage.Session, error)
	SetSessionMode(ctx context.Context, id, mode, operatorID string) error
	VerifyAccess(ctx context.Context, sessionID, orgID string) (bool, error)
	InsertMessage(ctx context.Context, msg *storage.Message) error
	TouchSessionActivity(ctx context.Context, id string) error
	EndSessionActivity(ctx context.Context, id string) error
	TouchParticipant(ctx context.Context, id string) error
	ListActiveParticipants(ctx context.Context, sessionID string) ([]storage.Participant, error)
}

// Aborter stops an in-flight AI generation for a session. Idempotent.
type Aborter interface {
	Abort(sessionID string) bool
}

// Router interprets inbound client actions and drives the takeover state
// machine. Every handler reports failures only to the initiating connection;
// an action error never breaks the socket.
type Router struct {
	store  SessionStore
	ai     Aborter
	bridge *Bridge
	log    *logger.Logger
}

// NewRouter creates an action router.
func NewRouter(store SessionStore, ai Aborter, bridge *Bridge, log *logger.Logger) *Router {
	if log == nil {
		log = logger.Global()
	}
	return &Router{store: store, ai: ai, bridge: bridge, log: log.WithPrefix("actions")}
}

// HandleBuilder processes one inbound action from a builder connection.
func (r *Router) HandleBuilder(conn *Conn, act Action) {
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	switch act := act.(type) {
	case PingAction:
		conn.deliver(event.NewPong())
	case SubscribeAction:
		conn.Subscribe(act.Channel)
	case UnsubscribeAction:
		conn.Unsubscribe(act.Channel)
	case TakeoverAction:
		if act.Mode == storage.ModeAI {
			r.handleRelease(ctx, conn, ReleaseAction{SessionID: act.SessionID})
			return
		}
		r.handleTakeover(ctx, conn, act)
	case ReleaseAction:
		r.handleRelease(ctx, conn, act)
	case SendMessageAction:
		r.handleSendMessage(ctx, conn, act)
	case StopAction:
		r.handleBuilderStop(ctx, conn, act)
	case TypingAction, VisibilityAction:
		r.reject(conn, "action", "action not available on the builder channel")
	}
}

// HandleConsumer processes one inbound action from a consumer connection.
func (r *Router) HandleConsumer(conn *Conn, act Action) {
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	switch act := act.(type) {
	case PingAction:
		conn.deliver(event.NewPong())
	case TypingAction:
		r.handleTyping(conn, act)
	case VisibilityAction:
		r.handleVisibility(ctx, conn, act)
	case StopAction:
		r.handleConsumerStop(conn, act)
	case SubscribeAction, UnsubscribeAction, TakeoverAction, ReleaseAction, SendMessageAction:
		r.reject(conn, "action", "action not available on the consumer channel")
	}
}

// handleTakeover runs the ai -> human transition. Side effect order matters:
// the stream abort lands before the mode flip so a storage failure leaves
// the session consistent with "takeover not yet applied".
func (r *Router) handleTakeover(ctx context.Context, conn *Conn, act TakeoverAction) {
	if act.Mode != storage.ModeHuman {
		r.reject(conn, actionTakeover, fmt.Sprintf("unknown mode %q", act.Mode))
		return
	}
	if !r.authorize(ctx, conn, actionTakeover, act.SessionID) {
		return
	}

	r.ai.Abort(act.SessionID)

	if err := r.store.SetSessionMode(ctx, act.SessionID, storage.ModeHuman, conn.UserID); err != nil {
		r.fail(conn, actionTakeover, act.SessionID, err)
		return
	}

	entered := event.NewTakeoverEntered(act.SessionID, conn.UserID, conn.DisplayName)
	r.bridge.PublishToSession(act.SessionID, entered, "")
	conn.deliver(entered)

	r.log.Info("Session %s taken over by user %s", act.SessionID, conn.UserID)
}

// handleRelease runs the human -> ai transition.
func (r *Router) handleRelease(ctx context.Context, conn *Conn, act ReleaseAction) {
	if !r.authorize(ctx, conn, actionRelease, act.SessionID) {
		return
	}

	if err := r.store.SetSessionMode(ctx, act.SessionID, storage.ModeAI, ""); err != nil {
		r.fail(conn, actionRelease, act.SessionID, err)
		return
	}

	left := event.NewTakeoverLeft(act.SessionID)
	r.bridge.PublishToSession(act.SessionID, left, "")
	conn.deliver(left)

	r.log.Info("Session %s released by user %s", act.SessionID, conn.UserID)
}

// handleSendMessage persists an operator message and fans it out: once to
// the session's consumers, once as dashboard activity to the rest of the
// organization (the sender is excluded from its own activity fan-out).
func (r *Router) handleSendMessage(ctx context.Context, conn *Conn, act SendMessageAction) {
	if !r.authorize(ctx, conn, actionSendMessage, act.SessionID) {
		return
	}

	sess, err := r.store.GetSessionMeta(ctx, act.SessionID)
	if err != nil {
		r.fail(conn, actionSendMessage, act.SessionID, err)
		return
	}
	if sess.Mode != storage.ModeHuman {
		r.reject(conn, actionSendMessage, "session is not in takeover mode")
		return
	}

	msg := &storage.Message{
		SessionID:     act.SessionID,
		Role:          "assistant",
		Content:       act.Content,
		HumanAuthored: true,
		AuthorID:      conn.UserID,
	}
	if err := r.store.InsertMessage(ctx, msg); err != nil {
		r.fail(conn, actionSendMessage, act.SessionID, err)
		return
	}
	if err := r.store.TouchSessionActivity(ctx, act.SessionID); err != nil {
		r.log.Warn("Failed to touch session %s activity: %v", act.SessionID, err)
	}

	out := event.NewTakeoverMessage(act.SessionID, event.MessagePayload{
		MessageID:   msg.ID,
		DisplayName: conn.DisplayName,
		Content:     act.Content,
	})
	r.bridge.PublishToSession(act.SessionID, out, "")
	conn.deliver(out)

	r.bridge.PublishToOrg(conn.OrgID, event.NewActivity(act.SessionID, conn.OrgID, event.ActivityPayload{
		Kind:    "operator_message",
		Actor:   conn.DisplayName,
		Preview: preview(act.Content),
	}), conn.UserID)
}

// handleBuilderStop aborts the AI stream for any session the builder's org
// owns.
func (r *Router) handleBuilderStop(ctx context.Context, conn *Conn, act StopAction) {
	if !r.authorize(ctx, conn, actionStop, act.SessionID) {
		return
	}
	stopped := r.ai.Abort(act.SessionID)
	if stopped {
		conn.deliver(event.NewNotification("generation stopped"))
	} else {
		conn.deliver(event.NewNotification("no generation in progress"))
	}
}

// handleConsumerStop aborts the AI stream for the consumer's own session
// only; membership in the session is the authorization.
func (r *Router) handleConsumerStop(conn *Conn, act StopAction) {
	if act.SessionID != conn.SessionID {
		r.reject(conn, actionStop, "cannot stop another session")
		return
	}
	r.ai.Abort(act.SessionID)
	conn.deliver(event.NewNotification("generation stopped"))
}

// handleTyping broadcasts a typing indicator to the session, never echoing
// it back to its origin.
func (r *Router) handleTyping(conn *Conn, act TypingAction) {
	ev := event.NewTyping(conn.SessionID, conn.ParticipantID, conn.DisplayName, act.Start)
	r.bridge.PublishToSession(conn.SessionID, ev, conn.ParticipantID)
}

// handleVisibility reports presence to the owning organization; an active
// tab also refreshes the session's last-activity timestamp.
func (r *Router) handleVisibility(ctx context.Context, conn *Conn, act VisibilityAction) {
	r.bridge.PublishToOrg(conn.OrgID, event.NewPresence(conn.SessionID, conn.OrgID, conn.ParticipantID, act.State), "")

	if act.State == "active" {
		if err := r.store.TouchSessionActivity(ctx, conn.SessionID); err != nil {
			r.log.Warn("Failed to touch session %s activity: %v", conn.SessionID, err)
		}
		if conn.ParticipantID != "" {
			if err := r.store.TouchParticipant(ctx, conn.ParticipantID); err != nil {
				r.log.Warn("Failed to touch participant %s: %v", conn.ParticipantID, err)
			}
		}
	}
}

// authorize verifies that the caller's organization owns the session. On
// failure nothing is mutated or published; only the initiator hears about it.
func (r *Router) authorize(ctx context.Context, conn *Conn, action, sessionID string) bool {
	ok, err := r.store.VerifyAccess(ctx, sessionID, conn.OrgID)
	if err != nil {
		r.fail(conn, action, sessionID, err)
		return false
	}
	if !ok {
		r.reject(conn, action, "session not accessible")
		return false
	}
	return true
}

// fail logs a storage-level action failure with enough context to diagnose
// and reports it to the initiating connection.
func (r *Router) fail(conn *Conn, action, sessionID string, err error) {
	r.log.Error("Action %s failed (user=%s session=%s): %v", action, conn.UserID, sessionID, err)
	conn.deliver(event.NewActionError(action, "internal error"))
}

// reject reports an authorization or validation failure to the initiator.
func (r *Router) reject(conn *Conn, action, reason string) {
	conn.deliver(event.NewActionError(action, reason))
}

func preview(content string) string {
	const max = 80
	if len(content) <= max {
		return content
	}
	return content[:max] + "…"
}
