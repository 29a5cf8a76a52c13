package event

import "time"

// Type identifies an event variant on the wire. The set is closed: every
// server-to-client frame carries exactly one of these tags.
type Type string

const (
	// Message and AI streaming events
	TypeUserMessage Type = "multiplayer:user_message"
	TypeAIChunk     Type = "multiplayer:ai_chunk"
	TypeAIDone      Type = "multiplayer:ai_done"

	// Participant and presence events
	TypeParticipants      Type = "multiplayer:participants"
	TypeParticipantJoined Type = "multiplayer:participant_joined"
	TypeParticipantLeft   Type = "multiplayer:participant_left"
	TypeTyping            Type = "multiplayer:typing"
	TypePresence          Type = "presence:update"

	// Takeover events
	TypeTakeoverEntered Type = "takeover:entered"
	TypeTakeoverLeft    Type = "takeover:left"
	TypeTakeoverMessage Type = "takeover:message"

	// Conversation lifecycle events
	TypeConversationActivity Type = "conversation:activity"
	TypeConversationEnded    Type = "conversation:ended"

	// System, job and billing events
	TypeSystemNotification Type = "system:notification"
	TypeJobProgress        Type = "job:progress"
	TypeBillingAlert       Type = "billing:alert"

	// TypePong answers a client ping
	TypePong Type = "pong"
)

// Event is an immutable tagged record exchanged between server and client.
// SessionID scopes session-targeted events; OrgID scopes organization
// broadcasts. Undelivered events are dropped, never persisted.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	OrgID     string    `json:"orgId,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MessagePayload carries a chat message authored by a participant or operator.
type MessagePayload struct {
	MessageID     string `json:"messageId,omitempty"`
	ParticipantID string `json:"participantId,omitempty"`
	DisplayName   string `json:"displayName,omitempty"`
	Content       string `json:"content"`
}

// AIChunkPayload carries one streamed completion token batch.
type AIChunkPayload struct {
	Delta string `json:"delta"`
}

// ParticipantPayload describes one attendee of a multiplayer session.
type ParticipantPayload struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarColor string `json:"avatarColor,omitempty"`
	IsAnonymous bool   `json:"isAnonymous"`
}

// ParticipantsPayload is the full attendee snapshot sent on connect.
type ParticipantsPayload struct {
	Participants []ParticipantPayload `json:"participants"`
}

// TypingPayload signals a participant starting or stopping typing.
type TypingPayload struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName,omitempty"`
	IsTyping      bool   `json:"isTyping"`
}

// TakeoverPayload announces an operator entering or leaving a session.
type TakeoverPayload struct {
	OperatorID   string `json:"operatorId,omitempty"`
	OperatorName string `json:"operatorName,omitempty"`
}

// PresencePayload reports a participant's tab-visibility state.
type PresencePayload struct {
	ParticipantID string `json:"participantId"`
	State         string `json:"state"` // "active" or "away"
}

// ActivityPayload feeds live-conversation dashboards.
type ActivityPayload struct {
	Kind    string `json:"kind"` // e.g. "operator_message", "consumer_disconnected"
	Actor   string `json:"actor,omitempty"`
	Preview string `json:"preview,omitempty"`
}

// NotificationPayload carries a system notification or action error.
type NotificationPayload struct {
	Message string `json:"message"`
	Error   bool   `json:"error,omitempty"`
	Action  string `json:"action,omitempty"`
}

// JobProgressPayload reports background job progress on a subscribed channel.
type JobProgressPayload struct {
	JobID    string `json:"jobId"`
	Progress int    `json:"progress"`
	Status   string `json:"status,omitempty"`
}

// New creates an event of the given type with the current timestamp.
func New(t Type) Event {
	return Event{Type: t, Timestamp: time.Now().UTC()}
}

// NewUserMessage creates a message-arrived event for a session.
func NewUserMessage(sessionID string, p MessagePayload) Event {
	ev := New(TypeUserMessage)
	ev.SessionID = sessionID
	ev.Payload = p
	return ev
}

// NewAIChunk creates a streamed token event for a session.
func NewAIChunk(sessionID, delta string) Event {
	ev := New(TypeAIChunk)
	ev.SessionID = sessionID
	ev.Payload = AIChunkPayload{Delta: delta}
	return ev
}

// NewAIDone signals the end of a completion stream.
func NewAIDone(sessionID string) Event {
	ev := New(TypeAIDone)
	ev.SessionID = sessionID
	return ev
}

// NewParticipants creates the attendee snapshot for a session.
func NewParticipants(sessionID string, participants []ParticipantPayload) Event {
	ev := New(TypeParticipants)
	ev.SessionID = sessionID
	ev.Payload = ParticipantsPayload{Participants: participants}
	return ev
}

// NewParticipantJoined announces a participant joining a session.
func NewParticipantJoined(sessionID string, p ParticipantPayload) Event {
	ev := New(TypeParticipantJoined)
	ev.SessionID = sessionID
	ev.Payload = p
	return ev
}

// NewParticipantLeft announces a participant leaving a session.
func NewParticipantLeft(sessionID string, p ParticipantPayload) Event {
	ev := New(TypeParticipantLeft)
	ev.SessionID = sessionID
	ev.Payload = p
	return ev
}

// NewTyping creates a typing indicator event.
func NewTyping(sessionID, participantID, displayName string, isTyping bool) Event {
	ev := New(TypeTyping)
	ev.SessionID = sessionID
	ev.Payload = TypingPayload{ParticipantID: participantID, DisplayName: displayName, IsTyping: isTyping}
	return ev
}

// NewTakeoverEntered announces a human operator taking over a session.
func NewTakeoverEntered(sessionID, operatorID, operatorName string) Event {
	ev := New(TypeTakeoverEntered)
	ev.SessionID = sessionID
	ev.Payload = TakeoverPayload{OperatorID: operatorID, OperatorName: operatorName}
	return ev
}

// NewTakeoverLeft announces a session returning to AI mode.
func NewTakeoverLeft(sessionID string) Event {
	ev := New(TypeTakeoverLeft)
	ev.SessionID = sessionID
	return ev
}

// NewTakeoverMessage carries an operator-authored message to consumers.
func NewTakeoverMessage(sessionID string, p MessagePayload) Event {
	ev := New(TypeTakeoverMessage)
	ev.SessionID = sessionID
	ev.Payload = p
	return ev
}

// NewPresence creates a presence update for organization dashboards.
func NewPresence(sessionID, orgID, participantID, state string) Event {
	ev := New(TypePresence)
	ev.SessionID = sessionID
	ev.OrgID = orgID
	ev.Payload = PresencePayload{ParticipantID: participantID, State: state}
	return ev
}

// NewActivity creates a dashboard activity notification scoped to an org.
func NewActivity(sessionID, orgID string, p ActivityPayload) Event {
	ev := New(TypeConversationActivity)
	ev.SessionID = sessionID
	ev.OrgID = orgID
	ev.Payload = p
	return ev
}

// NewConversationEnded announces the last consumer leaving a session.
func NewConversationEnded(sessionID, orgID string) Event {
	ev := New(TypeConversationEnded)
	ev.SessionID = sessionID
	ev.OrgID = orgID
	return ev
}

// NewNotification creates a system notification addressed to one connection.
func NewNotification(message string) Event {
	ev := New(TypeSystemNotification)
	ev.Payload = NotificationPayload{Message: message}
	return ev
}

// NewActionError reports a failed action back to its initiating connection.
func NewActionError(action, message string) Event {
	ev := New(TypeSystemNotification)
	ev.Payload = NotificationPayload{Message: message, Error: true, Action: action}
	return ev
}

// NewJobProgress creates a job progress event on a subscription channel.
func NewJobProgress(channel, jobID string, progress int, status string) Event {
	ev := New(TypeJobProgress)
	ev.Channel = channel
	ev.Payload = JobProgressPayload{JobID: jobID, Progress: progress, Status: status}
	return ev
}

// NewPong answers a client ping.
func NewPong() Event {
	return New(TypePong)
}
