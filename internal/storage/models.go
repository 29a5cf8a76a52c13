package storage

import "time"

// Session modes. The mode governs who is authorized to respond in a session.
const (
	ModeAI    = "ai"
	ModeHuman = "human"
)

// App is a deployed chat application owned by an organization.
type App struct {
	ID    string
	OrgID string
	Name  string
}

// Session is a persisted chat session. Mode is the one piece of realtime
// state that must be durable so a reconnecting operator sees it.
type Session struct {
	ID              string
	AppID           string
	OrgID           string
	Title           string
	Mode            string
	OperatorID      string
	Multiplayer     bool
	OwnerConsumerID string
	Active          bool
	LastActivityAt  time.Time
	CreatedAt       time.Time

	// Messages is populated only by GetSession, never by GetSessionMeta.
	Messages []Message
}

// Participant is one actor in a multiplayer session. Leaving flips IsActive
// to false instead of deleting the row, preserving history.
type Participant struct {
	ID             string
	SessionID      string
	DisplayName    string
	AvatarColor    string
	IsAnonymous    bool
	IsActive       bool
	AnonymousToken string
	ConsumerID     string
	LastSeenAt     time.Time
}

// ConsumerSession is an authenticated end-user browser session.
type ConsumerSession struct {
	ID        string
	ExpiresAt time.Time
}

// Message is a persisted chat message. HumanAuthored distinguishes operator
// takeover messages from AI output in the assistant role.
type Message struct {
	ID            string
	SessionID     string
	Role          string
	Content       string
	HumanAuthored bool
	AuthorID      string
	CreatedAt     time.Time
}
