package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/canopyhq/canopy/internal/storage"
)

// ConsumerIdentity is the resolved identity of an end-user connection.
// Exactly one of the three shapes applies: a participant row, the synthetic
// session owner, or an anonymous single-player connection.
type ConsumerIdentity struct {
	ParticipantID string
	DisplayName   string
	SessionOwner  bool
	Anonymous     bool
}

// ConsumerStore is the storage surface consumer authentication consults.
type ConsumerStore interface {
	GetConsumerSession(ctx context.Context, id string) (*storage.ConsumerSession, error)
	GetActiveParticipantByConsumer(ctx context.Context, sessionID, consumerID string) (*storage.Participant, error)
	GetActiveParticipantByAnonToken(ctx context.Context, sessionID, token string) (*storage.Participant, error)
	GetSessionMeta(ctx context.Context, id string) (*storage.Session, error)
}

// ConsumerResolver authenticates consumer connections against the
// participants table.
type ConsumerResolver struct {
	store ConsumerStore
}

// NewConsumerResolver creates a resolver backed by the given store.
func NewConsumerResolver(store ConsumerStore) *ConsumerResolver {
	return &ConsumerResolver{store: store}
}

// Authenticate resolves (chatSessionID, token, cookieSessionID) to a consumer
// identity. The fallback order is load-bearing: it decides who can connect to
// abandoned or transitional sessions, so each step is tried exactly in this
// sequence.
//
//  1. cookie (or token) names a live consumer session with an active
//     participant row for this chat session
//  2. token matches an active participant's anonymous token
//  3. the consumer session from step 1 owns the chat session directly
//  4. the session exists and is not multiplayer: anonymous access, the
//     session id itself is the capability
//  5. reject
func (r *ConsumerResolver) Authenticate(ctx context.Context, chatSessionID, token, cookieSessionID string) (*ConsumerIdentity, error) {
	if chatSessionID == "" {
		return nil, ErrUnauthorized
	}

	consumerID := cookieSessionID
	if consumerID == "" {
		consumerID = token
	}

	var consumer *storage.ConsumerSession
	if consumerID != "" {
		cs, err := r.store.GetConsumerSession(ctx, consumerID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("failed to look up consumer session: %w", err)
		}
		consumer = cs
	}

	// Step 1: participant row owned by the consumer session.
	if consumer != nil {
		p, err := r.store.GetActiveParticipantByConsumer(ctx, chatSessionID, consumer.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("failed to look up participant: %w", err)
		}
		if p != nil {
			return &ConsumerIdentity{ParticipantID: p.ID, DisplayName: p.DisplayName}, nil
		}
	}

	// Step 2: anonymous participant token.
	p, err := r.store.GetActiveParticipantByAnonToken(ctx, chatSessionID, token)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up participant token: %w", err)
	}
	if p != nil {
		return &ConsumerIdentity{ParticipantID: p.ID, DisplayName: p.DisplayName}, nil
	}

	sess, err := r.store.GetSessionMeta(ctx, chatSessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}

	// Step 3: single-player session owned by the consumer session directly.
	if consumer != nil && sess.OwnerConsumerID != "" && sess.OwnerConsumerID == consumer.ID {
		return &ConsumerIdentity{SessionOwner: true}, nil
	}

	// Step 4: anonymous single-player sessions still need takeover-event
	// delivery; knowing the session id is the capability.
	if !sess.Multiplayer {
		return &ConsumerIdentity{Anonymous: true}, nil
	}

	return nil, ErrUnauthorized
}
