// Package ai owns in-flight completion streams and their abort mechanism.
// The realtime action router only ever calls Abort; token delivery flows
// through the injected publisher.
package ai

import (
	"context"
	"errors"
	"sync"

	"github.com/canopyhq/canopy/internal/event"
	"github.com/canopyhq/canopy/internal/logger"
)

var errStreamAborted = errors.New("stream aborted")

// Publisher delivers streamed events to a session's consumer audience.
type Publisher interface {
	PublishToSession(sessionID string, ev event.Event, excludeParticipantID string) bool
}

// Responder produces a streamed completion for a prompt.
type Responder interface {
	Stream(ctx context.Context, prompt string, callback func(delta string) error) error
}

// Manager tracks at most one in-flight generation per session and exposes an
// idempotent abort. Once Abort returns, no further token events are published
// for that session's stream.
type Manager struct {
	responder Responder
	publisher Publisher
	log       *logger.Logger

	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	cancel context.CancelFunc

	// mu serializes publishes against abort so that a token can never be
	// published after Abort has returned.
	mu      sync.Mutex
	aborted bool
}

func (st *stream) publish(fn func()) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.aborted {
		return false
	}
	fn()
	return true
}

func (st *stream) abort() {
	st.mu.Lock()
	st.aborted = true
	st.mu.Unlock()
	st.cancel()
}

// NewManager creates a stream manager. The responder may be nil, in which
// case StartStream fails and only Abort semantics remain (takeover-only
// deployments).
func NewManager(responder Responder, publisher Publisher, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Global()
	}
	return &Manager{
		responder: responder,
		publisher: publisher,
		log:       log.WithPrefix("ai"),
		streams:   make(map[string]*stream),
	}
}

// StartStream begins a completion stream for a session, replacing any stream
// already running for it. Tokens fan out to the session's consumers as
// multiplayer:ai_chunk events, followed by multiplayer:ai_done.
func (m *Manager) StartStream(ctx context.Context, sessionID, prompt string) error {
	if m.responder == nil {
		return errors.New("no responder configured")
	}

	m.Abort(sessionID)

	streamCtx, cancel := context.WithCancel(ctx)
	st := &stream{cancel: cancel}

	m.mu.Lock()
	m.streams[sessionID] = st
	m.mu.Unlock()

	go m.run(streamCtx, sessionID, prompt, st)
	return nil
}

func (m *Manager) run(ctx context.Context, sessionID, prompt string, st *stream) {
	defer m.release(sessionID, st)

	err := m.responder.Stream(ctx, prompt, func(delta string) error {
		if !st.publish(func() {
			m.publisher.PublishToSession(sessionID, event.NewAIChunk(sessionID, delta), "")
		}) {
			return errStreamAborted
		}
		return nil
	})

	if err != nil && !errors.Is(err, errStreamAborted) && !errors.Is(err, context.Canceled) {
		m.log.Error("Stream failed for session %s: %v", sessionID, err)
		st.publish(func() {
			m.publisher.PublishToSession(sessionID, event.NewActionError("ai_stream", "generation failed"), "")
		})
		return
	}

	st.publish(func() {
		m.publisher.PublishToSession(sessionID, event.NewAIDone(sessionID), "")
	})
}

// release removes the stream entry unless a newer stream replaced it.
func (m *Manager) release(sessionID string, st *stream) {
	m.mu.Lock()
	if current, ok := m.streams[sessionID]; ok && current == st {
		delete(m.streams, sessionID)
	}
	m.mu.Unlock()
}

// Abort stops the in-flight generation for a session. It is idempotent: a
// session with no active stream is a no-op. Returns whether a stream was
// actually aborted.
func (m *Manager) Abort(sessionID string) bool {
	m.mu.Lock()
	st, ok := m.streams[sessionID]
	if ok {
		delete(m.streams, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}

	st.abort()
	m.log.Debug("Aborted stream for session %s", sessionID)
	return true
}

// ActiveStreams returns the number of in-flight generations.
func (m *Manager) ActiveStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}
