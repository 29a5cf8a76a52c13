package ai

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/canopyhq/canopy/internal/event"
)

// fakePublisher records every published event.
type fakePublisher struct {
	mu     sync.Mutex
	events []event.Event
}

func (p *fakePublisher) PublishToSession(sessionID string, ev event.Event, excludeParticipantID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return true
}

func (p *fakePublisher) snapshot() []event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]event.Event, len(p.events))
	copy(out, p.events)
	return out
}

func (p *fakePublisher) countByType(t event.Type) int {
	n := 0
	for _, ev := range p.snapshot() {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// slowResponder emits deltas on a fixed interval until ctx is cancelled or
// the callback rejects a delta.
type slowResponder struct {
	interval time.Duration
	deltas   int
}

func (r *slowResponder) Stream(ctx context.Context, prompt string, callback func(delta string) error) error {
	for i := 0; i < r.deltas; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.interval):
		}
		if err := callback("tok"); err != nil {
			return err
		}
	}
	return nil
}

func TestStreamPublishesChunksAndDone(t *testing.T) {
	pub := &fakePublisher{}
	mgr := NewManager(&slowResponder{interval: time.Millisecond, deltas: 3}, pub, nil)

	require.NoError(t, mgr.StartStream(context.Background(), "sess-1", "hi"))

	require.Eventually(t, func() bool {
		return pub.countByType(event.TypeAIDone) == 1
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, 3, pub.countByType(event.TypeAIChunk))
	require.Equal(t, 0, mgr.ActiveStreams())
}

func TestAbortStopsFurtherChunks(t *testing.T) {
	pub := &fakePublisher{}
	mgr := NewManager(&slowResponder{interval: 5 * time.Millisecond, deltas: 1000}, pub, nil)

	require.NoError(t, mgr.StartStream(context.Background(), "sess-1", "hi"))

	// Let a few chunks through, then abort.
	require.Eventually(t, func() bool {
		return pub.countByType(event.TypeAIChunk) >= 2
	}, time.Second, time.Millisecond)

	require.True(t, mgr.Abort("sess-1"))
	seen := pub.countByType(event.TypeAIChunk)

	// Nothing may be published after Abort returned.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, seen, pub.countByType(event.TypeAIChunk))
	require.Equal(t, 0, pub.countByType(event.TypeAIDone))
}

func TestAbortIsIdempotent(t *testing.T) {
	pub := &fakePublisher{}
	mgr := NewManager(&slowResponder{interval: time.Millisecond, deltas: 1000}, pub, nil)

	require.False(t, mgr.Abort("nothing-running"))

	require.NoError(t, mgr.StartStream(context.Background(), "sess-1", "hi"))
	require.Eventually(t, func() bool {
		return pub.countByType(event.TypeAIChunk) >= 1
	}, time.Second, time.Millisecond)

	require.True(t, mgr.Abort("sess-1"))
	require.False(t, mgr.Abort("sess-1"))
	require.Equal(t, 0, mgr.ActiveStreams())
}

func TestStartStreamReplacesExisting(t *testing.T) {
	pub := &fakePublisher{}
	mgr := NewManager(&slowResponder{interval: time.Millisecond, deltas: 1000}, pub, nil)

	require.NoError(t, mgr.StartStream(context.Background(), "sess-1", "first"))
	require.NoError(t, mgr.StartStream(context.Background(), "sess-1", "second"))

	require.Equal(t, 1, mgr.ActiveStreams())
	require.True(t, mgr.Abort("sess-1"))
}

func TestStartStreamWithoutResponder(t *testing.T) {
	mgr := NewManager(nil, &fakePublisher{}, nil)
	require.Error(t, mgr.StartStream(context.Background(), "sess-1", "hi"))
}
