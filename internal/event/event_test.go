package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventWireForm(t *testing.T) {
	ev := NewTyping("sess-1", "part-1", "Ada", true)

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, "multiplayer:typing", decoded["type"])
	require.Equal(t, "sess-1", decoded["sessionId"])

	payload, ok := decoded["payload"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, true, payload["isTyping"])
	require.Equal(t, "part-1", payload["participantId"])
}

func TestEventOmitsEmptyScopes(t *testing.T) {
	data, err := json.Marshal(NewPong())
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.NotContains(t, decoded, "sessionId")
	require.NotContains(t, decoded, "orgId")
	require.NotContains(t, decoded, "payload")
}

func TestActionErrorCarriesContext(t *testing.T) {
	ev := NewActionError("takeover", "session not found")

	p, ok := ev.Payload.(NotificationPayload)
	require.True(t, ok)
	require.True(t, p.Error)
	require.Equal(t, "takeover", p.Action)
}

func TestTimestampAlwaysSet(t *testing.T) {
	ev := NewAIChunk("sess-1", "hello")
	require.False(t, ev.Timestamp.IsZero())
}
