package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		name string
		data string
		want Action
	}{
		{"ping", `{"action":"ping"}`, PingAction{}},
		{"subscribe", `{"action":"subscribe","channel":"jobs:export"}`, SubscribeAction{Channel: "jobs:export"}},
		{"unsubscribe", `{"action":"unsubscribe","channel":"jobs:export"}`, UnsubscribeAction{Channel: "jobs:export"}},
		{"takeover", `{"action":"takeover","sessionId":"s1","mode":"human"}`, TakeoverAction{SessionID: "s1", Mode: "human"}},
		{"release", `{"action":"release","sessionId":"s1"}`, ReleaseAction{SessionID: "s1"}},
		{"send_message", `{"action":"send_message","sessionId":"s1","content":"hi"}`, SendMessageAction{SessionID: "s1", Content: "hi"}},
		{"stop", `{"action":"stop","sessionId":"s1"}`, StopAction{SessionID: "s1"}},
		{"typing_start", `{"action":"typing_start"}`, TypingAction{Start: true}},
		{"typing_stop", `{"action":"typing_stop"}`, TypingAction{Start: false}},
		{"visibility", `{"action":"visibility_change","state":"away"}`, VisibilityAction{State: "away"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAction([]byte(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseActionRejectsInvalidFrames(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{{{`},
		{"unknown action", `{"action":"reboot"}`},
		{"empty action", `{}`},
		{"subscribe without channel", `{"action":"subscribe"}`},
		{"takeover without session", `{"action":"takeover","mode":"human"}`},
		{"release without session", `{"action":"release"}`},
		{"send_message without content", `{"action":"send_message","sessionId":"s1"}`},
		{"stop without session", `{"action":"stop"}`},
		{"visibility with bad state", `{"action":"visibility_change","state":"gone"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAction([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}
