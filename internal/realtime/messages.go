package realtime

import (
	"encoding/json"
	"fmt"
)

// Inbound action names on the wire.
const (
	actionPing             = "ping"
	actionSubscribe        = "subscribe"
	actionUnsubscribe      = "unsubscribe"
	actionTakeover         = "takeover"
	actionRelease          = "release"
	actionSendMessage      = "send_message"
	actionStop             = "stop"
	actionTypingStart      = "typing_start"
	actionTypingStop       = "typing_stop"
	actionVisibilityChange = "visibility_change"
)

// Action is one inbound client command. The set of implementations is
// closed; routers switch over every variant so a new action is a
// compile-visible change.
type Action interface {
	isAction()
}

// PingAction is a liveness probe answered with a pong event.
type PingAction struct{}

// SubscribeAction adds the connection to a named event channel.
type SubscribeAction struct {
	Channel string
}

// UnsubscribeAction removes the connection from a named event channel.
type UnsubscribeAction struct {
	Channel string
}

// TakeoverAction switches a session's responder mode. Mode "human" enters a
// takeover, mode "ai" is equivalent to a release.
type TakeoverAction struct {
	SessionID string
	Mode      string
}

// ReleaseAction hands a session back to the AI responder.
type ReleaseAction struct {
	SessionID string
}

// SendMessageAction sends an operator message while a takeover is active.
type SendMessageAction struct {
	SessionID string
	Content   string
}

// StopAction aborts the in-flight AI generation for a session.
type StopAction struct {
	SessionID string
}

// TypingAction signals typing start/stop from a consumer.
type TypingAction struct {
	Start bool
}

// VisibilityAction reports a consumer tab becoming active or hidden.
type VisibilityAction struct {
	State string // "active" or "away"
}

func (PingAction) isAction()        {}
func (SubscribeAction) isAction()   {}
func (UnsubscribeAction) isAction() {}
func (TakeoverAction) isAction()    {}
func (ReleaseAction) isAction()     {}
func (SendMessageAction) isAction() {}
func (StopAction) isAction()        {}
func (TypingAction) isAction()      {}
func (VisibilityAction) isAction()  {}

// inboundFrame is the raw JSON shape of a client frame.
type inboundFrame struct {
	Action    string `json:"action"`
	Channel   string `json:"channel,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Content   string `json:"content,omitempty"`
	State     string `json:"state,omitempty"`
}

// ParseAction decodes a client frame into its typed action. Malformed or
// unknown frames return an error; callers log and drop them without closing
// the connection.
func ParseAction(data []byte) (Action, error) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	switch frame.Action {
	case actionPing:
		return PingAction{}, nil
	case actionSubscribe:
		if frame.Channel == "" {
			return nil, fmt.Errorf("subscribe requires a channel")
		}
		return SubscribeAction{Channel: frame.Channel}, nil
	case actionUnsubscribe:
		if frame.Channel == "" {
			return nil, fmt.Errorf("unsubscribe requires a channel")
		}
		return UnsubscribeAction{Channel: frame.Channel}, nil
	case actionTakeover:
		if frame.SessionID == "" {
			return nil, fmt.Errorf("takeover requires a sessionId")
		}
		return TakeoverAction{SessionID: frame.SessionID, Mode: frame.Mode}, nil
	case actionRelease:
		if frame.SessionID == "" {
			return nil, fmt.Errorf("release requires a sessionId")
		}
		return ReleaseAction{SessionID: frame.SessionID}, nil
	case actionSendMessage:
		if frame.SessionID == "" || frame.Content == "" {
			return nil, fmt.Errorf("send_message requires sessionId and content")
		}
		return SendMessageAction{SessionID: frame.SessionID, Content: frame.Content}, nil
	case actionStop:
		if frame.SessionID == "" {
			return nil, fmt.Errorf("stop requires a sessionId")
		}
		return StopAction{SessionID: frame.SessionID}, nil
	case actionTypingStart:
		return TypingAction{Start: true}, nil
	case actionTypingStop:
		return TypingAction{Start: false}, nil
	case actionVisibilityChange:
		if frame.State != "active" && frame.State != "away" {
			return nil, fmt.Errorf("visibility_change requires state active or away")
		}
		return VisibilityAction{State: frame.State}, nil
	default:
		return nil, fmt.Errorf("unknown action %q", frame.Action)
	}
}
