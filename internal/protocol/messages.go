package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/lostfound/internal/query"
	"github.com/ent0n29/lostfound/internal/reliability"
	"github.com/ent0n29/lostfound/internal/session"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientMessage  MessageType = "client_message"
	TypeClientControl  MessageType = "client_control"
	TypeSessionStarted MessageType = "session_started"
	TypeAssistantReply MessageType = "assistant_reply"
	TypeSystemEvent    MessageType = "system_event"
	TypeErrorEvent     MessageType = "error_event"
)

const (
	ActionStart = "start"
	ActionEnd   = "end"
)

// MaxMessageRunes caps a single user message.
const MaxMessageRunes = 4000

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Text      string      `json:"text"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Action    string      `json:"action"`
}

// AssistantReply carries the outcome of one turn. Type is assistant_reply, or
// session_started for the greeting.
type AssistantReply struct {
	Type          MessageType           `json:"type"`
	SessionID     string                `json:"session_id"`
	RequestID     string                `json:"request_id,omitempty"`
	Reply         string                `json:"reply"`
	Step          session.Step          `json:"step"`
	Intent        session.Intent        `json:"intent"`
	CollectedData session.CollectedData `json:"collected_data"`
	ReportID      string                `json:"report_id,omitempty"`
	QueryResult   *query.Result         `json:"query_result,omitempty"`
	Prompt        string                `json:"prompt,omitempty"`
	Missing       []session.Field       `json:"missing,omitempty"`
	Recovered     bool                  `json:"recovered,omitempty"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// NewErrorEvent builds an error_event whose retryable flag follows the error code.
func NewErrorEvent(sessionID, requestID, code, source, detail string) ErrorEvent {
	return ErrorEvent{
		Type:      TypeErrorEvent,
		SessionID: sessionID,
		RequestID: requestID,
		Code:      code,
		Source:    source,
		Retryable: reliability.IsRetryableErrorCode(code),
		Detail:    detail,
	}
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientMessage:
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			return nil, errors.New("invalid client_message: empty text")
		}
		if len([]rune(text)) > MaxMessageRunes {
			return nil, fmt.Errorf("invalid client_message: text longer than %d characters", MaxMessageRunes)
		}
		msg.Text = text
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Action {
		case ActionStart:
		case ActionEnd:
			if msg.SessionID == "" {
				return nil, errors.New("invalid client_control: end requires session_id")
			}
		default:
			return nil, fmt.Errorf("invalid client_control: unknown action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
