package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseClientMessageText(t *testing.T) {
	raw := []byte(`{"type":"client_message","session_id":"s1","request_id":"r1","text":"  I lost my wallet  "}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	cm, ok := msg.(ClientMessage)
	if !ok {
		t.Fatalf("message type = %T, want ClientMessage", msg)
	}
	if cm.SessionID != "s1" || cm.RequestID != "r1" {
		t.Fatalf("unexpected client message: %+v", cm)
	}
	if cm.Text != "I lost my wallet" {
		t.Fatalf("Text = %q, want %q", cm.Text, "I lost my wallet")
	}
}

func TestParseClientMessageWithoutSessionIsAllowed(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"client_message","text":"hello"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if cm := msg.(ClientMessage); cm.SessionID != "" {
		t.Fatalf("SessionID = %q, want empty", cm.SessionID)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageRejectsInvalid(t *testing.T) {
	cases := []string{
		`not json`,
		`{"type":"client_message","text":"   "}`,
		`{"type":"client_message","text":"` + strings.Repeat("a", MaxMessageRunes+1) + `"}`,
		`{"type":"client_control","action":"end"}`,
		`{"type":"client_control","session_id":"s1","action":"dance"}`,
	}
	for _, raw := range cases {
		if _, err := ParseClientMessage([]byte(raw)); err == nil {
			t.Fatalf("ParseClientMessage(%.40q) expected validation error", raw)
		}
	}
}

func TestParseClientMessageControl(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"client_control","session_id":"s1","action":"end"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	control, ok := msg.(ClientControl)
	if !ok {
		t.Fatalf("message type = %T, want ClientControl", msg)
	}
	if control.SessionID != "s1" || control.Action != ActionEnd {
		t.Fatalf("unexpected client control: %+v", control)
	}
}

func TestNewErrorEventRetryable(t *testing.T) {
	ev := NewErrorEvent("s1", "r1", "understanding_unavailable", "chat", "model timed out")
	if !ev.Retryable || ev.Type != TypeErrorEvent {
		t.Fatalf("error event = %+v, want retryable error_event", ev)
	}
	if NewErrorEvent("s1", "", "invalid_message", "ws", "bad").Retryable {
		t.Fatalf("invalid_message should not be retryable")
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(raw), `"type":"error_event"`) {
		t.Fatalf("encoded = %s", raw)
	}
}

func BenchmarkParseClientMessage(b *testing.B) {
	raw := []byte(`{"type":"client_message","session_id":"s1","request_id":"r7","text":"I lost my black backpack at the central station yesterday"}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseClientMessage(raw)
		if err != nil {
			b.Fatalf("ParseClientMessage() error = %v", err)
		}
		if _, ok := msg.(ClientMessage); !ok {
			b.Fatalf("message type = %T, want ClientMessage", msg)
		}
	}
}
