package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/lostfound/internal/chat"
	"github.com/ent0n29/lostfound/internal/protocol"
)

const (
	wsQueueSize    = 64
	wsReadLimit    = 64 << 10
	wsIdleTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
)

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	who := identityFrom(r)
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID != "" {
		sess, err := s.chat.Get(sessionID)
		if err != nil {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		if sess.UserID != who.UserID {
			respondError(w, http.StatusForbidden, "forbidden", "session belongs to another user")
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.sessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, wsQueueSize)
	outbound := make(chan any, wsQueueSize)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		s.runConnection(ctx, who, sessionID, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					s.log.Debug().Err(err).Msg("websocket write failed")
					cancel()
					return
				}
				s.countWS("outbound", msg)
			}
		}
	}()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))

		var next any
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			next = protocol.NewErrorEvent(sessionID, "", "invalid_client_message", "gateway", err.Error())
		} else {
			s.countWS("inbound", parsed)
			next = parsed
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- next:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.sessionEvent("ws_disconnected")
}

// runConnection handles one connection's messages in arrival order. The connection
// follows the session of the latest reply, so a recovered session is picked up.
func (s *Server) runConnection(ctx context.Context, who identity, sessionID string, inbound <-chan any, outbound chan<- any) {
	defer close(outbound)

	emit := func(v any) {
		select {
		case outbound <- v:
		case <-ctx.Done():
		}
	}

	for msg := range inbound {
		switch m := msg.(type) {
		case protocol.ErrorEvent:
			emit(m)

		case protocol.ClientMessage:
			id := m.SessionID
			if id == "" {
				id = sessionID
			}
			if sess, err := s.chat.Get(id); err == nil && sess.UserID != who.UserID {
				emit(protocol.NewErrorEvent(id, m.RequestID, "forbidden", "chat", "session belongs to another user"))
				continue
			}
			reply, err := s.chat.Send(ctx, id, m.Text, who.UserID, who.UserEmail)
			if err != nil {
				emit(turnErrorEvent(id, m.RequestID, err))
				continue
			}
			sessionID = reply.SessionID
			emit(replyEnvelope(protocol.TypeAssistantReply, m.RequestID, reply))

		case protocol.ClientControl:
			switch m.Action {
			case protocol.ActionStart:
				reply, err := s.chat.Start(ctx, who.UserID, who.UserEmail)
				if err != nil {
					emit(turnErrorEvent("", m.RequestID, err))
					continue
				}
				sessionID = reply.SessionID
				emit(replyEnvelope(protocol.TypeSessionStarted, m.RequestID, reply))
			case protocol.ActionEnd:
				sess, err := s.chat.Get(m.SessionID)
				if err == nil && sess.UserID != who.UserID {
					emit(protocol.NewErrorEvent(m.SessionID, m.RequestID, "forbidden", "chat", "session belongs to another user"))
					continue
				}
				if err == nil {
					s.chat.Delete(m.SessionID)
				}
				if m.SessionID == sessionID {
					sessionID = ""
				}
				emit(protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: m.SessionID, Code: "session_ended"})
			}
		}
	}
}

func turnErrorEvent(sessionID, requestID string, err error) protocol.ErrorEvent {
	_, code := errorCode(err)
	var ue *chat.UnderstandingError
	if errors.As(err, &ue) {
		sessionID = ue.SessionID
	}
	ev := protocol.NewErrorEvent(sessionID, requestID, code, "chat", err.Error())
	if ue != nil {
		ev.Retryable = ue.Retryable
	}
	return ev
}

func replyEnvelope(t protocol.MessageType, requestID string, r chat.Reply) protocol.AssistantReply {
	return protocol.AssistantReply{
		Type:          t,
		SessionID:     r.SessionID,
		RequestID:     requestID,
		Reply:         r.Reply,
		Step:          r.Step,
		Intent:        r.Intent,
		CollectedData: r.CollectedData,
		ReportID:      r.ReportID,
		QueryResult:   r.QueryResult,
		Prompt:        r.Prompt,
		Missing:       r.Missing,
		Recovered:     r.Recovered,
	}
}

func (s *Server) countWS(direction string, v any) {
	if s.metrics == nil {
		return
	}
	if t, ok := messageTypeOf(v); ok {
		s.metrics.WSMessages.WithLabelValues(direction, string(t)).Inc()
	}
}

func (s *Server) sessionEvent(event string) {
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientMessage:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.AssistantReply:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
