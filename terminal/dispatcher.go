package terminal

import (
	"context"

	"go.uber.org/zap"
)

// Inbound event names
const (
	EventJoinSession         = "join_session"
	EventLeaveSession        = "leave_session"
	EventExecuteCommand      = "execute_command"
	EventGetDirectoryListing = "get_directory_listing"
)

// Inbound is one event received from a subscriber's channel
type Inbound struct {
	Event     string `json:"event"`
	SessionID string `json:"session_id"`
	Command   string `json:"command,omitempty"`
	Path      string `json:"path,omitempty"`
}

// Handle routes an inbound event to the matching session operation. Replies go
// to sub; failures are reported to sub as EventError rather than returned.
func (m *Manager) Handle(ctx context.Context, sub Subscriber, in Inbound) {
	switch in.Event {
	case EventJoinSession:
		if !m.validSession(sub, in.SessionID) {
			return
		}
		if err := m.Join(ctx, in.SessionID, sub); err != nil {
			m.replyError(sub, in, err.Error())
		}

	case EventLeaveSession:
		if in.SessionID != "" {
			m.Leave(in.SessionID, sub)
		}

	case EventExecuteCommand:
		if !m.validSession(sub, in.SessionID) {
			return
		}
		if _, err := m.ExecuteCommand(ctx, in.SessionID, in.Command); err != nil {
			m.replyError(sub, in, err.Error())
		}

	case EventGetDirectoryListing:
		if !m.validSession(sub, in.SessionID) {
			return
		}
		listing, err := m.ListDirectory(ctx, in.SessionID, in.Path)
		if err != nil {
			m.replyError(sub, in, err.Error())
			return
		}
		sub.Emit(Event{Name: EventDirectoryListing, Payload: listing})

	default:
		m.replyError(sub, in, "unknown event: "+in.Event)
	}
}

func (m *Manager) validSession(sub Subscriber, id string) bool {
	s, err := m.Status(id)
	if err != nil {
		sub.Emit(Event{Name: EventError, Payload: ErrorPayload{Error: "Invalid session ID"}})
		return false
	}
	if !s.Active {
		sub.Emit(Event{Name: EventError, Payload: ErrorPayload{Error: "Session is not active"}})
		return false
	}
	return true
}

func (m *Manager) replyError(sub Subscriber, in Inbound, msg string) {
	m.logger.Warn("terminal event failed",
		zap.String("event", in.Event),
		zap.String("session_id", in.SessionID),
		zap.String("subscriber_id", sub.ID()),
		zap.String("error", msg))
	sub.Emit(Event{Name: EventError, Payload: ErrorPayload{Error: msg}})
}
