package engine

import "github.com/devaloi/chatsync/internal/domain"

// Kind identifies an Event.
type Kind int

const (
	EventLoading Kind = iota + 1
	EventConnected
	EventDisconnected
	EventHistoryLoaded
	EventNoHistory
	EventMessageSent
	EventMessageReceived
	EventError
)

func (k Kind) String() string {
	switch k {
	case EventLoading:
		return "loading"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventHistoryLoaded:
		return "history_loaded"
	case EventNoHistory:
		return "no_history"
	case EventMessageSent:
		return "message_sent"
	case EventMessageReceived:
		return "message_received"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one state update for the presentation layer.
//
// Messages is the full cached list, newest first, for EventHistoryLoaded,
// EventMessageSent and EventMessageReceived. Message is the message that
// was sent or received. Category is set for EventError only; the raw cause
// is logged, never published.
type Event struct {
	Kind     Kind
	Message  domain.Message
	Messages []domain.Message
	Category domain.Category
}

// UserMessage returns the generic text to display for an error event.
func (e Event) UserMessage() string {
	return e.Category.UserMessage()
}

// Phase is the engine's connection lifecycle position.
type Phase int

const (
	PhaseInitial Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseDisconnected
	PhaseFailed
	PhaseTerminal
)

func (p Phase) String() string {
	switch p {
	case PhaseInitial:
		return "initial"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseDisconnected:
		return "disconnected"
	case PhaseFailed:
		return "failed"
	case PhaseTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}
