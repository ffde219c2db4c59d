package chat

// ControlType enumerates the out-of-band events that share the fan-out path
// with chat messages but are never buffered or replayed to late joiners.
type ControlType string

const (
	ControlHide       ControlType = "hide"
	ControlUnhide     ControlType = "unhide"
	ControlFlushDebug ControlType = "flush-debug"
	ControlKeepalive  ControlType = "keepalive"
)

// ControlEvent is a moderation/visibility or liveness signal.
type ControlEvent struct {
	Type         ControlType `json:"type"`
	MessageID    string      `json:"messageId,omitempty"`
	SubscriberID string      `json:"subscriberId,omitempty"`
}

// Event is either a ChatMessage or a ControlEvent. Sinks receive both
// through the same Send call and serialize them however their transport
// sees fit.
type Event interface {
	event()
}

func (ChatMessage) event()  {}
func (ControlEvent) event() {}

// Sink is an opaque send capability for one subscriber. Implementations are
// owned by whichever collaborator registered them and must tolerate Send
// being called after they have logically closed; the coordinator degrades a
// failed Send to a logged error.
type Sink interface {
	ID() string
	Send(Event) error
}
