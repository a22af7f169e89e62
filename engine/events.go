package engine

// EventKind classifies an Event.
type EventKind int

const (
	// ContactsChanged: the contact list or a preview changed.
	ContactsChanged EventKind = iota + 1
	// ConversationChanged: the active conversation or its live buffer changed.
	ConversationChanged
	// ScrollToLatest: a message was appended to the live buffer.
	ScrollToLatest
	// DraftChanged: the composer draft changed. Event.Err is set when the
	// draft was restored because a send failed.
	DraftChanged
	// UnreadChanged: an unread counter changed.
	UnreadChanged
	// ErrorRaised: a user-visible error occurred. Event.Err is set.
	ErrorRaised
)

func (k EventKind) String() string {
	switch k {
	case ContactsChanged:
		return "contacts_changed"
	case ConversationChanged:
		return "conversation_changed"
	case ScrollToLatest:
		return "scroll_to_latest"
	case DraftChanged:
		return "draft_changed"
	case UnreadChanged:
		return "unread_changed"
	case ErrorRaised:
		return "error"
	default:
		return "unknown"
	}
}

// Event notifies the presentation layer that it should re-render.
type Event struct {
	Kind EventKind
	Peer string
	Err  error
}

// events accumulates notifications while the engine lock is held.
type events []Event

func (ev *events) add(kind EventKind, peer string) {
	*ev = append(*ev, Event{Kind: kind, Peer: peer})
}

func (ev *events) fail(peer string, err error) {
	*ev = append(*ev, Event{Kind: ErrorRaised, Peer: peer, Err: err})
}
