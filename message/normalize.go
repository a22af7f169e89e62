package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// JustSent is the display time of a message without a timestamp.
const JustSent = "just sent"

// displayLayout is the local short time shown next to a message.
const displayLayout = "15:04"

// timestampLayouts are accepted for the frame timestamp, most specific
// first. The zone-less layout covers servers that emit local date-times.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// Normalizer converts frames to canonical messages and back for one local
// identity. It holds no other state and is safe for concurrent use.
type Normalizer struct {
	self string
	loc  *time.Location
}

// NewNormalizer returns a Normalizer for the given local identity. A nil
// location renders display times in time.Local.
func NewNormalizer(self string, loc *time.Location) *Normalizer {
	if loc == nil {
		loc = time.Local
	}
	return &Normalizer{self: self, loc: loc}
}

// Self returns the local identity.
func (n *Normalizer) Self() string {
	return n.self
}

// Decode parses a JSON frame body.
func (n *Normalizer) Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: decode: %v", ErrMalformedFrame, err)
	}
	return f, nil
}

// Encode renders a frame as JSON.
func (n *Normalizer) Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// ToCanonical validates f and converts it to a Message.
func (n *Normalizer) ToCanonical(f Frame) (Message, error) {
	sender := strings.TrimSpace(f.Sender)
	receiver := strings.TrimSpace(f.Receiver)
	if sender == "" {
		return Message{}, fmt.Errorf("%w: missing sender", ErrMalformedFrame)
	}
	if receiver == "" {
		return Message{}, fmt.Errorf("%w: missing receiver", ErrMalformedFrame)
	}

	if f.Type != "" && !strings.EqualFold(f.Type, string(KindChat)) {
		return Message{}, fmt.Errorf("%w: unsupported type %q", ErrMalformedFrame, f.Type)
	}

	return Message{
		Sender:      sender,
		Receiver:    receiver,
		Content:     f.Content,
		Kind:        KindChat,
		SentAt:      f.Timestamp,
		DisplayTime: n.DisplayTime(f.Timestamp),
		IsSelf:      SameUser(sender, n.self),
	}, nil
}

// ToFrame converts a canonical message to its wire frame.
func (n *Normalizer) ToFrame(m Message) Frame {
	kind := m.Kind
	if kind == "" {
		kind = KindChat
	}
	return Frame{
		Sender:    m.Sender,
		Receiver:  m.Receiver,
		Content:   m.Content,
		Type:      string(kind),
		Timestamp: m.SentAt,
	}
}

// DisplayTime renders a frame timestamp as local hour:minute. Absent or
// unparseable timestamps yield JustSent.
func (n *Normalizer) DisplayTime(ts string) string {
	t, ok := ParseTimestamp(ts)
	if !ok {
		return JustSent
	}
	return t.In(n.loc).Format(displayLayout)
}

// ParseTimestamp parses a frame timestamp.
func ParseTimestamp(ts string) (time.Time, bool) {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, ts); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// FormatTimestamp renders t the way outbound frames carry it.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Preview shortens content for the contact list.
func Preview(content string) string {
	const limit = 30
	runes := []rune(content)
	if len(runes) <= limit {
		return content
	}
	return string(runes[:limit]) + "..."
}
