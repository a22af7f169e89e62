// Package message defines the chat wire frame and the canonical in-memory
// message record, and converts between the two.
package message

import "strings"

// Kind classifies a chat message.
type Kind string

// KindChat is the only kind exchanged between users.
const KindChat Kind = "CHAT"

// Frame is a single wire-level chat frame as published on the broker and
// returned by the history endpoint.
type Frame struct {
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver,omitempty"`
	Content   string `json:"content,omitempty"`
	Type      string `json:"type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Presence is the announcement published after a connection is established
// so the broker can bind deliveries to the sender's personal subject.
type Presence struct {
	Sender string `json:"sender"`
}

// Message is the canonical message record kept in conversation history.
type Message struct {
	Sender      string `json:"sender"`
	Receiver    string `json:"receiver"`
	Content     string `json:"content"`
	Kind        Kind   `json:"kind"`
	SentAt      string `json:"sent_at,omitempty"`
	DisplayTime string `json:"display_time"`
	IsSelf      bool   `json:"is_self"`
}

// Key identifies a message within one peer's history.
type Key struct {
	Peer string
	ID   string
}

// KeyFor returns the de-duplication key of m in the conversation with peer.
func (m Message) KeyFor(peer string) Key {
	return Key{Peer: strings.ToLower(peer), ID: m.ID()}
}

// ID identifies m within one conversation. Timestamped messages are
// identified by their timestamp. A message without one is identified by its
// sender and content, so a redelivered copy maps to the same ID.
func (m Message) ID() string {
	if m.SentAt != "" {
		return m.SentAt
	}
	return "untimed\x00" + strings.ToLower(m.Sender) + "\x00" + m.Content
}

// Partner returns the other party of m relative to self, and whether m
// involves self at all.
func (m Message) Partner(self string) (string, bool) {
	switch {
	case strings.EqualFold(m.Sender, self) && strings.EqualFold(m.Receiver, self):
		return "", false
	case strings.EqualFold(m.Sender, self):
		return m.Receiver, true
	case strings.EqualFold(m.Receiver, self):
		return m.Sender, true
	default:
		return "", false
	}
}

// SameUser reports whether two usernames refer to the same user.
func SameUser(a, b string) bool {
	return strings.EqualFold(a, b)
}
