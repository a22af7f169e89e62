package conversation

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/c360studio/rmachat/message"
)

// ErrForeignMessage is returned when a message does not belong to the
// conversation between the local identity and the given peer.
var ErrForeignMessage = errors.New("message does not belong to conversation")

// Tx is a view of the store inside Update or View. It must not be retained
// after the callback returns.
type Tx struct {
	s        *Store
	readOnly bool
	dirty    bool
}

func (tx *Tx) mutate() {
	if tx.readOnly {
		panic("conversation: mutation inside View")
	}
	tx.dirty = true
}

// Identity returns the local identity.
func (tx *Tx) Identity() string {
	return tx.s.identity
}

// ResolvePeer returns the stored spelling of name.
func (tx *Tx) ResolvePeer(name string) string {
	name = strings.TrimSpace(name)
	for _, c := range tx.s.st.contacts {
		if strings.EqualFold(c.Username, name) {
			return c.Username
		}
	}
	for peer := range tx.s.st.history {
		if strings.EqualFold(peer, name) {
			return peer
		}
	}
	return name
}

func (tx *Tx) contactIndex(name string) int {
	return slices.IndexFunc(tx.s.st.contacts, func(c Contact) bool {
		return strings.EqualFold(c.Username, name)
	})
}

// Contact returns the contact matching name.
func (tx *Tx) Contact(name string) (Contact, bool) {
	i := tx.contactIndex(strings.TrimSpace(name))
	if i < 0 {
		return Contact{}, false
	}
	return tx.s.st.contacts[i], true
}

// Contacts returns a copy of the contact list.
func (tx *Tx) Contacts() []Contact {
	return slices.Clone(tx.s.st.contacts)
}

// UpsertContact inserts c at the end of the list, or replaces the preview
// fields of the existing contact without moving it.
func (tx *Tx) UpsertContact(c Contact) error {
	c.Username = strings.TrimSpace(c.Username)
	if c.Username == "" {
		return errors.New("upsert contact: empty username")
	}
	tx.mutate()

	if i := tx.contactIndex(c.Username); i >= 0 {
		c.Username = tx.s.st.contacts[i].Username
		tx.s.st.contacts[i] = c
		return nil
	}
	c.Username = tx.ResolvePeer(c.Username)
	tx.s.st.contacts = append(tx.s.st.contacts, c)
	return nil
}

// EnsureContact adds an empty contact for name unless one exists. It
// reports whether a contact was created.
func (tx *Tx) EnsureContact(name string) (bool, error) {
	if _, ok := tx.Contact(name); ok {
		return false, nil
	}
	return true, tx.UpsertContact(Contact{Username: name})
}

// History returns a copy of peer's messages.
func (tx *Tx) History(peer string) []message.Message {
	return slices.Clone(tx.s.st.history[tx.ResolvePeer(peer)])
}

// HasHistory reports whether any message has been exchanged with peer.
func (tx *Tx) HasHistory(peer string) bool {
	return len(tx.s.st.history[tx.ResolvePeer(peer)]) > 0
}

// Last returns the newest message exchanged with peer.
func (tx *Tx) Last(peer string) (message.Message, bool) {
	h := tx.s.st.history[tx.ResolvePeer(peer)]
	if len(h) == 0 {
		return message.Message{}, false
	}
	return h[len(h)-1], true
}

func (tx *Tx) checkOwnership(peer string, m message.Message) error {
	self := tx.s.identity
	switch {
	case strings.EqualFold(m.Sender, peer) && strings.EqualFold(m.Receiver, self):
	case strings.EqualFold(m.Receiver, peer) && strings.EqualFold(m.Sender, self):
	default:
		return fmt.Errorf("%w: %s -> %s in conversation with %s",
			ErrForeignMessage, m.Sender, m.Receiver, peer)
	}
	return nil
}

func indexOf(h []message.Message, id string) int {
	return slices.IndexFunc(h, func(m message.Message) bool {
		return m.ID() == id
	})
}

// AppendIfAbsent appends m to peer's history unless a message with the same
// ID is present.
func (tx *Tx) AppendIfAbsent(peer string, m message.Message) (bool, error) {
	peer = tx.ResolvePeer(peer)
	if err := tx.checkOwnership(peer, m); err != nil {
		return false, err
	}
	if indexOf(tx.s.st.history[peer], m.ID()) >= 0 {
		return false, nil
	}
	tx.mutate()
	tx.s.st.history[peer] = append(tx.s.st.history[peer], m)
	return true, nil
}

// AppendAll appends each message of ms that is absent from peer's history,
// in order. A foreign message aborts the whole batch.
func (tx *Tx) AppendAll(peer string, ms []message.Message) (int, error) {
	added := 0
	for _, m := range ms {
		ok, err := tx.AppendIfAbsent(peer, m)
		if err != nil {
			return 0, err
		}
		if ok {
			added++
		}
	}
	return added, nil
}

// Remove deletes the message sent at sentAt from peer's history.
func (tx *Tx) Remove(peer, sentAt string) bool {
	if sentAt == "" {
		return false
	}
	peer = tx.ResolvePeer(peer)
	h := tx.s.st.history[peer]
	i := indexOf(h, sentAt)
	if i < 0 {
		return false
	}
	tx.mutate()
	tx.s.st.history[peer] = slices.Delete(slices.Clone(h), i, i+1)
	return true
}

// Unread returns peer's unread counter.
func (tx *Tx) Unread(peer string) int {
	return tx.s.st.unread[tx.ResolvePeer(peer)]
}

// IncrementUnread adds one to peer's counter.
func (tx *Tx) IncrementUnread(peer string) int {
	peer = tx.ResolvePeer(peer)
	tx.mutate()
	tx.s.st.unread[peer]++
	return tx.s.st.unread[peer]
}

// ClearUnread resets peer's counter. Clearing a zero counter is a no-op.
func (tx *Tx) ClearUnread(peer string) {
	peer = tx.ResolvePeer(peer)
	if tx.s.st.unread[peer] == 0 {
		return
	}
	tx.mutate()
	delete(tx.s.st.unread, peer)
}
