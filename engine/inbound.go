package engine

import (
	"github.com/c360studio/rmachat/conversation"
	"github.com/c360studio/rmachat/message"
)

// HandleRaw decodes and merges one frame body delivered by the transport.
func (e *Engine) HandleRaw(data []byte) {
	f, err := e.norm.Decode(data)
	if err != nil {
		e.logger.Warn("Dropping undecodable frame", "error", err, "size", len(data))
		e.metrics.FrameDropped("malformed")
		return
	}
	e.HandleIncoming(f)
}

// HandleIncoming merges one inbound frame into the conversation state.
// Duplicates are ignored; messages from a peer whose conversation is not
// open count as unread.
func (e *Engine) HandleIncoming(f message.Frame) {
	m, err := e.norm.ToCanonical(f)
	if err != nil {
		e.logger.Warn("Dropping malformed frame",
			"sender", f.Sender,
			"receiver", f.Receiver,
			"error", err)
		e.metrics.FrameDropped("malformed")
		return
	}

	peer, ok := m.Partner(e.self)
	if !ok {
		reason := "foreign"
		if message.SameUser(m.Sender, m.Receiver) {
			reason = "self"
		}
		e.logger.Debug("Ignoring frame outside local conversations",
			"sender", m.Sender,
			"receiver", m.Receiver,
			"reason", reason)
		e.metrics.FrameDropped(reason)
		return
	}

	e.mu.Lock()
	evs := e.merge(peer, m)
	e.mu.Unlock()
	e.emit(evs)
}

// merge applies one canonical message. Callers hold e.mu.
func (e *Engine) merge(peer string, m message.Message) events {
	var (
		evs    events
		added  bool
		counts bool
	)
	open := e.isOpen(peer)

	err := e.store.Update(func(tx *conversation.Tx) error {
		peer = tx.ResolvePeer(peer)
		var err error
		added, err = tx.AppendIfAbsent(peer, m)
		if err != nil || !added {
			return err
		}
		if err := tx.UpsertContact(contactFor(peer, m)); err != nil {
			return err
		}
		if !open && !m.IsSelf {
			tx.IncrementUnread(peer)
			counts = true
		}
		return nil
	})
	if err != nil {
		e.logger.Error("Failed to store inbound message",
			"peer", peer,
			"sent_at", m.SentAt,
			"error", err)
		e.metrics.SaveFailed()
		evs.fail(peer, err)
		return evs
	}
	if !added {
		e.logger.Debug("Ignoring duplicate message", "peer", peer, "sent_at", m.SentAt)
		e.metrics.Duplicate()
		return nil
	}

	evs.add(ContactsChanged, peer)
	if open {
		e.live = append(e.live, m)
		evs.add(ConversationChanged, peer)
		evs.add(ScrollToLatest, peer)
	}
	if counts {
		evs.add(UnreadChanged, peer)
	}
	return evs
}
