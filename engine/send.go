package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/c360studio/rmachat/conversation"
	"github.com/c360studio/rmachat/message"
	"github.com/c360studio/rmachat/transport"
)

// HandleSend sends text to peer. The message is applied to history and the
// live buffer before publishing and removed again if the publish fails, in
// which case the draft is restored to text.
func (e *Engine) HandleSend(ctx context.Context, peer, text string) error {
	if strings.TrimSpace(text) == "" {
		e.metrics.SendRejected("empty")
		return ErrEmptyMessage
	}
	peer = strings.TrimSpace(peer)
	if peer == "" {
		e.metrics.SendRejected("no_peer")
		return ErrNoPeerSelected
	}
	if message.SameUser(peer, e.self) {
		e.metrics.SendRejected("self")
		return ErrSelfContact
	}
	if e.pub == nil || e.pub.State() != transport.Connected {
		e.metrics.SendRejected("not_connected")
		e.emit(events{{Kind: ErrorRaised, Peer: peer, Err: ErrTransportUnavailable}})
		return ErrTransportUnavailable
	}

	e.mu.Lock()
	m, evs, err := e.applyOutgoing(peer, text)
	e.mu.Unlock()
	e.emit(evs)
	if err != nil {
		return err
	}

	data, err := e.norm.Encode(e.norm.ToFrame(m))
	if err == nil {
		err = e.pub.Send(ctx, data)
	}
	if err == nil {
		return nil
	}

	e.logger.Warn("Send failed, rolling back",
		"peer", m.Receiver,
		"sent_at", m.SentAt,
		"error", err)
	e.metrics.Rollback()

	sendErr := fmt.Errorf("%w: %w", ErrPublishFailed, err)
	e.mu.Lock()
	evs = e.rollback(m, text, sendErr)
	e.mu.Unlock()
	evs.fail(m.Receiver, sendErr)
	e.emit(evs)
	return sendErr
}

// applyOutgoing records a new outgoing message. Callers hold e.mu.
func (e *Engine) applyOutgoing(peer, text string) (message.Message, events, error) {
	var (
		m   message.Message
		evs events
	)
	err := e.store.Update(func(tx *conversation.Tx) error {
		peer = tx.ResolvePeer(peer)
		ts := e.freshTimestamp(tx.History(peer))
		m = message.Message{
			Sender:      e.self,
			Receiver:    peer,
			Content:     text,
			Kind:        message.KindChat,
			SentAt:      ts,
			DisplayTime: e.norm.DisplayTime(ts),
			IsSelf:      true,
		}
		if _, err := tx.AppendIfAbsent(peer, m); err != nil {
			return err
		}
		return tx.UpsertContact(contactFor(peer, m))
	})
	if err != nil {
		e.metrics.SaveFailed()
		return m, nil, fmt.Errorf("record outgoing message: %w", err)
	}

	evs.add(ContactsChanged, peer)
	if e.isOpen(peer) {
		e.live = append(e.live, m)
		evs.add(ConversationChanged, peer)
		evs.add(ScrollToLatest, peer)
	}
	e.draft = ""
	evs.add(DraftChanged, peer)
	return m, evs, nil
}

// freshTimestamp returns a timestamp from the engine clock that no message
// in history uses yet.
func (e *Engine) freshTimestamp(history []message.Message) string {
	t := e.now().UTC()
	for {
		ts := message.FormatTimestamp(t)
		taken := slices.ContainsFunc(history, func(m message.Message) bool {
			return m.SentAt == ts
		})
		if !taken {
			return ts
		}
		t = t.Add(time.Millisecond)
	}
}

// rollback removes m from history and the live buffer, recomputes the
// contact preview and restores the draft. Callers hold e.mu.
func (e *Engine) rollback(m message.Message, text string, cause error) events {
	var evs events
	peer := m.Receiver

	err := e.store.Update(func(tx *conversation.Tx) error {
		if !tx.Remove(peer, m.SentAt) {
			return nil
		}
		c := conversation.Contact{Username: peer}
		if last, ok := tx.Last(peer); ok {
			c = contactFor(peer, last)
		}
		return tx.UpsertContact(c)
	})
	if err != nil {
		e.logger.Error("Failed to roll back message",
			"peer", peer,
			"sent_at", m.SentAt,
			"error", err)
		e.metrics.SaveFailed()
	}
	evs.add(ContactsChanged, peer)

	before := len(e.live)
	e.live = slices.DeleteFunc(e.live, func(lm message.Message) bool {
		return lm.IsSelf && lm.SentAt == m.SentAt && message.SameUser(lm.Receiver, peer)
	})
	if len(e.live) != before {
		evs.add(ConversationChanged, peer)
	}

	e.draft = text
	evs = append(evs, Event{Kind: DraftChanged, Peer: peer, Err: cause})
	return evs
}
