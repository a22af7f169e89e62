package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/c360studio/rmachat/conversation"
	"github.com/c360studio/rmachat/message"
)

// OpenConversation makes peer the active conversation, clears its unread
// counter and sends a read receipt. When nothing has been exchanged with
// peer yet, history is backfilled from the directory.
func (e *Engine) OpenConversation(ctx context.Context, peer string) error {
	peer = strings.TrimSpace(peer)
	if peer == "" {
		return ErrNoPeerSelected
	}
	if message.SameUser(peer, e.self) {
		return ErrSelfContact
	}

	e.mu.Lock()
	peer = e.store.ResolvePeer(peer)
	e.active = peer
	e.viewOpen = true
	evs := e.reload(peer)
	hasHistory := len(e.live) > 0
	e.mu.Unlock()
	e.emit(evs)

	if e.dir == nil {
		return nil
	}

	// Read receipts are best effort.
	if err := e.dir.MarkAsRead(ctx, peer, e.self); err != nil {
		e.logger.Warn("Failed to send read receipt", "peer", peer, "error", err)
	}

	if hasHistory {
		return nil
	}
	return e.backfill(ctx, peer)
}

// reload refreshes the live buffer from history and clears peer's unread
// counter. Callers hold e.mu.
func (e *Engine) reload(peer string) events {
	var evs events
	e.live = e.store.History(peer)
	evs.add(ConversationChanged, peer)
	evs.add(ScrollToLatest, peer)

	if e.store.Unread(peer) > 0 {
		if err := e.store.ClearUnread(peer); err != nil {
			e.logger.Error("Failed to clear unread counter", "peer", peer, "error", err)
			e.metrics.SaveFailed()
		} else {
			evs.add(UnreadChanged, peer)
		}
	}
	return evs
}

func (e *Engine) backfill(ctx context.Context, peer string) error {
	start := time.Now()
	frames, err := e.dir.MessagesBetween(ctx, e.self, peer)
	e.metrics.Backfill(err, time.Since(start))
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrBackfillFailed, err)
		e.logger.Warn("History backfill failed", "peer", peer, "error", err)
		e.emit(events{{Kind: ErrorRaised, Peer: peer, Err: err}})
		return err
	}

	msgs := make([]message.Message, 0, len(frames))
	for _, f := range frames {
		m, err := e.norm.ToCanonical(f)
		if err != nil {
			e.logger.Debug("Skipping malformed history frame", "peer", peer, "error", err)
			continue
		}
		if p, ok := m.Partner(e.self); !ok || !message.SameUser(p, peer) {
			e.logger.Debug("Skipping history frame for another conversation",
				"peer", peer,
				"sender", m.Sender,
				"receiver", m.Receiver)
			continue
		}
		msgs = append(msgs, m)
	}
	if len(msgs) == 0 {
		return nil
	}

	e.mu.Lock()
	var added int
	err = e.store.Update(func(tx *conversation.Tx) error {
		var err error
		added, err = tx.AppendAll(peer, msgs)
		if err != nil || added == 0 {
			return err
		}
		last, _ := tx.Last(peer)
		return tx.UpsertContact(contactFor(peer, last))
	})
	if err != nil {
		e.mu.Unlock()
		e.metrics.SaveFailed()
		err = fmt.Errorf("%w: %w", ErrBackfillFailed, err)
		e.emit(events{{Kind: ErrorRaised, Peer: peer, Err: err}})
		return err
	}

	var evs events
	if added > 0 {
		evs.add(ContactsChanged, peer)
	}
	if e.isOpen(peer) {
		e.live = e.store.History(peer)
		evs.add(ConversationChanged, peer)
		evs.add(ScrollToLatest, peer)
	} else {
		e.logger.Debug("Conversation changed during backfill, not refreshing view",
			"peer", peer,
			"added", added)
	}
	e.mu.Unlock()
	e.emit(evs)

	e.logger.Debug("Backfilled history", "peer", peer, "messages", added)
	return nil
}

// CloseConversation clears the active conversation and its live buffer.
func (e *Engine) CloseConversation() {
	e.mu.Lock()
	peer := e.active
	e.active = ""
	e.live = nil
	e.mu.Unlock()
	e.emit(events{{Kind: ConversationChanged, Peer: peer}})
}

// SetViewOpen records whether the conversation view is visible. Showing it
// again with an active peer re-opens that conversation.
func (e *Engine) SetViewOpen(open bool) {
	e.mu.Lock()
	if e.viewOpen == open {
		e.mu.Unlock()
		return
	}
	e.viewOpen = open

	var evs events
	switch {
	case open && e.active != "":
		evs = e.reload(e.active)
	case !open:
		e.live = nil
		evs.add(ConversationChanged, e.active)
	}
	e.mu.Unlock()
	e.emit(evs)
}
