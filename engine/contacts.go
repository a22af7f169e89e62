package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/c360studio/rmachat/conversation"
	"github.com/c360studio/rmachat/message"
)

// AddContact adds an empty contact for name. Adding yourself or an existing
// contact is rejected without changing anything.
func (e *Engine) AddContact(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInvalidUsername
	}
	if message.SameUser(name, e.self) {
		e.logger.Warn("Ignoring attempt to add self as contact", "name", name)
		return ErrSelfContact
	}

	e.mu.Lock()
	err := e.store.Update(func(tx *conversation.Tx) error {
		if _, ok := tx.Contact(name); ok {
			return ErrDuplicateContact
		}
		return tx.UpsertContact(conversation.Contact{Username: name})
	})
	e.mu.Unlock()

	if errors.Is(err, ErrDuplicateContact) {
		e.logger.Warn("Contact already exists", "name", name)
		return err
	}
	if err != nil {
		e.metrics.SaveFailed()
		return fmt.Errorf("add contact %s: %w", name, err)
	}
	e.emit(events{{Kind: ContactsChanged, Peer: name}})
	return nil
}

// StartConversation validates a typed username against the directory, adds
// it as a contact if needed and opens the conversation.
func (e *Engine) StartConversation(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInvalidUsername
	}
	if message.SameUser(name, e.self) {
		return ErrSelfContact
	}

	if e.dir != nil {
		u, err := e.dir.User(ctx, name)
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrContactLookupFailed, err)
			e.logger.Warn("Contact lookup failed", "name", name, "error", err)
			e.emit(events{{Kind: ErrorRaised, Peer: name, Err: err}})
			return err
		}
		if u.Username != "" {
			name = u.Username
		}
	}

	e.mu.Lock()
	var created bool
	err := e.store.Update(func(tx *conversation.Tx) error {
		var err error
		created, err = tx.EnsureContact(name)
		return err
	})
	e.mu.Unlock()
	if err != nil {
		e.metrics.SaveFailed()
		return fmt.Errorf("add contact %s: %w", name, err)
	}
	if created {
		e.emit(events{{Kind: ContactsChanged, Peer: name}})
	}

	return e.OpenConversation(ctx, name)
}

// SyncDirectory merges the user directory into the contact list. Users not
// yet listed are appended in directory order; existing contacts keep their
// position and preview. It returns the number of contacts added.
func (e *Engine) SyncDirectory(ctx context.Context) (int, error) {
	if e.dir == nil {
		err := fmt.Errorf("%w: no directory configured", ErrContactLookupFailed)
		e.emit(events{{Kind: ErrorRaised, Err: err}})
		return 0, err
	}

	users, err := e.dir.Users(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrContactLookupFailed, err)
		e.logger.Warn("Directory sync failed", "error", err)
		e.emit(events{{Kind: ErrorRaised, Err: err}})
		return 0, err
	}

	e.mu.Lock()
	added := 0
	err = e.store.Update(func(tx *conversation.Tx) error {
		for _, u := range users {
			name := strings.TrimSpace(u.Username)
			if name == "" || message.SameUser(name, e.self) {
				continue
			}
			ok, err := tx.EnsureContact(name)
			if err != nil {
				return err
			}
			if ok {
				added++
			}
		}
		return nil
	})
	e.mu.Unlock()
	if err != nil {
		e.metrics.SaveFailed()
		return 0, fmt.Errorf("merge directory: %w", err)
	}

	e.logger.Debug("Merged user directory", "users", len(users), "added", added)
	if added > 0 {
		e.emit(events{{Kind: ContactsChanged}})
	}
	return added, nil
}
