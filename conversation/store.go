// Package conversation holds the client-side chat state for one local
// identity: the contact list, per-peer message history and unread counters.
// Every mutation is persisted before it becomes visible to readers.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/c360studio/rmachat/message"
	"github.com/c360studio/rmachat/storage"
)

// Key names, scoped per identity.
const (
	keyPrefix   = "rmachat/"
	keyContacts = "contacts"
	keyHistory  = "history"
	keyUnread   = "unread"
)

// DefaultSaveTimeout bounds a single persistence round trip.
const DefaultSaveTimeout = 5 * time.Second

// Contact is an entry in the contact list.
type Contact struct {
	Username           string `json:"username"`
	LastMessagePreview string `json:"last_message_preview"`
	LastActivityLabel  string `json:"last_activity_label"`
}

type state struct {
	contacts []Contact
	history  map[string][]message.Message
	unread   map[string]int
}

func newState() state {
	return state{
		history: make(map[string][]message.Message),
		unread:  make(map[string]int),
	}
}

func (s state) clone() state {
	out := state{
		contacts: slices.Clone(s.contacts),
		history:  make(map[string][]message.Message, len(s.history)),
		unread:   make(map[string]int, len(s.unread)),
	}
	for k, v := range s.history {
		out.history[k] = slices.Clone(v)
	}
	for k, v := range s.unread {
		out.unread[k] = v
	}
	return out
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithSaveTimeout bounds each backend round trip.
func WithSaveTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

// Store is the authoritative conversation state for one identity.
type Store struct {
	backend storage.Backend
	logger  *slog.Logger
	timeout time.Duration

	mu       sync.RWMutex
	identity string
	st       state
}

// NewStore returns an empty store over backend. Call Load before use.
func NewStore(backend storage.Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		logger:  slog.Default(),
		timeout: DefaultSaveTimeout,
		st:      newState(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open creates a store and loads identity's state.
func Open(backend storage.Backend, identity string, opts ...Option) (*Store, error) {
	s := NewStore(backend, opts...)
	if err := s.Load(identity); err != nil {
		return nil, err
	}
	return s, nil
}

// Identity returns the identity whose state is loaded.
func (s *Store) Identity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// Load replaces the in-memory state with identity's persisted state.
// Missing or unreadable keys start empty.
func (s *Store) Load(identity string) error {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return errors.New("load conversation state: empty identity")
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	st := newState()
	if err := read(ctx, s, identity, keyContacts, &st.contacts); err != nil {
		return err
	}
	if err := read(ctx, s, identity, keyHistory, &st.history); err != nil {
		return err
	}
	if err := read(ctx, s, identity, keyUnread, &st.unread); err != nil {
		return err
	}
	if st.history == nil {
		st.history = make(map[string][]message.Message)
	}
	if st.unread == nil {
		st.unread = make(map[string]int)
	}

	s.mu.Lock()
	s.identity = identity
	s.st = st
	s.mu.Unlock()

	s.logger.Debug("Loaded conversation state",
		"identity", identity,
		"contacts", len(st.contacts),
		"conversations", len(st.history))
	return nil
}

// read decodes one stored key into dst. An unreadable value leaves dst
// untouched.
func read[T any](ctx context.Context, s *Store, identity, name string, dst *T) error {
	key := storageKey(identity, name)
	data, err := s.backend.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	var v T
	if err := storage.Unmarshal(data, &v); err != nil {
		s.logger.Warn("Discarding unreadable conversation state",
			"key", key,
			"error", err)
		return nil
	}
	*dst = v
	return nil
}

// Save persists the whole store.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.save()
}

// save writes the current state. Callers hold s.mu.
func (s *Store) save() error {
	if s.identity == "" {
		return errors.New("save conversation state: no identity loaded")
	}

	contacts, err := storage.Marshal(s.st.contacts)
	if err != nil {
		return fmt.Errorf("marshal contacts: %w", err)
	}
	history, err := storage.Marshal(s.st.history)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	unread, err := storage.Marshal(s.st.unread)
	if err != nil {
		return fmt.Errorf("marshal unread counts: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	err = s.backend.PutAll(ctx, map[string][]byte{
		storageKey(s.identity, keyContacts): contacts,
		storageKey(s.identity, keyHistory):  history,
		storageKey(s.identity, keyUnread):   unread,
	})
	if err != nil {
		return fmt.Errorf("save conversation state: %w", err)
	}
	return nil
}

// Update runs fn against a transaction. When fn mutates state the store is
// saved once; if fn or the save fails, every mutation made by fn is reverted.
func (s *Store) Update(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.identity == "" {
		return errors.New("update conversation state: no identity loaded")
	}

	snapshot := s.st.clone()
	tx := &Tx{s: s}
	if err := fn(tx); err != nil {
		s.st = snapshot
		return err
	}
	if !tx.dirty {
		return nil
	}
	if err := s.save(); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

// View runs fn with read access to the store.
func (s *Store) View(fn func(tx *Tx)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(&Tx{s: s, readOnly: true})
}

// Contacts returns a copy of the contact list in insertion order.
func (s *Store) Contacts() []Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.st.contacts)
}

// Contact returns the contact matching name, ignoring case.
func (s *Store) Contact(name string) (Contact, bool) {
	var (
		c  Contact
		ok bool
	)
	s.View(func(tx *Tx) { c, ok = tx.Contact(name) })
	return c, ok
}

// ResolvePeer returns the stored spelling of name if it is already known as
// a contact or conversation, and name otherwise.
func (s *Store) ResolvePeer(name string) string {
	var peer string
	s.View(func(tx *Tx) { peer = tx.ResolvePeer(name) })
	return peer
}

// History returns a copy of the messages exchanged with peer.
func (s *Store) History(peer string) []message.Message {
	var h []message.Message
	s.View(func(tx *Tx) { h = tx.History(peer) })
	return h
}

// Unread returns peer's unread counter.
func (s *Store) Unread(peer string) int {
	var n int
	s.View(func(tx *Tx) { n = tx.Unread(peer) })
	return n
}

// UnreadCounts returns a copy of the unread counter map.
func (s *Store) UnreadCounts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int, len(s.st.unread))
	for k, v := range s.st.unread {
		if v > 0 {
			out[k] = v
		}
	}
	return out
}

// UpsertContact inserts c or updates the matching contact in place.
func (s *Store) UpsertContact(c Contact) error {
	return s.Update(func(tx *Tx) error { return tx.UpsertContact(c) })
}

// AppendIfAbsent appends m to peer's history unless a message with the same
// key is already there. It reports whether m was appended.
func (s *Store) AppendIfAbsent(peer string, m message.Message) (bool, error) {
	var added bool
	err := s.Update(func(tx *Tx) error {
		var err error
		added, err = tx.AppendIfAbsent(peer, m)
		return err
	})
	return added, err
}

// AppendAll appends every message in ms that is not yet in peer's history
// and returns how many were added. Either all are persisted or none.
func (s *Store) AppendAll(peer string, ms []message.Message) (int, error) {
	var n int
	err := s.Update(func(tx *Tx) error {
		var err error
		n, err = tx.AppendAll(peer, ms)
		return err
	})
	return n, err
}

// Remove deletes the message sent at sentAt from peer's history.
func (s *Store) Remove(peer, sentAt string) (bool, error) {
	var removed bool
	err := s.Update(func(tx *Tx) error {
		removed = tx.Remove(peer, sentAt)
		return nil
	})
	return removed, err
}

// IncrementUnread adds one to peer's unread counter and returns the result.
func (s *Store) IncrementUnread(peer string) (int, error) {
	var n int
	err := s.Update(func(tx *Tx) error {
		n = tx.IncrementUnread(peer)
		return nil
	})
	return n, err
}

// ClearUnread resets peer's unread counter.
func (s *Store) ClearUnread(peer string) error {
	return s.Update(func(tx *Tx) error {
		tx.ClearUnread(peer)
		return nil
	})
}

func storageKey(identity, name string) string {
	return keyPrefix + strings.ToLower(identity) + "/" + name
}
