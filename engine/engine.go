// Package engine reconciles the local conversation state with what arrives
// from and goes out to the chat broker. It owns the transient view state
// (active conversation, live buffer, composer draft) and serializes every
// operation behind one mutex; network I/O always happens outside it.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/c360studio/rmachat/backend"
	"github.com/c360studio/rmachat/conversation"
	"github.com/c360studio/rmachat/message"
	"github.com/c360studio/rmachat/metrics"
	"github.com/c360studio/rmachat/transport"
)

// Publisher sends encoded frames to the broker.
type Publisher interface {
	State() transport.State
	Send(ctx context.Context, data []byte) error
}

// Directory is the REST collaborator used for contact lookup, history
// backfill and read receipts.
type Directory interface {
	Users(ctx context.Context) ([]backend.User, error)
	User(ctx context.Context, username string) (*backend.User, error)
	MessagesBetween(ctx context.Context, sender, receiver string) ([]message.Frame, error)
	MarkAsRead(ctx context.Context, sender, receiver string) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. A nil logger keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics records engine activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithDirectory enables contact validation, backfill and read receipts.
func WithDirectory(d Directory) Option {
	return func(e *Engine) { e.dir = d }
}

// WithClock overrides the clock used to timestamp outgoing messages.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLocation sets the zone used for display times.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) { e.loc = loc }
}

// WithObserver registers fn to receive events. fn is called without the
// engine lock held and may call back into the engine.
func WithObserver(fn func(Event)) Option {
	return func(e *Engine) { e.observer = fn }
}

// Engine is the reconciliation engine for one local identity.
type Engine struct {
	store    *conversation.Store
	pub      Publisher
	dir      Directory
	norm     *message.Normalizer
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	loc      *time.Location
	observer func(Event)
	self     string

	mu       sync.Mutex
	active   string
	viewOpen bool
	live     []message.Message
	draft    string
}

// New creates an engine over a loaded store. pub may be nil, in which case
// every send fails with ErrTransportUnavailable.
func New(store *conversation.Store, pub Publisher, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("engine requires a conversation store")
	}
	self := store.Identity()
	if self == "" {
		return nil, errors.New("engine requires a loaded identity")
	}

	e := &Engine{
		store:  store,
		pub:    pub,
		logger: slog.Default(),
		now:    time.Now,
		self:   self,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.norm = message.NewNormalizer(self, e.loc)
	return e, nil
}

// Identity returns the local identity.
func (e *Engine) Identity() string {
	return e.self
}

// Normalizer returns the engine's frame normalizer.
func (e *Engine) Normalizer() *message.Normalizer {
	return e.norm
}

// SetDraft replaces the composer draft.
func (e *Engine) SetDraft(text string) {
	e.mu.Lock()
	e.draft = text
	e.mu.Unlock()
	e.emit(events{{Kind: DraftChanged}})
}

// Draft returns the composer draft.
func (e *Engine) Draft() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.draft
}

// LiveBuffer returns a copy of the messages shown for the active
// conversation.
func (e *Engine) LiveBuffer() []message.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.live)
}

// Active returns the active peer and whether the conversation view is open.
func (e *Engine) Active() (peer string, open bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active, e.viewOpen && e.active != ""
}

// Contacts returns the contact list.
func (e *Engine) Contacts() []conversation.Contact {
	return e.store.Contacts()
}

// History returns the stored messages exchanged with peer.
func (e *Engine) History(peer string) []message.Message {
	return e.store.History(peer)
}

// Unread returns peer's unread counter.
func (e *Engine) Unread(peer string) int {
	return e.store.Unread(peer)
}

// UnreadCounts returns every non-zero unread counter.
func (e *Engine) UnreadCounts() map[string]int {
	return e.store.UnreadCounts()
}

// isOpen reports whether peer is the active conversation and the view is
// showing. Callers hold e.mu.
func (e *Engine) isOpen(peer string) bool {
	return e.viewOpen && e.active != "" && strings.EqualFold(e.active, peer)
}

func (e *Engine) emit(evs events) {
	if len(evs) == 0 {
		return
	}
	for _, ev := range evs {
		if ev.Kind == UnreadChanged {
			total := 0
			for _, n := range e.store.UnreadCounts() {
				total += n
			}
			e.metrics.SetUnread(total)
			break
		}
	}
	if e.observer == nil {
		return
	}
	for _, ev := range evs {
		e.observer(ev)
	}
}

func contactFor(peer string, m message.Message) conversation.Contact {
	return conversation.Contact{
		Username:           peer,
		LastMessagePreview: message.Preview(m.Content),
		LastActivityLabel:  m.DisplayTime,
	}
}
