// Package transport maintains the single broker connection of a chat client:
// connect with indefinite fixed-delay reconnects, the personal delivery
// subscription, presence announcements and acknowledged publishes.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/c360studio/rmachat/message"
	"github.com/c360studio/rmachat/metrics"
)

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMetrics records transport metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// WithStateObserver registers fn to be called on every state change.
// fn runs on the goroutine that observed the change and must not block.
func WithStateObserver(fn func(State)) Option {
	return func(a *Adapter) { a.observe = fn }
}

// WithNATSOptions appends raw connection options, applied after the
// adapter's own.
func WithNATSOptions(opts ...nats.Option) Option {
	return func(a *Adapter) { a.natsOpts = append(a.natsOpts, opts...) }
}

// Adapter owns at most one broker connection at a time.
type Adapter struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	observe  func(State)
	natsOpts []nats.Option

	mu     sync.Mutex
	handle *Handle
	state  atomic.Int32
}

// New returns a disconnected adapter.
func New(cfg Config, opts ...Option) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transport config: %w", err)
	}
	a := &Adapter{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Handle is one established (or establishing) connection. It is closed by
// the component that called Connect.
type Handle struct {
	id       string
	identity string
	subject  string
	a        *Adapter

	conn *nats.Conn
	sub  *nats.Subscription

	up        atomic.Bool
	closeOnce sync.Once
}

// ID returns a unique identifier of this connection instance.
func (h *Handle) ID() string { return h.id }

// Identity returns the identity the handle was opened for.
func (h *Handle) Identity() string { return h.identity }

// Subject returns the personal delivery subject.
func (h *Handle) Subject() string { return h.subject }

// Close tears the connection down. It is safe to call more than once.
func (h *Handle) Close() {
	h.a.release(h)
}

func (h *Handle) teardown() {
	h.closeOnce.Do(func() {
		if h.sub != nil {
			_ = h.sub.Unsubscribe()
		}
		if h.conn != nil {
			h.conn.Close()
		}
	})
}

// Connect dials the broker for identity and subscribes to its personal
// subject; onFrame receives every delivered frame body. Any previous handle
// is torn down first. The dial retries in the background, so Connect
// returns once the connection is set up even if the broker is unreachable.
func (a *Adapter) Connect(ctx context.Context, identity string, onFrame func([]byte)) (*Handle, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, ErrNoIdentity
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	old := a.handle
	a.handle = nil
	a.mu.Unlock()
	if old != nil {
		a.logger.Debug("Replacing broker connection", "handle", old.id)
		old.teardown()
	}

	h := &Handle{
		id:       uuid.NewString(),
		identity: identity,
		subject:  a.cfg.InboxSubject(identity),
		a:        a,
	}
	a.setState(Connecting)

	opts := []nats.Option{
		nats.Name(identity),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(a.cfg.ReconnectWait),
		nats.RetryOnFailedConnect(true),
		nats.ConnectHandler(func(nc *nats.Conn) { a.established(h, nc, false) }),
		nats.ReconnectHandler(func(nc *nats.Conn) { a.established(h, nc, true) }),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) { a.lost(h, err) }),
		nats.ClosedHandler(func(*nats.Conn) { a.closed(h) }),
	}
	if a.cfg.Token != "" {
		opts = append(opts, nats.Token(a.cfg.Token))
	}
	opts = append(opts, a.natsOpts...)

	conn, err := nats.Connect(a.cfg.URL, opts...)
	if err != nil {
		a.setState(Disconnected)
		return nil, fmt.Errorf("connect to %s: %w", a.cfg.URL, err)
	}
	h.conn = conn

	sub, err := conn.Subscribe(h.subject, func(msg *nats.Msg) {
		a.metrics.FrameReceived()
		if onFrame != nil {
			onFrame(msg.Data)
		}
	})
	if err != nil {
		conn.Close()
		a.setState(Disconnected)
		return nil, fmt.Errorf("subscribe %s: %w", h.subject, err)
	}
	h.sub = sub

	a.mu.Lock()
	a.handle = h
	a.mu.Unlock()

	if conn.IsConnected() {
		a.established(h, conn, false)
	}
	return h, nil
}

// Disconnect closes the current handle, if any.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	h := a.handle
	a.mu.Unlock()
	if h != nil {
		h.Close()
	}
}

// State returns the current connection state.
func (a *Adapter) State() State {
	return State(a.state.Load())
}

// Send publishes data to the send subject and waits for the broker to
// acknowledge it. Without a deadline on ctx, PublishTimeout applies.
func (a *Adapter) Send(ctx context.Context, data []byte) error {
	a.mu.Lock()
	h := a.handle
	a.mu.Unlock()

	if h == nil || a.State() != Connected {
		a.logger.Warn("Dropping send while not connected", "state", a.State())
		a.metrics.Published("not_connected")
		return ErrNotConnected
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.PublishTimeout)
		defer cancel()
	}

	if err := h.conn.Publish(a.cfg.SendSubject, data); err != nil {
		a.metrics.Published("error")
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	if err := h.conn.FlushWithContext(ctx); err != nil {
		a.metrics.Published("error")
		return fmt.Errorf("%w: flush: %w", ErrPublishFailed, err)
	}
	a.metrics.Published("ok")
	return nil
}

func (a *Adapter) isCurrent(h *Handle) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handle == h
}

func (a *Adapter) established(h *Handle, nc *nats.Conn, reconnect bool) {
	if !a.isCurrent(h) {
		return
	}
	if h.up.Swap(true) && !reconnect {
		return
	}
	if reconnect {
		a.metrics.Reconnected()
	}
	a.setState(Connected)
	a.logger.Info("Connected to broker",
		"url", nc.ConnectedUrlRedacted(),
		"identity", h.identity,
		"handle", h.id,
		"reconnect", reconnect)
	a.announce(nc, h.identity)
}

// announce publishes the presence frame so the broker binds deliveries to
// the identity.
func (a *Adapter) announce(nc *nats.Conn, identity string) {
	data, err := json.Marshal(message.Presence{Sender: identity})
	if err != nil {
		a.logger.Error("Failed to encode presence", "error", err)
		return
	}
	if err := nc.Publish(a.cfg.PresenceSubject, data); err != nil {
		a.logger.Warn("Failed to announce presence",
			"subject", a.cfg.PresenceSubject,
			"error", err)
	}
}

func (a *Adapter) lost(h *Handle, err error) {
	if !a.isCurrent(h) {
		return
	}
	h.up.Store(false)
	a.logger.Warn("Broker connection lost, reconnecting",
		"identity", h.identity,
		"retry_in", a.cfg.ReconnectWait,
		"error", err)
	a.setState(Connecting)
}

func (a *Adapter) closed(h *Handle) {
	a.mu.Lock()
	current := a.handle == h
	if current {
		a.handle = nil
	}
	a.mu.Unlock()
	if current {
		a.setState(Disconnected)
	}
}

func (a *Adapter) release(h *Handle) {
	a.mu.Lock()
	current := a.handle == h
	if current {
		a.handle = nil
	}
	a.mu.Unlock()

	h.teardown()
	if current {
		a.logger.Debug("Disconnected from broker", "handle", h.id)
		a.setState(Disconnected)
	}
}

func (a *Adapter) setState(s State) {
	old := State(a.state.Swap(int32(s)))
	if old == s {
		return
	}
	a.metrics.SetConnectionState(int(s))
	a.logger.Debug("Transport state changed", "from", old, "to", s)
	if a.observe != nil {
		a.observe(s)
	}
}
