package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/rmachat/metrics"
	"github.com/c360studio/rmachat/testutil"
)

const waitFor = 5 * time.Second

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) seen(s State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.states {
		if got == s {
			return true
		}
	}
	return false
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.ReconnectWait = 50 * time.Millisecond
	cfg.PublishTimeout = time.Second
	return cfg
}

func newAdapter(t *testing.T, url string, opts ...Option) *Adapter {
	t.Helper()
	a, err := New(testConfig(url), opts...)
	require.NoError(t, err)
	t.Cleanup(a.Disconnect)
	return a
}

// rawConn opens a plain client used to observe and inject traffic.
func rawConn(t *testing.T, url string) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func frames() (chan []byte, func([]byte)) {
	ch := make(chan []byte, 16)
	return ch, func(b []byte) { ch <- b }
}

func receive(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestSubjectToken(t *testing.T) {
	tests := []struct {
		identity string
		want     string
	}{
		{"alice", "alice"},
		{"Alice", "alice"},
		{"a.b@x.io", "a%2Eb%40x%2Eio"},
		{"bob_smith-2", "bob_smith-2"},
		{"a b", "a%20b"},
		{"a*>", "a%2A%3E"},
	}

	for _, tt := range tests {
		t.Run(tt.identity, func(t *testing.T) {
			assert.Equal(t, tt.want, SubjectToken(tt.identity))
		})
	}
}

func TestConfig_InboxSubject(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "chat.user.alice.messages", cfg.InboxSubject("Alice"))
	assert.Equal(t, "chat.user.a%2Eb%40x%2Eio.messages", cfg.InboxSubject("a.b@x.io"))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"no url", func(c *Config) { c.URL = "" }, true},
		{"no send subject", func(c *Config) { c.SendSubject = "" }, true},
		{"wildcard prefix", func(c *Config) { c.InboxPrefix = "chat.*" }, true},
		{"zero reconnect wait", func(c *Config) { c.ReconnectWait = 0 }, true},
		{"zero publish timeout", func(c *Config) { c.PublishTimeout = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "unknown", State(9).String())
}

func TestAdapter_ConnectAnnouncesPresence(t *testing.T) {
	ns := testutil.StartNATS(t)
	observer := rawConn(t, ns.URL())

	presence := make(chan []byte, 4)
	_, err := observer.Subscribe("chat.addUser", func(m *nats.Msg) { presence <- m.Data })
	require.NoError(t, err)
	require.NoError(t, observer.Flush())

	a := newAdapter(t, ns.URL())
	h, err := a.Connect(context.Background(), "alice", nil)
	require.NoError(t, err)

	assert.Equal(t, "alice", h.Identity())
	assert.Equal(t, "chat.user.alice.messages", h.Subject())
	assert.NotEmpty(t, h.ID())
	assert.Eventually(t, func() bool { return a.State() == Connected }, waitFor, 10*time.Millisecond)
	assert.JSONEq(t, `{"sender":"alice"}`, string(receive(t, presence)))
}

func TestAdapter_DeliversPersonalFrames(t *testing.T) {
	ns := testutil.StartNATS(t)
	peer := rawConn(t, ns.URL())

	ch, onFrame := frames()
	a := newAdapter(t, ns.URL())
	_, err := a.Connect(context.Background(), "Alice", onFrame)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.State() == Connected }, waitFor, 10*time.Millisecond)

	require.NoError(t, peer.Publish("chat.user.bob.messages", []byte("not mine")))
	require.NoError(t, peer.Publish("chat.user.alice.messages", []byte(`{"sender":"bob"}`)))
	require.NoError(t, peer.Flush())

	assert.Equal(t, `{"sender":"bob"}`, string(receive(t, ch)))
}

func TestAdapter_Send(t *testing.T) {
	ns := testutil.StartNATS(t)
	observer := rawConn(t, ns.URL())

	sent := make(chan []byte, 1)
	_, err := observer.Subscribe("chat.sendMessage", func(m *nats.Msg) { sent <- m.Data })
	require.NoError(t, err)
	require.NoError(t, observer.Flush())

	m := metrics.New()
	a := newAdapter(t, ns.URL(), WithMetrics(m))
	_, err = a.Connect(context.Background(), "alice", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.State() == Connected }, waitFor, 10*time.Millisecond)

	require.NoError(t, a.Send(context.Background(), []byte(`{"content":"yo"}`)))
	assert.Equal(t, `{"content":"yo"}`, string(receive(t, sent)))
}

func TestAdapter_SendWhileNotConnected(t *testing.T) {
	ns := testutil.StartNATS(t)
	a := newAdapter(t, ns.URL())

	err := a.Send(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = a.Connect(context.Background(), "alice", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.State() == Connected }, waitFor, 10*time.Millisecond)

	a.Disconnect()
	assert.Equal(t, Disconnected, a.State())
	assert.ErrorIs(t, a.Send(context.Background(), []byte("x")), ErrNotConnected)
}

func TestAdapter_ConnectRejectsEmptyIdentity(t *testing.T) {
	a, err := New(testConfig("nats://127.0.0.1:1"))
	require.NoError(t, err)

	_, err = a.Connect(context.Background(), " ", nil)
	assert.ErrorIs(t, err, ErrNoIdentity)
	assert.Equal(t, Disconnected, a.State())
}

func TestAdapter_ConnectReplacesHandle(t *testing.T) {
	ns := testutil.StartNATS(t)
	a := newAdapter(t, ns.URL())

	first, err := a.Connect(context.Background(), "alice", nil)
	require.NoError(t, err)
	second, err := a.Connect(context.Background(), "carol", nil)
	require.NoError(t, err)

	assert.True(t, first.conn.IsClosed())
	assert.False(t, second.conn.IsClosed())
	assert.NotEqual(t, first.ID(), second.ID())
	assert.Eventually(t, func() bool { return a.State() == Connected }, waitFor, 10*time.Millisecond)

	// Closing a stale handle does not affect the current one.
	first.Close()
	assert.Equal(t, Connected, a.State())

	second.Close()
	second.Close()
	assert.Equal(t, Disconnected, a.State())
}

func TestAdapter_ReconnectsAfterBrokerRestart(t *testing.T) {
	ns := testutil.StartNATS(t)
	url := ns.URL()

	rec := &stateRecorder{}
	ch, onFrame := frames()
	a := newAdapter(t, url, WithStateObserver(rec.record), WithMetrics(metrics.New()))

	_, err := a.Connect(context.Background(), "alice", onFrame)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.State() == Connected }, waitFor, 10*time.Millisecond)

	ns.Shutdown()
	require.Eventually(t, func() bool { return a.State() == Connecting }, waitFor, 10*time.Millisecond)
	assert.ErrorIs(t, a.Send(context.Background(), []byte("x")), ErrNotConnected)

	ns.Restart()
	require.Eventually(t, func() bool { return a.State() == Connected }, waitFor, 10*time.Millisecond)

	peer := rawConn(t, url)
	assert.Eventually(t, func() bool {
		_ = peer.Publish("chat.user.alice.messages", []byte("after restart"))
		_ = peer.Flush()
		select {
		case b := <-ch:
			return string(b) == "after restart"
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, waitFor, 10*time.Millisecond)

	assert.True(t, rec.seen(Connecting))
	assert.True(t, rec.seen(Connected))
}

func TestAdapter_ConnectRetriesUntilBrokerIsUp(t *testing.T) {
	ns := testutil.StartNATS(t)
	url := ns.URL()
	ns.Shutdown()

	a := newAdapter(t, url)
	_, err := a.Connect(context.Background(), "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, Connecting, a.State())

	ns.Restart()
	assert.Eventually(t, func() bool { return a.State() == Connected }, waitFor, 10*time.Millisecond)
}
