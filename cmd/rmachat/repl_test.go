package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/rmachat/conversation"
	"github.com/c360studio/rmachat/engine"
	"github.com/c360studio/rmachat/message"
	"github.com/c360studio/rmachat/storage"
	"github.com/c360studio/rmachat/transport"
)

type stubPublisher struct {
	mu    sync.Mutex
	state transport.State
	err   error
	sent  int
}

func (p *stubPublisher) State() transport.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *stubPublisher) Send(context.Context, []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent++
	return nil
}

func (p *stubPublisher) set(state transport.State, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = state
	p.err = err
}

func (p *stubPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}

type replFixture struct {
	repl *REPL
	eng  *engine.Engine
	pub  *stubPublisher
	out  *bytes.Buffer
}

func newREPLFixture(t *testing.T) *replFixture {
	t.Helper()

	store, err := conversation.Open(storage.NewMemoryBackend(), "alice")
	require.NoError(t, err)

	f := &replFixture{
		pub: &stubPublisher{state: transport.Connected},
		out: &bytes.Buffer{},
	}
	f.repl = NewREPL(f.out)
	f.eng, err = engine.New(store, f.pub,
		engine.WithClock(func() time.Time { return time.Date(2024, 1, 1, 10, 5, 0, 0, time.UTC) }),
		engine.WithLocation(time.UTC),
		engine.WithObserver(f.repl.Render))
	require.NoError(t, err)
	f.repl.Attach(f.eng, f.pub)
	return f
}

func (f *replFixture) exec(t *testing.T, lines ...string) string {
	t.Helper()
	f.out.Reset()
	for _, line := range lines {
		require.False(t, f.repl.Execute(context.Background(), line), "unexpected quit on %q", line)
	}
	return f.out.String()
}

func TestREPL_SendToOpenConversation(t *testing.T) {
	f := newREPLFixture(t)

	out := f.exec(t, "/open bob")
	assert.Contains(t, out, "--- bob ---")

	out = f.exec(t, "hello")
	assert.Contains(t, out, "[10:05] you: hello")
	assert.NotContains(t, out, "sent to")
	assert.Equal(t, 1, f.pub.count())

	// Showing the view again redraws each message once.
	out = f.exec(t, "/hide", "/show")
	assert.Equal(t, 1, strings.Count(out, "you: hello"))
}

func TestREPL_DirectSendToClosedConversation(t *testing.T) {
	f := newREPLFixture(t)

	out := f.exec(t, "@bob yo there")
	assert.Contains(t, out, "sent to bob")
	assert.Equal(t, 1, f.pub.count())
	require.Len(t, f.eng.History("bob"), 1)
	assert.Equal(t, "yo there", f.eng.History("bob")[0].Content)
}

func TestREPL_IncomingMessages(t *testing.T) {
	f := newREPLFixture(t)

	f.out.Reset()
	f.eng.HandleIncoming(message.Frame{
		Sender: "bob", Receiver: "alice", Content: "hi", Type: "CHAT",
		Timestamp: "2024-01-01T10:00:00Z",
	})
	assert.Contains(t, f.out.String(), "* bob: 1 unread")

	out := f.exec(t, "/open bob")
	assert.Contains(t, out, "[10:00] bob: hi")
	assert.Equal(t, 0, f.eng.Unread("bob"))

	f.out.Reset()
	f.eng.HandleIncoming(message.Frame{
		Sender: "bob", Receiver: "alice", Content: "still there?", Type: "CHAT",
		Timestamp: "2024-01-01T10:01:00Z",
	})
	assert.Contains(t, f.out.String(), "[10:01] bob: still there?")
	assert.NotContains(t, f.out.String(), "unread")

	out = f.exec(t, "/contacts")
	assert.Contains(t, out, "bob")
	assert.Contains(t, out, "still there? [10:01]")
}

func TestREPL_NotConnected(t *testing.T) {
	f := newREPLFixture(t)
	f.exec(t, "/open bob")
	f.pub.set(transport.Disconnected, nil)

	out := f.exec(t, "yo")
	assert.Equal(t, 1, strings.Count(out, engine.ErrTransportUnavailable.Error()))
	assert.Contains(t, out, `draft kept: "yo"`)
	assert.Zero(t, f.pub.count())

	f.pub.set(transport.Connected, nil)
	f.exec(t, "/retry")
	assert.Equal(t, 1, f.pub.count())
}

func TestREPL_DirectSendNotConnected(t *testing.T) {
	f := newREPLFixture(t)
	f.pub.set(transport.Disconnected, nil)

	out := f.exec(t, "@bob yo")
	assert.Equal(t, 1, strings.Count(out, engine.ErrTransportUnavailable.Error()))
	assert.NotContains(t, out, "sent to")
	assert.NotContains(t, out, "draft kept")
	assert.Zero(t, f.pub.count())
}

func TestREPL_PlainDraftChangeIsQuiet(t *testing.T) {
	f := newREPLFixture(t)

	f.out.Reset()
	f.eng.SetDraft("half typed")
	assert.NotContains(t, f.out.String(), "draft kept")
}

func TestREPL_FailedSendKeepsDraft(t *testing.T) {
	f := newREPLFixture(t)
	f.exec(t, "/open bob")
	f.pub.set(transport.Connected, errors.New("boom"))

	out := f.exec(t, "hello")
	assert.Contains(t, out, `draft kept: "hello"`)
	assert.Equal(t, 1, strings.Count(out, engine.ErrPublishFailed.Error()))
	assert.Empty(t, f.eng.History("bob"))

	f.pub.set(transport.Connected, nil)
	out = f.exec(t, "/retry")
	assert.Contains(t, out, "[10:05] you: hello")
	assert.Equal(t, 1, f.pub.count())
	assert.Empty(t, f.eng.Draft())
	require.Len(t, f.eng.History("bob"), 1)
}

func TestREPL_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"open self", "/open alice", engine.ErrSelfContact.Error()},
		{"open nobody", "/open", engine.ErrNoPeerSelected.Error()},
		{"send without conversation", "hello", engine.ErrNoPeerSelected.Error()},
		{"empty direct send", "@bob   ", engine.ErrEmptyMessage.Error()},
		{"add empty", "/add", engine.ErrInvalidUsername.Error()},
		{"history without conversation", "/history", engine.ErrNoPeerSelected.Error()},
		{"users without directory", "/users", "no directory configured"},
		{"unknown command", "/bogus", "Unknown command: /bogus"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newREPLFixture(t)
			assert.Contains(t, f.exec(t, tt.input), tt.want)
		})
	}
}

func TestREPL_ContactsAndHistory(t *testing.T) {
	f := newREPLFixture(t)

	assert.Contains(t, f.exec(t, "/contacts"), "No contacts yet.")
	assert.Contains(t, f.exec(t, "/add bob"), "added bob")
	assert.Contains(t, f.exec(t, "/add bob"), engine.ErrDuplicateContact.Error())
	assert.Contains(t, f.exec(t, "/history bob"), "No messages with bob.")

	f.exec(t, "@bob first", "@bob second")
	out := f.exec(t, "/history bob")
	assert.Contains(t, out, "Conversation with bob (2 messages)")
	assert.Less(t, strings.Index(out, "you: first"), strings.Index(out, "you: second"))
}

func TestREPL_Status(t *testing.T) {
	f := newREPLFixture(t)
	f.exec(t, "/open bob")

	out := f.exec(t, "/status")
	assert.Contains(t, out, "Identity: alice")
	assert.Contains(t, out, "Connection: connected")
	assert.Contains(t, out, "Conversation: bob (open: true)")

	f.exec(t, "/close")
	peer, open := f.eng.Active()
	assert.Empty(t, peer)
	assert.False(t, open)
}

func TestREPL_Quit(t *testing.T) {
	for _, input := range []string{"/quit", "/exit", "quit", "exit", "  quit  "} {
		f := newREPLFixture(t)
		assert.True(t, f.repl.Execute(context.Background(), input), input)
	}
}

func TestREPL_Run(t *testing.T) {
	f := newREPLFixture(t)

	in := strings.NewReader("/add bob\n\n/contacts\n/quit\n/add carol\n")
	require.NoError(t, f.repl.Run(context.Background(), in))

	assert.Contains(t, f.out.String(), "Logged in as alice")
	contacts := f.eng.Contacts()
	require.Len(t, contacts, 1)
	assert.Equal(t, "bob", contacts[0].Username)
}

func TestREPL_RunStopsAtEOF(t *testing.T) {
	f := newREPLFixture(t)
	require.NoError(t, f.repl.Run(context.Background(), strings.NewReader("/add bob")))
	assert.Len(t, f.eng.Contacts(), 1)
}

func TestREPL_RunStopsOnCancel(t *testing.T) {
	f := newREPLFixture(t)

	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.repl.Run(ctx, pr) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestPrintContacts(t *testing.T) {
	var buf bytes.Buffer
	printContacts(&buf, []conversation.Contact{
		{Username: "bob", LastMessagePreview: "hi", LastActivityLabel: "10:00"},
		{Username: "carol"},
	}, map[string]int{"Bob": 2})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "  bob (2)  hi [10:00]", lines[0])
	assert.Equal(t, "  carol", lines[1])
}
