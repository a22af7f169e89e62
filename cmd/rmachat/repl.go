package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/c360studio/rmachat/conversation"
	"github.com/c360studio/rmachat/engine"
	"github.com/c360studio/rmachat/message"
	"github.com/c360studio/rmachat/transport"
)

type stateSource interface {
	State() transport.State
}

// REPL is the terminal presentation of the engine: it renders engine events
// and turns input lines into engine operations.
type REPL struct {
	eng  *engine.Engine
	conn stateSource

	mu    sync.Mutex
	out   io.Writer
	shown map[message.Key]bool
}

// NewREPL creates a REPL writing to out.
func NewREPL(out io.Writer) *REPL {
	return &REPL{out: out, shown: make(map[message.Key]bool)}
}

// Attach binds the REPL to the engine and connection it presents.
func (r *REPL) Attach(eng *engine.Engine, conn stateSource) {
	r.eng = eng
	r.conn = conn
}

func (r *REPL) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// ConnectionChanged reports transport state changes.
func (r *REPL) ConnectionChanged(s transport.State) {
	r.printf("[%s]\n", s)
}

// Render re-renders the parts of the screen affected by ev.
func (r *REPL) Render(ev engine.Event) {
	if r.eng == nil {
		return
	}
	switch ev.Kind {
	case engine.ConversationChanged, engine.ScrollToLatest:
		r.flushLive()
	case engine.UnreadChanged:
		if n := r.eng.Unread(ev.Peer); n > 0 {
			r.printf("* %s: %d unread\n", ev.Peer, n)
		}
	case engine.DraftChanged:
		if ev.Err != nil {
			r.draftKept()
		}
	case engine.ErrorRaised:
		r.printf("! %v\n", ev.Err)
	}
}

// flushLive prints live buffer messages not shown yet.
func (r *REPL) flushLive() {
	peer, open := r.eng.Active()
	if !open {
		return
	}
	live := r.eng.LiveBuffer()

	r.mu.Lock()
	defer r.mu.Unlock()
	// Messages rolled back out of the buffer may be sent again with the
	// same key, so only what is still live counts as shown.
	current := make(map[message.Key]bool, len(live))
	for _, m := range live {
		key := m.KeyFor(peer)
		current[key] = true
		if !r.shown[key] {
			fmt.Fprintln(r.out, formatMessage(m))
		}
	}
	r.shown = current
}

func formatMessage(m message.Message) string {
	who := m.Sender
	if m.IsSelf {
		who = "you"
	}
	return fmt.Sprintf("[%s] %s: %s", m.DisplayTime, who, m.Content)
}

// Run reads commands from in until it ends, a quit command is entered or
// ctx is done.
func (r *REPL) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	done := make(chan struct{})
	defer close(done)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()

	r.printf("Logged in as %s. Type /help for commands.\n", r.eng.Identity())
	for {
		r.prompt()
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				// EOF (Ctrl+D)
				return nil
			}
			if r.Execute(ctx, line) {
				return nil
			}
		}
	}
}

func (r *REPL) prompt() {
	if peer, open := r.eng.Active(); open {
		r.printf("%s> ", peer)
		return
	}
	r.printf("%s> ", appName)
}

// Execute runs one input line and reports whether the REPL should exit.
func (r *REPL) Execute(ctx context.Context, input string) bool {
	input = strings.TrimSpace(input)
	switch {
	case input == "":
		return false
	case input == "quit" || input == "exit":
		return true
	case strings.HasPrefix(input, "/"):
		return r.handleCommand(ctx, input)
	case strings.HasPrefix(input, "@"):
		peer, text, _ := strings.Cut(input[1:], " ")
		r.send(ctx, peer, text)
		return false
	default:
		peer, _ := r.eng.Active()
		r.send(ctx, peer, input)
		return false
	}
}

func (r *REPL) draftKept() {
	if d := r.eng.Draft(); d != "" {
		r.printf("draft kept: %q (/retry to send again)\n", d)
	}
}

func (r *REPL) send(ctx context.Context, peer, text string) {
	if err := r.eng.HandleSend(ctx, peer, text); err != nil {
		// /retry resends to the active peer, so only its text is kept.
		active, _ := r.eng.Active()
		if errors.Is(err, engine.ErrTransportUnavailable) && strings.EqualFold(active, peer) {
			r.eng.SetDraft(text)
			r.draftKept()
		}
		r.report(err)
		return
	}
	if active, open := r.eng.Active(); !open || !strings.EqualFold(active, peer) {
		r.printf("sent to %s\n", peer)
	}
}

// report prints err unless the engine already raised it as an event.
func (r *REPL) report(err error) {
	for _, raised := range []error{
		engine.ErrTransportUnavailable,
		engine.ErrPublishFailed,
		engine.ErrBackfillFailed,
		engine.ErrContactLookupFailed,
	} {
		if errors.Is(err, raised) {
			return
		}
	}
	r.printf("! %v\n", err)
}

func (r *REPL) handleCommand(ctx context.Context, input string) bool {
	cmd, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/help":
		r.printf(`Available commands:
  /open <user>     - Open a conversation (validates new users)
  /close           - Close the current conversation
  /hide, /show     - Hide or show the conversation view
  /add <user>      - Add a contact
  /contacts        - List contacts and unread counts
  /users           - Merge the user directory into contacts
  /history [user]  - Print stored history
  /retry           - Send the kept draft again
  /status          - Show connection status
  /quit            - Exit
  @user <text>     - Send to a user without opening the conversation
  <text>           - Send to the open conversation
`)

	case "/status":
		peer, open := r.eng.Active()
		state := transport.Disconnected
		if r.conn != nil {
			state = r.conn.State()
		}
		r.printf("Identity: %s\nConnection: %s\n", r.eng.Identity(), state)
		if peer != "" {
			r.printf("Conversation: %s (open: %t)\n", peer, open)
		}

	case "/contacts":
		contacts, unread := r.eng.Contacts(), r.eng.UnreadCounts()
		r.mu.Lock()
		printContacts(r.out, contacts, unread)
		r.mu.Unlock()

	case "/users":
		added, err := r.eng.SyncDirectory(ctx)
		if err != nil {
			r.report(err)
			break
		}
		r.printf("%d new contacts\n", added)

	case "/add":
		if err := r.eng.AddContact(arg); err != nil {
			r.report(err)
			break
		}
		r.printf("added %s\n", arg)

	case "/open":
		r.open(ctx, arg)

	case "/close":
		r.eng.CloseConversation()

	case "/hide":
		r.eng.SetViewOpen(false)

	case "/show":
		r.resetShown()
		r.eng.SetViewOpen(true)

	case "/history":
		peer := arg
		if peer == "" {
			peer, _ = r.eng.Active()
		}
		if peer == "" {
			r.report(engine.ErrNoPeerSelected)
			break
		}
		history := r.eng.History(peer)
		r.mu.Lock()
		printHistory(r.out, peer, history)
		r.mu.Unlock()

	case "/retry":
		peer, _ := r.eng.Active()
		r.send(ctx, peer, r.eng.Draft())

	case "/quit", "/exit":
		return true

	default:
		r.printf("Unknown command: %s\nType /help for available commands.\n", cmd)
	}
	return false
}

func (r *REPL) open(ctx context.Context, name string) {
	if name == "" {
		r.report(engine.ErrNoPeerSelected)
		return
	}
	known := false
	for _, c := range r.eng.Contacts() {
		if strings.EqualFold(c.Username, name) {
			known = true
			break
		}
	}

	r.resetShown()
	r.printf("--- %s ---\n", name)

	var err error
	if known {
		err = r.eng.OpenConversation(ctx, name)
	} else {
		err = r.eng.StartConversation(ctx, name)
	}
	if err != nil {
		r.report(err)
	}
}

func (r *REPL) resetShown() {
	r.mu.Lock()
	r.shown = make(map[message.Key]bool)
	r.mu.Unlock()
}

func printContacts(out io.Writer, contacts []conversation.Contact, unread map[string]int) {
	if len(contacts) == 0 {
		fmt.Fprintln(out, "No contacts yet.")
		return
	}
	for _, c := range contacts {
		line := "  " + c.Username
		for peer, n := range unread {
			if strings.EqualFold(peer, c.Username) {
				line += fmt.Sprintf(" (%d)", n)
			}
		}
		if c.LastMessagePreview != "" {
			line += fmt.Sprintf("  %s [%s]", c.LastMessagePreview, c.LastActivityLabel)
		}
		fmt.Fprintln(out, line)
	}
}

func printHistory(out io.Writer, peer string, msgs []message.Message) {
	if len(msgs) == 0 {
		fmt.Fprintf(out, "No messages with %s.\n", peer)
		return
	}
	fmt.Fprintf(out, "Conversation with %s (%d messages)\n", peer, len(msgs))
	for _, m := range msgs {
		fmt.Fprintln(out, formatMessage(m))
	}
}
