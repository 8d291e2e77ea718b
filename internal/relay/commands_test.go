package relay

import (
	"context"
	"errors"
	"strings"
	"testing"

	"relaybot/internal/domain"
	"relaybot/internal/session/sessiontest"
)

func TestParseAddCommand(t *testing.T) {
	tests := []struct {
		args    string
		want    domain.Credential
		wantErr bool
	}{
		{args: "12345 abcdef +15550100", want: domain.Credential{AppID: 12345, AppHash: "abcdef", Identity: "+15550100"}},
		{args: "  12345   abcdef   alice  ", want: domain.Credential{AppID: 12345, AppHash: "abcdef", Identity: "alice"}},
		{args: "", wantErr: true},
		{args: "12345 abcdef", wantErr: true},
		{args: "12345 abcdef alice extra", wantErr: true},
		{args: "notanumber abcdef alice", wantErr: true},
		{args: "-5 abcdef alice", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseAddCommand(tt.args)
		if tt.wantErr {
			if !errors.Is(err, domain.ErrInvalidCommand) {
				t.Errorf("ParseAddCommand(%q): expected ErrInvalidCommand, got %v", tt.args, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseAddCommand(%q): %v", tt.args, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseAddCommand(%q) = %+v, want %+v", tt.args, got, tt.want)
		}
	}
}

func TestDispatcher_MalformedAddLeavesStoreUntouched(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	for _, args := range []string{"", "1 2", "abc hash alice", "1 hash alice extra"} {
		h.dispatcher.Handle(ctx, domain.OperatorMessage{Command: "add", Args: args})
	}

	creds, err := h.credentials.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(creds) != 0 {
		t.Errorf("malformed /add stored credentials: %+v", creds)
	}
	if len(h.manager.Accounts()) != 0 {
		t.Error("malformed /add started an account")
	}
	notes := h.conduit.Notes()
	if len(notes) != 4 || !strings.HasPrefix(notes[0], "Usage: /add") {
		t.Errorf("expected usage replies, got %q", notes)
	}
}

func TestDispatcher_AddStartsAccount(t *testing.T) {
	h := newHarness(t, 0)
	h.dialer.Add(12345, aliceSession())
	ctx := context.Background()

	h.dispatcher.Handle(ctx, domain.OperatorMessage{Command: "add", Args: "12345 abcdef +15550100"})

	creds, _ := h.credentials.List(ctx)
	if len(creds) != 1 || creds[0].AppID != 12345 || creds[0].Identity != "+15550100" {
		t.Fatalf("unexpected credentials %+v", creds)
	}
	handle, ok := h.manager.Lookup(12345)
	if !ok {
		t.Fatal("account not registered")
	}
	waitFor(t, "account active", func() bool { return handle.State() == domain.AccountActive })

	notes := h.conduit.Notes()
	if len(notes) != 1 || notes[0] != "Adding account +15550100..." {
		t.Errorf("unexpected notes %q", notes)
	}

	// A second /add of a running account is refused and not stored twice.
	h.dispatcher.Handle(ctx, domain.OperatorMessage{Command: "add", Args: "12345 abcdef +15550100"})
	creds, _ = h.credentials.List(ctx)
	if len(creds) != 1 {
		t.Errorf("duplicate credential stored: %+v", creds)
	}
	if notes := h.conduit.Notes(); !strings.Contains(notes[len(notes)-1], "already") {
		t.Errorf("expected already-running reply, got %q", notes[len(notes)-1])
	}
}

func TestDispatcher_StartAccountsFromStore(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	for _, id := range []int64{1, 2} {
		h.dialer.Add(id, sessiontest.NewSession(id))
		if err := h.credentials.Add(ctx, domain.Credential{AppID: id, AppHash: "h", Identity: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	h.dialer.FailWith(3, errors.New("no session file"))
	_ = h.credentials.Add(ctx, domain.Credential{AppID: 3, AppHash: "h", Identity: "y"})

	if err := h.dispatcher.StartAccounts(ctx); err != nil {
		t.Fatalf("StartAccounts: %v", err)
	}
	waitFor(t, "accounts settled", func() bool {
		a := h.manager.Accounts()
		return len(a) == 3 && a[0].State == domain.AccountActive && a[1].State == domain.AccountActive && a[2].State == domain.AccountFailed
	})

	h.dispatcher.Handle(ctx, domain.OperatorMessage{Command: "accounts"})
	notes := h.conduit.Notes()
	text := notes[len(notes)-1]
	if !strings.Contains(text, "1 x: active") || !strings.Contains(text, "3 y: failed") {
		t.Errorf("unexpected accounts listing %q", text)
	}
}

func TestDispatcher_RepliesAndOtherMessages(t *testing.T) {
	h := newHarness(t, 0)
	s := aliceSession()
	h.account(42, s)
	ctx := context.Background()
	_ = h.correlations.Put(ctx, domain.CorrelationEntry{NotificationID: 10, AccountID: 42, ConversationID: 1001})

	h.dispatcher.Handle(ctx, domain.OperatorMessage{ReplyTo: 10, Content: domain.Text("hi")})
	waitFor(t, "reply sent", func() bool { return len(s.SentMessages()) == 1 })

	// Unknown notification: dropped without telling the operator.
	h.dispatcher.Handle(ctx, domain.OperatorMessage{ReplyTo: 11, Content: domain.Text("hi")})
	if len(h.conduit.Notes()) != 0 {
		t.Errorf("correlation miss should be silent, got %q", h.conduit.Notes())
	}

	h.dispatcher.Handle(ctx, domain.OperatorMessage{Content: domain.Text("hello?")})
	h.dispatcher.Handle(ctx, domain.OperatorMessage{Command: "status"})
	h.dispatcher.Handle(ctx, domain.OperatorMessage{Command: "frobnicate"})
	notes := h.conduit.Notes()
	if len(notes) != 3 {
		t.Fatalf("expected 3 notes, got %q", notes)
	}
	if !strings.HasPrefix(notes[0], "Reply to a notification") {
		t.Errorf("hint = %q", notes[0])
	}
	if !strings.Contains(notes[1], "Accounts: 1 active of 1") || !strings.Contains(notes[1], "Tracked notifications: 1") {
		t.Errorf("status = %q", notes[1])
	}
	if !strings.HasPrefix(notes[2], "Unknown command /frobnicate") {
		t.Errorf("unknown = %q", notes[2])
	}
}

func TestDispatcher_ReplyStartingWithSlashIsRouted(t *testing.T) {
	h := newHarness(t, 0)
	s := aliceSession()
	h.account(42, s)
	ctx := context.Background()
	_ = h.correlations.Put(ctx, domain.CorrelationEntry{NotificationID: 10, AccountID: 42, ConversationID: 1001})

	h.dispatcher.Handle(ctx, domain.OperatorMessage{ReplyTo: 10, Command: "help", Content: domain.Text("/help")})
	waitFor(t, "reply sent", func() bool { return len(s.SentMessages()) == 1 })
	if out := s.SentMessages(); out[0].ConversationID != 1001 || out[0].Content.Text != "/help" {
		t.Errorf("unexpected native send %+v", out)
	}
	if notes := h.conduit.Notes(); len(notes) != 0 {
		t.Errorf("reply was handled as a command: %q", notes)
	}

	// A command in reply to something that is not a notification still runs.
	h.dispatcher.Handle(ctx, domain.OperatorMessage{ReplyTo: 99, Command: "status", Content: domain.Text("/status")})
	if notes := h.conduit.Notes(); len(notes) != 1 || !strings.Contains(notes[0], "Accounts:") {
		t.Errorf("expected status reply, got %q", notes)
	}
}
