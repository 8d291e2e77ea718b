package session

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
	"relaybot/internal/session/sessiontest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestManager(t *testing.T, d domain.Dialer, events *bus.EventBus) *Manager {
	m := NewManager(ManagerConfig{Dialer: d, Events: events, Logger: testLogger()})
	t.Cleanup(m.Close)
	return m
}

func TestManager_StartReachesActive(t *testing.T) {
	d := sessiontest.NewDialer()
	d.Add(42, sessiontest.NewSession(7))

	events := bus.NewEventBus(testLogger())
	var mu sync.Mutex
	var states []string
	events.On(bus.EventAccountState, func(e bus.Event) {
		mu.Lock()
		states = append(states, e.Payload["state"].(string))
		mu.Unlock()
	})

	m := newTestManager(t, d, events)
	h, err := m.Start(context.Background(), domain.Credential{AppID: 42, AppHash: "h", Identity: "+100"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.ID() != 42 {
		t.Errorf("expected account id 42, got %d", h.ID())
	}
	waitFor(t, "active", func() bool { return h.State() == domain.AccountActive })

	mu.Lock()
	defer mu.Unlock()
	want := []string{"registered", "starting", "active"}
	if len(states) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], states[i])
		}
	}
}

func TestManager_StartTwiceRejected(t *testing.T) {
	d := sessiontest.NewDialer()
	d.Add(42, sessiontest.NewSession(7))
	m := newTestManager(t, d, nil)

	cred := domain.Credential{AppID: 42}
	if _, err := m.Start(context.Background(), cred); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, err := m.Start(context.Background(), cred)
	if !errors.Is(err, domain.ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}
}

func TestManager_DialFailureIsTerminal(t *testing.T) {
	d := sessiontest.NewDialer()
	d.FailWith(9, errors.New("session file not authorized"))
	m := newTestManager(t, d, nil)

	h, err := m.Start(context.Background(), domain.Credential{AppID: 9})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-h.Done()

	if h.State() != domain.AccountFailed {
		t.Fatalf("expected failed, got %s", h.State())
	}
	if !errors.Is(h.Err(), domain.ErrSessionTerminal) {
		t.Errorf("expected ErrSessionTerminal cause, got %v", h.Err())
	}

	// A terminal account may be started again.
	d.FailWith(9, nil)
	d.Add(9, sessiontest.NewSession(1))
	h2, err := m.Start(context.Background(), domain.Credential{AppID: 9})
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitFor(t, "restart active", func() bool { return h2.State() == domain.AccountActive })
}

func TestManager_RunFailureAndSendAfterTerminal(t *testing.T) {
	d := sessiontest.NewDialer()
	s := sessiontest.NewSession(7)
	d.Add(42, s)
	m := newTestManager(t, d, nil)

	h, _ := m.Start(context.Background(), domain.Credential{AppID: 42})
	waitFor(t, "active", func() bool { return h.State() == domain.AccountActive })

	s.Fail(errors.New("connection reset"))
	<-h.Done()
	if h.State() != domain.AccountFailed {
		t.Fatalf("expected failed, got %s", h.State())
	}

	err := <-m.Send(context.Background(), h, 1001, domain.Text("hi"))
	if !errors.Is(err, domain.ErrSessionTerminal) {
		t.Errorf("expected ErrSessionTerminal, got %v", err)
	}
}

func TestManager_SubscribePreservesOrder(t *testing.T) {
	d := sessiontest.NewDialer()
	s := sessiontest.NewSession(7)
	d.Add(42, s)
	m := newTestManager(t, d, nil)

	h, _ := m.Start(context.Background(), domain.Credential{AppID: 42})

	var mu sync.Mutex
	var got []int64
	m.Subscribe(h, func(ev domain.InboundEvent) {
		if ev.AccountID != 42 {
			t.Errorf("event not stamped with account id: %d", ev.AccountID)
		}
		mu.Lock()
		got = append(got, ev.MessageID)
		mu.Unlock()
	})

	for i := int64(1); i <= 20; i++ {
		s.Deliver(domain.InboundEvent{ConversationID: 1001, MessageID: i, Content: domain.Text("x")})
	}
	waitFor(t, "all events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 20
	})

	mu.Lock()
	defer mu.Unlock()
	for i, id := range got {
		if id != int64(i+1) {
			t.Fatalf("events out of order: %v", got)
		}
	}
}

func TestManager_SubscriberPanicDoesNotStopDelivery(t *testing.T) {
	d := sessiontest.NewDialer()
	s := sessiontest.NewSession(7)
	d.Add(42, s)
	m := newTestManager(t, d, nil)

	h, _ := m.Start(context.Background(), domain.Credential{AppID: 42})
	delivered := make(chan int64, 2)
	m.Subscribe(h, func(ev domain.InboundEvent) {
		if ev.MessageID == 1 {
			panic("boom")
		}
		delivered <- ev.MessageID
	})

	s.Deliver(domain.InboundEvent{MessageID: 1})
	s.Deliver(domain.InboundEvent{MessageID: 2})

	select {
	case id := <-delivered:
		if id != 2 {
			t.Errorf("expected message 2, got %d", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("delivery stopped after subscriber panic")
	}
}

func TestManager_SendDeliversToSession(t *testing.T) {
	d := sessiontest.NewDialer()
	s := sessiontest.NewSession(7)
	d.Add(42, s)
	m := newTestManager(t, d, nil)

	h, _ := m.Start(context.Background(), domain.Credential{AppID: 42})
	waitFor(t, "active", func() bool { return h.State() == domain.AccountActive })

	if err := <-m.Send(context.Background(), h, 1001, domain.Text("hi")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sent := s.SentMessages()
	if len(sent) != 1 || sent[0].ConversationID != 1001 || sent[0].Content.Text != "hi" {
		t.Errorf("unexpected sent messages: %+v", sent)
	}

	s.SendErr = errors.New("flood wait")
	if err := <-m.Send(context.Background(), h, 1001, domain.Text("again")); err == nil {
		t.Error("expected send error to be reported")
	}
}

func TestManager_StopAndAccounts(t *testing.T) {
	d := sessiontest.NewDialer()
	d.Add(2, sessiontest.NewSession(20))
	d.Add(1, sessiontest.NewSession(10))
	m := newTestManager(t, d, nil)

	h1, _ := m.Start(context.Background(), domain.Credential{AppID: 2, Identity: "bob"})
	h2, _ := m.Start(context.Background(), domain.Credential{AppID: 1, Identity: "alice"})
	waitFor(t, "both active", func() bool {
		return h1.State() == domain.AccountActive && h2.State() == domain.AccountActive
	})

	if err := m.Stop(2); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if st, _ := m.State(2); st != domain.AccountStopped {
		t.Errorf("expected stopped, got %s", st)
	}
	if _, err := m.State(99); !errors.Is(err, domain.ErrUnknownAccount) {
		t.Errorf("expected ErrUnknownAccount, got %v", err)
	}

	accts := m.Accounts()
	if len(accts) != 2 || accts[0].ID != 1 || accts[1].ID != 2 {
		t.Fatalf("unexpected accounts %+v", accts)
	}
	if accts[0].Identity != "alice" || accts[0].State != domain.AccountActive {
		t.Errorf("unexpected first account %+v", accts[0])
	}
}

func TestManager_CloseStopsEverything(t *testing.T) {
	d := sessiontest.NewDialer()
	d.Add(1, sessiontest.NewSession(10))
	m := NewManager(ManagerConfig{Dialer: d, Logger: testLogger()})

	h, _ := m.Start(context.Background(), domain.Credential{AppID: 1})
	waitFor(t, "active", func() bool { return h.State() == domain.AccountActive })

	m.Close()
	if h.State() != domain.AccountStopped {
		t.Errorf("expected stopped after Close, got %s", h.State())
	}
	if _, err := m.Start(context.Background(), domain.Credential{AppID: 3}); err == nil {
		t.Error("Start after Close should fail")
	}
}

func TestManager_StartRacingClose(t *testing.T) {
	d := sessiontest.NewDialer()
	for i := int64(1); i <= 20; i++ {
		d.Add(i, sessiontest.NewSession(100+i))
	}
	m := NewManager(ManagerConfig{Dialer: d, Logger: testLogger()})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		handles []*Handle
	)
	for i := int64(1); i <= 20; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if h, err := m.Start(context.Background(), domain.Credential{AppID: id}); err == nil {
				mu.Lock()
				handles = append(handles, h)
				mu.Unlock()
			}
		}(i)
	}
	m.Close()
	wg.Wait()

	// Every account that got in before Close must have been wound down by it.
	for _, h := range handles {
		if !h.State().Terminal() {
			t.Errorf("account %d left in %s after Close", h.ID(), h.State())
		}
	}
}
