// Package sessiontest provides in-memory account sessions for tests.
package sessiontest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"relaybot/internal/domain"
)

// Sent records one outbound message of a fake session.
type Sent struct {
	ConversationID int64
	Content        domain.Content
}

// Viewed records one MarkViewed call.
type Viewed struct {
	ConversationID int64
	MessageIDs     []int64
}

// Session is a scriptable domain.Session. Events pushed with Deliver are
// handed to the running session's callback in order.
type Session struct {
	Self  int64
	Chats map[int64]domain.ChatInfo
	Users map[int64]domain.Sender
	Files map[string][]byte

	ChatErr  error
	SendErr  error
	ViewErr  error
	FetchLag time.Duration // delay before Fetch writes, ignoring ctx

	events chan domain.InboundEvent
	fail   chan error

	mu     sync.Mutex
	sent   []Sent
	viewed []Viewed
}

func NewSession(self int64) *Session {
	return &Session{
		Self:   self,
		Chats:  make(map[int64]domain.ChatInfo),
		Users:  make(map[int64]domain.Sender),
		Files:  make(map[string][]byte),
		events: make(chan domain.InboundEvent, 64),
		fail:   make(chan error, 1),
	}
}

func (s *Session) Run(ctx context.Context, ready func(), onEvent domain.EventHandler) error {
	ready()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-s.fail:
			return err
		case ev := <-s.events:
			onEvent(ev)
		}
	}
}

// Deliver queues an inbound event.
func (s *Session) Deliver(ev domain.InboundEvent) { s.events <- ev }

// Fail makes Run return err.
func (s *Session) Fail(err error) { s.fail <- err }

func (s *Session) SelfID() int64 { return s.Self }

func (s *Session) ChatInfo(_ context.Context, id int64) (domain.ChatInfo, error) {
	if s.ChatErr != nil {
		return domain.ChatInfo{}, s.ChatErr
	}
	info, ok := s.Chats[id]
	if !ok {
		return domain.ChatInfo{}, fmt.Errorf("chat %d not found", id)
	}
	return info, nil
}

func (s *Session) UserInfo(_ context.Context, id int64) (domain.Sender, error) {
	u, ok := s.Users[id]
	if !ok {
		return domain.Sender{}, fmt.Errorf("user %d not found", id)
	}
	return u, nil
}

func (s *Session) Send(_ context.Context, conversationID int64, c domain.Content) error {
	if s.SendErr != nil {
		return s.SendErr
	}
	s.mu.Lock()
	s.sent = append(s.sent, Sent{ConversationID: conversationID, Content: c})
	s.mu.Unlock()
	return nil
}

func (s *Session) MarkViewed(_ context.Context, conversationID int64, ids []int64) error {
	if s.ViewErr != nil {
		return s.ViewErr
	}
	s.mu.Lock()
	s.viewed = append(s.viewed, Viewed{ConversationID: conversationID, MessageIDs: ids})
	s.mu.Unlock()
	return nil
}

func (s *Session) Fetch(_ context.Context, ref domain.FileRef, w io.Writer) error {
	if s.FetchLag > 0 {
		time.Sleep(s.FetchLag)
	}
	data, ok := s.Files[ref.ID]
	if !ok {
		return fmt.Errorf("file %q not found", ref.ID)
	}
	_, err := w.Write(data)
	return err
}

func (s *Session) SentMessages() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}

func (s *Session) ViewedMessages() []Viewed {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Viewed(nil), s.viewed...)
}

// Dialer hands out pre-built sessions keyed by application id.
type Dialer struct {
	mu       sync.Mutex
	sessions map[int64]*Session
	errs     map[int64]error
}

func NewDialer() *Dialer {
	return &Dialer{sessions: make(map[int64]*Session), errs: make(map[int64]error)}
}

// Add registers the session returned for appID.
func (d *Dialer) Add(appID int64, s *Session) {
	d.mu.Lock()
	d.sessions[appID] = s
	d.mu.Unlock()
}

// FailWith makes dialing appID return err.
func (d *Dialer) FailWith(appID int64, err error) {
	d.mu.Lock()
	d.errs[appID] = err
	d.mu.Unlock()
}

func (d *Dialer) Dial(_ context.Context, cred domain.Credential) (domain.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.errs[cred.AppID]; err != nil {
		return nil, err
	}
	s, ok := d.sessions[cred.AppID]
	if !ok {
		return nil, fmt.Errorf("no session for app %d", cred.AppID)
	}
	return s, nil
}
