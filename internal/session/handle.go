package session

import (
	"context"
	"log/slog"
	"sync"

	"relaybot/internal/domain"
)

// Handle is the registry entry of one account.
type Handle struct {
	id       domain.AccountID
	identity string
	cancel   context.CancelFunc
	queue    chan domain.InboundEvent
	done     chan struct{} // closed when the session goroutine returns

	mu      sync.RWMutex
	state   domain.AccountState
	err     error
	session domain.Session
	subs    []domain.EventHandler
}

func newHandle(id domain.AccountID, identity string, queueSize int, cancel context.CancelFunc) *Handle {
	return &Handle{
		id:       id,
		identity: identity,
		cancel:   cancel,
		queue:    make(chan domain.InboundEvent, queueSize),
		done:     make(chan struct{}),
		state:    domain.AccountRegistered,
	}
}

func (h *Handle) ID() domain.AccountID { return h.id }

func (h *Handle) Identity() string { return h.identity }

func (h *Handle) State() domain.AccountState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Err returns the cause of a Failed state.
func (h *Handle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

// Session returns the live session, or nil before dialing has completed.
func (h *Handle) Session() domain.Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.session
}

// Done is closed once the account's session has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Account() domain.Account {
	h.mu.RLock()
	defer h.mu.RUnlock()
	a := domain.Account{ID: h.id, Identity: h.identity, State: h.state}
	if h.err != nil {
		a.Err = h.err.Error()
	}
	return a
}

func (h *Handle) snapshot() (domain.Session, domain.AccountState) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.session, h.state
}

func (h *Handle) setSession(s domain.Session) {
	h.mu.Lock()
	h.session = s
	h.mu.Unlock()
}

// setState moves to the given state. Terminal states are final.
func (h *Handle) setState(to domain.AccountState, cause error) (domain.AccountState, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	from := h.state
	if from == to || from.Terminal() {
		return from, false
	}
	h.state = to
	h.err = cause
	return from, true
}

func (h *Handle) subscribe(fn domain.EventHandler) {
	h.mu.Lock()
	h.subs = append(h.subs, fn)
	h.mu.Unlock()
}

// enqueue is the session's event callback. Events of a terminal account and
// events arriving after shutdown are dropped.
func (h *Handle) enqueue(ev domain.InboundEvent) {
	if h.State().Terminal() {
		return
	}
	ev.AccountID = h.id
	select {
	case h.queue <- ev:
	case <-h.done:
	}
}

func (h *Handle) deliver(ev domain.InboundEvent, logger *slog.Logger) {
	h.mu.RLock()
	subs := make([]domain.EventHandler, len(h.subs))
	copy(subs, h.subs)
	h.mu.RUnlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("event subscriber panic", "account", h.id, "message", ev.MessageID, "panic", r)
				}
			}()
			fn(ev)
		}()
	}
}
