// Package session keeps the registry of linked accounts and runs one
// session per account. Inbound events are delivered to subscribers in
// arrival order per account.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
	"relaybot/internal/metrics"
)

const defaultQueueSize = 256

// ManagerConfig holds the dependencies of a Manager.
type ManagerConfig struct {
	Dialer    domain.Dialer
	Events    *bus.EventBus // optional
	Logger    *slog.Logger
	QueueSize int // per-account inbound queue; 0 = 256
}

// Manager is the account registry. It owns every session's goroutines.
type Manager struct {
	dialer    domain.Dialer
	events    *bus.EventBus
	logger    *slog.Logger
	queueSize int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	accounts map[domain.AccountID]*Handle
	closed   bool
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		dialer:    cfg.Dialer,
		events:    cfg.Events,
		logger:    cfg.Logger.With("component", "session"),
		queueSize: cfg.QueueSize,
		ctx:       ctx,
		cancel:    cancel,
		accounts:  make(map[domain.AccountID]*Handle),
	}
}

// Start registers the account and begins its session in the background.
// The returned handle is in the Starting state; it becomes Active once the
// session is authorized, or Failed if dialing or running fails. An account
// whose previous session is terminal is started afresh.
func (m *Manager) Start(ctx context.Context, cred domain.Credential) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cred.AppID == 0 {
		return nil, fmt.Errorf("start account: missing application id")
	}
	id := cred.AccountID()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("session manager closed")
	}
	if prev, ok := m.accounts[id]; ok && !prev.State().Terminal() {
		m.mu.Unlock()
		return nil, fmt.Errorf("account %d: %w", id, domain.ErrAccountExists)
	}
	sctx, cancel := context.WithCancel(m.ctx)
	h := newHandle(id, cred.Identity, m.queueSize, cancel)
	m.accounts[id] = h
	// Added under the lock so Close never waits while a Start is adding.
	m.wg.Add(2)
	m.mu.Unlock()

	m.emit(h, domain.AccountRegistered, nil)
	m.transition(h, domain.AccountStarting, nil)

	go m.dispatch(h)
	go m.run(sctx, h, cred)

	m.logger.Info("account starting", "account", id, "identity", cred.Identity)
	return h, nil
}

func (m *Manager) run(ctx context.Context, h *Handle, cred domain.Credential) {
	defer m.wg.Done()
	defer close(h.done)

	sess, err := m.dialer.Dial(ctx, cred)
	if err != nil {
		m.finish(ctx, h, fmt.Errorf("dial: %w", err))
		return
	}
	h.setSession(sess)

	ready := func() { m.transition(h, domain.AccountActive, nil) }
	err = sess.Run(ctx, ready, h.enqueue)
	m.finish(ctx, h, err)
}

// finish records the terminal state once a session's Run has returned.
func (m *Manager) finish(ctx context.Context, h *Handle, err error) {
	if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
		m.transition(h, domain.AccountStopped, nil)
		return
	}
	if !errors.Is(err, domain.ErrSessionTerminal) {
		err = fmt.Errorf("%w: %v", domain.ErrSessionTerminal, err)
	}
	m.transition(h, domain.AccountFailed, err)
}

// dispatch hands queued events to subscribers one at a time.
func (m *Manager) dispatch(h *Handle) {
	defer m.wg.Done()
	for {
		select {
		case ev := <-h.queue:
			h.deliver(ev, m.logger)
		case <-h.done:
			for {
				select {
				case ev := <-h.queue:
					h.deliver(ev, m.logger)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) transition(h *Handle, to domain.AccountState, cause error) {
	from, changed := h.setState(to, cause)
	if !changed {
		return
	}
	switch {
	case to == domain.AccountActive:
		metrics.ActiveAccounts.Inc()
	case from == domain.AccountActive:
		metrics.ActiveAccounts.Dec()
	}

	if cause != nil {
		m.logger.Warn("account state changed", "account", h.id, "from", from, "to", to, "err", cause)
	} else {
		m.logger.Info("account state changed", "account", h.id, "from", from, "to", to)
	}
	m.emit(h, to, cause)
}

func (m *Manager) emit(h *Handle, state domain.AccountState, cause error) {
	if m.events != nil {
		m.events.Emit(bus.AccountStateEvent(h.id, state, cause))
	}
}

// Subscribe registers fn for every inbound event of the account.
func (m *Manager) Subscribe(h *Handle, fn domain.EventHandler) {
	h.subscribe(fn)
}

// Send dispatches content to a conversation of the account without
// blocking. The result, nil on success, arrives on the returned channel.
func (m *Manager) Send(ctx context.Context, h *Handle, conversationID int64, content domain.Content) <-chan error {
	result := make(chan error, 1)

	sess, state := h.snapshot()
	switch {
	case state.Terminal():
		result <- fmt.Errorf("account %d: %w", h.id, domain.ErrSessionTerminal)
		return result
	case state != domain.AccountActive || sess == nil:
		result <- fmt.Errorf("account %d is %s, not active", h.id, state)
		return result
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		result <- errors.New("session manager closed")
		return result
	}
	m.wg.Add(1)
	m.mu.RUnlock()

	go func() {
		defer m.wg.Done()
		err := sess.Send(ctx, conversationID, content)
		if err != nil {
			err = fmt.Errorf("account %d send to %d: %w", h.id, conversationID, err)
		}
		result <- err
	}()
	return result
}

// Lookup returns the handle registered for id.
func (m *Manager) Lookup(id domain.AccountID) (*Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.accounts[id]
	return h, ok
}

// State returns the current lifecycle state of an account.
func (m *Manager) State(id domain.AccountID) (domain.AccountState, error) {
	h, ok := m.Lookup(id)
	if !ok {
		return "", fmt.Errorf("account %d: %w", id, domain.ErrUnknownAccount)
	}
	return h.State(), nil
}

// Accounts returns a snapshot of every registered account ordered by id.
func (m *Manager) Accounts() []domain.Account {
	m.mu.RLock()
	handles := make([]*Handle, 0, len(m.accounts))
	for _, h := range m.accounts {
		handles = append(handles, h)
	}
	m.mu.RUnlock()

	out := make([]domain.Account, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Account())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stop ends the session of one account and waits for it to wind down.
func (m *Manager) Stop(id domain.AccountID) error {
	h, ok := m.Lookup(id)
	if !ok {
		return fmt.Errorf("account %d: %w", id, domain.ErrUnknownAccount)
	}
	h.cancel()
	<-h.done
	return nil
}

// Close stops every session and waits for all session, dispatcher and send
// goroutines to return.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}
