package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
	"relaybot/internal/session"
)

const defaultDispatchConcurrency = 4

// DispatcherConfig holds the dependencies of a Dispatcher.
type DispatcherConfig struct {
	Bus          domain.MessageBus
	Conduit      domain.Conduit
	Manager      *session.Manager
	Pipeline     *Pipeline
	Router       *Router
	Credentials  domain.CredentialStore
	Correlations domain.CorrelationStore
	Events       *bus.EventBus // optional
	Logger       *slog.Logger
	Concurrency  int // operator messages handled at once; 0 = 4
}

// Dispatcher consumes operator messages: replies go to the Router,
// commands are answered in the operator chat. It also starts accounts so
// their events reach the Pipeline.
type Dispatcher struct {
	bus          domain.MessageBus
	conduit      domain.Conduit
	manager      *session.Manager
	pipeline     *Pipeline
	router       *Router
	credentials  domain.CredentialStore
	correlations domain.CorrelationStore
	events       *bus.EventBus
	logger       *slog.Logger
	concurrency  int
	started      time.Time
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultDispatchConcurrency
	}
	return &Dispatcher{
		bus:          cfg.Bus,
		conduit:      cfg.Conduit,
		manager:      cfg.Manager,
		pipeline:     cfg.Pipeline,
		router:       cfg.Router,
		credentials:  cfg.Credentials,
		correlations: cfg.Correlations,
		events:       cfg.Events,
		logger:       cfg.Logger.With("component", "dispatcher"),
		concurrency:  cfg.Concurrency,
		started:      time.Now(),
	}
}

// StartAccounts starts a session for every stored credential. Accounts that
// fail to start are logged and skipped.
func (d *Dispatcher) StartAccounts(ctx context.Context) error {
	creds, err := d.credentials.List(ctx)
	if err != nil {
		return fmt.Errorf("list credentials: %w", err)
	}
	for _, c := range creds {
		if _, err := d.StartAccount(ctx, c); err != nil {
			d.logger.Warn("account not started", "account", c.AppID, "err", err)
		}
	}
	d.logger.Info("accounts started", "count", len(creds))
	return nil
}

// StartAccount starts one account and feeds its events to the pipeline.
// ctx bounds the processing of those events, not the session itself.
func (d *Dispatcher) StartAccount(ctx context.Context, cred domain.Credential) (*session.Handle, error) {
	h, err := d.manager.Start(ctx, cred)
	if err != nil {
		return nil, err
	}
	d.pipeline.Attach(ctx, d.manager, h)
	return h, nil
}

// Run consumes operator messages until ctx is done or the bus closes.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started", "concurrency", d.concurrency)

	sem := make(chan struct{}, d.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	inbound := d.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				d.logger.Info("operator bus closed, dispatcher stopping")
				return
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(m domain.OperatorMessage) {
				defer func() {
					<-sem
					wg.Done()
				}()
				d.Handle(ctx, m)
			}(msg)
		}
	}
}

// Handle processes a single operator message.
func (d *Dispatcher) Handle(ctx context.Context, msg domain.OperatorMessage) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("operator message panic", "message", msg.MessageID, "panic", r)
		}
	}()

	// Replies come first: text starting with "/" in answer to a
	// notification is a message for the conversation, not a command.
	if msg.IsReply() {
		_, err := d.router.Route(ctx, msg)
		switch {
		case err == nil:
			return
		case errors.Is(err, domain.ErrCorrelationMiss):
			if msg.Command == "" {
				return
			}
		default:
			d.logger.Error("reply not routed", "notification", msg.ReplyTo, "err", err)
			return
		}
	}

	if msg.Command != "" {
		res := d.HandleCommand(ctx, msg)
		if res.Err != nil {
			d.logger.Warn("command rejected", "command", msg.Command, "err", res.Err)
		}
		d.notify(ctx, res.Response)
		return
	}
	if !msg.IsReply() {
		d.notify(ctx, "Reply to a notification to answer it. Type /help for commands.")
	}
}

func (d *Dispatcher) notify(ctx context.Context, text string) {
	if text == "" {
		return
	}
	if err := d.conduit.Notify(ctx, text); err != nil {
		d.logger.Warn("operator notify failed", "err", err)
	}
}
