package relay

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"relaybot/internal/bus"
	"relaybot/internal/convert"
	"relaybot/internal/domain"
	"relaybot/internal/metrics"
	"relaybot/internal/session"
)

// RouterConfig holds the dependencies of a Router.
type RouterConfig struct {
	Manager      *session.Manager
	Converter    *convert.Converter
	Correlations domain.CorrelationStore
	Files        domain.FileFetcher // operator-side media
	Events       *bus.EventBus      // optional
	Logger       *slog.Logger
}

// Router sends operator replies back to the conversation the replied-to
// notification came from. It never writes correlation entries.
type Router struct {
	manager      *session.Manager
	converter    *convert.Converter
	correlations domain.CorrelationStore
	files        domain.FileFetcher
	events       *bus.EventBus
	logger       *slog.Logger
}

func NewRouter(cfg RouterConfig) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		manager:      cfg.Manager,
		converter:    cfg.Converter,
		correlations: cfg.Correlations,
		files:        cfg.Files,
		events:       cfg.Events,
		logger:       cfg.Logger.With("component", "router"),
	}
}

// Route dispatches a reply. It returns once the send has been handed to the
// account session; the send result is logged when it arrives. The returned
// channel yields that result, nil for a successful send.
func (r *Router) Route(ctx context.Context, reply domain.OperatorMessage) (<-chan error, error) {
	entry, ok, err := r.correlations.Get(ctx, reply.ReplyTo)
	if err != nil {
		return nil, fmt.Errorf("lookup notification %d: %w", reply.ReplyTo, err)
	}
	if !ok {
		metrics.RepliesDropped.Inc()
		r.logger.Warn("reply to unknown notification dropped", "notification", reply.ReplyTo)
		r.emit(bus.EventReplyDropped, reply, entry, nil)
		return nil, fmt.Errorf("notification %d: %w", reply.ReplyTo, domain.ErrCorrelationMiss)
	}

	h, ok := r.manager.Lookup(entry.AccountID)
	if !ok {
		metrics.RepliesDropped.Inc()
		r.emit(bus.EventReplyDropped, reply, entry, domain.ErrUnknownAccount)
		return nil, fmt.Errorf("account %d: %w", entry.AccountID, domain.ErrUnknownAccount)
	}

	content := r.converter.Reverse(ctx, r.files, reply.Content)
	result := r.manager.Send(ctx, h, entry.ConversationID, content)

	log := r.logger.With(
		"notification", reply.ReplyTo,
		"account", entry.AccountID,
		"conversation", entry.ConversationID,
		"kind", content.Kind,
	)
	out := make(chan error, 1)
	go func() {
		err := <-result
		if content.LocalPath != "" {
			_ = os.Remove(content.LocalPath)
		}
		if err != nil {
			log.Error("reply send failed", "err", err)
		} else {
			metrics.RepliesRouted.Inc()
			log.Info("reply routed")
		}
		r.emit(bus.EventReplyRouted, reply, entry, err)
		out <- err
	}()
	return out, nil
}

func (r *Router) emit(eventType string, reply domain.OperatorMessage, entry domain.CorrelationEntry, err error) {
	if r.events == nil {
		return
	}
	payload := map[string]any{
		"notification_id": reply.ReplyTo,
		"account_id":      int64(entry.AccountID),
		"conversation_id": entry.ConversationID,
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	r.events.Emit(bus.Event{Type: eventType, Source: "router", Payload: payload})
}
