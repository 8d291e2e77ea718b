// Package relay moves messages between linked accounts and the operator:
// the Pipeline turns inbound events into correlated notifications, the
// Router sends operator replies back, and the Dispatcher feeds operator
// messages to both.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"relaybot/internal/bus"
	"relaybot/internal/convert"
	"relaybot/internal/domain"
	"relaybot/internal/metrics"
	"relaybot/internal/session"
)

const defaultMaxConcurrentEvents = 16

// Outcome is how an event left the pipeline.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeFiltered  Outcome = "filtered"
	OutcomeFailed    Outcome = "failed"
)

// PipelineConfig holds the dependencies of a Pipeline.
type PipelineConfig struct {
	Converter       *convert.Converter
	Conduit         domain.Conduit
	Correlations    domain.CorrelationStore
	Events          *bus.EventBus // optional
	Logger          *slog.Logger
	MaxConcurrent   int            // events processed at once; 0 = 16
	IncludeOutgoing bool           // relay messages the account sent itself
	Location        *time.Location // caption timestamps; nil = local
}

// Pipeline relays inbound events to the operator channel. Each event is
// processed in its own goroutine, bounded by MaxConcurrent.
type Pipeline struct {
	converter       *convert.Converter
	conduit         domain.Conduit
	correlations    domain.CorrelationStore
	events          *bus.EventBus
	logger          *slog.Logger
	includeOutgoing bool
	location        *time.Location

	group *errgroup.Group
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrentEvents
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	g := new(errgroup.Group)
	g.SetLimit(cfg.MaxConcurrent)
	return &Pipeline{
		converter:       cfg.Converter,
		conduit:         cfg.Conduit,
		correlations:    cfg.Correlations,
		events:          cfg.Events,
		logger:          cfg.Logger.With("component", "relay"),
		includeOutgoing: cfg.IncludeOutgoing,
		location:        cfg.Location,
		group:           g,
	}
}

// Attach subscribes the pipeline to an account's inbound events.
func (p *Pipeline) Attach(ctx context.Context, m *session.Manager, h *session.Handle) {
	m.Subscribe(h, func(ev domain.InboundEvent) {
		p.Submit(ctx, h, ev)
	})
}

// Submit schedules one event. It blocks while MaxConcurrent events are in
// flight.
func (p *Pipeline) Submit(ctx context.Context, h *session.Handle, ev domain.InboundEvent) {
	p.group.Go(func() error {
		p.Process(ctx, h, ev)
		return nil
	})
}

// Wait blocks until every submitted event has finished.
func (p *Pipeline) Wait() {
	_ = p.group.Wait()
}

// chatStage is an event whose conversation metadata is known.
type chatStage struct {
	event   domain.InboundEvent
	session domain.Session
	chat    domain.ChatInfo
}

// enriched is a chatStage with its sender resolved. A zero sender means the
// lookup was skipped or failed.
type enriched struct {
	chatStage
	sender domain.Sender
}

// Process runs one event through the whole pipeline and reports the outcome.
// Panics are recovered and reported as failures.
func (p *Pipeline) Process(ctx context.Context, h *session.Handle, ev domain.InboundEvent) (outcome Outcome) {
	relayID := uuid.NewString()
	log := p.logger.With(
		"relay_id", relayID,
		"account", ev.AccountID,
		"conversation", ev.ConversationID,
		"message", ev.MessageID,
	)
	start := time.Now()
	metrics.EventsReceived.Inc()

	defer func() {
		if r := recover(); r != nil {
			log.Error("relay panic", "panic", r, "stack", string(debug.Stack()))
			outcome = OutcomeFailed
			metrics.EventsFailed.Inc()
		}
	}()

	if reason := p.rejectEarly(h, ev); reason != "" {
		p.filtered(log, ev, reason)
		return OutcomeFiltered
	}

	st, err := p.resolveChat(ctx, h, ev)
	if err != nil {
		p.failed(log, ev, "resolve", err)
		return OutcomeFailed
	}
	if st.chat.Kind != domain.ChatPrivate {
		p.filtered(log, ev, "chat kind "+chatKindLabel(st.chat.Kind))
		return OutcomeFiltered
	}
	en := p.resolveSender(ctx, st, log)

	caption := convert.Caption(en.chat, en.sender, ev.ReceivedAt, p.location)
	payload := p.converter.Forward(ctx, en.session, ev.Content, caption)
	defer payload.Release()

	notificationIDs, err := p.conduit.Send(ctx, payload)
	if err != nil {
		p.failed(log, ev, "send", err)
		return OutcomeFailed
	}

	// Every message of a multi-part notification is a valid reply target.
	for _, id := range notificationIDs {
		entry := domain.CorrelationEntry{
			NotificationID: id,
			AccountID:      ev.AccountID,
			ConversationID: ev.ConversationID,
		}
		if err := p.correlations.Put(ctx, entry); err != nil {
			// The notification is visible but a reply to it cannot be routed.
			p.failed(log, ev, "correlate", err)
			return OutcomeFailed
		}
	}

	if err := en.session.MarkViewed(ctx, ev.ConversationID, []int64{ev.MessageID}); err != nil {
		metrics.AcksFailed.Inc()
		log.Warn("mark viewed failed", "err", err)
	}

	metrics.EventsRelayed.Inc()
	metrics.RelayLatency.Observe(time.Since(start).Seconds())
	log.Info("event relayed", "notifications", notificationIDs, "kind", payload.Kind)
	p.emit(bus.EventRelayDelivered, ev, map[string]any{"notification_ids": notificationIDs})
	return OutcomeDelivered
}

func chatKindLabel(k domain.ChatKind) string {
	if k == domain.ChatUnknown {
		return "unknown"
	}
	return string(k)
}

// rejectEarly applies the filters that need no lookups.
func (p *Pipeline) rejectEarly(h *session.Handle, ev domain.InboundEvent) string {
	if h.State().Terminal() {
		return "account " + string(h.State())
	}
	if ev.Outgoing && !p.includeOutgoing {
		return "outgoing message"
	}
	return ""
}

func (p *Pipeline) resolveChat(ctx context.Context, h *session.Handle, ev domain.InboundEvent) (chatStage, error) {
	sess := h.Session()
	if sess == nil {
		return chatStage{}, fmt.Errorf("%w: account %d has no session", domain.ErrResolution, ev.AccountID)
	}
	chat, err := sess.ChatInfo(ctx, ev.ConversationID)
	if err != nil {
		return chatStage{}, fmt.Errorf("%w: chat %d: %v", domain.ErrResolution, ev.ConversationID, err)
	}
	return chatStage{event: ev, session: sess, chat: chat}, nil
}

func (p *Pipeline) resolveSender(ctx context.Context, st chatStage, log *slog.Logger) enriched {
	id := st.event.SenderID
	if id == 0 || id == st.session.SelfID() {
		return enriched{chatStage: st}
	}
	sender, err := st.session.UserInfo(ctx, id)
	if err != nil {
		log.Debug("sender lookup failed", "sender", id, "err", err)
		return enriched{chatStage: st}
	}
	return enriched{chatStage: st, sender: sender}
}

func (p *Pipeline) filtered(log *slog.Logger, ev domain.InboundEvent, reason string) {
	metrics.EventsFiltered.Inc()
	log.Debug("event filtered", "reason", reason)
	p.emit(bus.EventRelayFiltered, ev, map[string]any{"reason": reason})
}

func (p *Pipeline) failed(log *slog.Logger, ev domain.InboundEvent, stage string, err error) {
	metrics.EventsFailed.Inc()
	if errors.Is(err, context.Canceled) {
		log.Debug("relay cancelled", "stage", stage)
	} else {
		log.Error("relay failed", "stage", stage, "err", err)
	}
	p.emit(bus.EventRelayFailed, ev, map[string]any{"stage": stage, "error": err.Error()})
}

func (p *Pipeline) emit(eventType string, ev domain.InboundEvent, extra map[string]any) {
	if p.events == nil {
		return
	}
	payload := map[string]any{
		"account_id":      int64(ev.AccountID),
		"conversation_id": ev.ConversationID,
		"message_id":      ev.MessageID,
	}
	for k, v := range extra {
		payload[k] = v
	}
	p.events.Emit(bus.Event{Type: eventType, Source: "relay", Payload: payload})
}
