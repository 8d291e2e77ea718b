package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"relaybot/internal/domain"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxCaptionLen  = 1024
	telegramMaxSendRetries = 3
	telegramPollTimeout    = 30
)

// Telegram is the operator conduit: a bot that talks to exactly one
// operator chat. Notifications go out through Send; operator messages are
// published on the bus.
type Telegram struct {
	token      string
	endpoint   string
	operatorID int64
	parseMode  string
	httpClient *http.Client
	limiter    *RateLimiter

	bot    *tgbotapi.BotAPI
	bus    domain.MessageBus
	logger *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once
}

type TelegramConfig struct {
	Token      string
	Endpoint   string // Bot API endpoint format; "" = api.telegram.org
	OperatorID int64
	ParseMode  string // "" sends plain text
	HTTPClient *http.Client
	Limiter    *RateLimiter // nil = unthrottled
	Logger     *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(0)
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = tgbotapi.APIEndpoint
	}
	return &Telegram{
		token:      cfg.Token,
		endpoint:   cfg.Endpoint,
		operatorID: cfg.OperatorID,
		parseMode:  cfg.ParseMode,
		httpClient: cfg.HTTPClient,
		limiter:    cfg.Limiter,
		logger:     cfg.Logger.With("component", "telegram"),
		ready:      make(chan struct{}),
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Ready is closed once the bot is connected and Send can be used.
func (t *Telegram) Ready() <-chan struct{} { return t.ready }

// Start connects the bot and polls for operator messages until ctx is done.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus

	_ = tgbotapi.SetLogger(&slogBotLogger{log: t.logger})
	bot, err := tgbotapi.NewBotAPIWithClient(t.token, t.endpoint, t.httpClient)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.readyOnce.Do(func() { close(t.ready) })
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
		"operator", t.operatorID,
	)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = telegramPollTimeout
	u.AllowedUpdates = []string{"message"}
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(update)
		}
	}
}

// Stop is a no-op: polling stops when Start's context is cancelled, and
// StopReceivingUpdates panics when called twice.
func (t *Telegram) Stop() error {
	return nil
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	m := update.Message
	if m == nil || m.From == nil || m.Chat == nil {
		return
	}
	if m.From.ID != t.operatorID {
		t.logger.Warn("ignoring message from non-operator",
			"user_id", m.From.ID,
			"username", m.From.UserName,
		)
		return
	}

	msg := parseOperatorMessage(m)
	t.logger.Debug("operator message received",
		"message_id", msg.MessageID,
		"reply_to", msg.ReplyTo,
		"kind", msg.Content.Kind,
		"command", msg.Command,
	)
	t.bus.Publish(msg)
}

// parseOperatorMessage converts a bot update into an operator message.
func parseOperatorMessage(m *tgbotapi.Message) domain.OperatorMessage {
	msg := domain.OperatorMessage{
		MessageID: int64(m.MessageID),
		Timestamp: time.Unix(int64(m.Date), 0),
	}
	if m.ReplyToMessage != nil {
		msg.ReplyTo = int64(m.ReplyToMessage.MessageID)
	}
	if m.IsCommand() {
		msg.Command = m.Command()
		msg.Args = strings.TrimSpace(m.CommandArguments())
	}

	switch {
	case len(m.Photo) > 0:
		best := pickPhoto(m.Photo)
		msg.Content = domain.Content{
			Kind:    domain.KindPhoto,
			Caption: m.Caption,
			File:    &domain.FileRef{ID: best.FileID, MIME: "image/jpeg", Size: int64(best.FileSize)},
		}
	case m.Voice != nil:
		msg.Content = domain.Content{
			Kind:     domain.KindVoice,
			Duration: time.Duration(m.Voice.Duration) * time.Second,
			File:     &domain.FileRef{ID: m.Voice.FileID, MIME: m.Voice.MimeType, Size: int64(m.Voice.FileSize)},
		}
	case m.Sticker != nil:
		mime := "image/webp"
		if m.Sticker.IsAnimated {
			mime = "application/x-tgsticker"
		}
		msg.Content = domain.Content{
			Kind: domain.KindSticker,
			File: &domain.FileRef{ID: m.Sticker.FileID, MIME: mime, Size: int64(m.Sticker.FileSize)},
		}
	case m.Animation != nil:
		msg.Content = domain.Content{
			Kind:    domain.KindAnimation,
			Caption: m.Caption,
			File:    &domain.FileRef{ID: m.Animation.FileID, MIME: m.Animation.MimeType, Size: int64(m.Animation.FileSize)},
		}
	case m.Text != "":
		msg.Content = domain.Text(m.Text)
	default:
		msg.Content = domain.Unsupported(unsupportedKind(m))
	}
	return msg
}

func unsupportedKind(m *tgbotapi.Message) string {
	switch {
	case m.Video != nil:
		return "Video"
	case m.VideoNote != nil:
		return "VideoNote"
	case m.Audio != nil:
		return "Audio"
	case m.Document != nil:
		return "Document"
	case m.Location != nil:
		return "Location"
	case m.Contact != nil:
		return "Contact"
	case m.Poll != nil:
		return "Poll"
	}
	return "Message"
}

func pickPhoto(items []tgbotapi.PhotoSize) tgbotapi.PhotoSize {
	best := items[0]
	for _, item := range items[1:] {
		if item.Width*item.Height > best.Width*best.Height {
			best = item
		}
	}
	return best
}

func (t *Telegram) connected(ctx context.Context) (*tgbotapi.BotAPI, error) {
	select {
	case <-t.ready:
		return t.bot, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("telegram bot not connected: %w", ctx.Err())
	}
}

// Send delivers a notification to the operator chat and returns the ids of
// every message it took, header first.
func (t *Telegram) Send(ctx context.Context, p domain.Payload) ([]int64, error) {
	if _, err := t.connected(ctx); err != nil {
		return nil, err
	}

	switch p.Kind {
	case domain.KindText:
		return t.sendText(ctx, p.Text, 0)

	case domain.KindPhoto, domain.KindVoice, domain.KindAnimation:
		if len(p.Caption) <= telegramMaxCaptionLen {
			id, err := t.sendMedia(ctx, p, p.Caption, 0)
			if err != nil {
				return nil, err
			}
			return []int64{id}, nil
		}
		return t.sendHeaded(ctx, p)

	case domain.KindSticker:
		// Stickers cannot carry a caption: the caption goes first and the
		// sticker replies to it.
		if strings.TrimSpace(p.Caption) == "" {
			id, err := t.sendMedia(ctx, p, "", 0)
			if err != nil {
				return nil, err
			}
			return []int64{id}, nil
		}
		return t.sendHeaded(ctx, p)
	}
	return nil, fmt.Errorf("cannot send %s payload", p.Kind)
}

// sendHeaded sends the caption as text, then the media as a reply to it.
func (t *Telegram) sendHeaded(ctx context.Context, p domain.Payload) ([]int64, error) {
	ids, err := t.sendText(ctx, p.Caption, 0)
	if err != nil {
		return nil, err
	}
	id, err := t.sendMedia(ctx, p, "", int(ids[len(ids)-1]))
	if err != nil {
		return nil, err
	}
	return append(ids, id), nil
}

// Notify sends a plain status message to the operator.
func (t *Telegram) Notify(ctx context.Context, text string) error {
	if _, err := t.connected(ctx); err != nil {
		return err
	}
	_, err := t.sendText(ctx, text, 0)
	return err
}

func (t *Telegram) sendMedia(ctx context.Context, p domain.Payload, caption string, replyTo int) (int64, error) {
	if p.FilePath == "" {
		return 0, fmt.Errorf("%s payload has no file", p.Kind)
	}
	file := tgbotapi.FilePath(p.FilePath)

	var c tgbotapi.Chattable
	switch p.Kind {
	case domain.KindPhoto:
		photo := tgbotapi.NewPhoto(t.operatorID, file)
		photo.Caption = caption
		photo.ReplyToMessageID = replyTo
		c = photo
	case domain.KindVoice:
		voice := tgbotapi.NewVoice(t.operatorID, file)
		voice.Caption = caption
		voice.Duration = int(p.Duration / time.Second)
		voice.ReplyToMessageID = replyTo
		c = voice
	case domain.KindAnimation:
		anim := tgbotapi.NewAnimation(t.operatorID, file)
		anim.Caption = caption
		anim.ReplyToMessageID = replyTo
		c = anim
	case domain.KindSticker:
		sticker := tgbotapi.NewSticker(t.operatorID, file)
		sticker.ReplyToMessageID = replyTo
		c = sticker
	}

	sent, err := t.sendWithRetry(ctx, c, false)
	if err != nil {
		return 0, fmt.Errorf("send %s: %w", p.Kind, err)
	}
	return int64(sent.MessageID), nil
}

// sendText splits long text into chunks and returns their ids in order.
func (t *Telegram) sendText(ctx context.Context, text string, replyTo int) ([]int64, error) {
	var ids []int64
	for _, chunk := range splitText(text, telegramMaxMsgLen) {
		msg := tgbotapi.NewMessage(t.operatorID, chunk)
		msg.ParseMode = t.parseMode
		msg.ReplyToMessageID = replyTo

		sent, err := t.sendWithRetry(ctx, msg, t.parseMode != "")
		if err != nil {
			return nil, fmt.Errorf("send text: %w", err)
		}
		ids = append(ids, int64(sent.MessageID))
	}
	return ids, nil
}

// splitText cuts text into pieces of at most maxLen bytes, preferring line
// breaks in the second half of a piece. Cuts never split a UTF-8 sequence.
func splitText(text string, maxLen int) []string {
	if text == "" {
		return []string{""}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := strings.LastIndex(text[:maxLen], "\n")
		if cutAt < maxLen/2 {
			cutAt = maxLen
			for cutAt > 0 && !utf8.RuneStart(text[cutAt]) {
				cutAt--
			}
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

// sendWithRetry sends c, backing off on rate limits and transient errors.
// A formatted text message that fails to parse is resent as plain text.
func (t *Telegram) sendWithRetry(ctx context.Context, c tgbotapi.Chattable, formatted bool) (tgbotapi.Message, error) {
	var lastErr error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		if err := t.limiter.Wait(ctx); err != nil {
			return tgbotapi.Message{}, err
		}
		sent, err := t.bot.Send(c)
		if err == nil {
			return sent, nil
		}
		lastErr = err

		if formatted && attempt == 0 && isParseError(err) {
			if msg, ok := c.(tgbotapi.MessageConfig); ok {
				t.logger.Warn("telegram parse error, retrying as plain text", "err", err, "parseMode", msg.ParseMode)
				msg.ParseMode = ""
				c = msg
				continue
			}
		}

		var backoff time.Duration
		if retryAfter, limited := rateLimited(err); limited {
			backoff = retryAfter
			t.logger.Warn("telegram rate limited, backing off", "retry_after", backoff, "attempt", attempt+1)
		} else {
			backoff = time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
		}
		if attempt == telegramMaxSendRetries {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return tgbotapi.Message{}, ctx.Err()
		}
	}
	t.logger.Error("telegram send failed after retries", "err", lastErr, "attempts", telegramMaxSendRetries+1)
	return tgbotapi.Message{}, lastErr
}

func isParseError(err error) bool {
	return strings.Contains(err.Error(), "can't parse entities")
}

// rateLimited reports whether err is a 429 and how long to wait.
func rateLimited(err error) (time.Duration, bool) {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return time.Duration(apiErr.RetryAfter) * time.Second, true
	}
	s := err.Error()
	if strings.Contains(s, "Too Many Requests") || strings.Contains(s, "429") {
		return 3 * time.Second, true
	}
	return 0, false
}

// Fetch downloads an operator-side file through the bot file endpoint.
func (t *Telegram) Fetch(ctx context.Context, ref domain.FileRef, w io.Writer) error {
	bot, err := t.connected(ctx)
	if err != nil {
		return err
	}
	url, err := bot.GetFileDirectURL(ref.ID)
	if err != nil {
		return fmt.Errorf("resolve file url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download file: status %s", resp.Status)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("download file: %w", err)
	}
	return nil
}
