package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/go-cmp/cmp"

	"relaybot/internal/bus"
	"relaybot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

const operatorID = 7

type apiCall struct {
	Method string
	ChatID string
	Text   string
	Reply  string
	MsgID  int
}

// fakeBotAPI is a minimal Bot API server: it answers getMe, serves a fixed
// batch of updates once and records every send* call.
type fakeBotAPI struct {
	srv     *httptest.Server
	updates string

	mu     sync.Mutex
	served bool
	nextID int
	calls  []apiCall
}

func newFakeBotAPI(t *testing.T, updates string) *fakeBotAPI {
	f := &fakeBotAPI{updates: updates, nextID: 100}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeBotAPI) endpoint() string { return f.srv.URL + "/bot%s/%s" }

func (f *fakeBotAPI) handle(w http.ResponseWriter, r *http.Request) {
	method := path.Base(r.URL.Path)
	w.Header().Set("Content-Type", "application/json")

	switch {
	case method == "getMe":
		fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"relay","username":"relay_bot"}}`)

	case method == "getUpdates":
		f.mu.Lock()
		first := !f.served
		f.served = true
		f.mu.Unlock()
		if first && f.updates != "" {
			fmt.Fprintf(w, `{"ok":true,"result":%s}`, f.updates)
			return
		}
		time.Sleep(20 * time.Millisecond)
		fmt.Fprint(w, `{"ok":true,"result":[]}`)

	case strings.HasPrefix(method, "send"):
		text := r.FormValue("text")
		if text == "" {
			text = r.FormValue("caption")
		}
		f.mu.Lock()
		f.nextID++
		id := f.nextID
		f.calls = append(f.calls, apiCall{
			Method: method,
			ChatID: r.FormValue("chat_id"),
			Text:   text,
			Reply:  r.FormValue("reply_to_message_id"),
			MsgID:  id,
		})
		f.mu.Unlock()
		fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d,"date":0,"chat":{"id":%d,"type":"private"}}}`, id, operatorID)

	default:
		fmt.Fprint(w, `{"ok":false,"error_code":404,"description":"Not Found"}`)
	}
}

func (f *fakeBotAPI) Calls() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apiCall(nil), f.calls...)
}

func startTelegram(t *testing.T, f *fakeBotAPI) (*Telegram, *bus.InMemoryBus) {
	t.Helper()
	tg := NewTelegram(TelegramConfig{
		Token:      "TOKEN",
		Endpoint:   f.endpoint(),
		OperatorID: operatorID,
		HTTPClient: f.srv.Client(),
		Logger:     testLogger(),
	})
	b := bus.New(10, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tg.Start(ctx, b) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-tg.Ready():
	case err := <-done:
		t.Fatalf("Start returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("telegram conduit never became ready")
	}
	return tg, b
}

func TestTelegram_SendText(t *testing.T) {
	f := newFakeBotAPI(t, "")
	tg, _ := startTelegram(t, f)

	ids, err := tg.Send(context.Background(), domain.Payload{Kind: domain.KindText, Text: "New message from Alice:\nhello"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	calls := f.Calls()
	if len(calls) != 1 || calls[0].Method != "sendMessage" {
		t.Fatalf("unexpected calls %+v", calls)
	}
	if len(ids) != 1 || ids[0] != int64(calls[0].MsgID) {
		t.Errorf("notification ids = %v, want [%d]", ids, calls[0].MsgID)
	}
	if calls[0].ChatID != "7" || calls[0].Text != "New message from Alice:\nhello" {
		t.Errorf("unexpected call %+v", calls[0])
	}
}

func TestTelegram_SendStickerRepliesToCaption(t *testing.T) {
	f := newFakeBotAPI(t, "")
	tg, _ := startTelegram(t, f)

	file := filepath.Join(t.TempDir(), "s.webp")
	if err := os.WriteFile(file, []byte("RIFF"), 0o600); err != nil {
		t.Fatal(err)
	}

	ids, err := tg.Send(context.Background(), domain.Payload{Kind: domain.KindSticker, Caption: "New message from Bob:", FilePath: file})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	calls := f.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected caption then sticker, got %+v", calls)
	}
	if calls[0].Method != "sendMessage" || calls[1].Method != "sendSticker" {
		t.Fatalf("unexpected methods %+v", calls)
	}
	if calls[1].Reply != fmt.Sprint(calls[0].MsgID) {
		t.Errorf("sticker should reply to caption %d, got %q", calls[0].MsgID, calls[1].Reply)
	}
	want := []int64{int64(calls[0].MsgID), int64(calls[1].MsgID)}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("both the caption and the sticker must be reported (-want +got):\n%s", diff)
	}
}

func TestTelegram_SendPhotoWithCaption(t *testing.T) {
	f := newFakeBotAPI(t, "")
	tg, _ := startTelegram(t, f)

	file := filepath.Join(t.TempDir(), "p.jpg")
	if err := os.WriteFile(file, []byte("JPEG"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := tg.Send(context.Background(), domain.Payload{Kind: domain.KindPhoto, Caption: "hdr\nlook", FilePath: file}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	calls := f.Calls()
	if len(calls) != 1 || calls[0].Method != "sendPhoto" || calls[0].Text != "hdr\nlook" {
		t.Fatalf("unexpected calls %+v", calls)
	}

	if _, err := tg.Send(context.Background(), domain.Payload{Kind: domain.KindPhoto}); err == nil {
		t.Error("expected error for media payload without a file")
	}
}

func TestTelegram_LongCaptionGoesFirstAsText(t *testing.T) {
	f := newFakeBotAPI(t, "")
	tg, _ := startTelegram(t, f)

	file := filepath.Join(t.TempDir(), "p.jpg")
	if err := os.WriteFile(file, []byte("JPEG"), 0o600); err != nil {
		t.Fatal(err)
	}

	caption := strings.Repeat("x", telegramMaxCaptionLen+1)
	ids, err := tg.Send(context.Background(), domain.Payload{Kind: domain.KindPhoto, Caption: caption, FilePath: file})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	calls := f.Calls()
	if len(calls) != 2 || calls[0].Method != "sendMessage" || calls[1].Method != "sendPhoto" {
		t.Fatalf("unexpected calls %+v", calls)
	}
	if calls[1].Text != "" || calls[1].Reply != fmt.Sprint(calls[0].MsgID) {
		t.Errorf("photo should reply to the caption without its own: %+v", calls[1])
	}
	if len(ids) != 2 {
		t.Errorf("ids = %v, want caption and photo", ids)
	}
}

func TestTelegram_PublishesOnlyOperatorMessages(t *testing.T) {
	updates := `[
		{"update_id":1,"message":{"message_id":4,"date":1700000000,"from":{"id":999,"is_bot":false,"first_name":"stranger"},"chat":{"id":999,"type":"private"},"text":"let me in"}},
		{"update_id":2,"message":{"message_id":5,"date":1700000000,"from":{"id":7,"is_bot":false,"first_name":"op"},"chat":{"id":7,"type":"private"},"text":"hi",
			"reply_to_message":{"message_id":101,"date":1700000000,"chat":{"id":7,"type":"private"}}}}
	]`
	f := newFakeBotAPI(t, updates)
	_, b := startTelegram(t, f)

	select {
	case msg := <-b.Subscribe():
		if msg.MessageID != 5 {
			t.Fatalf("expected operator message 5, got %d", msg.MessageID)
		}
		if msg.ReplyTo != 101 || msg.Content.Kind != domain.KindText || msg.Content.Text != "hi" {
			t.Errorf("unexpected message %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("operator message not published")
	}

	select {
	case msg := <-b.Subscribe():
		t.Errorf("unexpected extra message %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestParseOperatorMessage(t *testing.T) {
	cmd := parseOperatorMessage(&tgbotapi.Message{
		MessageID: 9,
		Text:      "/add 12345 abcdef +15550100",
		Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 4}},
	})
	if cmd.Command != "add" || cmd.Args != "12345 abcdef +15550100" || cmd.IsReply() {
		t.Errorf("command: %+v", cmd)
	}

	photo := parseOperatorMessage(&tgbotapi.Message{
		Caption: "look",
		Photo: []tgbotapi.PhotoSize{
			{FileID: "small", Width: 90, Height: 90},
			{FileID: "big", Width: 1280, Height: 1280},
		},
		ReplyToMessage: &tgbotapi.Message{MessageID: 3},
	})
	if photo.Content.Kind != domain.KindPhoto || photo.Content.File.ID != "big" || photo.Content.Caption != "look" || photo.ReplyTo != 3 {
		t.Errorf("photo: %+v", photo)
	}

	voice := parseOperatorMessage(&tgbotapi.Message{Voice: &tgbotapi.Voice{FileID: "v", Duration: 2, MimeType: "audio/ogg"}})
	if voice.Content.Kind != domain.KindVoice || voice.Content.Duration != 2*time.Second {
		t.Errorf("voice: %+v", voice)
	}

	sticker := parseOperatorMessage(&tgbotapi.Message{Sticker: &tgbotapi.Sticker{FileID: "s", IsAnimated: true}})
	if sticker.Content.Kind != domain.KindSticker || sticker.Content.File.MIME != "application/x-tgsticker" {
		t.Errorf("sticker: %+v", sticker)
	}

	anim := parseOperatorMessage(&tgbotapi.Message{
		Animation: &tgbotapi.Animation{FileID: "a", MimeType: "video/mp4"},
		Document:  &tgbotapi.Document{FileID: "a"},
	})
	if anim.Content.Kind != domain.KindAnimation {
		t.Errorf("animation: %+v", anim)
	}

	video := parseOperatorMessage(&tgbotapi.Message{Video: &tgbotapi.Video{FileID: "x"}})
	if video.Content.Kind != domain.KindUnsupported || video.Content.Text != "(Video)" {
		t.Errorf("video: %+v", video)
	}
}

func TestSplitText(t *testing.T) {
	if got := splitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Errorf("short: %q", got)
	}

	text := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitText(text, 10)
	if len(got) != 2 || got[0] != strings.Repeat("a", 8) || got[1] != "\n"+strings.Repeat("b", 8) {
		t.Errorf("newline split: %q", got)
	}

	got = splitText(strings.Repeat("c", 25), 10)
	if len(got) != 3 || len(got[0]) != 10 || len(got[2]) != 5 {
		t.Errorf("hard split: %q", got)
	}

	cyrillic := strings.Repeat("привет ", 700)
	got = splitText(cyrillic, telegramMaxMsgLen)
	if strings.Join(got, "") != cyrillic {
		t.Error("split lost text")
	}
	for i, chunk := range got {
		if !utf8.ValidString(chunk) || len(chunk) > telegramMaxMsgLen {
			t.Errorf("chunk %d: valid=%v len=%d", i, utf8.ValidString(chunk), len(chunk))
		}
	}
}

func TestRateLimited(t *testing.T) {
	apiErr := &tgbotapi.Error{Code: 429, Message: "Too Many Requests", ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 5}}
	if d, ok := rateLimited(apiErr); !ok || d != 5*time.Second {
		t.Errorf("api error: %v, %v", d, ok)
	}
	if _, ok := rateLimited(errors.New("Bad Request: chat not found")); ok {
		t.Error("non-429 error reported as rate limited")
	}
}

func TestTelegram_SendBeforeStartRespectsContext(t *testing.T) {
	tg := NewTelegram(TelegramConfig{Token: "x", OperatorID: operatorID, Logger: testLogger()})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := tg.Send(ctx, domain.Payload{Kind: domain.KindText, Text: "x"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
}

func TestTelegram_SendsAreThrottled(t *testing.T) {
	f := newFakeBotAPI(t, "")
	tg, _ := startTelegram(t, f)
	tg.limiter = NewRateLimiter(1, 600) // one send, then one every 100ms

	start := time.Now()
	for i := 0; i < 2; i++ {
		if _, err := tg.Send(context.Background(), domain.Payload{Kind: domain.KindText, Text: "hi"}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("second send was not throttled (%v)", elapsed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tg.Send(ctx, domain.Payload{Kind: domain.KindText, Text: "late"}); !errors.Is(err, context.Canceled) {
		t.Errorf("throttled send with cancelled ctx: got %v", err)
	}
	if n := len(f.Calls()); n != 2 {
		t.Errorf("expected 2 API calls, got %d", n)
	}
}
