package convert

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"relaybot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type bytesFetcher []byte

func (b bytesFetcher) Fetch(_ context.Context, _ domain.FileRef, w io.Writer) error {
	_, err := w.Write(b)
	return err
}

type failingFetcher struct{ err error }

func (f failingFetcher) Fetch(context.Context, domain.FileRef, io.Writer) error { return f.err }

// stuckFetcher never returns on its own and ignores ctx.
type stuckFetcher struct{ release chan struct{} }

func (s stuckFetcher) Fetch(context.Context, domain.FileRef, io.Writer) error {
	<-s.release
	return nil
}

func newTestConverter(t *testing.T, timeout time.Duration) *Converter {
	return New(Config{RetrievalTimeout: timeout, TempDir: t.TempDir(), Logger: testLogger()})
}

func photo() domain.Content {
	return domain.Content{Kind: domain.KindPhoto, Caption: "look", File: &domain.FileRef{ID: "p1", MIME: "image/jpeg"}}
}

func TestForward_Text(t *testing.T) {
	c := newTestConverter(t, time.Second)
	p := c.Forward(context.Background(), nil, domain.Text("hello"), "New message from Alice:")
	if p.Kind != domain.KindText {
		t.Fatalf("expected text payload, got %s", p.Kind)
	}
	if p.Text != "New message from Alice:\nhello" {
		t.Errorf("unexpected text %q", p.Text)
	}
}

func TestForward_MediaCopiedToTransientFile(t *testing.T) {
	c := newTestConverter(t, time.Second)
	p := c.Forward(context.Background(), bytesFetcher("JPEGDATA"), photo(), "hdr")
	defer p.Release()

	if p.Kind != domain.KindPhoto {
		t.Fatalf("expected photo payload, got %s (%q)", p.Kind, p.Text)
	}
	if p.Caption != "hdr\nlook" {
		t.Errorf("caption = %q", p.Caption)
	}
	if !strings.HasSuffix(p.FilePath, ".jpg") {
		t.Errorf("expected .jpg transient file, got %s", p.FilePath)
	}
	data, err := os.ReadFile(p.FilePath)
	if err != nil || string(data) != "JPEGDATA" {
		t.Errorf("transient file content = %q, err = %v", data, err)
	}

	p.Release()
	if _, err := os.Stat(p.FilePath); !os.IsNotExist(err) {
		t.Error("Release should remove the transient file")
	}
}

func TestForward_RetrievalTimeoutDegradesToText(t *testing.T) {
	c := newTestConverter(t, 50*time.Millisecond)
	stuck := stuckFetcher{release: make(chan struct{})}
	defer close(stuck.release)

	start := time.Now()
	p := c.Forward(context.Background(), stuck, photo(), "hdr")
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("retrieval not bounded: took %s", elapsed)
	}
	if p.Kind != domain.KindText {
		t.Fatalf("expected placeholder text payload, got %s", p.Kind)
	}
	if p.FilePath != "" {
		t.Error("placeholder must not reference a file")
	}
	if !strings.HasPrefix(p.Text, "hdr\n") || !strings.Contains(p.Text, domain.ErrRetrievalTimeout.Error()) {
		t.Errorf("unexpected placeholder %q", p.Text)
	}
}

func TestRetrieve_TimeoutIsTyped(t *testing.T) {
	c := newTestConverter(t, 20*time.Millisecond)
	stuck := stuckFetcher{release: make(chan struct{})}
	defer close(stuck.release)

	_, err := c.retrieve(context.Background(), stuck, photo())
	if !errors.Is(err, domain.ErrRetrievalTimeout) {
		t.Fatalf("expected ErrRetrievalTimeout, got %v", err)
	}
}

func TestForward_UnsupportedAndMissingRef(t *testing.T) {
	c := newTestConverter(t, time.Second)

	p := c.Forward(context.Background(), nil, domain.Unsupported("MessagePoll"), "hdr")
	if p.Kind != domain.KindText || p.Text != "hdr\nUnsupported message type (MessagePoll)" {
		t.Errorf("unexpected unsupported payload %+v", p)
	}

	withText := domain.Unsupported("MessageMediaGeo")
	withText.Caption = "meet here"
	p = c.Forward(context.Background(), nil, withText, "hdr")
	if p.Text != "hdr\nmeet here\nUnsupported message type (MessageMediaGeo)" {
		t.Errorf("text next to unsupported media lost: %q", p.Text)
	}

	p = c.Forward(context.Background(), bytesFetcher("x"), domain.Content{Kind: domain.KindVoice}, "hdr")
	if p.Kind != domain.KindText || !strings.Contains(p.Text, "missing file reference") {
		t.Errorf("expected diagnostic for missing ref, got %+v", p)
	}

	p = c.Forward(context.Background(), nil, domain.Content{Kind: "video"}, "")
	if p.Kind != domain.KindText || p.Text != "Unsupported message type" {
		t.Errorf("unknown kind should become placeholder, got %+v", p)
	}
}

func TestReverse(t *testing.T) {
	c := newTestConverter(t, time.Second)
	ctx := context.Background()

	if got := c.Reverse(ctx, nil, domain.Text("hi")); got.Kind != domain.KindText || got.Text != "hi" {
		t.Errorf("text: %+v", got)
	}

	voice := domain.Content{Kind: domain.KindVoice, Duration: 3 * time.Second, File: &domain.FileRef{ID: "v"}}
	got := c.Reverse(ctx, bytesFetcher("OGG"), voice)
	defer os.Remove(got.LocalPath)
	if got.Kind != domain.KindVoice || got.LocalPath == "" || got.Duration != 3*time.Second {
		t.Errorf("voice: %+v", got)
	}

	got = c.Reverse(ctx, failingFetcher{err: errors.New("404")}, domain.Content{Kind: domain.KindSticker, File: &domain.FileRef{ID: "s"}})
	if got.Kind != domain.KindText || got.Text != "Failed to retrieve sticker: 404" {
		t.Errorf("sticker failure: %+v", got)
	}

	got = c.Reverse(ctx, nil, domain.Unsupported("Video"))
	if got.Kind != domain.KindText || !strings.HasPrefix(got.Text, "Unsupported message type") {
		t.Errorf("unsupported: %+v", got)
	}
}

func TestCaption(t *testing.T) {
	at := time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)

	got := Caption(domain.ChatInfo{ID: 1001, Title: "Alice"}, domain.Sender{Username: "alice"}, at, time.UTC)
	if got != "New message from Alice (@alice) 2024-03-05 14:07:09:" {
		t.Errorf("caption = %q", got)
	}

	got = Caption(domain.ChatInfo{ID: 1001}, domain.Sender{}, time.Time{}, time.UTC)
	if got != "New message from chat 1001:" {
		t.Errorf("fallback caption = %q", got)
	}
}
