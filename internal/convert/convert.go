// Package convert maps message content between the source accounts and the
// operator channel. Media is retrieved into transient files; any retrieval
// failure degrades the content to a plain text diagnostic.
package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/metrics"
)

const DefaultRetrievalTimeout = 30 * time.Second

// Config configures a Converter.
type Config struct {
	RetrievalTimeout time.Duration
	TempDir          string // "" = os.TempDir()
	Logger           *slog.Logger
}

type Converter struct {
	timeout time.Duration
	tempDir string
	logger  *slog.Logger
}

func New(cfg Config) *Converter {
	if cfg.RetrievalTimeout <= 0 {
		cfg.RetrievalTimeout = DefaultRetrievalTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Converter{
		timeout: cfg.RetrievalTimeout,
		tempDir: cfg.TempDir,
		logger:  cfg.Logger.With("component", "convert"),
	}
}

// Forward turns source content into an operator-channel payload headed by
// caption. Media is fetched through src. The caller owns the returned
// payload's transient file and must Release it.
func (c *Converter) Forward(ctx context.Context, src domain.FileFetcher, content domain.Content, caption string) domain.Payload {
	switch content.Kind {
	case domain.KindText:
		return domain.Payload{Kind: domain.KindText, Text: joinLines(caption, content.Text)}

	case domain.KindPhoto, domain.KindVoice, domain.KindSticker, domain.KindAnimation:
		path, err := c.retrieve(ctx, src, content)
		if err != nil {
			c.logger.Warn("forward media retrieval failed, sending placeholder",
				"kind", content.Kind, "err", err)
			return domain.Payload{Kind: domain.KindText, Text: joinLines(caption, retrievalDiagnostic(content.Kind, err))}
		}
		return domain.Payload{
			Kind:     content.Kind,
			Caption:  joinLines(caption, content.Caption),
			FilePath: path,
			Duration: content.Duration,
		}

	case domain.KindUnsupported:
		fallthrough
	default:
		return domain.Payload{Kind: domain.KindText, Text: joinLines(caption, content.Caption, unsupportedText(content))}
	}
}

// Reverse turns an operator message into content the source session can
// send. Media is fetched through op; on failure the result is a text
// diagnostic rather than an error.
func (c *Converter) Reverse(ctx context.Context, op domain.FileFetcher, content domain.Content) domain.Content {
	switch content.Kind {
	case domain.KindText:
		return domain.Text(content.Text)

	case domain.KindPhoto, domain.KindVoice, domain.KindSticker, domain.KindAnimation:
		path, err := c.retrieve(ctx, op, content)
		if err != nil {
			c.logger.Warn("reverse media retrieval failed, sending diagnostic",
				"kind", content.Kind, "err", err)
			return domain.Text(retrievalDiagnostic(content.Kind, err))
		}
		out := content
		out.LocalPath = path
		return out

	default:
		return domain.Text(joinLines(content.Caption, unsupportedText(content)))
	}
}

// retrieve copies the media behind content into a transient file, giving up
// after the configured timeout even if the fetcher ignores ctx.
func (c *Converter) retrieve(ctx context.Context, f domain.FileFetcher, content domain.Content) (string, error) {
	if f == nil {
		return "", errors.New("no file retrieval available")
	}
	if content.File == nil || content.File.ID == "" {
		return "", errors.New("missing file reference")
	}

	tmp, err := os.CreateTemp(c.tempDir, "relay_*"+extension(content.Kind, content.File.MIME))
	if err != nil {
		return "", fmt.Errorf("create transient file: %w", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.Fetch(fetchCtx, *content.File, tmp) }()

	select {
	case err = <-done:
	case <-fetchCtx.Done():
		err = fetchCtx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		metrics.RetrievalTimeouts.Inc()
		err = fmt.Errorf("%w after %s", domain.ErrRetrievalTimeout, c.timeout)
	}

	if closeErr := tmp.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("close transient file: %w", closeErr)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

func retrievalDiagnostic(kind domain.ContentKind, err error) string {
	return fmt.Sprintf("Failed to retrieve %s: %v", kind, err)
}

func unsupportedText(content domain.Content) string {
	if content.Text != "" {
		return "Unsupported message type " + content.Text
	}
	return "Unsupported message type"
}

func joinLines(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n")
}

var mimeExtensions = map[string]string{
	"image/jpeg":              ".jpg",
	"image/png":               ".png",
	"image/webp":              ".webp",
	"audio/ogg":               ".ogg",
	"audio/mpeg":              ".mp3",
	"video/mp4":               ".mp4",
	"video/webm":              ".webm",
	"image/gif":               ".gif",
	"application/x-tgsticker": ".tgs",
}

func extension(kind domain.ContentKind, mime string) string {
	if ext, ok := mimeExtensions[mime]; ok {
		return ext
	}
	switch kind {
	case domain.KindPhoto:
		return ".jpg"
	case domain.KindVoice:
		return ".ogg"
	case domain.KindSticker:
		return ".webp"
	case domain.KindAnimation:
		return ".mp4"
	}
	return ""
}
