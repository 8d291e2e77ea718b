package userbot

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/tg"

	"relaybot/internal/domain"
)

// maxIndexedFiles bounds how many undownloaded media locations a session
// remembers. Oldest entries go first.
const maxIndexedFiles = 1024

// fileIndex maps the opaque FileRef ids handed out with inbound content to
// download locations.
type fileIndex struct {
	mu        sync.Mutex
	locations map[string]tg.InputFileLocationClass
	order     []string
	limit     int
}

func (f *fileIndex) put(id string, loc tg.InputFileLocationClass) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locations == nil {
		f.locations = make(map[string]tg.InputFileLocationClass)
	}
	if _, ok := f.locations[id]; !ok {
		f.order = append(f.order, id)
	}
	f.locations[id] = loc

	limit := f.limit
	if limit <= 0 {
		limit = maxIndexedFiles
	}
	for len(f.order) > limit {
		delete(f.locations, f.order[0])
		f.order = f.order[1:]
	}
}

func (f *fileIndex) get(id string) (tg.InputFileLocationClass, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	loc, ok := f.locations[id]
	return loc, ok
}

// forget drops id once its file has been downloaded.
func (f *fileIndex) forget(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.locations[id]; !ok {
		return
	}
	delete(f.locations, id)
	for i, v := range f.order {
		if v == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

func (f *fileIndex) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.locations)
}

// contentOf converts a message into relay content, registering any media
// location in files. The message text always survives, as the caption of
// media or next to the placeholder of an unsupported type.
func contentOf(msg *tg.Message, files *fileIndex) domain.Content {
	media, ok := msg.GetMedia()
	if !ok {
		return domain.Text(msg.Message)
	}

	switch m := media.(type) {
	case *tg.MessageMediaWebPage:
		// Link preview attached to a plain text message.
		return domain.Text(msg.Message)

	case *tg.MessageMediaPhoto:
		photo, ok := m.GetPhoto()
		if !ok {
			return unsupported("PhotoEmpty", msg.Message)
		}
		p, ok := photo.(*tg.Photo)
		if !ok {
			return unsupported("PhotoEmpty", msg.Message)
		}
		id := "photo:" + strconv.FormatInt(p.ID, 10)
		files.put(id, &tg.InputPhotoFileLocation{
			ID:            p.ID,
			AccessHash:    p.AccessHash,
			FileReference: p.FileReference,
			ThumbSize:     largestSize(p.Sizes),
		})
		return domain.Content{
			Kind:    domain.KindPhoto,
			Caption: msg.Message,
			File:    &domain.FileRef{ID: id, MIME: "image/jpeg"},
		}

	case *tg.MessageMediaDocument:
		doc, ok := m.GetDocument()
		if !ok {
			return unsupported("DocumentEmpty", msg.Message)
		}
		d, ok := doc.(*tg.Document)
		if !ok {
			return unsupported("DocumentEmpty", msg.Message)
		}
		return documentContent(msg.Message, d, files)
	}

	return unsupported(strings.TrimPrefix(fmt.Sprintf("%T", media), "*tg."), msg.Message)
}

func unsupported(typeName, text string) domain.Content {
	c := domain.Unsupported(typeName)
	c.Caption = text
	return c
}

func documentContent(text string, d *tg.Document, files *fileIndex) domain.Content {
	kind := domain.ContentKind("")
	var duration time.Duration
	for _, attr := range d.Attributes {
		switch a := attr.(type) {
		case *tg.DocumentAttributeAudio:
			if a.Voice {
				kind = domain.KindVoice
				duration = time.Duration(a.Duration) * time.Second
			}
		case *tg.DocumentAttributeSticker:
			kind = domain.KindSticker
		case *tg.DocumentAttributeAnimated:
			if kind == "" {
				kind = domain.KindAnimation
			}
		}
	}
	if kind == "" {
		return unsupported("Document", text)
	}

	id := "doc:" + strconv.FormatInt(d.ID, 10)
	files.put(id, &tg.InputDocumentFileLocation{
		ID:            d.ID,
		AccessHash:    d.AccessHash,
		FileReference: d.FileReference,
	})
	return domain.Content{
		Kind:     kind,
		Caption:  text,
		File:     &domain.FileRef{ID: id, MIME: d.MimeType, Size: int64(d.Size)},
		Duration: duration,
	}
}

// largestSize picks the biggest downloadable photo size type.
func largestSize(sizes []tg.PhotoSizeClass) string {
	best, bestArea := "", -1
	for _, s := range sizes {
		switch s := s.(type) {
		case *tg.PhotoSize:
			if a := s.W * s.H; a > bestArea {
				best, bestArea = s.Type, a
			}
		case *tg.PhotoSizeProgressive:
			if a := s.W * s.H; a > bestArea {
				best, bestArea = s.Type, a
			}
		}
	}
	return best
}

// inputMedia builds the upload descriptor for outbound media content.
func inputMedia(c domain.Content, file tg.InputFileClass) (tg.InputMediaClass, error) {
	switch c.Kind {
	case domain.KindPhoto:
		return &tg.InputMediaUploadedPhoto{File: file}, nil
	case domain.KindVoice:
		return &tg.InputMediaUploadedDocument{
			File:     file,
			MimeType: "audio/ogg",
			Attributes: []tg.DocumentAttributeClass{
				&tg.DocumentAttributeAudio{Voice: true, Duration: int(c.Duration / time.Second)},
			},
		}, nil
	case domain.KindSticker:
		return &tg.InputMediaUploadedDocument{
			File:     file,
			MimeType: mimeOf(c.LocalPath, "image/webp"),
			Attributes: []tg.DocumentAttributeClass{
				&tg.DocumentAttributeSticker{Stickerset: &tg.InputStickerSetEmpty{}},
				&tg.DocumentAttributeFilename{FileName: filepath.Base(c.LocalPath)},
			},
		}, nil
	case domain.KindAnimation:
		return &tg.InputMediaUploadedDocument{
			File:     file,
			MimeType: mimeOf(c.LocalPath, "video/mp4"),
			Attributes: []tg.DocumentAttributeClass{
				&tg.DocumentAttributeAnimated{},
				&tg.DocumentAttributeFilename{FileName: filepath.Base(c.LocalPath)},
			},
		}, nil
	}
	return nil, fmt.Errorf("no media upload for %s", c.Kind)
}

func mimeOf(path, fallback string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".webp":
		return "image/webp"
	case ".tgs":
		return "application/x-tgsticker"
	case ".webm":
		return "video/webm"
	case ".gif":
		return "image/gif"
	case ".mp4":
		return "video/mp4"
	}
	return fallback
}
