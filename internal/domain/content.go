package domain

import (
	"os"
	"time"
)

// ContentKind is the closed set of payload shapes the relay handles.
type ContentKind string

const (
	KindText        ContentKind = "text"
	KindPhoto       ContentKind = "photo"
	KindVoice       ContentKind = "voice"
	KindSticker     ContentKind = "sticker"
	KindAnimation   ContentKind = "animation"
	KindUnsupported ContentKind = "unsupported"
)

// IsMedia reports whether the kind carries a file.
func (k ContentKind) IsMedia() bool {
	switch k {
	case KindPhoto, KindVoice, KindSticker, KindAnimation:
		return true
	}
	return false
}

// FileRef points at a remote file. ID is opaque to everything except the
// fetcher that produced it.
type FileRef struct {
	ID   string `json:"id"`
	MIME string `json:"mime,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// Content is a tagged variant. Which fields are meaningful depends on Kind:
//
//	KindText        Text
//	KindPhoto       File, Caption
//	KindVoice       File, Duration, Caption
//	KindSticker     File
//	KindAnimation   File, Caption
//	KindUnsupported Text (placeholder naming the original type), Caption
//
// LocalPath is set once a media file has been retrieved.
type Content struct {
	Kind      ContentKind
	Text      string
	Caption   string
	File      *FileRef
	LocalPath string
	Duration  time.Duration
}

func Text(s string) Content { return Content{Kind: KindText, Text: s} }

// Unsupported builds the placeholder variant for a content type the relay
// cannot carry.
func Unsupported(typeName string) Content {
	return Content{Kind: KindUnsupported, Text: "(" + typeName + ")"}
}

// Payload is what gets sent to the operator channel. FilePath, when set, is
// a transient file owned by whoever holds the payload.
type Payload struct {
	Kind     ContentKind
	Text     string
	Caption  string
	FilePath string
	Duration time.Duration
}

// Release removes the transient file behind the payload, if any.
func (p Payload) Release() {
	if p.FilePath != "" {
		_ = os.Remove(p.FilePath)
	}
}
