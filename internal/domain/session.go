package domain

import (
	"context"
	"io"
)

// EventHandler receives inbound events from a running session.
type EventHandler func(InboundEvent)

// Session is a live connection for one linked account.
type Session interface {
	// Run blocks until ctx is done or the session fails. ready is called
	// once the session is authorized and receiving events.
	Run(ctx context.Context, ready func(), onEvent EventHandler) error
	SelfID() int64
	ChatInfo(ctx context.Context, conversationID int64) (ChatInfo, error)
	UserInfo(ctx context.Context, userID int64) (Sender, error)
	Send(ctx context.Context, conversationID int64, c Content) error
	MarkViewed(ctx context.Context, conversationID int64, messageIDs []int64) error
	FileFetcher
}

// Dialer creates sessions from credentials.
type Dialer interface {
	Dial(ctx context.Context, cred Credential) (Session, error)
}

// FileFetcher retrieves the bytes behind a FileRef.
type FileFetcher interface {
	Fetch(ctx context.Context, ref FileRef, w io.Writer) error
}
