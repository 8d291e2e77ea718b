package domain

import "time"

type ChatKind string

const (
	ChatPrivate   ChatKind = "private"
	ChatGroup     ChatKind = "group"
	ChatBroadcast ChatKind = "broadcast"
	ChatUnknown   ChatKind = ""
)

// ChatInfo is conversation metadata resolved from the source session.
type ChatInfo struct {
	ID    int64
	Title string
	Kind  ChatKind
}

// Sender describes the author of an inbound message.
type Sender struct {
	UserID   int64
	Username string
	Name     string
}

// InboundEvent is a message that arrived on one account's session.
type InboundEvent struct {
	AccountID      AccountID
	ConversationID int64
	MessageID      int64
	SenderID       int64 // 0 when the message has no user author
	Outgoing       bool
	Content        Content
	ReceivedAt     time.Time
}

// OperatorMessage is a message the operator wrote in the operator channel.
type OperatorMessage struct {
	MessageID int64
	ReplyTo   int64 // notification id being replied to; 0 if not a reply
	Command   string
	Args      string
	Content   Content
	Timestamp time.Time
}

// IsReply reports whether the message references an earlier notification.
func (m OperatorMessage) IsReply() bool { return m.ReplyTo != 0 }
