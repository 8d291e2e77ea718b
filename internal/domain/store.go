package domain

import "context"

// CorrelationEntry maps a notification back to where it came from.
type CorrelationEntry struct {
	NotificationID int64     `json:"notification_id"`
	AccountID      AccountID `json:"account_id"`
	ConversationID int64     `json:"conversation_id"`
}

// CorrelationStore persists notification -> origin mappings.
type CorrelationStore interface {
	Put(ctx context.Context, e CorrelationEntry) error
	Get(ctx context.Context, notificationID int64) (CorrelationEntry, bool, error)
	Remove(ctx context.Context, notificationID int64) error
	Len() int
	Close() error
}

// CredentialStore persists the ordered list of linked accounts.
type CredentialStore interface {
	List(ctx context.Context) ([]Credential, error)
	Add(ctx context.Context, c Credential) error
	Close() error
}
