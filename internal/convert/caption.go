package convert

import (
	"fmt"
	"strings"
	"time"

	"relaybot/internal/domain"
)

// TimeLayout renders message timestamps in captions.
const TimeLayout = "2006-01-02 15:04:05"

// Caption builds the header line of a notification:
//
//	New message from <title> (@<handle>) <time>:
func Caption(chat domain.ChatInfo, sender domain.Sender, at time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	title := strings.TrimSpace(chat.Title)
	if title == "" {
		title = strings.TrimSpace(sender.Name)
	}
	if title == "" {
		title = fmt.Sprintf("chat %d", chat.ID)
	}

	var sb strings.Builder
	sb.WriteString("New message from ")
	sb.WriteString(title)
	if sender.Username != "" {
		sb.WriteString(" (@")
		sb.WriteString(sender.Username)
		sb.WriteString(")")
	}
	if !at.IsZero() {
		sb.WriteString(" ")
		sb.WriteString(at.In(loc).Format(TimeLayout))
	}
	sb.WriteString(":")
	return sb.String()
}
