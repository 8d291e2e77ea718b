package channel

import (
	"fmt"
	"log/slog"
)

// slogBotLogger routes the bot library's own logging through slog.
type slogBotLogger struct {
	log *slog.Logger
}

func (s *slogBotLogger) Println(v ...any) {
	s.log.Debug(fmt.Sprint(v...))
}

func (s *slogBotLogger) Printf(format string, v ...any) {
	s.log.Debug(fmt.Sprintf(format, v...))
}
