package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"relaybot/internal/domain"
)

// CorrelationFile is a CorrelationStore backed by one JSON document that is
// rewritten in full on every mutation. The on-disk shape is
//
//	{"<notificationId>": [accountId, conversationId], ...}
type CorrelationFile struct {
	path    string
	logger  *slog.Logger
	mu      sync.Mutex
	entries map[int64]domain.CorrelationEntry
}

// OpenCorrelationFile loads the table at path. A missing or unreadable file
// yields an empty table.
func OpenCorrelationFile(path string, logger *slog.Logger) (*CorrelationFile, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	s := &CorrelationFile{
		path:    path,
		logger:  logger,
		entries: make(map[int64]domain.CorrelationEntry),
	}
	s.load()
	return s, nil
}

func (s *CorrelationFile) load() {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		s.logger.Warn("cannot read correlation table, starting empty", "path", s.path, "err", err)
		return
	}

	var raw map[string][]int64
	if err := json.Unmarshal(data, &raw); err != nil {
		aside, mvErr := moveAside(s.path)
		s.logger.Warn("corrupt correlation table, starting empty", "path", s.path, "saved_as", aside, "err", err, "move_err", mvErr)
		return
	}
	for key, pair := range raw {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil || len(pair) != 2 {
			s.logger.Warn("skipping malformed correlation entry", "key", key)
			continue
		}
		s.entries[id] = domain.CorrelationEntry{
			NotificationID: id,
			AccountID:      domain.AccountID(pair[0]),
			ConversationID: pair[1],
		}
	}
	s.logger.Debug("correlation table loaded", "path", s.path, "entries", len(s.entries))
}

// persist must be called with mu held.
func (s *CorrelationFile) persist() error {
	raw := make(map[string][2]int64, len(s.entries))
	for id, e := range s.entries {
		raw[strconv.FormatInt(id, 10)] = [2]int64{int64(e.AccountID), e.ConversationID}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("%w: encode correlation table: %v", domain.ErrPersistence, err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	return nil
}

func (s *CorrelationFile) Put(_ context.Context, e domain.CorrelationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.entries[e.NotificationID]
	s.entries[e.NotificationID] = e
	if err := s.persist(); err != nil {
		if existed {
			s.entries[e.NotificationID] = prev
		} else {
			delete(s.entries, e.NotificationID)
		}
		return err
	}
	return nil
}

func (s *CorrelationFile) Get(_ context.Context, notificationID int64) (domain.CorrelationEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[notificationID]
	return e, ok, nil
}

func (s *CorrelationFile) Remove(_ context.Context, notificationID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.entries[notificationID]
	if !existed {
		return nil
	}
	delete(s.entries, notificationID)
	if err := s.persist(); err != nil {
		s.entries[notificationID] = prev
		return err
	}
	return nil
}

func (s *CorrelationFile) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *CorrelationFile) Close() error { return nil }
