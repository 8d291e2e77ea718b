package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	"relaybot/internal/domain"
)

// CredentialFile is a CredentialStore backed by a JSON array.
type CredentialFile struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
	creds  []domain.Credential
	// broken is set when the file on disk could not be read or preserved;
	// Add refuses to overwrite it.
	broken error
}

// OpenCredentialFile loads the credential list at path. A missing file yields
// an empty list. A corrupt file is renamed to <path>.corrupt-<time> and the
// list starts empty.
func OpenCredentialFile(path string, logger *slog.Logger) (*CredentialFile, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	s := &CredentialFile{path: path, logger: logger}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		logger.Warn("cannot read credentials, refusing writes", "path", path, "err", err)
		s.broken = fmt.Errorf("read %s: %w", path, err)
	default:
		if err := json.Unmarshal(data, &s.creds); err != nil {
			s.creds = nil
			aside, mvErr := moveAside(path)
			if mvErr != nil {
				logger.Error("corrupt credentials file could not be moved aside, refusing writes", "path", path, "err", mvErr)
				s.broken = fmt.Errorf("corrupt %s: %w", path, err)
				break
			}
			logger.Warn("corrupt credentials file moved aside, starting empty", "path", path, "saved_as", aside, "err", err)
		}
	}
	return s, nil
}

func (s *CredentialFile) List(_ context.Context) ([]domain.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Credential, len(s.creds))
	copy(out, s.creds)
	return out, nil
}

func (s *CredentialFile) Add(_ context.Context, c domain.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, s.broken)
	}

	next := append(s.creds[:len(s.creds):len(s.creds)], c)
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode credentials: %v", domain.ErrPersistence, err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	s.creds = next
	return nil
}

func (s *CredentialFile) Close() error { return nil }
