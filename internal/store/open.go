package store

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"relaybot/internal/domain"
)

const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// Options selects and locates the persistence backend.
type Options struct {
	Backend         string
	Dir             string
	CorrelationFile string
	CredentialsFile string
	DBFile          string
	Logger          *slog.Logger
}

// Stores bundles the two durable stores the relay needs.
type Stores struct {
	Correlations domain.CorrelationStore
	Credentials  domain.CredentialStore
	closers      []func() error
}

// Open loads both stores in full. It must complete before any reply is routed.
func Open(opts Options) (*Stores, error) {
	switch opts.Backend {
	case BackendSQLite:
		db, err := OpenSQLite(resolve(opts.Dir, opts.DBFile), opts.Logger)
		if err != nil {
			return nil, err
		}
		return &Stores{
			Correlations: db.Correlations(),
			Credentials:  db.Credentials(),
			closers:      []func() error{db.Close},
		}, nil
	case BackendJSON, "":
		corr, err := OpenCorrelationFile(resolve(opts.Dir, opts.CorrelationFile), opts.Logger)
		if err != nil {
			return nil, err
		}
		creds, err := OpenCredentialFile(resolve(opts.Dir, opts.CredentialsFile), opts.Logger)
		if err != nil {
			return nil, err
		}
		return &Stores{
			Correlations: corr,
			Credentials:  creds,
			closers:      []func() error{corr.Close, creds.Close},
		}, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}

func (s *Stores) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func resolve(dir, name string) string {
	if filepath.IsAbs(name) || dir == "" {
		return name
	}
	return filepath.Join(dir, name)
}
