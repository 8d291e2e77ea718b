package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"relaybot/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLite holds both the correlation table and the credential list in one
// database. Writes go through mu so the single-writer discipline of the file
// stores carries over.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
	mu     sync.Mutex
}

func OpenSQLite(dbPath string, logger *slog.Logger) (*SQLite, error) {
	if err := ensureDir(dbPath); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db, logger: logger}
	if err := runMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

// Correlations returns the correlation view of the database.
func (s *SQLite) Correlations() *SQLiteCorrelations { return &SQLiteCorrelations{s} }

// Credentials returns the credential view of the database.
func (s *SQLite) Credentials() *SQLiteCredentials { return &SQLiteCredentials{s} }

func (s *SQLite) Close() error {
	return s.db.Close()
}

// SQLiteCorrelations implements domain.CorrelationStore.
type SQLiteCorrelations struct{ s *SQLite }

func (c *SQLiteCorrelations) Put(ctx context.Context, e domain.CorrelationEntry) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	_, err := c.s.db.ExecContext(ctx,
		`INSERT INTO correlations (notification_id, account_id, conversation_id, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(notification_id) DO UPDATE SET
		   account_id = excluded.account_id,
		   conversation_id = excluded.conversation_id`,
		e.NotificationID, int64(e.AccountID), e.ConversationID, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	return nil
}

func (c *SQLiteCorrelations) Get(ctx context.Context, notificationID int64) (domain.CorrelationEntry, bool, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	e := domain.CorrelationEntry{NotificationID: notificationID}
	var account int64
	err := c.s.db.QueryRowContext(ctx,
		`SELECT account_id, conversation_id FROM correlations WHERE notification_id = ?`, notificationID,
	).Scan(&account, &e.ConversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CorrelationEntry{}, false, nil
	}
	if err != nil {
		return domain.CorrelationEntry{}, false, err
	}
	e.AccountID = domain.AccountID(account)
	return e, true, nil
}

func (c *SQLiteCorrelations) Remove(ctx context.Context, notificationID int64) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if _, err := c.s.db.ExecContext(ctx, `DELETE FROM correlations WHERE notification_id = ?`, notificationID); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	return nil
}

func (c *SQLiteCorrelations) Len() int {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	var n int
	if err := c.s.db.QueryRow(`SELECT COUNT(*) FROM correlations`).Scan(&n); err != nil {
		c.s.logger.Warn("count correlations failed", "err", err)
		return 0
	}
	return n
}

// Close is a no-op; the owning SQLite handle closes the database.
func (c *SQLiteCorrelations) Close() error { return nil }

// SQLiteCredentials implements domain.CredentialStore.
type SQLiteCredentials struct{ s *SQLite }

func (c *SQLiteCredentials) List(ctx context.Context) ([]domain.Credential, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	rows, err := c.s.db.QueryContext(ctx, `SELECT api_id, api_hash, identity FROM credentials ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []domain.Credential
	for rows.Next() {
		var cr domain.Credential
		if err := rows.Scan(&cr.AppID, &cr.AppHash, &cr.Identity); err != nil {
			return nil, err
		}
		creds = append(creds, cr)
	}
	return creds, rows.Err()
}

func (c *SQLiteCredentials) Add(ctx context.Context, cr domain.Credential) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	_, err := c.s.db.ExecContext(ctx,
		`INSERT INTO credentials (api_id, api_hash, identity, created_at) VALUES (?, ?, ?, ?)`,
		cr.AppID, cr.AppHash, cr.Identity, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	return nil
}

func (c *SQLiteCredentials) Close() error { return nil }
