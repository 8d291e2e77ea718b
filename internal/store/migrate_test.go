package store

import (
	"context"
	"path/filepath"
	"testing"

	"relaybot/internal/domain"
)

func TestMigrations_FreshAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")

	db, err := OpenSQLite(path, testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	v, err := currentSchemaVersion(db.db)
	if err != nil {
		t.Fatal(err)
	}
	if v != schemaVersion {
		t.Fatalf("expected schema version %d, got %d", schemaVersion, v)
	}
	if err := db.Correlations().Put(context.Background(), domain.CorrelationEntry{NotificationID: 1, AccountID: 2, ConversationID: 3}); err != nil {
		t.Fatal(err)
	}
	db.Close()

	// Reopening applies nothing and keeps the data.
	db, err = OpenSQLite(path, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	var applied int
	if err := db.db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&applied); err != nil {
		t.Fatal(err)
	}
	if applied != len(migrations) {
		t.Errorf("expected %d recorded migrations, got %d", len(migrations), applied)
	}
	if _, ok, _ := db.Correlations().Get(context.Background(), 1); !ok {
		t.Error("entry lost across reopen")
	}
}
