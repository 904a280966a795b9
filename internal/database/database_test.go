package database

import (
	"path/filepath"
	"testing"

	"chathub/internal/config"
)

func TestOpenSQLiteCreatesSchema(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&count); err != nil {
		t.Fatalf("messages table should exist: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected empty table, got %d rows", count)
	}
}

func TestOpenSQLiteIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	for i := 0; i < 2; i++ {
		db, err := OpenSQLite(path)
		if err != nil {
			t.Fatalf("open #%d: %v", i+1, err)
		}
		db.Close()
	}
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite("  "); err == nil {
		t.Fatal("Expected error for empty path")
	}
}

func TestInitRejectsPostgres(t *testing.T) {
	_, err := Init(config.Config{DBDriver: config.DriverPostgres})
	if err == nil {
		t.Fatal("Postgres should not be opened through database/sql")
	}
}

func TestInitSQLite(t *testing.T) {
	db, err := Init(config.Config{
		DBDriver: config.DriverSQLite,
		DBPath:   filepath.Join(t.TempDir(), "init.db"),
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	db.Close()
}
