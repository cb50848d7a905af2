package db

import (
	"path/filepath"
	"testing"

	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/models"
)

func TestOpen_MemoryOnly(t *testing.T) {
	db, err := Open(config.DatabaseConfig{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if db != nil {
		t.Fatal("expected nil db for empty driver")
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "postgres"})
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestOpen_SqliteAndMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(config.DatabaseConfig{Driver: "sqlite", Path: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	// Verify tables exist by writing and reading a row.
	sess := models.Session{SessionID: "s1", ContextKey: "/proj/a"}
	if err := db.Create(&sess).Error; err != nil {
		t.Fatalf("create session: %v", err)
	}
	var got models.Session
	if err := db.Where("context_key = ?", "/proj/a").First(&got).Error; err != nil {
		t.Fatalf("read session: %v", err)
	}
	if got.SessionID != "s1" {
		t.Errorf("session id = %q, want s1", got.SessionID)
	}
}

func TestDSN(t *testing.T) {
	got := DSN("db.example.com", 3307, "signalbox")
	want := "root@tcp(db.example.com:3307)/signalbox?parseTime=true"
	if got != want {
		t.Errorf("dsn = %q, want %q", got, want)
	}
}
