package db

import (
	"path/filepath"
	"testing"
)

func TestNew_CreatesDatabase(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nested", "montage.db")

	database, err := New(dbPath, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer database.Close()

	tables := []string{"runs", "config", "_migrations"}
	for _, table := range tables {
		var name string
		err := database.Conn().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestNew_WALEnabled(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	database, err := New(dbPath, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer database.Close()

	var journalMode string
	err = database.Conn().QueryRow("PRAGMA journal_mode").Scan(&journalMode)
	if err != nil {
		t.Fatalf("PRAGMA journal_mode error = %v", err)
	}

	if journalMode != "wal" {
		t.Errorf("journal_mode = %s, want wal", journalMode)
	}
}

func TestNew_MigrationsIdempotent(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db1, err := New(dbPath, nil)
	if err != nil {
		t.Fatalf("first New() error = %v", err)
	}
	db1.Close()

	db2, err := New(dbPath, nil)
	if err != nil {
		t.Fatalf("second New() error = %v", err)
	}
	defer db2.Close()

	var count int
	err = db2.Conn().QueryRow("SELECT COUNT(*) FROM _migrations").Scan(&count)
	if err != nil {
		t.Fatalf("count migrations error = %v", err)
	}

	if count != 1 {
		t.Errorf("migration count = %d, want 1", count)
	}
}

func TestMarkInterruptedRuns(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db1, err := New(dbPath, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = db1.Conn().Exec(`
		INSERT INTO runs (id, session_id, backend, mode, position, ratio, state, progress, started_at, updated_at)
		VALUES
			('active-run', 's1', 'local', 'corner', 'top', 50, 'encoding', 45, '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z'),
			('done-run', 's1', 'local', 'corner', 'top', 50, 'done', 100, '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')
	`)
	if err != nil {
		t.Fatalf("insert runs error = %v", err)
	}
	db1.Close()

	db2, err := New(dbPath, nil)
	if err != nil {
		t.Fatalf("second New() error = %v", err)
	}
	defer db2.Close()

	var state, errMsg string
	err = db2.Conn().QueryRow("SELECT state, error_message FROM runs WHERE id = 'active-run'").Scan(&state, &errMsg)
	if err != nil {
		t.Fatalf("query run error = %v", err)
	}
	if state != "failed" {
		t.Errorf("run state = %s, want failed", state)
	}
	if errMsg != InterruptedMessage {
		t.Errorf("run error = %s, want %q", errMsg, InterruptedMessage)
	}

	err = db2.Conn().QueryRow("SELECT state FROM runs WHERE id = 'done-run'").Scan(&state)
	if err != nil {
		t.Fatalf("query run error = %v", err)
	}
	if state != "done" {
		t.Errorf("finished run state = %s, want done", state)
	}
}

func TestNewReader_KeepsActiveRuns(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	owner, err := New(dbPath, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer owner.Close()

	_, err = owner.Conn().Exec(`
		INSERT INTO runs (id, session_id, backend, mode, position, ratio, state, progress, started_at, updated_at)
		VALUES ('active-run', 's1', 'remote', 'split_screen', 'top', 50, 'encoding', 40, '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')
	`)
	if err != nil {
		t.Fatalf("insert run error = %v", err)
	}

	reader, err := NewReader(dbPath, nil)
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	defer reader.Close()

	var state string
	if err := reader.Conn().QueryRow("SELECT state FROM runs WHERE id = 'active-run'").Scan(&state); err != nil {
		t.Fatalf("query run error = %v", err)
	}
	if state != "encoding" {
		t.Errorf("run state = %s, want encoding", state)
	}
}
