package db

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenCreatesWorkspace(t *testing.T) {
	dir := t.TempDir()
	conn, err := Open(Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	var mode string
	if err := conn.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatalf("journal mode: %v", err)
	}
	if !strings.EqualFold(mode, "wal") {
		t.Fatalf("journal_mode = %q", mode)
	}
	var fk int
	if err := conn.QueryRow(`PRAGMA foreign_keys`).Scan(&fk); err != nil {
		t.Fatalf("foreign keys: %v", err)
	}
	if fk != 1 {
		t.Fatalf("foreign_keys = %d", fk)
	}
	if Path(dir) != filepath.Join(dir, ".molt", "molt.db") {
		t.Fatalf("path = %s", Path(dir))
	}
}

func TestMySQLDSNForcesFoundRows(t *testing.T) {
	dsn, err := MySQLDSN("molt:secret@tcp(db:3306)/molt")
	if err != nil {
		t.Fatalf("dsn: %v", err)
	}
	if !strings.Contains(dsn, "clientFoundRows=true") {
		t.Fatalf("dsn missing clientFoundRows: %s", dsn)
	}
	if _, err := MySQLDSN(""); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "postgres"}); err == nil {
		t.Fatal("expected error")
	}
}
