package db

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWorkspaceLayout(t *testing.T) {
	ws := t.TempDir()
	dir, err := EnsureWorkspace(ws)
	if err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	if dir != filepath.Join(ws, ".formbridge") {
		t.Fatalf("data dir = %q", dir)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("data dir not created: %v", err)
	}
	if got := MappingPath(ws); got != filepath.Join(ws, ".formbridge", "mapping.yml") {
		t.Fatalf("mapping path = %q", got)
	}
	if got := CatalogPath(ws); got != filepath.Join(ws, "forms.yml") {
		t.Fatalf("catalog path = %q", got)
	}
}

func TestOpenCreatesDatabase(t *testing.T) {
	ws := t.TempDir()
	conn, err := Open(Config{Workspace: ws})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if err := conn.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws, ".formbridge", "formbridge.db")); err != nil {
		t.Fatalf("database file: %v", err)
	}
}
