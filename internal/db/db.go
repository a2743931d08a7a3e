package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// The workspace layout: submissions database and mapping store live
// under a .formbridge data directory, the form catalog sits at the
// workspace root where site templates can edit it directly.
const (
	dataDirName = ".formbridge"
	dbName      = "formbridge.db"
	mappingName = "mapping.yml"
	catalogName = "forms.yml"
)

type Config struct {
	Workspace string
}

func dataDir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, dataDirName)
}

// EnsureWorkspace creates the workspace data directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := dataDir(workspace)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// MappingPath returns the mapping store location for a workspace.
func MappingPath(workspace string) string {
	return filepath.Join(dataDir(workspace), mappingName)
}

// CatalogPath returns the local form catalog location for a workspace.
func CatalogPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, catalogName)
}

// Open opens the SQLite database with foreign keys on.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", filepath.Join(dataDir(cfg.Workspace), dbName))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
