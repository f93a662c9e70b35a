package db

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	workspaceDir = ".onecost"
	dbFileName   = "onecost.db"
)

type Config struct {
	Workspace string
}

// EnsureWorkspace creates the workspace data directory if missing and returns
// its path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(workspaceRoot(workspace), workspaceDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open opens the workspace database. Foreign keys are enforced and a busy
// timeout covers the window where two operations contend for the write lock.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	return sql.Open("sqlite", dsn(Path(cfg.Workspace)))
}

// Path returns the database file path for the workspace.
func Path(workspace string) string {
	return filepath.Join(workspaceRoot(workspace), workspaceDir, dbFileName)
}

func workspaceRoot(workspace string) string {
	if workspace == "" {
		return "."
	}
	return workspace
}

func dsn(file string) string {
	return "file:" + file + "?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}
