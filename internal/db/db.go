// Package db locates and opens the workspace SQLite database. All state for
// a workspace lives in a .vaultline directory beside the config file.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	stateDir = ".vaultline"
	fileName = "vaultline.db"
)

// Config locates the workspace whose database should be opened.
type Config struct {
	Workspace string
}

// EnsureWorkspace creates the workspace state directory if it is missing and
// returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(workspace, stateDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	return dir, nil
}

// Path returns the database file location for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDir, fileName)
}

// Open opens the workspace database. Foreign keys are enforced, and writers
// wait for the lock rather than failing fast, since the CLI and a running
// server may share one file.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)",
		Path(cfg.Workspace))
	return sql.Open("sqlite", dsn)
}
