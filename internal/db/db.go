package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	workspaceDir  = ".phaseline"
	defaultDBName = "phaseline.db"
)

type Config struct {
	Workspace string
	// Path overrides the workspace-derived database file when set.
	Path string
}

func dbPath(cfg Config) string {
	if cfg.Path != "" {
		return cfg.Path
	}
	workspace := cfg.Workspace
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, defaultDBName)
}

// EnsureWorkspace creates the workspace state directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the SQLite database with foreign keys on, WAL journaling and
// immediate write transactions so concurrent writers queue on busy_timeout
// instead of failing at commit.
func Open(cfg Config) (*sql.DB, error) {
	path := dbPath(cfg)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(Config{Workspace: workspace})
}
