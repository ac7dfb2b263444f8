// Package db opens the SQLite journal kept next to the history directory.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	stateDir      = ".redink"
	defaultDBName = "journal.db"
)

type Config struct {
	Workspace string
	// Path overrides the default <workspace>/.redink/journal.db location.
	Path string
}

func (c Config) path() string {
	if c.Path != "" {
		return c.Path
	}
	workspace := c.Workspace
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDir, defaultDBName)
}

// Open opens the journal database, creating its directory when missing.
func Open(cfg Config) (*sql.DB, error) {
	path := cfg.path()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// Path returns the journal path for cfg.
func Path(cfg Config) string {
	return cfg.path()
}
