// Package app wires configuration into the history store, the retention
// tooling and the journal.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"redink/internal/config"
	"redink/internal/db"
	"redink/internal/events"
	"redink/internal/history"
	"redink/internal/logger"
	"redink/internal/migrate"
	"redink/internal/retention"
)

type App struct {
	Workspace string
	Config    *config.Config
	Log       *logger.Logger

	Store   *history.Store
	Scanner *retention.Scanner
	Planner *retention.Planner

	// Events is nil when the journal is disabled.
	Events *events.Reader

	conn *sql.DB
}

// Open builds the components for workspace. The journal database is opened
// and migrated only when it is enabled.
func Open(ctx context.Context, workspace string, cfg *config.Config, log *logger.Logger) (*App, error) {
	if log == nil {
		log = logger.Nop()
	}
	store, err := history.New(cfg.HistoryDir(workspace), log.With("component", "history"))
	if err != nil {
		return nil, err
	}
	a := &App{Workspace: workspace, Config: cfg, Log: log, Store: store}

	if cfg.Journal.Enabled {
		conn, err := db.Open(db.Config{Workspace: workspace, Path: cfg.Journal.Path})
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		if _, err := migrate.Migrate(ctx, conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate journal: %w", err)
		}
		a.conn = conn
		writer := events.Writer{DB: conn}
		store.Journal = writer
		a.Events = &events.Reader{DB: conn}
	}

	a.Scanner = retention.NewScanner(store.Dir, store, log.With("component", "retention"))
	var journal retention.Journal
	if store.Journal != nil {
		journal = store.Journal
	}
	a.Planner = retention.NewPlanner(a.Scanner, journal, log.With("component", "cleanup"))
	return a, nil
}

func (a *App) Close() error {
	if a.conn == nil {
		return nil
	}
	return a.conn.Close()
}
