package app

import (
	"context"
	"os"
	"testing"

	"redink/internal/config"
	"redink/internal/db"
	"redink/internal/domain"
	"redink/internal/events"
)

func TestOpenWiresJournal(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a, err := Open(ctx, dir, config.Default(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()

	id, err := a.Store.Create(ctx, "wired", domain.Outline{}, "task-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	evts, err := a.Events.List(ctx, events.Filter{EntityID: id})
	if err != nil || len(evts) != 1 || evts[0].Type != "record.create" {
		t.Fatalf("journal: %+v %v", evts, err)
	}
	snap, err := a.Scanner.Scan(ctx)
	if err != nil || snap.ReferencedMissingTaskDirsCount != 1 {
		t.Fatalf("scan: %+v %v", snap, err)
	}
}

func TestOpenWithoutJournal(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Journal.Enabled = false
	a, err := Open(context.Background(), dir, cfg, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if a.Events != nil || a.Store.Journal != nil || a.Planner.Journal != nil {
		t.Fatalf("journal wired while disabled")
	}
	if _, err := os.Stat(db.Path(db.Config{Workspace: dir})); !os.IsNotExist(err) {
		t.Fatalf("journal database created: %v", err)
	}
}
