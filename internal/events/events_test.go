package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"redink/internal/db"
	"redink/internal/events"
	"redink/internal/migrate"
)

func newJournal(t *testing.T) (events.Writer, events.Reader) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	w := events.Writer{DB: conn, Now: func() time.Time { return time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC) }}
	return w, events.Reader{DB: conn}
}

func TestAppendAndList(t *testing.T) {
	w, r := newJournal(t)
	ctx := context.Background()
	if err := w.Append(ctx, "record.create", "record", "rec-1", map[string]any{"title": "Autumn"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Append(ctx, "history.cleanup", "history", "", map[string]any{"deleted_count": 3}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Append(ctx, "record.delete", "record", "rec-1", nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	all, err := r.List(ctx, events.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].Type != "record.delete" || all[2].Type != "record.create" {
		t.Fatalf("unexpected order: %+v", all)
	}
	if all[1].EntityID != "" || all[0].Payload != "{}" {
		t.Fatalf("unexpected event: %+v", all[1])
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(all[2].Payload), &payload); err != nil || payload["title"] != "Autumn" {
		t.Fatalf("payload: %s %v", all[2].Payload, err)
	}
	if all[2].TS != "2025-05-01T08:00:00Z" {
		t.Fatalf("ts = %s", all[2].TS)
	}

	forRecord, err := r.List(ctx, events.Filter{EntityKind: "record", EntityID: "rec-1"})
	if err != nil || len(forRecord) != 2 {
		t.Fatalf("filter by entity: %d %v", len(forRecord), err)
	}
	older, err := r.List(ctx, events.Filter{Before: all[0].ID, Limit: 1})
	if err != nil || len(older) != 1 || older[0].ID != all[1].ID {
		t.Fatalf("paging: %+v %v", older, err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	ctx := context.Background()
	first, err := migrate.Migrate(ctx, conn)
	if err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	second, err := migrate.Migrate(ctx, conn)
	if err != nil || second != first || first < 1 {
		t.Fatalf("versions %d -> %d (%v)", first, second, err)
	}
}

func TestAfterAndLatestID(t *testing.T) {
	w, r := newJournal(t)
	ctx := context.Background()
	latest, err := r.LatestID(ctx)
	if err != nil || latest != 0 {
		t.Fatalf("empty journal latest = %d (%v)", latest, err)
	}
	for _, typ := range []string{"record.create", "record.update", "record.delete"} {
		if err := w.Append(ctx, typ, "record", "rec-1", nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	latest, err = r.LatestID(ctx)
	if err != nil || latest == 0 {
		t.Fatalf("latest = %d (%v)", latest, err)
	}
	after, err := r.After(ctx, 0, 2)
	if err != nil || len(after) != 2 || after[0].Type != "record.create" || after[1].Type != "record.update" {
		t.Fatalf("after 0: %+v %v", after, err)
	}
	rest, err := r.After(ctx, after[1].ID, 10)
	if err != nil || len(rest) != 1 || rest[0].ID != latest {
		t.Fatalf("after %d: %+v %v", after[1].ID, rest, err)
	}
}
