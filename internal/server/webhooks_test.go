package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"redink/internal/config"
	"redink/internal/domain"
)

type memoryJournal struct {
	mu     sync.Mutex
	events []domain.Event
}

func (m *memoryJournal) add(typ, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, domain.Event{
		ID:         int64(len(m.events) + 1),
		TS:         "2025-05-01T08:00:00Z",
		Type:       typ,
		EntityKind: "record",
		EntityID:   id,
		Payload:    `{"title":"x"}`,
	})
}

func (m *memoryJournal) After(_ context.Context, afterID int64, limit int) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, e := range m.events {
		if e.ID > afterID && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memoryJournal) LatestID(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.events)), nil
}

type hookReceiver struct {
	mu      sync.Mutex
	fail    bool
	got     []webhookEvent
	headers []http.Header
}

func (h *hookReceiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		http.Error(w, "down", http.StatusBadGateway)
		return
	}
	body, _ := io.ReadAll(r.Body)
	var evt webhookEvent
	_ = json.Unmarshal(body, &evt)
	h.got = append(h.got, evt)
	h.headers = append(h.headers, r.Header.Clone())
	w.WriteHeader(http.StatusNoContent)
}

func TestWebhookDispatcherDeliversNewEvents(t *testing.T) {
	journal := &memoryJournal{}
	journal.add("record.create", "old")

	recv := &hookReceiver{}
	srv := httptest.NewServer(recv)
	defer srv.Close()

	d := newWebhookDispatcher(journal, []config.WebhookConfig{{
		URL:    srv.URL,
		Events: []string{"record.*"},
		Secret: "hook-secret",
	}}, nil)
	ctx := context.Background()

	// First poll only pins the cursor.
	d.dispatchAll(ctx)
	if len(recv.got) != 0 {
		t.Fatalf("backlog delivered: %+v", recv.got)
	}

	journal.add("record.update", "rec-1")
	journal.add("history.cleanup", "")
	journal.add("record.delete", "rec-1")
	d.dispatchAll(ctx)

	if len(recv.got) != 2 || recv.got[0].Type != "record.update" || recv.got[1].Type != "record.delete" {
		t.Fatalf("delivered: %+v", recv.got)
	}
	if string(recv.got[0].Payload) != `{"title":"x"}` {
		t.Fatalf("payload = %s", recv.got[0].Payload)
	}
	h := recv.headers[0]
	if h.Get("X-RedInk-Event") != "record.update" || h.Get("X-RedInk-Secret") != "hook-secret" || h.Get("X-RedInk-Delivery") != "2" {
		t.Fatalf("headers = %v", h)
	}
	if d.cursors[0] != 4 {
		t.Fatalf("cursor = %d", d.cursors[0])
	}
}

func TestWebhookDispatcherRetriesFailedDelivery(t *testing.T) {
	journal := &memoryJournal{}
	recv := &hookReceiver{fail: true}
	srv := httptest.NewServer(recv)
	defer srv.Close()

	d := newWebhookDispatcher(journal, []config.WebhookConfig{{URL: srv.URL}}, nil)
	ctx := context.Background()
	d.dispatchAll(ctx)

	journal.add("record.create", "rec-1")
	d.dispatchAll(ctx)
	if d.cursors[0] != 0 {
		t.Fatalf("cursor advanced past failed delivery: %d", d.cursors[0])
	}

	recv.mu.Lock()
	recv.fail = false
	recv.mu.Unlock()
	d.dispatchAll(ctx)
	if len(recv.got) != 1 || d.cursors[0] != 1 {
		t.Fatalf("retry: delivered %d, cursor %d", len(recv.got), d.cursors[0])
	}
}

func TestWebhookDisabledAndFilter(t *testing.T) {
	off := false
	if d := newWebhookDispatcher(&memoryJournal{}, nil, nil); d != nil {
		t.Fatalf("dispatcher without hooks")
	}
	d := newWebhookDispatcher(&memoryJournal{}, []config.WebhookConfig{{URL: "http://127.0.0.1:1", Enabled: &off}}, nil)
	d.dispatchAll(context.Background())
	if len(d.cursors) != 0 {
		t.Fatalf("disabled hook polled")
	}

	f := newEventFilter([]string{"history.cleanup", "record.*"})
	for typ, want := range map[string]bool{
		"history.cleanup": true,
		"record.create":   true,
		"index.rebuild":   false,
	} {
		if f.match(typ) != want {
			t.Fatalf("match(%s) = %v", typ, !want)
		}
	}
	if !newEventFilter(nil).match("anything") || !newEventFilter([]string{"*"}).match("x") {
		t.Fatalf("empty filter should match all")
	}
}
