// Package history persists generation records.
//
// Every record lives in its own JSON document under the history directory.
// A single index.json holds the summaries used for listing, search and
// statistics so those never open the documents. The document is the source
// of truth; the index is a projection that RebuildIndex can regenerate.
//
// Writers go through two locks: a per-record mutex around the document
// read-modify-write and one index critical section (process mutex plus an
// flock on .index.lock). Both files are replaced with temp-file + rename, so
// readers never lock and never see a partial write.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"redink/internal/domain"
	"redink/internal/logger"
	"redink/internal/pathid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 200
)

var ErrInvalidStatus = errors.New("invalid status")

// Journal receives an audit entry for every successful mutation.
type Journal interface {
	Append(ctx context.Context, evtType, entityKind, entityID string, payload map[string]any) error
}

type Store struct {
	Dir     string
	Journal Journal
	Log     *logger.Logger
	Now     func() time.Time

	indexMu sync.Mutex
	records keyedMutex

	cacheMu sync.Mutex
	cache   *indexView
}

// New opens the store rooted at dir, creating the directory if needed.
func New(dir string, log *logger.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("history directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Store{Dir: dir, Log: log, Now: time.Now}, nil
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// advance returns the next updated_at value; it never goes below prev.
func (s *Store) advance(prev time.Time) time.Time {
	now := s.now()
	if now.Before(prev) {
		return prev
	}
	return now
}

// RecordUpdate carries the fields of a partial update; nil means unchanged.
type RecordUpdate struct {
	Title   *string
	Status  *domain.Status
	Outline *domain.Outline
	Images  *domain.Images
}

func (u RecordUpdate) fields() []string {
	var out []string
	if u.Title != nil {
		out = append(out, "title")
	}
	if u.Status != nil {
		out = append(out, "status")
	}
	if u.Outline != nil {
		out = append(out, "outline")
	}
	if u.Images != nil {
		out = append(out, "images")
	}
	return out
}

type ListOptions struct {
	Page     int
	PageSize int
	Status   domain.Status
}

type ListResult struct {
	Records    []domain.Summary `json:"records"`
	Total      int              `json:"total"`
	Page       int              `json:"page"`
	PageSize   int              `json:"page_size"`
	TotalPages int              `json:"total_pages"`
}

type Statistics struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

// Create writes a new draft record and adds it to the index.
func (s *Store) Create(ctx context.Context, title string, outline domain.Outline, taskID string) (string, error) {
	if taskID != "" && !pathid.Valid(taskID) {
		return "", fmt.Errorf("task id %q: %w", taskID, pathid.ErrInvalid)
	}
	now := s.now()
	rec := domain.Record{
		ID:        uuid.NewString(),
		Title:     title,
		Status:    domain.StatusDraft,
		Outline:   outline,
		Images:    domain.Images{TaskID: taskID, Generated: []string{}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	unlock := s.records.Lock(rec.ID)
	defer unlock()
	if err := writeJSONAtomic(s.documentPath(pathid.ID(rec.ID)), rec); err != nil {
		return "", fmt.Errorf("write record %s: %w", rec.ID, err)
	}
	if err := s.mutateIndex(func(cat *catalog) error {
		cat.upsert(rec.Summary())
		return nil
	}); err != nil {
		return "", fmt.Errorf("index record %s: %w", rec.ID, err)
	}
	s.journal(ctx, "record.create", rec.ID, map[string]any{"title": title, "task_id": taskID})
	return rec.ID, nil
}

// Get loads a record. A missing, unreadable or malformed document reports
// false rather than an error.
func (s *Store) Get(ctx context.Context, id string) (domain.Record, bool) {
	pid, ok := parseRecordID(id)
	if !ok {
		return domain.Record{}, false
	}
	rec, err := s.readDocument(pid)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.Log.Warn("record unreadable", "record_id", id, "error", err)
		}
		return domain.Record{}, false
	}
	return rec, true
}

// Update applies the non-nil fields of upd. It reports false without side
// effects when the record does not exist or has no index entry.
func (s *Store) Update(ctx context.Context, id string, upd RecordUpdate) (bool, error) {
	if upd.Status != nil && !upd.Status.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidStatus, *upd.Status)
	}
	if upd.Images != nil && upd.Images.TaskID != "" && !pathid.Valid(upd.Images.TaskID) {
		return false, fmt.Errorf("task id %q: %w", upd.Images.TaskID, pathid.ErrInvalid)
	}
	pid, ok := parseRecordID(id)
	if !ok {
		return false, nil
	}

	unlock := s.records.Lock(id)
	defer unlock()
	rec, err := s.readDocument(pid)
	if err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		switch {
		case errors.Is(err, os.ErrNotExist):
			return false, nil
		case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
			s.Log.Warn("record unreadable; update skipped", "record_id", id, "error", err)
			return false, nil
		default:
			return false, err
		}
	}

	if upd.Title != nil {
		rec.Title = *upd.Title
	}
	if upd.Status != nil {
		rec.Status = *upd.Status
	}
	if upd.Outline != nil {
		rec.Outline = *upd.Outline
	}
	if upd.Images != nil {
		images := *upd.Images
		if images.Generated == nil {
			images.Generated = []string{}
		}
		rec.Images = images
	}
	rec.UpdatedAt = s.advance(rec.UpdatedAt)

	// A document without an index entry is stray; it stays untouched and
	// unindexed until a rebuild adopts it.
	indexed := false
	if err := s.mutateIndex(func(cat *catalog) error {
		i := cat.find(id)
		if i < 0 {
			return errUnchanged
		}
		if err := writeJSONAtomic(s.documentPath(pid), rec); err != nil {
			return fmt.Errorf("write record %s: %w", id, err)
		}
		cat.Records[i] = rec.Summary()
		indexed = true
		return nil
	}); err != nil {
		return false, fmt.Errorf("index record %s: %w", id, err)
	}
	if !indexed {
		return false, nil
	}
	s.journal(ctx, "record.update", id, map[string]any{"fields": upd.fields(), "status": rec.Status})
	return true, nil
}

// Delete drops the index entry first, then the document. It reports false
// when the index has no entry for id; a stray document is removed anyway.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	pid, ok := parseRecordID(id)
	if !ok {
		return false, nil
	}

	unlock := s.records.Lock(id)
	defer unlock()
	found := false
	if err := s.mutateIndex(func(cat *catalog) error {
		found = cat.remove(id)
		if !found {
			return errUnchanged
		}
		return nil
	}); err != nil {
		return false, fmt.Errorf("unindex record %s: %w", id, err)
	}

	err := os.Remove(s.documentPath(pid))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		if found {
			return true, fmt.Errorf("remove record %s: %w", id, err)
		}
		s.Log.Warn("stray record document not removed", "record_id", id, "error", err)
	}
	if !found {
		return false, nil
	}
	s.journal(ctx, "record.delete", id, nil)
	return true, nil
}

// List pages through the index in insertion order. Page defaults to 1 and
// page_size to 20; page_size is capped at 200, so total_pages is
// ceil(total / min(page_size, 200)).
func (s *Store) List(ctx context.Context, opts ListOptions) ListResult {
	page, size := normalizePage(opts.Page, opts.PageSize)
	view := s.readIndex()

	filtered := make([]domain.Summary, 0, len(view.records))
	for _, r := range view.records {
		if opts.Status == "" || r.Status == opts.Status {
			filtered = append(filtered, r)
		}
	}
	total := len(filtered)
	totalPages := (total + size - 1) / size

	records := []domain.Summary{}
	if page <= totalPages {
		start := (page - 1) * size
		end := start + size
		if end > total {
			end = total
		}
		records = append(records, filtered[start:end]...)
	}
	return ListResult{
		Records:    records,
		Total:      total,
		Page:       page,
		PageSize:   size,
		TotalPages: totalPages,
	}
}

// Search matches keyword case-insensitively against titles.
func (s *Store) Search(ctx context.Context, keyword string) []domain.Summary {
	needle := strings.ToLower(keyword)
	out := []domain.Summary{}
	for _, r := range s.readIndex().records {
		if strings.Contains(strings.ToLower(r.Title), needle) {
			out = append(out, r)
		}
	}
	return out
}

func (s *Store) Statistics(ctx context.Context) Statistics {
	view := s.readIndex()
	stats := Statistics{Total: len(view.records), ByStatus: map[string]int{}}
	for _, r := range view.records {
		stats.ByStatus[string(r.Status)]++
	}
	return stats
}

// Exists answers from the index alone.
func (s *Store) Exists(ctx context.Context, id string) bool {
	_, ok := s.readIndex().byID[id]
	return ok
}

// Summaries returns the index entries. Unlike the listing calls it reports
// a corrupt index as ErrCorruptIndex.
func (s *Store) Summaries(ctx context.Context) ([]domain.Summary, error) {
	view, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	return view.catalog().Records, nil
}

func (s *Store) documentPath(id pathid.ID) string {
	return filepath.Join(s.Dir, string(id)+docSuffix)
}

func (s *Store) readDocument(id pathid.ID) (domain.Record, error) {
	data, err := os.ReadFile(s.documentPath(id))
	if err != nil {
		return domain.Record{}, err
	}
	var rec domain.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.Record{}, fmt.Errorf("decode record %s: %w", id, err)
	}
	if rec.ID == "" {
		rec.ID = string(id)
	}
	return rec, nil
}

func (s *Store) journal(ctx context.Context, evtType, id string, payload map[string]any) {
	if s.Journal == nil {
		return
	}
	if err := s.Journal.Append(ctx, evtType, "record", id, payload); err != nil {
		s.Log.Warn("journal append failed", "type", evtType, "record_id", id, "error", err)
	}
}

// parseRecordID rejects ids that are not safe file names or that would
// collide with the index file.
func parseRecordID(id string) (pathid.ID, bool) {
	pid, err := pathid.Parse(id)
	if err != nil || id+docSuffix == indexFileName {
		return "", false
	}
	return pid, true
}

func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return page, size
}
