package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"redink/internal/domain"
)

const (
	indexFileName = "index.json"
	lockFileName  = ".index.lock"
	tempPrefix    = ".tmp-"
	docSuffix     = ".json"
)

var ErrCorruptIndex = errors.New("history index is corrupt")

// errUnchanged lets an index mutation skip the write.
var errUnchanged = errors.New("index unchanged")

type catalog struct {
	Records []domain.Summary `json:"records"`
}

func (c *catalog) find(id string) int {
	for i, r := range c.Records {
		if r.ID == id {
			return i
		}
	}
	return -1
}

// upsert replaces the entry for s.ID in place or appends it.
func (c *catalog) upsert(s domain.Summary) {
	if i := c.find(s.ID); i >= 0 {
		c.Records[i] = s
		return
	}
	c.Records = append(c.Records, s)
}

func (c *catalog) remove(id string) bool {
	i := c.find(id)
	if i < 0 {
		return false
	}
	c.Records = append(c.Records[:i], c.Records[i+1:]...)
	return true
}

// indexView is an immutable parsed index. Views are shared between readers
// through the cache, so nothing may modify records or byID.
// Entries with an empty id and repeats of an id are left out of records
// and counted in blank and duplicates; the next mutation rewrites the file
// without them.
type indexView struct {
	info       os.FileInfo
	records    []domain.Summary
	byID       map[string]int
	blank      int
	duplicates []string
}

func newIndexView(info os.FileInfo, cat catalog) *indexView {
	v := &indexView{info: info, byID: make(map[string]int, len(cat.Records))}
	for _, r := range cat.Records {
		if r.ID == "" {
			v.blank++
			continue
		}
		if _, dup := v.byID[r.ID]; dup {
			v.duplicates = append(v.duplicates, r.ID)
			continue
		}
		v.byID[r.ID] = len(v.records)
		v.records = append(v.records, r)
	}
	return v
}

func (v *indexView) sameFile(info os.FileInfo) bool {
	return v.info != nil && os.SameFile(v.info, info) &&
		v.info.Size() == info.Size() && v.info.ModTime().Equal(info.ModTime())
}

func (v *indexView) catalog() catalog {
	records := make([]domain.Summary, len(v.records))
	copy(records, v.records)
	return catalog{Records: records}
}

func (s *Store) indexPath() string {
	return filepath.Join(s.Dir, indexFileName)
}

// loadIndex parses the index file, reusing the cached view while the file
// on disk is the same one. A missing file is an empty index.
func (s *Store) loadIndex() (*indexView, error) {
	f, err := os.Open(s.indexPath())
	if errors.Is(err, os.ErrNotExist) {
		return newIndexView(nil, catalog{}), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat index: %w", err)
	}

	s.cacheMu.Lock()
	cached := s.cache
	s.cacheMu.Unlock()
	if cached != nil && cached.sameFile(info) {
		return cached, nil
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	var cat catalog
	if err := json.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptIndex, err)
	}
	view := newIndexView(info, cat)

	s.cacheMu.Lock()
	s.cache = view
	s.cacheMu.Unlock()
	return view, nil
}

// readIndex is the fail-soft read used by listing, search and statistics.
func (s *Store) readIndex() *indexView {
	view, err := s.loadIndex()
	if err != nil {
		s.Log.Warn("history index unreadable; serving empty catalog", "path", s.indexPath(), "error", err)
		return newIndexView(nil, catalog{})
	}
	return view
}

// mutateIndex runs fn on a private copy of the index inside the index
// critical section and atomically replaces the file with the result. A
// corrupt index is rebuilt from the documents before fn runs.
func (s *Store) mutateIndex(fn func(*catalog) error) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	unlock, err := lockFile(filepath.Join(s.Dir, lockFileName))
	if err != nil {
		return err
	}
	defer unlock()

	var cat catalog
	rebuilt := false
	view, err := s.loadIndex()
	switch {
	case errors.Is(err, ErrCorruptIndex):
		s.Log.Warn("history index corrupt; rebuilding from documents", "path", s.indexPath(), "error", err)
		cat, _, err = s.scanDocuments()
		if err != nil {
			return fmt.Errorf("rebuild index: %w", err)
		}
		rebuilt = true
	case err != nil:
		return err
	default:
		cat = view.catalog()
	}

	if err := fn(&cat); err != nil {
		if !errors.Is(err, errUnchanged) {
			return err
		}
		if !rebuilt {
			return nil
		}
	}
	return s.writeIndex(cat)
}

func (s *Store) writeIndex(cat catalog) error {
	if cat.Records == nil {
		cat.Records = []domain.Summary{}
	}
	if err := writeJSONAtomic(s.indexPath(), cat); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	s.cacheMu.Lock()
	s.cache = nil
	s.cacheMu.Unlock()
	return nil
}
