package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"redink/internal/pathid"
)

type RebuildReport struct {
	Records             int      `json:"records"`
	UnreadableDocuments []string `json:"unreadable_documents"`
}

// DriftReport compares the index against the documents on disk.
type DriftReport struct {
	IndexedRecords      int      `json:"indexed_records"`
	Documents           int      `json:"documents"`
	MissingDocuments    []string `json:"missing_documents"`
	UnindexedDocuments  []string `json:"unindexed_documents"`
	UnreadableDocuments []string `json:"unreadable_documents"`
	// DuplicateEntries lists each id the index holds more than once.
	DuplicateEntries []string `json:"duplicate_entries"`
	BlankEntries     int      `json:"blank_entries"`
	Consistent       bool     `json:"consistent"`
}

// RebuildIndex regenerates the index from the documents, ordered by
// created_at then id. Unreadable documents are left out and reported.
func (s *Store) RebuildIndex(ctx context.Context) (RebuildReport, error) {
	var report RebuildReport
	err := s.mutateIndex(func(cat *catalog) error {
		fresh, unreadable, err := s.scanDocuments()
		if err != nil {
			return err
		}
		*cat = fresh
		report.Records = len(fresh.Records)
		report.UnreadableDocuments = unreadable
		return nil
	})
	if err != nil {
		return RebuildReport{}, fmt.Errorf("rebuild index: %w", err)
	}
	if report.UnreadableDocuments == nil {
		report.UnreadableDocuments = []string{}
	}
	s.Log.Info("history index rebuilt", "records", report.Records, "unreadable", len(report.UnreadableDocuments))
	if s.Journal != nil {
		payload := map[string]any{"records": report.Records, "unreadable": report.UnreadableDocuments}
		if err := s.Journal.Append(ctx, "index.rebuild", "index", "", payload); err != nil {
			s.Log.Warn("journal append failed", "type", "index.rebuild", "error", err)
		}
	}
	return report, nil
}

// Verify reports drift between the index and the documents without
// changing either.
func (s *Store) Verify(ctx context.Context) (DriftReport, error) {
	view, err := s.loadIndex()
	if err != nil {
		return DriftReport{}, err
	}
	ids, err := s.documentIDs()
	if err != nil {
		return DriftReport{}, err
	}

	report := DriftReport{
		IndexedRecords:      len(view.records),
		Documents:           len(ids),
		MissingDocuments:    []string{},
		UnindexedDocuments:  []string{},
		UnreadableDocuments: []string{},
		DuplicateEntries:    dedupe(view.duplicates),
		BlankEntries:        view.blank,
	}
	onDisk := make(map[string]bool, len(ids))
	for _, id := range ids {
		onDisk[string(id)] = true
		if _, ok := view.byID[string(id)]; !ok {
			report.UnindexedDocuments = append(report.UnindexedDocuments, string(id))
		}
		if _, err := s.readDocument(id); err != nil {
			report.UnreadableDocuments = append(report.UnreadableDocuments, string(id))
		}
	}
	for _, r := range view.records {
		if !onDisk[r.ID] {
			report.MissingDocuments = append(report.MissingDocuments, r.ID)
		}
	}
	sort.Strings(report.MissingDocuments)
	report.Consistent = len(report.MissingDocuments) == 0 &&
		len(report.UnindexedDocuments) == 0 &&
		len(report.UnreadableDocuments) == 0 &&
		len(report.DuplicateEntries) == 0 &&
		report.BlankEntries == 0
	return report, nil
}

func dedupe(ids []string) []string {
	out := []string{}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// scanDocuments builds a catalog from every readable document.
func (s *Store) scanDocuments() (catalog, []string, error) {
	ids, err := s.documentIDs()
	if err != nil {
		return catalog{}, nil, err
	}
	var cat catalog
	var unreadable []string
	for _, id := range ids {
		rec, err := s.readDocument(id)
		if err != nil {
			s.Log.Warn("skipping unreadable record", "record_id", id, "error", err)
			unreadable = append(unreadable, string(id))
			continue
		}
		rec.ID = string(id)
		cat.Records = append(cat.Records, rec.Summary())
	}
	sort.SliceStable(cat.Records, func(i, j int) bool {
		a, b := cat.Records[i], cat.Records[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return cat, unreadable, nil
}

// documentIDs lists the record documents in the history root, sorted.
// Only regular files with a valid id name count.
func (s *Store) documentIDs() ([]pathid.ID, error) {
	entries, err := os.ReadDir(s.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list history directory: %w", err)
	}
	var ids []pathid.ID
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || !strings.HasSuffix(name, docSuffix) {
			continue
		}
		id, ok := parseRecordID(strings.TrimSuffix(name, docSuffix))
		if !ok {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
