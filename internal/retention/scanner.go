// Package retention reports on artifact directories under the history root
// and removes the ones a caller selects.
//
// The Scanner is read-only. The Planner is the only code in the module that
// deletes task directories, and it does so one directory at a time after
// every name has been validated and resolved inside the root.
package retention

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"redink/internal/domain"
	"redink/internal/logger"
)

const (
	// PreviewLimit caps the id lists returned in snapshots and results.
	PreviewLimit = 200
	// TopLimit caps the largest and newest lists.
	TopLimit = 20

	defaultWorkers = 4
)

// SummarySource is the index view the scanner classifies against.
type SummarySource interface {
	Summaries(ctx context.Context) ([]domain.Summary, error)
}

// TaskDir describes one artifact directory.
type TaskDir struct {
	TaskID  string    `json:"task_id"`
	Bytes   int64     `json:"bytes"`
	ModTime time.Time `json:"mtime" format:"date-time"`
	Orphan  bool      `json:"orphan"`
}

type Snapshot struct {
	HistoryRoot                    string    `json:"history_root"`
	TotalTaskDirs                  int       `json:"total_task_dirs"`
	TotalRecords                   int       `json:"total_records"`
	TotalBytes                     int64     `json:"total_bytes"`
	OrphanTaskDirs                 []string  `json:"orphan_task_dirs"`
	OrphanTaskDirsCount            int       `json:"orphan_task_dirs_count"`
	ReferencedMissingTaskDirs      []string  `json:"referenced_missing_task_dirs"`
	ReferencedMissingTaskDirsCount int       `json:"referenced_missing_task_dirs_count"`
	LargestTaskDirs                []TaskDir `json:"largest_task_dirs"`
	NewestTaskDirs                 []TaskDir `json:"newest_task_dirs"`

	// Dirs holds every scanned directory, sorted by name.
	Dirs []TaskDir `json:"-"`
}

type Scanner struct {
	Root    string
	Index   SummarySource
	Workers int
	Log     *logger.Logger
}

func NewScanner(root string, index SummarySource, log *logger.Logger) *Scanner {
	if log == nil {
		log = logger.Nop()
	}
	return &Scanner{Root: root, Index: index, Workers: defaultWorkers, Log: log}
}

// Scan sizes every immediate sub-directory of the root and classifies it
// against the task ids referenced by the index. Symbolic links are ignored.
func (s *Scanner) Scan(ctx context.Context) (*Snapshot, error) {
	summaries, err := s.Index.Summaries(ctx)
	if err != nil {
		return nil, fmt.Errorf("load index: %w", err)
	}
	referenced := make(map[string]bool, len(summaries))
	for _, r := range summaries {
		if r.TaskID != "" {
			referenced[r.TaskID] = true
		}
	}

	dirs, err := s.listDirs()
	if err != nil {
		return nil, err
	}
	if err := s.measure(ctx, dirs); err != nil {
		return nil, err
	}

	snap := &Snapshot{
		HistoryRoot:  s.Root,
		TotalRecords: len(summaries),
		Dirs:         dirs,
	}
	onDisk := make(map[string]bool, len(dirs))
	var orphans []string
	for i := range dirs {
		d := &dirs[i]
		d.Orphan = !referenced[d.TaskID]
		onDisk[d.TaskID] = true
		snap.TotalBytes += d.Bytes
		if d.Orphan {
			orphans = append(orphans, d.TaskID)
		}
	}
	var missing []string
	for id := range referenced {
		if !onDisk[id] {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)

	snap.TotalTaskDirs = len(dirs)
	snap.OrphanTaskDirs = preview(orphans, PreviewLimit)
	snap.OrphanTaskDirsCount = len(orphans)
	snap.ReferencedMissingTaskDirs = preview(missing, PreviewLimit)
	snap.ReferencedMissingTaskDirsCount = len(missing)
	snap.LargestTaskDirs = top(dirs, TopLimit, func(a, b TaskDir) bool {
		if a.Bytes != b.Bytes {
			return a.Bytes > b.Bytes
		}
		return a.TaskID < b.TaskID
	})
	snap.NewestTaskDirs = top(dirs, TopLimit, newestFirst)
	return snap, nil
}

// listDirs returns the real directories directly under the root. A missing
// root has no directories; it is not created.
func (s *Scanner) listDirs() ([]TaskDir, error) {
	entries, err := os.ReadDir(s.Root)
	if errors.Is(err, os.ErrNotExist) {
		return []TaskDir{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list history root: %w", err)
	}
	dirs := make([]TaskDir, 0, len(entries))
	for _, e := range entries {
		if e.Type()&fs.ModeSymlink != 0 || !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			s.Log.Debug("task directory vanished during scan", "task_id", e.Name(), "error", err)
			continue
		}
		dirs = append(dirs, TaskDir{TaskID: e.Name(), ModTime: info.ModTime().UTC()})
	}
	return dirs, nil
}

// measure fills in Bytes for every directory on a bounded worker pool.
func (s *Scanner) measure(ctx context.Context, dirs []TaskDir) error {
	workers := s.Workers
	if workers < 1 {
		workers = defaultWorkers
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range dirs {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			dirs[i].Bytes = dirSize(filepath.Join(s.Root, dirs[i].TaskID))
			return nil
		})
	}
	return g.Wait()
}

// dirSize sums the regular files below path. Entries that cannot be read
// are skipped.
func dirSize(path string) int64 {
	var total int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

func newestFirst(a, b TaskDir) bool {
	if !a.ModTime.Equal(b.ModTime) {
		return a.ModTime.After(b.ModTime)
	}
	return a.TaskID < b.TaskID
}

func top(dirs []TaskDir, n int, less func(a, b TaskDir) bool) []TaskDir {
	sorted := make([]TaskDir, len(dirs))
	copy(sorted, dirs)
	sort.SliceStable(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func preview(ids []string, n int) []string {
	if len(ids) > n {
		ids = ids[:n]
	}
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}
