package retention

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"redink/internal/logger"
	"redink/internal/pathid"
)

const (
	ScopeOrphan = "orphan"
	ScopeAll    = "all"

	// ConfirmDeleteAny must be sent to delete outside the orphan scope.
	ConfirmDeleteAny = "YES_DELETE_ANY_TASKS"
	// ConfirmDeleteOrphans must be sent to delete orphaned directories.
	ConfirmDeleteOrphans = "YES_DELETE_ORPHAN_TASKS"
)

// Validation error codes.
const (
	CodeInvalidScope         = "invalid_scope"
	CodeNoCleanupStrategy    = "no_cleanup_strategy"
	CodeConfirmationRequired = "confirmation_required"
)

// ValidationError rejects a cleanup request before the filesystem is touched.
type ValidationError struct {
	Code   string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Journal receives one entry per executed cleanup.
type Journal interface {
	Append(ctx context.Context, evtType, entityKind, entityID string, payload map[string]any) error
}

// CleanupRequest selects task directories. Filters that are zero or
// negative are ignored.
type CleanupRequest struct {
	Scope                string  `json:"scope,omitempty" doc:"orphan (default) or all"`
	DeleteOrphanTasks    bool    `json:"delete_orphan_tasks,omitempty" doc:"Force the orphan scope"`
	OlderThanDays        int     `json:"older_than_days,omitempty" doc:"Only directories not modified for this many days"`
	KeepLastN            int     `json:"keep_last_n,omitempty" doc:"Keep the N most recently modified directories in scope"`
	LargerThanMB         float64 `json:"larger_than_mb,omitempty" doc:"Only directories of at least this size"`
	DryRun               *bool   `json:"dry_run,omitempty" doc:"Report without deleting (default true)"`
	ConfirmDeleteAny     string  `json:"confirm_delete_any,omitempty"`
	ConfirmDeleteOrphans string  `json:"confirm_delete_orphans,omitempty"`
}

// IsDryRun reports the effective dry_run flag, which defaults to true.
func (r CleanupRequest) IsDryRun() bool {
	return r.DryRun == nil || *r.DryRun
}

type Requested struct {
	DeleteOrphanTasks bool    `json:"delete_orphan_tasks"`
	OlderThanDays     int     `json:"older_than_days"`
	KeepLastN         int     `json:"keep_last_n"`
	LargerThanMB      float64 `json:"larger_than_mb"`
}

type DeletedItem struct {
	TaskID string `json:"task_id"`
	Bytes  int64  `json:"bytes"`
	DryRun bool   `json:"dry_run"`
}

type FailedItem struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error"`
}

type CleanupResult struct {
	Scope          string        `json:"scope"`
	EffectiveScope string        `json:"effective_scope"`
	DryRun         bool          `json:"dry_run"`
	Requested      Requested     `json:"requested"`
	Kept           []string      `json:"kept"`
	KeptCount      int           `json:"kept_count"`
	Deleted        []DeletedItem `json:"deleted"`
	DeletedCount   int           `json:"deleted_count"`
	FreedBytes     int64         `json:"freed_bytes"`
	Failed         []FailedItem  `json:"failed"`
	SkippedCount   int           `json:"skipped_count"`
}

// Plan is the selection for one request, before anything is deleted.
type Plan struct {
	Scope          string
	EffectiveScope string
	DryRun         bool
	Requested      Requested
	Kept           []string
	Candidates     []TaskDir
}

type Planner struct {
	Scanner *Scanner
	Journal Journal
	Log     *logger.Logger
	Now     func() time.Time
}

func NewPlanner(scanner *Scanner, journal Journal, log *logger.Logger) *Planner {
	if log == nil {
		log = logger.Nop()
	}
	return &Planner{Scanner: scanner, Journal: journal, Log: log, Now: time.Now}
}

func (p *Planner) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Validate checks scope, intent and confirmation and returns the normalized
// and effective scopes.
func Validate(req CleanupRequest) (scope, effective string, err error) {
	scope = strings.ToLower(strings.TrimSpace(req.Scope))
	if scope == "" {
		scope = ScopeOrphan
	}
	if scope != ScopeOrphan && scope != ScopeAll {
		return "", "", &ValidationError{Code: CodeInvalidScope, Reason: fmt.Sprintf("scope must be %q or %q, got %q", ScopeOrphan, ScopeAll, req.Scope)}
	}
	if !req.DeleteOrphanTasks && req.OlderThanDays <= 0 && req.KeepLastN <= 0 && req.LargerThanMB <= 0 {
		return "", "", &ValidationError{
			Code:   CodeNoCleanupStrategy,
			Reason: "no cleanup strategy: set delete_orphan_tasks or at least one of older_than_days, keep_last_n, larger_than_mb",
		}
	}
	effective = scope
	if req.DeleteOrphanTasks {
		effective = ScopeOrphan
	}
	if err := checkConfirmation(req, effective); err != nil {
		return "", "", err
	}
	return scope, effective, nil
}

func checkConfirmation(req CleanupRequest, effective string) error {
	if req.IsDryRun() {
		return nil
	}
	switch effective {
	case ScopeAll:
		if req.ConfirmDeleteAny != ConfirmDeleteAny {
			return &ValidationError{
				Code:   CodeConfirmationRequired,
				Reason: fmt.Sprintf("scope=all with dry_run=false deletes referenced tasks: set confirm_delete_any=%q", ConfirmDeleteAny),
			}
		}
	case ScopeOrphan:
		if req.ConfirmDeleteOrphans != ConfirmDeleteOrphans {
			return &ValidationError{
				Code:   CodeConfirmationRequired,
				Reason: fmt.Sprintf("deleting orphan task directories requires confirm_delete_orphans=%q (run with dry_run first)", ConfirmDeleteOrphans),
			}
		}
	}
	return nil
}

// Plan validates req, scans the root and selects the directories to delete.
func (p *Planner) Plan(ctx context.Context, req CleanupRequest) (*Plan, error) {
	scope, effective, err := Validate(req)
	if err != nil {
		return nil, err
	}
	snap, err := p.Scanner.Scan(ctx)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Scope:          scope,
		EffectiveScope: effective,
		DryRun:         req.IsDryRun(),
		Requested: Requested{
			DeleteOrphanTasks: req.DeleteOrphanTasks,
			OlderThanDays:     req.OlderThanDays,
			KeepLastN:         req.KeepLastN,
			LargerThanMB:      req.LargerThanMB,
		},
		Kept: []string{},
	}

	var base []TaskDir
	for _, d := range snap.Dirs {
		if effective == ScopeAll || d.Orphan {
			base = append(base, d)
		}
	}

	kept := map[string]bool{}
	if req.KeepLastN > 0 {
		ordered := top(base, len(base), newestFirst)
		if len(ordered) > req.KeepLastN {
			ordered = ordered[:req.KeepLastN]
		}
		for _, d := range ordered {
			kept[d.TaskID] = true
			plan.Kept = append(plan.Kept, d.TaskID)
		}
	}

	now := p.now()
	for _, d := range base {
		if kept[d.TaskID] {
			continue
		}
		if req.OlderThanDays > 0 && !olderThan(now, d.ModTime, req.OlderThanDays) {
			continue
		}
		if req.LargerThanMB > 0 && !atLeastMB(d.Bytes, req.LargerThanMB) {
			continue
		}
		plan.Candidates = append(plan.Candidates, d)
	}
	sort.Slice(plan.Candidates, func(i, j int) bool {
		return plan.Candidates[i].TaskID < plan.Candidates[j].TaskID
	})
	return plan, nil
}

// olderThan reports whether mtime lies strictly more than days before now.
// The threshold is compared in float seconds so very large day counts
// select nothing instead of wrapping around.
func olderThan(now, mtime time.Time, days int) bool {
	return now.Sub(mtime).Seconds() > float64(days)*86400
}

// atLeastMB compares in float64 so thresholds beyond the int64 range match
// nothing.
func atLeastMB(size int64, mb float64) bool {
	return float64(size) >= mb*1024*1024
}

// Cleanup plans req and, unless it is a dry run, deletes the selected
// directories. Once deletion starts it runs to the end; per-directory
// failures are reported in the result.
func (p *Planner) Cleanup(ctx context.Context, req CleanupRequest) (*CleanupResult, error) {
	plan, err := p.Plan(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := checkConfirmation(req, plan.EffectiveScope); err != nil {
		return nil, err
	}

	res := &CleanupResult{
		Scope:          plan.Scope,
		EffectiveScope: plan.EffectiveScope,
		DryRun:         plan.DryRun,
		Requested:      plan.Requested,
		Kept:           preview(plan.Kept, PreviewLimit),
		KeptCount:      len(plan.Kept),
		Deleted:        []DeletedItem{},
		Failed:         []FailedItem{},
	}

	root := p.Scanner.Root
	for _, d := range plan.Candidates {
		path, ok := p.safeTaskDir(root, d.TaskID)
		if !ok {
			res.SkippedCount++
			continue
		}
		if plan.DryRun {
			res.addDeleted(DeletedItem{TaskID: d.TaskID, Bytes: d.Bytes, DryRun: true})
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			p.Log.Warn("task directory not removed", "task_id", d.TaskID, "error", err)
			res.Failed = append(res.Failed, FailedItem{TaskID: d.TaskID, Error: err.Error()})
			continue
		}
		res.addDeleted(DeletedItem{TaskID: d.TaskID, Bytes: d.Bytes})
		res.FreedBytes += d.Bytes
	}

	p.Log.Info("history cleanup finished",
		"scope", res.EffectiveScope,
		"dry_run", res.DryRun,
		"deleted", res.DeletedCount,
		"failed", len(res.Failed),
		"skipped", res.SkippedCount,
		"freed_bytes", res.FreedBytes,
	)
	if !res.DryRun && p.Journal != nil {
		payload := map[string]any{
			"scope":         res.EffectiveScope,
			"deleted_count": res.DeletedCount,
			"failed_count":  len(res.Failed),
			"freed_bytes":   res.FreedBytes,
			"requested":     res.Requested,
		}
		if err := p.Journal.Append(context.WithoutCancel(ctx), "history.cleanup", "history", "", payload); err != nil {
			p.Log.Warn("journal append failed", "type", "history.cleanup", "error", err)
		}
	}
	return res, nil
}

// safeTaskDir returns the path of a deletable task directory. Names that do
// not parse, escape the root, are symbolic links, are not directories or
// have vanished are rejected.
func (p *Planner) safeTaskDir(root, name string) (string, bool) {
	id, err := pathid.Parse(name)
	if err != nil {
		p.Log.Warn("skipping unsafe task directory name", "task_id", name)
		return "", false
	}
	path, err := pathid.Resolve(root, id)
	if err != nil {
		p.Log.Warn("skipping task directory", "task_id", name, "error", err)
		return "", false
	}
	info, err := os.Lstat(path)
	if err != nil || !info.IsDir() || info.Mode()&os.ModeSymlink != 0 {
		return "", false
	}
	return path, true
}

func (r *CleanupResult) addDeleted(item DeletedItem) {
	r.DeletedCount++
	if len(r.Deleted) < PreviewLimit {
		r.Deleted = append(r.Deleted, item)
	}
}
