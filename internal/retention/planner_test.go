package retention_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"redink/internal/retention"
)

type plannerEnv struct {
	Root    string
	Now     time.Time
	Planner *retention.Planner
	Journal *countingJournal
	Ctx     context.Context
}

type countingJournal struct {
	types []string
}

func (j *countingJournal) Append(_ context.Context, evtType, _, _ string, _ map[string]any) error {
	j.types = append(j.types, evtType)
	return nil
}

func newPlannerEnv(t *testing.T, index fakeIndex) plannerEnv {
	t.Helper()
	root := t.TempDir()
	now := time.Now()
	journal := &countingJournal{}
	planner := retention.NewPlanner(retention.NewScanner(root, index, nil), journal, nil)
	planner.Now = func() time.Time { return now }
	return plannerEnv{Root: root, Now: now, Planner: planner, Journal: journal, Ctx: context.Background()}
}

func (e plannerEnv) dirs(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(e.Root)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, ent := range entries {
		names = append(names, ent.Name())
	}
	sort.Strings(names)
	return names
}

func boolPtr(b bool) *bool { return &b }

func deletedIDs(res *retention.CleanupResult) []string {
	var ids []string
	for _, d := range res.Deleted {
		ids = append(ids, d.TaskID)
	}
	return ids
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		req  retention.CleanupRequest
		code string
	}{
		{"bad scope", retention.CleanupRequest{Scope: "everything", DeleteOrphanTasks: true}, retention.CodeInvalidScope},
		{"no intent", retention.CleanupRequest{Scope: "all"}, retention.CodeNoCleanupStrategy},
		{"negative filters only", retention.CleanupRequest{OlderThanDays: -1, KeepLastN: 0, LargerThanMB: -3}, retention.CodeNoCleanupStrategy},
		{"all without confirm", retention.CleanupRequest{Scope: "all", KeepLastN: 1, DryRun: boolPtr(false)}, retention.CodeConfirmationRequired},
		{"all with orphan sentinel", retention.CleanupRequest{Scope: "all", KeepLastN: 1, DryRun: boolPtr(false), ConfirmDeleteAny: retention.ConfirmDeleteOrphans}, retention.CodeConfirmationRequired},
		{"orphan without confirm", retention.CleanupRequest{DeleteOrphanTasks: true, DryRun: boolPtr(false)}, retention.CodeConfirmationRequired},
		{"forced orphan with any sentinel", retention.CleanupRequest{Scope: "all", DeleteOrphanTasks: true, DryRun: boolPtr(false), ConfirmDeleteAny: retention.ConfirmDeleteAny}, retention.CodeConfirmationRequired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := retention.Validate(tc.req)
			var ve *retention.ValidationError
			if !errors.As(err, &ve) || ve.Code != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
		})
	}

	scope, effective, err := retention.Validate(retention.CleanupRequest{Scope: " ALL ", DeleteOrphanTasks: true})
	if err != nil || scope != "all" || effective != "orphan" {
		t.Fatalf("scope=%q effective=%q err=%v", scope, effective, err)
	}
}

func TestCleanupRejectsWithoutTouchingDisk(t *testing.T) {
	env := newPlannerEnv(t, referencing("kept"))
	mkTaskDir(t, env.Root, "kept", 10, env.Now, time.Hour)
	mkTaskDir(t, env.Root, "orphan-1", 10, env.Now, time.Hour)
	before := env.dirs(t)

	_, err := env.Planner.Cleanup(env.Ctx, retention.CleanupRequest{Scope: "all", OlderThanDays: 0, KeepLastN: 0, LargerThanMB: 0.0001, DryRun: boolPtr(false), ConfirmDeleteAny: "yes"})
	if !retention.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if fmt.Sprint(env.dirs(t)) != fmt.Sprint(before) {
		t.Fatalf("filesystem changed: %v -> %v", before, env.dirs(t))
	}
	if len(env.Journal.types) != 0 {
		t.Fatalf("journal written on rejected request")
	}
}

func TestCleanupDryRunNeverDeletes(t *testing.T) {
	env := newPlannerEnv(t, referencing("ref"))
	mkTaskDir(t, env.Root, "ref", 10, env.Now, 48*time.Hour)
	mkTaskDir(t, env.Root, "orphan-1", 20, env.Now, 48*time.Hour)
	mkTaskDir(t, env.Root, "orphan-2", 30, env.Now, time.Hour)
	before := env.dirs(t)

	requests := []retention.CleanupRequest{
		{DeleteOrphanTasks: true},
		{Scope: "all", OlderThanDays: 1},
		{Scope: "all", KeepLastN: 1, LargerThanMB: 0.00001},
	}
	for _, req := range requests {
		res, err := env.Planner.Cleanup(env.Ctx, req)
		if err != nil {
			t.Fatalf("dry run %+v: %v", req, err)
		}
		if !res.DryRun {
			t.Fatalf("dry_run should default to true")
		}
		for _, d := range res.Deleted {
			if !d.DryRun {
				t.Fatalf("item not marked dry run: %+v", d)
			}
		}
	}
	if fmt.Sprint(env.dirs(t)) != fmt.Sprint(before) {
		t.Fatalf("dry run changed disk: %v -> %v", before, env.dirs(t))
	}

	res, err := env.Planner.Cleanup(env.Ctx, retention.CleanupRequest{DeleteOrphanTasks: true})
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(deletedIDs(res)) != "[orphan-1 orphan-2]" || res.Deleted[1].Bytes != 30 {
		t.Fatalf("dry run report: %+v", res.Deleted)
	}
}

func TestCleanupKeepLastN(t *testing.T) {
	env := newPlannerEnv(t, fakeIndex{})
	for i := 0; i < 5; i++ {
		mkTaskDir(t, env.Root, fmt.Sprintf("task-%d", i), 10, env.Now, time.Duration(i)*time.Hour)
	}
	res, err := env.Planner.Cleanup(env.Ctx, retention.CleanupRequest{
		KeepLastN:            2,
		DryRun:               boolPtr(false),
		ConfirmDeleteOrphans: retention.ConfirmDeleteOrphans,
	})
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if fmt.Sprint(res.Kept) != "[task-0 task-1]" || res.KeptCount != 2 {
		t.Fatalf("kept: %v", res.Kept)
	}
	if res.DeletedCount != 3 || res.FreedBytes != 30 {
		t.Fatalf("deleted %d freed %d", res.DeletedCount, res.FreedBytes)
	}
	if fmt.Sprint(env.dirs(t)) != "[task-0 task-1]" {
		t.Fatalf("remaining: %v", env.dirs(t))
	}
	if len(env.Journal.types) != 1 || env.Journal.types[0] != "history.cleanup" {
		t.Fatalf("journal: %v", env.Journal.types)
	}
}

func TestCleanupFiltersAreANDed(t *testing.T) {
	env := newPlannerEnv(t, fakeIndex{})
	mb := 1024 * 1024
	mkTaskDir(t, env.Root, "old-big", 2*mb, env.Now, 10*24*time.Hour)
	mkTaskDir(t, env.Root, "old-small", 10, env.Now, 10*24*time.Hour)
	mkTaskDir(t, env.Root, "new-big", 2*mb, env.Now, time.Hour)
	mkTaskDir(t, env.Root, "newest-old-big", 2*mb, env.Now, 8*24*time.Hour)

	res, err := env.Planner.Cleanup(env.Ctx, retention.CleanupRequest{
		Scope:         "all",
		OlderThanDays: 7,
		LargerThanMB:  1,
		KeepLastN:     2,
	})
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	// keep_last_n removes new-big and newest-old-big before the filters run.
	if fmt.Sprint(deletedIDs(res)) != "[old-big]" {
		t.Fatalf("selected %v", deletedIDs(res))
	}
}

func TestCleanupFilterBoundaries(t *testing.T) {
	cases := []struct {
		name string
		age  time.Duration
		size int
		req  retention.CleanupRequest
		want string
	}{
		{"exactly at cutoff", 3 * 24 * time.Hour, 10, retention.CleanupRequest{Scope: "all", OlderThanDays: 3}, "[]"},
		{"one second past cutoff", 3*24*time.Hour + time.Second, 10, retention.CleanupRequest{Scope: "all", OlderThanDays: 3}, "[task]"},
		{"huge day count", 365 * 24 * time.Hour, 10, retention.CleanupRequest{Scope: "all", OlderThanDays: 200000}, "[]"},
		{"max int days", 365 * 24 * time.Hour, 10, retention.CleanupRequest{Scope: "all", OlderThanDays: math.MaxInt}, "[]"},
		{"exactly one mb", time.Hour, 1024 * 1024, retention.CleanupRequest{Scope: "all", LargerThanMB: 1}, "[task]"},
		{"one byte short of one mb", time.Hour, 1024*1024 - 1, retention.CleanupRequest{Scope: "all", LargerThanMB: 1}, "[]"},
		{"huge mb threshold", time.Hour, 1024 * 1024, retention.CleanupRequest{Scope: "all", LargerThanMB: 1e13}, "[]"},
		{"fractional mb", time.Hour, 600 * 1024, retention.CleanupRequest{Scope: "all", LargerThanMB: 0.5}, "[task]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newPlannerEnv(t, fakeIndex{})
			// Whole seconds so the mtime survives filesystem timestamp granularity.
			at := env.Now.Truncate(time.Second)
			env.Planner.Now = func() time.Time { return at }
			mkTaskDir(t, env.Root, "task", tc.size, at, tc.age)

			res, err := env.Planner.Cleanup(env.Ctx, tc.req)
			if err != nil {
				t.Fatalf("cleanup: %v", err)
			}
			if got := fmt.Sprint(deletedIDs(res)); got != tc.want {
				t.Fatalf("selected %s, want %s", got, tc.want)
			}
		})
	}
}

func TestCleanupOrphanScopeSparesReferenced(t *testing.T) {
	env := newPlannerEnv(t, referencing("live"))
	mkTaskDir(t, env.Root, "live", 10, env.Now, 30*24*time.Hour)
	mkTaskDir(t, env.Root, "dead", 10, env.Now, 30*24*time.Hour)

	res, err := env.Planner.Cleanup(env.Ctx, retention.CleanupRequest{
		Scope:                "all",
		DeleteOrphanTasks:    true,
		DryRun:               boolPtr(false),
		ConfirmDeleteOrphans: retention.ConfirmDeleteOrphans,
	})
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if res.EffectiveScope != "orphan" || res.Scope != "all" {
		t.Fatalf("scopes: %s/%s", res.Scope, res.EffectiveScope)
	}
	if fmt.Sprint(env.dirs(t)) != "[live]" {
		t.Fatalf("remaining: %v", env.dirs(t))
	}
}

func TestCleanupScopeAllNeedsSentinel(t *testing.T) {
	env := newPlannerEnv(t, referencing("live"))
	mkTaskDir(t, env.Root, "live", 10, env.Now, 30*24*time.Hour)

	req := retention.CleanupRequest{Scope: "all", OlderThanDays: 1, DryRun: boolPtr(false)}
	if _, err := env.Planner.Cleanup(env.Ctx, req); !retention.IsValidation(err) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if fmt.Sprint(env.dirs(t)) != "[live]" {
		t.Fatalf("rejected request deleted data")
	}

	req.ConfirmDeleteAny = retention.ConfirmDeleteAny
	res, err := env.Planner.Cleanup(env.Ctx, req)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if res.DeletedCount != 1 || len(env.dirs(t)) != 0 {
		t.Fatalf("expected live to be deleted: %+v", res)
	}
}

func TestCleanupSkipsUnsafeNamesAndSymlinks(t *testing.T) {
	env := newPlannerEnv(t, fakeIndex{})
	outside := t.TempDir()
	victim := filepath.Join(outside, "victim")
	if err := os.MkdirAll(victim, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(victim, filepath.Join(env.Root, "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	mkTaskDir(t, env.Root, ".hidden", 10, env.Now, 48*time.Hour)
	mkTaskDir(t, env.Root, "ok", 10, env.Now, 48*time.Hour)

	res, err := env.Planner.Cleanup(env.Ctx, retention.CleanupRequest{
		DeleteOrphanTasks:    true,
		DryRun:               boolPtr(false),
		ConfirmDeleteOrphans: retention.ConfirmDeleteOrphans,
	})
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if fmt.Sprint(deletedIDs(res)) != "[ok]" || res.SkippedCount != 1 {
		t.Fatalf("deleted %v skipped %d", deletedIDs(res), res.SkippedCount)
	}
	if _, err := os.Stat(victim); err != nil {
		t.Fatalf("symlink target removed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.Root, ".hidden")); err != nil {
		t.Fatalf("unsafe name removed: %v", err)
	}
}
