package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"redink/internal/app"
	"redink/internal/events"
	"redink/internal/retention"
)

func historyCmd() *cobra.Command {
	h := &cobra.Command{
		Use:   "history",
		Short: "Inspect and clean the history directory",
		Long: `Task directories hold generated images. A directory no record points at is an orphan.
'history stats' measures usage, 'history cleanup' selects directories and deletes them
only with --execute plus the matching confirmation phrase.`,
	}
	h.AddCommand(historyStatsCmd())
	h.AddCommand(historyCleanupCmd())
	h.AddCommand(historyVerifyCmd())
	h.AddCommand(historyRebuildCmd())
	return h
}

func historyStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show task directory usage and orphans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				snap, err := a.Scanner.Scan(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"stats": snap})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.SetTitle(snap.HistoryRoot)
				tw.AppendRows([]table.Row{
					{"Records", snap.TotalRecords},
					{"Task directories", snap.TotalTaskDirs},
					{"Total size", humanBytes(snap.TotalBytes)},
					{"Orphan directories", snap.OrphanTaskDirsCount},
					{"Referenced but missing", snap.ReferencedMissingTaskDirsCount},
				})
				tw.Render()
				renderTaskDirs("Largest", snap.LargestTaskDirs)
				if len(snap.OrphanTaskDirs) > 0 {
					fmt.Println("Orphans:")
					for _, name := range snap.OrphanTaskDirs {
						fmt.Println("  " + name)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func historyCleanupCmd() *cobra.Command {
	var req retention.CleanupRequest
	var execute bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete task directories (dry run unless --execute)",
		Example: `  redink history cleanup --orphans
  redink history cleanup --orphans --execute --confirm-delete-orphans ` + retention.ConfirmDeleteOrphans + `
  redink history cleanup --scope all --older-than-days 30 --keep-last 10 --execute --confirm-delete-any ` + retention.ConfirmDeleteAny,
		RunE: func(cmd *cobra.Command, args []string) error {
			dryRun := !execute
			req.DryRun = &dryRun
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Planner.Cleanup(ctx, req)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				verb := "Deleted"
				if res.DryRun {
					verb = "Would delete"
					tw.SetTitle(fmt.Sprintf("dry run, scope %s", res.EffectiveScope))
				} else {
					tw.SetTitle(fmt.Sprintf("scope %s", res.EffectiveScope))
				}
				tw.AppendHeader(table.Row{verb, "Size"})
				for _, item := range res.Deleted {
					tw.AppendRow(table.Row{item.TaskID, humanBytes(item.Bytes)})
				}
				tw.AppendFooter(table.Row{fmt.Sprintf("%d dirs, kept %d", res.DeletedCount, res.KeptCount), humanBytes(res.FreedBytes)})
				tw.Render()
				for _, f := range res.Failed {
					fmt.Printf("failed %s: %s\n", f.TaskID, f.Error)
				}
				if res.SkippedCount > 0 {
					fmt.Printf("skipped %d unsafe entries\n", res.SkippedCount)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.Scope, "scope", retention.ScopeOrphan, "orphan or all")
	cmd.Flags().BoolVar(&req.DeleteOrphanTasks, "orphans", false, "restrict to orphan directories")
	cmd.Flags().IntVar(&req.OlderThanDays, "older-than-days", 0, "only directories untouched for this many days")
	cmd.Flags().IntVar(&req.KeepLastN, "keep-last", 0, "keep the N most recently modified directories")
	cmd.Flags().Float64Var(&req.LargerThanMB, "larger-than-mb", 0, "only directories at least this large")
	cmd.Flags().BoolVar(&execute, "execute", false, "delete for real")
	cmd.Flags().StringVar(&req.ConfirmDeleteOrphans, "confirm-delete-orphans", "", "confirmation phrase for orphan deletions")
	cmd.Flags().StringVar(&req.ConfirmDeleteAny, "confirm-delete-any", "", "confirmation phrase for scope all")
	return cmd
}

func historyVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Compare the index with the record documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				report, err := a.Store.Verify(ctx)
				if err != nil {
					return err
				}
				if err := printJSONOrTable(report); err != nil {
					return err
				}
				if !report.Consistent {
					return fmt.Errorf("index drift detected; run 'redink history rebuild-index'")
				}
				return nil
			})
		},
	}
	return cmd
}

func historyRebuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rebuild-index",
		Short: "Regenerate the index from record documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				report, err := a.Store.RebuildIndex(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event journal",
		Long:  "Every record mutation, index rebuild and cleanup run is appended to the journal.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f events.Filter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if a.Events == nil {
					return fmt.Errorf("the journal is disabled (journal.enabled=false)")
				}
				items, err := a.Events.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Payload"})
				for _, evt := range items {
					entity := evt.EntityKind
					if evt.EntityID != "" {
						entity += "/" + evt.EntityID
					}
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, entity, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func renderTaskDirs(title string, dirs []retention.TaskDir) {
	if len(dirs) == 0 {
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle(title)
	tw.AppendHeader(table.Row{"Task", "Size", "Modified", "Orphan"})
	for _, d := range dirs {
		tw.AppendRow(table.Row{d.TaskID, humanBytes(d.Bytes), formatTime(d.ModTime), d.Orphan})
	}
	tw.Render()
}
