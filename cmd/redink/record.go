package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"redink/internal/app"
	"redink/internal/domain"
	"redink/internal/history"
)

func recordCmd() *cobra.Command {
	rec := &cobra.Command{
		Use:   "record",
		Short: "Manage history records",
		Long:  "Records are the saved generation attempts: a title, the outline that was sent, and the images produced for it.",
	}
	rec.AddCommand(recordCreateCmd())
	rec.AddCommand(recordGetCmd())
	rec.AddCommand(recordUpdateCmd())
	rec.AddCommand(recordDeleteCmd())
	rec.AddCommand(recordListCmd())
	rec.AddCommand(recordSearchCmd())
	rec.AddCommand(recordStatsCmd())
	return rec
}

func recordCreateCmd() *cobra.Command {
	var title, outlineArg, taskID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft record",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title required")
			}
			var outline domain.Outline
			if outlineArg != "" {
				if err := readJSONArg(outlineArg, &outline); err != nil {
					return err
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				id, err := a.Store.Create(ctx, title, outline, taskID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"record_id": id})
				}
				fmt.Println(id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "record title")
	cmd.Flags().StringVar(&outlineArg, "outline", "", "outline JSON: inline, file path, or - for stdin")
	cmd.Flags().StringVar(&taskID, "task-id", "", "task directory holding generated images")
	return cmd
}

func recordGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <record-id>",
		Short: "Show a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, ok := a.Store.Get(ctx, args[0])
				if !ok {
					return fmt.Errorf("record %s not found", args[0])
				}
				return printJSONOrTable(rec)
			})
		},
	}
	return cmd
}

func recordUpdateCmd() *cobra.Command {
	var title, status, outlineArg, taskID, generated string
	cmd := &cobra.Command{
		Use:   "update <record-id>",
		Short: "Update record fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			var upd history.RecordUpdate
			if cmd.Flags().Changed("title") {
				upd.Title = &title
			}
			if cmd.Flags().Changed("status") {
				s := domain.Status(status)
				upd.Status = &s
			}
			if cmd.Flags().Changed("outline") {
				var outline domain.Outline
				if err := readJSONArg(outlineArg, &outline); err != nil {
					return err
				}
				upd.Outline = &outline
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if cmd.Flags().Changed("task-id") || cmd.Flags().Changed("generated") {
					current, ok := a.Store.Get(ctx, id)
					if !ok {
						return fmt.Errorf("record %s not found", id)
					}
					images := current.Images
					if cmd.Flags().Changed("task-id") {
						images.TaskID = taskID
					}
					if cmd.Flags().Changed("generated") {
						images.Generated = splitList(generated)
						if images.Generated == nil {
							images.Generated = []string{}
						}
					}
					upd.Images = &images
				}
				ok, err := a.Store.Update(ctx, id, upd)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("record %s not found", id)
				}
				rec, _ := a.Store.Get(ctx, id)
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&status, "status", "", "draft|generating|completed|error")
	cmd.Flags().StringVar(&outlineArg, "outline", "", "replacement outline JSON: inline, file path, or -")
	cmd.Flags().StringVar(&taskID, "task-id", "", "task directory holding generated images")
	cmd.Flags().StringVar(&generated, "generated", "", "comma separated generated image file names")
	return cmd
}

func recordDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <record-id>",
		Short: "Delete a record (its task directory is left for cleanup)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ok, err := a.Store.Delete(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("record %s not found", args[0])
				}
				if viper.GetBool("json") {
					return printJSON(map[string]bool{"success": true})
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
	return cmd
}

func recordListCmd() *cobra.Command {
	var opts history.ListOptions
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Status = domain.Status(status)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res := a.Store.List(ctx, opts)
				if viper.GetBool("json") {
					return printJSON(res)
				}
				renderSummaries(res.Records)
				fmt.Printf("page %d/%d, %d records\n", res.Page, res.TotalPages, res.Total)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&opts.Page, "page", 1, "page number")
	cmd.Flags().IntVar(&opts.PageSize, "page-size", 20, "records per page (max 200)")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func recordSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <keyword>",
		Short: "Search record titles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items := a.Store.Search(ctx, args[0])
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderSummaries(items)
				return nil
			})
		},
	}
	return cmd
}

func recordStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count records by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				stats := a.Store.Statistics(ctx)
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Records"})
				for _, s := range domain.Statuses {
					tw.AppendRow(table.Row{s, stats.ByStatus[string(s)]})
				}
				tw.AppendFooter(table.Row{"Total", stats.Total})
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func renderSummaries(items []domain.Summary) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "Status", "Task", "Updated"})
	for _, s := range items {
		tw.AppendRow(table.Row{s.ID, s.Title, s.Status, s.TaskID, formatTime(s.UpdatedAt)})
	}
	tw.Render()
}
