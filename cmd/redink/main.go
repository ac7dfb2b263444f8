package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"redink/internal/app"
	"redink/internal/config"
	"redink/internal/logger"
	"redink/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "redink",
	Short: "RedInk history CLI",
	Long: `RedInk keeps one JSON document per generation record plus an index for
listing, and stores generated images in per-task directories next to them.
- Records: draft -> generating -> completed | error; edit them with 'redink record'.
- History: disk usage of task directories, orphan detection and cleanup with 'redink history'.
  Cleanup is a dry run unless --execute is given, and real deletions need a confirmation phrase.
- Journal: every mutation is appended to .redink/journal.db; read it with 'redink log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("REDINK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("history-dir", "", "history directory (overrides redink.yml)")
	rootCmd.PersistentFlags().String("log-mode", "", "log mode: dev or prod")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("history-dir", rootCmd.PersistentFlags().Lookup("history-dir"))
	_ = viper.BindPFlag("log-mode", rootCmd.PersistentFlags().Lookup("log-mode"))
}

func registerCommands() {
	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cfg := a.Config
				handler, err := server.New(server.Config{
					Store:    a.Store,
					Planner:  a.Planner,
					Events:   a.Events,
					BasePath: cfg.Server.BasePath,
					Auth:     server.AuthConfig{Token: cfg.Auth.Token, JWTSecret: cfg.Auth.JWTSecret},
					Admin:    cfg.Admin,
					Log:      a.Log.With("component", "http"),
				})
				if err != nil {
					return err
				}
				if a.Events != nil && len(cfg.Webhooks) > 0 {
					server.StartWebhookDispatcher(ctx, a.Events, cfg.Webhooks, a.Log.With("component", "webhooks"))
				}
				if !cfg.AuthEnabled() {
					a.Log.Warn("bearer auth disabled; set auth.token or auth.jwt_secret to require it")
				}
				srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Log.Info("serving history API",
					"addr", cfg.Server.Addr,
					"base_path", cfg.Server.BasePath,
					"history_dir", a.Store.Dir,
					"journal", a.Events != nil,
				)
				fmt.Printf("Serving RedInk API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n",
					cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath, cfg.Server.BasePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().String("addr", "", "listen address (default from redink.yml, 127.0.0.1:12398)")
	cmd.Flags().String("base-path", "", "API base path (default /api)")
	cmd.Flags().Bool("admin-allow-remote", false, "accept admin requests from any address")
	cmd.Flags().Bool("admin-trust-private", false, "accept admin requests from private networks")
	cmd.Flags().Bool("admin-trust-xff", false, "take the caller address from X-Forwarded-For")
	for _, name := range []string{"addr", "base-path", "admin-allow-remote", "admin-trust-private", "admin-trust-xff"} {
		_ = viper.BindPFlag(name, cmd.Flags().Lookup(name))
	}
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace, viper.GetViper())
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		return err
	}
	defer log.Sync()
	a, err := app.Open(ctx, workspace, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readJSONArg decodes v from a file path, "-" for stdin, or an inline JSON
// literal starting with '{'.
func readJSONArg(arg string, v any) error {
	var data []byte
	var err error
	switch {
	case strings.HasPrefix(strings.TrimSpace(arg), "{"):
		data = []byte(arg)
	case arg == "-":
		data, err = io.ReadAll(os.Stdin)
	default:
		data, err = os.ReadFile(arg)
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", arg, err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func humanBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}
