package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("REDINK")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir, newViper())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.BasePath != "/api" || !cfg.Journal.Enabled || cfg.AuthEnabled() {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if got := cfg.HistoryDir(dir); got != filepath.Join(dir, "history") {
		t.Fatalf("history dir = %s", got)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	yml := `history:
  dir: /srv/redink/history
server:
  addr: 0.0.0.0:9000
admin:
  trust_private: true
auth:
  token: from-file
`
	if err := os.WriteFile(filepath.Join(dir, "redink.yml"), []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("REDINK_AUTH_TOKEN", "from-env")
	t.Setenv("REDINK_ADMIN_ALLOW_REMOTE", "true")

	cfg, err := Load(dir, newViper())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HistoryDir(dir) != "/srv/redink/history" {
		t.Fatalf("history dir = %s", cfg.HistoryDir(dir))
	}
	if cfg.Server.Addr != "0.0.0.0:9000" || cfg.Server.BasePath != "/api" {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if cfg.Auth.Token != "from-env" || !cfg.AuthEnabled() {
		t.Fatalf("env override ignored: %+v", cfg.Auth)
	}
	if !cfg.Admin.AllowRemote || !cfg.Admin.TrustPrivate || cfg.Admin.TrustXFF {
		t.Fatalf("admin = %+v", cfg.Admin)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Server.BasePath = "api"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected base path error")
	}
	cfg = Default()
	cfg.History.Dir = " "
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected history dir error")
	}
	cfg = Default()
	cfg.Log.Mode = "loud"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected log mode error")
	}
}

func TestInvalidYAML(t *testing.T) {
	if _, err := FromYAML([]byte("history: [")); err == nil {
		t.Fatalf("expected yaml error")
	}
}

func TestWebhooksFromYAML(t *testing.T) {
	cfg, err := FromYAML([]byte(`
webhooks:
  - url: https://hooks.example.com/redink
    events: [history.cleanup, record.*]
    secret: s3cret
    timeout_seconds: 3
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].Events[1] != "record.*" || cfg.Webhooks[0].TimeoutSeconds != 3 {
		t.Fatalf("webhooks = %+v", cfg.Webhooks)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	cfg.Webhooks[0].URL = "ftp://example.com"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected scheme error")
	}
	cfg.Webhooks[0].URL = "https://hooks.example.com/redink"
	cfg.Journal.Enabled = false
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected journal requirement error")
	}
}
