package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	blobcore "custodyledger/internal/blob/core"
	"custodyledger/internal/core"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load("", "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.HTTP.Addr != ":8080" || !c.Metrics.Enabled || c.App.Env != "prod" {
		t.Fatalf("unexpected defaults %+v", c)
	}
	if c.StorageConfig().Driver != core.StorageSQLite || c.AnchorConfig().Driver != core.AnchorNone {
		t.Fatalf("unexpected drivers %+v", c)
	}
	if c.Anchor.Timeout != core.DefaultAnchorTimeout || c.Export.LinkExpiry != 15*time.Minute {
		t.Fatalf("unexpected durations %v %v", c.Anchor.Timeout, c.Export.LinkExpiry)
	}
	if c.BlobConfig().Driver != blobcore.DriverFilesystem {
		t.Fatalf("unexpected blob driver %s", c.BlobConfig().Driver)
	}
}

func TestLoadFileThenEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custody.yaml")
	yaml := `app:
  env: dev
storage:
  driver: postgres
  postgres_dsn: postgres://file
anchor:
  driver: solana
  program_id: Prog1
  timeout: 3s
blob:
  driver: s3
  s3:
    bucket: exports
    path_style: true
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CUSTODY_STORAGE_POSTGRES_DSN", "postgres://env")
	t.Setenv("CUSTODY_HTTP_ADDR", ":9090")

	c, err := Load(path, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.App.Env != "dev" || c.HTTP.Addr != ":9090" {
		t.Fatalf("unexpected app/http %+v", c)
	}
	st := c.StorageConfig()
	if st.Driver != core.StoragePostgres || st.PostgresDSN != "postgres://env" {
		t.Fatalf("env must override file: %+v", st)
	}
	if c.AnchorConfig().ProgramID != "Prog1" || c.Anchor.Timeout != 3*time.Second {
		t.Fatalf("unexpected anchor %+v", c.Anchor)
	}
	b := c.BlobConfig()
	if b.Driver != blobcore.DriverS3 || b.S3.Bucket != "exports" || !b.S3.PathStyle {
		t.Fatalf("unexpected blob %+v", b)
	}
}

func TestLoadDotEnv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envFile, []byte("CUSTODY_ANCHOR_DRIVER=memory\nCUSTODY_APP_ENV=dev\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CUSTODY_APP_ENV", "staging")
	t.Cleanup(func() { _ = os.Unsetenv("CUSTODY_ANCHOR_DRIVER") })

	c, err := Load("", envFile)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Anchor.Driver != "memory" {
		t.Fatalf(".env value not applied: %q", c.Anchor.Driver)
	}
	if c.App.Env != "staging" {
		t.Fatalf("process env must win over .env, got %q", c.App.Env)
	}
	if _, err := Load("", filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing .env must be ignored: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), ""); err == nil {
		t.Fatalf("expected read error")
	}
}
