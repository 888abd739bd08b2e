package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(New())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.DBDriver != "sqlite" || cfg.MaxMessageLength != 2000 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.BlobsDir != "blobs" {
		t.Fatalf("blobs dir should sit next to the database, got %q", cfg.BlobsDir)
	}
	if cfg.WTAddr != "" {
		t.Fatalf("webtransport should be off by default, got %q", cfg.WTAddr)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("DRIFTCHAT_ADDR", ":9999")
	t.Setenv("DRIFTCHAT_SWEEP_INTERVAL", "5s")
	t.Setenv("DRIFTCHAT_LIMITS_MAX_MESSAGE_LENGTH", "140")

	cfg, err := Load(New())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.SweepInterval != 5*time.Second || cfg.MaxMessageLength != 140 {
		t.Fatalf("environment not applied: %+v", cfg)
	}
}

func TestFileAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "driftchat.yaml")
	yaml := "db:\n  dsn: " + filepath.Join(dir, "chat.db") + "\nlimits:\n  room_quota_bytes: 1024\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	v := New()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("addr", ":8080", "")
	if err := BindFlags(v, flags, map[string]string{KeyAddr: "addr"}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := flags.Parse([]string{"--addr", ":7000"}); err != nil {
		t.Fatal(err)
	}
	if err := ReadFile(v, path); err != nil {
		t.Fatalf("read file: %v", err)
	}

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7000" {
		t.Fatalf("flag not applied, addr=%q", cfg.Addr)
	}
	if cfg.RoomQuotaBytes != 1024 || cfg.BlobsDir != filepath.Join(dir, "blobs") {
		t.Fatalf("file not applied: %+v", cfg)
	}

	if err := BindFlags(v, flags, map[string]string{KeyDBDSN: "missing"}); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

func TestValidation(t *testing.T) {
	v := New()
	v.Set(KeyDBDriver, "mysql")
	if _, err := Load(v); err == nil {
		t.Fatal("expected unsupported driver error")
	}
}
