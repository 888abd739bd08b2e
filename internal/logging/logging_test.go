package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		" warn ":  slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestStdBackendJSONOutsideDev(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	l := Init(Config{Service: "driftchat", Version: "test", Env: "prod", Output: &buf})
	l.Debug("hidden")
	l.Info("room created", "room_id", "r1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one record, got %q", buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("record is not JSON: %v", err)
	}
	if rec["service"] != "driftchat" || rec["room_id"] != "r1" || rec["msg"] != "room created" {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestDebugLowersLevel(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	Init(Config{Service: "driftchat", Debug: true, Output: &buf})
	slog.Debug("frame dispatched", "op", "ping")
	if !strings.Contains(buf.String(), "frame dispatched") {
		t.Fatalf("debug record missing from %q", buf.String())
	}
}

func TestZapBackendWritesJSON(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	l := Init(Config{Service: "driftchat", Backend: BackendZap, Level: slog.LevelInfo, Output: &buf})
	l.Info("sweep finished", "removed", 2)
	l.Debug("ignored")

	out := strings.TrimSpace(buf.String())
	if strings.Count(out, "\n") != 0 {
		t.Fatalf("expected exactly one record, got %q", out)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(out), &rec); err != nil {
		t.Fatalf("record is not JSON: %v (%q)", err, out)
	}
	if rec["msg"] != "sweep finished" || rec["level"] != "INFO" {
		t.Fatalf("unexpected record %v", rec)
	}
}
