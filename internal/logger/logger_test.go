package logger

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesRotatedJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "molt.log")
	log, closers, err := New(Config{Level: "debug", Format: "json", OutputPaths: []string{path}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	log.With(slog.String("component", "engine")).Debug("task published", slog.String("task_id", "t-1"))
	for _, c := range closers {
		if err := c.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var line map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &line); err != nil {
		t.Fatalf("log line not json: %v (%s)", err, data)
	}
	if line["msg"] != "task published" || line["component"] != "engine" || line["task_id"] != "t-1" {
		t.Fatalf("unexpected line: %v", line)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNamedBeforeInit(t *testing.T) {
	if Named("resolver") == nil {
		t.Fatal("expected logger")
	}
}
