package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestJSONLoggerWritesLevelAndAttributes(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSON(&buf, "debug")

	log.With("session", "s-1").Info(context.Background(), "snapshot applied", "collection", "movements")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected one JSON line, got %q: %v", buf.String(), err)
	}
	if line["level"] != "INFO" || line["msg"] != "snapshot applied" {
		t.Fatalf("unexpected line: %v", line)
	}
	if line["session"] != "s-1" || line["collection"] != "movements" {
		t.Fatalf("missing attributes: %v", line)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSON(&buf, "warn")
	ctx := context.Background()

	log.Debug(ctx, "dbg")
	log.Info(ctx, "inf")
	log.Warn(ctx, "wrn")
	log.Error(ctx, "err")

	out := buf.String()
	if strings.Contains(out, `"dbg"`) || strings.Contains(out, `"inf"`) {
		t.Fatalf("expected debug/info to be filtered, got:\n%s", out)
	}
	if !strings.Contains(out, `"wrn"`) || !strings.Contains(out, `"err"`) {
		t.Fatalf("expected warn/error lines, got:\n%s", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"chatty":  slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
