package corelog

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestEnabledRespectsLevel(t *testing.T) {
	h := NewConsoleHandler(&bytes.Buffer{}, slog.LevelWarn)
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("Info should not be enabled at Warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("Error should be enabled at Warn level")
	}
}

func TestHandleFormatsMessageAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := NewConsoleHandler(&buf, slog.LevelDebug)
	logger := slog.New(h)
	logger.Info("fetching manifest", "depot", 731, "manifest", 1001)

	out := buf.String()
	if !strings.Contains(out, "[INFO]") {
		t.Errorf("output missing level label: %q", out)
	}
	if !strings.Contains(out, "fetching manifest") {
		t.Errorf("output missing message: %q", out)
	}
	if !strings.Contains(out, "depot=731") || !strings.Contains(out, "manifest=1001") {
		t.Errorf("output missing attrs: %q", out)
	}
}

func TestWithAttrsCarriesIntoSubsequentRecords(t *testing.T) {
	var buf bytes.Buffer
	h := NewConsoleHandler(&buf, slog.LevelDebug)
	logger := slog.New(h).With("app", 730)
	logger.Warn("retrying connection")

	out := buf.String()
	if !strings.Contains(out, "app=730") {
		t.Errorf("output missing carried attr: %q", out)
	}
	if !strings.Contains(out, "[WARN]") {
		t.Errorf("output missing level label: %q", out)
	}
}

func TestWithGroupIsANoop(t *testing.T) {
	h := NewConsoleHandler(&bytes.Buffer{}, slog.LevelDebug)
	if h.WithGroup("chunks") != h {
		t.Fatal("WithGroup should return the same handler, grouping is unsupported")
	}
}

func TestNewBuildsAWorkingLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelError)
	logger.Info("should be dropped")
	if buf.Len() != 0 {
		t.Fatalf("Info should be filtered at Error level, got %q", buf.String())
	}
	logger.Error("connection refused")
	if !strings.Contains(buf.String(), "connection refused") {
		t.Fatalf("Error message missing: %q", buf.String())
	}
}
