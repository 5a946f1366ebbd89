package ahlog

import (
	"bytes"
	"strings"
	"testing"
)

func TestLogRespectsMinLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn)

	l.Info("should not appear")
	if buf.Len() != 0 {
		t.Fatalf("expected nothing logged below min level, got %q", buf.String())
	}

	l.Warn("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Fatalf("expected warn message to be logged, got %q", buf.String())
	}
}

func TestWithChainsKeyvals(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelDebug).With("store", "docs")

	l.Info("saved", "count", 3)
	out := buf.String()
	if !strings.Contains(out, "store=docs") || !strings.Contains(out, "count=3") {
		t.Fatalf("expected chained and call-site keyvals both present, got %q", out)
	}
}

func TestNopDiscardsEverything(t *testing.T) {
	l := Nop()
	l.Debug("x")
	l.Info("x")
	l.Warn("x")
	l.Error("x")
	if l.With("a", "b") == nil {
		t.Fatal("expected With to return a usable logger")
	}
}
