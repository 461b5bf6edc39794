package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"condenser/pkg/logger"
	"condenser/pkg/models"
)

func init() { logger.Init() }

func TestSummarizeDeterministic(t *testing.T) {
	content := "This is a test chunk.\nIt has multiple lines.\nAnd some content."
	a := summarize(content)
	b := summarize(content)
	if a != b {
		t.Fatalf("summaries differ: %q vs %q", a, b)
	}
	if !strings.Contains(a, "3 lines") {
		t.Fatalf("expected line count in %q", a)
	}
	if !strings.Contains(a, "This is a test chunk.") {
		t.Fatalf("expected preview in %q", a)
	}
	if strings.Contains(a, "\n") {
		t.Fatalf("preview must be single-line: %q", a)
	}
}

func TestSummarizePreviewBounded(t *testing.T) {
	long := strings.Repeat("x", 500)
	s := summarize(long)
	if !strings.Contains(s, "500 chars") {
		t.Fatalf("expected char count in %q", s)
	}
	idx := strings.Index(s, "Preview: ")
	if idx < 0 {
		t.Fatalf("no preview in %q", s)
	}
	if got := len(s[idx+len("Preview: "):]); got > previewChars {
		t.Fatalf("preview too long: %d", got)
	}
}

func TestCPUSessionPartialResults(t *testing.T) {
	s := newCPUSession(Config{MaxContentBytes: 10})
	recs := []models.Record{
		{ID: "small", Content: "ok"},
		{ID: "big", Content: strings.Repeat("y", 100)},
		{ID: "small2", Content: "fine"},
	}
	out, err := s.Execute(context.Background(), recs)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 completions, got %d", len(out))
	}
	if out[0].Err != nil || out[2].Err != nil {
		t.Fatalf("sibling records must not fail: %v %v", out[0].Err, out[2].Err)
	}
	if out[1].Err == nil || !out[1].NonRetriable {
		t.Fatalf("oversized record must fail non-retriably, got %+v", out[1])
	}
}

func TestDeviceSelectionFallsBackToCPU(t *testing.T) {
	t.Setenv("CONDENSER_FORCE_CPU", "1")
	s, err := NewSession(Config{PreferAccelerator: true})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if s.Device() != DeviceCPU {
		t.Fatalf("expected CPU fallback, got %s", s.Device())
	}
}

func TestExecuteCancelledIsNotDeviceFault(t *testing.T) {
	s := newCPUSession(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Execute(ctx, []models.Record{{ID: "r1", Content: "a"}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		t.Fatalf("cancellation must not be an *EngineError: %v", err)
	}
}
