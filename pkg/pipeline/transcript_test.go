package pipeline

import (
	"os"
	"strings"
	"testing"
)

func TestTranscript_WritesTimestampedLines(t *testing.T) {
	tr, err := NewTranscript(t.TempDir(), "capture")
	if err != nil {
		t.Fatalf("failed to open transcript: %v", err)
	}

	tr.Line("snapshot created")
	tr.Failure(FailureSummary{
		Stage:      "backup",
		Resource:   "restic",
		Detail:     "restic exited with code 1",
		Suggestion: "inspect the tool output above",
	})
	if err := tr.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	data, err := os.ReadFile(tr.Path())
	if err != nil {
		t.Fatalf("failed to read transcript: %v", err)
	}
	content := string(data)

	if !strings.Contains(content, "snapshot created") {
		t.Error("missing progress line")
	}
	if !strings.Contains(content, "FAILED at stage backup") {
		t.Error("missing failure header")
	}
	if !strings.Contains(content, "resource: restic") {
		t.Error("missing resource line")
	}
	if !strings.Contains(content, "suggestion: inspect the tool output above") {
		t.Error("missing suggestion line")
	}
	if !strings.Contains(tr.Path(), "capture-") {
		t.Errorf("path %q does not carry the operation name", tr.Path())
	}
}

func TestTranscript_NilSafe(t *testing.T) {
	var tr *Transcript
	tr.Line("ignored")
	tr.Failure(FailureSummary{Stage: "x"})
	if got := tr.Path(); got != "" {
		t.Errorf("nil path = %q, want empty", got)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("nil close returned %v", err)
	}
}
