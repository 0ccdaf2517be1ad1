package pipeline

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dtc-ops/imageprep/pkg/errors"
)

// Transcript is the operator-facing log of a single pipeline run. It captures
// tool output and progress lines into one timestamped file under the work
// directory, separate from the structured event log.
type Transcript struct {
	mu   sync.Mutex
	w    io.WriteCloser
	path string
}

// NewTranscript opens a transcript file for one run of the named operation
func NewTranscript(workDir, operation string) (*Transcript, error) {
	dir := filepath.Join(workDir, "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create log dir")
	}

	path := filepath.Join(dir, fmt.Sprintf("%s-%s.log", operation, time.Now().Format("20060102-150405")))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open transcript")
	}

	slog.Info("transcript_open", "path", path)
	return &Transcript{w: f, path: path}, nil
}

// Path returns the transcript file location
func (t *Transcript) Path() string {
	if t == nil {
		return ""
	}
	return t.path
}

// Line appends one line to the transcript. Safe on a nil transcript so
// pipeline code never has to guard the call.
func (t *Transcript) Line(line string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.w, "%s %s\n", time.Now().Format("15:04:05"), line)
}

// Failure appends a failure summary block to the transcript
func (t *Transcript) Failure(s FailureSummary) {
	t.Line("FAILED at stage " + s.Stage)
	t.Line("  error: " + s.Detail)
	if s.Resource != "" {
		t.Line("  resource: " + s.Resource)
	}
	if s.Suggestion != "" {
		t.Line("  suggestion: " + s.Suggestion)
	}
}

// Close flushes and closes the transcript file
func (t *Transcript) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.w.Close()
}
