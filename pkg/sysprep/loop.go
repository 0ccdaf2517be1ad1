// Package sysprep drives the destructive, one-shot generalization of a
// captured system through a bounded retry loop. The driving tool reports
// outcome only indirectly: success shuts the machine down, so reaching the
// next loop iteration is itself evidence of failure, and recovery hinges on
// scanning a secondary diagnostic log for removable blockers.
package sysprep

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Outcome is the terminal classification of a generalization run. Shutdown
// is a first-class terminal state: the tool initiating shutdown is expected
// non-return, not an exception.
type Outcome string

const (
	OutcomeShutdown        Outcome = "shutdown"
	OutcomeBlockersRemoved Outcome = "blockers_removed"
	OutcomeUnrecoverable   Outcome = "unrecoverable"
)

// Reason qualifies an unrecoverable outcome.
type Reason string

const (
	ReasonNoBlockersFound    Reason = "no_blockers_found"
	ReasonRemovalFailed      Reason = "removal_failed"
	ReasonMaxAttemptsReached Reason = "max_attempts_reached"
	ReasonToolUnavailable    Reason = "tool_unavailable"
)

// Attempt records one loop iteration.
type Attempt struct {
	Index    int
	Blockers []string
	Outcome  Outcome
}

// Result is the overall loop outcome with the full attempt history and, on
// failure, the raw diagnostic log for the operator.
type Result struct {
	Outcome  Outcome
	Reason   Reason
	Attempts []Attempt
	RawLog   []string
}

// Loop drives generalization attempts.
type Loop struct {
	blockers *BlockerRemover

	// ToolPath is the generalization executable.
	ToolPath string
	// UnattendPath is the answer file passed on every attempt.
	UnattendPath string
	// PantherDir holds the tool's diagnostic logs, cleared before each run.
	PantherDir string
	// MaxAttempts bounds the loop.
	MaxAttempts int
	// SettleDelay is how long logs are given to flush after the tool
	// returns before the diagnostic log is scanned.
	SettleDelay time.Duration

	run func(ctx context.Context) (int, []string, error)
}

const errorLogName = "setuperr.log"

// NewLoop creates a generalization loop with production defaults.
func NewLoop(remover *BlockerRemover, toolPath, unattendPath, pantherDir string) *Loop {
	l := &Loop{
		blockers:     remover,
		ToolPath:     toolPath,
		UnattendPath: unattendPath,
		PantherDir:   pantherDir,
		MaxAttempts:  10,
		SettleDelay:  5 * time.Second,
	}
	l.run = l.runTool
	return l
}

var blockerPattern = regexp.MustCompile(`SYSPRP Package (.*?) was installed for a user`)

// Run executes the bounded generalization loop. It returns only when the
// outcome is terminal; on a successful attempt the machine shuts down and
// the Shutdown result is the last thing anyone observes.
func (l *Loop) Run(ctx context.Context) (*Result, error) {
	result := &Result{}

	for attempt := 1; attempt <= l.MaxAttempts; attempt++ {
		slog.Info("generalize_attempt", "index", attempt, "max_attempts", l.MaxAttempts)

		if err := l.clearDiagnosticLogs(); err != nil {
			slog.Warn("generalize_log_clear_failed", "error", err)
		}

		code, output, err := l.run(ctx)
		if err != nil {
			result.Outcome = OutcomeUnrecoverable
			result.Reason = ReasonToolUnavailable
			result.RawLog = output
			return result, err
		}
		if code == 0 {
			// The tool accepted the generalize request and is shutting the
			// machine down. Expected non-return, recorded as terminal.
			slog.Info("generalize_shutdown_initiated", "attempt", attempt)
			result.Outcome = OutcomeShutdown
			result.Attempts = append(result.Attempts, Attempt{Index: attempt, Outcome: OutcomeShutdown})
			return result, nil
		}

		slog.Warn("generalize_returned", "attempt", attempt, "exit_code", code)

		// Give the tool time to flush its logs before scanning.
		select {
		case <-time.After(l.SettleDelay):
		case <-ctx.Done():
			return result, ctx.Err()
		}

		blockers, raw := l.scanBlockers()
		if len(blockers) == 0 {
			// Not auto-recoverable; surface the raw log untouched.
			slog.Error("generalize_no_blockers_found", "attempt", attempt)
			result.Outcome = OutcomeUnrecoverable
			result.Reason = ReasonNoBlockersFound
			result.RawLog = append(raw, output...)
			result.Attempts = append(result.Attempts, Attempt{Index: attempt, Outcome: OutcomeUnrecoverable})
			return result, nil
		}

		slog.Warn("generalize_blockers_found", "attempt", attempt, "count", len(blockers))

		removals := l.blockers.RemoveAll(ctx, blockers)
		if !removals.AllSucceeded() {
			// Retrying without a clean removal would burn attempts on the
			// same failure; stop immediately.
			slog.Error("generalize_removal_failed", "attempt", attempt, "failed", removals.Failed())
			result.Outcome = OutcomeUnrecoverable
			result.Reason = ReasonRemovalFailed
			result.RawLog = raw
			result.Attempts = append(result.Attempts, Attempt{Index: attempt, Blockers: blockers, Outcome: OutcomeUnrecoverable})
			return result, nil
		}

		result.Attempts = append(result.Attempts, Attempt{Index: attempt, Blockers: blockers, Outcome: OutcomeBlockersRemoved})
		slog.Info("generalize_blockers_removed", "attempt", attempt, "count", len(blockers))
	}

	slog.Error("generalize_max_attempts_reached", "max_attempts", l.MaxAttempts)
	result.Outcome = OutcomeUnrecoverable
	result.Reason = ReasonMaxAttemptsReached
	return result, nil
}

func (l *Loop) runTool(ctx context.Context) (int, []string, error) {
	return l.blockers.runTool(ctx, l.ToolPath, l.UnattendPath)
}

func (l *Loop) clearDiagnosticLogs() error {
	entries, err := os.ReadDir(l.PantherDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(l.PantherDir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// scanBlockers parses the diagnostic log for the recoverable-blocker
// pattern: pre-installed packages registered per-user. Returns the unique
// blocker names and the raw log lines.
func (l *Loop) scanBlockers() ([]string, []string) {
	data, err := os.ReadFile(filepath.Join(l.PantherDir, errorLogName))
	if err != nil {
		slog.Warn("generalize_log_read_failed", "error", err)
		return nil, nil
	}

	raw := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	seen := make(map[string]bool)
	for _, match := range blockerPattern.FindAllStringSubmatch(string(data), -1) {
		seen[match[1]] = true
	}

	blockers := make([]string, 0, len(seen))
	for name := range seen {
		blockers = append(blockers, name)
	}
	sort.Strings(blockers)
	return blockers, raw
}
