package sysprep

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dtc-ops/imageprep/pkg/procrun"
)

// removerRunner scripts the outcome of the two removal mechanisms.
type removerRunner struct {
	perUserCode     int
	provisionedCode int
	removals        int
}

func (r *removerRunner) Run(ctx context.Context, spec procrun.Spec) (int, error) {
	script := spec.Args[len(spec.Args)-1]
	if strings.Contains(script, "Get-AppxProvisionedPackage") {
		return r.provisionedCode, nil
	}
	if strings.Contains(script, "Get-AppxPackage") {
		r.removals++
		return r.perUserCode, nil
	}
	return 0, nil
}

func testLoop(t *testing.T, runner procrun.Runner) *Loop {
	t.Helper()
	l := NewLoop(NewBlockerRemover(runner), `C:\Windows\System32\Sysprep\sysprep.exe`, `C:\work\unattend.xml`, t.TempDir())
	l.SettleDelay = time.Millisecond
	return l
}

func writeErrorLog(t *testing.T, dir string, lines ...string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, errorLogName), []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestRun_ShutdownOnCleanExit(t *testing.T) {
	l := testLoop(t, &removerRunner{})
	toolRuns := 0
	l.run = func(ctx context.Context) (int, []string, error) {
		toolRuns++
		return 0, nil, nil
	}

	result, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Outcome != OutcomeShutdown {
		t.Errorf("outcome = %s, want %s", result.Outcome, OutcomeShutdown)
	}
	if toolRuns != 1 {
		t.Errorf("tool ran %d times, want 1", toolRuns)
	}
}

func TestRun_NoBlockersIsUnrecoverable(t *testing.T) {
	l := testLoop(t, &removerRunner{})
	l.run = func(ctx context.Context) (int, []string, error) {
		writeErrorLog(t, l.PantherDir,
			"2026-08-30 10:00:00, Error  SYSPRP Failure occurred while executing 'drmv2clt.dll,Sysprep'",
		)
		return 1, []string{"sysprep exited"}, nil
	}

	result, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Outcome != OutcomeUnrecoverable || result.Reason != ReasonNoBlockersFound {
		t.Errorf("got %s/%s", result.Outcome, result.Reason)
	}
	if len(result.RawLog) == 0 {
		t.Error("raw diagnostic log must be surfaced untouched")
	}
	if len(result.Attempts) != 1 {
		t.Errorf("a non-recoverable failure must not consume more attempts, got %d", len(result.Attempts))
	}
}

func TestRun_PersistentBlockersExhaustAttempts(t *testing.T) {
	l := testLoop(t, &removerRunner{})
	l.MaxAttempts = 3

	toolRuns := 0
	l.run = func(ctx context.Context) (int, []string, error) {
		toolRuns++
		// The same blocker reappears on every attempt.
		writeErrorLog(t, l.PantherDir,
			"Error  SYSPRP Package Microsoft.StubbornApp_1.0_x64__8wekyb3d8bbwe was installed for a user, but not provisioned for all users.",
		)
		return 1, nil, nil
	}

	result, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Outcome != OutcomeUnrecoverable || result.Reason != ReasonMaxAttemptsReached {
		t.Errorf("got %s/%s", result.Outcome, result.Reason)
	}
	if toolRuns != 3 {
		t.Errorf("tool ran %d times, want exactly MaxAttempts", toolRuns)
	}
}

func TestRun_RemovalFailureStopsImmediately(t *testing.T) {
	runner := &removerRunner{perUserCode: 1, provisionedCode: 1}
	l := testLoop(t, runner)
	l.MaxAttempts = 10

	toolRuns := 0
	l.run = func(ctx context.Context) (int, []string, error) {
		toolRuns++
		writeErrorLog(t, l.PantherDir,
			"Error  SYSPRP Package Microsoft.Unremovable_1.0_x64__8wekyb3d8bbwe was installed for a user, but not provisioned for all users.",
		)
		return 1, nil, nil
	}

	result, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Outcome != OutcomeUnrecoverable || result.Reason != ReasonRemovalFailed {
		t.Errorf("got %s/%s", result.Outcome, result.Reason)
	}
	if toolRuns != 1 {
		t.Errorf("a failed removal must stop the loop, tool ran %d times", toolRuns)
	}
}

func TestRun_RemovedBlockersThenShutdown(t *testing.T) {
	l := testLoop(t, &removerRunner{})

	toolRuns := 0
	l.run = func(ctx context.Context) (int, []string, error) {
		toolRuns++
		if toolRuns == 1 {
			writeErrorLog(t, l.PantherDir,
				"Error  SYSPRP Package Microsoft.BingWeather_4.25_x64__8wekyb3d8bbwe was installed for a user, but not provisioned for all users.",
				"Error  SYSPRP Package Microsoft.BingWeather_4.25_x64__8wekyb3d8bbwe was installed for a user, but not provisioned for all users.",
				"Error  SYSPRP Package Microsoft.ZuneMusic_11.0_x64__8wekyb3d8bbwe was installed for a user, but not provisioned for all users.",
			)
			return 1, nil, nil
		}
		return 0, nil, nil
	}

	result, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Outcome != OutcomeShutdown {
		t.Errorf("outcome = %s, want %s", result.Outcome, OutcomeShutdown)
	}
	if len(result.Attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(result.Attempts))
	}

	// Duplicate log entries collapse to one blocker; names are sorted.
	first := result.Attempts[0]
	if len(first.Blockers) != 2 {
		t.Fatalf("expected 2 unique blockers, got %v", first.Blockers)
	}
	if first.Blockers[0] != "Microsoft.BingWeather_4.25_x64__8wekyb3d8bbwe" {
		t.Errorf("unexpected blocker order: %v", first.Blockers)
	}
}

func TestRun_ContextCancelledDuringSettle(t *testing.T) {
	l := testLoop(t, &removerRunner{})
	l.SettleDelay = time.Minute
	l.run = func(ctx context.Context) (int, []string, error) {
		return 1, nil, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := l.Run(ctx); err == nil {
		t.Fatal("expected context error")
	}
}

func TestClearDiagnosticLogs_MissingDirIsFine(t *testing.T) {
	l := testLoop(t, &removerRunner{})
	l.PantherDir = filepath.Join(t.TempDir(), "does-not-exist")
	if err := l.clearDiagnosticLogs(); err != nil {
		t.Errorf("missing panther dir must not error: %v", err)
	}
}
