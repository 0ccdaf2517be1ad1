// Package procrun invokes external commands and streams their combined
// output line-by-line. It performs no semantic interpretation of exit codes;
// that is the caller's job.
package procrun

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/dtc-ops/imageprep/pkg/errors"
)

// Stream identifies which pipe a line arrived on.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

// Spec describes one external invocation. Env entries are appended to a copy
// of the process environment for this invocation only; credentials passed
// here never leak into process-wide state.
type Spec struct {
	Command string
	Args    []string
	Env     []string
	Dir     string
	OnLine  func(stream Stream, line string)
}

// Runner executes external commands. Production code uses ExecRunner; tests
// inject fakes.
type Runner interface {
	// Run executes the spec, streaming each output line to spec.OnLine as it
	// arrives, and returns the exit code once the process terminates. A
	// non-zero exit is reported through the exit code with a nil error;
	// err is non-nil only when the process could not be run at all.
	Run(ctx context.Context, spec Spec) (int, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// NewExecRunner creates a Runner backed by os/exec.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

func (r *ExecRunner) Run(ctx context.Context, spec Spec) (int, error) {
	slog.Info("proc_run", "command", spec.Command, "args", spec.Args)

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, errors.Wrap(err, "failed to open stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, errors.Wrap(err, "failed to open stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		slog.Error("proc_start_failed", "command", spec.Command, "error", err)
		return -1, errors.Wrap(err, "failed to start command")
	}

	// Both pipes are drained concurrently so a child writing heavily to both
	// never deadlocks on a full pipe buffer. The callback is serialized.
	var mu sync.Mutex
	emit := func(stream Stream, line string) {
		if spec.OnLine == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		spec.OnLine(stream, line)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			emit(Stdout, sc.Text())
		}
	}()
	go func() {
		defer wg.Done()
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			emit(Stderr, sc.Text())
		}
	}()

	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code := exitErr.ExitCode()
			slog.Info("proc_exit", "command", spec.Command, "exit_code", code)
			return code, nil
		}
		slog.Error("proc_wait_failed", "command", spec.Command, "error", err)
		return -1, errors.Wrap(err, "command wait failed")
	}

	slog.Info("proc_exit", "command", spec.Command, "exit_code", 0)
	return 0, nil
}

// RunCollect runs the spec and accumulates output lines in order of arrival,
// in addition to any OnLine callback already present on the spec.
func RunCollect(ctx context.Context, r Runner, spec Spec) (int, []string, error) {
	var mu sync.Mutex
	var lines []string
	inner := spec.OnLine
	spec.OnLine = func(stream Stream, line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
		if inner != nil {
			inner(stream, line)
		}
	}
	code, err := r.Run(ctx, spec)
	return code, lines, err
}
