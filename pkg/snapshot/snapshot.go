// Package snapshot manages point-in-time volume snapshots: creation with a
// fallback mechanism, device-path resolution with bounded polling, exposure
// through a filesystem-visible mapping, and best-effort teardown.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dtc-ops/imageprep/pkg/errors"
	"github.com/dtc-ops/imageprep/pkg/procrun"
)

// Handle tracks one snapshot through its lifecycle.
type Handle struct {
	ID           string
	SourceVolume string
	DevicePath   string
	ExposedPath  string
}

var (
	shadowIDPattern     = regexp.MustCompile(`(?i)Shadow Copy ID:\s*(\{[0-9a-f-]+\})`)
	shadowVolumePattern = regexp.MustCompile(`(?i)Shadow Copy Volume:\s*(\\\\\?\\GLOBALROOT\\Device\\\S+)`)
	guidPattern         = regexp.MustCompile(`(?i)\{[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\}`)
)

// Manager drives the snapshot subsystem through external commands.
type Manager struct {
	runner procrun.Runner

	// ResolveAttempts bounds device-path polling; ResolveInterval is the
	// fixed delay between polls.
	ResolveAttempts int
	ResolveInterval time.Duration
}

// NewManager creates a snapshot manager with production polling bounds.
func NewManager(runner procrun.Runner) *Manager {
	return &Manager{
		runner:          runner,
		ResolveAttempts: 5,
		ResolveInterval: 2 * time.Second,
	}
}

// Create takes a snapshot of the given volume (e.g. "C:"). The primary
// mechanism is the shadow-copy administration tool; when it fails, a CIM
// method call is tried before the stage is reported failed, because a single
// mechanism is not reliable enough in production.
func (m *Manager) Create(ctx context.Context, volume string) (*Handle, error) {
	slog.Info("snapshot_create_start", "volume", volume)

	id, err := m.createVssadmin(ctx, volume)
	if err != nil {
		slog.Warn("snapshot_create_primary_failed", "volume", volume, "error", err)
		id, err = m.createCIM(ctx, volume)
		if err != nil {
			slog.Error("snapshot_create_failed", "volume", volume, "error", err)
			return nil, errors.Wrap(err, "all snapshot creation mechanisms failed")
		}
	}

	slog.Info("snapshot_created", "volume", volume, "snapshot_id", id)
	return &Handle{ID: id, SourceVolume: volume}, nil
}

func (m *Manager) createVssadmin(ctx context.Context, volume string) (string, error) {
	code, lines, err := procrun.RunCollect(ctx, m.runner, procrun.Spec{
		Command: "vssadmin",
		Args:    []string{"create", "shadow", "/for=" + volume + `\`},
	})
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", &errors.ExitError{Command: "vssadmin create shadow", ExitCode: code, Output: lines}
	}
	for _, line := range lines {
		if match := shadowIDPattern.FindStringSubmatch(line); match != nil {
			return strings.ToLower(match[1]), nil
		}
	}
	return "", fmt.Errorf("no shadow copy id in vssadmin output")
}

func (m *Manager) createCIM(ctx context.Context, volume string) (string, error) {
	script := fmt.Sprintf(
		`$r = Invoke-CimMethod -ClassName Win32_ShadowCopy -MethodName Create -Arguments @{Volume='%s\'; Context='ClientAccessible'}; `+
			`if ($r.ReturnValue -ne 0) { exit 1 }; $r.ShadowID`, volume)

	code, lines, err := procrun.RunCollect(ctx, m.runner, procrun.PowerShell(script, nil))
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", &errors.ExitError{Command: "Win32_ShadowCopy.Create", ExitCode: code, Output: lines}
	}
	for _, line := range lines {
		if match := guidPattern.FindString(line); match != "" {
			return strings.ToLower(match), nil
		}
	}
	return "", fmt.Errorf("no shadow copy id in CIM output")
}

// ResolvePath queries the device path behind a snapshot id. The path is not
// always immediately queryable after creation, so the query is polled a
// bounded number of times at a fixed interval.
func (m *Manager) ResolvePath(ctx context.Context, h *Handle) error {
	slog.Info("snapshot_resolve_start", "snapshot_id", h.ID, "max_attempts", m.ResolveAttempts)

	attempt := 0
	op := func() error {
		attempt++
		code, lines, err := procrun.RunCollect(ctx, m.runner, procrun.Spec{
			Command: "vssadmin",
			Args:    []string{"list", "shadows", "/shadow=" + h.ID},
		})
		if err != nil {
			return backoff.Permanent(err)
		}
		if code != 0 {
			return &errors.TransientError{Op: "snapshot_resolve", Detail: fmt.Sprintf("query exited %d", code)}
		}
		for _, line := range lines {
			if match := shadowVolumePattern.FindStringSubmatch(line); match != nil {
				h.DevicePath = match[1]
				return nil
			}
		}
		return &errors.TransientError{Op: "snapshot_resolve", Detail: "device path not yet queryable"}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.ResolveInterval), uint64(m.ResolveAttempts-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		slog.Error("snapshot_resolve_failed", "snapshot_id", h.ID, "attempts", attempt, "error", err)
		return errors.Wrap(err, "device path resolution exhausted")
	}

	slog.Info("snapshot_resolved", "snapshot_id", h.ID, "device_path", h.DevicePath, "attempts", attempt)
	return nil
}

// Destroy removes the snapshot. Always invoked during cleanup; failure is
// downgraded to a warning and never fails the pipeline.
func (m *Manager) Destroy(ctx context.Context, h *Handle) {
	slog.Info("snapshot_destroy", "snapshot_id", h.ID)

	code, lines, err := procrun.RunCollect(ctx, m.runner, procrun.Spec{
		Command: "vssadmin",
		Args:    []string{"delete", "shadows", "/shadow=" + h.ID, "/quiet"},
	})
	if err != nil || code != 0 {
		slog.Warn("snapshot_destroy_failed", "snapshot_id", h.ID, "exit_code", code,
			"error", err, "output", strings.Join(lines, " | "))
		return
	}

	slog.Info("snapshot_destroyed", "snapshot_id", h.ID)
}

// ListIDs enumerates the ids of every snapshot present on the machine.
func (m *Manager) ListIDs(ctx context.Context) ([]string, error) {
	code, lines, err := procrun.RunCollect(ctx, m.runner, procrun.Spec{
		Command: "vssadmin",
		Args:    []string{"list", "shadows"},
	})
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, &errors.ExitError{Command: "vssadmin list shadows", ExitCode: code, Output: lines}
	}

	var ids []string
	for _, line := range lines {
		if match := shadowIDPattern.FindStringSubmatch(line); match != nil {
			ids = append(ids, strings.ToLower(match[1]))
		}
	}
	return ids, nil
}

// expiredSignatures are output fragments that indicate a snapshot's lifetime
// elapsed while a consumer was still reading through it.
var expiredSignatures = []string{
	"handle is invalid",
	"access is denied",
	"filename, directory name, or volume label syntax is incorrect",
}

// ClassifyReadFailure inspects a mid-read failure against a snapshot-backed
// path. Signatures of snapshot expiry are converted to a SnapshotExpiredError
// (fatal and non-retryable for the attempt); anything else passes through.
func ClassifyReadFailure(h *Handle, output string, err error) error {
	if err == nil {
		return nil
	}
	haystack := strings.ToLower(output + " " + err.Error())
	for _, sig := range expiredSignatures {
		if strings.Contains(haystack, sig) {
			return &errors.SnapshotExpiredError{SnapshotID: h.ID, Detail: sig}
		}
	}
	return err
}
