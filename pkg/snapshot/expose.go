package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dtc-ops/imageprep/pkg/errors"
	"github.com/dtc-ops/imageprep/pkg/procrun"
	"github.com/dtc-ops/imageprep/pkg/resource"
)

// exposeStrategy makes a snapshot device path visible to the filesystem.
// Strategies are tried in order; first success wins. On success the returned
// resource owns the mapping and tears it down on release.
type exposeStrategy struct {
	name  string
	apply func(ctx context.Context, m *Manager, h *Handle, broker *resource.Broker) (*resource.Resource, string, error)
}

// Expose maps the resolved device path to a filesystem-visible location.
// Drive-letter substitution is intermittently unreliable under certain
// snapshot states, so a directory junction is tried before the stage is
// declared failed. The mapping resource is registered with the broker and
// torn down when the broker releases it.
func (m *Manager) Expose(ctx context.Context, h *Handle, broker *resource.Broker, workDir string) error {
	if h.DevicePath == "" {
		return fmt.Errorf("snapshot %s: expose before path resolution", h.ID)
	}

	strategies := []exposeStrategy{
		{name: "drive_letter_substitution", apply: exposeSubst},
		{name: "directory_junction", apply: func(ctx context.Context, m *Manager, h *Handle, b *resource.Broker) (*resource.Resource, string, error) {
			return exposeJunction(ctx, m, h, b, workDir)
		}},
	}

	var lastErr error
	for _, s := range strategies {
		slog.Info("snapshot_expose_attempt", "snapshot_id", h.ID, "strategy", s.name)
		_, path, err := s.apply(ctx, m, h, broker)
		if err != nil {
			slog.Warn("snapshot_expose_strategy_failed", "snapshot_id", h.ID, "strategy", s.name, "error", err)
			lastErr = err
			continue
		}
		h.ExposedPath = path
		slog.Info("snapshot_exposed", "snapshot_id", h.ID, "strategy", s.name, "path", path)
		return nil
	}

	slog.Error("snapshot_expose_failed", "snapshot_id", h.ID, "error", lastErr)
	return errors.Wrap(lastErr, "all exposure strategies failed")
}

func exposeSubst(ctx context.Context, m *Manager, h *Handle, broker *resource.Broker) (*resource.Resource, string, error) {
	letterRes, err := broker.AcquireDriveLetter()
	if err != nil {
		return nil, "", err
	}
	letter := letterRes.Handle

	code, lines, err := procrun.RunCollect(ctx, m.runner, procrun.Spec{
		Command: "subst",
		Args:    []string{letter, h.DevicePath + `\`},
	})
	if err != nil || code != 0 {
		letterRes.Release()
		if err == nil {
			err = &errors.ExitError{Command: "subst", ExitCode: code, Output: lines}
		}
		return nil, "", err
	}

	// The substitution now exists; releasing the letter must undo it.
	runner := m.runner
	broker.Attach(letterRes, func(handle string) error {
		ecode, _, eerr := procrun.RunCollect(context.Background(), runner, procrun.Spec{
			Command: "subst",
			Args:    []string{handle, "/D"},
		})
		if eerr != nil {
			return eerr
		}
		if ecode != 0 {
			return fmt.Errorf("subst /D exited %d", ecode)
		}
		return nil
	})
	return letterRes, letter + `\`, nil
}

func exposeJunction(ctx context.Context, m *Manager, h *Handle, broker *resource.Broker, workDir string) (*resource.Resource, string, error) {
	junction := filepath.Join(workDir, "mounts", "snap-"+sanitizeID(h.ID))
	if err := os.MkdirAll(filepath.Dir(junction), 0o755); err != nil {
		return nil, "", errors.Wrap(err, "failed to create mount parent")
	}
	// mklink refuses to overwrite; a stale link from a crashed run is removed.
	_ = os.Remove(junction)

	code, lines, err := procrun.RunCollect(ctx, m.runner, procrun.Spec{
		Command: "cmd",
		Args:    []string{"/c", "mklink", "/J", junction, h.DevicePath + `\`},
	})
	if err != nil {
		return nil, "", err
	}
	if code != 0 {
		return nil, "", &errors.ExitError{Command: "mklink /J", ExitCode: code, Output: lines}
	}

	res, err := broker.Bind(resource.KindMountPoint, junction, func(handle string) error {
		return os.Remove(handle)
	})
	if err != nil {
		_ = os.Remove(junction)
		return nil, "", err
	}
	return res, junction, nil
}

func sanitizeID(id string) string {
	out := make([]rune, 0, len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			out = append(out, r)
		}
	}
	return string(out)
}
