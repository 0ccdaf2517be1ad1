package sysprep

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dtc-ops/imageprep/pkg/procrun"
)

// Removal is the tagged outcome of removing one blocker. A blocker may be
// registered per-user, system-wide, or both, so both removal mechanisms are
// tried and the removal succeeds if either does.
type Removal struct {
	Blocker     string
	PerUser     bool
	Provisioned bool
}

// Succeeded reports whether either mechanism removed the blocker.
func (r Removal) Succeeded() bool {
	return r.PerUser || r.Provisioned
}

// Removals is the outcome for one blocker set.
type Removals []Removal

// AllSucceeded reports whether every blocker was removed by at least one
// mechanism; the loop requires this before consuming another attempt.
func (rs Removals) AllSucceeded() bool {
	for _, r := range rs {
		if !r.Succeeded() {
			return false
		}
	}
	return len(rs) > 0
}

// Failed lists blockers neither mechanism removed.
func (rs Removals) Failed() []string {
	var failed []string
	for _, r := range rs {
		if !r.Succeeded() {
			failed = append(failed, r.Blocker)
		}
	}
	return failed
}

// BlockerRemover removes per-user package blockers through the package
// management subsystem.
type BlockerRemover struct {
	runner procrun.Runner
}

// NewBlockerRemover creates a remover over the given runner.
func NewBlockerRemover(runner procrun.Runner) *BlockerRemover {
	return &BlockerRemover{runner: runner}
}

// RemoveAll attempts removal of each blocker by name.
func (b *BlockerRemover) RemoveAll(ctx context.Context, blockers []string) Removals {
	removals := make(Removals, 0, len(blockers))
	for _, blocker := range blockers {
		removals = append(removals, b.remove(ctx, blocker))
	}
	return removals
}

func (b *BlockerRemover) remove(ctx context.Context, blocker string) Removal {
	r := Removal{Blocker: blocker}

	perUser := fmt.Sprintf(
		`$p = Get-AppxPackage -AllUsers -Name "*%s*"; if (-not $p) { exit 1 }; $p | Remove-AppxPackage -AllUsers -ErrorAction Stop`, blocker)
	if code, _, err := procrun.RunCollect(ctx, b.runner, procrun.PowerShell(perUser, nil)); err == nil && code == 0 {
		r.PerUser = true
	}

	provisioned := fmt.Sprintf(
		`$p = Get-AppxProvisionedPackage -Online | Where-Object { $_.PackageName -like "*%s*" }; if (-not $p) { exit 1 }; $p | Remove-AppxProvisionedPackage -Online -ErrorAction Stop`, blocker)
	if code, _, err := procrun.RunCollect(ctx, b.runner, procrun.PowerShell(provisioned, nil)); err == nil && code == 0 {
		r.Provisioned = true
	}

	slog.Info("blocker_removal", "blocker", blocker, "per_user", r.PerUser, "provisioned", r.Provisioned)
	return r
}

// runTool invokes the generalization tool itself: generalize, first-boot
// setup, shutdown on completion, with the generated answer file.
func (b *BlockerRemover) runTool(ctx context.Context, toolPath, unattendPath string) (int, []string, error) {
	return procrun.RunCollect(ctx, b.runner, procrun.Spec{
		Command: toolPath,
		Args:    []string{"/generalize", "/oobe", "/shutdown", "/unattend:" + unattendPath},
	})
}
