// Package pipeline implements the capture and deploy finite state machine
// workflows. Capture orchestrates shadow copy creation, filesystem exposure,
// and encrypted backup; deploy orchestrates virtual disk preparation, restore,
// and boot repair. Both run on the superfly/fsm library with durable state.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dtc-ops/imageprep/pkg/catalog"
	"github.com/dtc-ops/imageprep/pkg/errors"
	"github.com/dtc-ops/imageprep/pkg/procrun"
	"github.com/dtc-ops/imageprep/pkg/repository"
	"github.com/dtc-ops/imageprep/pkg/resource"
	"github.com/dtc-ops/imageprep/pkg/snapshot"
	"github.com/dtc-ops/imageprep/pkg/vdisk"
	"github.com/superfly/fsm"
)

// Machine holds dependencies for FSM transitions
type Machine struct {
	runner     procrun.Runner
	broker     *resource.Broker
	snapshots  *snapshot.Manager
	disks      *vdisk.Manager
	repos      *repository.Broker
	cat        *catalog.Catalog
	transcript *Transcript
	workDir    string
	maxRetries int
}

// NewMachine creates a new FSM machine with dependencies
func NewMachine(
	runner procrun.Runner,
	broker *resource.Broker,
	snapshots *snapshot.Manager,
	disks *vdisk.Manager,
	repos *repository.Broker,
	cat *catalog.Catalog,
	transcript *Transcript,
	workDir string,
	maxRetries int,
) *Machine {
	return &Machine{
		runner:     runner,
		broker:     broker,
		snapshots:  snapshots,
		disks:      disks,
		repos:      repos,
		cat:        cat,
		transcript: transcript,
		workDir:    workDir,
		maxRetries: maxRetries,
	}
}

// RegisterCapture registers the capture FSM
func (m *Machine) RegisterCapture(ctx context.Context, manager *fsm.Manager) (fsm.Start[CaptureRequest, CaptureResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[CaptureRequest, CaptureResponse](manager, "capture").
		Start(StateSnapshot, m.handleSnapshot).
		To(StateExpose, m.handleExpose).
		To(StateBackup, m.handleBackup).
		To(StateRecord, m.handleRecord).
		To(StateCaptureComplete, m.handleCaptureComplete).
		End(StateCaptureFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register capture FSM")
	}

	return start, resume, nil
}

// RegisterDeploy registers the deploy FSM
func (m *Machine) RegisterDeploy(ctx context.Context, manager *fsm.Manager) (fsm.Start[DeployRequest, DeployResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[DeployRequest, DeployResponse](manager, "deploy").
		Start(StatePrepareDisk, m.handlePrepareDisk).
		To(StateRestore, m.handleRestore).
		To(StateBootRepair, m.handleBootRepair).
		To(StateDeployRecord, m.handleDeployRecord).
		To(StateDeployComplete, m.handleDeployComplete).
		End(StateDeployFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register deploy FSM")
	}

	return start, resume, nil
}

// checkRetries aborts the FSM once a state has been retried past the bound.
func (m *Machine) checkRetries(ctx context.Context, state string) error {
	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "state", state, "max_retries", m.maxRetries)
		return fsm.Abort(fmt.Errorf("max retries (%d) exceeded in state %s", m.maxRetries, state))
	}
	return nil
}

// markFailed records a terminal failure on the catalog row and emits the
// operator-facing summary. The original error is returned for the FSM.
func (m *Machine) markFailed(operationID int64, stage string, err error) error {
	if operationID != 0 {
		if dbErr := m.cat.UpdateStatus(operationID, catalog.StatusFailed, err.Error()); dbErr != nil {
			slog.Error("catalog_failure_record_failed", "operation_id", operationID, "error", dbErr)
		}
	}
	m.transcript.Failure(Summarize(stage, err))
	return err
}
