package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dtc-ops/imageprep/pkg/catalog"
	"github.com/dtc-ops/imageprep/pkg/errors"
	"github.com/dtc-ops/imageprep/pkg/procrun"
	"github.com/dtc-ops/imageprep/pkg/repository"
	"github.com/dtc-ops/imageprep/pkg/resource"
	"github.com/dtc-ops/imageprep/pkg/snapshot"
	"github.com/superfly/fsm"
)

// handleSnapshot creates the volume shadow copy and records a pending
// catalog row for the run
func (m *Machine) handleSnapshot(ctx context.Context, req *fsm.Request[CaptureRequest, CaptureResponse]) (*fsm.Response[CaptureResponse], error) {
	slog.Info("fsm_state_snapshot", "volume", req.Msg.SourceVolume)

	if err := m.checkRetries(ctx, StateSnapshot); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &CaptureResponse{}
	}

	scope := repository.Scope{Client: req.Msg.Client, Site: req.Msg.Site}
	if err := scope.Validate(); err != nil {
		return nil, fsm.Abort(err)
	}

	if resp.OperationID == 0 {
		tags := repository.NewBackupTags(ctx, m.runner, scope, req.Msg.Role)
		resp.BackupID = tags.BackupID

		op := &catalog.Operation{
			BackupID: tags.BackupID,
			Kind:     catalog.KindCapture,
			Client:   req.Msg.Client,
			Site:     req.Msg.Site,
			Role:     req.Msg.Role,
			Status:   catalog.StatusRunning,
		}
		if err := m.cat.Create(op); err != nil {
			return nil, errors.Wrap(err, "failed to record operation")
		}
		resp.OperationID = op.ID
	}

	h, err := m.snapshots.Create(ctx, req.Msg.SourceVolume)
	if err != nil {
		return nil, m.markFailed(resp.OperationID, StateSnapshot, errors.Wrap(err, "shadow copy creation failed"))
	}

	snapRes, err := m.broker.Bind(resource.KindSnapshotID, h.ID, func(string) error {
		m.snapshots.Destroy(context.Background(), h)
		return nil
	})
	if err != nil {
		m.snapshots.Destroy(ctx, h)
		return nil, fsm.Abort(err)
	}

	if err := m.snapshots.ResolvePath(ctx, h); err != nil {
		// Destroys the unusable snapshot and frees the kind so a retry of
		// this state can mint a fresh one.
		snapRes.Release()
		return nil, m.markFailed(resp.OperationID, StateSnapshot, errors.Wrap(err, "shadow copy path resolution failed"))
	}

	m.transcript.Line(fmt.Sprintf("shadow copy %s created for %s", h.ID, req.Msg.SourceVolume))
	resp.Shadow = h

	return fsm.NewResponse(resp), nil
}

// handleExpose makes the shadow copy device reachable through a filesystem
// path the backup engine can walk
func (m *Machine) handleExpose(ctx context.Context, req *fsm.Request[CaptureRequest, CaptureResponse]) (*fsm.Response[CaptureResponse], error) {
	slog.Info("fsm_state_expose", "volume", req.Msg.SourceVolume)

	if err := m.checkRetries(ctx, StateExpose); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil || resp.Shadow == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	if err := m.snapshots.Expose(ctx, resp.Shadow, m.broker, m.workDir); err != nil {
		return nil, m.markFailed(resp.OperationID, StateExpose, errors.Wrap(err, "shadow copy exposure failed"))
	}

	m.transcript.Line(fmt.Sprintf("shadow copy exposed at %s", resp.Shadow.ExposedPath))
	return fsm.NewResponse(resp), nil
}

// handleBackup runs the encrypted backup of the exposed shadow copy
func (m *Machine) handleBackup(ctx context.Context, req *fsm.Request[CaptureRequest, CaptureResponse]) (*fsm.Response[CaptureResponse], error) {
	slog.Info("fsm_state_backup", "backup_id", req.W.Msg.BackupID)

	if err := m.checkRetries(ctx, StateBackup); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil || resp.Shadow == nil || resp.Shadow.ExposedPath == "" {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	scope := repository.Scope{Client: req.Msg.Client, Site: req.Msg.Site}
	secret, err := m.repos.GetOrCreateSecret(ctx, scope)
	if err != nil {
		if errors.Is(err, errors.ErrSecretRejected) {
			return nil, fsm.Abort(m.markFailed(resp.OperationID, StateBackup, err))
		}
		return nil, m.markFailed(resp.OperationID, StateBackup, err)
	}

	tags := repository.BackupTags{
		BackupID:    resp.BackupID,
		Client:      req.Msg.Client,
		Site:        req.Msg.Site,
		Role:        req.Msg.Role,
		Fingerprint: repository.Fingerprint(ctx, m.runner),
	}

	var tail []string
	result, err := m.repos.Backup(ctx, m.repos.Location(scope), secret, resp.Shadow.ExposedPath, tags, req.Msg.Exclusions,
		func(stream procrun.Stream, line string) {
			m.transcript.Line(line)
			tail = append(tail, line)
			if len(tail) > 20 {
				tail = tail[1:]
			}
		})
	if err != nil {
		// A shadow copy the OS reclaimed mid-read is not retryable in
		// place; the pipeline has to start over from a fresh snapshot.
		if classified := snapshot.ClassifyReadFailure(resp.Shadow, strings.Join(tail, "\n"), err); errors.IsSnapshotExpired(classified) {
			return nil, fsm.Abort(m.markFailed(resp.OperationID, StateBackup, classified))
		}
		return nil, m.markFailed(resp.OperationID, StateBackup, errors.Wrap(err, "backup failed"))
	}

	resp.ResticSnapshotID = result.SnapshotID
	resp.SizeBytes = result.SizeBytes
	resp.FilesNew = result.FilesNew
	resp.SnapshotCount = result.SnapshotCount

	m.transcript.Line(fmt.Sprintf("backup %s stored snapshot %s (%d bytes)", resp.BackupID, result.SnapshotID, result.SizeBytes))
	return fsm.NewResponse(resp), nil
}

// handleRecord persists the backup outcome on the catalog row
func (m *Machine) handleRecord(ctx context.Context, req *fsm.Request[CaptureRequest, CaptureResponse]) (*fsm.Response[CaptureResponse], error) {
	slog.Info("fsm_state_record", "backup_id", req.W.Msg.BackupID)

	if err := m.checkRetries(ctx, StateRecord); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	op, err := m.cat.GetByBackupID(resp.BackupID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load operation")
	}
	if op == nil {
		return nil, fsm.Abort(fmt.Errorf("operation %s not found", resp.BackupID))
	}

	op.SizeBytes = resp.SizeBytes
	op.SnapshotCount = resp.SnapshotCount
	op.Tags = fmt.Sprintf("snapshot:%s", resp.ResticSnapshotID)
	if err := m.cat.Update(op); err != nil {
		return nil, errors.Wrap(err, "failed to update operation")
	}

	return fsm.NewResponse(resp), nil
}

// handleCaptureComplete releases held resources and marks the run succeeded
func (m *Machine) handleCaptureComplete(ctx context.Context, req *fsm.Request[CaptureRequest, CaptureResponse]) (*fsm.Response[CaptureResponse], error) {
	slog.Info("fsm_state_complete", "backup_id", req.W.Msg.BackupID)

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	m.broker.ReleaseAll()

	if err := m.cat.UpdateStatus(resp.OperationID, catalog.StatusSucceeded, ""); err != nil {
		return nil, errors.Wrap(err, "failed to update status")
	}
	resp.Status = catalog.StatusSucceeded

	m.transcript.Line(fmt.Sprintf("capture %s complete", resp.BackupID))
	slog.Info("fsm_complete", "backup_id", resp.BackupID, "snapshot_id", resp.ResticSnapshotID)

	return fsm.NewResponse(resp), nil
}
