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
	"github.com/superfly/fsm"
)

// handlePrepareDisk creates the virtual disk, attaches it, and lays out the
// EFI, recovery, and OS partitions
func (m *Machine) handlePrepareDisk(ctx context.Context, req *fsm.Request[DeployRequest, DeployResponse]) (*fsm.Response[DeployResponse], error) {
	slog.Info("fsm_state_prepare_disk", "vhd_path", req.Msg.VHDPath, "backup_id", req.Msg.BackupID)

	if err := m.checkRetries(ctx, StatePrepareDisk); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &DeployResponse{}
	}

	scope := repository.Scope{Client: req.Msg.Client, Site: req.Msg.Site}
	if err := scope.Validate(); err != nil {
		return nil, fsm.Abort(err)
	}

	if resp.OperationID == 0 {
		op := &catalog.Operation{
			BackupID: req.Msg.BackupID,
			Kind:     catalog.KindDeploy,
			Client:   req.Msg.Client,
			Site:     req.Msg.Site,
			Status:   catalog.StatusRunning,
		}
		if err := m.cat.Create(op); err != nil {
			return nil, errors.Wrap(err, "failed to record operation")
		}
		resp.OperationID = op.ID
	}

	disk, err := m.disks.Create(ctx, req.Msg.VHDPath, req.Msg.SizeGB)
	if err != nil {
		return nil, m.markFailed(resp.OperationID, StatePrepareDisk, errors.Wrap(err, "virtual disk creation failed"))
	}

	if err := m.disks.AttachAndPartition(ctx, disk, m.broker); err != nil {
		// Partitioning can fail with the disk already attached; detach it so
		// a retry starts from a clean state.
		m.disks.Unmount(ctx, disk)
		return nil, m.markFailed(resp.OperationID, StatePrepareDisk, errors.Wrap(err, "partitioning failed"))
	}

	// The broker owns the attachment from here: any exit path that releases
	// held resources detaches the disk. Unmount is a no-op once detached.
	if _, err := m.broker.Bind(resource.KindAttachedDisk, disk.Path, func(string) error {
		return m.disks.Unmount(context.Background(), disk)
	}); err != nil {
		m.disks.Unmount(ctx, disk)
		return nil, fsm.Abort(err)
	}

	m.transcript.Line(fmt.Sprintf("virtual disk %s partitioned, os=%s efi=%s", disk.Path, disk.OSLetter(), disk.EFILetter()))
	resp.Disk = disk

	return fsm.NewResponse(resp), nil
}

// handleRestore locates the backup by its id tag and restores it onto the
// OS partition
func (m *Machine) handleRestore(ctx context.Context, req *fsm.Request[DeployRequest, DeployResponse]) (*fsm.Response[DeployResponse], error) {
	slog.Info("fsm_state_restore", "backup_id", req.Msg.BackupID)

	if err := m.checkRetries(ctx, StateRestore); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil || resp.Disk == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	scope := repository.Scope{Client: req.Msg.Client, Site: req.Msg.Site}
	secret, err := m.repos.GetOrCreateSecret(ctx, scope)
	if err != nil {
		if errors.Is(err, errors.ErrSecretRejected) {
			return nil, fsm.Abort(m.markFailed(resp.OperationID, StateRestore, err))
		}
		return nil, m.markFailed(resp.OperationID, StateRestore, err)
	}

	location := m.repos.Location(scope)
	snapshotID := "latest"
	if req.Msg.BackupID != "latest" {
		snap, err := m.repos.FindByBackupID(ctx, location, secret, req.Msg.BackupID)
		if err != nil {
			return nil, m.markFailed(resp.OperationID, StateRestore, errors.Wrap(err, "snapshot lookup failed"))
		}
		if snap == nil {
			return nil, fsm.Abort(m.markFailed(resp.OperationID, StateRestore,
				fmt.Errorf("no snapshot tagged with backup id %s", req.Msg.BackupID)))
		}
		snapshotID = snap.ID
	}

	target := resp.Disk.OSLetter() + `\`
	m.transcript.Line(fmt.Sprintf("restoring snapshot %s to %s", snapshotID, target))

	err = m.repos.Restore(ctx, location, secret, snapshotID, target, func(stream procrun.Stream, line string) {
		m.transcript.Line(line)
	})
	if err != nil {
		return nil, m.markFailed(resp.OperationID, StateRestore, errors.Wrap(err, "restore failed"))
	}

	resp.ResticSnapshotID = snapshotID
	resp.RestoreTarget = target

	return fsm.NewResponse(resp), nil
}

// handleBootRepair rebuilds the boot configuration on the EFI partition so
// the restored volume is bootable, then detaches the disk
func (m *Machine) handleBootRepair(ctx context.Context, req *fsm.Request[DeployRequest, DeployResponse]) (*fsm.Response[DeployResponse], error) {
	slog.Info("fsm_state_boot_repair", "backup_id", req.Msg.BackupID)

	if err := m.checkRetries(ctx, StateBootRepair); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil || resp.Disk == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	if err := m.disks.RebuildBootData(ctx, resp.Disk.OSLetter(), resp.Disk.EFILetter()); err != nil {
		return nil, m.markFailed(resp.OperationID, StateBootRepair, errors.Wrap(err, "boot data rebuild failed"))
	}

	m.transcript.Line(fmt.Sprintf("boot data rebuilt for %s", resp.Disk.Path))

	if err := m.disks.Unmount(ctx, resp.Disk); err != nil {
		return nil, m.markFailed(resp.OperationID, StateBootRepair, errors.Wrap(err, "disk detach failed"))
	}

	return fsm.NewResponse(resp), nil
}

// handleDeployRecord persists the restore outcome on the catalog row
func (m *Machine) handleDeployRecord(ctx context.Context, req *fsm.Request[DeployRequest, DeployResponse]) (*fsm.Response[DeployResponse], error) {
	slog.Info("fsm_state_record", "backup_id", req.Msg.BackupID)

	if err := m.checkRetries(ctx, StateDeployRecord); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	op, err := m.cat.GetByBackupID(req.Msg.BackupID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load operation")
	}
	if op != nil && op.Kind == catalog.KindDeploy {
		op.Tags = fmt.Sprintf("snapshot:%s target:%s", resp.ResticSnapshotID, resp.RestoreTarget)
		if err := m.cat.Update(op); err != nil {
			return nil, errors.Wrap(err, "failed to update operation")
		}
	}

	return fsm.NewResponse(resp), nil
}

// handleDeployComplete releases held resources and marks the run succeeded
func (m *Machine) handleDeployComplete(ctx context.Context, req *fsm.Request[DeployRequest, DeployResponse]) (*fsm.Response[DeployResponse], error) {
	slog.Info("fsm_state_complete", "backup_id", req.Msg.BackupID)

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	m.broker.ReleaseAll()

	if err := m.cat.UpdateStatus(resp.OperationID, catalog.StatusSucceeded, ""); err != nil {
		return nil, errors.Wrap(err, "failed to update status")
	}
	resp.Status = catalog.StatusSucceeded

	m.transcript.Line(fmt.Sprintf("deploy of %s complete", req.Msg.BackupID))
	slog.Info("fsm_complete", "backup_id", req.Msg.BackupID, "vhd_path", resp.Disk.Path)

	return fsm.NewResponse(resp), nil
}
