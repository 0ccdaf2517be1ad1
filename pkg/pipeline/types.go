package pipeline

import (
	"github.com/dtc-ops/imageprep/pkg/snapshot"
	"github.com/dtc-ops/imageprep/pkg/vdisk"
)

// CaptureRequest is the capture FSM input
type CaptureRequest struct {
	Client       string
	Site         string
	Role         string
	SourceVolume string
	Exclusions   []string
}

// CaptureResponse is the capture FSM output (accumulated across transitions)
type CaptureResponse struct {
	// From Snapshot
	OperationID int64
	BackupID    string
	Shadow      *snapshot.Handle

	// From Backup
	ResticSnapshotID string
	SizeBytes        int64
	FilesNew         int64
	SnapshotCount    int

	// From Complete/Failed
	Status       string
	ErrorMessage string
}

// DeployRequest is the deploy FSM input
type DeployRequest struct {
	Client   string
	Site     string
	BackupID string
	VHDPath  string
	SizeGB   int64
}

// DeployResponse is the deploy FSM output
type DeployResponse struct {
	// From PrepareDisk
	OperationID int64
	Disk        *vdisk.Disk

	// From Restore
	ResticSnapshotID string
	RestoreTarget    string

	// From Complete/Failed
	Status       string
	ErrorMessage string
}

// Capture state names
const (
	StateSnapshot        = "snapshot"
	StateExpose          = "expose"
	StateBackup          = "backup"
	StateRecord          = "record"
	StateCaptureComplete = "complete"
	StateCaptureFailed   = "failed"
)

// Deploy state names
const (
	StatePrepareDisk    = "prepare_disk"
	StateRestore        = "restore"
	StateBootRepair     = "boot_repair"
	StateDeployRecord   = "record_deploy"
	StateDeployComplete = "complete_deploy"
	StateDeployFailed   = "failed_deploy"
)
