// Package vdisk manages growable virtual disk images through the scripted
// disk-partitioning tool: creation, a transactional attach-and-partition
// sequence producing the fixed EFI/Recovery/OS layout, mount and unmount,
// and boot-metadata rebuild after content-level restores.
package vdisk

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dtc-ops/imageprep/pkg/errors"
	"github.com/dtc-ops/imageprep/pkg/procrun"
	"github.com/dtc-ops/imageprep/pkg/resource"
)

// Default partition sizes. EFI and Recovery are fixed regardless of total
// disk size; the OS partition takes the remainder.
const (
	DefaultEFISizeMB      = 260
	DefaultRecoverySizeMB = 750
)

// Manager drives the disk/partition subsystem.
type Manager struct {
	runner procrun.Runner

	EFISizeMB      int64
	RecoverySizeMB int64

	// scriptDir holds the temporary script files fed to the tool.
	scriptDir string
}

// NewManager creates a manager writing script files under workDir.
func NewManager(runner procrun.Runner, workDir string) *Manager {
	return &Manager{
		runner:         runner,
		EFISizeMB:      DefaultEFISizeMB,
		RecoverySizeMB: DefaultRecoverySizeMB,
		scriptDir:      filepath.Join(workDir, "scripts"),
	}
}

// Create allocates a growable virtual disk image at path.
func (m *Manager) Create(ctx context.Context, path string, sizeGB int64) (*Disk, error) {
	slog.Info("vdisk_create", "path", path, "size_gb", sizeGB)

	script := fmt.Sprintf("create vdisk file=\"%s\" maximum=%d type=expandable\n", path, sizeGB*1024)
	if _, err := m.runScript(ctx, "create", script); err != nil {
		slog.Error("vdisk_create_failed", "path", path, "error", err)
		return nil, errors.Wrap(err, "virtual disk creation failed")
	}

	slog.Info("vdisk_created", "path", path)
	return &Disk{Path: path, SizeBytes: sizeGB * 1024 * 1024 * 1024, state: StateUnattached}, nil
}

// PartitionScript renders the transactional attach-and-partition sequence:
// convert scheme, fixed-size bootable EFI partition (FAT family), fixed-size
// recovery partition, OS partition from the remainder, format each, assign
// the given temporary drive letters.
func (m *Manager) PartitionScript(d *Disk, efiLetter, osLetter string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "select vdisk file=\"%s\"\n", d.Path)
	b.WriteString("attach vdisk\n")
	b.WriteString("convert gpt\n")
	fmt.Fprintf(&b, "create partition efi size=%d\n", m.EFISizeMB)
	b.WriteString("format quick fs=fat32 label=\"System\"\n")
	fmt.Fprintf(&b, "assign letter=%s\n", strings.TrimSuffix(efiLetter, ":"))
	fmt.Fprintf(&b, "create partition primary size=%d\n", m.RecoverySizeMB)
	b.WriteString("format quick fs=ntfs label=\"Recovery\"\n")
	b.WriteString("set id=de94bba4-06d1-4d40-a16a-bfd50179d6ac\n")
	b.WriteString("create partition primary\n")
	b.WriteString("format quick fs=ntfs label=\"Windows\"\n")
	fmt.Fprintf(&b, "assign letter=%s\n", strings.TrimSuffix(osLetter, ":"))
	return b.String()
}

// AttachAndPartition attaches the disk and lays down the three-partition
// scheme in one script. Temporary drive letters for the EFI and OS
// partitions are drawn from the broker in a single acquisition; they remain
// bound until the disk detaches.
func (m *Manager) AttachAndPartition(ctx context.Context, d *Disk, broker *resource.Broker) error {
	if err := d.transition(StateAttached); err != nil {
		return err
	}

	letterRes, letters, err := broker.AcquireDriveLetters(2)
	if err != nil {
		d.state = StateUnattached
		return errors.Wrap(err, "drive letter acquisition failed")
	}
	osLetter, efiLetter := letters[0], letters[1]

	slog.Info("vdisk_partition_start", "path", d.Path,
		"efi_letter", efiLetter, "os_letter", osLetter,
		"efi_size_mb", m.EFISizeMB, "recovery_size_mb", m.RecoverySizeMB)

	script := m.PartitionScript(d, efiLetter, osLetter)
	if _, err := m.runScript(ctx, "partition", script); err != nil {
		slog.Error("vdisk_partition_failed", "path", d.Path, "error", err)
		// The letters go back so a retry can reacquire them. The disk may be
		// attached even though partitioning failed; the caller detaches it.
		letterRes.Release()
		return errors.Wrap(err, "attach and partition failed")
	}

	d.Partitions = []Partition{
		{Role: RoleEFI, DriveLetter: efiLetter, Filesystem: "fat32", SizeMB: m.EFISizeMB},
		{Role: RoleRecovery, Filesystem: "ntfs", SizeMB: m.RecoverySizeMB},
		{Role: RoleOS, DriveLetter: osLetter, Filesystem: "ntfs"},
	}
	if err := d.transition(StatePartitioned); err != nil {
		return err
	}
	d.partitioned = true

	slog.Info("vdisk_partitioned", "path", d.Path, "partitions", len(d.Partitions))
	return nil
}

// Mount re-attaches a detached disk and returns the OS partition's letter.
// Mounting a disk that has never been partitioned fails fast with a
// state-contract error before any external tool runs.
func (m *Manager) Mount(ctx context.Context, d *Disk) (string, error) {
	if !d.partitioned {
		return "", &errors.StateError{Subject: "vdisk " + d.Path, From: string(d.state), To: string(StateMounted)}
	}
	if err := d.transition(StateAttached); err != nil {
		return "", err
	}

	slog.Info("vdisk_mount", "path", d.Path)

	script := fmt.Sprintf("select vdisk file=\"%s\"\nattach vdisk\nlist volume\n", d.Path)
	lines, err := m.runScript(ctx, "mount", script)
	if err != nil {
		d.state = StateUnattached
		return "", errors.Wrap(err, "attach failed")
	}

	letter := findVolumeLetter(lines, "Windows")
	if letter == "" {
		return "", fmt.Errorf("OS volume not found after attach")
	}

	d.Partitions = []Partition{{Role: RoleOS, DriveLetter: letter, Filesystem: "ntfs"}}
	if err := d.transition(StateMounted); err != nil {
		return "", err
	}

	slog.Info("vdisk_mounted", "path", d.Path, "os_letter", letter)
	return letter, nil
}

// Unmount detaches the disk. It is attempted even after a later-stage
// failure; its own failure is reported but not re-raised past best-effort
// cleanup, so the error return is advisory.
func (m *Manager) Unmount(ctx context.Context, d *Disk) error {
	if d.state == StateUnattached {
		return nil
	}

	slog.Info("vdisk_unmount", "path", d.Path, "state", d.state)

	script := fmt.Sprintf("select vdisk file=\"%s\"\ndetach vdisk\n", d.Path)
	if _, err := m.runScript(ctx, "unmount", script); err != nil {
		slog.Warn("vdisk_unmount_failed", "path", d.Path, "error", err)
		return errors.Wrap(err, "detach failed")
	}

	d.state = StateUnattached
	d.Partitions = nil
	slog.Info("vdisk_unmounted", "path", d.Path)
	return nil
}

// RebuildBootData regenerates boot configuration after a partition-by-
// partition content restore. Not needed after a whole-disk snapshot copy.
func (m *Manager) RebuildBootData(ctx context.Context, osLetter, efiLetter string) error {
	slog.Info("vdisk_rebuild_boot", "os_letter", osLetter, "efi_letter", efiLetter)

	code, lines, err := procrun.RunCollect(ctx, m.runner, procrun.Spec{
		Command: "bcdboot",
		Args:    []string{osLetter + `\Windows`, "/s", efiLetter, "/f", "UEFI"},
	})
	if err != nil {
		return errors.Wrap(err, "boot rebuild failed to start")
	}
	if code != 0 {
		slog.Error("vdisk_rebuild_boot_failed", "exit_code", code)
		return &errors.ExitError{Command: "bcdboot", ExitCode: code, Output: lines}
	}

	slog.Info("vdisk_boot_rebuilt", "os_letter", osLetter)
	return nil
}

// runScript writes a script file and feeds it to diskpart, returning the
// combined output. A non-zero exit or missing success marker is an error.
func (m *Manager) runScript(ctx context.Context, name, script string) ([]string, error) {
	if err := os.MkdirAll(m.scriptDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "script dir creation failed")
	}
	scriptPath := filepath.Join(m.scriptDir, name+".dp.txt")
	if err := os.WriteFile(scriptPath, []byte(script), 0o644); err != nil {
		return nil, errors.Wrap(err, "script write failed")
	}
	defer os.Remove(scriptPath)

	code, lines, err := procrun.RunCollect(ctx, m.runner, procrun.Spec{
		Command: "diskpart",
		Args:    []string{"/s", scriptPath},
	})
	if err != nil {
		return lines, err
	}
	if code != 0 {
		return lines, &errors.ExitError{Command: "diskpart " + name, ExitCode: code, Output: lines}
	}
	return lines, nil
}

var volumeRowPattern = regexp.MustCompile(`(?i)^\s*Volume\s+\d+\s+([A-Z])\s+(\S+)`)

// findVolumeLetter scans list-volume output for a volume with the given
// label and returns its drive letter with a trailing colon.
func findVolumeLetter(lines []string, label string) string {
	for _, line := range lines {
		match := volumeRowPattern.FindStringSubmatch(line)
		if match != nil && strings.EqualFold(match[2], label) {
			return match[1] + ":"
		}
	}
	return ""
}
