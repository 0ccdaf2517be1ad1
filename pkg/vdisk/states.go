package vdisk

import "github.com/dtc-ops/imageprep/pkg/errors"

// State is the lifecycle position of a virtual disk.
type State string

const (
	StateUnattached  State = "unattached"
	StateAttached    State = "attached"
	StatePartitioned State = "partitioned"
	StateMounted     State = "mounted"
)

// Partition roles, created in fixed order. EFI and Recovery are fixed-size;
// OS consumes the remainder.
const (
	RoleEFI      = "efi"
	RoleRecovery = "recovery"
	RoleOS       = "os"
)

// Partition describes one region of a partitioned disk.
type Partition struct {
	Role        string
	DriveLetter string
	Filesystem  string
	SizeMB      int64
}

// Disk tracks one growable virtual disk image through its lifecycle.
// Transitions follow the strict order unattached -> attached -> partitioned
// -> mounted -> attached -> unattached; a disk is never left attached after
// a pipeline ends.
type Disk struct {
	Path       string
	SizeBytes  int64
	Partitions []Partition

	state State

	// partitioned survives detach: the on-disk layout persists, and Mount
	// is only legal once the layout exists.
	partitioned bool
}

// State returns the disk's current lifecycle state.
func (d *Disk) State() State { return d.state }

// OSLetter returns the OS partition's drive letter, empty until partitioned.
func (d *Disk) OSLetter() string { return d.letter(RoleOS) }

// EFILetter returns the EFI partition's drive letter, empty until partitioned.
func (d *Disk) EFILetter() string { return d.letter(RoleEFI) }

func (d *Disk) letter(role string) string {
	for _, p := range d.Partitions {
		if p.Role == role {
			return p.DriveLetter
		}
	}
	return ""
}

var allowedTransitions = map[State][]State{
	StateUnattached:  {StateAttached},
	StateAttached:    {StatePartitioned, StateMounted, StateUnattached},
	StatePartitioned: {StateMounted, StateUnattached},
	StateMounted:     {StateAttached, StateUnattached},
}

// transition validates and applies a state change. Illegal transitions fail
// fast with a state-contract error before any external tool is invoked.
func (d *Disk) transition(to State) error {
	for _, next := range allowedTransitions[d.state] {
		if next == to {
			d.state = to
			return nil
		}
	}
	return &errors.StateError{Subject: "vdisk " + d.Path, From: string(d.state), To: string(to)}
}
