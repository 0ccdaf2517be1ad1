package vdisk

import (
	"context"
	"strings"
	"testing"

	"github.com/dtc-ops/imageprep/pkg/errors"
	"github.com/dtc-ops/imageprep/pkg/procrun"
	"github.com/dtc-ops/imageprep/pkg/resource"
)

// fakeRunner answers every invocation with a fixed exit code and output, and
// captures the script content diskpart would have consumed.
type fakeRunner struct {
	code    int
	lines   []string
	scripts []string
	calls   int
}

func (f *fakeRunner) Run(ctx context.Context, spec procrun.Spec) (int, error) {
	f.calls++
	if spec.Command == "diskpart" && len(spec.Args) == 2 {
		// spec.Args[1] is the script path; content was already captured by
		// the manager, so record the invocation only.
		f.scripts = append(f.scripts, spec.Args[1])
	}
	if spec.OnLine != nil {
		for _, line := range f.lines {
			spec.OnLine(procrun.Stdout, line)
		}
	}
	return f.code, nil
}

func testBroker() *resource.Broker {
	b := resource.NewBroker()
	b.SetLetterProbe(func(string) bool { return false })
	return b
}

func TestPartitionScript_Layout(t *testing.T) {
	m := NewManager(&fakeRunner{}, t.TempDir())
	d := &Disk{Path: `C:\images\test.vhdx`}

	script := m.PartitionScript(d, "Y:", "Z:")

	wantLines := []string{
		`select vdisk file="C:\images\test.vhdx"`,
		"attach vdisk",
		"convert gpt",
		"create partition efi size=260",
		"assign letter=Y",
		"create partition primary size=750",
		"set id=de94bba4-06d1-4d40-a16a-bfd50179d6ac",
		"create partition primary",
		"assign letter=Z",
	}
	for _, want := range wantLines {
		if !strings.Contains(script, want) {
			t.Errorf("script missing %q:\n%s", want, script)
		}
	}

	// EFI must come before recovery, recovery before the OS remainder.
	efi := strings.Index(script, "create partition efi")
	rec := strings.Index(script, "create partition primary size=750")
	osp := strings.LastIndex(script, "create partition primary")
	if !(efi < rec && rec < osp) {
		t.Errorf("partition order wrong: efi=%d recovery=%d os=%d", efi, rec, osp)
	}
}

func TestPartitionScript_EFISizeFixedRegardlessOfDiskSize(t *testing.T) {
	m := NewManager(&fakeRunner{}, t.TempDir())

	small := m.PartitionScript(&Disk{Path: "small.vhdx", SizeBytes: 32 << 30}, "Y:", "Z:")
	large := m.PartitionScript(&Disk{Path: "large.vhdx", SizeBytes: 2 << 40}, "Y:", "Z:")

	for _, script := range []string{small, large} {
		if !strings.Contains(script, "create partition efi size=260") {
			t.Errorf("EFI partition size must stay fixed:\n%s", script)
		}
	}
}

func TestAttachAndPartition(t *testing.T) {
	runner := &fakeRunner{}
	m := NewManager(runner, t.TempDir())
	broker := testBroker()
	defer broker.ReleaseAll()

	d := &Disk{Path: "test.vhdx", state: StateUnattached}
	if err := m.AttachAndPartition(context.Background(), d, broker); err != nil {
		t.Fatalf("partition failed: %v", err)
	}

	if d.State() != StatePartitioned {
		t.Errorf("state = %s, want %s", d.State(), StatePartitioned)
	}
	if d.OSLetter() != "Z:" || d.EFILetter() != "Y:" {
		t.Errorf("letters: os=%s efi=%s", d.OSLetter(), d.EFILetter())
	}
	if len(d.Partitions) != 3 {
		t.Errorf("expected 3 partitions, got %d", len(d.Partitions))
	}
}

func TestAttachAndPartition_FailureReleasesLetters(t *testing.T) {
	runner := &fakeRunner{code: 1}
	m := NewManager(runner, t.TempDir())
	broker := testBroker()

	d := &Disk{Path: "test.vhdx", state: StateUnattached}
	if err := m.AttachAndPartition(context.Background(), d, broker); err == nil {
		t.Fatal("expected partition failure")
	}
	if broker.Held(resource.KindDriveLetter) {
		t.Error("drive letters still held after partition failure")
	}

	// A fresh attempt must be able to reacquire letters.
	runner.code = 0
	fresh := &Disk{Path: "test.vhdx", state: StateUnattached}
	if err := m.AttachAndPartition(context.Background(), fresh, broker); err != nil {
		t.Fatalf("reacquisition after failure: %v", err)
	}
	broker.ReleaseAll()
}

func TestAttachAndPartition_RefusesSecondRun(t *testing.T) {
	runner := &fakeRunner{}
	m := NewManager(runner, t.TempDir())
	broker := testBroker()
	defer broker.ReleaseAll()

	d := &Disk{Path: "test.vhdx", state: StateUnattached}
	if err := m.AttachAndPartition(context.Background(), d, broker); err != nil {
		t.Fatalf("partition failed: %v", err)
	}

	err := m.AttachAndPartition(context.Background(), d, broker)
	var stateErr *errors.StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected StateError, got %v", err)
	}
}

func TestMount_BeforePartitionFailsWithoutToolRun(t *testing.T) {
	runner := &fakeRunner{}
	m := NewManager(runner, t.TempDir())

	d := &Disk{Path: "never-partitioned.vhdx", state: StateUnattached}
	_, err := m.Mount(context.Background(), d)

	var stateErr *errors.StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected StateError, got %v", err)
	}
	if runner.calls != 0 {
		t.Errorf("no external tool may run for an illegal transition, got %d calls", runner.calls)
	}
}

func TestMount_AfterDetachFindsOSVolume(t *testing.T) {
	runner := &fakeRunner{lines: []string{
		"  Volume ###  Ltr  Label        Fs     Type        Size     Status",
		"  ----------  ---  -----------  -----  ----------  -------  ---------",
		"  Volume 1     Y   System       FAT32  Partition    260 MB  Healthy",
		"  Volume 2     W   Windows      NTFS   Partition    126 GB  Healthy",
	}}
	m := NewManager(runner, t.TempDir())
	broker := testBroker()
	defer broker.ReleaseAll()

	d := &Disk{Path: "test.vhdx", state: StateUnattached}
	if err := m.AttachAndPartition(context.Background(), d, broker); err != nil {
		t.Fatalf("partition failed: %v", err)
	}
	if err := m.Unmount(context.Background(), d); err != nil {
		t.Fatalf("unmount failed: %v", err)
	}

	letter, err := m.Mount(context.Background(), d)
	if err != nil {
		t.Fatalf("mount failed: %v", err)
	}
	if letter != "W:" {
		t.Errorf("expected W:, got %s", letter)
	}
	if d.State() != StateMounted {
		t.Errorf("state = %s, want %s", d.State(), StateMounted)
	}
}

func TestUnmount_NoopWhenStateUnattached(t *testing.T) {
	runner := &fakeRunner{}
	m := NewManager(runner, t.TempDir())

	d := &Disk{Path: "test.vhdx", state: StateUnattached}
	if err := m.Unmount(context.Background(), d); err != nil {
		t.Fatalf("unmount failed: %v", err)
	}
	if runner.calls != 0 {
		t.Errorf("no tool run expected for a detached disk, got %d", runner.calls)
	}
}

func TestRebuildBootData_NonZeroExit(t *testing.T) {
	runner := &fakeRunner{code: 1, lines: []string{"Failure when attempting to copy boot files."}}
	m := NewManager(runner, t.TempDir())

	err := m.RebuildBootData(context.Background(), "W:", "Y:")
	var exitErr *errors.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exitErr.ExitCode != 1 {
		t.Errorf("exit code = %d, want 1", exitErr.ExitCode)
	}
}

func TestFindVolumeLetter(t *testing.T) {
	lines := []string{
		"  Volume 0     C   OS           NTFS   Partition    475 GB  Healthy",
		"  Volume 1     E   Windows      NTFS   Partition    126 GB  Healthy",
		"  not a volume row",
	}
	if got := findVolumeLetter(lines, "Windows"); got != "E:" {
		t.Errorf("got %q, want E:", got)
	}
	if got := findVolumeLetter(lines, "Recovery"); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}
