package snapshot

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/dtc-ops/imageprep/pkg/errors"
	"github.com/dtc-ops/imageprep/pkg/procrun"
	"github.com/dtc-ops/imageprep/pkg/resource"
)

// fakeRunner dispatches specs to scripted responses by command name and
// records every invocation.
type fakeRunner struct {
	responses map[string]func(call int) (int, []string)
	calls     map[string]int
	invoked   []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		responses: make(map[string]func(call int) (int, []string)),
		calls:     make(map[string]int),
	}
}

func (f *fakeRunner) on(command string, fn func(call int) (int, []string)) {
	f.responses[command] = fn
}

func (f *fakeRunner) Run(ctx context.Context, spec procrun.Spec) (int, error) {
	key := spec.Command
	f.invoked = append(f.invoked, key+" "+strings.Join(spec.Args, " "))
	fn, ok := f.responses[key]
	if !ok {
		return 0, fmt.Errorf("unexpected command %q", key)
	}
	f.calls[key]++
	code, lines := fn(f.calls[key])
	if spec.OnLine != nil {
		for _, line := range lines {
			spec.OnLine(procrun.Stdout, line)
		}
	}
	return code, nil
}

func fastManager(runner procrun.Runner) *Manager {
	m := NewManager(runner)
	m.ResolveInterval = time.Millisecond
	return m
}

func TestCreate_ParsesShadowID(t *testing.T) {
	runner := newFakeRunner()
	runner.on("vssadmin", func(int) (int, []string) {
		return 0, []string{
			"vssadmin 1.1 - Volume Shadow Copy Service administrative command-line tool",
			"Successfully created shadow copy for 'C:\\'",
			"    Shadow Copy ID: {3F4A1B2C-0000-0000-0000-000000000001}",
		}
	})

	h, err := fastManager(runner).Create(context.Background(), "C:")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if h.ID != "{3f4a1b2c-0000-0000-0000-000000000001}" {
		t.Errorf("unexpected id: %s", h.ID)
	}
	if h.SourceVolume != "C:" {
		t.Errorf("unexpected volume: %s", h.SourceVolume)
	}
}

func TestCreate_FallsBackToCIM(t *testing.T) {
	runner := newFakeRunner()
	runner.on("vssadmin", func(int) (int, []string) {
		return 1, []string{"Error: The shadow copy provider had an unexpected error"}
	})
	runner.on("powershell", func(int) (int, []string) {
		return 0, []string{"{ABCDEF01-1111-2222-3333-444455556666}"}
	})

	h, err := fastManager(runner).Create(context.Background(), "C:")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if h.ID != "{abcdef01-1111-2222-3333-444455556666}" {
		t.Errorf("unexpected id: %s", h.ID)
	}
}

func TestCreate_AllMechanismsFail(t *testing.T) {
	runner := newFakeRunner()
	runner.on("vssadmin", func(int) (int, []string) { return 1, nil })
	runner.on("powershell", func(int) (int, []string) { return 1, nil })

	if _, err := fastManager(runner).Create(context.Background(), "C:"); err == nil {
		t.Fatal("expected error when both mechanisms fail")
	}
}

func TestResolvePath_SucceedsAfterPolling(t *testing.T) {
	runner := newFakeRunner()
	runner.on("vssadmin", func(call int) (int, []string) {
		if call < 3 {
			return 0, []string{"No items found that satisfy the query."}
		}
		return 0, []string{
			`    Shadow Copy Volume: \\?\GLOBALROOT\Device\HarddiskVolumeShadowCopy42`,
		}
	})

	h := &Handle{ID: "{abc}"}
	if err := fastManager(runner).ResolvePath(context.Background(), h); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if h.DevicePath != `\\?\GLOBALROOT\Device\HarddiskVolumeShadowCopy42` {
		t.Errorf("unexpected device path: %s", h.DevicePath)
	}
	if runner.calls["vssadmin"] != 3 {
		t.Errorf("expected 3 polls, got %d", runner.calls["vssadmin"])
	}
}

func TestResolvePath_ExhaustsAttempts(t *testing.T) {
	runner := newFakeRunner()
	runner.on("vssadmin", func(int) (int, []string) {
		return 0, []string{"No items found that satisfy the query."}
	})

	m := fastManager(runner)
	m.ResolveAttempts = 4

	err := m.ResolvePath(context.Background(), &Handle{ID: "{abc}"})
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if runner.calls["vssadmin"] != 4 {
		t.Errorf("expected exactly 4 polls, got %d", runner.calls["vssadmin"])
	}
}

func TestExpose_FallsBackToJunction(t *testing.T) {
	runner := newFakeRunner()
	runner.on("subst", func(int) (int, []string) {
		return 1, []string{"Invalid parameter"}
	})
	runner.on("cmd", func(int) (int, []string) {
		return 0, []string{"Junction created"}
	})

	broker := resource.NewBroker()
	broker.SetLetterProbe(func(string) bool { return false })
	defer broker.ReleaseAll()

	h := &Handle{ID: "{abc-123}", DevicePath: `\\?\GLOBALROOT\Device\HarddiskVolumeShadowCopy1`}
	workDir := t.TempDir()

	if err := fastManager(runner).Expose(context.Background(), h, broker, workDir); err != nil {
		t.Fatalf("expose failed: %v", err)
	}
	if !strings.Contains(h.ExposedPath, "snap-abc-123") {
		t.Errorf("expected junction path, got %s", h.ExposedPath)
	}
	if broker.Held(resource.KindDriveLetter) {
		t.Error("failed substitution must release its drive letter")
	}
	if !broker.Held(resource.KindMountPoint) {
		t.Error("junction should be held as a mount point")
	}
}

func TestExpose_PrefersSubstitution(t *testing.T) {
	runner := newFakeRunner()
	runner.on("subst", func(int) (int, []string) { return 0, nil })

	broker := resource.NewBroker()
	broker.SetLetterProbe(func(string) bool { return false })
	defer broker.ReleaseAll()

	h := &Handle{ID: "{abc}", DevicePath: `\\?\GLOBALROOT\Device\HarddiskVolumeShadowCopy1`}
	if err := fastManager(runner).Expose(context.Background(), h, broker, t.TempDir()); err != nil {
		t.Fatalf("expose failed: %v", err)
	}
	if h.ExposedPath != `Z:\` {
		t.Errorf("expected Z:\\, got %s", h.ExposedPath)
	}
}

func TestExpose_RequiresResolvedPath(t *testing.T) {
	broker := resource.NewBroker()
	h := &Handle{ID: "{abc}"}
	if err := fastManager(newFakeRunner()).Expose(context.Background(), h, broker, t.TempDir()); err == nil {
		t.Fatal("expected error for unresolved device path")
	}
}

func TestClassifyReadFailure(t *testing.T) {
	h := &Handle{ID: "{abc}"}

	tests := []struct {
		name    string
		output  string
		err     error
		expired bool
	}{
		{"invalid handle", "error: The handle is invalid.", errors.New("read failed"), true},
		{"access denied", "Access is denied.", errors.New("read failed"), true},
		{"bad syntax", "The filename, directory name, or volume label syntax is incorrect.", errors.New("read failed"), true},
		{"unrelated failure", "disk full", errors.New("read failed"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyReadFailure(h, tt.output, tt.err)
			if tt.expired != errors.IsSnapshotExpired(got) {
				t.Errorf("expired classification = %v, want %v", errors.IsSnapshotExpired(got), tt.expired)
			}
			if !tt.expired && got != tt.err {
				t.Errorf("non-expired errors must pass through unchanged")
			}
		})
	}
}

func TestClassifyReadFailure_NilError(t *testing.T) {
	if got := ClassifyReadFailure(&Handle{ID: "{abc}"}, "handle is invalid", nil); got != nil {
		t.Errorf("nil error must classify as nil, got %v", got)
	}
}

func TestListIDs(t *testing.T) {
	runner := newFakeRunner()
	runner.on("vssadmin", func(int) (int, []string) {
		return 0, []string{
			"    Shadow Copy ID: {11111111-0000-0000-0000-000000000000}",
			"    Shadow Copy Volume: \\\\?\\GLOBALROOT\\Device\\HarddiskVolumeShadowCopy1",
			"    Shadow Copy ID: {22222222-0000-0000-0000-000000000000}",
		}
	})

	ids, err := fastManager(runner).ListIDs(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %d", len(ids))
	}
	if ids[0] != "{11111111-0000-0000-0000-000000000000}" {
		t.Errorf("unexpected first id: %s", ids[0])
	}
}
