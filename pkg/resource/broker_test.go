package resource

import (
	"testing"

	"github.com/dtc-ops/imageprep/pkg/errors"
)

func newTestBroker(inUse ...string) *Broker {
	used := make(map[string]bool)
	for _, l := range inUse {
		used[l] = true
	}
	b := NewBroker()
	b.SetLetterProbe(func(letter string) bool { return used[letter] })
	return b
}

func TestAcquireDriveLetter_ScansBackward(t *testing.T) {
	b := newTestBroker("Z:", "Y:")

	res, err := b.AcquireDriveLetter()
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if res.Handle != "X:" {
		t.Errorf("expected X:, got %s", res.Handle)
	}
}

func TestAcquireDriveLetter_FailsFastWhenHeld(t *testing.T) {
	b := newTestBroker()

	if _, err := b.AcquireDriveLetter(); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	_, err := b.AcquireDriveLetter()
	if !errors.Is(err, errors.ErrKindHeld) {
		t.Errorf("expected ErrKindHeld, got %v", err)
	}
}

func TestAcquireDriveLetters_Atomic(t *testing.T) {
	b := newTestBroker("Z:")

	res, letters, err := b.AcquireDriveLetters(2)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if len(letters) != 2 || letters[0] != "Y:" || letters[1] != "X:" {
		t.Errorf("unexpected letters: %v", letters)
	}
	if res.Handle != "Y:,X:" {
		t.Errorf("unexpected handle: %s", res.Handle)
	}
	if !b.Held(KindDriveLetter) {
		t.Error("drive letter kind should be held")
	}
}

func TestAcquireDriveLetters_Exhausted(t *testing.T) {
	b := NewBroker()
	b.SetLetterProbe(func(string) bool { return true })

	_, _, err := b.AcquireDriveLetters(1)
	if !errors.Is(err, errors.ErrNoneAvailable) {
		t.Errorf("expected ErrNoneAvailable, got %v", err)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	b := newTestBroker()

	teardowns := 0
	res, err := b.Bind(KindSnapshotID, "{abc}", func(string) error {
		teardowns++
		return nil
	})
	if err != nil {
		t.Fatalf("bind failed: %v", err)
	}

	res.Release()
	res.Release()
	res.Release()

	if teardowns != 1 {
		t.Errorf("teardown ran %d times, want 1", teardowns)
	}
	if b.Held(KindSnapshotID) {
		t.Error("snapshot id kind should be free after release")
	}
}

func TestReleaseAll_RunsEveryTeardownOnce(t *testing.T) {
	b := newTestBroker()

	ran := make(map[string]int)
	b.Bind(KindSnapshotID, "{abc}", func(h string) error { ran[h]++; return nil })
	b.Bind(KindMountPoint, `C:\work\mounts\snap-abc`, func(h string) error { ran[h]++; return nil })

	res, _ := b.AcquireDriveLetter()
	b.Attach(res, func(h string) error { ran[h]++; return nil })

	b.ReleaseAll()
	b.ReleaseAll()

	if len(ran) != 3 {
		t.Fatalf("expected 3 teardowns, got %d", len(ran))
	}
	for handle, count := range ran {
		if count != 1 {
			t.Errorf("teardown for %s ran %d times, want 1", handle, count)
		}
	}
	if !b.Idle() {
		t.Error("broker should be idle after ReleaseAll")
	}
}

func TestReleaseAll_ReverseAcquisitionOrder(t *testing.T) {
	b := newTestBroker()

	var order []Kind
	record := func(kind Kind) ReleaseFunc {
		return func(string) error { order = append(order, kind); return nil }
	}

	res, _, err := b.AcquireDriveLetters(2)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	b.Attach(res, record(KindDriveLetter))
	b.Bind(KindSnapshotID, "{abc}", record(KindSnapshotID))
	b.Bind(KindAttachedDisk, `C:\images\test.vhdx`, record(KindAttachedDisk))

	b.ReleaseAll()

	// The disk detach depends on the letters its partitions were assigned,
	// so teardowns run newest-first.
	want := []Kind{KindAttachedDisk, KindSnapshotID, KindDriveLetter}
	if len(order) != len(want) {
		t.Fatalf("expected %d teardowns, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("teardown %d = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestReleaseAll_TeardownFailureDoesNotAbort(t *testing.T) {
	b := newTestBroker()

	secondRan := false
	b.Bind(KindSnapshotID, "{abc}", func(string) error { return errors.New("teardown boom") })
	b.Bind(KindMountPoint, "junction", func(string) error { secondRan = true; return nil })

	b.ReleaseAll()

	if !secondRan {
		t.Error("later teardown should still run after an earlier one fails")
	}
	if !b.Idle() {
		t.Error("broker should be idle even when a teardown fails")
	}
}

func TestWithDriveLetter_ReleasesOnError(t *testing.T) {
	b := newTestBroker()

	err := b.WithDriveLetter(func(letter string) error {
		return errors.New("stage failed")
	})
	if err == nil {
		t.Fatal("expected error from fn")
	}
	if !b.Idle() {
		t.Error("letter should be released after fn error")
	}
}
