// Package resource tracks acquisition and release of scarce OS-level
// resources: drive letters, mount points, snapshot ids, and attached disks.
// The broker is the only owner of acquired handles; every acquisition has
// exactly one release on every exit path, and release is idempotent.
package resource

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/dtc-ops/imageprep/pkg/errors"
)

// Kind classifies a scarce resource.
type Kind string

const (
	KindDriveLetter  Kind = "drive_letter"
	KindMountPoint   Kind = "mount_point"
	KindSnapshotID   Kind = "snapshot_id"
	KindAttachedDisk Kind = "attached_disk"
)

// Resource is an exclusively owned handle for one pipeline stage.
type Resource struct {
	Kind   Kind
	Handle string

	broker   *Broker
	released bool
}

// Release returns the resource to the broker. Releasing an already-released
// resource is a no-op.
func (r *Resource) Release() {
	if r == nil || r.broker == nil {
		return
	}
	r.broker.release(r)
}

// ReleaseFunc is invoked when a bound resource is released, so external
// teardown (unmapping a letter, detaching a disk) happens exactly once.
type ReleaseFunc func(handle string) error

// Broker mediates resource acquisition for a single pipeline instance.
// Pipeline stages run sequentially on one worker, but the cleanup path may
// race a failing stage, so the broker locks internally.
type Broker struct {
	mu       sync.Mutex
	held     map[Kind]*Resource
	order    []*Resource
	teardown map[*Resource]ReleaseFunc

	// letterInUse reports whether a drive letter is already bound on the
	// system. Overridable for tests.
	letterInUse func(letter string) bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		held:        make(map[Kind]*Resource),
		teardown:    make(map[*Resource]ReleaseFunc),
		letterInUse: systemLetterInUse,
	}
}

// SetLetterProbe overrides the drive-letter in-use check.
func (b *Broker) SetLetterProbe(probe func(letter string) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.letterInUse = probe
}

// AcquireDriveLetter finds an unbound drive letter, scanning from Z backward
// to minimize collision with conventional usage. Fails fast if a drive
// letter is already held by an unfinished run.
func (b *Broker) AcquireDriveLetter() (*Resource, error) {
	res, _, err := b.AcquireDriveLetters(1)
	return res, err
}

// AcquireDriveLetters atomically reserves n unbound drive letters for one
// stage as a single resource, scanning from Z backward. Stages needing
// several letters (partitioning assigns one per created partition) take them
// in one acquisition so the one-resource-per-kind rule still holds.
func (b *Broker) AcquireDriveLetters(n int) (*Resource, []string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.held[KindDriveLetter]; ok {
		return nil, nil, errors.ErrKindHeld
	}

	var letters []string
	for c := 'Z'; c >= 'D' && len(letters) < n; c-- {
		letter := fmt.Sprintf("%c:", c)
		if b.letterInUse(letter) {
			continue
		}
		letters = append(letters, letter)
	}
	if len(letters) < n {
		slog.Error("resource_exhausted", "kind", KindDriveLetter, "wanted", n, "found", len(letters))
		return nil, nil, errors.ErrNoneAvailable
	}

	res := &Resource{Kind: KindDriveLetter, Handle: strings.Join(letters, ","), broker: b}
	b.held[KindDriveLetter] = res
	b.order = append(b.order, res)
	slog.Info("resource_acquired", "kind", KindDriveLetter, "handle", res.Handle)
	return res, letters, nil
}

// Bind registers an externally created handle (a snapshot id returned by the
// snapshot subsystem, a mount point directory, an attached disk path) under
// broker ownership. The optional teardown runs once on release.
func (b *Broker) Bind(kind Kind, handle string, teardown ReleaseFunc) (*Resource, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.held[kind]; ok {
		return nil, errors.ErrKindHeld
	}

	res := &Resource{Kind: kind, Handle: handle, broker: b}
	b.held[kind] = res
	b.order = append(b.order, res)
	if teardown != nil {
		b.teardown[res] = teardown
	}
	slog.Info("resource_acquired", "kind", kind, "handle", handle)
	return res, nil
}

// Attach associates a teardown with an already-held resource, replacing any
// previous one. Used when external setup completes after acquisition, e.g. a
// drive letter that now carries a substitution to undo.
func (b *Broker) Attach(r *Resource, teardown ReleaseFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r == nil || r.released {
		return
	}
	b.teardown[r] = teardown
}

// Held reports whether a resource of the given kind is currently held.
func (b *Broker) Held(kind Kind) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.held[kind]
	return ok
}

// Idle reports whether no resources remain held. A new pipeline run must be
// refused while this returns false.
func (b *Broker) Idle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.held) == 0
}

func (b *Broker) release(r *Resource) {
	b.mu.Lock()
	if r.released {
		b.mu.Unlock()
		return
	}
	r.released = true
	if cur, ok := b.held[r.Kind]; ok && cur == r {
		delete(b.held, r.Kind)
	}
	for i, o := range b.order {
		if o == r {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	teardown := b.teardown[r]
	delete(b.teardown, r)
	b.mu.Unlock()

	if teardown != nil {
		if err := teardown(r.Handle); err != nil {
			// Cleanup failures downgrade to warnings, never abort.
			slog.Warn("resource_teardown_failed", "kind", r.Kind, "handle", r.Handle, "error", err)
		}
	}
	slog.Info("resource_released", "kind", r.Kind, "handle", r.Handle)
}

// ReleaseAll releases every held resource in reverse acquisition order, so
// teardowns that depend on earlier resources (a disk detach before its drive
// letters go back) run first. Safe to call repeatedly; the pipeline driver
// defers this so resources are returned on every exit path.
func (b *Broker) ReleaseAll() {
	b.mu.Lock()
	resources := make([]*Resource, len(b.order))
	copy(resources, b.order)
	b.order = nil
	b.mu.Unlock()

	for i := len(resources) - 1; i >= 0; i-- {
		b.release(resources[i])
	}
}

// WithDriveLetter runs fn with a scoped drive-letter acquisition, guaranteeing
// release on all exit paths including stage-failure unwind.
func (b *Broker) WithDriveLetter(fn func(letter string) error) error {
	res, err := b.AcquireDriveLetter()
	if err != nil {
		return err
	}
	defer res.Release()
	return fn(res.Handle)
}

func systemLetterInUse(letter string) bool {
	_, err := os.Stat(letter + `\`)
	return err == nil
}
