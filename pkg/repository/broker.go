package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dtc-ops/imageprep/pkg/errors"
	"github.com/dtc-ops/imageprep/pkg/procrun"
	"github.com/google/uuid"
)

// Confirmer is the operator-interaction surface the broker depends on. The
// CLI provides the implementation; the broker never formats operator-facing
// text beyond its diagnostic stream.
type Confirmer interface {
	// AcknowledgeSecret shows a freshly generated secret to the operator,
	// exactly once, and blocks until it is explicitly acknowledged.
	AcknowledgeSecret(scope Scope, secret string) error
	// ConfirmReuse asks the operator to confirm reuse of a cached secret
	// before a destructive operation against an existing repository.
	ConfirmReuse(scope Scope) error
	// PromptSecret asks the operator to re-enter the secret for a scope
	// whose repository exists remotely but has no cached secret.
	PromptSecret(scope Scope) (string, error)
}

// Prober checks, read-only, whether a repository already exists at a scope's
// location. Optional: a nil prober means existence is learned only from the
// engine's own "already initialized" signal.
type Prober interface {
	RepositoryExists(ctx context.Context, scopePrefix string) (bool, error)
}

// Broker manages repository identity, secrets, and tagged backup/restore.
type Broker struct {
	runner      procrun.Runner
	store       *SecretStore
	confirmer   Confirmer
	prober      Prober
	storageRoot string

	// EnginePath is the backup engine binary. Defaults to "restic".
	EnginePath string
}

// NewBroker wires a repository broker.
func NewBroker(runner procrun.Runner, store *SecretStore, confirmer Confirmer, prober Prober, storageRoot string) *Broker {
	return &Broker{
		runner:      runner,
		store:       store,
		confirmer:   confirmer,
		prober:      prober,
		storageRoot: storageRoot,
		EnginePath:  "restic",
	}
}

// Location returns the deterministic repository location for a scope.
func (b *Broker) Location(scope Scope) string {
	return BuildLocation(b.storageRoot, scope)
}

// systemExclusions are always excluded from capture regardless of scope.
var systemExclusions = []string{
	`pagefile.sys`,
	`hiberfil.sys`,
	`swapfile.sys`,
	`System Volume Information`,
	`$Recycle.Bin`,
	`Windows\Temp`,
	`Windows\CSC`,
}

// GetOrCreateSecret resolves the secret for a scope.
//
// Unset secret, no remote repository: generate a high-entropy secret,
// surface it to the operator exactly once, require acknowledgment, cache it,
// and initialize the repository.
//
// Unset secret, remote repository present: the cache is stale or this host
// never created the repository. Force re-entry and verify the entered
// secret with a read-only probe before trusting it.
//
// Cached secret, remote repository present: require explicit reuse
// confirmation before any destructive operation, then verify read-only.
func (b *Broker) GetOrCreateSecret(ctx context.Context, scope Scope) (string, error) {
	if err := scope.Validate(); err != nil {
		return "", err
	}
	location := b.Location(scope)

	cached, err := b.store.Get(scope)
	if err != nil {
		return "", err
	}

	exists, err := b.remoteExists(ctx, scope, cached)
	if err != nil {
		return "", err
	}

	slog.Info("secret_resolution", "scope", scope.ID(), "cached", cached != "", "remote_exists", exists)

	switch {
	case cached == "" && !exists:
		secret, err := GenerateSecret()
		if err != nil {
			return "", err
		}
		if err := b.confirmer.AcknowledgeSecret(scope, secret); err != nil {
			return "", errors.Wrap(err, "secret not acknowledged")
		}
		if err := b.initRepository(ctx, location, secret); err != nil {
			return "", err
		}
		if err := b.store.Put(scope, secret); err != nil {
			return "", err
		}
		return secret, nil

	case cached == "" && exists:
		secret, err := b.confirmer.PromptSecret(scope)
		if err != nil {
			return "", errors.Wrap(err, "secret re-entry failed")
		}
		if err := b.verifySecret(ctx, location, secret); err != nil {
			return "", err
		}
		if err := b.store.Put(scope, secret); err != nil {
			return "", err
		}
		return secret, nil

	case exists:
		if err := b.confirmer.ConfirmReuse(scope); err != nil {
			return "", errors.Wrap(err, "secret reuse not confirmed")
		}
		if err := b.verifySecret(ctx, location, cached); err != nil {
			return "", err
		}
		return cached, nil

	default:
		// Cached secret but the repository vanished remotely; re-create it
		// with the secret the operator already holds.
		if err := b.initRepository(ctx, location, cached); err != nil {
			return "", err
		}
		return cached, nil
	}
}

// remoteExists consults the read-only prober when available, falling back to
// the engine's own repository check.
func (b *Broker) remoteExists(ctx context.Context, scope Scope, secret string) (bool, error) {
	if b.prober != nil {
		return b.prober.RepositoryExists(ctx, scope.ID())
	}
	if secret == "" {
		// Without a prober or a secret there is no read-only way to ask;
		// existence surfaces later as "already initialized" during init.
		return false, nil
	}
	err := b.verifySecret(ctx, b.Location(scope), secret)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, errors.ErrSecretRejected) {
		return true, nil
	}
	return false, nil
}

// verifySecret performs a read-only engine call that fails when the secret
// does not open the repository. No write is attempted before this passes.
func (b *Broker) verifySecret(ctx context.Context, location, secret string) error {
	code, lines, err := b.engine(ctx, location, secret, nil, "cat", "config")
	if err != nil {
		return err
	}
	if code != 0 {
		out := strings.ToLower(strings.Join(lines, " "))
		if strings.Contains(out, "wrong password") || strings.Contains(out, "decrypting") {
			slog.Error("secret_rejected", "location", location)
			return errors.ErrSecretRejected
		}
		return &errors.ExitError{Command: "repository verify", ExitCode: code, Output: lines}
	}
	return nil
}

func (b *Broker) initRepository(ctx context.Context, location, secret string) error {
	slog.Info("repository_init", "location", location)

	code, lines, err := b.engine(ctx, location, secret, nil, "init")
	if err != nil {
		return err
	}
	if code != 0 {
		out := strings.ToLower(strings.Join(lines, " "))
		if strings.Contains(out, "already initialized") || strings.Contains(out, "already exists") {
			// The probe missed an existing repository; never overwrite the
			// cached secret against it.
			slog.Error("repository_already_initialized", "location", location)
			return fmt.Errorf("repository at %s already initialized: %w", location, errors.ErrSecretRejected)
		}
		return &errors.ExitError{Command: "repository init", ExitCode: code, Output: lines}
	}

	slog.Info("repository_initialized", "location", location)
	return nil
}

// BackupTags identify a backup for later discovery without a separate index.
type BackupTags struct {
	BackupID    string
	Client      string
	Site        string
	Role        string
	Fingerprint string
}

func (t BackupTags) args() []string {
	return []string{
		"--tag", "id:" + t.BackupID,
		"--tag", "client:" + t.Client,
		"--tag", "site:" + t.Site,
		"--tag", "role:" + t.Role,
		"--tag", "hw:" + t.Fingerprint,
	}
}

// NewBackupTags mints tags for one backup: a freshly generated sortable
// unique id plus organizational scope, role, and hardware fingerprint.
func NewBackupTags(ctx context.Context, runner procrun.Runner, scope Scope, role string) BackupTags {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return BackupTags{
		BackupID:    id.String(),
		Client:      scope.Client,
		Site:        scope.Site,
		Role:        role,
		Fingerprint: Fingerprint(ctx, runner),
	}
}

// BackupResult is the engine's summary for one completed backup.
type BackupResult struct {
	SnapshotID    string
	SizeBytes     int64
	FilesNew      int64
	FilesChanged  int64
	SnapshotCount int
}

// Backup captures sourcePath into the scope's repository with
// snapshot-consistent semantics, the fixed system exclusions, and any
// caller-supplied exclusions.
func (b *Broker) Backup(ctx context.Context, location, secret, sourcePath string, tags BackupTags, exclusions []string, onLine func(procrun.Stream, string)) (*BackupResult, error) {
	slog.Info("backup_start", "location", location, "source", sourcePath, "backup_id", tags.BackupID)

	args := []string{"backup", sourcePath, "--use-fs-snapshot", "--json"}
	args = append(args, tags.args()...)
	for _, ex := range systemExclusions {
		args = append(args, "--exclude", ex)
	}
	for _, ex := range exclusions {
		args = append(args, "--exclude", ex)
	}

	var result BackupResult
	capture := func(stream procrun.Stream, line string) {
		if onLine != nil {
			onLine(stream, line)
		}
		var msg struct {
			MessageType         string `json:"message_type"`
			SnapshotID          string `json:"snapshot_id"`
			TotalBytesProcessed int64  `json:"total_bytes_processed"`
			FilesNew            int64  `json:"files_new"`
			FilesChanged        int64  `json:"files_changed"`
		}
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return
		}
		if msg.MessageType == "summary" {
			result.SnapshotID = msg.SnapshotID
			result.SizeBytes = msg.TotalBytesProcessed
			result.FilesNew = msg.FilesNew
			result.FilesChanged = msg.FilesChanged
		}
	}

	code, lines, err := b.engine(ctx, location, secret, capture, args...)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		slog.Error("backup_failed", "location", location, "exit_code", code)
		return nil, &errors.ExitError{Command: "backup", ExitCode: code, Output: lines}
	}

	snaps, err := b.ListSnapshots(ctx, location, secret)
	if err == nil {
		result.SnapshotCount = len(snaps)
	}

	slog.Info("backup_complete", "backup_id", tags.BackupID,
		"engine_snapshot", result.SnapshotID, "size_mb", result.SizeBytes/1024/1024)
	return &result, nil
}

// Restore extracts snapshotID ("latest" allowed) into targetPath.
func (b *Broker) Restore(ctx context.Context, location, secret, snapshotID, targetPath string, onLine func(procrun.Stream, string)) error {
	slog.Info("restore_start", "location", location, "snapshot", snapshotID, "target", targetPath)

	code, lines, err := b.engine(ctx, location, secret, onLine,
		"restore", snapshotID, "--target", targetPath)
	if err != nil {
		return err
	}
	if code != 0 {
		slog.Error("restore_failed", "snapshot", snapshotID, "exit_code", code)
		return &errors.ExitError{Command: "restore", ExitCode: code, Output: lines}
	}

	slog.Info("restore_complete", "snapshot", snapshotID, "target", targetPath)
	return nil
}

// Snapshot is one repository snapshot as reported by the engine.
type Snapshot struct {
	ID       string   `json:"id"`
	ShortID  string   `json:"short_id"`
	Time     string   `json:"time"`
	Hostname string   `json:"hostname"`
	Tags     []string `json:"tags"`
	Paths    []string `json:"paths"`
}

// ListSnapshots returns all snapshots in the repository.
func (b *Broker) ListSnapshots(ctx context.Context, location, secret string) ([]Snapshot, error) {
	code, lines, err := b.engine(ctx, location, secret, nil, "snapshots", "--json")
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, &errors.ExitError{Command: "snapshots", ExitCode: code, Output: lines}
	}

	var snaps []Snapshot
	if err := json.Unmarshal([]byte(strings.Join(lines, "\n")), &snaps); err != nil {
		return nil, errors.Wrap(err, "snapshot list parse failed")
	}
	return snaps, nil
}

// FindByBackupID locates a snapshot by its id tag. Returns nil when no
// snapshot carries the tag.
func (b *Broker) FindByBackupID(ctx context.Context, location, secret, backupID string) (*Snapshot, error) {
	snaps, err := b.ListSnapshots(ctx, location, secret)
	if err != nil {
		return nil, err
	}
	want := "id:" + backupID
	for i := range snaps {
		for _, tag := range snaps[i].Tags {
			if tag == want {
				return &snaps[i], nil
			}
		}
	}
	return nil, nil
}

// engine runs the backup engine with credentials passed per-invocation.
// Secrets travel in the invocation's own environment, never process-wide.
func (b *Broker) engine(ctx context.Context, location, secret string, onLine func(procrun.Stream, string), args ...string) (int, []string, error) {
	return procrun.RunCollect(ctx, b.runner, procrun.Spec{
		Command: b.EnginePath,
		Args:    args,
		Env: []string{
			"RESTIC_REPOSITORY=" + location,
			"RESTIC_PASSWORD=" + secret,
		},
		OnLine: onLine,
	})
}
