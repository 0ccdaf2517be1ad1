package catalog

// Schema defines the SQLite schema for per-operation metadata records
// produced for catalog consumption: one row per capture, deploy, or
// generalization run.
const Schema = `
CREATE TABLE IF NOT EXISTS operations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    backup_id TEXT,
    kind TEXT NOT NULL CHECK(kind IN ('capture', 'deploy', 'generalize')),
    client TEXT NOT NULL,
    site TEXT NOT NULL,
    role TEXT,
    tags TEXT,
    size_bytes INTEGER,
    snapshot_count INTEGER,
    status TEXT NOT NULL CHECK(status IN ('pending', 'running', 'succeeded', 'failed')),
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_operations_backup_id ON operations(backup_id);
CREATE INDEX IF NOT EXISTS idx_operations_kind ON operations(kind);
CREATE INDEX IF NOT EXISTS idx_operations_created_at ON operations(created_at);
`

// Operation kinds
const (
	KindCapture    = "capture"
	KindDeploy     = "deploy"
	KindGeneralize = "generalize"
)

// Status constants
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Operation is one pipeline run's metadata record.
type Operation struct {
	ID            int64
	BackupID      string
	Kind          string
	Client        string
	Site          string
	Role          string
	Tags          string
	SizeBytes     int64
	SnapshotCount int
	Status        string
	ErrorMessage  string
	CreatedAt     string
	UpdatedAt     string
}
