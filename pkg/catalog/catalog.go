package catalog

import (
	"database/sql"
	"log/slog"

	"github.com/dtc-ops/imageprep/pkg/errors"
	_ "modernc.org/sqlite"
)

// Catalog provides database operations for pipeline run records
type Catalog struct {
	db *sql.DB
}

// NewCatalog opens the catalog database and ensures the schema exists
func NewCatalog(dbPath string) (*Catalog, error) {
	slog.Info("catalog_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("catalog_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open catalog database")
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("catalog_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("catalog_ready", "db_path", dbPath)
	return &Catalog{db: db}, nil
}

// Close closes the database connection
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Create inserts a new operation record
func (c *Catalog) Create(op *Operation) error {
	slog.Info("catalog_create_operation", "kind", op.Kind, "backup_id", op.BackupID, "status", op.Status)

	query := `
		INSERT INTO operations (backup_id, kind, client, site, role, tags, size_bytes, snapshot_count, status, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := c.db.Exec(query,
		op.BackupID, op.Kind, op.Client, op.Site, op.Role,
		op.Tags, op.SizeBytes, op.SnapshotCount, op.Status, op.ErrorMessage)
	if err != nil {
		slog.Error("catalog_insert_failed", "kind", op.Kind, "error", err)
		return errors.Wrap(err, "failed to insert operation")
	}

	id, err := result.LastInsertId()
	if err != nil {
		slog.Error("catalog_last_insert_id_failed", "kind", op.Kind, "error", err)
		return errors.Wrap(err, "failed to get last insert id")
	}
	op.ID = id

	slog.Info("catalog_operation_created", "operation_id", op.ID, "kind", op.Kind, "status", op.Status)
	return nil
}

// GetByBackupID retrieves the most recent operation for a backup id
func (c *Catalog) GetByBackupID(backupID string) (*Operation, error) {
	slog.Info("catalog_query_operation", "backup_id", backupID)

	query := `
		SELECT id, backup_id, kind, client, site, role, tags,
		       size_bytes, snapshot_count, status, error_message, created_at, updated_at
		FROM operations WHERE backup_id = ?
		ORDER BY id DESC LIMIT 1
	`
	op, err := c.scanOne(c.db.QueryRow(query, backupID))
	if err != nil {
		slog.Error("catalog_query_failed", "backup_id", backupID, "error", err)
		return nil, err
	}
	if op == nil {
		slog.Info("catalog_operation_not_found", "backup_id", backupID)
	}
	return op, nil
}

// Update updates an existing operation record
func (c *Catalog) Update(op *Operation) error {
	slog.Info("catalog_update_operation", "operation_id", op.ID, "status", op.Status)

	query := `
		UPDATE operations
		SET backup_id = ?, role = ?, tags = ?, size_bytes = ?, snapshot_count = ?,
		    status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := c.db.Exec(query,
		op.BackupID, op.Role, op.Tags, op.SizeBytes, op.SnapshotCount,
		op.Status, op.ErrorMessage, op.ID)
	if err != nil {
		slog.Error("catalog_update_failed", "operation_id", op.ID, "error", err)
		return errors.Wrap(err, "failed to update operation")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.New("operation not found")
	}
	return nil
}

// UpdateStatus transitions an operation's status, recording an error message
// for failures
func (c *Catalog) UpdateStatus(id int64, status, errorMessage string) error {
	slog.Info("catalog_update_status", "operation_id", id, "status", status)

	query := `
		UPDATE operations
		SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := c.db.Exec(query, status, errorMessage, id)
	if err != nil {
		slog.Error("catalog_status_update_failed", "operation_id", id, "error", err)
		return errors.Wrap(err, "failed to update status")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.New("operation not found")
	}
	return nil
}

// List retrieves all operations, newest first
func (c *Catalog) List() ([]*Operation, error) {
	query := `
		SELECT id, backup_id, kind, client, site, role, tags,
		       size_bytes, snapshot_count, status, error_message, created_at, updated_at
		FROM operations ORDER BY id DESC
	`
	rows, err := c.db.Query(query)
	if err != nil {
		slog.Error("catalog_list_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list operations")
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		op, err := c.scanRow(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan operation")
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// ListByScope retrieves operations for one client/site pair, newest first
func (c *Catalog) ListByScope(client, site string) ([]*Operation, error) {
	query := `
		SELECT id, backup_id, kind, client, site, role, tags,
		       size_bytes, snapshot_count, status, error_message, created_at, updated_at
		FROM operations WHERE client = ? AND site = ? ORDER BY id DESC
	`
	rows, err := c.db.Query(query, client, site)
	if err != nil {
		slog.Error("catalog_list_failed", "client", client, "site", site, "error", err)
		return nil, errors.Wrap(err, "failed to list operations")
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		op, err := c.scanRow(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan operation")
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func (c *Catalog) scanOne(row *sql.Row) (*Operation, error) {
	op, err := c.scanRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query operation")
	}
	return op, nil
}

func (c *Catalog) scanRow(s scanner) (*Operation, error) {
	var op Operation
	var backupID, role, tags, errorMessage sql.NullString
	var sizeBytes, snapshotCount sql.NullInt64

	err := s.Scan(
		&op.ID, &backupID, &op.Kind, &op.Client, &op.Site, &role, &tags,
		&sizeBytes, &snapshotCount, &op.Status, &errorMessage,
		&op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		return nil, err
	}

	op.BackupID = backupID.String
	op.Role = role.String
	op.Tags = tags.String
	op.SizeBytes = sizeBytes.Int64
	op.SnapshotCount = int(snapshotCount.Int64)
	op.ErrorMessage = errorMessage.String
	return &op, nil
}
