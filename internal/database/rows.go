package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"imigrate/internal/models"
)

// CreateRow persists one extracted row with its encrypted payload.
// The (job_id, row_index) pair is unique; re-extracting the same index is a bug.
func (db *DB) CreateRow(ctx context.Context, row *models.Row) error {
	query := `
        INSERT INTO rows (job_id, row_index, encrypted_payload, status, identity_elements, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
    `

	now := time.Now()
	result, err := db.ExecContext(ctx, query,
		row.JobID,
		row.RowIndex,
		row.EncryptedPayload,
		string(row.Status),
		row.IdentityElements,
		now,
		now,
	)
	if err != nil {
		return storageErr("create row", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return storageErr("create row", err)
	}
	row.ID = id
	row.CreatedAt = now
	row.UpdatedAt = now
	return nil
}

// GetRow returns one row or ErrNotFound.
func (db *DB) GetRow(ctx context.Context, id int64) (*models.Row, error) {
	query := `
        SELECT id, job_id, row_index, encrypted_payload, status, identity_elements, created_at, updated_at
        FROM rows WHERE id = ?
    `

	var row models.Row
	var status string
	err := db.QueryRowContext(ctx, query, id).Scan(
		&row.ID,
		&row.JobID,
		&row.RowIndex,
		&row.EncryptedPayload,
		&status,
		&row.IdentityElements,
		&row.CreatedAt,
		&row.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get row", err)
	}
	row.Status = models.RowStatus(status)
	return &row, nil
}

// UpdateRowStatus denormalizes the latest attempt outcome onto the row.
func (db *DB) UpdateRowStatus(ctx context.Context, id int64, status models.RowStatus, identityElements string) error {
	query := `UPDATE rows SET status = ?, identity_elements = ?, updated_at = ? WHERE id = ?`

	_, err := db.ExecContext(ctx, query, string(status), identityElements, time.Now(), id)
	if err != nil {
		return storageErr("update row status", err)
	}
	return nil
}

// ListRowsByJobStatus returns a job's rows, optionally filtered by status,
// ordered by row index.
func (db *DB) ListRowsByJobStatus(ctx context.Context, jobID string, status *models.RowStatus) ([]models.Row, error) {
	query := `
        SELECT id, job_id, row_index, encrypted_payload, status, identity_elements, created_at, updated_at
        FROM rows WHERE job_id = ?
    `
	args := []any{jobID}
	if status != nil {
		query += ` AND status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY row_index`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list rows", err)
	}
	defer rows.Close()

	var result []models.Row
	for rows.Next() {
		var row models.Row
		var st string
		err := rows.Scan(
			&row.ID,
			&row.JobID,
			&row.RowIndex,
			&row.EncryptedPayload,
			&st,
			&row.IdentityElements,
			&row.CreatedAt,
			&row.UpdatedAt,
		)
		if err != nil {
			return nil, storageErr("scan row", err)
		}
		row.Status = models.RowStatus(st)
		result = append(result, row)
	}

	if err = rows.Err(); err != nil {
		return nil, storageErr("list rows", err)
	}
	return result, nil
}

// InsertAttempt appends one attempt to the ledger.
func (db *DB) InsertAttempt(ctx context.Context, attempt *models.Attempt) error {
	query := `
        INSERT INTO attempts (row_id, reason, success, error_message, identity_elements, created_at)
        VALUES (?, ?, ?, ?, ?, ?)
    `

	now := time.Now()
	result, err := db.ExecContext(ctx, query,
		attempt.RowID,
		string(attempt.Reason),
		attempt.Success,
		attempt.ErrorMessage,
		attempt.IdentityElements,
		now,
	)
	if err != nil {
		return storageErr("insert attempt", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return storageErr("insert attempt", err)
	}
	attempt.ID = id
	attempt.CreatedAt = now
	return nil
}

// ListAttemptsByRow returns the full attempt history for a row, oldest first.
func (db *DB) ListAttemptsByRow(ctx context.Context, rowID int64) ([]models.Attempt, error) {
	query := `
        SELECT id, row_id, reason, success, error_message, identity_elements, created_at
        FROM attempts WHERE row_id = ? ORDER BY id
    `

	rows, err := db.QueryContext(ctx, query, rowID)
	if err != nil {
		return nil, storageErr("list attempts", err)
	}
	defer rows.Close()

	var attempts []models.Attempt
	for rows.Next() {
		var a models.Attempt
		var reason string
		err := rows.Scan(
			&a.ID,
			&a.RowID,
			&reason,
			&a.Success,
			&a.ErrorMessage,
			&a.IdentityElements,
			&a.CreatedAt,
		)
		if err != nil {
			return nil, storageErr("scan attempt", err)
		}
		a.Reason = models.AttemptReason(reason)
		attempts = append(attempts, a)
	}

	if err = rows.Err(); err != nil {
		return nil, storageErr("list attempts", err)
	}
	return attempts, nil
}
