package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"imigrate/internal/models"
)

const jobColumns = `id, name, status, mode, source_env_id, dest_env_id, source_path, dest_entity, mappings,
        total_rows, processed_rows, succeeded_rows, failed_rows, failed_offsets, identity_field_names,
        started_at, completed_at, error_message, created_at, updated_at`

// CreateJob persists a new queued job.
func (db *DB) CreateJob(ctx context.Context, job *models.Job) error {
	mappings, err := models.EncodeJSON(job.Mappings)
	if err != nil {
		return storageErr("encode job mappings", err)
	}

	query := `
        INSERT INTO jobs (id, name, status, mode, source_env_id, dest_env_id, source_path, dest_entity, mappings, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `

	now := time.Now()
	_, err = db.ExecContext(ctx, query,
		job.ID,
		job.Name,
		string(job.Status),
		string(job.Mode),
		job.SourceEnvID,
		job.DestEnvID,
		job.SourcePath,
		job.DestEntity,
		mappings,
		now,
		now,
	)
	if err != nil {
		return storageErr("create job", err)
	}
	job.CreatedAt = now
	job.UpdatedAt = now
	return nil
}

// GetJob returns one job with its counters, or ErrNotFound.
func (db *DB) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get job", err)
	}
	return job, nil
}

// ListJobs returns all jobs, newest first.
func (db *DB) ListJobs(ctx context.Context) ([]*models.Job, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, storageErr("list jobs", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, storageErr("scan job", err)
		}
		jobs = append(jobs, job)
	}
	if err = rows.Err(); err != nil {
		return nil, storageErr("list jobs", err)
	}
	return jobs, nil
}

// MarkJobRunning transitions a job to running, guarded by the current state.
// Returns false when the job is already running or in a state that cannot
// start (only queued and failed jobs may start a run).
func (db *DB) MarkJobRunning(ctx context.Context, id string) (bool, error) {
	query := `
        UPDATE jobs
        SET status = ?, started_at = ?, completed_at = NULL, error_message = '',
            total_rows = NULL, processed_rows = 0, succeeded_rows = 0, failed_rows = 0,
            failed_offsets = '', updated_at = ?
        WHERE id = ? AND status IN (?, ?)
    `

	now := time.Now()
	result, err := db.ExecContext(ctx, query,
		string(models.JobStatusRunning), now, now,
		id,
		string(models.JobStatusQueued), string(models.JobStatusFailed),
	)
	if err != nil {
		return false, storageErr("mark job running", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, storageErr("mark job running", err)
	}
	return affected == 1, nil
}

// FinishJob records a terminal status and completion time.
func (db *DB) FinishJob(ctx context.Context, id string, status models.JobStatus, errorMessage string) error {
	query := `UPDATE jobs SET status = ?, error_message = ?, completed_at = ?, updated_at = ? WHERE id = ?`

	now := time.Now()
	_, err := db.ExecContext(ctx, query, string(status), errorMessage, now, now, id)
	if err != nil {
		return storageErr("finish job", err)
	}
	return nil
}

// SetJobStatus overwrites the status without touching timestamps.
func (db *DB) SetJobStatus(ctx context.Context, id string, status models.JobStatus) error {
	_, err := db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now(), id)
	if err != nil {
		return storageErr("set job status", err)
	}
	return nil
}

// SetJobTotalRows fixes the total from the first successful extraction page.
// Subsequent calls are ignored so mid-job count drift cannot move it.
func (db *DB) SetJobTotalRows(ctx context.Context, id string, total int) error {
	_, err := db.ExecContext(ctx,
		`UPDATE jobs SET total_rows = ?, updated_at = ? WHERE id = ? AND total_rows IS NULL`,
		total, time.Now(), id)
	if err != nil {
		return storageErr("set job total rows", err)
	}
	return nil
}

// SetJobFailedOffsets replaces the recorded page-fetch failures.
func (db *DB) SetJobFailedOffsets(ctx context.Context, id string, offsets []int) error {
	encoded, err := models.EncodeJSON(offsets)
	if err != nil {
		return storageErr("encode failed offsets", err)
	}
	_, err = db.ExecContext(ctx,
		`UPDATE jobs SET failed_offsets = ?, updated_at = ? WHERE id = ?`,
		encoded, time.Now(), id)
	if err != nil {
		return storageErr("set job failed offsets", err)
	}
	return nil
}

// SetJobIdentityFields records the identity element names seen on inserts.
func (db *DB) SetJobIdentityFields(ctx context.Context, id string, names []string) error {
	encoded, err := models.EncodeJSON(names)
	if err != nil {
		return storageErr("encode identity field names", err)
	}
	_, err = db.ExecContext(ctx,
		`UPDATE jobs SET identity_field_names = ?, updated_at = ? WHERE id = ?`,
		encoded, time.Now(), id)
	if err != nil {
		return storageErr("set job identity fields", err)
	}
	return nil
}

// UpdateJobCounters recomputes the row counters from the rows table, keeping
// processed_rows equal to the count of rows with at least one attempt.
func (db *DB) UpdateJobCounters(ctx context.Context, id string) error {
	query := `
        UPDATE jobs SET
            processed_rows = (SELECT COUNT(*) FROM rows WHERE job_id = jobs.id),
            succeeded_rows = (SELECT COUNT(*) FROM rows WHERE job_id = jobs.id AND status = ?),
            failed_rows = (SELECT COUNT(*) FROM rows WHERE job_id = jobs.id AND status = ?),
            updated_at = ?
        WHERE id = ?
    `

	_, err := db.ExecContext(ctx, query,
		string(models.RowStatusSuccess), string(models.RowStatusFailed), time.Now(), id)
	if err != nil {
		return storageErr("update job counters", err)
	}
	return nil
}

// DeleteJob removes a job with its rows and attempts.
func (db *DB) DeleteJob(ctx context.Context, id string) error {
	result, err := db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return storageErr("delete job", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storageErr("delete job", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(s rowScanner) (*models.Job, error) {
	var job models.Job
	var status, mode, mappings, failedOffsets, identityNames string
	var totalRows sql.NullInt64
	var startedAt, completedAt sql.NullTime

	err := s.Scan(
		&job.ID,
		&job.Name,
		&status,
		&mode,
		&job.SourceEnvID,
		&job.DestEnvID,
		&job.SourcePath,
		&job.DestEntity,
		&mappings,
		&totalRows,
		&job.ProcessedRows,
		&job.SucceededRows,
		&job.FailedRows,
		&failedOffsets,
		&identityNames,
		&startedAt,
		&completedAt,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = models.JobStatus(status)
	job.Mode = models.JobMode(mode)
	if job.Mappings, err = models.DecodeMappings(mappings); err != nil {
		return nil, fmt.Errorf("job %s: %w", job.ID, err)
	}
	if job.FailedOffsets, err = models.DecodeIntSlice(failedOffsets); err != nil {
		return nil, fmt.Errorf("job %s: %w", job.ID, err)
	}
	if job.IdentityFieldNames, err = models.DecodeStringSlice(identityNames); err != nil {
		return nil, fmt.Errorf("job %s: %w", job.ID, err)
	}
	if totalRows.Valid {
		total := int(totalRows.Int64)
		job.TotalRows = &total
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return &job, nil
}
