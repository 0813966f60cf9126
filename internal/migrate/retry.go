package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"imigrate/internal/database"
	"imigrate/internal/imis"
	"imigrate/internal/models"
	"imigrate/internal/secrets"
	"imigrate/internal/worker"
)

// RetryFailedRows replays every failed row of a terminal job from its stored
// encrypted payload. Nothing is re-extracted: a job that ended `failed`
// before storing rows must be re-run via RunJob instead. Returns the number
// of rows replayed.
func (o *Orchestrator) RetryFailedRows(ctx context.Context, jobID string) (int, error) {
	job, err := o.db.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return 0, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return 0, err
	}

	if !job.IsTerminal() {
		return 0, fmt.Errorf("%w: job is still %s", ErrValidation, job.Status)
	}
	if job.Status == models.JobStatusFailed {
		return 0, fmt.Errorf("%w: job never stored rows; re-run it instead", ErrValidation)
	}

	st, ok := o.acquire(jobID)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrJobAlreadyRunning, jobID)
	}
	defer o.release(jobID)

	rc, err := o.replayContext(ctx, job, st, models.AttemptReasonAutoRetry)
	if err != nil {
		return 0, err
	}

	failed := models.RowStatusFailed
	rows, err := o.db.ListRowsByJobStatus(ctx, jobID, &failed)
	if err != nil {
		return 0, err
	}

	for i := range rows {
		if st.cancelled.Load() {
			break
		}
		row := rows[i]
		rc.pool.Submit(func() {
			o.replayRow(ctx, rc, &row)
		})
	}
	rc.pool.Wait()

	o.settleAfterRetry(ctx, job, rc)
	return len(rows), nil
}

// RetrySingleRow replays one failed row from its stored payload with reason
// manual_retry. Retrying an already-successful row is rejected.
func (o *Orchestrator) RetrySingleRow(ctx context.Context, rowID int64) error {
	row, err := o.db.GetRow(ctx, rowID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("%w: %d", ErrRowNotFound, rowID)
		}
		return err
	}
	if row.Status == models.RowStatusSuccess {
		return fmt.Errorf("%w: row %d already succeeded", ErrValidation, rowID)
	}

	job, err := o.db.GetJob(ctx, row.JobID)
	if err != nil {
		return err
	}
	if !job.IsTerminal() {
		return fmt.Errorf("%w: job is still %s", ErrValidation, job.Status)
	}

	st, ok := o.acquire(job.ID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobAlreadyRunning, job.ID)
	}
	defer o.release(job.ID)

	rc, err := o.replayContext(ctx, job, st, models.AttemptReasonManualRetry)
	if err != nil {
		return err
	}

	o.replayRow(ctx, rc, row)
	rc.pool.Wait()

	o.settleAfterRetry(ctx, job, rc)
	return nil
}

// replayContext rebuilds the per-pass context for a retry. Both payload
// decryption and a possible token refresh need the destination password, so
// its absence fails the whole operation up front.
func (o *Orchestrator) replayContext(ctx context.Context, job *models.Job, st *runState, reason models.AttemptReason) (*runContext, error) {
	destEnv, err := o.db.GetEnvironmentByID(ctx, job.DestEnvID)
	if err != nil {
		return nil, err
	}

	password, ok := o.vault.GetPassword(destEnv.ID)
	if !ok {
		return nil, fmt.Errorf("%w: no password resident for destination environment %d", imis.ErrMissingCredentials, destEnv.ID)
	}

	return &runContext{
		job:      job,
		destEnv:  destEnv,
		destCli:  o.clients(*destEnv),
		password: password,
		pool:     worker.NewPool(maxInt(destEnv.InsertConcurrency, 1)),
		st:       st,
		reason:   reason,
		logger:   o.logger.With().Str("job_id", job.ID).Str("reason", string(reason)).Logger(),
	}, nil
}

// replayRow decrypts a stored payload and pushes it through the shared
// insert pipeline. A payload that fails to decrypt records a failed attempt;
// it is never skipped silently.
func (o *Orchestrator) replayRow(ctx context.Context, rc *runContext, row *models.Row) {
	payload, err := secrets.Decrypt(row.EncryptedPayload, rc.password)
	if err != nil {
		o.recordReplayFailure(ctx, rc, row, fmt.Errorf("stored payload: %w", err))
		return
	}

	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		o.recordReplayFailure(ctx, rc, row, fmt.Errorf("stored payload does not parse: %w", err))
		return
	}

	o.attemptInsert(ctx, rc, row, fields)
}

func (o *Orchestrator) recordReplayFailure(ctx context.Context, rc *runContext, row *models.Row, cause error) {
	msg := cause.Error()
	attempt := &models.Attempt{
		RowID:        row.ID,
		Reason:       rc.reason,
		Success:      false,
		ErrorMessage: &msg,
	}
	if err := o.db.InsertAttempt(ctx, attempt); err != nil {
		rc.logger.Error().Int("row_index", row.RowIndex).Err(err).Msg("recording attempt failed")
	}
	if err := o.db.UpdateRowStatus(ctx, row.ID, models.RowStatusFailed, ""); err != nil {
		rc.logger.Error().Int("row_index", row.RowIndex).Err(err).Msg("updating row status failed")
	}
	rc.logger.Warn().Int("row_index", row.RowIndex).Err(cause).Msg("row replay failed")
}

// settleAfterRetry promotes a partial job to completed once no failed rows
// and no failed pages remain; otherwise the terminal status stays put.
func (o *Orchestrator) settleAfterRetry(ctx context.Context, job *models.Job, rc *runContext) {
	if err := o.db.UpdateJobCounters(ctx, job.ID); err != nil {
		rc.logger.Error().Err(err).Msg("updating job counters failed")
		return
	}

	fresh, err := o.db.GetJob(ctx, job.ID)
	if err != nil {
		rc.logger.Error().Err(err).Msg("reloading job after retry failed")
		return
	}

	if fresh.Status == models.JobStatusPartial && fresh.FailedRows == 0 && len(fresh.FailedOffsets) == 0 {
		if err := o.db.SetJobStatus(ctx, job.ID, models.JobStatusCompleted); err != nil {
			rc.logger.Error().Err(err).Msg("promoting job to completed failed")
			return
		}
		rc.logger.Info().Msg("job promoted to completed after retry")
	}
}
