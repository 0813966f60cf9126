package migrate

import (
	"context"
	"testing"

	"imigrate/internal/imis"
	"imigrate/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// partialJob runs a job where member-1 is rejected by the destination,
// yielding a partial job with exactly one failed row.
func partialJob(t *testing.T, h *harness) *models.Job {
	t.Helper()
	h.seedRows(3)
	h.dest.mu.Lock()
	h.dest.rejectVal["member-1"] = true
	h.dest.mu.Unlock()

	job := h.createJob(t)
	done := h.runToCompletion(t, job.ID)
	require.Equal(t, models.JobStatusPartial, done.Status)
	require.Equal(t, 1, done.FailedRows)
	return done
}

func acceptAll(h *harness) {
	h.dest.mu.Lock()
	h.dest.rejectVal = make(map[string]bool)
	h.dest.mu.Unlock()
}

func TestRetryFailedRows_PromotesToCompleted(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	job := partialJob(t, h)

	acceptAll(h)
	retried, err := h.orch.RetryFailedRows(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, retried)

	fresh, err := h.db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, fresh.Status)
	assert.Equal(t, 3, fresh.SucceededRows)
	assert.Equal(t, 0, fresh.FailedRows)

	// The replayed row carries its full attempt history.
	rows, err := h.orch.GetJobRows(ctx, job.ID, nil)
	require.NoError(t, err)
	attempts, err := h.orch.GetRowAttempts(ctx, rows[1].ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, models.AttemptReasonInitial, attempts[0].Reason)
	assert.False(t, attempts[0].Success)
	assert.Equal(t, models.AttemptReasonAutoRetry, attempts[1].Reason)
	assert.True(t, attempts[1].Success)
}

func TestRetryFailedRows_StillFailingStaysPartial(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	job := partialJob(t, h)

	// Destination still rejects the row.
	retried, err := h.orch.RetryFailedRows(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, retried)

	fresh, err := h.db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPartial, fresh.Status)
	assert.Equal(t, 1, fresh.FailedRows)
}

func TestRetryFailedRows_FailedPagesBlockPromotion(t *testing.T) {
	h := newHarness(t, 2)
	h.seedRows(4)
	h.source.mu.Lock()
	h.source.failPages[2] = true
	h.source.mu.Unlock()
	ctx := context.Background()

	job := h.createJob(t)
	done := h.runToCompletion(t, job.ID)
	require.Equal(t, models.JobStatusPartial, done.Status)
	require.Equal(t, []int{2}, done.FailedOffsets)

	// No failed rows to replay, and the missing page keeps the job partial.
	retried, err := h.orch.RetryFailedRows(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, retried)

	fresh, err := h.db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPartial, fresh.Status)
}

func TestRetryFailedRows_Guards(t *testing.T) {
	h := newHarness(t, 2)
	h.seedRows(2)
	ctx := context.Background()

	t.Run("unknown job", func(t *testing.T) {
		_, err := h.orch.RetryFailedRows(ctx, "nope")
		assert.ErrorIs(t, err, ErrJobNotFound)
	})

	t.Run("queued job", func(t *testing.T) {
		job := h.createJob(t)
		_, err := h.orch.RetryFailedRows(ctx, job.ID)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("failed job never stored rows", func(t *testing.T) {
		h := newHarness(t, 2)
		h.seedRows(2)
		h.source.mu.Lock()
		h.source.failPages[0] = true
		h.source.mu.Unlock()

		job := h.createJob(t)
		done := h.runToCompletion(t, job.ID)
		require.Equal(t, models.JobStatusFailed, done.Status)

		_, err := h.orch.RetryFailedRows(ctx, job.ID)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("missing destination password", func(t *testing.T) {
		h := newHarness(t, 2)
		job := partialJob(t, h)
		h.vault2NoPassword(t)

		_, err := h.orch.RetryFailedRows(ctx, job.ID)
		assert.ErrorIs(t, err, imis.ErrMissingCredentials)
	})
}

func TestRetrySingleRow(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	job := partialJob(t, h)

	rows, err := h.orch.GetJobRows(ctx, job.ID, nil)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	successRow, failedRow := rows[0], rows[1]

	t.Run("successful row is rejected", func(t *testing.T) {
		assert.ErrorIs(t, h.orch.RetrySingleRow(ctx, successRow.ID), ErrValidation)
	})

	t.Run("unknown row", func(t *testing.T) {
		assert.ErrorIs(t, h.orch.RetrySingleRow(ctx, 99999), ErrRowNotFound)
	})

	t.Run("failed row replays and promotes the job", func(t *testing.T) {
		acceptAll(h)
		require.NoError(t, h.orch.RetrySingleRow(ctx, failedRow.ID))

		fresh, err := h.db.GetRow(ctx, failedRow.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RowStatusSuccess, fresh.Status)
		assert.NotEmpty(t, fresh.IdentityElements)

		attempts, err := h.orch.GetRowAttempts(ctx, failedRow.ID)
		require.NoError(t, err)
		require.Len(t, attempts, 2)
		assert.Equal(t, models.AttemptReasonManualRetry, attempts[1].Reason)

		jobFresh, err := h.db.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCompleted, jobFresh.Status, "last failed row fixed")
	})
}

func TestRetryFailedRows_UndecryptablePayloadRecordsFailure(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	job := partialJob(t, h)

	// Rotate the destination password after the run; the stored payload no
	// longer decrypts.
	require.NoError(t, h.vault.SetPassword(ctx, 2, "rotated"))
	acceptAll(h)

	retried, err := h.orch.RetryFailedRows(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, retried)

	failed := models.RowStatusFailed
	rows, err := h.orch.GetJobRows(ctx, job.ID, &failed)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	attempts, err := h.orch.GetRowAttempts(ctx, rows[0].ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.False(t, attempts[1].Success)
	require.NotNil(t, attempts[1].ErrorMessage)
	assert.Contains(t, *attempts[1].ErrorMessage, "stored payload")
}
