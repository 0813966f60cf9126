package database

import (
	"context"
	"testing"

	"imigrate/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedJob(t *testing.T, db *DB) *models.Job {
	t.Helper()
	job := &models.Job{
		ID:          uuid.NewString(),
		Name:        "members to staging",
		Status:      models.JobStatusQueued,
		Mode:        models.JobModeQuery,
		SourceEnvID: 1,
		DestEnvID:   2,
		SourcePath:  "$/Samples/Members",
		DestEntity:  "Party",
		Mappings:    []models.FieldMapping{{SourceField: "FullName", DestProperty: "Name"}},
	}
	require.NoError(t, db.CreateJob(context.Background(), job))
	return job
}

func TestJobs_CreateAndGet(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	job := seedJob(t, db)

	got, err := db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Equal(t, job.Mappings, got.Mappings)
	assert.Nil(t, got.TotalRows)
	assert.Nil(t, got.StartedAt)
	assert.Empty(t, got.FailedOffsets)

	_, err = db.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJobs_MarkRunning(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	job := seedJob(t, db)

	started, err := db.MarkJobRunning(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, started)

	got, err := db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status)
	assert.NotNil(t, got.StartedAt)

	// A running job cannot start again.
	started, err = db.MarkJobRunning(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, started)
}

func TestJobs_MarkRunningRestartsFailedJob(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	job := seedJob(t, db)

	_, err := db.MarkJobRunning(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, db.SetJobTotalRows(ctx, job.ID, 42))
	require.NoError(t, db.SetJobFailedOffsets(ctx, job.ID, []int{500}))
	require.NoError(t, db.FinishJob(ctx, job.ID, models.JobStatusFailed, "first page fetch failed"))

	started, err := db.MarkJobRunning(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, started)

	got, err := db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status)
	assert.Nil(t, got.TotalRows, "restart clears the fixed total")
	assert.Empty(t, got.FailedOffsets)
	assert.Empty(t, got.ErrorMessage)
	assert.Nil(t, got.CompletedAt)
}

func TestJobs_MarkRunningRejectsTerminalStates(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for _, status := range []models.JobStatus{models.JobStatusCompleted, models.JobStatusPartial, models.JobStatusCancelled} {
		job := seedJob(t, db)
		require.NoError(t, db.FinishJob(ctx, job.ID, status, ""))

		started, err := db.MarkJobRunning(ctx, job.ID)
		require.NoError(t, err)
		assert.False(t, started, string(status))
	}
}

func TestJobs_SetTotalRowsOnlyOnce(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	job := seedJob(t, db)

	require.NoError(t, db.SetJobTotalRows(ctx, job.ID, 1200))
	require.NoError(t, db.SetJobTotalRows(ctx, job.ID, 9999))

	got, err := db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.TotalRows)
	assert.Equal(t, 1200, *got.TotalRows)
}

func TestJobs_FinishAndIdentityFields(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	job := seedJob(t, db)

	require.NoError(t, db.SetJobIdentityFields(ctx, job.ID, []string{"PartyId"}))
	require.NoError(t, db.FinishJob(ctx, job.ID, models.JobStatusPartial, ""))

	got, err := db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPartial, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, []string{"PartyId"}, got.IdentityFieldNames)
}

func TestJobs_UpdateCounters(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	job := seedJob(t, db)

	for i, status := range []models.RowStatus{models.RowStatusSuccess, models.RowStatusSuccess, models.RowStatusFailed} {
		row := &models.Row{JobID: job.ID, RowIndex: i, EncryptedPayload: "blob", Status: status}
		require.NoError(t, db.CreateRow(ctx, row))
	}

	require.NoError(t, db.UpdateJobCounters(ctx, job.ID))

	got, err := db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.ProcessedRows)
	assert.Equal(t, 2, got.SucceededRows)
	assert.Equal(t, 1, got.FailedRows)
}

func TestJobs_List(t *testing.T) {
	db := setupTestDB(t)

	seedJob(t, db)
	seedJob(t, db)

	jobs, err := db.ListJobs(context.Background())
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestJobs_DeleteCascades(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	job := seedJob(t, db)

	row := &models.Row{JobID: job.ID, RowIndex: 0, EncryptedPayload: "blob", Status: models.RowStatusFailed}
	require.NoError(t, db.CreateRow(ctx, row))
	require.NoError(t, db.InsertAttempt(ctx, &models.Attempt{RowID: row.ID, Reason: models.AttemptReasonInitial}))

	require.NoError(t, db.DeleteJob(ctx, job.ID))

	_, err := db.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = db.GetRow(ctx, row.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	attempts, err := db.ListAttemptsByRow(ctx, row.ID)
	require.NoError(t, err)
	assert.Empty(t, attempts)

	assert.ErrorIs(t, db.DeleteJob(ctx, job.ID), ErrNotFound)
}
