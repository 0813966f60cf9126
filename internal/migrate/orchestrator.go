// Package migrate owns the job state machine: queued → running →
// {completed, failed, partial, cancelled}. A run is a detached background
// task; callers observe progress through the query operations only.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"imigrate/internal/database"
	"imigrate/internal/events"
	"imigrate/internal/imis"
	"imigrate/internal/models"
	"imigrate/internal/vault"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ClientFactory builds an authenticated client for an environment.
type ClientFactory func(env models.Environment) *imis.Client

type Orchestrator struct {
	db       *database.DB
	vault    *vault.Vault
	clients  ClientFactory
	bus      *events.EventBus
	pageSize int
	logger   zerolog.Logger

	mu      sync.Mutex
	running map[string]*runState
}

// runState carries the cooperative cancellation flag for one active pass.
type runState struct {
	cancelled atomic.Bool
}

func New(db *database.DB, v *vault.Vault, clients ClientFactory, bus *events.EventBus, pageSize int, logger *zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		db:       db,
		vault:    v,
		clients:  clients,
		bus:      bus,
		pageSize: pageSize,
		logger:   logger.With().Str("component", "orchestrator").Logger(),
		running:  make(map[string]*runState),
	}
}

// acquire claims the single active pass for a job id.
func (o *Orchestrator) acquire(jobID string) (*runState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.running[jobID]; ok {
		return nil, false
	}
	st := &runState{}
	o.running[jobID] = st
	return st, true
}

func (o *Orchestrator) release(jobID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, jobID)
}

// CreateJob validates a spec and persists a queued job.
func (o *Orchestrator) CreateJob(ctx context.Context, spec models.JobSpec) (*models.Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	for _, envID := range []int64{spec.SourceEnvID, spec.DestEnvID} {
		if _, err := o.db.GetEnvironmentByID(ctx, envID); err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return nil, fmt.Errorf("%w: environment %d does not exist", ErrValidation, envID)
			}
			return nil, err
		}
	}

	job := &models.Job{
		ID:          uuid.NewString(),
		Name:        spec.Name,
		Status:      models.JobStatusQueued,
		Mode:        spec.Mode,
		SourceEnvID: spec.SourceEnvID,
		DestEnvID:   spec.DestEnvID,
		SourcePath:  spec.SourcePath,
		DestEntity:  spec.DestEntity,
		Mappings:    spec.Mappings,
	}
	if err := o.db.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	o.logger.Info().Str("job_id", job.ID).Str("name", job.Name).Msg("job created")
	return job, nil
}

// RunJob starts a job as a detached background task and returns immediately.
// Only queued and failed jobs may start; a failed job re-runs from scratch.
func (o *Orchestrator) RunJob(ctx context.Context, jobID string) error {
	job, err := o.db.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return err
	}

	st, ok := o.acquire(jobID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobAlreadyRunning, jobID)
	}

	started, err := o.db.MarkJobRunning(ctx, jobID)
	if err != nil {
		o.release(jobID)
		return err
	}
	if !started {
		o.release(jobID)
		if job.Status == models.JobStatusRunning {
			return fmt.Errorf("%w: %s", ErrJobAlreadyRunning, jobID)
		}
		return fmt.Errorf("%w: job in status %q cannot be run", ErrValidation, job.Status)
	}

	o.bus.PublishJobEvent(events.EventJobStarted, events.JobEventPayload{JobID: jobID})

	go o.run(job, st)
	return nil
}

// CancelJob requests cooperative cancellation. In-flight insertions finish;
// nothing new is dispatched. A queued job is cancelled directly.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID string) error {
	o.mu.Lock()
	st, active := o.running[jobID]
	o.mu.Unlock()

	if active {
		st.cancelled.Store(true)
		o.logger.Info().Str("job_id", jobID).Msg("cancellation requested")
		return nil
	}

	job, err := o.db.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return err
	}
	if job.Status != models.JobStatusQueued {
		return fmt.Errorf("%w: job in status %q cannot be cancelled", ErrValidation, job.Status)
	}
	return o.db.FinishJob(ctx, jobID, models.JobStatusCancelled, "")
}

// GetJobWithCounts returns a job with its roll-up counters.
func (o *Orchestrator) GetJobWithCounts(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := o.db.GetJob(ctx, jobID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return job, err
}

// ListJobs returns every job, newest first.
func (o *Orchestrator) ListJobs(ctx context.Context) ([]*models.Job, error) {
	return o.db.ListJobs(ctx)
}

// GetJobRows returns a job's rows, optionally filtered by status.
func (o *Orchestrator) GetJobRows(ctx context.Context, jobID string, status *models.RowStatus) ([]models.Row, error) {
	if _, err := o.db.GetJob(ctx, jobID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, err
	}
	return o.db.ListRowsByJobStatus(ctx, jobID, status)
}

// GetRowAttempts returns the full attempt history for a row.
func (o *Orchestrator) GetRowAttempts(ctx context.Context, rowID int64) ([]models.Attempt, error) {
	if _, err := o.db.GetRow(ctx, rowID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrRowNotFound, rowID)
		}
		return nil, err
	}
	return o.db.ListAttemptsByRow(ctx, rowID)
}

// DeleteJob removes a terminal job together with its rows and attempts.
func (o *Orchestrator) DeleteJob(ctx context.Context, jobID string) error {
	o.mu.Lock()
	_, active := o.running[jobID]
	o.mu.Unlock()
	if active {
		return fmt.Errorf("%w: %s", ErrJobAlreadyRunning, jobID)
	}

	err := o.db.DeleteJob(ctx, jobID)
	if errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return err
}
