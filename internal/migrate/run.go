package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"imigrate/internal/events"
	"imigrate/internal/extract"
	"imigrate/internal/imis"
	"imigrate/internal/metrics"
	"imigrate/internal/models"
	"imigrate/internal/secrets"
	"imigrate/internal/worker"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// runContext bundles everything one pass over a job needs.
type runContext struct {
	job       *models.Job
	destEnv   *models.Environment
	destCli   *imis.Client
	password  string
	pool      *worker.Pool
	st        *runState
	reason    models.AttemptReason
	logger    zerolog.Logger
	identOnce sync.Once

	// dropped counts rows lost before an attempt could be ledgered:
	// serialization, encryption or row persistence failures. Any drop
	// forbids the completed terminal state.
	dropped atomic.Int64
}

// run executes a full job pass on a detached context. Cancellation is
// cooperative through the run state, never through context abortion, so
// in-flight insertions always finish and record their attempt.
func (o *Orchestrator) run(job *models.Job, st *runState) {
	ctx := context.Background()
	logger := o.logger.With().Str("job_id", job.ID).Logger()
	defer o.release(job.ID)

	rc, failMsg := o.preflight(ctx, job, st, logger)
	if failMsg != "" {
		o.finish(ctx, job.ID, models.JobStatusFailed, failMsg, nil, logger)
		return
	}

	srcEnv, err := o.db.GetEnvironmentByID(ctx, job.SourceEnvID)
	if err != nil {
		o.finish(ctx, job.ID, models.JobStatusFailed, fmt.Sprintf("load source environment: %v", err), nil, logger)
		return
	}
	srcCli := o.clients(*srcEnv)

	src, err := extract.NewSource(srcCli, job.Mode, job.SourcePath)
	if err != nil {
		o.finish(ctx, job.ID, models.JobStatusFailed, err.Error(), nil, logger)
		return
	}
	ex := extract.New(src, o.pageSize, srcEnv.Name, &logger)

	if job.Mode == models.JobModeQuery {
		if info, err := srcCli.DescribeQuery(ctx, job.SourcePath); err == nil {
			logger.Info().Str("query", info.Name).Msg("resolved source query")
		} else {
			logger.Warn().Err(err).Msg("could not describe source query")
		}
	}

	first, err := ex.First(ctx)
	if err != nil {
		o.finish(ctx, job.ID, models.JobStatusFailed, err.Error(), nil, logger)
		return
	}

	total, _ := ex.Total()
	if err := o.db.SetJobTotalRows(ctx, job.ID, total); err != nil {
		logger.Error().Err(err).Msg("persisting total row count failed")
	}
	logger.Info().Int("total_rows", total).Msg("extraction started")

	o.processPage(ctx, rc, first)

	g := new(errgroup.Group)
	g.SetLimit(maxInt(srcEnv.QueryConcurrency, 1))
	for _, offset := range ex.RemainingOffsets() {
		if st.cancelled.Load() {
			break
		}
		g.Go(func() error {
			if st.cancelled.Load() {
				return nil
			}
			res := ex.FetchAt(ctx, offset)
			if res.Failed {
				o.bus.PublishJobEvent(events.EventPageFailed, events.JobEventPayload{
					JobID: job.ID, Offset: res.Offset, Error: res.Err.Error(),
				})
				return nil
			}
			o.bus.PublishJobEvent(events.EventPageFetched, events.JobEventPayload{
				JobID: job.ID, Offset: res.Offset,
			})
			o.processPage(ctx, rc, res)
			return nil
		})
	}
	_ = g.Wait()
	rc.pool.Wait()

	failedOffsets := ex.FailedOffsets()
	o.finish(ctx, job.ID, o.terminalStatus(ctx, rc, failedOffsets), "", failedOffsets, logger)
}

// preflight validates everything that must hold before any row moves:
// destination environment, resident password, mapping against the
// destination schema. Returns a failure message when the job cannot start.
func (o *Orchestrator) preflight(ctx context.Context, job *models.Job, st *runState, logger zerolog.Logger) (*runContext, string) {
	destEnv, err := o.db.GetEnvironmentByID(ctx, job.DestEnvID)
	if err != nil {
		return nil, fmt.Sprintf("load destination environment: %v", err)
	}

	password, ok := o.vault.GetPassword(destEnv.ID)
	if !ok {
		return nil, fmt.Sprintf("%v for destination environment %d", imis.ErrMissingCredentials, destEnv.ID)
	}

	destCli := o.clients(*destEnv)

	destProps := make([]string, 0, len(job.Mappings))
	for _, m := range job.Mappings {
		destProps = append(destProps, m.DestProperty)
	}
	if unknown, err := destCli.ValidateMapping(ctx, job.DestEntity, destProps); err != nil {
		if len(unknown) > 0 {
			return nil, fmt.Sprintf("%v: mapping targets unknown properties %v on %s", ErrValidation, unknown, job.DestEntity)
		}
		return nil, fmt.Sprintf("mapping validation against %s failed: %v", job.DestEntity, err)
	}

	return &runContext{
		job:      job,
		destEnv:  destEnv,
		destCli:  destCli,
		password: password,
		pool:     worker.NewPool(maxInt(destEnv.InsertConcurrency, 1)),
		st:       st,
		reason:   models.AttemptReasonInitial,
		logger:   logger,
	}, ""
}

// processPage fans the page's rows out onto the bounded insert pool.
// The cancellation flag is checked between row dispatches: rows already
// submitted complete and record attempts, nothing after them is dispatched.
func (o *Orchestrator) processPage(ctx context.Context, rc *runContext, page *extract.PageResult) {
	for i, fields := range page.Rows {
		if rc.st != nil && rc.st.cancelled.Load() {
			return
		}
		rowIndex := page.Offset + i
		rowFields := fields
		rc.pool.Submit(func() {
			o.insertRow(ctx, rc, rowIndex, rowFields)
		})
	}
}

// insertRow is the per-row pipeline: encrypt and persist the original
// payload, map it, submit it, record the attempt. Every outcome ends in a
// ledger entry; nothing is silently dropped.
func (o *Orchestrator) insertRow(ctx context.Context, rc *runContext, rowIndex int, fields map[string]any) {
	payload, err := json.Marshal(fields)
	if err != nil {
		rc.dropped.Add(1)
		rc.logger.Error().Int("row_index", rowIndex).Err(err).Msg("row payload does not serialize")
		return
	}

	blob, err := secrets.Encrypt(payload, rc.password)
	if err != nil {
		rc.dropped.Add(1)
		rc.logger.Error().Int("row_index", rowIndex).Err(err).Msg("row payload encryption failed")
		return
	}

	row := &models.Row{
		JobID:            rc.job.ID,
		RowIndex:         rowIndex,
		EncryptedPayload: blob,
		Status:           models.RowStatusFailed,
	}
	if err := o.db.CreateRow(ctx, row); err != nil {
		rc.dropped.Add(1)
		rc.logger.Error().Int("row_index", rowIndex).Err(err).Msg("persisting row failed")
		return
	}

	o.attemptInsert(ctx, rc, row, fields)
}

// attemptInsert submits one row to the destination and records the outcome.
func (o *Orchestrator) attemptInsert(ctx context.Context, rc *runContext, row *models.Row, fields map[string]any) {
	mapped := applyMapping(rc.job.Mappings, fields)
	identity, names, err := rc.destCli.InsertEntity(ctx, rc.job.DestEntity, mapped)

	attempt := &models.Attempt{
		RowID:            row.ID,
		Reason:           rc.reason,
		Success:          err == nil,
		IdentityElements: identity,
	}

	status := models.RowStatusSuccess
	if err != nil {
		status = models.RowStatusFailed
		msg := err.Error()
		attempt.ErrorMessage = &msg
		attempt.IdentityElements = ""
		identity = ""
	}

	if dbErr := o.db.InsertAttempt(ctx, attempt); dbErr != nil {
		rc.logger.Error().Int("row_index", row.RowIndex).Err(dbErr).Msg("recording attempt failed")
	}
	if dbErr := o.db.UpdateRowStatus(ctx, row.ID, status, identity); dbErr != nil {
		rc.logger.Error().Int("row_index", row.RowIndex).Err(dbErr).Msg("updating row status failed")
	}
	if dbErr := o.db.UpdateJobCounters(ctx, rc.job.ID); dbErr != nil {
		rc.logger.Error().Err(dbErr).Msg("updating job counters failed")
	}

	if err == nil {
		metrics.IncRowProcessed(rc.destEnv.Name, "success")
		o.bus.PublishJobEvent(events.EventRowInserted, events.JobEventPayload{
			JobID: rc.job.ID, RowIndex: row.RowIndex, Environment: rc.destEnv.Name, Reason: string(rc.reason),
		})
		if len(names) > 0 {
			rc.identOnce.Do(func() {
				if err := o.db.SetJobIdentityFields(ctx, rc.job.ID, names); err != nil {
					rc.logger.Error().Err(err).Msg("recording identity field names failed")
				}
			})
		}
	} else {
		metrics.IncRowProcessed(rc.destEnv.Name, "failed")
		rc.logger.Warn().Int("row_index", row.RowIndex).Err(err).Msg("row insertion failed")
		o.bus.PublishJobEvent(events.EventRowFailed, events.JobEventPayload{
			JobID: rc.job.ID, RowIndex: row.RowIndex, Environment: rc.destEnv.Name,
			Reason: string(rc.reason), Error: err.Error(),
		})
	}
}

// terminalStatus derives the end state once extraction is exhausted and the
// insert pool has drained. Rows dropped before an attempt could be ledgered
// count against completion the same way failed rows and pages do.
func (o *Orchestrator) terminalStatus(ctx context.Context, rc *runContext, failedOffsets []int) models.JobStatus {
	if rc.st.cancelled.Load() {
		return models.JobStatusCancelled
	}

	job, err := o.db.GetJob(ctx, rc.job.ID)
	if err != nil {
		o.logger.Error().Str("job_id", rc.job.ID).Err(err).Msg("reloading job for terminal transition failed")
		return models.JobStatusPartial
	}
	if job.FailedRows > 0 || len(failedOffsets) > 0 || rc.dropped.Load() > 0 {
		return models.JobStatusPartial
	}
	return models.JobStatusCompleted
}

func (o *Orchestrator) finish(ctx context.Context, jobID string, status models.JobStatus, errorMessage string, failedOffsets []int, logger zerolog.Logger) {
	if len(failedOffsets) > 0 {
		if err := o.db.SetJobFailedOffsets(ctx, jobID, failedOffsets); err != nil {
			logger.Error().Err(err).Msg("persisting failed offsets failed")
		}
	}
	if err := o.db.FinishJob(ctx, jobID, status, errorMessage); err != nil {
		logger.Error().Err(err).Msg("finishing job failed")
		return
	}

	metrics.IncJobFinished(string(status))
	o.bus.PublishJobEvent(events.EventJobFinished, events.JobEventPayload{
		JobID: jobID, Status: string(status), Error: errorMessage,
	})
	logger.Info().Str("status", string(status)).Msg("job finished")
}

// applyMapping projects a source row onto destination properties. Missing
// source fields map to null so the destination decides how to treat them.
func applyMapping(mappings []models.FieldMapping, fields map[string]any) map[string]any {
	mapped := make(map[string]any, len(mappings))
	for _, m := range mappings {
		mapped[m.DestProperty] = fields[m.SourceField]
	}
	return mapped
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
