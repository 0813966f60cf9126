package models

import "time"

// APIVersion selects which generation of the remote API an environment speaks.
type APIVersion string

const (
	APIVersionV1 APIVersion = "V1"
	APIVersionV2 APIVersion = "V2"
)

// JobStatus is the orchestrator state machine value.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusPartial   JobStatus = "partial"
	JobStatusCancelled JobStatus = "cancelled"
)

// JobMode selects the extraction source kind.
type JobMode string

const (
	// JobModeQuery extracts from a saved IQA query.
	JobModeQuery JobMode = "query"
	// JobModeDatasource extracts from a raw business-object feed.
	JobModeDatasource JobMode = "datasource"
)

// RowStatus is denormalized from the newest attempt for the row.
type RowStatus string

const (
	RowStatusSuccess RowStatus = "success"
	RowStatusFailed  RowStatus = "failed"
)

// AttemptReason records which pass produced an attempt.
type AttemptReason string

const (
	AttemptReasonInitial     AttemptReason = "initial"
	AttemptReasonAutoRetry   AttemptReason = "auto_retry"
	AttemptReasonManualRetry AttemptReason = "manual_retry"
)

const (
	// MaxPageSize caps a single extraction page.
	MaxPageSize = 500

	// DefaultQueryConcurrency bounds concurrent page fetches per environment.
	DefaultQueryConcurrency = 2

	// DefaultInsertConcurrency bounds concurrent insert requests per environment.
	DefaultInsertConcurrency = 4

	// DefaultTokenTTL is assumed when the remote omits expires_in.
	DefaultTokenTTL = 55 * time.Minute
)
