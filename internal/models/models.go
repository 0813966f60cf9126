package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Environment is one configured connection to an iMIS installation.
// The execution core treats environments as read-only.
type Environment struct {
	ID                int64      `json:"id" yaml:"id"`
	Name              string     `json:"name" yaml:"name"`
	BaseURL           string     `json:"base_url" yaml:"base_url"`
	Username          string     `json:"username" yaml:"username"`
	APIVersion        APIVersion `json:"api_version" yaml:"api_version"`
	QueryConcurrency  int        `json:"query_concurrency" yaml:"query_concurrency"`
	InsertConcurrency int        `json:"insert_concurrency" yaml:"insert_concurrency"`
	CreatedAt         time.Time  `json:"created_at" yaml:"-"`
	UpdatedAt         time.Time  `json:"updated_at" yaml:"-"`
}

// FieldMapping maps one source column onto a destination entity property.
type FieldMapping struct {
	SourceField  string `json:"source_field" yaml:"source_field"`
	DestProperty string `json:"dest_property" yaml:"dest_property"`
}

// Job is a single migration run between two environments.
type Job struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	Status             JobStatus      `json:"status"`
	Mode               JobMode        `json:"mode"`
	SourceEnvID        int64          `json:"source_env_id"`
	DestEnvID          int64          `json:"dest_env_id"`
	SourcePath         string         `json:"source_path"`
	DestEntity         string         `json:"dest_entity"`
	Mappings           []FieldMapping `json:"mappings"`
	TotalRows          *int           `json:"total_rows,omitempty"`
	ProcessedRows      int            `json:"processed_rows"`
	SucceededRows      int            `json:"succeeded_rows"`
	FailedRows         int            `json:"failed_rows"`
	FailedOffsets      []int          `json:"failed_offsets"`
	IdentityFieldNames []string       `json:"identity_field_names"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage       string         `json:"error_message,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// IsTerminal reports whether the job can never transition again.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusPartial, JobStatusCancelled:
		return true
	}
	return false
}

// Row is one extracted source row and its latest insertion outcome.
// EncryptedPayload holds the raw pre-mapping field values, never plaintext.
type Row struct {
	ID               int64     `json:"id"`
	JobID            string    `json:"job_id"`
	RowIndex         int       `json:"row_index"`
	EncryptedPayload string    `json:"-"`
	Status           RowStatus `json:"status"`
	IdentityElements string    `json:"identity_elements,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Attempt is one insertion attempt for a row. Append-only.
type Attempt struct {
	ID               int64         `json:"id"`
	RowID            int64         `json:"row_id"`
	Reason           AttemptReason `json:"reason"`
	Success          bool          `json:"success"`
	ErrorMessage     *string       `json:"error_message,omitempty"`
	IdentityElements string        `json:"identity_elements,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

// JobSpec is the caller-supplied description of a new job.
type JobSpec struct {
	Name        string         `json:"name"`
	Mode        JobMode        `json:"mode"`
	SourceEnvID int64          `json:"source_env_id"`
	DestEnvID   int64          `json:"dest_env_id"`
	SourcePath  string         `json:"source_path"`
	DestEntity  string         `json:"dest_entity"`
	Mappings    []FieldMapping `json:"mappings"`
}

// Validate checks a spec before a job record is created.
func (s *JobSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("job name is required")
	}
	if s.Mode != JobModeQuery && s.Mode != JobModeDatasource {
		return fmt.Errorf("unknown job mode: %q", s.Mode)
	}
	if s.SourceEnvID == 0 || s.DestEnvID == 0 {
		return fmt.Errorf("source and destination environments are required")
	}
	if strings.TrimSpace(s.SourcePath) == "" {
		return fmt.Errorf("source path is required")
	}
	if strings.TrimSpace(s.DestEntity) == "" {
		return fmt.Errorf("destination entity is required")
	}
	if len(s.Mappings) == 0 {
		return fmt.Errorf("at least one field mapping is required")
	}
	seen := make(map[string]bool, len(s.Mappings))
	for _, m := range s.Mappings {
		if m.SourceField == "" || m.DestProperty == "" {
			return fmt.Errorf("mapping must set both source_field and dest_property")
		}
		if seen[m.DestProperty] {
			return fmt.Errorf("duplicate destination property: %s", m.DestProperty)
		}
		seen[m.DestProperty] = true
	}
	return nil
}

// EncodeJSON serializes a value for storage in a TEXT column.
func EncodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	return string(data), nil
}

// DecodeMappings parses a stored mapping list.
func DecodeMappings(raw string) ([]FieldMapping, error) {
	if raw == "" {
		return nil, nil
	}
	var mappings []FieldMapping
	if err := json.Unmarshal([]byte(raw), &mappings); err != nil {
		return nil, fmt.Errorf("decode mappings: %w", err)
	}
	return mappings, nil
}

// DecodeIntSlice parses a stored offset list.
func DecodeIntSlice(raw string) ([]int, error) {
	if raw == "" {
		return nil, nil
	}
	var vals []int
	if err := json.Unmarshal([]byte(raw), &vals); err != nil {
		return nil, fmt.Errorf("decode int list: %w", err)
	}
	return vals, nil
}

// DecodeStringSlice parses a stored string list.
func DecodeStringSlice(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var vals []string
	if err := json.Unmarshal([]byte(raw), &vals); err != nil {
		return nil, fmt.Errorf("decode string list: %w", err)
	}
	return vals, nil
}
