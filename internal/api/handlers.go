package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"imigrate/internal/database"
	"imigrate/internal/imis"
	"imigrate/internal/migrate"
	"imigrate/internal/models"
)

func (s *HTTPServer) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	envs, err := s.db.ListEnvironments(r.Context())
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	type envView struct {
		models.Environment
		HasPassword bool `json:"has_password"`
	}
	views := make([]envView, 0, len(envs))
	for _, env := range envs {
		_, has := s.vault.GetPassword(env.ID)
		views = append(views, envView{Environment: env, HasPassword: has})
	}
	writeJSON(w, http.StatusOK, map[string]any{"environments": views})
}

func (s *HTTPServer) handleSetEnvironmentPassword(w http.ResponseWriter, r *http.Request) {
	envID, ok := pathID(w, r)
	if !ok {
		return
	}

	var body struct {
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Password == "" {
		writeError(w, http.StatusBadRequest, "password is required")
		return
	}

	if _, err := s.db.GetEnvironmentByID(r.Context(), envID); err != nil {
		s.writeMappedError(w, err)
		return
	}
	if err := s.vault.SetPassword(r.Context(), envID, body.Password); err != nil {
		s.writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePingEnvironment acquires a token against the environment to prove
// both the credentials and the base URL before any job runs.
func (s *HTTPServer) handlePingEnvironment(w http.ResponseWriter, r *http.Request) {
	envID, ok := pathID(w, r)
	if !ok {
		return
	}

	env, err := s.db.GetEnvironmentByID(r.Context(), envID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}

	if err := s.clients(*env).Ping(r.Context()); err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "environment": env.Name})
}

func (s *HTTPServer) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var spec models.JobSpec
	if err := decodeBody(r, &spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	job, err := s.orch.CreateJob(r.Context(), spec)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *HTTPServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.orch.ListJobs(r.Context())
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *HTTPServer) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.GetJobWithCounts(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *HTTPServer) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.DeleteJob(r.Context(), r.PathValue("id")); err != nil {
		s.writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleRunJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if err := s.orch.RunJob(r.Context(), jobID); err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "running"})
}

func (s *HTTPServer) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if err := s.orch.CancelJob(r.Context(), jobID); err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "cancelling"})
}

func (s *HTTPServer) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	retried, err := s.orch.RetryFailedRows(r.Context(), jobID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "retried_rows": retried})
}

func (s *HTTPServer) handleGetJobRows(w http.ResponseWriter, r *http.Request) {
	var status *models.RowStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := models.RowStatus(raw)
		if st != models.RowStatusSuccess && st != models.RowStatusFailed {
			writeError(w, http.StatusBadRequest, "status must be success or failed")
			return
		}
		status = &st
	}

	rows, err := s.orch.GetJobRows(r.Context(), r.PathValue("id"), status)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

func (s *HTTPServer) handleJobReport(w http.ResponseWriter, r *http.Request) {
	path, err := s.reporter.JobReport(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	http.ServeFile(w, r, path)
}

func (s *HTTPServer) handleGetRowAttempts(w http.ResponseWriter, r *http.Request) {
	rowID, ok := pathID(w, r)
	if !ok {
		return
	}

	attempts, err := s.orch.GetRowAttempts(r.Context(), rowID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}

func (s *HTTPServer) handleRetryRow(w http.ResponseWriter, r *http.Request) {
	rowID, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := s.orch.RetrySingleRow(r.Context(), rowID); err != nil {
		s.writeMappedError(w, err)
		return
	}

	row, err := s.db.GetRow(r.Context(), rowID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// writeMappedError translates domain errors into HTTP statuses. Anything
// unrecognized is a 500 with a generic message; details go to the log only.
func (s *HTTPServer) writeMappedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, migrate.ErrJobNotFound),
		errors.Is(err, migrate.ErrRowNotFound),
		errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, migrate.ErrJobAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, migrate.ErrValidation),
		errors.Is(err, imis.ErrMissingCredentials):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, imis.ErrAuthenticationFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		var respErr *imis.ResponseError
		if errors.As(err, &respErr) {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		var reqErr *imis.RequestError
		if errors.As(err, &reqErr) {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		s.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}
