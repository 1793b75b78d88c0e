package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"genengine/internal/domain"
	"genengine/internal/engine"
	"genengine/internal/middleware"
)

const maxSubmitBody = 64 << 10

type videoGenerateRequest struct {
	Model           string            `json:"model"`
	Prompt          string            `json:"prompt"`
	DurationSeconds int               `json:"duration_seconds"`
	BatchSize       int               `json:"batch_size"`
	Params          map[string]string `json:"params"`
}

type acceptedResponse struct {
	BatchID       string   `json:"batch_id"`
	JobIDs        []string `json:"job_ids"`
	Status        string   `json:"status"`
	PointsCharged int64    `json:"points_charged"`
	Balance       int64    `json:"balance"`
}

type jobDTO struct {
	ID                    string            `json:"id"`
	BatchID               string            `json:"batch_id"`
	Model                 string            `json:"model"`
	Prompt                string            `json:"prompt"`
	DurationSeconds       int               `json:"duration_seconds"`
	Params                map[string]string `json:"params,omitempty"`
	Status                domain.JobStatus  `json:"status"`
	ModerationStatus      string            `json:"moderation_status"`
	PointsCost            int64             `json:"points_cost"`
	RetryCount            int               `json:"retry_count"`
	ResultURL             string            `json:"result_url,omitempty"`
	ErrorMessage          string            `json:"error_message,omitempty"`
	Refunded              bool              `json:"refunded"`
	RefundAmount          int64             `json:"refund_amount,omitempty"`
	RefundReason          string            `json:"refund_reason,omitempty"`
	ProcessingStartedAt   *time.Time        `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time        `json:"processing_completed_at,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

func toJobDTO(j *domain.Job) jobDTO {
	return jobDTO{
		ID:                    j.ID,
		BatchID:               j.BatchID,
		Model:                 j.Model,
		Prompt:                j.Prompt,
		DurationSeconds:       j.DurationSeconds,
		Params:                j.Params,
		Status:                j.Status,
		ModerationStatus:      string(j.ModerationStatus),
		PointsCost:            j.PointsCost,
		RetryCount:            j.RetryCount,
		ResultURL:             j.ResultURL,
		ErrorMessage:          j.ErrorMessage,
		Refunded:              j.Refunded,
		RefundAmount:          j.RefundAmount,
		RefundReason:          j.RefundReason,
		ProcessingStartedAt:   j.ProcessingStartedAt,
		ProcessingCompletedAt: j.ProcessingCompletedAt,
		CreatedAt:             j.CreatedAt,
		UpdatedAt:             j.UpdatedAt,
	}
}

func (a *App) VideosGenerate(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req videoGenerateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if req.BatchSize < 0 || req.DurationSeconds < 0 {
		a.error(w, http.StatusBadRequest, "bad_request", "batch_size and duration_seconds must not be negative")
		return
	}

	params := make(map[string]string, len(req.Params)+2)
	for k, v := range req.Params {
		params[k] = v
	}
	if country := middleware.CountryFromContext(r.Context()); country != "" {
		params["origin_country"] = country
	}
	params["locale"] = middleware.LocaleFromContext(r.Context())

	accepted, err := a.Engine.Submit(r.Context(), engine.SubmitRequest{
		UserID:          userID,
		Email:           middleware.EmailFromContext(r.Context()),
		Model:           req.Model,
		Prompt:          req.Prompt,
		DurationSeconds: req.DurationSeconds,
		BatchSize:       req.BatchSize,
		Params:          params,
	})
	if err != nil {
		a.engineError(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, acceptedResponse{
		BatchID:       accepted.BatchID,
		JobIDs:        accepted.JobIDs,
		Status:        string(domain.JobStatusPending),
		PointsCharged: accepted.PointsCharged,
		Balance:       accepted.Balance,
	})
}

func (a *App) VideoStatus(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return
	}
	job, err := a.Engine.GetJob(r.Context(), userID, jobID)
	if err != nil {
		a.engineError(w, r, err)
		return
	}
	a.json(w, http.StatusOK, toJobDTO(job))
}

func (a *App) VideosList(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	status := domain.JobStatus(r.URL.Query().Get("status"))
	switch status {
	case "", domain.JobStatusPending, domain.JobStatusProcessing, domain.JobStatusCompleted, domain.JobStatusFailed:
	default:
		a.error(w, http.StatusBadRequest, "bad_request", "unknown status filter")
		return
	}
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "limit must be a number")
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "offset must be a number")
		return
	}

	jobs, err := a.Engine.ListJobs(r.Context(), userID, status, limit, offset)
	if err != nil {
		a.engineError(w, r, err)
		return
	}
	items := make([]jobDTO, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, toJobDTO(j))
	}
	a.json(w, http.StatusOK, map[string]any{"items": items, "limit": limit, "offset": offset})
}
