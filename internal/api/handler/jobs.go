package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/partscout/partscout/internal/api/middleware"
	"github.com/partscout/partscout/internal/api/response"
	"github.com/partscout/partscout/internal/cache"
	"github.com/partscout/partscout/internal/orchestrator"
	"github.com/partscout/partscout/internal/store"
	"github.com/partscout/partscout/pkg/models"
)

const maxKeywordLen = 200

// snapshotReadTTL is how long a read-through job snapshot stays cached.
const snapshotReadTTL = 30 * time.Minute

// JobTrigger starts a job and returns it without waiting for the pipeline.
type JobTrigger interface {
	TriggerJob(ctx context.Context, ownerID uuid.UUID, keyword, imageRef string) (*models.Job, error)
}

// NewCreateJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
// Accepted jobs come back with 202; owners without credit get a 402 and the
// failed job's id in the error details.
func NewCreateJobHandler(svc JobTrigger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := mw.GetAccountID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing account", nil)
			return
		}

		var req struct {
			Keyword  string `json:"keyword"`
			ImageRef string `json:"image_ref"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		req.Keyword = strings.TrimSpace(req.Keyword)
		if req.Keyword == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "keyword is required", nil)
			return
		}
		if len(req.Keyword) > maxKeywordLen {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"keyword must be at most 200 characters", nil)
			return
		}

		job, err := svc.TriggerJob(r.Context(), accountID, req.Keyword, req.ImageRef)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to create job", nil)
			return
		}

		if job.Status == models.JobStatusFailed && job.ErrorDetail != nil &&
			*job.ErrorDetail == orchestrator.ErrorInsufficientCredit {
			response.Error(w, http.StatusPaymentRequired, "INSUFFICIENT_CREDIT",
				"Not enough credit to run this job", map[string]string{"job_id": job.ID.String()})
			return
		}

		response.Accepted(w, job)
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
// It serves the cached snapshot when present so polling stays consistent with
// the progress stream without hitting Postgres per poll.
func NewGetJobHandler(st store.Store, ca cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := mw.GetAccountID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing account", nil)
			return
		}

		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job id", nil)
			return
		}

		if job, found, _ := ca.GetJobSnapshot(r.Context(), jobID); found {
			if job.OwnerID != accountID {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
				return
			}
			response.JSON(w, job)
			return
		}

		job, err := st.GetJob(r.Context(), jobID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load job", nil)
			return
		}
		if job.OwnerID != accountID {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
			return
		}

		_ = ca.SetJobSnapshot(r.Context(), job, snapshotReadTTL)
		response.JSON(w, job)
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
func NewListJobsHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := mw.GetAccountID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing account", nil)
			return
		}

		page, limit := parsePagination(r)

		status := r.URL.Query().Get("status")
		switch status {
		case "", models.JobStatusPending, models.JobStatusRunning,
			models.JobStatusCompleted, models.JobStatusFailed:
		default:
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"status must be one of pending, running, completed, failed", nil)
			return
		}

		jobs, total, err := st.ListJobsForOwner(r.Context(), store.JobFilter{
			OwnerID: accountID,
			Status:  status,
			Page:    page,
			Limit:   limit,
		})
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to list jobs", nil)
			return
		}
		if jobs == nil {
			jobs = []*models.Job{}
		}

		response.Collection(w, jobs, response.PaginationMeta{
			Page:    page,
			Limit:   limit,
			Total:   total,
			HasNext: page*limit < total,
		})
	}
}

func parsePagination(r *http.Request) (page, limit int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	if page <= 0 {
		page = 1
	}
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return page, limit
}
