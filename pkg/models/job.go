package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Job tracks one part-analysis request through the pipeline. The API returns
// a job_id on POST /api/v1/jobs; the client either subscribes on the progress
// websocket or polls GET /api/v1/jobs/{job_id} until status is terminal.
type Job struct {
	ID              uuid.UUID  `db:"id"               json:"id"`
	OwnerID         uuid.UUID  `db:"owner_id"         json:"owner_id"`
	Keyword         string     `db:"keyword"          json:"keyword"`
	ImageRef        string     `db:"image_ref"        json:"image_ref,omitempty"`
	Stage           string     `db:"stage"            json:"stage"`
	ProgressPercent int        `db:"progress_percent" json:"progress_percent"`
	Status          string     `db:"status"           json:"status"`
	Attempts        int        `db:"attempts"         json:"attempts"`
	ErrorDetail     *string    `db:"error_detail"     json:"error_detail,omitempty"`
	ResultRef       *string    `db:"result_ref"       json:"result_ref,omitempty"`
	CreditTxnID     *uuid.UUID `db:"credit_txn_id"    json:"credit_txn_id,omitempty"`
	CreatedAt       time.Time  `db:"created_at"       json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"       json:"updated_at"`
	CompletedAt     *time.Time `db:"completed_at"     json:"completed_at,omitempty"`
}

// Terminal reports whether the job has reached a final status.
func (j *Job) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}
