package models

import (
	"time"

	"github.com/google/uuid"
)

// Progress update statuses carried on the websocket.
const (
	ProgressInProgress = "in_progress"
	ProgressCompleted  = "completed"
	ProgressError      = "error"
)

// ProgressUpdate is one stage-transition message for a job. It is not
// persisted as its own entity; the jobs row always reflects the latest one.
type ProgressUpdate struct {
	JobID           uuid.UUID `json:"job_id"`
	Stage           string    `json:"stage"`
	Message         string    `json:"message"`
	Status          string    `json:"status"`
	ProgressPercent int       `json:"progress_percent"`
	ResultRef       string    `json:"result_ref,omitempty"`
	Timestamp       time.Time `json:"timestamp"`

	// ConnectionError marks a channel-level failure surfaced by the
	// subscribing client, as opposed to a job-level failure reported by the
	// server. Never set on the wire.
	ConnectionError bool `json:"-"`
}

// Terminal reports whether this update closes the stream for its job.
func (u ProgressUpdate) Terminal() bool {
	return u.Status == ProgressCompleted || u.Status == ProgressError
}
