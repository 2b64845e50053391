package pipeline

import (
	"context"

	"github.com/google/uuid"
)

// RunRequest is the input handed to the external pipeline.
type RunRequest struct {
	JobID    uuid.UUID `json:"job_id"`
	Keyword  string    `json:"keyword"`
	ImageRef string    `json:"image_ref,omitempty"`
}

// StageEvent is one event from the external pipeline stream. Intermediate
// events carry the stage that just finished; the stream ends with exactly one
// final event carrying either a result_ref or an error.
type StageEvent struct {
	Stage     string `json:"stage"`
	Message   string `json:"message,omitempty"`
	Final     bool   `json:"final,omitempty"`
	ResultRef string `json:"result_ref,omitempty"`
	Error     string `json:"error,omitempty"`
	Transient bool   `json:"transient,omitempty"`
}

// Failed reports whether this event carries a pipeline failure.
func (e StageEvent) Failed() bool {
	return e.Error != ""
}

// Invoker runs the external multi-stage AI pipeline. Implementations must
// close the returned channel after delivering the final event, and must stop
// producing when ctx is cancelled. What happens inside each stage is opaque
// to this service.
type Invoker interface {
	Run(ctx context.Context, req RunRequest) (<-chan StageEvent, error)
	Ready(ctx context.Context) error
}
