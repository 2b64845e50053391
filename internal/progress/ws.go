package progress

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/partscout/partscout/internal/pipeline"
	"github.com/partscout/partscout/internal/store"
	"github.com/partscout/partscout/pkg/models"
)

// SubscribeRequest is the first frame a client sends after connecting. The
// token lets the server treat a reconnect of the same subscription as the
// original rather than a new consumer.
type SubscribeRequest struct {
	JobID uuid.UUID `json:"job_id"`
	Token string    `json:"token,omitempty"`
}

// JobSource is the slice of the store the websocket handler needs.
type JobSource interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

// OwnerFunc extracts the authenticated account from the request; updates are
// only streamed to the job's owner.
type OwnerFunc func(r *http.Request) (uuid.UUID, bool)

// Handler serves the progress websocket endpoint.
type Handler struct {
	hub       *Hub
	jobs      JobSource
	owner     OwnerFunc
	heartbeat time.Duration
	upgrader  websocket.Upgrader
}

// NewHandler creates a progress websocket handler. heartbeat is the server
// ping interval; a connection missing two consecutive pongs is dropped.
func NewHandler(hub *Hub, jobs JobSource, owner OwnerFunc, heartbeat time.Duration) *Handler {
	return &Handler{
		hub:       hub,
		jobs:      jobs,
		owner:     owner,
		heartbeat: heartbeat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

const (
	subscribeWait = 10 * time.Second
	writeWait     = 5 * time.Second
)

// ServeHTTP upgrades the connection, reads the subscribe frame, replays the
// job's current persisted state, and then forwards live updates until the
// terminal one, after which the channel is closed normally. Closing from the
// client side stops delivery only; the job keeps running.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(subscribeWait))
	var req SubscribeRequest
	if err := conn.ReadJSON(&req); err != nil {
		h.closeWith(conn, websocket.ClosePolicyViolation, "expected subscribe frame")
		return
	}

	job, err := h.jobs.GetJob(r.Context(), req.JobID)
	if errors.Is(err, store.ErrNotFound) {
		h.closeWith(conn, websocket.ClosePolicyViolation, "job not found")
		return
	}
	if err != nil {
		h.closeWith(conn, websocket.CloseInternalServerErr, "failed to load job")
		return
	}
	if job.OwnerID != ownerID {
		h.closeWith(conn, websocket.ClosePolicyViolation, "job not found")
		return
	}

	// Live-state projection, not an append log: the snapshot is the only
	// catch-up a reconnecting client gets.
	snapshot := SnapshotUpdate(job)
	if err := h.writeUpdate(conn, snapshot); err != nil {
		return
	}
	if snapshot.Terminal() {
		h.closeWith(conn, websocket.CloseNormalClosure, "")
		return
	}

	ch := h.hub.Subscribe(job.ID)
	defer h.hub.Unsubscribe(job.ID, ch)

	// The job may have reached a terminal state between the snapshot read and
	// the subscription, in which case the hub already closed and forgot that
	// job's stream. Re-check the store so the terminal frame is never lost.
	current, err := h.jobs.GetJob(r.Context(), req.JobID)
	if err == nil && current.Terminal() {
		if err := h.writeUpdate(conn, SnapshotUpdate(current)); err != nil {
			return
		}
		h.closeWith(conn, websocket.CloseNormalClosure, "")
		return
	}

	// Reader goroutine: consumes pongs and surfaces client-side close.
	readerDone := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(2 * h.heartbeat))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * h.heartbeat))
	})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pings := time.NewTicker(h.heartbeat)
	defer pings.Stop()

	for {
		select {
		case update, open := <-ch:
			if !open {
				// Hub closed the stream; the terminal update was either the
				// last value received or is visible in the store snapshot.
				h.closeWith(conn, websocket.CloseNormalClosure, "")
				return
			}
			if err := h.writeUpdate(conn, update); err != nil {
				return
			}
			if update.Terminal() {
				h.closeWith(conn, websocket.CloseNormalClosure, "")
				return
			}
		case <-pings.C:
			deadline := time.Now().Add(writeWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-readerDone:
			// Client went away; the job keeps running server-side.
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handler) writeUpdate(conn *websocket.Conn, update models.ProgressUpdate) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(update); err != nil {
		slog.Debug("progress write failed", "job_id", update.JobID, "error", err)
		return err
	}
	return nil
}

func (h *Handler) closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
}

// SnapshotUpdate projects a persisted job onto the update message a live
// subscriber would have received for its current state.
func SnapshotUpdate(job *models.Job) models.ProgressUpdate {
	update := models.ProgressUpdate{
		JobID:           job.ID,
		Stage:           job.Stage,
		Message:         pipeline.StageLabel(job.Stage),
		Status:          models.ProgressInProgress,
		ProgressPercent: job.ProgressPercent,
		Timestamp:       job.UpdatedAt,
	}
	switch job.Status {
	case models.JobStatusCompleted:
		update.Status = models.ProgressCompleted
		if job.ResultRef != nil {
			update.ResultRef = *job.ResultRef
		}
	case models.JobStatusFailed:
		update.Status = models.ProgressError
		update.Stage = pipeline.StageFailed
		if job.ErrorDetail != nil {
			update.Message = *job.ErrorDetail
		}
	}
	return update
}
