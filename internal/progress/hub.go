package progress

import (
	"sync"

	"github.com/google/uuid"
	"github.com/partscout/partscout/pkg/models"
)

const subscriberBuffer = 64

// Hub fans stage updates out to the subscribers of each job. Sends never
// block: a slow subscriber drops updates and recovers the current state on
// reconnect, so a stalled connection cannot stall job execution.
type Hub struct {
	mu   sync.RWMutex
	subs map[uuid.UUID][]chan models.ProgressUpdate
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uuid.UUID][]chan models.ProgressUpdate)}
}

// Subscribe registers a buffered channel for a job's updates. The channel is
// closed after the terminal update is delivered, or on Unsubscribe.
func (h *Hub) Subscribe(jobID uuid.UUID) chan models.ProgressUpdate {
	ch := make(chan models.ProgressUpdate, subscriberBuffer)
	h.mu.Lock()
	h.subs[jobID] = append(h.subs[jobID], ch)
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes a channel from a job's subscriber list. Safe to call
// after the hub has already closed the channel.
func (h *Hub) Unsubscribe(jobID uuid.UUID, ch chan models.ProgressUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()

	chans := h.subs[jobID]
	for i, c := range chans {
		if c == ch {
			h.subs[jobID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(h.subs[jobID]) == 0 {
		delete(h.subs, jobID)
	}
}

// Publish delivers an update to all subscribers of its job without blocking.
// A terminal update also closes and forgets every subscriber channel, so the
// stream carries exactly one terminal message.
func (h *Hub) Publish(update models.ProgressUpdate) {
	if update.Terminal() {
		h.mu.Lock()
		chans := h.subs[update.JobID]
		delete(h.subs, update.JobID)
		h.mu.Unlock()

		for _, ch := range chans {
			select {
			case ch <- update:
			default:
			}
			close(ch)
		}
		return
	}

	h.mu.RLock()
	chans := h.subs[update.JobID]
	h.mu.RUnlock()

	for _, ch := range chans {
		select {
		case ch <- update:
		default:
		}
	}
}

// Subscribers reports the number of active subscriptions for a job.
func (h *Hub) Subscribers(jobID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}
