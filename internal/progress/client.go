package progress

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/partscout/partscout/internal/pipeline"
	"github.com/partscout/partscout/pkg/models"
)

// ClientOptions tunes the subscribing side of the progress channel. The
// reconnect budget and backoff are independent of the server-side pipeline
// retry settings.
type ClientOptions struct {
	URL              string
	Token            string
	MaxReconnects    int
	InitialBackoff   time.Duration
	HeartbeatTimeout time.Duration
	Dialer           *websocket.Dialer
}

// Client subscribes to a job's progress stream and transparently reconnects
// across transient connection loss. Each Subscribe call owns its own
// connection and state; nothing is shared between subscriptions.
type Client struct {
	opts ClientOptions
}

// NewClient creates a progress client. Zero option fields get defaults.
func NewClient(opts ClientOptions) *Client {
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = 3
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 60 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{opts: opts}
}

// Subscribe opens the progress stream for a job. The returned channel yields
// updates in non-decreasing stage order and is closed after exactly one
// terminal update: either the job's own terminal state, or a synthetic
// connection-error update once the reconnect budget is exhausted. Cancelling
// ctx stops delivery without affecting the job.
func (c *Client) Subscribe(ctx context.Context, jobID uuid.UUID) <-chan models.ProgressUpdate {
	out := make(chan models.ProgressUpdate, subscriberBuffer)
	go c.run(ctx, jobID, out)
	return out
}

func (c *Client) run(ctx context.Context, jobID uuid.UUID, out chan<- models.ProgressUpdate) {
	defer close(out)

	// The same subscribe payload, token included, is re-sent on every
	// reconnect attempt.
	req := SubscribeRequest{JobID: jobID, Token: uuid.NewString()}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.InitialBackoff
	bo.MaxInterval = 30 * time.Second
	bo.Reset()

	lastStage := -1
	reconnects := 0

	for {
		done, err := c.attempt(ctx, req, &lastStage, out)
		if done || ctx.Err() != nil {
			return
		}

		if err != nil {
			reconnects++
			if reconnects > c.opts.MaxReconnects {
				c.emitConnectionError(ctx, jobID, out)
				return
			}
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return
			}
		}
	}
}

// attempt runs one connection lifecycle. done=true means the stream finished
// cleanly (terminal update forwarded or ctx cancelled); a non-nil error means
// the connection was lost abnormally and a reconnect may be attempted.
func (c *Client) attempt(ctx context.Context, req SubscribeRequest, lastStage *int, out chan<- models.ProgressUpdate) (bool, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	// ReadJSON below knows nothing about ctx, and server pings keep the read
	// deadline fresh; closing the connection is the only way to unblock it
	// when the subscription is cancelled.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(req); err != nil {
		return false, err
	}

	conn.SetReadDeadline(time.Now().Add(c.opts.HeartbeatTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(c.opts.HeartbeatTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		var update models.ProgressUpdate
		if err := conn.ReadJSON(&update); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				// Normal closure only follows the terminal frame.
				return true, nil
			}
			if ctx.Err() != nil {
				return true, nil
			}
			return false, err
		}
		conn.SetReadDeadline(time.Now().Add(c.opts.HeartbeatTimeout))

		// A reconnect snapshot can repeat the stage we already saw; never
		// deliver a stage that moves backward.
		idx := pipeline.StageIndex(update.Stage)
		if !update.Terminal() && idx >= 0 && idx < *lastStage {
			continue
		}
		if idx > *lastStage {
			*lastStage = idx
		}

		select {
		case out <- update:
		case <-ctx.Done():
			return true, nil
		}
		if update.Terminal() {
			return true, nil
		}
	}
}

func (c *Client) emitConnectionError(ctx context.Context, jobID uuid.UUID, out chan<- models.ProgressUpdate) {
	update := models.ProgressUpdate{
		JobID:           jobID,
		Status:          models.ProgressError,
		Message:         "progress connection lost",
		Timestamp:       time.Now().UTC(),
		ConnectionError: true,
	}
	select {
	case out <- update:
	case <-ctx.Done():
	}
}
