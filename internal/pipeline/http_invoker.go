package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Sentinel errors for pipeline invocation failures.
var (
	ErrPipelineUnreachable = errors.New("pipeline unreachable")
	ErrPipelineRejected    = errors.New("pipeline rejected request")
	ErrPipelineTimeout     = errors.New("pipeline timeout")
)

// HTTPInvoker implements Invoker against the pipeline's HTTP API. The run
// endpoint responds with a newline-delimited JSON stream of StageEvents.
type HTTPInvoker struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPInvoker creates a new pipeline HTTP client. The timeout bounds the
// whole run, including the streamed response body.
func NewHTTPInvoker(baseURL, apiKey string, timeout time.Duration) *HTTPInvoker {
	return &HTTPInvoker{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Ready checks that the pipeline service is reachable.
func (c *HTTPInvoker) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/ready", nil)
	if err != nil {
		return fmt.Errorf("build ready request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPipelineUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: ready returned %d", ErrPipelineUnreachable, resp.StatusCode)
	}
	return nil
}

// Run starts a pipeline run and streams its stage events. The channel is
// closed after the final event. If the stream ends without one, a synthetic
// transient failure event is delivered so callers always observe a terminal
// event.
func (c *HTTPInvoker) Run(ctx context.Context, runReq RunRequest) (<-chan StageEvent, error) {
	body, err := json.Marshal(runReq)
	if err != nil {
		return nil, fmt.Errorf("encode run request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/analyses", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build run request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrPipelineTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrPipelineUnreachable, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: %s", ErrPipelineUnreachable, apiErr.Error)
		}
		return nil, fmt.Errorf("%w: %s", ErrPipelineRejected, apiErr.Error)
	}

	events := make(chan StageEvent)
	go c.stream(ctx, resp, events)
	return events, nil
}

func (c *HTTPInvoker) stream(ctx context.Context, resp *http.Response, events chan<- StageEvent) {
	defer close(events)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	sawFinal := false
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev StageEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			// Malformed frame: the stream is unusable past this point.
			break
		}
		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}
		if ev.Final {
			sawFinal = true
			break
		}
	}

	if sawFinal {
		return
	}

	detail := "pipeline stream ended unexpectedly"
	if err := scanner.Err(); err != nil {
		if isTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
			detail = "pipeline run timed out"
		} else {
			detail = fmt.Sprintf("pipeline stream error: %v", err)
		}
	}
	select {
	case events <- StageEvent{Final: true, Error: detail, Transient: true}:
	case <-ctx.Done():
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
