package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectEvents(t *testing.T, ch <-chan StageEvent) []StageEvent {
	t.Helper()
	var events []StageEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out waiting for pipeline events")
		}
	}
}

func TestHTTPInvoker_Run_StreamsEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/analyses", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"stage":"image_analysis","message":"vision model done"}`)
		fmt.Fprintln(w, `{"stage":"part_identification","message":"matched 3 candidates"}`)
		fmt.Fprintln(w, `{"final":true,"result_ref":"reports/abc.pdf"}`)
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(srv.URL, "secret", 5*time.Second)
	ch, err := inv.Run(context.Background(), RunRequest{JobID: uuid.New(), Keyword: "bearing"})
	require.NoError(t, err)

	events := collectEvents(t, ch)
	require.Len(t, events, 3)
	assert.Equal(t, "image_analysis", events[0].Stage)
	assert.Equal(t, "part_identification", events[1].Stage)
	assert.True(t, events[2].Final)
	assert.Equal(t, "reports/abc.pdf", events[2].ResultRef)
	assert.False(t, events[2].Failed())
}

func TestHTTPInvoker_Run_FinalErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"stage":"image_analysis"}`)
		fmt.Fprintln(w, `{"final":true,"error":"vision model rejected input","transient":false}`)
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(srv.URL, "", 5*time.Second)
	ch, err := inv.Run(context.Background(), RunRequest{JobID: uuid.New(), Keyword: "bolt"})
	require.NoError(t, err)

	events := collectEvents(t, ch)
	require.Len(t, events, 2)
	last := events[len(events)-1]
	assert.True(t, last.Final)
	assert.True(t, last.Failed())
	assert.False(t, last.Transient)
}

func TestHTTPInvoker_Run_TruncatedStreamSynthesizesFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"stage":"image_analysis"}`)
		// Connection closes without a final event.
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(srv.URL, "", 5*time.Second)
	ch, err := inv.Run(context.Background(), RunRequest{JobID: uuid.New(), Keyword: "gear"})
	require.NoError(t, err)

	events := collectEvents(t, ch)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.True(t, last.Final)
	assert.True(t, last.Failed())
	assert.True(t, last.Transient, "truncated stream should be retryable")
}

func TestHTTPInvoker_Run_RejectedRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprintln(w, `{"error":"unsupported image format"}`)
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(srv.URL, "", 5*time.Second)
	_, err := inv.Run(context.Background(), RunRequest{JobID: uuid.New()})
	assert.ErrorIs(t, err, ErrPipelineRejected)
	assert.Contains(t, err.Error(), "unsupported image format")
}

func TestHTTPInvoker_Run_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(srv.URL, "", 5*time.Second)
	_, err := inv.Run(context.Background(), RunRequest{JobID: uuid.New()})
	assert.ErrorIs(t, err, ErrPipelineUnreachable)
}

func TestHTTPInvoker_Run_Unreachable(t *testing.T) {
	inv := NewHTTPInvoker("http://127.0.0.1:1", "", time.Second)
	_, err := inv.Run(context.Background(), RunRequest{JobID: uuid.New()})
	assert.ErrorIs(t, err, ErrPipelineUnreachable)
}

func TestHTTPInvoker_Ready(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/ready", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(srv.URL, "", time.Second)
	assert.NoError(t, inv.Ready(context.Background()))
}
