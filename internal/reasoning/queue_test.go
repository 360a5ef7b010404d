package reasoning

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"townsim/internal/config"
)

func newTestQueue(t *testing.T, handler http.HandlerFunc) (*Queue, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	q := NewQueue(config.ReasoningConfig{Endpoint: srv.URL, TimeoutMS: 2000, MaxConcurrency: 1}, nil)
	t.Cleanup(q.Close)
	return q, srv
}

func TestQueue_EnqueueResolvesOnSuccess(t *testing.T) {
	q, _ := newTestQueue(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(completionResponse{
			Choices: []completionChoice{{Message: completionMessage{Content: "hello"}}},
			Usage:   completionUsage{PromptTokens: 5, CompletionTokens: 3},
		})
	})
	f := q.Enqueue(q.NewHTTPTask("hi", 0.7, 100), 2000)
	text, kind, err := f.Wait()
	require.NoError(t, err)
	require.Equal(t, FailureNone, kind)
	require.Equal(t, "hello", text)
}

func TestQueue_EndpointErrorResolvesFailureEndpoint(t *testing.T) {
	q, _ := newTestQueue(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	})
	f := q.Enqueue(q.NewHTTPTask("hi", 0.7, 100), 2000)
	_, kind, err := f.Wait()
	require.Error(t, err)
	require.Equal(t, FailureEndpoint, kind)
}

func TestQueue_SlowEndpointTimesOut(t *testing.T) {
	q, _ := newTestQueue(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	f := q.Enqueue(q.NewHTTPTask("hi", 0.7, 100), 100)
	_, kind, err := f.Wait()
	require.Error(t, err)
	require.Equal(t, FailureTimeout, kind)
}

func TestQueue_ClearCancelsPending(t *testing.T) {
	blockCh := make(chan struct{})
	q, _ := newTestQueue(t, func(w http.ResponseWriter, r *http.Request) {
		<-blockCh
		json.NewEncoder(w).Encode(completionResponse{Choices: []completionChoice{{Message: completionMessage{Content: "ok"}}}})
	})

	inFlight := q.Enqueue(q.NewHTTPTask("first", 0.7, 10), 5000)
	time.Sleep(20 * time.Millisecond) // let dispatch pick up the first request
	pending := q.Enqueue(q.NewHTTPTask("second", 0.7, 10), 5000)

	q.Clear()
	_, kind, err := pending.Wait()
	require.Error(t, err)
	require.Equal(t, FailureCancelled, kind)

	close(blockCh)
	_, _, _ = inFlight.Wait()
}

func TestCalculateThinkingCoefficient_DecreasesWithDepth(t *testing.T) {
	q := &Queue{}
	q.history = []outcome{
		{at: time.Now(), latency: 10 * time.Millisecond, succeeded: true},
	}
	q.pending = nil
	shallow := q.CalculateThinkingCoefficient()

	deep := &Queue{history: q.history}
	for i := 0; i < 20; i++ {
		deep.pending = append(deep.pending, &request{})
	}
	deepCoefficient := deep.CalculateThinkingCoefficient()

	require.Greater(t, shallow, deepCoefficient)
	require.GreaterOrEqual(t, deepCoefficient, 0.25)
	require.LessOrEqual(t, shallow, 2.0)
}

func TestFuture_TaskFuncContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	task := TaskFunc(func(ctx context.Context) (string, Usage, error) {
		return "", Usage{}, ctx.Err()
	})
	_, _, err := task(ctx)
	require.Error(t, err)
}
