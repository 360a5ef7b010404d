// Package reasoning implements the single-consumer FIFO dispatcher
// against the external text-completion endpoint (spec §4.I).
package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"townsim/internal/config"
	"townsim/internal/observability"
)

// FailureKind is one of the error kinds a reasoning request can
// resolve with, per spec §7.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureEndpoint  FailureKind = "Endpoint"
	FailureTimeout   FailureKind = "Timeout"
	FailureCancelled FailureKind = "Cancelled"
	FailureParse     FailureKind = "ParseError"
)

// Usage is the token accounting returned alongside completion text.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// TaskFunc performs the actual call and returns completion text plus
// usage, or an error. Implementations should honor ctx cancellation.
type TaskFunc func(ctx context.Context) (text string, usage Usage, err error)

// Future is resolved exactly once by the queue's single consumer.
type Future struct {
	done   chan struct{}
	text   string
	usage  Usage
	kind   FailureKind
	errMsg string
}

// Wait blocks until the request resolves and returns its outcome.
func (f *Future) Wait() (string, FailureKind, error) {
	<-f.done
	if f.kind != FailureNone {
		return "", f.kind, errors.New(f.errMsg)
	}
	return f.text, FailureNone, nil
}

// Poll performs a non-blocking check of whether f has resolved, for
// callers (the simulation tick loop) that must never suspend waiting
// on a reasoning request.
func (f *Future) Poll() (text string, kind FailureKind, err error, ready bool) {
	select {
	case <-f.done:
	default:
		return "", FailureNone, nil, false
	}
	if f.kind != FailureNone {
		return "", f.kind, errors.New(f.errMsg), true
	}
	return f.text, FailureNone, nil, true
}

func (f *Future) resolve(text string, usage Usage, kind FailureKind, err error) {
	f.text = text
	f.usage = usage
	f.kind = kind
	if err != nil {
		f.errMsg = err.Error()
	}
	close(f.done)
}

type request struct {
	fn        TaskFunc
	deadline  time.Time
	enqueued  time.Time
	future    *Future
	cancelled bool
}

// Stats is the sliding-window snapshot returned by GetStats.
type Stats struct {
	QueueDepth      int
	InFlight        int
	AvgLatencyMS    float64
	TokensPerSecond float64
	SuccessRate     float64
	FailureRate     float64
}

const statsWindow = 60 * time.Second

type outcome struct {
	at       time.Time
	latency  time.Duration
	tokens   int
	succeeded bool
}

// Queue serializes reasoning requests to one in-flight call at a time
// against the configured endpoint.
type Queue struct {
	mu        sync.Mutex
	pending   []*request
	inFlight  int
	closed    bool
	cancelCh  chan struct{}

	history []outcome

	client   *http.Client
	endpoint string

	meter metric.Meter
}

// NewQueue constructs a queue dispatching against cfg's endpoint using
// an otel/header-instrumented HTTP client (grounded on
// internal/llm/openai_client.go's callMLXWithHTTP).
func NewQueue(cfg config.ReasoningConfig, headers map[string]string) *Queue {
	client := observability.WithHeaders(observability.NewHTTPClient(&http.Client{
		Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
	}), headers)
	q := &Queue{
		client:   client,
		endpoint: cfg.Endpoint,
		cancelCh: make(chan struct{}),
		meter:    otel.GetMeterProvider().Meter("townsim/reasoning"),
	}
	q.registerMetrics()
	go q.run()
	return q
}

// registerMetrics wires queue depth and the thinking coefficient as
// OTel observable gauges, grounded on internal/llm/observability.go's
// ensureTokenInstruments pattern (lazy instrument registration against
// whatever meter provider is active, best-effort).
func (q *Queue) registerMetrics() {
	_, err := q.meter.Int64ObservableGauge("reasoning.queue_depth",
		metric.WithDescription("pending reasoning requests"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(q.GetStats().QueueDepth))
			return nil
		}),
	)
	if err != nil {
		log.Warn().Err(err).Msg("failed to register reasoning queue_depth gauge")
	}
	_, err = q.meter.Float64ObservableGauge("reasoning.thinking_coefficient",
		metric.WithDescription("adaptive thinking coefficient"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			o.Observe(q.CalculateThinkingCoefficient())
			return nil
		}),
	)
	if err != nil {
		log.Warn().Err(err).Msg("failed to register reasoning thinking_coefficient gauge")
	}
}

// Enqueue appends a task with a wall-clock deadline and returns a
// Future that resolves once the task completes, times out, or is
// cancelled by Clear.
func (q *Queue) Enqueue(fn TaskFunc, timeoutMS int) *Future {
	f := &Future{done: make(chan struct{})}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		f.resolve("", Usage{}, FailureCancelled, errors.New("queue closed"))
		return f
	}
	q.pending = append(q.pending, &request{
		fn:       fn,
		deadline: time.Now().Add(time.Duration(timeoutMS) * time.Millisecond),
		enqueued: time.Now(),
		future:   f,
	})
	return f
}

// run is the single consumer goroutine: FIFO, one task at a time.
func (q *Queue) run() {
	for {
		req := q.dequeue()
		if req == nil {
			select {
			case <-q.cancelCh:
				return
			case <-time.After(10 * time.Millisecond):
				continue
			}
		}
		q.dispatch(req)
	}
}

func (q *Queue) dequeue() *request {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	for len(q.pending) > 0 {
		req := q.pending[0]
		q.pending = q.pending[1:]
		if req.cancelled {
			continue
		}
		if time.Now().After(req.deadline) {
			req.future.resolve("", Usage{}, FailureTimeout, errors.New("deadline exceeded before dispatch"))
			q.recordOutcome(outcome{at: time.Now(), succeeded: false})
			continue
		}
		q.inFlight++
		return req
	}
	return nil
}

func (q *Queue) dispatch(req *request) {
	ctx, cancel := context.WithDeadline(context.Background(), req.deadline)
	defer cancel()

	start := time.Now()
	text, usage, err := req.fn(ctx)
	latency := time.Since(start)

	q.mu.Lock()
	q.inFlight--
	q.mu.Unlock()

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		req.future.resolve("", Usage{}, FailureTimeout, errors.New("deadline exceeded"))
		q.recordOutcome(outcome{at: time.Now(), latency: latency, succeeded: false})
	case err != nil:
		req.future.resolve("", Usage{}, FailureEndpoint, err)
		q.recordOutcome(outcome{at: time.Now(), latency: latency, succeeded: false})
	default:
		req.future.resolve(text, usage, FailureNone, nil)
		log.Debug().Int("prompt_tokens", usage.PromptTokens).Int("completion_tokens", usage.CompletionTokens).Msg("reasoning usage recorded")
		q.recordOutcome(outcome{at: time.Now(), latency: latency, tokens: usage.PromptTokens + usage.CompletionTokens, succeeded: true})
	}
}

// recordOutcome appends to the sliding-60s history GetStats reads from,
// as an instance method rather than a package-level global — resolving
// spec.md §9's open question about re-acquiring a shared queue inside
// the HTTP callback.
func (q *Queue) recordOutcome(o outcome) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.history = append(q.history, o)
	cutoff := time.Now().Add(-statsWindow)
	i := 0
	for i < len(q.history) && q.history[i].at.Before(cutoff) {
		i++
	}
	q.history = q.history[i:]
}

// GetStats computes the sliding-60s-window stats of spec §4.I.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-statsWindow)
	i := 0
	for i < len(q.history) && q.history[i].at.Before(cutoff) {
		i++
	}
	q.history = q.history[i:]

	var totalLatency time.Duration
	var totalTokens int
	var successes int
	for _, o := range q.history {
		totalLatency += o.latency
		totalTokens += o.tokens
		if o.succeeded {
			successes++
		}
	}
	n := len(q.history)
	stats := Stats{
		QueueDepth: len(q.pending),
		InFlight:   q.inFlight,
	}
	if n > 0 {
		stats.AvgLatencyMS = float64(totalLatency.Milliseconds()) / float64(n)
		stats.SuccessRate = float64(successes) / float64(n)
		stats.FailureRate = 1 - stats.SuccessRate
	}
	if totalLatency > 0 {
		stats.TokensPerSecond = float64(totalTokens) / totalLatency.Seconds()
	}
	return stats
}

// CalculateThinkingCoefficient implements spec §4.I's adaptive scalar:
// strictly decreasing in queue depth, approaching 2.0 near-empty with
// low latency, approaching 0.25 when depth is large or recent failures
// dominate.
func (q *Queue) CalculateThinkingCoefficient() float64 {
	stats := q.GetStats()

	depthPenalty := 1.0 / (1.0 + float64(stats.QueueDepth))
	latencyPenalty := 1.0
	if stats.AvgLatencyMS > 0 {
		latencyPenalty = 1000.0 / (1000.0 + stats.AvgLatencyMS)
	}
	successFactor := stats.SuccessRate
	if len(q.history) == 0 {
		successFactor = 1
	}

	const lo, hi = 0.25, 2.0
	coefficient := lo + (hi-lo)*depthPenalty*latencyPenalty*successFactor
	if coefficient < lo {
		coefficient = lo
	}
	if coefficient > hi {
		coefficient = hi
	}
	return coefficient
}

// Clear cancels all waiting requests with Cancelled. A request already
// dispatched is not cancelled; it resolves with its own outcome.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, req := range q.pending {
		req.cancelled = true
		req.future.resolve("", Usage{}, FailureCancelled, errors.New("queue cleared"))
	}
	q.pending = nil
}

// Close stops the consumer goroutine and cancels everything pending.
func (q *Queue) Close() {
	q.Clear()
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	close(q.cancelCh)
}

// completionRequest/completionResponse mirror the minimal
// {messages, temperature, max_tokens, stream:false} contract of
// spec §6, grounded on internal/llm/openai_client.go's callMLXWithHTTP
// (raw net/http POST, manual JSON decode) rather than a full SDK.
type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Messages    []completionMessage `json:"messages"`
	Temperature float64              `json:"temperature"`
	MaxTokens   int                  `json:"max_tokens"`
	Stream      bool                 `json:"stream"`
}

type completionChoice struct {
	Message completionMessage `json:"message"`
}

type completionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type completionResponse struct {
	Choices []completionChoice `json:"choices"`
	Usage   completionUsage    `json:"usage"`
}

// NewHTTPTask builds a TaskFunc that POSTs a single-message completion
// request to q's configured endpoint.
func (q *Queue) NewHTTPTask(prompt string, temperature float64, maxTokens int) TaskFunc {
	return func(ctx context.Context) (string, Usage, error) {
		ctx, span := otel.Tracer("townsim/reasoning").Start(ctx, "reasoning.dispatch")
		defer span.End()
		span.SetAttributes(attribute.Int("max_tokens", maxTokens))

		logger := observability.LoggerWithTrace(ctx)
		logger.Debug().Str("endpoint", q.endpoint).Msg("dispatching reasoning request")

		body, err := json.Marshal(completionRequest{
			Messages:    []completionMessage{{Role: "user", Content: prompt}},
			Temperature: temperature,
			MaxTokens:   maxTokens,
			Stream:      false,
		})
		if err != nil {
			return "", Usage{}, fmt.Errorf("marshal reasoning request: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, q.endpoint, bytes.NewReader(body))
		if err != nil {
			return "", Usage{}, fmt.Errorf("build reasoning request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := q.client.Do(httpReq)
		if err != nil {
			return "", Usage{}, fmt.Errorf("reasoning endpoint unreachable: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", Usage{}, fmt.Errorf("read reasoning response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			logger.Warn().Int("status", resp.StatusCode).Msg("reasoning endpoint returned non-2xx")
			return "", Usage{}, fmt.Errorf("reasoning endpoint error: status=%d body=%s", resp.StatusCode, string(respBody))
		}

		var parsed completionResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return "", Usage{}, fmt.Errorf("%w: %v", errParseResponse, err)
		}
		if len(parsed.Choices) == 0 {
			return "", Usage{}, errParseResponse
		}
		return parsed.Choices[0].Message.Content, Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
		}, nil
	}
}

var errParseResponse = errors.New("malformed reasoning response")
