package providers

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lacehq/lace/internal/backoff"
	"github.com/lacehq/lace/internal/observability"
	"github.com/lacehq/lace/pkg/models"
)

// maxRetryAttempts bounds the total number of request attempts unless
// overridden with WithMaxAttempts.
const maxRetryAttempts = 10

// RetryProvider wraps a Provider with transient-failure retries. Each agent
// owns its own wrapper so retry metrics and observers are scoped per agent
// while the underlying client is shared.
//
// Retries apply only before the first token of a streaming response is
// produced; after that the error surfaces to the caller.
type RetryProvider struct {
	base        Provider
	policy      backoff.Policy
	maxAttempts int
	logger      *observability.Logger
	metrics     *observability.Metrics

	// OnRetry, when set, observes each retry before its backoff sleep.
	OnRetry func(info models.RetryInfo)
	// OnExhausted, when set, observes the final failure after the last
	// attempt.
	OnExhausted func(metrics models.RetryMetrics)

	mu   sync.Mutex
	last models.RetryMetrics
}

// NewRetryProvider wraps base with the provider backoff policy. metrics may
// be nil.
func NewRetryProvider(base Provider, logger *observability.Logger, metrics *observability.Metrics) *RetryProvider {
	return &RetryProvider{
		base:        base,
		policy:      backoff.ProviderPolicy(),
		maxAttempts: maxRetryAttempts,
		logger:      logger,
		metrics:     metrics,
	}
}

// WithPolicy overrides the backoff policy. Used by tests to avoid real
// sleeps.
func (r *RetryProvider) WithPolicy(policy backoff.Policy) *RetryProvider {
	r.policy = policy
	return r
}

// WithMaxAttempts overrides the attempt bound. Values below one keep the
// default.
func (r *RetryProvider) WithMaxAttempts(n int) *RetryProvider {
	if n > 0 {
		r.maxAttempts = n
	}
	return r
}

func (r *RetryProvider) Name() string             { return r.base.Name() }
func (r *RetryProvider) DefaultModel() string     { return r.base.DefaultModel() }
func (r *RetryProvider) SupportsStreaming() bool  { return r.base.SupportsStreaming() }
func (r *RetryProvider) SetSystemPrompt(p string) { r.base.SetSystemPrompt(p) }

func (r *RetryProvider) CountTokens(messages []Message, tools []ToolDefinition) int {
	return r.base.CountTokens(messages, tools)
}

// LastRetryMetrics returns the metrics of the most recent request.
func (r *RetryProvider) LastRetryMetrics() models.RetryMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// CreateResponse performs a completion with retries.
func (r *RetryProvider) CreateResponse(ctx context.Context, messages []Message, tools []ToolDefinition) (*Response, error) {
	return r.do(ctx, func(ctx context.Context) (*Response, error) {
		return r.base.CreateResponse(ctx, messages, tools)
	}, nil)
}

// CreateStreamingResponse streams with retries that stop at the first token.
func (r *RetryProvider) CreateStreamingResponse(ctx context.Context, messages []Message, tools []ToolDefinition, sink TokenSink) (*Response, error) {
	var streamed atomic.Bool
	wrapped := sink
	if sink != nil {
		wrapped = func(token string) {
			streamed.Store(true)
			sink(token)
		}
	}
	return r.do(ctx, func(ctx context.Context) (*Response, error) {
		return r.base.CreateStreamingResponse(ctx, messages, tools, wrapped)
	}, &streamed)
}

func (r *RetryProvider) do(ctx context.Context, call func(context.Context) (*Response, error), streamed *atomic.Bool) (*Response, error) {
	metrics := models.RetryMetrics{}
	var lastErr error

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		response, err := call(ctx)
		if err == nil {
			metrics.Successful = true
			r.store(metrics)
			return response, nil
		}
		lastErr = err
		metrics.LastError = err.Error()

		if streamed != nil && streamed.Load() {
			// Partial output already reached the sink; replaying the
			// request would duplicate it.
			r.logger.Warn(ctx, "stream failed after first token, not retrying",
				"provider", r.base.Name(), "error", err)
			break
		}
		if !IsTransient(err) || attempt == r.maxAttempts {
			break
		}

		delay := r.policy.Delay(attempt)
		metrics.Attempts++
		metrics.TotalDelayMs += delay.Milliseconds()

		r.logger.Warn(ctx, "provider request failed, retrying",
			"provider", r.base.Name(), "attempt", attempt, "delay", delay.String(), "error", err)
		if r.metrics != nil {
			r.metrics.ProviderRetryCounter.WithLabelValues(r.base.Name()).Inc()
		}
		if r.OnRetry != nil {
			r.OnRetry(models.RetryInfo{Attempt: attempt, DelayMs: delay.Milliseconds(), Error: err.Error()})
		}

		if err := sleep(ctx, delay); err != nil {
			r.store(metrics)
			return nil, err
		}
	}

	r.store(metrics)
	if !IsCancelled(lastErr) && IsTransient(lastErr) && r.OnExhausted != nil {
		r.OnExhausted(metrics)
	}
	return nil, lastErr
}

func (r *RetryProvider) store(m models.RetryMetrics) {
	r.mu.Lock()
	r.last = m
	r.mu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) error {
	return backoff.SleepContext(ctx, d)
}
