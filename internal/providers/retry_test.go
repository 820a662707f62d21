package providers

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lacehq/lace/internal/backoff"
	"github.com/lacehq/lace/internal/observability"
	"github.com/lacehq/lace/pkg/models"
)

func fastPolicy() backoff.Policy {
	return backoff.Policy{Initial: time.Millisecond, Max: 2 * time.Millisecond, Factor: 1}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	fake := NewFakeProvider(
		FakeStep{Err: &TransientError{StatusCode: 429, Err: errors.New("rate limited")}},
		FakeStep{Err: &TransientError{StatusCode: 503, Err: errors.New("overloaded")}},
		TextStep("done", 10, 5),
	)
	retry := NewRetryProvider(fake, observability.NopLogger(), nil).WithPolicy(fastPolicy())

	var attempts []models.RetryInfo
	retry.OnRetry = func(info models.RetryInfo) { attempts = append(attempts, info) }

	resp, err := retry.CreateResponse(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("CreateResponse: %v", err)
	}
	if resp.Content != "done" {
		t.Errorf("content = %q", resp.Content)
	}
	if len(attempts) != 2 {
		t.Fatalf("observed %d retries, want 2", len(attempts))
	}
	if attempts[0].Attempt != 1 || attempts[1].Attempt != 2 {
		t.Errorf("retry attempts = %+v", attempts)
	}

	last := retry.LastRetryMetrics()
	if !last.Successful || last.Attempts != 2 {
		t.Errorf("metrics = %+v", last)
	}
}

func TestRetryStopsOnFatalError(t *testing.T) {
	fatal := &FatalError{StatusCode: 401, Err: errors.New("bad key")}
	fake := NewFakeProvider(FakeStep{Err: fatal})
	retry := NewRetryProvider(fake, observability.NopLogger(), nil).WithPolicy(fastPolicy())

	exhaustedCalled := false
	retry.OnExhausted = func(models.RetryMetrics) { exhaustedCalled = true }

	_, err := retry.CreateResponse(context.Background(), nil, nil)
	if !errors.Is(err, fatal) {
		t.Fatalf("err = %v", err)
	}
	if got := len(fake.Calls()); got != 1 {
		t.Errorf("provider called %d times, want 1", got)
	}
	if exhaustedCalled {
		t.Error("fatal errors are not retry exhaustion")
	}
}

func TestRetryExhaustsAfterMaxAttempts(t *testing.T) {
	var steps []FakeStep
	for i := 0; i < maxRetryAttempts+2; i++ {
		steps = append(steps, FakeStep{Err: &TransientError{Err: errors.New("down")}})
	}
	fake := NewFakeProvider(steps...)
	retry := NewRetryProvider(fake, observability.NopLogger(), nil).WithPolicy(fastPolicy())

	var exhausted *models.RetryMetrics
	retry.OnExhausted = func(m models.RetryMetrics) { exhausted = &m }

	_, err := retry.CreateResponse(context.Background(), nil, nil)
	if err == nil {
		t.Fatal("expected failure")
	}
	if got := len(fake.Calls()); got != maxRetryAttempts {
		t.Errorf("provider called %d times, want %d", got, maxRetryAttempts)
	}
	if exhausted == nil {
		t.Fatal("OnExhausted not called")
	}
	if exhausted.Attempts != maxRetryAttempts-1 || exhausted.Successful {
		t.Errorf("exhausted metrics = %+v", exhausted)
	}
	if !strings.Contains(exhausted.LastError, "down") {
		t.Errorf("LastError = %q", exhausted.LastError)
	}
}

func TestRetryHonorsMaxAttemptsOverride(t *testing.T) {
	var steps []FakeStep
	for i := 0; i < 5; i++ {
		steps = append(steps, FakeStep{Err: &TransientError{Err: errors.New("down")}})
	}
	fake := NewFakeProvider(steps...)
	retry := NewRetryProvider(fake, observability.NopLogger(), nil).
		WithPolicy(fastPolicy()).
		WithMaxAttempts(2)

	_, err := retry.CreateResponse(context.Background(), nil, nil)
	if err == nil {
		t.Fatal("expected failure")
	}
	if got := len(fake.Calls()); got != 2 {
		t.Errorf("provider called %d times, want 2", got)
	}
	if m := retry.LastRetryMetrics(); m.Attempts != 1 || m.Successful {
		t.Errorf("metrics = %+v", m)
	}

	// Zero and negative overrides keep the default bound.
	if r := NewRetryProvider(fake, observability.NopLogger(), nil).WithMaxAttempts(0); r.maxAttempts != maxRetryAttempts {
		t.Errorf("maxAttempts after zero override = %d", r.maxAttempts)
	}
}

func TestNoRetryAfterFirstToken(t *testing.T) {
	fake := NewFakeProvider(
		FakeStep{Tokens: []string{"Hel"}, Err: &TransientError{Err: errors.New("mid-stream reset")}},
		TextStep("never reached", 0, 0),
	)
	retry := NewRetryProvider(fake, observability.NopLogger(), nil).WithPolicy(fastPolicy())

	var tokens []string
	_, err := retry.CreateStreamingResponse(context.Background(), nil, nil, func(token string) {
		tokens = append(tokens, token)
	})
	if err == nil {
		t.Fatal("expected mid-stream error to surface")
	}
	if got := len(fake.Calls()); got != 1 {
		t.Errorf("provider called %d times, want 1", got)
	}
	if len(tokens) != 1 || tokens[0] != "Hel" {
		t.Errorf("tokens = %v", tokens)
	}
}

func TestRetryBeforeFirstTokenStillStreams(t *testing.T) {
	fake := NewFakeProvider(
		FakeStep{Err: &TransientError{Err: errors.New("connect: connection refused")}},
		FakeStep{Tokens: []string{"Hi", "!"}, Response: &Response{Content: "Hi!", StopReason: "end_turn"}},
	)
	retry := NewRetryProvider(fake, observability.NopLogger(), nil).WithPolicy(fastPolicy())

	var tokens []string
	resp, err := retry.CreateStreamingResponse(context.Background(), nil, nil, func(token string) {
		tokens = append(tokens, token)
	})
	if err != nil {
		t.Fatalf("CreateStreamingResponse: %v", err)
	}
	if resp.Content != "Hi!" || len(tokens) != 2 {
		t.Errorf("resp = %+v, tokens = %v", resp, tokens)
	}
}

func TestRetryCancelledDuringBackoff(t *testing.T) {
	fake := NewFakeProvider(
		FakeStep{Err: &TransientError{Err: errors.New("down")}},
		TextStep("never", 0, 0),
	)
	retry := NewRetryProvider(fake, observability.NopLogger(), nil).
		WithPolicy(backoff.Policy{Initial: time.Minute, Max: time.Minute, Factor: 1})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := retry.CreateResponse(ctx, nil, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if got := len(fake.Calls()); got != 1 {
		t.Errorf("provider called %d times, want 1", got)
	}
}
