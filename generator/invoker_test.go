package generator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/docutag/contentgen/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedModel replays a fixed sequence of results
type scriptedModel struct {
	mu      sync.Mutex
	results []error
	text    string
	calls   int
}

func (m *scriptedModel) Provider() string { return "scripted" }

func (m *scriptedModel) Generate(ctx context.Context, model, system, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.calls
	m.calls++
	if idx < len(m.results) && m.results[idx] != nil {
		return "", m.results[idx]
	}
	return m.text, nil
}

func overloaded() error {
	return &ModelError{Provider: "scripted", StatusCode: StatusOverloaded, Message: "overloaded"}
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
}

func TestInvokeSucceedsFirstAttempt(t *testing.T) {
	model := &scriptedModel{text: `{"title":"ok"}`}
	invoker := NewInvoker(model, zerolog.Nop(), nil)

	out, state, err := invoker.Invoke(context.Background(), models.GenerationRequest{Model: "m"}, fastPolicy())
	require.NoError(t, err)
	assert.Equal(t, `{"title":"ok"}`, out)
	assert.Equal(t, 1, state.Attempt)
}

func TestInvokeExhaustsOverloadRetries(t *testing.T) {
	model := &scriptedModel{results: []error{overloaded(), overloaded(), overloaded()}}
	invoker := NewInvoker(model, zerolog.Nop(), nil)

	var delays []time.Duration
	invoker.onRetry = func(err error, delay time.Duration) {
		delays = append(delays, delay)
	}

	start := time.Now()
	_, state, err := invoker.Invoke(context.Background(), models.GenerationRequest{Kind: models.KindTool}, fastPolicy())
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrModelOverloaded))
	var modelErr *ModelError
	assert.False(t, errors.As(err, &modelErr), "raw upstream error should not leak")

	assert.Equal(t, 3, model.calls)
	assert.Equal(t, 3, state.Attempt)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, delays)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
}

func TestInvokeRecoversAfterOverload(t *testing.T) {
	model := &scriptedModel{results: []error{overloaded()}, text: "done"}
	invoker := NewInvoker(model, zerolog.Nop(), nil)

	out, state, err := invoker.Invoke(context.Background(), models.GenerationRequest{}, fastPolicy())
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, 2, state.Attempt)
}

func TestInvokeDoesNotRetryOtherErrors(t *testing.T) {
	notFound := &ModelError{Provider: "scripted", StatusCode: 404, Message: "model not found"}
	model := &scriptedModel{results: []error{notFound}}
	invoker := NewInvoker(model, zerolog.Nop(), nil)

	_, _, err := invoker.Invoke(context.Background(), models.GenerationRequest{}, fastPolicy())

	var modelErr *ModelError
	require.True(t, errors.As(err, &modelErr))
	assert.Equal(t, 404, modelErr.StatusCode)
	assert.Equal(t, 1, model.calls)
	assert.False(t, errors.Is(err, ErrModelOverloaded))
}

func TestInvokeNoRetryPolicy(t *testing.T) {
	model := &scriptedModel{results: []error{overloaded(), overloaded()}}
	invoker := NewInvoker(model, zerolog.Nop(), nil)

	_, state, err := invoker.Invoke(context.Background(), models.GenerationRequest{Kind: models.KindNews}, NoRetry())

	assert.True(t, errors.Is(err, ErrModelOverloaded))
	assert.Equal(t, 1, model.calls)
	assert.Equal(t, 1, state.MaxAttempts)
}

func TestInvokeHonoursCancellationDuringWait(t *testing.T) {
	model := &scriptedModel{results: []error{overloaded(), overloaded(), overloaded()}}
	invoker := NewInvoker(model, zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	invoker.onRetry = func(error, time.Duration) { cancel() }

	policy := RetryPolicy{MaxAttempts: 3, InitialDelay: time.Minute, Multiplier: 2}
	_, _, err := invoker.Invoke(ctx, models.GenerationRequest{}, policy)

	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, model.calls)
}

func TestOverloadRetryDefaults(t *testing.T) {
	policy := OverloadRetry()
	assert.Equal(t, 3, policy.MaxAttempts)
	assert.Equal(t, time.Second, policy.InitialDelay)
	assert.Equal(t, 2.0, policy.Multiplier)
}

func TestIsOverloaded(t *testing.T) {
	assert.True(t, IsOverloaded(overloaded()))
	assert.True(t, IsOverloaded(errors.Join(errors.New("wrapped"), overloaded())))
	assert.False(t, IsOverloaded(&ModelError{StatusCode: 500}))
	assert.False(t, IsOverloaded(errors.New("503")))
}
