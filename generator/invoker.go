package generator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docutag/contentgen/metrics"
	"github.com/docutag/contentgen/models"
	"github.com/rs/zerolog"
)

// RetryPolicy bounds how overloaded responses are retried.
// Delay before attempt n+1 is InitialDelay * Multiplier^(n-1), capped at MaxDelay.
type RetryPolicy struct {
	MaxAttempts  int // Total attempts including the first
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// NoRetry makes a single attempt
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// OverloadRetry makes up to three attempts, waiting 1s then 2s
func OverloadRetry() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
	}
}

func (p RetryPolicy) backOff() backoff.BackOff {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Second
	}
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	b.Reset()

	return backoff.WithMaxRetries(b, uint64(attempts-1))
}

// Invoker sends a GenerationRequest to a Model, retrying overloaded responses per policy
type Invoker struct {
	model   Model
	log     zerolog.Logger
	metrics *metrics.Metrics

	// onRetry observes each scheduled wait
	onRetry func(err error, delay time.Duration)
}

// NewInvoker creates an Invoker; m may be nil
func NewInvoker(model Model, log zerolog.Logger, m *metrics.Metrics) *Invoker {
	return &Invoker{
		model:   model,
		log:     log.With().Str("component", "invoker").Str("provider", model.Provider()).Logger(),
		metrics: m,
	}
}

// Model returns the underlying client
func (i *Invoker) Model() Model {
	return i.model
}

// Invoke calls the model. Overloaded responses are retried up to policy.MaxAttempts and,
// once exhausted, reported as ErrModelOverloaded. Any other failure is returned at once.
func (i *Invoker) Invoke(ctx context.Context, req models.GenerationRequest, policy RetryPolicy) (string, models.RetryState, error) {
	var output string
	state, err := i.retry(ctx, string(req.Kind), req.Model, policy, func() error {
		text, err := i.model.Generate(ctx, req.Model, req.SystemInstruction, req.UserContext)
		if err != nil {
			return err
		}
		output = text
		return nil
	})
	if err != nil {
		return "", state, err
	}
	return output, state, nil
}

// SupportsImages reports whether the client can return inline images
func (i *Invoker) SupportsImages() bool {
	_, ok := i.model.(ImageGenerator)
	return ok
}

// GenerateImage asks a multimodal model for an image under the same overload policy as Invoke
func (i *Invoker) GenerateImage(ctx context.Context, model, prompt string, policy RetryPolicy) (*InlineImage, models.RetryState, error) {
	imager, ok := i.model.(ImageGenerator)
	if !ok {
		return nil, models.RetryState{}, fmt.Errorf("%s does not generate images: %w", i.model.Provider(), ErrUnconfigured)
	}

	var image *InlineImage
	state, err := i.retry(ctx, "image", model, policy, func() error {
		img, err := imager.GenerateImage(ctx, model, prompt)
		if err != nil {
			return err
		}
		image = img
		return nil
	})
	if err != nil {
		return nil, state, err
	}
	return image, state, nil
}

func (i *Invoker) retry(ctx context.Context, kind, model string, policy RetryPolicy, call func() error) (models.RetryState, error) {
	state := models.RetryState{MaxAttempts: policy.MaxAttempts}
	if state.MaxAttempts < 1 {
		state.MaxAttempts = 1
	}

	operation := func() error {
		state.Attempt++
		i.metrics.ObserveAttempt(kind)

		start := time.Now()
		err := call()
		i.metrics.ObserveModelLatency(i.model.Provider(), time.Since(start).Seconds())

		if err == nil {
			return nil
		}
		state.LastError = err
		if IsOverloaded(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	notify := func(err error, delay time.Duration) {
		i.log.Warn().
			Err(err).
			Int("attempt", state.Attempt).
			Int("max_attempts", state.MaxAttempts).
			Dur("delay", delay).
			Msg("model overloaded, retrying")
		if i.onRetry != nil {
			i.onRetry(err, delay)
		}
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(policy.backOff(), ctx), notify)
	if err == nil {
		return state, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return state, ctxErr
	}
	if IsOverloaded(err) {
		i.log.Error().Int("attempts", state.Attempt).Str("model", model).Msg("model overloaded, giving up")
		return state, fmt.Errorf("%w after %d attempt(s)", ErrModelOverloaded, state.Attempt)
	}
	return state, err
}
