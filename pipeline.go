// Package contentgen generates structured articles and tool listings from a URL or text
// using a generative model, and finds images to illustrate them.
package contentgen

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/docutag/contentgen/generator"
	"github.com/docutag/contentgen/metrics"
	"github.com/docutag/contentgen/models"
	"github.com/docutag/contentgen/recovery"
	"github.com/docutag/contentgen/scraper"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/docutag/contentgen"

// Accounts resolves caller tokens to account records
type Accounts interface {
	// Lookup returns models.ErrAccountNotFound when no account matches
	Lookup(ctx context.Context, token string) (*models.Account, error)
}

// Caller identifies who is asking for a generation
type Caller struct {
	Token string
}

// GenerationOutcome is a successful generation
type GenerationOutcome struct {
	Account  *models.Account
	Content  models.RecoveredContent
	Model    string
	Parser   string
	Attempts int
}

// Pipeline wires scraping, prompting, invocation and recovery together.
// It holds no per-request state and is safe for concurrent use.
type Pipeline struct {
	accounts  Accounts
	prompts   *generator.PromptBuilder
	invoker   *generator.Invoker
	recoverer *recovery.Recoverer
	media     *scraper.MediaExtractor

	policies        Policies
	defaultModel    string
	imageModel      string
	imageServiceURL string
	imageWidth      int
	imageHeight     int
	log             zerolog.Logger
	metrics         *metrics.Metrics
	tracer          trace.Tracer
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithPolicies replaces the per-kind policy table
func WithPolicies(policies Policies) Option {
	return func(p *Pipeline) {
		p.policies = policies
	}
}

// WithDefaultModel sets the model used when a request names none
func WithDefaultModel(model string) Option {
	return func(p *Pipeline) {
		p.defaultModel = model
	}
}

// WithImageModel sets the model used for image requests that name none
func WithImageModel(model string) Option {
	return func(p *Pipeline) {
		p.imageModel = model
	}
}

// WithImageService sets the external image service URL template; %s is the escaped prompt
func WithImageService(template string) Option {
	return func(p *Pipeline) {
		p.imageServiceURL = template
	}
}

// WithLogger sets the logger
func WithLogger(log zerolog.Logger) Option {
	return func(p *Pipeline) {
		p.log = log
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// New creates a Pipeline. invoker may be nil when no model credential is configured;
// generation then fails with ErrUnconfigured and image requests fall back to the
// external image service.
func New(accounts Accounts, prompts *generator.PromptBuilder, invoker *generator.Invoker, recoverer *recovery.Recoverer, media *scraper.MediaExtractor, opts ...Option) *Pipeline {
	p := &Pipeline{
		accounts:        accounts,
		prompts:         prompts,
		invoker:         invoker,
		recoverer:       recoverer,
		media:           media,
		policies:        DefaultPolicies(),
		defaultModel:    "gemini-2.5-flash",
		imageModel:      "gemini-2.5-flash-image",
		imageServiceURL: DefaultImageServiceURL,
		imageWidth:      1200,
		imageHeight:     630,
		log:             zerolog.Nop(),
		tracer:          otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With().Str("component", "pipeline").Logger()
	return p
}

// GenerateContent produces structured content of the given kind from input.
//
// The caller must be authenticated and hold credits. URL inputs are scraped; a failed
// scrape degrades to prompting with the URL itself. Model failures are returned as
// *GenerationFailedError and unparseable answers as *recovery.UnrecoverableFormatError.
func (p *Pipeline) GenerateContent(ctx context.Context, caller Caller, input models.Context, kind models.ContentKind, modelID string) (*GenerationOutcome, error) {
	ctx, span := p.tracer.Start(ctx, "contentgen.GenerateContent", trace.WithAttributes(
		attribute.String("content.kind", string(kind)),
		attribute.Bool("context.url", input.IsURL()),
	))
	defer span.End()

	outcome, err := p.generateContent(ctx, caller, input, kind, modelID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.metrics.ObserveGeneration(string(kind), outcomeLabel(err))
		return nil, err
	}

	span.SetAttributes(
		attribute.String("recovery.parser", outcome.Parser),
		attribute.Int("generation.attempts", outcome.Attempts),
	)
	p.metrics.ObserveGeneration(string(kind), "success")
	return outcome, nil
}

func (p *Pipeline) generateContent(ctx context.Context, caller Caller, input models.Context, kind models.ContentKind, modelID string) (*GenerationOutcome, error) {
	account, err := p.authorize(ctx, caller)
	if err != nil {
		return nil, err
	}
	if p.invoker == nil {
		return nil, ErrUnconfigured
	}

	model := strings.TrimSpace(modelID)
	if model == "" {
		model = p.defaultModel
	}

	policy := p.policies.For(kind)
	req := p.prompts.Build(ctx, input, kind, model)

	raw, state, err := p.invoker.Invoke(ctx, req, policy.Retry)
	if err != nil {
		p.log.Error().
			Err(err).
			Str("kind", string(kind)).
			Str("model", model).
			Int("attempts", state.Attempt).
			Msg("generation failed")
		return nil, generationFailed(err)
	}

	result, err := p.recoverer.Recover(raw)
	if err != nil {
		return nil, err
	}
	content := recovery.PostProcess(result.Content)

	if missing := content.Missing(kind); len(missing) > 0 {
		p.log.Warn().Str("kind", string(kind)).Strs("missing", missing).Msg("model output is missing expected fields")
	}

	p.log.Info().
		Str("kind", string(kind)).
		Str("model", model).
		Str("parser", result.Parser).
		Int("attempts", state.Attempt).
		Str("headline", content.Headline(kind)).
		Msg("content generated")

	return &GenerationOutcome{
		Account:  account,
		Content:  content,
		Model:    model,
		Parser:   result.Parser,
		Attempts: state.Attempt,
	}, nil
}

// authorize checks identity and quota. Deducting credits is left to the caller.
func (p *Pipeline) authorize(ctx context.Context, caller Caller) (*models.Account, error) {
	token := strings.TrimSpace(caller.Token)
	if token == "" {
		return nil, ErrUnauthenticated
	}
	if p.accounts == nil {
		return nil, fmt.Errorf("no account store: %w", ErrNotFound)
	}

	account, err := p.accounts.Lookup(ctx, token)
	if errors.Is(err, models.ErrAccountNotFound) || (err == nil && account == nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up account: %w", err)
	}
	if account.Credits <= 0 {
		return nil, ErrQuotaExceeded
	}
	return account, nil
}

// ExtractMedia returns image candidates for pageURL. It never fails; problems are reported
// in the Error field of the returned set.
func (p *Pipeline) ExtractMedia(ctx context.Context, pageURL string, kind models.ContentKind) models.MediaCandidateSet {
	ctx, span := p.tracer.Start(ctx, "contentgen.ExtractMedia", trace.WithAttributes(
		attribute.String("content.kind", string(kind)),
		attribute.String("url", pageURL),
	))
	defer span.End()

	policy := p.policies.For(kind)
	if policy.Media != MediaFallback {
		set := p.media.ExtractNewsMedia(ctx, pageURL)
		span.SetAttributes(attribute.Int("media.images", len(set.Images)))
		return set
	}

	set, err := p.media.ExtractToolMedia(ctx, pageURL)
	if err != nil {
		span.RecordError(err)
		p.log.Warn().Err(err).Str("url", pageURL).Msg("no media found")
		set.Error = UserMessage(err)
	}
	span.SetAttributes(
		attribute.Int("media.images", len(set.Images)),
		attribute.Bool("media.fallback", set.IsFallback),
	)
	return set
}

func outcomeLabel(err error) string {
	var genErr *GenerationFailedError
	var formatErr *recovery.UnrecoverableFormatError
	switch {
	case errors.As(err, &genErr) && genErr.Overloaded():
		return "overloaded"
	case errors.As(err, &genErr):
		return "model_error"
	case errors.As(err, &formatErr):
		return "unrecoverable_format"
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrNotFound), errors.Is(err, ErrQuotaExceeded):
		return "rejected"
	case errors.Is(err, ErrUnconfigured):
		return "unconfigured"
	default:
		return "error"
	}
}
