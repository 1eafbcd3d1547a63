package contentgen

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docutag/contentgen/generator"
	"github.com/docutag/contentgen/models"
	"github.com/docutag/contentgen/recovery"
	"github.com/docutag/contentgen/scraper"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAccounts map[string]*models.Account

func (f fakeAccounts) Lookup(ctx context.Context, token string) (*models.Account, error) {
	if account, ok := f[token]; ok {
		return account, nil
	}
	return nil, models.ErrAccountNotFound
}

// fakeModel answers with text, or with errs in order before that
type fakeModel struct {
	mu    sync.Mutex
	text  string
	errs  []error
	calls int
}

func (m *fakeModel) Provider() string { return "fake" }

func (m *fakeModel) Generate(ctx context.Context, model, system, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.calls
	m.calls++
	if idx < len(m.errs) {
		return "", m.errs[idx]
	}
	return m.text, nil
}

func (m *fakeModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func overloadedError() error {
	return &generator.ModelError{Provider: "fake", StatusCode: generator.StatusOverloaded, Message: "The model is overloaded"}
}

func testAccounts() fakeAccounts {
	return fakeAccounts{
		"good":  {ID: "acct-1", Token: "good", Credits: 5},
		"empty": {ID: "acct-2", Token: "empty", Credits: 0},
	}
}

func fastPolicies() Policies {
	return Policies{
		models.KindNews: {Retry: generator.NoRetry(), Media: MediaSoftFail},
		models.KindTool: {
			Retry: generator.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond},
			Media: MediaFallback,
		},
	}
}

func newTestPipeline(model generator.Model, media *scraper.MediaExtractor) *Pipeline {
	var invoker *generator.Invoker
	if model != nil {
		invoker = generator.NewInvoker(model, zerolog.Nop(), nil)
	}
	return New(
		testAccounts(),
		generator.NewPromptBuilder(nil, "", zerolog.Nop()),
		invoker,
		recovery.New(),
		media,
		WithPolicies(fastPolicies()),
	)
}

func TestGenerateContentNews(t *testing.T) {
	model := &fakeModel{text: "```json\n{\"title\":\"Launch\",\"description\":\"d\",\"content\":\"one two three\",\"tags\":[\"a\"],\"readTime\":42,\"imagePrompt\":\"p\"}\n```"}
	p := newTestPipeline(model, nil)

	outcome, err := p.GenerateContent(context.Background(), Caller{Token: "good"}, models.TextContext("some notes"), models.KindNews, "")
	require.NoError(t, err)

	assert.Equal(t, "acct-1", outcome.Account.ID)
	assert.Equal(t, "gemini-2.5-flash", outcome.Model)
	assert.Equal(t, recovery.ParserStrict, outcome.Parser)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, "Launch", outcome.Content.Headline(models.KindNews))
	assert.Equal(t, 1, outcome.Content["readTime"])
}

func TestGenerateContentOverridesReadTime(t *testing.T) {
	body := strings.Repeat("word ", 401)
	model := &fakeModel{text: `{"title":"Long","content":"` + body + `","readTime":99}`}
	p := newTestPipeline(model, nil)

	outcome, err := p.GenerateContent(context.Background(), Caller{Token: "good"}, models.TextContext("x"), models.KindNews, "custom-model")
	require.NoError(t, err)
	assert.Equal(t, 3, outcome.Content["readTime"])
	assert.Equal(t, "custom-model", outcome.Model)
}

func TestGenerateContentRejectsCallers(t *testing.T) {
	model := &fakeModel{text: `{"title":"x"}`}
	p := newTestPipeline(model, nil)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"missing token", "", ErrUnauthenticated},
		{"blank token", "   ", ErrUnauthenticated},
		{"unknown account", "nobody", ErrNotFound},
		{"no credits", "empty", ErrQuotaExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.GenerateContent(context.Background(), Caller{Token: tt.token}, models.TextContext("x"), models.KindNews, "")
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, 0, model.Calls())
}

func TestGenerateContentUnconfigured(t *testing.T) {
	p := newTestPipeline(nil, nil)

	_, err := p.GenerateContent(context.Background(), Caller{Token: "good"}, models.TextContext("x"), models.KindTool, "")
	assert.ErrorIs(t, err, ErrUnconfigured)
}

func TestGenerateContentToolRetriesOverload(t *testing.T) {
	model := &fakeModel{errs: []error{overloadedError(), overloadedError(), overloadedError()}}
	p := newTestPipeline(model, nil)

	_, err := p.GenerateContent(context.Background(), Caller{Token: "good"}, models.TextContext("x"), models.KindTool, "")
	require.Error(t, err)

	var genErr *GenerationFailedError
	require.ErrorAs(t, err, &genErr)
	assert.True(t, genErr.Overloaded())
	assert.ErrorIs(t, err, generator.ErrModelOverloaded)
	assert.Equal(t, 3, model.Calls())
	assert.Equal(t, "The AI model is currently overloaded. Please try again in a few minutes.", UserMessage(err))
}

func TestGenerateContentToolRecoversAfterOverload(t *testing.T) {
	model := &fakeModel{
		errs: []error{overloadedError()},
		text: `{"name":"Linear","description":"d","content":"c","category":"pm","toolType":"saas","pricingType":"freemium","features":[],"pros":[],"cons":[]}`,
	}
	p := newTestPipeline(model, nil)

	outcome, err := p.GenerateContent(context.Background(), Caller{Token: "good"}, models.TextContext("x"), models.KindTool, "")
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Attempts)
	assert.Equal(t, "Linear", outcome.Content.Headline(models.KindTool))
	assert.Empty(t, outcome.Content.Missing(models.KindTool))
}

func TestGenerateContentNewsDoesNotRetry(t *testing.T) {
	model := &fakeModel{errs: []error{overloadedError(), overloadedError()}}
	p := newTestPipeline(model, nil)

	_, err := p.GenerateContent(context.Background(), Caller{Token: "good"}, models.TextContext("x"), models.KindNews, "")

	var genErr *GenerationFailedError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, 1, model.Calls())
}

func TestGenerateContentModelErrorIsNotRetried(t *testing.T) {
	model := &fakeModel{errs: []error{&generator.ModelError{Provider: "fake", StatusCode: http.StatusBadRequest, Message: "bad prompt"}}}
	p := newTestPipeline(model, nil)

	_, err := p.GenerateContent(context.Background(), Caller{Token: "good"}, models.TextContext("x"), models.KindTool, "")

	var genErr *GenerationFailedError
	require.ErrorAs(t, err, &genErr)
	assert.False(t, genErr.Overloaded())
	assert.Equal(t, "bad prompt", genErr.Reason)
	assert.Equal(t, 1, model.Calls())
}

func TestGenerateContentUnrecoverableFormat(t *testing.T) {
	model := &fakeModel{text: "I'm sorry, I can't write that article."}
	p := newTestPipeline(model, nil)

	_, err := p.GenerateContent(context.Background(), Caller{Token: "good"}, models.TextContext("x"), models.KindNews, "")

	var formatErr *recovery.UnrecoverableFormatError
	require.ErrorAs(t, err, &formatErr)
	assert.Equal(t, "I'm sorry, I can't write that article.", formatErr.Raw)
}

func TestExtractMediaToolBlockedUsesFallback(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	mux.HandleFunc("/favicon", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	fetcher := scraper.NewFetcher(scraper.DefaultConfig(), zerolog.Nop(), nil)
	config := scraper.DefaultFallbackConfig()
	config.SearchEnabled = false
	config.FaviconURLTemplate = server.URL + "/favicon?domain=%s"
	resolver := scraper.NewFallbackResolver(config, fetcher, zerolog.Nop(), nil)
	p := newTestPipeline(nil, scraper.NewMediaExtractor(fetcher, resolver, zerolog.Nop(), nil))

	set := p.ExtractMedia(context.Background(), server.URL+"/page", models.KindTool)
	assert.True(t, set.IsFallback)
	assert.NotEmpty(t, set.Images)
	assert.Empty(t, set.Error)
}

func TestExtractMediaToolBlockedWithoutFallbackImages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	fetcher := scraper.NewFetcher(scraper.DefaultConfig(), zerolog.Nop(), nil)
	config := scraper.DefaultFallbackConfig()
	config.FaviconEnabled = false
	config.SearchEnabled = false
	config.ScreenshotEnabled = false
	resolver := scraper.NewFallbackResolver(config, fetcher, zerolog.Nop(), nil)
	p := newTestPipeline(nil, scraper.NewMediaExtractor(fetcher, resolver, zerolog.Nop(), nil))

	set := p.ExtractMedia(context.Background(), server.URL, models.KindTool)
	assert.Empty(t, set.Images)
	assert.Equal(t, "The source site blocked access and no alternative images were found.", set.Error)
}

func TestExtractMediaNewsFailsSoft(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	fetcher := scraper.NewFetcher(scraper.DefaultConfig(), zerolog.Nop(), nil)
	p := newTestPipeline(nil, scraper.NewMediaExtractor(fetcher, nil, zerolog.Nop(), nil))

	set := p.ExtractMedia(context.Background(), server.URL, models.KindNews)
	assert.NotNil(t, set.Images)
	assert.Empty(t, set.Images)
	assert.False(t, set.IsFallback)
	assert.NotEmpty(t, set.Error)
}

func TestPoliciesForUnknownKind(t *testing.T) {
	policies := DefaultPolicies()
	assert.Equal(t, MediaSoftFail, policies.For(models.ContentKind("recipe")).Media)
	assert.Equal(t, 3, policies.For(models.KindTool).Retry.MaxAttempts)
	assert.Equal(t, 1, policies.For(models.KindNews).Retry.MaxAttempts)
}

func TestOutcomeLabel(t *testing.T) {
	assert.Equal(t, "overloaded", outcomeLabel(generationFailed(generator.ErrModelOverloaded)))
	assert.Equal(t, "model_error", outcomeLabel(generationFailed(errors.New("boom"))))
	assert.Equal(t, "unrecoverable_format", outcomeLabel(&recovery.UnrecoverableFormatError{}))
	assert.Equal(t, "rejected", outcomeLabel(ErrQuotaExceeded))
	assert.Equal(t, "unconfigured", outcomeLabel(ErrUnconfigured))
	assert.Equal(t, "error", outcomeLabel(errors.New("other")))
}
