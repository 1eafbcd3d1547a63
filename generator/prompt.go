package generator

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/docutag/contentgen/models"
	"github.com/docutag/contentgen/scraper"
	"github.com/rs/zerolog"
)

// DefaultLanguage is used when no content language is configured
const DefaultLanguage = "English"

// PromptBuilder composes the system instruction and user context for a generation
type PromptBuilder struct {
	fetcher  *scraper.Fetcher
	language string
	log      zerolog.Logger
}

// NewPromptBuilder creates a builder. fetcher may be nil, in which case URL contexts are
// passed through as text.
func NewPromptBuilder(fetcher *scraper.Fetcher, language string, log zerolog.Logger) *PromptBuilder {
	if strings.TrimSpace(language) == "" {
		language = DefaultLanguage
	}
	return &PromptBuilder{
		fetcher:  fetcher,
		language: language,
		log:      log.With().Str("component", "prompt").Logger(),
	}
}

// Build never fails: when a URL context cannot be scraped the raw URL becomes the user context
func (b *PromptBuilder) Build(ctx context.Context, input models.Context, kind models.ContentKind, model string) models.GenerationRequest {
	return models.GenerationRequest{
		Kind:              kind,
		SystemInstruction: SystemInstruction(kind, b.language),
		UserContext:       b.userContext(ctx, input),
		Model:             model,
	}
}

func (b *PromptBuilder) userContext(ctx context.Context, input models.Context) string {
	if !input.IsURL() || b.fetcher == nil {
		return input.Value
	}

	result := b.fetcher.Fetch(ctx, input.Value)
	if !result.OK() {
		b.log.Warn().
			Str("url", input.Value).
			Str("reason", result.Reason.String()).
			Msg("scrape failed, using URL as context")
		return input.Value
	}

	pageURL, _ := url.Parse(result.URL)
	text := scraper.ExtractText(result.HTML, pageURL)
	if text == "" {
		b.log.Warn().Str("url", input.Value).Msg("no text extracted, using URL as context")
		return input.Value
	}

	return fmt.Sprintf("Source URL: %s\n\n%s", input.Value, text)
}

const sharedRules = `Rules:
- Write every text field in %[1]s.
- Format long-form fields (content, features, pros, cons) as strict Markdown: ## headings, - bullet lists, **bold** for emphasis, blank lines between blocks.
- Write imagePrompt in English regardless of the content language.
- Escape every double quote inside a string value as \".
- Respond with the raw JSON object only. Do not wrap it in markdown code fences and do not add any text before or after it.`

const newsInstruction = `You are a technology journalist. Using the source material provided, write an original news article.

Return a JSON object with exactly these keys:
{
  "title": "headline, at most 90 characters",
  "description": "one or two sentence summary",
  "content": "the full article body in Markdown, at least four paragraphs",
  "tags": ["three to six short lowercase tags"],
  "readTime": 3,
  "imagePrompt": "an English prompt describing an editorial illustration for the article"
}

`

const toolInstruction = `You are a software reviewer. Using the source material provided, write a directory listing for the software tool it describes.

Return a JSON object with exactly these keys:
{
  "name": "the product name",
  "description": "one or two sentence summary of what the tool does",
  "content": "a detailed review in Markdown covering use cases, workflow and audience",
  "category": "a single category such as Productivity, Design or Developer Tools",
  "toolType": "one of: web, desktop, mobile, api, extension, cli",
  "pricingType": "one of: free, freemium, paid, open-source",
  "features": ["key features, one short phrase each"],
  "pros": ["strengths"],
  "cons": ["weaknesses"]
}

`

// SystemInstruction returns the kind-specific instruction, including the exact JSON schema
func SystemInstruction(kind models.ContentKind, language string) string {
	if strings.TrimSpace(language) == "" {
		language = DefaultLanguage
	}

	base := newsInstruction
	if kind == models.KindTool {
		base = toolInstruction
	}
	return base + fmt.Sprintf(sharedRules, language)
}
