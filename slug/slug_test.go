package slug

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/docutag/contentgen/models"
)

func TestGenerate(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "basic ascii",
			input:    "Hello World",
			expected: "hello-world",
		},
		{
			name:     "with punctuation",
			input:    "Hello, World!",
			expected: "hello-world",
		},
		{
			name:     "with multiple spaces",
			input:    "Hello   World   Test",
			expected: "hello-world-test",
		},
		{
			name:     "with unicode characters",
			input:    "Café München",
			expected: "cafe-munchen",
		},
		{
			name:     "with special characters",
			input:    "Hello@#$%World",
			expected: "helloworld",
		},
		{
			name:     "with leading/trailing spaces",
			input:    "  Hello World  ",
			expected: "hello-world",
		},
		{
			name:     "with hyphens",
			input:    "Hello-World-Test",
			expected: "hello-world-test",
		},
		{
			name:     "with underscores",
			input:    "Hello_World_Test",
			expected: "hello-world-test",
		},
		{
			name:     "very long string",
			input:    "This is a very long title that should be truncated to one hundred characters maximum for SEO purposes and URL readability",
			expected: "this-is-a-very-long-title-that-should-be-truncated-to-one-hundred-characters-maximum-for-seo-purpose",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
		{
			name:     "only special characters",
			input:    "@#$%^&*()",
			expected: "",
		},
		{
			name:     "cyrillic characters",
			input:    "Привет Мир",
			expected: "", // Cyrillic chars are removed, not transliterated
		},
		{
			name:     "mixed case with numbers",
			input:    "Article 123 Test",
			expected: "article-123-test",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Generate(tt.input)
			if result != tt.expected {
				t.Errorf("Generate(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestGenerateWithFallback(t *testing.T) {
	tests := []struct {
		name     string
		primary  string
		fallback string
		expected string
	}{
		{
			name:     "use primary when valid",
			primary:  "Test Article",
			fallback: "https://example.com/article",
			expected: "test-article",
		},
		{
			name:     "use fallback when primary empty",
			primary:  "",
			fallback: "https://example.com/article",
			expected: "httpsexamplecomarticle", // Special chars removed
		},
		{
			name:     "use fallback when primary only special chars",
			primary:  "@#$%",
			fallback: "fallback-value",
			expected: "fallback-value",
		},
		{
			name:     "both empty returns empty",
			primary:  "",
			fallback: "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := GenerateWithFallback(tt.primary, tt.fallback)
			if result != tt.expected {
				t.Errorf("GenerateWithFallback(%q, %q) = %q, want %q", tt.primary, tt.fallback, result, tt.expected)
			}
		})
	}
}

func TestFromContent(t *testing.T) {
	tests := []struct {
		name     string
		content  models.RecoveredContent
		kind     models.ContentKind
		expected string
	}{
		{
			name:     "news uses title",
			content:  models.RecoveredContent{"title": "Rust 2.0 Released", "name": "ignored"},
			kind:     models.KindNews,
			expected: "rust-20-released",
		},
		{
			name:     "tool uses name",
			content:  models.RecoveredContent{"title": "ignored", "name": "Linear"},
			kind:     models.KindTool,
			expected: "linear",
		},
		{
			name:     "fallback when headline missing",
			content:  models.RecoveredContent{"description": "no title"},
			kind:     models.KindNews,
			expected: "gen-42",
		},
		{
			name:     "fallback when headline not a string",
			content:  models.RecoveredContent{"title": 7},
			kind:     models.KindNews,
			expected: "gen-42",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := FromContent(tt.content, tt.kind, "gen-42")
			if result != tt.expected {
				t.Errorf("FromContent() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestFromPrompt(t *testing.T) {
	got := FromPrompt("Editorial illustration for an article titled Rust released today with fanfare", "img")
	if got != "editorial-illustration-for-an-article-titled-rust-released" {
		t.Errorf("FromPrompt() = %q", got)
	}
	if got := FromPrompt("!!!", "img-1"); got != "img-1" {
		t.Errorf("FromPrompt() fallback = %q", got)
	}
}

func TestMakeUnique(t *testing.T) {
	if got := MakeUnique("post", 0); got != "post" {
		t.Errorf("MakeUnique(0) = %q", got)
	}
	if got := MakeUnique("post", 12); got != "post-12" {
		t.Errorf("MakeUnique(12) = %q", got)
	}
	long := strings.Repeat("a", MaxLength)
	if got := MakeUnique(long, 3); len(got) != MaxLength || !strings.HasSuffix(got, "-3") {
		t.Errorf("MakeUnique(long) = %q (len %d)", got, len(got))
	}
}

func TestUnique(t *testing.T) {
	taken := map[string]bool{"post": true, "post-1": true}
	exists := func(ctx context.Context, s string) (bool, error) {
		return taken[s], nil
	}

	got, err := Unique(context.Background(), "post", exists)
	if err != nil {
		t.Fatalf("Unique() error = %v", err)
	}
	if got != "post-2" {
		t.Errorf("Unique() = %q, want post-2", got)
	}

	failing := func(ctx context.Context, s string) (bool, error) {
		return false, errors.New("db down")
	}
	if _, err := Unique(context.Background(), "post", failing); err == nil {
		t.Error("Unique() expected error from exists")
	}

	always := func(ctx context.Context, s string) (bool, error) { return true, nil }
	if _, err := Unique(context.Background(), "post", always); err == nil {
		t.Error("Unique() expected exhaustion error")
	}
}

func TestSlugUniqueness(t *testing.T) {
	// Test that similar inputs produce different slugs when needed
	inputs := []string{
		"Test Article",
		"Test Article 1",
		"Test Article 2",
	}

	slugs := make(map[string]bool)
	for _, input := range inputs {
		slug := Generate(input)
		if slugs[slug] {
			t.Errorf("Duplicate slug generated: %q for input %q", slug, input)
		}
		slugs[slug] = true
	}
}

func TestSlugLength(t *testing.T) {
	// Test that slugs are never longer than 100 characters
	longInput := "This is an extremely long title that goes on and on and should definitely be truncated because it exceeds the maximum allowed length for a URL slug which is one hundred characters"

	result := Generate(longInput)
	if len(result) > 100 {
		t.Errorf("Slug length %d exceeds maximum of 100 characters", len(result))
	}
}
