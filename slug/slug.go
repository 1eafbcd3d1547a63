// Package slug derives URL-friendly identifiers for generated articles, tool listings and images.
package slug

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/docutag/contentgen/models"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MaxLength caps generated slugs
const MaxLength = 100

// maxUniqueAttempts bounds the numbered suffixes tried by Unique
const maxUniqueAttempts = 50

var (
	invalidChars = regexp.MustCompile("[^a-z0-9-]+")
	hyphenRuns   = regexp.MustCompile("-+")
)

// Generate creates a URL-friendly slug from a string
func Generate(s string) string {
	if s == "" {
		return ""
	}

	s = strings.ToLower(s)
	s = transliterate(s)

	s = strings.ReplaceAll(s, " ", "-")
	s = strings.ReplaceAll(s, "_", "-")

	s = invalidChars.ReplaceAllString(s, "")
	s = hyphenRuns.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")

	if len(s) > MaxLength {
		s = strings.TrimRight(s[:MaxLength], "-")
	}

	return s
}

// GenerateWithFallback generates a slug, falling back to a default if the input produces an empty slug
func GenerateWithFallback(s, fallback string) string {
	slug := Generate(s)
	if slug == "" {
		return Generate(fallback)
	}
	return slug
}

// transliterate strips diacritics: NFD, drop nonspacing marks, NFC
func transliterate(s string) string {
	t := transform.Chain(norm.NFD, transform.RemoveFunc(isMn), norm.NFC)
	result, _, _ := transform.String(t, s)
	return result
}

func isMn(r rune) bool {
	return unicode.Is(unicode.Mn, r)
}

// MakeUnique appends a numeric suffix to a slug
func MakeUnique(slug string, counter int) string {
	if counter == 0 {
		return slug
	}
	suffix := "-" + strconv.Itoa(counter)
	if len(slug)+len(suffix) > MaxLength {
		slug = strings.TrimRight(slug[:MaxLength-len(suffix)], "-")
	}
	return slug + suffix
}

// FromContent derives a slug from a generation's headline, falling back to fallback
// (usually the generation ID) when the headline yields nothing.
func FromContent(content models.RecoveredContent, kind models.ContentKind, fallback string) string {
	return GenerateWithFallback(content.Headline(kind), fallback)
}

// FromPrompt derives an image slug from the first words of its prompt
func FromPrompt(prompt, fallback string) string {
	words := strings.Fields(prompt)
	if len(words) > 8 {
		words = words[:8]
	}
	return GenerateWithFallback(strings.Join(words, " "), fallback)
}

// Unique returns base, or base with the lowest numeric suffix that exists reports as free
func Unique(ctx context.Context, base string, exists func(context.Context, string) (bool, error)) (string, error) {
	for counter := 0; counter < maxUniqueAttempts; counter++ {
		candidate := MakeUnique(base, counter)
		taken, err := exists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("failed to check slug %q: %w", candidate, err)
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free slug for %q after %d attempts", base, maxUniqueAttempts)
}
