package scraper

import (
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

const (
	// MaxTextLength caps the extracted text in runes
	MaxTextLength = 20000
	// MinBlockLength is the trimmed length a block must exceed to be kept
	MinBlockLength = 20
)

// nonContentSelectors are removed before text is collected
const nonContentSelectors = "script, style, nav, footer, header, iframe, noscript"

const (
	headingAndParagraphSelectors = "h1, h2, h3, h4, h5, h6, p, li"
	textBlockSelectors           = headingAndParagraphSelectors + ", article"
)

// ExtractText reduces a page to its readable blocks in document order.
//
// Headings, paragraphs and list items longer than MinBlockLength are kept once each
// and joined with blank lines. An article element contributes its own text only when it
// has no nested headings, paragraphs or list items, so wrapped content is not counted
// twice. Pages with no qualifying blocks fall back to a readability pass.
func ExtractText(rawHTML string, pageURL *url.URL) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return ""
	}

	doc.Find(nonContentSelectors).Remove()

	var blocks []string
	seen := make(map[string]bool)
	doc.Find(textBlockSelectors).Each(func(_ int, s *goquery.Selection) {
		if goquery.NodeName(s) == "article" && s.Find(headingAndParagraphSelectors).Length() > 0 {
			return
		}

		text := collapseWhitespace(s.Text())
		if utf8.RuneCountInString(text) <= MinBlockLength || seen[text] {
			return
		}
		seen[text] = true
		blocks = append(blocks, text)
	})

	text := strings.Join(blocks, "\n\n")
	if text == "" {
		text = readableText(rawHTML, pageURL)
	}

	return truncateRunes(text, MaxTextLength)
}

// readableText runs the readability heuristics for pages without block markup
func readableText(rawHTML string, pageURL *url.URL) string {
	if pageURL == nil {
		pageURL = &url.URL{Scheme: "http", Host: "localhost"}
	}

	article, err := readability.FromReader(strings.NewReader(rawHTML), pageURL)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(article.TextContent)
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
