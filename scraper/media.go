package scraper

import (
	"context"
	"errors"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/docutag/contentgen/metrics"
	"github.com/docutag/contentgen/models"
	"github.com/dyatlov/go-opengraph/opengraph"
	"github.com/rs/zerolog"
)

const (
	// NewsMediaLimit caps news candidate lists
	NewsMediaLimit = 10
	// ToolMediaLimit caps tool candidate lists, fallback included
	ToolMediaLimit = 12
)

// errNoCandidates is the fallback cause when a tool page loads but yields no images
var errNoCandidates = errors.New("page has no image candidates")

// trackingKeywords mark images that are never content in any mode
var trackingKeywords = []string{
	"1x1",
	"pixel",
	"tracking",
	"spacer",
	"blank.gif",
	"transparent.gif",
	"placeholder",
	"spinner",
	"loader",
}

// brandingKeywords mark images news pages treat as chrome rather than content
var brandingKeywords = []string{
	"logo",
	"icon",
	"avatar",
}

// MediaExtractor turns a page URL into a ranked list of image candidates
type MediaExtractor struct {
	fetcher  *Fetcher
	fallback *FallbackResolver
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

// NewMediaExtractor creates a MediaExtractor. fallback may be nil, in which case tool pages
// that yield nothing report ErrNoFallbackImages.
func NewMediaExtractor(fetcher *Fetcher, fallback *FallbackResolver, log zerolog.Logger, m *metrics.Metrics) *MediaExtractor {
	return &MediaExtractor{
		fetcher:  fetcher,
		fallback: fallback,
		log:      log.With().Str("component", "media").Logger(),
		metrics:  m,
	}
}

// ExtractNewsMedia collects up to NewsMediaLimit content images. Fetch failures are
// reported in the Error field with an empty image list.
func (e *MediaExtractor) ExtractNewsMedia(ctx context.Context, pageURL string) models.MediaCandidateSet {
	result := e.fetcher.Fetch(ctx, pageURL)
	if !result.OK() {
		e.metrics.ObserveMedia(string(models.KindNews), "error")
		e.log.Warn().Str("url", pageURL).Str("reason", result.Reason.String()).Msg("media fetch failed")
		return models.MediaCandidateSet{Images: []string{}, Error: result.AsError().Error()}
	}

	set := ParseMedia(result.HTML, baseURL(result.URL, pageURL), models.KindNews)
	e.metrics.ObserveMedia(string(models.KindNews), "page")
	return set
}

// ExtractToolMedia collects up to ToolMediaLimit images, favouring branding.
//
// When the page is blocked, unreachable or has no usable images the fallback resolver
// supplies alternatives. The returned error is non-nil only when no image at all could
// be produced; the set still carries any title and description scraped from the page.
func (e *MediaExtractor) ExtractToolMedia(ctx context.Context, pageURL string) (models.MediaCandidateSet, error) {
	result := e.fetcher.Fetch(ctx, pageURL)
	if !result.OK() {
		if result.Blocked() {
			e.log.Warn().Str("url", pageURL).Msg("source blocked, resolving fallback images")
		}
		return e.resolveFallback(ctx, pageURL, models.MediaCandidateSet{}, result.AsError())
	}

	set := ParseMedia(result.HTML, baseURL(result.URL, pageURL), models.KindTool)
	if len(set.Images) > 0 {
		e.metrics.ObserveMedia(string(models.KindTool), "page")
		return set, nil
	}

	return e.resolveFallback(ctx, pageURL, set, errNoCandidates)
}

func (e *MediaExtractor) resolveFallback(ctx context.Context, pageURL string, page models.MediaCandidateSet, cause error) (models.MediaCandidateSet, error) {
	if e.fallback == nil {
		e.metrics.ObserveMedia(string(models.KindTool), "error")
		return withImages(page, []string{}), noFallbackError(cause)
	}

	fallback, err := e.fallback.Resolve(ctx, pageURL, cause)
	if err != nil {
		e.metrics.ObserveMedia(string(models.KindTool), "error")
		return withImages(page, []string{}), err
	}

	e.metrics.ObserveMedia(string(models.KindTool), "fallback")
	page.Images = fallback.Images
	page.IsFallback = true
	return page, nil
}

func withImages(set models.MediaCandidateSet, images []string) models.MediaCandidateSet {
	set.Images = images
	return set
}

// ParseMedia extracts image candidates, title and description from a page.
//
// Candidate order is og:image, twitter:image, then (tool pages) logo-like images and
// touch/site icons, then a scan of every img element. Candidates are absolute http(s),
// deduplicated and capped per kind.
func ParseMedia(rawHTML string, base *url.URL, kind models.ContentKind) models.MediaCandidateSet {
	limit := NewsMediaLimit
	if kind == models.KindTool {
		limit = ToolMediaLimit
	}
	candidates := newCandidateList(base, limit)
	set := models.MediaCandidateSet{Images: []string{}}

	og := opengraph.NewOpenGraph()
	if err := og.ProcessHTML(strings.NewReader(rawHTML)); err == nil {
		for _, img := range og.Images {
			if img == nil {
				continue
			}
			if img.SecureURL != "" {
				candidates.add(img.SecureURL)
			}
			candidates.add(img.URL)
		}
		set.Title = strings.TrimSpace(og.Title)
		set.Description = strings.TrimSpace(og.Description)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		set.Images = candidates.items
		return set
	}

	doc.Find("meta[name='twitter:image'], meta[name='twitter:image:src'], meta[property='twitter:image']").Each(func(_ int, s *goquery.Selection) {
		content, _ := s.Attr("content")
		candidates.add(content)
	})

	if kind == models.KindTool {
		collectBranding(doc, candidates)
	}

	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		src := imageSource(s)
		if src == "" || skipImage(src, kind) {
			return
		}
		candidates.add(src)
	})

	if set.Title == "" {
		set.Title = extractTitle(doc)
	}
	if set.Description == "" {
		set.Description = extractDescription(doc)
	}

	set.Images = candidates.items
	return set
}

// collectBranding adds logo images, then apple-touch-icons, then site icons
func collectBranding(doc *goquery.Document, candidates *candidateList) {
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		src := imageSource(s)
		if src == "" || strings.HasPrefix(src, "data:") {
			return
		}
		var attrs []string
		for _, name := range []string{"src", "class", "id", "alt"} {
			if v, ok := s.Attr(name); ok {
				attrs = append(attrs, strings.ToLower(v))
			}
		}
		if strings.Contains(strings.Join(attrs, " "), "logo") {
			candidates.add(src)
		}
	})

	links := doc.Find("link[rel][href]")
	links.Each(func(_ int, s *goquery.Selection) {
		if relContains(s, "apple-touch-icon") || relContains(s, "apple-touch-icon-precomposed") {
			href, _ := s.Attr("href")
			candidates.add(href)
		}
	})
	links.Each(func(_ int, s *goquery.Selection) {
		if relContains(s, "icon") {
			href, _ := s.Attr("href")
			candidates.add(href)
		}
	})
}

func relContains(s *goquery.Selection, value string) bool {
	rel, _ := s.Attr("rel")
	for _, token := range strings.Fields(strings.ToLower(rel)) {
		if token == value {
			return true
		}
	}
	return false
}

// imageSource returns src, or data-src for lazily loaded images
func imageSource(s *goquery.Selection) string {
	if src, ok := s.Attr("src"); ok && strings.TrimSpace(src) != "" && !strings.HasPrefix(src, "data:") {
		return strings.TrimSpace(src)
	}
	if src, ok := s.Attr("data-src"); ok {
		return strings.TrimSpace(src)
	}
	return ""
}

// skipImage filters non-content images. News pages also drop branding imagery by filename.
func skipImage(src string, kind models.ContentKind) bool {
	lower := strings.ToLower(src)
	if strings.HasPrefix(lower, "data:") {
		return true
	}

	// Keywords are matched against the file name, never the host
	filename := lower
	if parsed, err := url.Parse(lower); err == nil {
		filename = path.Base(parsed.Path)
	}
	for _, keyword := range trackingKeywords {
		if strings.Contains(filename, keyword) {
			return true
		}
	}

	if kind != models.KindNews {
		return false
	}

	for _, keyword := range brandingKeywords {
		if strings.Contains(filename, keyword) {
			return true
		}
	}
	return false
}

// extractTitle falls back through twitter:title, the first h1 and the title tag
func extractTitle(doc *goquery.Document) string {
	if title, ok := doc.Find("meta[name='twitter:title']").Attr("content"); ok && strings.TrimSpace(title) != "" {
		return strings.TrimSpace(title)
	}
	if h1 := collapseWhitespace(doc.Find("h1").First().Text()); h1 != "" {
		return h1
	}
	return collapseWhitespace(doc.Find("title").First().Text())
}

func extractDescription(doc *goquery.Document) string {
	for _, selector := range []string{"meta[name='description']", "meta[name='twitter:description']"} {
		if desc, ok := doc.Find(selector).Attr("content"); ok && strings.TrimSpace(desc) != "" {
			return strings.TrimSpace(desc)
		}
	}
	return ""
}

// candidateList accumulates unique absolute http(s) URLs up to a limit
type candidateList struct {
	base  *url.URL
	limit int
	seen  map[string]bool
	items []string
}

func newCandidateList(base *url.URL, limit int) *candidateList {
	return &candidateList{
		base:  base,
		limit: limit,
		seen:  make(map[string]bool),
		items: []string{},
	}
}

func (c *candidateList) add(raw string) bool {
	if len(c.items) >= c.limit {
		return false
	}
	resolved, ok := resolveURL(c.base, raw)
	if !ok || c.seen[resolved] {
		return false
	}
	c.seen[resolved] = true
	c.items = append(c.items, resolved)
	return true
}

// resolveURL resolves a potentially relative URL and accepts only absolute http(s) results
func resolveURL(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "data:") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return "", false
	}

	parsed, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	if base != nil {
		parsed = base.ResolveReference(parsed)
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return "", false
	}
	return parsed.String(), true
}

func baseURL(final, requested string) *url.URL {
	for _, candidate := range []string{final, requested} {
		if parsed, err := url.Parse(candidate); err == nil && parsed.Host != "" {
			return parsed
		}
	}
	return nil
}
