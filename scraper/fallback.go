package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/docutag/contentgen/metrics"
	"github.com/docutag/contentgen/models"
	"github.com/rs/zerolog"
	"golang.org/x/net/publicsuffix"
)

var (
	// ErrSourceBlockedNoFallback means the page answered 403 and no alternative image was found
	ErrSourceBlockedNoFallback = errors.New("source blocked and no fallback image found")
	// ErrNoFallbackImages means the page was unusable and no alternative image was found
	ErrNoFallbackImages = errors.New("no fallback image found")
)

// SearchEngine describes an image search results page to scrape
type SearchEngine struct {
	Name string
	// URLTemplate contains a single %s replaced by the query-escaped search terms
	URLTemplate string
	// ExcludeHosts drops results served by the engine itself
	ExcludeHosts []string
}

// FallbackConfig contains fallback resolver configuration
type FallbackConfig struct {
	FaviconEnabled    bool
	SearchEnabled     bool
	ScreenshotEnabled bool

	FaviconTimeout   time.Duration
	MinSearchResults int // Below this the next engine is tried
	MaxSearchResults int
	QuerySuffix      string

	// FaviconURLTemplate and ScreenshotURLTemplate take a single %s
	FaviconURLTemplate    string
	ScreenshotURLTemplate string
	Engines               []SearchEngine
}

// DefaultFallbackConfig returns the production fallback configuration
func DefaultFallbackConfig() FallbackConfig {
	return FallbackConfig{
		FaviconEnabled:        true,
		SearchEnabled:         true,
		ScreenshotEnabled:     true,
		FaviconTimeout:        3 * time.Second,
		MinSearchResults:      3,
		MaxSearchResults:      8,
		QuerySuffix:           "dashboard UI",
		FaviconURLTemplate:    "https://www.google.com/s2/favicons?domain=%s&sz=128",
		ScreenshotURLTemplate: "https://s.wordpress.com/mshots/v1/%s?w=1200&h=800",
		Engines: []SearchEngine{
			{
				Name:         "google",
				URLTemplate:  "https://www.google.com/search?tbm=isch&q=%s",
				ExcludeHosts: []string{"google.com", "gstatic.com"},
			},
			{
				Name:         "bing",
				URLTemplate:  "https://www.bing.com/images/search?q=%s",
				ExcludeHosts: []string{"bing.com"},
			},
		},
	}
}

// FallbackResolver produces substitute images for a tool page that could not supply its own
type FallbackResolver struct {
	config  FallbackConfig
	fetcher *Fetcher
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// NewFallbackResolver creates a resolver that issues its requests through fetcher
func NewFallbackResolver(config FallbackConfig, fetcher *Fetcher, log zerolog.Logger, m *metrics.Metrics) *FallbackResolver {
	if config.FaviconTimeout <= 0 {
		config.FaviconTimeout = DefaultFallbackConfig().FaviconTimeout
	}
	if config.MaxSearchResults <= 0 {
		config.MaxSearchResults = DefaultFallbackConfig().MaxSearchResults
	}
	return &FallbackResolver{
		config:  config,
		fetcher: fetcher,
		log:     log.With().Str("component", "fallback").Logger(),
		metrics: m,
	}
}

// Resolve runs the enabled steps and merges their output as
// [favicon] + search results + [screenshot] + [favicon], capped at ToolMediaLimit by
// trimming search results. cause is the reason the page itself was unusable.
func (r *FallbackResolver) Resolve(ctx context.Context, pageURL string, cause error) (models.MediaCandidateSet, error) {
	host := hostOf(pageURL)

	var favicon string
	if r.config.FaviconEnabled && host != "" {
		favicon = r.favicon(ctx, host)
		r.metrics.ObserveFallbackStep("favicon", favicon != "")
	}

	var found []string
	if r.config.SearchEnabled && host != "" {
		found = r.search(ctx, host)
		r.metrics.ObserveFallbackStep("search", len(found) > 0)
	}

	var screenshot string
	if r.config.ScreenshotEnabled {
		screenshot = r.screenshot(pageURL)
		r.metrics.ObserveFallbackStep("screenshot", screenshot != "")
	}

	images := mergeFallback(favicon, found, screenshot, ToolMediaLimit)
	r.log.Info().
		Str("url", pageURL).
		Bool("favicon", favicon != "").
		Int("search_results", len(found)).
		Int("images", len(images)).
		Msg("fallback resolved")

	if len(images) == 0 {
		return models.MediaCandidateSet{Images: []string{}, IsFallback: true}, noFallbackError(cause)
	}
	return models.MediaCandidateSet{Images: images, IsFallback: true}, nil
}

// noFallbackError keeps the blocked distinction so callers can word their message
func noFallbackError(cause error) error {
	var fetchErr *models.FetchError
	if errors.As(cause, &fetchErr) && fetchErr.Reason == models.FailureBlocked {
		return fmt.Errorf("%w: %v", ErrSourceBlockedNoFallback, cause)
	}
	if cause != nil {
		return fmt.Errorf("%w: %v", ErrNoFallbackImages, cause)
	}
	return ErrNoFallbackImages
}

// favicon returns the favicon service URL when a HEAD probe answers 200
func (r *FallbackResolver) favicon(ctx context.Context, host string) string {
	candidate := fmt.Sprintf(r.config.FaviconURLTemplate, url.QueryEscape(host))
	status, err := r.fetcher.Head(ctx, candidate, r.config.FaviconTimeout)
	if err != nil {
		r.log.Debug().Err(err).Str("host", host).Msg("favicon probe failed")
		return ""
	}
	if status != http.StatusOK {
		r.log.Debug().Int("status_code", status).Str("host", host).Msg("favicon unavailable")
		return ""
	}
	return candidate
}

// search queries engines in order until MinSearchResults images are collected
func (r *FallbackResolver) search(ctx context.Context, host string) []string {
	query := strings.TrimSpace(registrableName(host) + " " + r.config.QuerySuffix)

	seen := make(map[string]bool)
	var found []string
	for _, engine := range r.config.Engines {
		if len(found) >= r.config.MinSearchResults && len(found) > 0 {
			break
		}
		for _, image := range r.scrapeEngine(ctx, engine, query) {
			if len(found) >= r.config.MaxSearchResults {
				break
			}
			if seen[image] {
				continue
			}
			seen[image] = true
			found = append(found, image)
		}
	}
	return found
}

func (r *FallbackResolver) scrapeEngine(ctx context.Context, engine SearchEngine, query string) []string {
	searchURL := fmt.Sprintf(engine.URLTemplate, url.QueryEscape(query))
	result := r.fetcher.Fetch(ctx, searchURL)
	if !result.OK() {
		r.log.Debug().Str("engine", engine.Name).Str("reason", result.Reason.String()).Msg("image search failed")
		return nil
	}

	images := parseSearchResults(result.HTML, baseURL(result.URL, searchURL), engine.ExcludeHosts)
	r.log.Debug().Str("engine", engine.Name).Int("results", len(images)).Msg("image search complete")
	return images
}

// parseSearchResults collects result image URLs from a search page. Bing embeds the full
// size URL as JSON in the m attribute of its result anchors; those are read first.
func parseSearchResults(rawHTML string, base *url.URL, excludeHosts []string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil
	}

	var results []string
	seen := make(map[string]bool)
	add := func(raw string) {
		resolved, ok := resolveURL(base, raw)
		if !ok || seen[resolved] || excludedHost(resolved, excludeHosts) {
			return
		}
		seen[resolved] = true
		results = append(results, resolved)
	}

	doc.Find("a.iusc[m]").Each(func(_ int, s *goquery.Selection) {
		var meta struct {
			MediaURL string `json:"murl"`
		}
		raw, _ := s.Attr("m")
		if err := json.Unmarshal([]byte(raw), &meta); err == nil {
			add(meta.MediaURL)
		}
	})

	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		for _, attr := range []string{"src", "data-src"} {
			if v, ok := s.Attr(attr); ok {
				add(v)
			}
		}
	})

	return results
}

func (r *FallbackResolver) screenshot(pageURL string) string {
	return fmt.Sprintf(r.config.ScreenshotURLTemplate, url.QueryEscape(pageURL))
}

// mergeFallback orders the fallback images; the favicon deliberately appears twice
func mergeFallback(favicon string, found []string, screenshot string, limit int) []string {
	reserved := 0
	if favicon != "" {
		reserved += 2
	}
	if screenshot != "" {
		reserved++
	}

	searchSlots := limit - reserved
	if searchSlots < 0 {
		searchSlots = 0
	}

	images := []string{}
	if favicon != "" {
		images = append(images, favicon)
	}
	for _, image := range found {
		if searchSlots == 0 {
			break
		}
		if image == favicon || image == screenshot {
			continue
		}
		images = append(images, image)
		searchSlots--
	}
	if screenshot != "" {
		images = append(images, screenshot)
	}
	if favicon != "" {
		images = append(images, favicon)
	}
	return images
}

// registrableName reduces a host to the brand part of its registrable domain,
// e.g. app.notion.so becomes notion
func registrableName(host string) string {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	if net.ParseIP(host) != nil {
		return host
	}

	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	suffix, _ := publicsuffix.PublicSuffix(domain)
	return strings.TrimSuffix(domain, "."+suffix)
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}

func excludedHost(rawURL string, excludeHosts []string) bool {
	host := hostOf(rawURL)
	for _, excluded := range excludeHosts {
		if host == excluded || strings.HasSuffix(host, "."+excluded) {
			return true
		}
	}
	return false
}
