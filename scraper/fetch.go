// Package scraper fetches source pages and extracts text and image candidates from them.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/docutag/contentgen/metrics"
	"github.com/docutag/contentgen/models"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultUserAgent is a desktop browser identity; many sites reject obvious bots outright
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Config contains fetcher configuration
type Config struct {
	HTTPTimeout  time.Duration
	UserAgent    string
	MaxBodyBytes int64 // Responses are truncated at this size
	BrowserTLS   bool  // Use a browser TLS fingerprint for https targets
}

// DefaultConfig returns default fetcher configuration
func DefaultConfig() Config {
	return Config{
		HTTPTimeout:  30 * time.Second,
		UserAgent:    DefaultUserAgent,
		MaxBodyBytes: 5 * 1024 * 1024,
	}
}

// Fetcher issues single, non-retried GET requests with a browser-like identity
type Fetcher struct {
	config     Config
	httpClient *http.Client
	log        zerolog.Logger
	metrics    *metrics.Metrics
}

// NewFetcher creates a Fetcher; m may be nil
func NewFetcher(config Config, log zerolog.Logger, m *metrics.Metrics) *Fetcher {
	if config.HTTPTimeout <= 0 {
		config.HTTPTimeout = DefaultConfig().HTTPTimeout
	}
	if config.UserAgent == "" {
		config.UserAgent = DefaultUserAgent
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}

	return &Fetcher{
		config:     config,
		httpClient: newHTTPClient(config),
		log:        log.With().Str("component", "fetcher").Logger(),
		metrics:    m,
	}
}

// newHTTPClient builds the traced client shared by fetches and probes
func newHTTPClient(config Config) *http.Client {
	var base http.RoundTripper = http.DefaultTransport.(*http.Transport).Clone()
	if config.BrowserTLS {
		base = newBrowserTransport(config.HTTPTimeout)
	}

	return &http.Client{
		Timeout:   config.HTTPTimeout,
		Transport: otelhttp.NewTransport(base),
	}
}

// Timeout returns the hard timeout applied to each fetch
func (f *Fetcher) Timeout() time.Duration {
	return f.config.HTTPTimeout
}

// Fetch downloads a page. Failures are reported in the result rather than returned,
// so callers can branch on Blocked without unwrapping errors.
//
// The request is detached from ctx cancellation: an abandoned caller does not abort a
// fetch already in flight, which is instead bounded by the configured timeout.
func (f *Fetcher) Fetch(ctx context.Context, targetURL string) models.FetchResult {
	result := f.fetch(ctx, targetURL)
	f.metrics.ObserveFetch(result.Reason.String())

	if !result.OK() {
		f.log.Debug().
			Str("url", targetURL).
			Str("reason", result.Reason.String()).
			Int("status_code", result.StatusCode).
			Err(result.Err).
			Msg("fetch failed")
	}

	return result
}

func (f *Fetcher) fetch(ctx context.Context, targetURL string) models.FetchResult {
	result := models.FetchResult{URL: targetURL}

	parsedURL, err := url.Parse(targetURL)
	if err != nil {
		result.Reason = models.FailureNetwork
		result.Err = fmt.Errorf("invalid URL: %w", err)
		return result
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" || parsedURL.Host == "" {
		result.Reason = models.FailureNetwork
		result.Err = fmt.Errorf("URL must be absolute http or https")
		return result
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.config.HTTPTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		result.Reason = models.FailureNetwork
		result.Err = fmt.Errorf("failed to create request: %w", err)
		return result
	}
	setBrowserHeaders(req, f.config.UserAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		result.Reason = classifyTransportError(err)
		result.Err = err
		return result
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	switch {
	case resp.StatusCode == http.StatusForbidden:
		result.Reason = models.FailureBlocked
		return result
	case resp.StatusCode >= 400:
		result.Reason = models.FailureHTTPStatus
		return result
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxBodyBytes))
	if err != nil {
		result.Reason = classifyTransportError(err)
		result.Err = fmt.Errorf("failed to read body: %w", err)
		return result
	}

	result.HTML = string(body)
	if resp.Request != nil && resp.Request.URL != nil {
		// Relative media must resolve against the final URL after redirects
		result.URL = resp.Request.URL.String()
	}
	return result
}

// Head issues a HEAD request bounded by timeout and returns the status code
func (f *Fetcher) Head(ctx context.Context, targetURL string, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, targetURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()

	return resp.StatusCode, nil
}

func setBrowserHeaders(req *http.Request, userAgent string) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Sec-Fetch-Dest", "document")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Site", "none")
}

func classifyTransportError(err error) models.FailureReason {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.FailureTimeout
	}
	return models.FailureNetwork
}
