package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ContentKind selects the prompt template, expected field set and per-kind policy
type ContentKind string

const (
	KindNews ContentKind = "news"
	KindTool ContentKind = "tool"
)

// ParseContentKind validates a kind supplied by a caller
func ParseContentKind(s string) (ContentKind, error) {
	switch ContentKind(strings.ToLower(strings.TrimSpace(s))) {
	case KindNews:
		return KindNews, nil
	case KindTool:
		return KindTool, nil
	default:
		return "", fmt.Errorf("unknown content kind %q", s)
	}
}

// newsKeys and toolKeys are the top-level keys the model is instructed to return
var (
	newsKeys = []string{"title", "description", "content", "tags", "readTime", "imagePrompt"}
	toolKeys = []string{"name", "description", "content", "category", "toolType", "pricingType", "features", "pros", "cons"}
)

// ExpectedKeys returns the schema keys for a content kind
func ExpectedKeys(kind ContentKind) []string {
	if kind == KindTool {
		return append([]string(nil), toolKeys...)
	}
	return append([]string(nil), newsKeys...)
}

// ContextType tags a generation context as a URL to scrape or literal prompt text
type ContextType int

const (
	ContextText ContextType = iota
	ContextURL
)

// Context is the caller-supplied generation input
type Context struct {
	Type  ContextType
	Value string
}

// URLContext builds a context that is scraped before prompting
func URLContext(u string) Context {
	return Context{Type: ContextURL, Value: strings.TrimSpace(u)}
}

// TextContext builds a context that is used verbatim
func TextContext(s string) Context {
	return Context{Type: ContextText, Value: s}
}

// IsURL reports whether the context should be scraped
func (c Context) IsURL() bool {
	return c.Type == ContextURL
}

// FailureReason classifies a failed fetch
type FailureReason int

const (
	FailureNone FailureReason = iota
	FailureTimeout
	FailureBlocked
	FailureHTTPStatus
	FailureNetwork
)

func (r FailureReason) String() string {
	switch r {
	case FailureNone:
		return "none"
	case FailureTimeout:
		return "timeout"
	case FailureBlocked:
		return "blocked"
	case FailureHTTPStatus:
		return "http_status"
	case FailureNetwork:
		return "network_error"
	default:
		return "unknown"
	}
}

// FetchResult is the outcome of a single outbound GET
type FetchResult struct {
	URL        string
	HTML       string
	Reason     FailureReason
	StatusCode int
	Err        error
}

// OK reports whether HTML was obtained
func (r FetchResult) OK() bool {
	return r.Reason == FailureNone
}

// Blocked reports whether the target answered 403
func (r FetchResult) Blocked() bool {
	return r.Reason == FailureBlocked
}

// AsError converts a failed result into a *FetchError, or nil on success
func (r FetchResult) AsError() error {
	if r.OK() {
		return nil
	}
	return &FetchError{URL: r.URL, Reason: r.Reason, StatusCode: r.StatusCode, Err: r.Err}
}

// FetchError carries the failure classification through error chains
type FetchError struct {
	URL        string
	Reason     FailureReason
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch e.Reason {
	case FailureBlocked:
		return fmt.Sprintf("fetch %s: blocked (HTTP %d)", e.URL, e.StatusCode)
	case FailureHTTPStatus:
		return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.StatusCode)
	default:
		if e.Err != nil {
			return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Reason, e.Err)
		}
		return fmt.Sprintf("fetch %s: %s", e.URL, e.Reason)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// MediaCandidateSet is the ranked list of image candidates for a page
type MediaCandidateSet struct {
	Images      []string `json:"images"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	IsFallback  bool     `json:"isFallback"`
	Error       string   `json:"error,omitempty"`
}

// GenerationRequest is the fully composed model input
type GenerationRequest struct {
	Kind              ContentKind
	SystemInstruction string
	UserContext       string
	Model             string
}

// RetryState tracks one invocation's attempts
type RetryState struct {
	Attempt     int
	MaxAttempts int
	LastError   error
}

// RecoveredContent is the structure recovered from model output
type RecoveredContent map[string]any

// Text returns a string field or "" when absent or not a string
func (c RecoveredContent) Text(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

// Has reports whether a top-level key is present
func (c RecoveredContent) Has(key string) bool {
	_, ok := c[key]
	return ok
}

// Int returns a numeric field as int
func (c RecoveredContent) Int(key string) (int, bool) {
	switch v := c[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

// Strings returns a list field, skipping non-string entries
func (c RecoveredContent) Strings(key string) []string {
	switch v := c[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Missing returns the expected keys absent from the content
func (c RecoveredContent) Missing(kind ContentKind) []string {
	var missing []string
	for _, key := range ExpectedKeys(kind) {
		if !c.Has(key) {
			missing = append(missing, key)
		}
	}
	return missing
}

// Headline returns the display title (title for news, name for tools)
func (c RecoveredContent) Headline(kind ContentKind) string {
	if kind == KindTool {
		return c.Text("name")
	}
	return c.Text("title")
}

// ErrAccountNotFound is returned by account stores when no record matches a token
var ErrAccountNotFound = errors.New("account not found")

// Account is the caller record consulted before generation
type Account struct {
	ID      string `json:"id"`
	Token   string `json:"-"`
	Credits int    `json:"credits"`
}

// Generation is a persisted generation result
type Generation struct {
	ID          string           `json:"id"`
	AccountID   string           `json:"account_id"`
	Kind        ContentKind      `json:"kind"`
	Slug        string           `json:"slug"`
	Model       string           `json:"model"`
	Parser      string           `json:"parser"`
	Source      string           `json:"source,omitempty"`
	Content     RecoveredContent `json:"content"`
	ContentPath string           `json:"content_path,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// ImageResult is the output of image generation
type ImageResult struct {
	ImageURL    string `json:"imageUrl"`
	ImagePrompt string `json:"imagePrompt"`
	MimeType    string `json:"mimeType,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	StoragePath string `json:"storagePath,omitempty"`
}

// StoredImage is a persisted generated image
type StoredImage struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	Slug        string    `json:"slug"`
	Prompt      string    `json:"prompt"`
	Model       string    `json:"model"`
	URL         string    `json:"url,omitempty"`
	StoragePath string    `json:"storage_path,omitempty"`
	MimeType    string    `json:"mime_type,omitempty"`
	Width       int       `json:"width,omitempty"`
	Height      int       `json:"height,omitempty"`
	SizeBytes   int64     `json:"size_bytes,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
