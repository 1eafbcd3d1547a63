package generator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"
	defaultModelTimeout  = 60 * time.Second
)

// GeminiClient calls the Gemini generateContent REST endpoint
type GeminiClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// GeminiOption configures a GeminiClient
type GeminiOption func(*GeminiClient)

// WithGeminiBaseURL overrides the API host
func WithGeminiBaseURL(baseURL string) GeminiOption {
	return func(c *GeminiClient) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithGeminiHTTPClient replaces the HTTP client
func WithGeminiHTTPClient(client *http.Client) GeminiOption {
	return func(c *GeminiClient) {
		c.httpClient = client
	}
}

// NewGeminiClient creates a Gemini client; an empty key returns ErrUnconfigured
func NewGeminiClient(apiKey string, opts ...GeminiOption) (*GeminiClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("gemini: %w", ErrUnconfigured)
	}

	c := &GeminiClient{
		apiKey:  apiKey,
		baseURL: defaultGeminiBaseURL,
		httpClient: &http.Client{
			Timeout:   defaultModelTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *GeminiClient) Provider() string {
	return "gemini"
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
	// Some API versions answer in snake_case
	InlineDataAlt *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType    string `json:"mimeType,omitempty"`
	MimeTypeAlt string `json:"mime_type,omitempty"`
	Data        string `json:"data"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Contents          []geminiContent         `json:"contents"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

type geminiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Generate returns the concatenated text parts of the first candidate
func (c *GeminiClient) Generate(ctx context.Context, model, system, prompt string) (string, error) {
	req := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}},
	}
	if system != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}

	resp, err := c.generateContent(ctx, model, req)
	if err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 {
		return "", &ModelError{Provider: c.Provider(), Message: "no candidates in response"}
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	return text.String(), nil
}

// GenerateImage asks for TEXT and IMAGE modalities and returns the first inline image
func (c *GeminiClient) GenerateImage(ctx context.Context, model, prompt string) (*InlineImage, error) {
	req := geminiRequest{
		Contents:         []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}},
		GenerationConfig: &geminiGenerationConfig{ResponseModalities: []string{"TEXT", "IMAGE"}},
	}

	resp, err := c.generateContent(ctx, model, req)
	if err != nil {
		return nil, err
	}

	for _, candidate := range resp.Candidates {
		for _, part := range candidate.Content.Parts {
			inline := part.InlineData
			if inline == nil {
				inline = part.InlineDataAlt
			}
			if inline == nil || inline.Data == "" {
				continue
			}

			data, err := base64.StdEncoding.DecodeString(inline.Data)
			if err != nil {
				return nil, fmt.Errorf("failed to decode inline image: %w", err)
			}
			mimeType := inline.MimeType
			if mimeType == "" {
				mimeType = inline.MimeTypeAlt
			}
			if mimeType == "" {
				mimeType = http.DetectContentType(data)
			}
			return &InlineImage{MimeType: mimeType, Data: data}, nil
		}
	}

	return nil, ErrNoImageReturned
}

func (c *GeminiClient) generateContent(ctx context.Context, model string, body geminiRequest) (*geminiResponse, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ModelError{Provider: c.Provider(), Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ModelError{Provider: c.Provider(), StatusCode: resp.StatusCode, Message: "failed to read response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		message := strings.TrimSpace(string(respBody))
		var errBody geminiErrorBody
		if json.Unmarshal(respBody, &errBody) == nil && errBody.Error.Message != "" {
			message = errBody.Error.Message
		}
		return nil, &ModelError{Provider: c.Provider(), StatusCode: resp.StatusCode, Message: message}
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &ModelError{Provider: c.Provider(), StatusCode: resp.StatusCode, Message: "failed to parse response", Err: err}
	}
	return &parsed, nil
}
