// Package generator composes model requests and invokes generative model providers.
package generator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnconfigured is returned by client constructors when the credential is missing
	ErrUnconfigured = errors.New("model client is not configured")
	// ErrModelOverloaded is returned once every allowed attempt met an overloaded model
	ErrModelOverloaded = errors.New("generation failed: model overloaded")
)

// StatusOverloaded is the status every provider's overload signal is normalized to
const StatusOverloaded = http.StatusServiceUnavailable

// Model is a generative text model client
type Model interface {
	// Generate sends one system instruction and one user prompt and returns the text reply
	Generate(ctx context.Context, model, system, prompt string) (string, error)
	// Provider names the backing service for logs and metrics
	Provider() string
}

// InlineImage is binary image data returned inline by a multimodal model
type InlineImage struct {
	MimeType string
	Data     []byte
}

// ImageGenerator is implemented by clients whose models can return images
type ImageGenerator interface {
	GenerateImage(ctx context.Context, model, prompt string) (*InlineImage, error)
}

// ModelError is an upstream failure, with the HTTP status when one was available
type ModelError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ModelError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s model error (HTTP %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s model error: %s", e.Provider, e.Message)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}

// IsOverloaded reports whether err is a transient overload worth retrying
func IsOverloaded(err error) bool {
	var modelErr *ModelError
	return errors.As(err, &modelErr) && modelErr.StatusCode == StatusOverloaded
}

// ErrNoImageReturned is returned when a multimodal response carries no image part
var ErrNoImageReturned = errors.New("model returned no image")
