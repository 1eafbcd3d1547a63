package contentgen

import (
	"context"
	"errors"
	"fmt"

	"github.com/docutag/contentgen/generator"
	"github.com/docutag/contentgen/recovery"
	"github.com/docutag/contentgen/scraper"
)

var (
	// ErrUnauthenticated means the caller supplied no identity token
	ErrUnauthenticated = errors.New("authentication required")
	// ErrNotFound means no account matches the caller's token
	ErrNotFound = errors.New("account not found")
	// ErrQuotaExceeded means the caller has no credits left
	ErrQuotaExceeded = errors.New("no generation credits remaining")
	// ErrUnconfigured means the model client has no credential
	ErrUnconfigured = generator.ErrUnconfigured
	// ErrNoImageReturned means a multimodal model answered without an image
	ErrNoImageReturned = generator.ErrNoImageReturned
)

// GenerationFailedError reports that the model did not produce an answer
type GenerationFailedError struct {
	Reason string
	Err    error
}

func (e *GenerationFailedError) Error() string {
	return fmt.Sprintf("generation failed: %s", e.Reason)
}

func (e *GenerationFailedError) Unwrap() error {
	return e.Err
}

// Overloaded reports whether the failure was exhausted overload retries
func (e *GenerationFailedError) Overloaded() bool {
	return errors.Is(e.Err, generator.ErrModelOverloaded)
}

func generationFailed(err error) error {
	if errors.Is(err, generator.ErrModelOverloaded) {
		return &GenerationFailedError{Reason: "model overloaded", Err: err}
	}
	var modelErr *generator.ModelError
	if errors.As(err, &modelErr) {
		return &GenerationFailedError{Reason: modelErr.Message, Err: err}
	}
	return &GenerationFailedError{Reason: err.Error(), Err: err}
}

// UserMessage turns a pipeline error into text suitable for end users
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var genErr *GenerationFailedError
	var formatErr *recovery.UnrecoverableFormatError
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "Please sign in to generate content."
	case errors.Is(err, ErrNotFound):
		return "Your account could not be found."
	case errors.Is(err, ErrQuotaExceeded):
		return "You have no generation credits left."
	case errors.Is(err, ErrUnconfigured):
		return "Content generation is not configured on this server."
	case errors.As(err, &genErr) && genErr.Overloaded():
		return "The AI model is currently overloaded. Please try again in a few minutes."
	case errors.As(err, &genErr):
		return "The AI model failed to generate content. Please try again."
	case errors.As(err, &formatErr):
		return "The AI model answered, but its response could not be read. Please try again."
	case errors.Is(err, ErrNoImageReturned):
		return "The AI model did not return an image. Try a different prompt or model."
	case errors.Is(err, scraper.ErrSourceBlockedNoFallback):
		return "The source site blocked access and no alternative images were found."
	case errors.Is(err, scraper.ErrNoFallbackImages):
		return "No images could be found for this source."
	case errors.Is(err, context.DeadlineExceeded):
		return "The request timed out. Please try again."
	default:
		return "Something went wrong. Please try again."
	}
}
