package contentgen

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/url"
	"strings"

	"github.com/docutag/contentgen/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	_ "golang.org/x/image/webp"
)

// DefaultImageServiceURL renders prompts to images without a model call
const DefaultImageServiceURL = "https://image.pollinations.ai/prompt/%s?width=1200&height=630&nologo=true"

// ImageRequest describes an illustration to generate
type ImageRequest struct {
	Title        string
	Description  string
	Model        string
	CustomPrompt string // Used verbatim when set
}

// ImagePrompt builds an English editorial illustration prompt
func ImagePrompt(title, description string) string {
	var b strings.Builder
	b.WriteString("Editorial illustration for an article titled \"")
	b.WriteString(strings.TrimSpace(title))
	b.WriteString("\"")
	if d := strings.TrimSpace(description); d != "" {
		b.WriteString(" about ")
		b.WriteString(d)
	}
	b.WriteString(". Modern flat style, clean composition, vibrant colors, no text, no logos, 16:9 aspect ratio.")
	return b.String()
}

// IsMultimodalImageModel reports whether a model id names an image-capable model
func IsMultimodalImageModel(model string) bool {
	return strings.Contains(strings.ToLower(model), "image")
}

// GenerateImage returns an image for req. Image-capable models are asked for inline image
// data, returned as a data URI; any other model id produces an external image service URL.
func (p *Pipeline) GenerateImage(ctx context.Context, req ImageRequest) (*models.ImageResult, error) {
	prompt := strings.TrimSpace(req.CustomPrompt)
	if prompt == "" {
		prompt = ImagePrompt(req.Title, req.Description)
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = p.imageModel
	}

	ctx, span := p.tracer.Start(ctx, "contentgen.GenerateImage", trace.WithAttributes(
		attribute.String("image.model", model),
	))
	defer span.End()

	if !IsMultimodalImageModel(model) {
		p.metrics.ObserveImage("service", true)
		return &models.ImageResult{
			ImageURL:    fmt.Sprintf(p.imageServiceURL, url.PathEscape(prompt)),
			ImagePrompt: prompt,
			Width:       p.imageWidth,
			Height:      p.imageHeight,
		}, nil
	}

	if p.invoker == nil || !p.invoker.SupportsImages() {
		span.SetStatus(codes.Error, ErrUnconfigured.Error())
		return nil, ErrUnconfigured
	}

	img, state, err := p.invoker.GenerateImage(ctx, model, prompt, p.policies.For(models.KindTool).Retry)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.metrics.ObserveImage("model", false)
		p.log.Error().Err(err).Str("model", model).Int("attempts", state.Attempt).Msg("image generation failed")
		if errors.Is(err, ErrNoImageReturned) || errors.Is(err, ErrUnconfigured) {
			return nil, err
		}
		return nil, generationFailed(err)
	}
	p.metrics.ObserveImage("model", true)

	result := &models.ImageResult{
		ImageURL:    "data:" + img.MimeType + ";base64," + base64.StdEncoding.EncodeToString(img.Data),
		ImagePrompt: prompt,
		MimeType:    img.MimeType,
	}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(img.Data)); err == nil {
		result.Width = cfg.Width
		result.Height = cfg.Height
	} else {
		p.log.Debug().Err(err).Str("mime_type", img.MimeType).Msg("could not decode image dimensions")
	}

	return result, nil
}
