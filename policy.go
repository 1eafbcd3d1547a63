package contentgen

import (
	"github.com/docutag/contentgen/generator"
	"github.com/docutag/contentgen/models"
)

// MediaPolicy selects how media extraction reacts to an unusable page
type MediaPolicy int

const (
	// MediaSoftFail returns an empty list with an error message
	MediaSoftFail MediaPolicy = iota
	// MediaFallback cascades through favicon, image search and screenshot
	MediaFallback
)

func (p MediaPolicy) String() string {
	if p == MediaFallback {
		return "fallback"
	}
	return "soft_fail"
}

// KindPolicy is the retry and media behaviour for one content kind
type KindPolicy struct {
	Retry generator.RetryPolicy
	Media MediaPolicy
}

// Policies maps each content kind to its behaviour
type Policies map[models.ContentKind]KindPolicy

// DefaultPolicies: news generation is not retried and news media fails soft; tool
// generation retries overloads and tool media cascades through fallback images.
// TODO: confirm with product whether news should share the tool retry policy.
func DefaultPolicies() Policies {
	return Policies{
		models.KindNews: {Retry: generator.NoRetry(), Media: MediaSoftFail},
		models.KindTool: {Retry: generator.OverloadRetry(), Media: MediaFallback},
	}
}

// For returns the policy for kind, or the news policy for unknown kinds
func (p Policies) For(kind models.ContentKind) KindPolicy {
	if policy, ok := p[kind]; ok {
		return policy
	}
	return p[models.KindNews]
}
