// Package llm wraps the judgment provider behind a single Judge operation.
// Transport retry, backoff, and response-text extraction live here; decision
// semantics live in internal/judge.
package llm

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/time/rate"
)

// Judge is the single judgment-provider operation the pipeline consumes.
type Judge interface {
	// Judge sends one (system, user) prompt pair and returns the raw
	// response text. The text is expected to contain one JSON object;
	// parsing is the caller's concern.
	Judge(ctx context.Context, system, user string) (string, error)
}

// ThinkingLevels are the accepted values for the thinking option.
var ThinkingLevels = []string{"off", "minimal", "low", "medium", "high", "xhigh"}

// NormalizeThinking validates and canonicalizes a thinking level. Empty input
// means "off".
func NormalizeThinking(value string) (string, error) {
	normalized := strings.TrimSpace(strings.ToLower(value))
	if normalized == "" {
		return "off", nil
	}
	for _, level := range ThinkingLevels {
		if normalized == level {
			return normalized, nil
		}
	}
	return "", fmt.Errorf("thinking must be one of: %s", strings.Join(ThinkingLevels, ", "))
}

// Options identifies one judge client configuration. Two Options values with
// equal fields are interchangeable, which is what makes ClientCache safe.
type Options struct {
	Provider string
	Model    string
	APIKey   string
	Thinking string

	// Limiter, when set, paces calls across all workers sharing it. It is
	// not part of the cache identity.
	Limiter *rate.Limiter
}

// New builds a judge client for the configured provider.
func New(opts Options) (Judge, error) {
	thinking, err := NormalizeThinking(opts.Thinking)
	if err != nil {
		return nil, err
	}
	opts.Thinking = thinking

	switch strings.ToLower(strings.TrimSpace(opts.Provider)) {
	case "anthropic":
		return newAnthropicJudge(opts)
	default:
		return nil, fmt.Errorf("unsupported judgment provider %q", opts.Provider)
	}
}
