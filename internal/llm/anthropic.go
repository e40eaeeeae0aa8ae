package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/time/rate"
)

// thinkingBudgets maps thinking levels to provider token budgets.
var thinkingBudgets = map[string]int64{
	"minimal": 1024,
	"low":     2048,
	"medium":  8192,
	"high":    16384,
	"xhigh":   32768,
}

const responseMaxTokens = 2000

type anthropicJudge struct {
	client   anthropic.Client
	model    string
	thinking string
	limiter  *rate.Limiter
	retry    RetryConfig
}

func newAnthropicJudge(opts Options) (Judge, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("anthropic judge requires an API key")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, fmt.Errorf("anthropic judge requires a model")
	}
	return &anthropicJudge{
		client:   anthropic.NewClient(option.WithAPIKey(opts.APIKey)),
		model:    opts.Model,
		thinking: opts.Thinking,
		limiter:  opts.Limiter,
		retry:    DefaultRetryConfig(),
	}, nil
}

func (j *anthropicJudge) Judge(ctx context.Context, system, user string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(j.model),
		MaxTokens: responseMaxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	}
	if budget, ok := thinkingBudgets[j.thinking]; ok {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
		params.MaxTokens = budget + responseMaxTokens
	}

	var response *anthropic.Message
	err := retryWithBackoff(ctx, j.retry, func(attemptCtx context.Context) error {
		if j.limiter != nil {
			if err := j.limiter.Wait(attemptCtx); err != nil {
				return err
			}
		}
		resp, apiErr := j.client.Messages.New(attemptCtx, params)
		if apiErr != nil {
			return apiErr
		}
		response = resp
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("anthropic judge call failed: %w", err)
	}

	var text strings.Builder
	for _, block := range response.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("anthropic judge returned no text content")
	}
	return text.String(), nil
}

// RetryConfig bounds transient-failure retries on judgment calls.
type RetryConfig struct {
	MaxAttempts int           // total attempts, not retries
	MaxBackoff  time.Duration // backoff ceiling
	MaxJitter   time.Duration // uniform jitter added to each backoff
	Timeout     time.Duration // per-attempt timeout
}

// DefaultRetryConfig returns the production retry settings: exponential
// backoff from 1s doubling per attempt, capped at 30s, with up to 250ms of
// jitter, over at most 5 attempts.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		MaxBackoff:  30 * time.Second,
		MaxJitter:   250 * time.Millisecond,
		Timeout:     120 * time.Second,
	}
}
