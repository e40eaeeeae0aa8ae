package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// retryWithBackoff executes fn with bounded retries on transient failures.
// Backoff doubles per attempt from 1s up to cfg.MaxBackoff, plus uniform
// jitter. Non-retriable errors (auth failures, bad requests) surface
// immediately.
func retryWithBackoff(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetriableError(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		if ctx.Err() != nil {
			return fmt.Errorf("context canceled: %w", ctx.Err())
		}

		backoff := time.Duration(1<<(attempt-1)) * time.Second
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
		if cfg.MaxJitter > 0 {
			backoff += time.Duration(rand.Int63n(int64(cfg.MaxJitter)))
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("context canceled during backoff: %w", ctx.Err())
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// isRetriableError classifies transient provider failures. Rate limits,
// server errors, timeouts, and network failures retry; other 4xx responses
// indicate requests that will not succeed on retry.
func isRetriableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := err.Error()

	if strings.Contains(errStr, "429") || strings.Contains(errStr, "rate limit") {
		return true
	}

	if strings.Contains(errStr, "500") || strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") || strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout") {
		return true
	}

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "temporary failure") ||
		strings.Contains(errStr, "network") {
		return true
	}

	if strings.Contains(errStr, "400") || strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403") || strings.Contains(errStr, "404") {
		return false
	}

	return false
}
