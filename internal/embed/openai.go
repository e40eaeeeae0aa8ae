package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.openai.com"

// OpenAIClient calls an OpenAI-compatible embeddings endpoint.
type OpenAIClient struct {
	apiKey      string
	model       string
	dimensions  int
	baseURL     string
	maxAttempts int
	httpClient  *http.Client
}

// NewOpenAIClient builds an embeddings client. baseURL may be empty for the
// OpenAI default; dimensions must match the store's vector column usage.
func NewOpenAIClient(apiKey, model string, dimensions int, baseURL string) (*OpenAIClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("embeddings client requires an API key")
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("embeddings client requires a model")
	}
	if dimensions <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be > 0 (got %d)", dimensions)
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &OpenAIClient{
		apiKey:      apiKey,
		model:       strings.TrimSpace(model),
		dimensions:  dimensions,
		baseURL:     strings.TrimRight(baseURL, "/"),
		maxAttempts: 5,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// Model implements Embedder.
func (c *OpenAIClient) Model() string {
	return c.model
}

type embeddingsRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// EmbedTexts implements Embedder. Transient failures (429, 5xx, network)
// retry with exponential backoff capped at 30s.
func (c *OpenAIClient) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		vectors, retriable, err := c.attempt(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		if !retriable || attempt == c.maxAttempts {
			return nil, err
		}

		backoff := time.Duration(1<<(attempt-1)) * time.Second
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
		backoff += time.Duration(rand.Int63n(int64(250 * time.Millisecond)))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, fmt.Errorf("embedding canceled during backoff: %w", ctx.Err())
		}
	}
	return nil, fmt.Errorf("embedding failed after %d attempts: %w", c.maxAttempts, lastErr)
}

func (c *OpenAIClient) attempt(ctx context.Context, texts []string) (vectors [][]float32, retriable bool, err error) {
	body, err := json.Marshal(embeddingsRequest{Model: c.model, Input: texts, Dimensions: c.dimensions})
	if err != nil {
		return nil, false, fmt.Errorf("marshal embeddings request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("create embeddings request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("send embeddings request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read embeddings response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		retriable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, retriable, fmt.Errorf("embeddings api error %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed embeddingsResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, false, fmt.Errorf("unmarshal embeddings response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, false, fmt.Errorf("embedding response size mismatch: expected %d, got %d", len(texts), len(parsed.Data))
	}

	vectors = make([][]float32, len(parsed.Data))
	for i, entry := range parsed.Data {
		if len(entry.Embedding) != c.dimensions {
			return nil, false, fmt.Errorf("embedding dimension mismatch: expected %d, got %d", c.dimensions, len(entry.Embedding))
		}
		vectors[i] = entry.Embedding
	}
	return vectors, false, nil
}
