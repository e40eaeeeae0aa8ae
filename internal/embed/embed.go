// Package embed wraps the embedding provider behind a single Embedder
// operation. The shipped implementation targets OpenAI-compatible
// /v1/embeddings endpoints over plain HTTP.
package embed

import "context"

// Embedder turns texts into vectors. Implementations own their transport
// retry; a returned error means the batch could not be embedded.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)

	// Model identifies the embedding model, recorded alongside each vector
	// so neighbor queries never mix embedding spaces.
	Model() string
}
