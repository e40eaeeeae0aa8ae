package embed

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dupcanon/dupcanon/internal/artifacts"
	"github.com/dupcanon/dupcanon/internal/store"
	"github.com/dupcanon/dupcanon/internal/types"
)

// Params configures one embedding pass.
type Params struct {
	RepoID    int64
	ItemType  types.ItemType
	BatchSize int
	Force     bool // re-embed even when the content hash is unchanged
	DryRun    bool
}

// Stats summarizes one embedding pass.
type Stats struct {
	Discovered       int `json:"discovered"`
	Embedded         int `json:"embedded"`
	SkippedUnchanged int `json:"skipped_unchanged"`
	Failed           int `json:"failed"`
}

// Service embeds items whose semantic content changed since the last pass.
type Service struct {
	Store     store.Store
	Embedder  Embedder
	Artifacts *artifacts.Writer
	Logger    zerolog.Logger
}

// Run embeds all pending items in batches. A batch failure fails every item
// in that batch but never aborts the pass.
func (s *Service) Run(ctx context.Context, p Params) (Stats, error) {
	batchSize := p.BatchSize
	if batchSize <= 0 {
		batchSize = 32
	}

	items, err := s.Store.ListEmbeddableItems(ctx, p.RepoID, p.ItemType)
	if err != nil {
		return Stats{}, fmt.Errorf("list embeddable items: %w", err)
	}

	stats := Stats{Discovered: len(items)}
	var pending []store.EmbeddableItem
	for _, item := range items {
		if !p.Force && item.EmbeddedContentHash != "" && item.EmbeddedContentHash == item.ContentHash {
			stats.SkippedUnchanged++
			continue
		}
		pending = append(pending, item)
	}

	s.Logger.Info().
		Int("discovered", stats.Discovered).
		Int("pending", len(pending)).
		Str("model", s.Embedder.Model()).
		Bool("dry_run", p.DryRun).
		Msg("embedding started")

	if p.DryRun {
		stats.Embedded = len(pending)
		return stats, nil
	}

	for start := 0; start < len(pending); start += batchSize {
		end := start + batchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		texts := make([]string, len(batch))
		for i, item := range batch {
			texts[i] = embeddingText(item)
		}

		vectors, err := s.Embedder.EmbedTexts(ctx, texts)
		if err != nil {
			stats.Failed += len(batch)
			s.recordFailure(p, batch, "embed_texts", err)
			continue
		}

		for i, item := range batch {
			if err := s.Store.UpdateItemEmbedding(ctx, item.ItemID, s.Embedder.Model(), vectors[i], item.ContentHash); err != nil {
				stats.Failed++
				s.recordFailure(p, batch[i:i+1], "update_embedding", err)
				continue
			}
			stats.Embedded++
		}
	}

	s.Logger.Info().
		Int("embedded", stats.Embedded).
		Int("skipped_unchanged", stats.SkippedUnchanged).
		Int("failed", stats.Failed).
		Msg("embedding complete")
	return stats, nil
}

// embeddingText renders the text embedded for one item: normalized title and
// body, matching the content that SemanticContentHash covers.
func embeddingText(item store.EmbeddableItem) string {
	return types.NormalizeText(item.Title) + "\n\n" + types.NormalizeText(item.Body)
}

func (s *Service) recordFailure(p Params, batch []store.EmbeddableItem, stage string, err error) {
	numbers := make([]int, len(batch))
	for i, item := range batch {
		numbers[i] = item.Number
	}
	var ref string
	if s.Artifacts != nil {
		ref = s.Artifacts.Write("embed", stage, map[string]any{
			"repo_id":   p.RepoID,
			"item_type": string(p.ItemType),
			"numbers":   numbers,
			"error":     err.Error(),
		})
	}
	s.Logger.Error().
		Err(err).
		Ints("numbers", numbers).
		Str("stage", stage).
		Str("artifact", ref).
		Msg("embed batch failed")
}
