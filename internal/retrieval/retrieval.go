// Package retrieval builds and refreshes ranked near-duplicate candidate
// sets. It is stage one of the pipeline: embedding-space neighbor search,
// frozen member lists, and fresh/stale staleness tracking.
package retrieval

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dupcanon/dupcanon/internal/artifacts"
	"github.com/dupcanon/dupcanon/internal/store"
	"github.com/dupcanon/dupcanon/internal/types"
)

// Params configures one retrieval pass.
type Params struct {
	RepoID         int64
	ItemType       types.ItemType
	K              int
	MinScore       float64
	IncludeStates  []types.ItemState // candidate item states to search
	SourceStates   []types.ItemState // source item states to process
	EmbeddingModel string
	Force          bool // rebuild even when a fresh set matches the content version
	DryRun         bool // compute without writing
	Workers        int
}

// Stats summarizes one retrieval pass.
type Stats struct {
	Discovered              int `json:"discovered"`
	Processed               int `json:"processed"`
	CandidateSetsCreated    int `json:"candidate_sets_created"`
	CandidateMembersWritten int `json:"candidate_members_written"`
	SkippedFresh            int `json:"skipped_fresh"`
	SkippedMissingEmbedding int `json:"skipped_missing_embedding"`
	StaleMarked             int `json:"stale_marked"`
	Failed                  int `json:"failed"`

	// Dry-run staleness preview. Populated only when the store supports
	// fresh-set counting; StalePreviewUnavailable reports degradation.
	WouldStale              int  `json:"would_stale,omitempty"`
	StalePreviewUnavailable bool `json:"stale_preview_unavailable,omitempty"`
}

// Service runs candidate retrieval batches.
type Service struct {
	Store     store.Store
	FreshSets store.FreshSetCount
	Artifacts *artifacts.Writer
	Logger    zerolog.Logger
}

type itemResult struct {
	processed      bool
	created        bool
	membersWritten int
	skippedFresh   bool
	skippedNoEmbed bool
	staleMarked    int
	wouldStale     int
	failed         bool
}

// Run executes one retrieval pass. Per-item failures are isolated, recorded
// as artifacts, and counted; only setup failures return an error.
func (s *Service) Run(ctx context.Context, p Params) (Stats, error) {
	if p.K <= 0 {
		return Stats{}, fmt.Errorf("k must be positive (got %d)", p.K)
	}
	if p.MinScore < 0 || p.MinScore > 1 {
		return Stats{}, fmt.Errorf("min score must be between 0 and 1 (got %.3f)", p.MinScore)
	}
	workers := p.Workers
	if workers <= 0 {
		workers = 1
	}

	sources, err := s.Store.ListCandidateSources(ctx, p.RepoID, p.ItemType, p.SourceStates)
	if err != nil {
		return Stats{}, fmt.Errorf("list candidate sources: %w", err)
	}

	s.Logger.Info().
		Int("discovered", len(sources)).
		Str("item_type", string(p.ItemType)).
		Bool("dry_run", p.DryRun).
		Int("workers", workers).
		Msg("retrieval started")

	results := make([]itemResult, len(sources))
	work := make(chan int)

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for idx := range work {
				results[idx] = s.processSource(gctx, p, sources[idx])
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(work)
		for idx := range sources {
			select {
			case work <- idx:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Stats{}, err
	}

	stats := Stats{Discovered: len(sources)}
	if p.DryRun && !s.FreshSets.Available {
		stats.StalePreviewUnavailable = true
	}
	for _, r := range results {
		if r.processed {
			stats.Processed++
		}
		if r.created {
			stats.CandidateSetsCreated++
		}
		stats.CandidateMembersWritten += r.membersWritten
		if r.skippedFresh {
			stats.SkippedFresh++
		}
		if r.skippedNoEmbed {
			stats.SkippedMissingEmbedding++
		}
		stats.StaleMarked += r.staleMarked
		stats.WouldStale += r.wouldStale
		if r.failed {
			stats.Failed++
		}
	}

	s.Logger.Info().
		Int("processed", stats.Processed).
		Int("candidate_sets_created", stats.CandidateSetsCreated).
		Int("skipped_fresh", stats.SkippedFresh).
		Int("skipped_missing_embedding", stats.SkippedMissingEmbedding).
		Int("stale_marked", stats.StaleMarked).
		Int("failed", stats.Failed).
		Msg("retrieval complete")
	return stats, nil
}

func (s *Service) processSource(ctx context.Context, p Params, src store.CandidateSource) itemResult {
	if !src.HasEmbedding {
		return itemResult{skippedNoEmbed: true}
	}
	if !p.Force && src.FreshContentVersion != nil && *src.FreshContentVersion == src.ContentVersion {
		return itemResult{skippedFresh: true}
	}

	neighbors, err := s.Store.FindNeighbors(ctx, store.NeighborQuery{
		RepoID:         p.RepoID,
		SourceItemID:   src.ItemID,
		ItemType:       p.ItemType,
		IncludeStates:  p.IncludeStates,
		MinScore:       p.MinScore,
		K:              p.K,
		EmbeddingModel: p.EmbeddingModel,
	})
	if err != nil {
		s.recordFailure(ctx, p, src, "find_neighbors", err)
		return itemResult{failed: true}
	}

	if p.DryRun {
		result := itemResult{processed: true, membersWritten: len(neighbors)}
		if s.FreshSets.Available {
			count, err := s.FreshSets.Count(ctx, src.ItemID)
			if err != nil {
				s.recordFailure(ctx, p, src, "count_fresh_sets", err)
				return itemResult{failed: true}
			}
			result.wouldStale = count
		}
		return result
	}

	staled := 0
	if src.FreshContentVersion != nil {
		staled = 1
		if s.FreshSets.Available {
			if count, err := s.FreshSets.Count(ctx, src.ItemID); err == nil {
				staled = count
			}
		}
	}

	_, err = s.Store.CreateCandidateSet(ctx, types.CandidateSet{
		SourceItemID:         src.ItemID,
		K:                    p.K,
		MinScore:             p.MinScore,
		CreatedAt:            time.Now().UTC(),
		SourceContentVersion: src.ContentVersion,
	}, neighbors)
	if err != nil {
		s.recordFailure(ctx, p, src, "create_candidate_set", err)
		return itemResult{failed: true}
	}

	return itemResult{
		processed:      true,
		created:        true,
		membersWritten: len(neighbors),
		staleMarked:    staled,
	}
}

func (s *Service) recordFailure(_ context.Context, p Params, src store.CandidateSource, stage string, err error) {
	var ref string
	if s.Artifacts != nil {
		ref = s.Artifacts.Write("candidates", stage, map[string]any{
			"repo_id":   p.RepoID,
			"item_type": string(p.ItemType),
			"item_id":   src.ItemID,
			"number":    src.Number,
			"k":         p.K,
			"min_score": p.MinScore,
			"error":     err.Error(),
		})
	}
	s.Logger.Error().
		Err(err).
		Int64("item_id", src.ItemID).
		Int("number", src.Number).
		Str("stage", stage).
		Str("artifact", ref).
		Msg("retrieval item failed")
}

// EnsureCandidates refreshes the candidate set for one item and returns a
// hydrated judge work item. Used by the online detect path, which always
// wants current neighbors.
func (s *Service) EnsureCandidates(ctx context.Context, p Params, number int) (types.JudgeWorkItem, error) {
	src, err := s.Store.GetCandidateSource(ctx, p.RepoID, p.ItemType, number)
	if err != nil {
		return types.JudgeWorkItem{}, err
	}
	if !src.HasEmbedding {
		return types.JudgeWorkItem{}, fmt.Errorf("item %d has no embedding", number)
	}

	neighbors, err := s.Store.FindNeighbors(ctx, store.NeighborQuery{
		RepoID:         p.RepoID,
		SourceItemID:   src.ItemID,
		ItemType:       p.ItemType,
		IncludeStates:  p.IncludeStates,
		MinScore:       p.MinScore,
		K:              p.K,
		EmbeddingModel: p.EmbeddingModel,
	})
	if err != nil {
		return types.JudgeWorkItem{}, fmt.Errorf("find neighbors: %w", err)
	}

	setID, err := s.Store.CreateCandidateSet(ctx, types.CandidateSet{
		SourceItemID:         src.ItemID,
		K:                    p.K,
		MinScore:             p.MinScore,
		CreatedAt:            time.Now().UTC(),
		SourceContentVersion: src.ContentVersion,
	}, neighbors)
	if err != nil {
		return types.JudgeWorkItem{}, fmt.Errorf("create candidate set: %w", err)
	}

	return s.buildWorkItem(ctx, setID, src.ItemID, neighbors)
}

func (s *Service) buildWorkItem(ctx context.Context, setID, sourceItemID int64, neighbors []types.Neighbor) (types.JudgeWorkItem, error) {
	ids := []int64{sourceItemID}
	for _, n := range neighbors {
		ids = append(ids, n.CandidateItemID)
	}
	items, err := s.Store.ListItems(ctx, ids)
	if err != nil {
		return types.JudgeWorkItem{}, fmt.Errorf("hydrate items: %w", err)
	}
	byID := make(map[int64]types.Item, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}

	source, ok := byID[sourceItemID]
	if !ok {
		return types.JudgeWorkItem{}, store.ErrItemNotFound
	}

	work := types.JudgeWorkItem{
		CandidateSetID:     setID,
		CandidateSetStatus: types.CandidateSetFresh,
		SourceItemID:       source.ID,
		SourceNumber:       source.Number,
		SourceType:         source.Type,
		SourceState:        source.State,
		SourceTitle:        source.Title,
		SourceBody:         source.Body,
	}
	for _, n := range neighbors {
		candidate, ok := byID[n.CandidateItemID]
		if !ok {
			continue
		}
		work.Candidates = append(work.Candidates, types.JudgeCandidate{
			CandidateItemID: candidate.ID,
			Number:          candidate.Number,
			State:           candidate.State,
			Title:           candidate.Title,
			Body:            candidate.Body,
			Score:           n.Score,
			Rank:            n.Rank,
		})
	}
	return work, nil
}
