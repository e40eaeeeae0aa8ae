// Package audit compares two judge configurations over a seeded sample of
// candidate sets. The strong configuration serves as reference truth; the
// comparison grades the cheap one.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dupcanon/dupcanon/internal/artifacts"
	"github.com/dupcanon/dupcanon/internal/judge"
	"github.com/dupcanon/dupcanon/internal/store"
	"github.com/dupcanon/dupcanon/internal/types"
)

// Outcome classes assigned to each compared pair.
const (
	OutcomeTP         = "tp"
	OutcomeFP         = "fp"
	OutcomeFN         = "fn"
	OutcomeTN         = "tn"
	OutcomeConflict   = "conflict"
	OutcomeIncomplete = "incomplete"
)

// Params configures one audit pass.
type Params struct {
	RepoID     int64
	ItemType   types.ItemType
	SampleSize int
	Seed       int64
	MinEdge    float64
	Cheap      judge.JudgeConfig
	Strong     judge.JudgeConfig
	CreatedBy  string
}

// Stats summarizes one audit pass.
type Stats struct {
	AuditRunID      int64 `json:"audit_run_id"`
	SampleRequested int   `json:"sample_requested"`
	SampleActual    int   `json:"sample_actual"`
	Compared        int   `json:"compared"`
	TP              int   `json:"tp"`
	FP              int   `json:"fp"`
	FN              int   `json:"fn"`
	TN              int   `json:"tn"`
	Conflict        int   `json:"conflict"`
	Incomplete      int   `json:"incomplete"`
	Failed          int   `json:"failed"`
}

// Service runs judge audits.
type Service struct {
	Store     store.Store
	Engine    *judge.Engine
	Artifacts *artifacts.Writer
	Logger    zerolog.Logger
}

// Run samples judge work, judges each item with both configurations, and
// persists the run with per-item rows and final counters. Per-item failures
// are isolated and counted; the run completes either way.
func (s *Service) Run(ctx context.Context, p Params) (Stats, error) {
	if p.SampleSize <= 0 {
		return Stats{}, fmt.Errorf("sample size must be positive (got %d)", p.SampleSize)
	}
	if p.MinEdge < 0 || p.MinEdge > 1 {
		return Stats{}, fmt.Errorf("min edge must be between 0 and 1 (got %.3f)", p.MinEdge)
	}

	sample, err := s.Store.SampleJudgeWork(ctx, p.RepoID, p.ItemType, p.SampleSize, p.Seed)
	if err != nil {
		return Stats{}, fmt.Errorf("sample judge work: %w", err)
	}

	runID, err := s.Store.CreateAuditRun(ctx, store.AuditRun{
		RepoID:          p.RepoID,
		ItemType:        p.ItemType,
		SampleSeed:      p.Seed,
		SampleRequested: p.SampleSize,
		SampleActual:    len(sample),
		MinEdge:         p.MinEdge,
		CheapProvider:   p.Cheap.Provider,
		CheapModel:      p.Cheap.Model,
		StrongProvider:  p.Strong.Provider,
		StrongModel:     p.Strong.Model,
		CreatedBy:       p.CreatedBy,
		CreatedAt:       time.Now().UTC(),
	})
	if err != nil {
		return Stats{}, fmt.Errorf("create audit run: %w", err)
	}

	stats := Stats{
		AuditRunID:      runID,
		SampleRequested: p.SampleSize,
		SampleActual:    len(sample),
	}
	s.Logger.Info().
		Int64("audit_run_id", runID).
		Int("sample_actual", len(sample)).
		Str("cheap_model", p.Cheap.Model).
		Str("strong_model", p.Strong.Model).
		Msg("audit started")

	cache := s.Engine.Cache()
	for _, work := range sample {
		cheap, err := s.Engine.DecideOnce(ctx, cache, p.Cheap, p.MinEdge, work)
		if err != nil {
			stats.Failed++
			s.recordFailure(p, runID, work, "cheap_judge", err)
			continue
		}
		strong, err := s.Engine.DecideOnce(ctx, cache, p.Strong, p.MinEdge, work)
		if err != nil {
			stats.Failed++
			s.recordFailure(p, runID, work, "strong_judge", err)
			continue
		}

		class := classifyOutcome(cheap, strong)
		switch class {
		case OutcomeTP:
			stats.TP++
		case OutcomeFP:
			stats.FP++
		case OutcomeFN:
			stats.FN++
		case OutcomeTN:
			stats.TN++
		case OutcomeConflict:
			stats.Conflict++
		case OutcomeIncomplete:
			stats.Incomplete++
		}
		stats.Compared++

		if err := s.Store.InsertAuditItem(ctx, store.AuditItem{
			RunID:          runID,
			SourceItemID:   work.SourceItemID,
			SourceNumber:   work.SourceNumber,
			CandidateSetID: work.CandidateSetID,
			CheapStatus:    cheap.FinalStatus,
			CheapToItemID:  cheap.ToItemID,
			CheapVeto:      cheap.VetoReason,
			StrongStatus:   strong.FinalStatus,
			StrongToItemID: strong.ToItemID,
			StrongVeto:     strong.VetoReason,
			OutcomeClass:   class,
			CreatedAt:      time.Now().UTC(),
		}); err != nil {
			stats.Failed++
			s.recordFailure(p, runID, work, "insert_audit_item", err)
		}
	}

	status := "completed"
	if stats.Failed > 0 {
		status = "completed_with_failures"
	}
	if err := s.Store.CompleteAuditRun(ctx, runID, store.AuditSummary{
		Status:        status,
		SampleActual:  len(sample),
		ComparedCount: stats.Compared,
		TP:            stats.TP,
		FP:            stats.FP,
		FN:            stats.FN,
		TN:            stats.TN,
		Conflict:      stats.Conflict,
		Incomplete:    stats.Incomplete,
		CompletedAt:   time.Now().UTC(),
	}); err != nil {
		return stats, fmt.Errorf("complete audit run: %w", err)
	}

	s.Logger.Info().
		Int64("audit_run_id", runID).
		Int("compared", stats.Compared).
		Int("tp", stats.TP).
		Int("fp", stats.FP).
		Int("fn", stats.FN).
		Int("tn", stats.TN).
		Int("conflict", stats.Conflict).
		Int("incomplete", stats.Incomplete).
		Int("failed", stats.Failed).
		Msg("audit complete")
	return stats, nil
}

// classifyOutcome grades the cheap judge against the strong one. A skip on
// either side means the pair carries no signal; two accepts with different
// targets is agreement on duplication but not on identity, which needs a
// human look.
func classifyOutcome(cheap, strong judge.Outcome) string {
	if cheap.FinalStatus == types.DecisionSkipped || strong.FinalStatus == types.DecisionSkipped {
		return OutcomeIncomplete
	}
	cheapAccepted := cheap.FinalStatus == types.DecisionAccepted
	strongAccepted := strong.FinalStatus == types.DecisionAccepted

	switch {
	case cheapAccepted && strongAccepted && cheap.ToItemID == strong.ToItemID:
		return OutcomeTP
	case cheapAccepted && strongAccepted:
		return OutcomeConflict
	case cheapAccepted:
		return OutcomeFP
	case strongAccepted:
		return OutcomeFN
	default:
		return OutcomeTN
	}
}

func (s *Service) recordFailure(p Params, runID int64, work types.JudgeWorkItem, stage string, err error) {
	var ref string
	if s.Artifacts != nil {
		ref = s.Artifacts.Write("judge-audit", stage, map[string]any{
			"repo_id":          p.RepoID,
			"item_type":        string(p.ItemType),
			"audit_run_id":     runID,
			"source_item_id":   work.SourceItemID,
			"source_number":    work.SourceNumber,
			"candidate_set_id": work.CandidateSetID,
			"error":            err.Error(),
		})
	}
	s.Logger.Error().
		Err(err).
		Int("source_number", work.SourceNumber).
		Str("stage", stage).
		Str("artifact", ref).
		Msg("audit item failed")
}
