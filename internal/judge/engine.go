// Package judge runs the LLM decision engine over candidate sets: prompt
// construction, response parsing, and the veto ladder that downgrades
// weakly-supported duplicate claims before anything is persisted.
package judge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dupcanon/dupcanon/internal/artifacts"
	"github.com/dupcanon/dupcanon/internal/llm"
	"github.com/dupcanon/dupcanon/internal/store"
	"github.com/dupcanon/dupcanon/internal/types"
)

// JudgeConfig selects one judgment provider configuration. Two configs run
// side by side during audits, so this is a value passed per call rather than
// engine state.
type JudgeConfig struct {
	Provider string
	Model    string
	APIKey   string
	Thinking string
}

// Outcome is the engine's decision for one work item before persistence.
// Judged reports whether the model was actually invoked; vagueness and
// empty-set exits never reach the model.
type Outcome struct {
	Judged           bool
	FinalStatus      types.DecisionStatus
	ToItemID         int64
	ToNumber         int
	ModelIsDuplicate bool
	Confidence       float64
	VetoReason       string
	Reasoning        string
	Relation         string
	RootCauseMatch   string
	ScopeRelation    string
	PathMatch        string
	Certainty        string
}

// Engine judges candidate sets. Limiter, when set, throttles model calls
// across all workers.
type Engine struct {
	Store      store.Store
	Artifacts  *artifacts.Writer
	Logger     zerolog.Logger
	Limiter    *rate.Limiter
	Heuristics Heuristics

	// NewCache overrides per-worker client cache construction; tests use it
	// to substitute fake judges. Nil means llm.NewClientCache.
	NewCache func() *llm.ClientCache
}

// Cache builds one client cache using the configured constructor.
func (e *Engine) Cache() *llm.ClientCache {
	if e.NewCache != nil {
		return e.NewCache()
	}
	return llm.NewClientCache()
}

// RunParams configures one batch judging pass.
type RunParams struct {
	RepoID     int64
	ItemType   types.ItemType
	MinEdge    float64
	Workers    int
	Rejudge    bool // supersede existing accepted decisions instead of skipping
	AllowStale bool // judge stale candidate sets too
	DryRun     bool // decide without persisting
	CreatedBy  string
	Judge      JudgeConfig
}

// Stats summarizes one batch judging pass.
type Stats struct {
	Discovered       int            `json:"discovered"`
	Judged           int            `json:"judged"`
	Accepted         int            `json:"accepted"`
	Rejected         int            `json:"rejected"`
	Skipped          int            `json:"skipped"`
	Failed           int            `json:"failed"`
	SkippedExisting  int            `json:"skipped_existing_edge"`
	StaleSetsUsed    int            `json:"stale_sets_used"`
	ByVeto           map[string]int `json:"by_veto,omitempty"`
	ByRelation       map[string]int `json:"by_relation,omitempty"`
	ByCertainty      map[string]int `json:"by_certainty,omitempty"`
	AcceptedReplaced int            `json:"accepted_replaced,omitempty"`
}

type workResult struct {
	outcome  Outcome
	skipped  bool // early exit, no decision row
	replaced bool
	stale    bool
	failed   bool
}

var allowedFieldValues = map[string][]string{
	"relation":         {types.RelationSameInstance, types.RelationRelatedFollowup, types.RelationPartialOverlap, types.RelationDifferent},
	"root_cause_match": {types.RootCauseSame, types.RootCauseAdjacent, types.RootCauseDifferent},
	"scope_relation":   {types.ScopeSame, types.ScopeSourceSubset, types.ScopeSourceSuperset, types.ScopePartialOverlap, types.ScopeDifferent},
	"path_match":       {types.PathSame, types.PathDifferent, types.PathUnknown},
	"certainty":        {types.CertaintySure, types.CertaintyUnsure},
}

// validateFieldValues requires every structured field of a duplicate claim to
// hold an allowed value. A claim that omits them can never pass the ladder
// straight through; it becomes an invalid_response skip instead.
func validateFieldValues(d types.JudgeDecision) error {
	if !d.IsDuplicate {
		return nil
	}
	values := map[string]string{
		"relation":         d.Relation,
		"root_cause_match": d.RootCauseMatch,
		"scope_relation":   d.ScopeRelation,
		"path_match":       d.PathMatch,
		"certainty":        d.Certainty,
	}
	for _, field := range []string{"relation", "root_cause_match", "scope_relation", "path_match", "certainty"} {
		value := values[field]
		ok := false
		for _, allowed := range allowedFieldValues[field] {
			if value == allowed {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%s has invalid value %q", field, value)
		}
	}
	return nil
}

// DecideOnce judges one work item through the full veto ladder without
// persisting anything. Both the batch path and the online detect/audit paths
// build on it. Only transport failures return an error; malformed model
// output is a skipped outcome, not an error.
func (e *Engine) DecideOnce(ctx context.Context, cache *llm.ClientCache, jc JudgeConfig, minEdge float64, work types.JudgeWorkItem) (Outcome, error) {
	if outcome, skip := e.gateSkip(work); skip {
		return outcome, nil
	}

	client, err := cache.Get(llm.Options{
		Provider: jc.Provider,
		Model:    jc.Model,
		APIKey:   jc.APIKey,
		Thinking: jc.Thinking,
		Limiter:  e.Limiter,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("build judge client: %w", err)
	}

	raw, err := client.Judge(ctx, systemPrompt, buildUserPrompt(e.Heuristics, work))
	if err != nil {
		return Outcome{}, fmt.Errorf("judge call: %w", err)
	}

	var decision types.JudgeDecision
	if err := llm.ParseObject(raw, &decision); err != nil {
		return Outcome{Judged: true, FinalStatus: types.DecisionSkipped, VetoReason: "invalid_response:unparseable"}, nil
	}
	if err := decision.Validate(); err != nil {
		return Outcome{Judged: true, FinalStatus: types.DecisionSkipped, VetoReason: "invalid_response:schema"}, nil
	}
	if err := validateFieldValues(decision); err != nil {
		return Outcome{Judged: true, FinalStatus: types.DecisionSkipped, VetoReason: "invalid_response:schema"}, nil
	}

	out := Outcome{
		Judged:           true,
		ModelIsDuplicate: decision.IsDuplicate,
		Confidence:       decision.Confidence,
		Reasoning:        decision.Reasoning,
		Relation:         decision.Relation,
		RootCauseMatch:   decision.RootCauseMatch,
		ScopeRelation:    decision.ScopeRelation,
		PathMatch:        decision.PathMatch,
		Certainty:        decision.Certainty,
	}

	if !decision.IsDuplicate {
		out.FinalStatus = types.DecisionRejected
		return out, nil
	}

	var target *types.JudgeCandidate
	for i := range work.Candidates {
		if work.Candidates[i].Number == decision.DuplicateOf {
			target = &work.Candidates[i]
			break
		}
	}
	if target == nil {
		out.FinalStatus = types.DecisionSkipped
		out.VetoReason = "invalid_response:target_not_in_set"
		return out, nil
	}
	out.ToItemID = target.CandidateItemID
	out.ToNumber = target.Number

	if reason := structuredVetoReason(decision); reason != "" {
		out.FinalStatus = types.DecisionRejected
		out.VetoReason = reason
		return out, nil
	}
	if target.State != types.ItemStateOpen {
		out.FinalStatus = types.DecisionRejected
		out.VetoReason = "target_not_open"
		return out, nil
	}
	if reason := bugFeatureVetoReason(work.SourceTitle, work.SourceBody, target.Title, target.Body); reason != "" {
		out.FinalStatus = types.DecisionRejected
		out.VetoReason = reason
		return out, nil
	}
	if decision.Confidence < minEdge {
		out.FinalStatus = types.DecisionRejected
		out.VetoReason = "below_min_edge"
		return out, nil
	}
	if reason := candidateGapVetoReason(target.Number, work.Candidates, e.Heuristics.MinScoreGap); reason != "" {
		out.FinalStatus = types.DecisionRejected
		out.VetoReason = reason
		return out, nil
	}

	out.FinalStatus = types.DecisionAccepted
	return out, nil
}

// gateSkip reports the pre-model exit for a work item, if any. Empty sets
// and vague sources are checked before everything else, including the
// existing-edge skip in the batch path.
func (e *Engine) gateSkip(work types.JudgeWorkItem) (Outcome, bool) {
	if len(work.Candidates) == 0 {
		return Outcome{FinalStatus: types.DecisionSkipped, VetoReason: "no_candidates"}, true
	}
	if e.Heuristics.looksTooVague(work.SourceTitle, work.SourceBody) {
		return Outcome{FinalStatus: types.DecisionSkipped, VetoReason: "source_too_vague"}, true
	}
	return Outcome{}, false
}

// Run judges every pending candidate set for a repo/type. Per-item failures
// are isolated and counted; only setup failures return an error. Each worker
// owns its own client cache, so no client is shared across goroutines.
func (e *Engine) Run(ctx context.Context, p RunParams) (Stats, error) {
	if p.MinEdge < 0 || p.MinEdge > 1 {
		return Stats{}, fmt.Errorf("min edge must be between 0 and 1 (got %.3f)", p.MinEdge)
	}
	workers := p.Workers
	if workers <= 0 {
		workers = 1
	}

	items, err := e.Store.ListJudgeWork(ctx, p.RepoID, p.ItemType, p.AllowStale)
	if err != nil {
		return Stats{}, fmt.Errorf("list judge work: %w", err)
	}

	e.Logger.Info().
		Int("discovered", len(items)).
		Str("item_type", string(p.ItemType)).
		Str("model", p.Judge.Model).
		Bool("rejudge", p.Rejudge).
		Int("workers", workers).
		Msg("judging started")

	results := make([]workResult, len(items))
	work := make(chan int)

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			cache := e.Cache()
			for idx := range work {
				results[idx] = e.judgeItem(gctx, cache, p, items[idx])
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(work)
		for idx := range items {
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

	stats := Stats{
		Discovered:  len(items),
		ByVeto:      make(map[string]int),
		ByRelation:  make(map[string]int),
		ByCertainty: make(map[string]int),
	}
	for _, r := range results {
		if r.failed {
			stats.Failed++
			continue
		}
		if r.stale {
			stats.StaleSetsUsed++
		}
		if r.replaced {
			stats.AcceptedReplaced++
		}
		o := r.outcome
		if o.Judged {
			stats.Judged++
			if o.Relation != "" {
				stats.ByRelation[o.Relation]++
			}
			if o.Certainty != "" {
				stats.ByCertainty[o.Certainty]++
			}
		}
		if o.VetoReason != "" {
			stats.ByVeto[o.VetoReason]++
		}
		switch o.FinalStatus {
		case types.DecisionAccepted:
			stats.Accepted++
		case types.DecisionRejected:
			stats.Rejected++
		case types.DecisionSkipped:
			stats.Skipped++
			if o.VetoReason == "existing_edge" {
				stats.SkippedExisting++
			}
		}
	}

	e.Logger.Info().
		Int("judged", stats.Judged).
		Int("accepted", stats.Accepted).
		Int("rejected", stats.Rejected).
		Int("skipped", stats.Skipped).
		Int("failed", stats.Failed).
		Int("stale_sets_used", stats.StaleSetsUsed).
		Msg("judging complete")
	return stats, nil
}

func (e *Engine) judgeItem(ctx context.Context, cache *llm.ClientCache, p RunParams, work types.JudgeWorkItem) workResult {
	result := workResult{stale: work.CandidateSetStatus == types.CandidateSetStale}

	// Exit order: no_candidates, then source_too_vague, then existing_edge.
	if outcome, skip := e.gateSkip(work); skip {
		result.outcome = outcome
		result.skipped = true
		return result
	}

	hadEdge, err := e.Store.HasAcceptedEdge(ctx, work.SourceItemID)
	if err != nil {
		e.recordFailure(ctx, p, work, "has_accepted_edge", err)
		return workResult{failed: true}
	}
	if hadEdge && !p.Rejudge {
		result.outcome = Outcome{FinalStatus: types.DecisionSkipped, VetoReason: "existing_edge"}
		result.skipped = true
		return result
	}

	outcome, err := e.DecideOnce(ctx, cache, p.Judge, p.MinEdge, work)
	if err != nil {
		e.recordFailure(ctx, p, work, "decide", err)
		return workResult{failed: true}
	}
	result.outcome = outcome

	// Empty sets and vague sources never reached the model and leave no
	// audit row; everything the model saw gets one.
	if !outcome.Judged {
		result.skipped = true
		return result
	}
	if p.DryRun {
		return result
	}

	decision := types.Decision{
		FromItemID:       work.SourceItemID,
		ToItemID:         outcome.ToItemID,
		FinalStatus:      outcome.FinalStatus,
		ModelIsDuplicate: outcome.ModelIsDuplicate,
		Confidence:       outcome.Confidence,
		VetoReason:       outcome.VetoReason,
		Reasoning:        outcome.Reasoning,
		Relation:         outcome.Relation,
		RootCauseMatch:   outcome.RootCauseMatch,
		ScopeRelation:    outcome.ScopeRelation,
		PathMatch:        outcome.PathMatch,
		Certainty:        outcome.Certainty,
		Provider:         p.Judge.Provider,
		Model:            p.Judge.Model,
		CreatedBy:        p.CreatedBy,
		CreatedAt:        time.Now().UTC(),
	}

	if outcome.FinalStatus == types.DecisionAccepted && hadEdge && p.Rejudge {
		if err := e.Store.ReplaceAcceptedDecision(ctx, decision); err != nil {
			e.recordFailure(ctx, p, work, "replace_decision", err)
			return workResult{failed: true}
		}
		result.replaced = true
		return result
	}

	err = e.Store.InsertDecision(ctx, decision)
	if errors.Is(err, store.ErrAcceptedEdgeExists) {
		// Another worker accepted an edge for this source first. Record the
		// loss of the race as a skip rather than failing the item.
		decision.FinalStatus = types.DecisionSkipped
		decision.VetoReason = "accepted_edge_conflict"
		decision.ToItemID = 0
		if insertErr := e.Store.InsertDecision(ctx, decision); insertErr != nil {
			e.recordFailure(ctx, p, work, "insert_decision", insertErr)
			return workResult{failed: true}
		}
		result.outcome.FinalStatus = types.DecisionSkipped
		result.outcome.VetoReason = "accepted_edge_conflict"
		return result
	}
	if err != nil {
		e.recordFailure(ctx, p, work, "insert_decision", err)
		return workResult{failed: true}
	}
	return result
}

func (e *Engine) recordFailure(_ context.Context, p RunParams, work types.JudgeWorkItem, stage string, err error) {
	var ref string
	if e.Artifacts != nil {
		ref = e.Artifacts.Write("judge", stage, map[string]any{
			"repo_id":          p.RepoID,
			"item_type":        string(p.ItemType),
			"source_item_id":   work.SourceItemID,
			"source_number":    work.SourceNumber,
			"candidate_set_id": work.CandidateSetID,
			"model":            p.Judge.Model,
			"error":            err.Error(),
		})
	}
	e.Logger.Error().
		Err(err).
		Int64("source_item_id", work.SourceItemID).
		Int("source_number", work.SourceNumber).
		Str("stage", stage).
		Str("artifact", ref).
		Msg("judge item failed")
}

// Verdict flattens one outcome into the coarse label the detect command
// reports. A duplicate claim the ladder knocked down is still worth a human
// look, so vetoed claims surface as maybe_duplicate.
func Verdict(o Outcome, duplicateThreshold, maybeThreshold float64) string {
	if o.ModelIsDuplicate && o.FinalStatus != types.DecisionAccepted {
		return "maybe_duplicate"
	}
	if o.FinalStatus == types.DecisionAccepted {
		if o.Confidence >= duplicateThreshold {
			return "duplicate"
		}
		if o.Confidence >= maybeThreshold {
			return "maybe_duplicate"
		}
	}
	return "not_duplicate"
}

