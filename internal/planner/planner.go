// Package planner builds and applies guardrailed close plans over duplicate
// clusters. Planning is maintainer-protective: an unnecessary skip is
// acceptable, a wrongful close is not, so every guardrail resolves ambiguity
// toward skip.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dupcanon/dupcanon/internal/artifacts"
	"github.com/dupcanon/dupcanon/internal/canonical"
	"github.com/dupcanon/dupcanon/internal/store"
	"github.com/dupcanon/dupcanon/internal/types"
)

// TargetPolicy controls what a close action may target.
type TargetPolicy string

const (
	// TargetCanonicalOnly closes only items with a direct accepted edge to
	// the cluster canonical.
	TargetCanonicalOnly TargetPolicy = "canonical_only"
	// TargetDirectFallback substitutes the item's own accepted edge target
	// when no direct edge to the canonical exists.
	TargetDirectFallback TargetPolicy = "direct_fallback"
)

// ParseTargetPolicy validates a user-supplied target policy string.
func ParseTargetPolicy(value string) (TargetPolicy, error) {
	switch TargetPolicy(strings.TrimSpace(strings.ToLower(value))) {
	case TargetCanonicalOnly:
		return TargetCanonicalOnly, nil
	case TargetDirectFallback:
		return TargetDirectFallback, nil
	default:
		return "", fmt.Errorf("invalid target policy %q (must be canonical_only or direct_fallback)", value)
	}
}

// PlanParams configures one close-planning pass.
type PlanParams struct {
	RepoID       int64
	ItemType     types.ItemType
	MinClose     float64
	TargetPolicy TargetPolicy
	DryRun       bool
	CreatedBy    string
}

// PlanStats summarizes one close-planning pass. CloseRunID is 0 on dry runs.
type PlanStats struct {
	CloseRunID                 int64 `json:"close_run_id,omitempty"`
	DryRun                     bool  `json:"dry_run"`
	AcceptedEdges              int   `json:"accepted_edges"`
	Clusters                   int   `json:"clusters"`
	Considered                 int   `json:"considered"`
	CloseActions               int   `json:"close_actions"`
	CloseActionsDirectFallback int   `json:"close_actions_direct_fallback"`
	SkipActions                int   `json:"skip_actions"`
	SkippedNotOpen             int   `json:"skipped_not_open"`
	SkippedLowConfidence       int   `json:"skipped_low_confidence"`
	SkippedMissingEdge         int   `json:"skipped_missing_edge"`
	SkippedMaintainerAuthor    int   `json:"skipped_maintainer_author"`
	SkippedMaintainerAssignee  int   `json:"skipped_maintainer_assignee"`
	SkippedUncertainIdentity   int   `json:"skipped_uncertain_maintainer_identity"`
	Failed                     int   `json:"failed"`
}

// CloseExecutor performs the external close side effect for one item. The
// returned string is a JSON outcome recorded on the apply entry.
type CloseExecutor interface {
	CloseItem(ctx context.Context, itemType types.ItemType, number, canonicalNumber int) (string, error)
}

// Service plans and applies close runs.
type Service struct {
	Store     store.Store
	Artifacts *artifacts.Writer
	Logger    zerolog.Logger
}

// Plan recomputes clustering and canonical selection, evaluates the guardrail
// chain for every non-canonical member, and persists the resulting entries
// under a new plan run unless dry-run. Per-cluster failures are isolated.
func (s *Service) Plan(ctx context.Context, p PlanParams, maintainers map[string]bool) (PlanStats, error) {
	if p.MinClose < 0 || p.MinClose > 1 {
		return PlanStats{}, fmt.Errorf("min close must be between 0 and 1 (got %.3f)", p.MinClose)
	}
	if p.TargetPolicy == "" {
		p.TargetPolicy = TargetCanonicalOnly
	}

	edges, err := s.Store.ListAcceptedEdges(ctx, p.RepoID, p.ItemType)
	if err != nil {
		return PlanStats{}, fmt.Errorf("list accepted edges: %w", err)
	}
	stats := PlanStats{DryRun: p.DryRun, AcceptedEdges: len(edges)}
	if len(edges) == 0 {
		s.Logger.Info().Msg("no accepted edges, nothing to plan")
		return stats, nil
	}

	items, err := s.Store.ListPlanItems(ctx, p.RepoID, p.ItemType)
	if err != nil {
		return PlanStats{}, fmt.Errorf("list plan items: %w", err)
	}
	itemsByID := make(map[int64]types.PlanItem, len(items))
	for _, item := range items {
		itemsByID[item.ItemID] = item
	}

	directConfidence := make(map[edgeKey]float64, len(edges))
	outgoingTarget := make(map[int64]int64, len(edges))
	outgoingConfidence := make(map[int64]float64, len(edges))
	for _, e := range edges {
		directConfidence[edgeKey{e.FromItemID, e.ToItemID}] = e.Confidence
		outgoingTarget[e.FromItemID] = e.ToItemID
		outgoingConfidence[e.FromItemID] = e.Confidence
	}

	components := canonical.ComponentsFromEdges(edges)
	stats.Clusters = len(components)

	var runID int64
	if !p.DryRun {
		runID, err = s.Store.CreateCloseRun(ctx, types.CloseRun{
			RepoID:        p.RepoID,
			ItemType:      p.ItemType,
			Mode:          types.CloseRunPlan,
			MinConfidence: p.MinClose,
			CreatedBy:     p.CreatedBy,
			CreatedAt:     time.Now().UTC(),
		})
		if err != nil {
			return PlanStats{}, fmt.Errorf("create close run: %w", err)
		}
		stats.CloseRunID = runID
	}

	for _, component := range components {
		if err := s.planComponent(ctx, p, maintainers, itemsByID, directConfidence, outgoingTarget, outgoingConfidence, component, runID, &stats); err != nil {
			stats.Failed++
			s.recordClusterFailure(p, component, err)
		}
	}

	s.Logger.Info().
		Int("clusters", stats.Clusters).
		Int("considered", stats.Considered).
		Int("close_actions", stats.CloseActions).
		Int("skip_actions", stats.SkipActions).
		Int("failed", stats.Failed).
		Bool("dry_run", p.DryRun).
		Msg("close planning complete")
	return stats, nil
}

type edgeKey struct{ from, to int64 }

func (s *Service) planComponent(
	ctx context.Context,
	p PlanParams,
	maintainers map[string]bool,
	itemsByID map[int64]types.PlanItem,
	directConfidence map[edgeKey]float64,
	outgoingTarget map[int64]int64,
	outgoingConfidence map[int64]float64,
	component []int64,
	runID int64,
	stats *PlanStats,
) error {
	members := make([]types.PlanItem, 0, len(component))
	nodes := make([]types.CanonicalNode, 0, len(component))
	for _, id := range component {
		item, ok := itemsByID[id]
		if !ok {
			return fmt.Errorf("cluster member %d missing from plan items", id)
		}
		members = append(members, item)
		nodes = append(nodes, item.CanonicalNode)
	}

	selection := canonical.SelectCanonical(nodes, p.ItemType, maintainers)
	canonicalID := selection.Node.ItemID

	for _, item := range members {
		if item.ItemID == canonicalID {
			continue
		}
		stats.Considered++

		action := types.ActionClose
		skipReason := ""
		targetID := canonicalID

		switch {
		case item.State != types.ItemStateOpen:
			action, skipReason = types.ActionSkip, "not_open"
			stats.SkippedNotOpen++
		case item.AuthorLogin == "":
			action, skipReason = types.ActionSkip, "uncertain_maintainer_identity"
			stats.SkippedUncertainIdentity++
		case maintainers[strings.ToLower(item.AuthorLogin)]:
			action, skipReason = types.ActionSkip, "maintainer_author"
			stats.SkippedMaintainerAuthor++
		case item.AssigneesUnknown:
			action, skipReason = types.ActionSkip, "uncertain_maintainer_identity"
			stats.SkippedUncertainIdentity++
		case anyMaintainer(item.Assignees, maintainers):
			action, skipReason = types.ActionSkip, "maintainer_assignee"
			stats.SkippedMaintainerAssignee++
		default:
			confidence, haveEdge := directConfidence[edgeKey{item.ItemID, targetID}]
			if !haveEdge && p.TargetPolicy == TargetDirectFallback {
				if fallbackTarget, ok := outgoingTarget[item.ItemID]; ok {
					if _, known := itemsByID[fallbackTarget]; known {
						targetID = fallbackTarget
						confidence = outgoingConfidence[item.ItemID]
						haveEdge = true
					}
				}
			}
			switch {
			case !haveEdge:
				action, skipReason = types.ActionSkip, "missing_accepted_edge"
				stats.SkippedMissingEdge++
			case confidence < p.MinClose:
				action, skipReason = types.ActionSkip, "low_confidence"
				stats.SkippedLowConfidence++
			}
		}

		if action == types.ActionClose {
			stats.CloseActions++
			if targetID != canonicalID {
				stats.CloseActionsDirectFallback++
			}
		} else {
			stats.SkipActions++
		}

		if p.DryRun {
			continue
		}
		target, ok := itemsByID[targetID]
		if !ok {
			return fmt.Errorf("close target %d missing from plan items", targetID)
		}
		if err := s.Store.CreateCloseEntry(ctx, types.CloseEntry{
			RunID:           runID,
			ItemID:          item.ItemID,
			ItemNumber:      item.Number,
			CanonicalItemID: targetID,
			CanonicalNumber: target.Number,
			Action:          action,
			SkipReason:      skipReason,
		}); err != nil {
			return fmt.Errorf("create close entry for item %d: %w", item.ItemID, err)
		}
	}
	return nil
}

func anyMaintainer(logins []string, maintainers map[string]bool) bool {
	for _, login := range logins {
		if maintainers[strings.ToLower(login)] {
			return true
		}
	}
	return false
}

// ApplyStats summarizes one apply pass.
type ApplyStats struct {
	PlanRunID         int64 `json:"plan_close_run_id"`
	ApplyRunID        int64 `json:"apply_close_run_id"`
	PlannedItems      int   `json:"planned_items"`
	PlannedCloseCount int   `json:"planned_close_actions"`
	PlannedSkipCount  int   `json:"planned_skip_actions"`
	Attempted         int   `json:"attempted"`
	Applied           int   `json:"applied"`
	Failed            int   `json:"failed"`
}

// Apply promotes a plan run: it copies the plan's entries into a new apply
// run, invokes the executor for each close entry, and records the outcome on
// the copied entry. Per-item executor failures are isolated and counted.
func (s *Service) Apply(ctx context.Context, planRunID int64, executor CloseExecutor, createdBy string) (ApplyStats, error) {
	planRun, err := s.Store.GetCloseRun(ctx, planRunID)
	if err != nil {
		return ApplyStats{}, fmt.Errorf("get close run %d: %w", planRunID, err)
	}
	if planRun.Mode != types.CloseRunPlan {
		return ApplyStats{}, fmt.Errorf("close run %d must be mode=plan (got %s)", planRunID, planRun.Mode)
	}

	entries, err := s.Store.ListCloseEntries(ctx, planRunID)
	if err != nil {
		return ApplyStats{}, fmt.Errorf("list close entries: %w", err)
	}

	applyRunID, err := s.Store.CreateCloseRun(ctx, types.CloseRun{
		RepoID:        planRun.RepoID,
		ItemType:      planRun.ItemType,
		Mode:          types.CloseRunApply,
		MinConfidence: planRun.MinConfidence,
		CreatedBy:     createdBy,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		return ApplyStats{}, fmt.Errorf("create apply run: %w", err)
	}

	stats := ApplyStats{
		PlanRunID:    planRunID,
		ApplyRunID:   applyRunID,
		PlannedItems: len(entries),
	}
	for _, entry := range entries {
		entry.RunID = applyRunID
		if err := s.Store.CreateCloseEntry(ctx, entry); err != nil {
			return stats, fmt.Errorf("copy close entry for item %d: %w", entry.ItemID, err)
		}
		if entry.Action == types.ActionClose {
			stats.PlannedCloseCount++
		} else {
			stats.PlannedSkipCount++
		}
	}

	for _, entry := range entries {
		if entry.Action != types.ActionClose {
			continue
		}
		stats.Attempted++
		appliedAt := time.Now().UTC()

		result, err := executor.CloseItem(ctx, planRun.ItemType, entry.ItemNumber, entry.CanonicalNumber)
		if err != nil {
			stats.Failed++
			result = encodeApplyError(err)
			s.recordApplyFailure(planRunID, applyRunID, entry, err)
		} else {
			stats.Applied++
		}

		if err := s.Store.RecordApplyResult(ctx, applyRunID, entry.ItemID, appliedAt, result); err != nil {
			return stats, fmt.Errorf("record apply result for item %d: %w", entry.ItemID, err)
		}
	}

	s.Logger.Info().
		Int64("plan_run_id", planRunID).
		Int64("apply_run_id", applyRunID).
		Int("attempted", stats.Attempted).
		Int("applied", stats.Applied).
		Int("failed", stats.Failed).
		Msg("apply complete")
	return stats, nil
}

func encodeApplyError(err error) string {
	payload, _ := json.Marshal(map[string]string{
		"status": "error",
		"error":  err.Error(),
	})
	return string(payload)
}

func (s *Service) recordClusterFailure(p PlanParams, component []int64, err error) {
	var ref string
	if s.Artifacts != nil {
		ref = s.Artifacts.Write("plan-close", "cluster_failed", map[string]any{
			"repo_id":            p.RepoID,
			"item_type":          string(p.ItemType),
			"component_item_ids": component,
			"min_close":          p.MinClose,
			"target_policy":      string(p.TargetPolicy),
			"dry_run":            p.DryRun,
			"error":              err.Error(),
		})
	}
	s.Logger.Error().
		Err(err).
		Str("artifact", ref).
		Msg("close plan cluster failed")
}

func (s *Service) recordApplyFailure(planRunID, applyRunID int64, entry types.CloseEntry, err error) {
	var ref string
	if s.Artifacts != nil {
		ref = s.Artifacts.Write("apply-close", "item_failed", map[string]any{
			"plan_run_id":      planRunID,
			"apply_run_id":     applyRunID,
			"item_id":          entry.ItemID,
			"item_number":      entry.ItemNumber,
			"canonical_number": entry.CanonicalNumber,
			"error":            err.Error(),
		})
	}
	s.Logger.Error().
		Err(err).
		Int("item_number", entry.ItemNumber).
		Str("artifact", ref).
		Msg("apply close item failed")
}
