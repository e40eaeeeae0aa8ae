package planner

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dupcanon/dupcanon/internal/store/memstore"
	"github.com/dupcanon/dupcanon/internal/types"
)

func addPlanItem(db *memstore.Store, repoID, id int64, number int, mutate func(*types.Item)) {
	item := types.Item{
		ID: id, Type: types.ItemTypeIssue, Number: number, State: types.ItemStateOpen,
		AuthorLogin: "reporter",
		Title:       "the exporter fails when the cache is full",
		Body:        "this is reproducible on every run and should not happen",
	}
	if mutate != nil {
		mutate(&item)
	}
	db.AddItem(repoID, item)
}

func addAcceptedEdge(t *testing.T, db *memstore.Store, from, to int64, confidence float64) {
	t.Helper()
	require.NoError(t, db.InsertDecision(context.Background(), types.Decision{
		FromItemID: from, ToItemID: to,
		FinalStatus: types.DecisionAccepted, ModelIsDuplicate: true, Confidence: confidence,
		Reasoning: "same failure", CreatedAt: time.Now(),
	}))
}

// seedChain builds the A-B-C chain: edges A→B and C→B with high confidence.
// B collects the most discussion, so it becomes canonical.
func seedChain(t *testing.T) (*memstore.Store, int64) {
	t.Helper()
	db := memstore.New()
	repoID := db.AddRepo(types.RepoRef{Org: "acme", Name: "widgets"})

	addPlanItem(db, repoID, 1, 10, nil)                                            // A
	addPlanItem(db, repoID, 2, 20, func(i *types.Item) { i.CommentCount = 10 })    // B
	addPlanItem(db, repoID, 3, 30, nil)                                            // C
	addAcceptedEdge(t, db, 1, 2, 0.95)
	addAcceptedEdge(t, db, 3, 2, 0.95)
	return db, repoID
}

func planParams(repoID int64, policy TargetPolicy) PlanParams {
	return PlanParams{
		RepoID:       repoID,
		ItemType:     types.ItemTypeIssue,
		MinClose:     0.90,
		TargetPolicy: policy,
		CreatedBy:    "test",
	}
}

func TestPlanClosesDirectEdgeMembers(t *testing.T) {
	db, repoID := seedChain(t)
	service := &Service{Store: db, Logger: zerolog.Nop()}

	stats, err := service.Plan(context.Background(), planParams(repoID, TargetCanonicalOnly), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Clusters)
	assert.Equal(t, 2, stats.Considered)
	assert.Equal(t, 2, stats.CloseActions, "A and C both hold a direct edge to canonical B")
	assert.Equal(t, 0, stats.CloseActionsDirectFallback)

	entries, err := db.ListCloseEntries(context.Background(), stats.CloseRunID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, entry := range entries {
		assert.Equal(t, types.ActionClose, entry.Action)
		assert.Equal(t, int64(2), entry.CanonicalItemID)
		assert.Equal(t, 20, entry.CanonicalNumber)
	}
}

// seedIndirectChain builds edges A->B and B->C with C holding the most
// discussion, so C becomes canonical and A has no direct edge to it.
func seedIndirectChain(t *testing.T) (*memstore.Store, int64) {
	t.Helper()
	db := memstore.New()
	repoID := db.AddRepo(types.RepoRef{Org: "acme", Name: "widgets"})

	addPlanItem(db, repoID, 1, 10, nil)                                         // A
	addPlanItem(db, repoID, 2, 20, nil)                                         // B
	addPlanItem(db, repoID, 3, 30, func(i *types.Item) { i.CommentCount = 9 }) // C, canonical
	addAcceptedEdge(t, db, 1, 2, 0.95)
	addAcceptedEdge(t, db, 2, 3, 0.95)
	return db, repoID
}

func TestPlanCanonicalOnlySkipsIndirectMembers(t *testing.T) {
	db, repoID := seedIndirectChain(t)
	service := &Service{Store: db, Logger: zerolog.Nop()}

	stats, err := service.Plan(context.Background(), planParams(repoID, TargetCanonicalOnly), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.CloseActions, "B has a direct edge to canonical C")
	assert.Equal(t, 1, stats.SkippedMissingEdge, "A has no direct edge to C")

	entries, err := db.ListCloseEntries(context.Background(), stats.CloseRunID)
	require.NoError(t, err)
	for _, entry := range entries {
		if entry.ItemID == 1 {
			assert.Equal(t, types.ActionSkip, entry.Action)
			assert.Equal(t, "missing_accepted_edge", entry.SkipReason)
		}
	}
}

func TestPlanDirectFallbackSubstitutesOwnEdge(t *testing.T) {
	db, repoID := seedIndirectChain(t)
	service := &Service{Store: db, Logger: zerolog.Nop()}

	stats, err := service.Plan(context.Background(), planParams(repoID, TargetDirectFallback), nil)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.CloseActions)
	assert.Equal(t, 1, stats.CloseActionsDirectFallback, "A closes against its own edge target B")
	assert.Equal(t, 0, stats.SkippedMissingEdge)

	entries, err := db.ListCloseEntries(context.Background(), stats.CloseRunID)
	require.NoError(t, err)
	for _, entry := range entries {
		if entry.ItemID == 1 {
			assert.Equal(t, types.ActionClose, entry.Action)
			assert.Equal(t, int64(2), entry.CanonicalItemID, "fallback target is B, not canonical C")
			assert.Equal(t, 20, entry.CanonicalNumber)
		}
	}
}

func TestPlanGuardrailsProtectMaintainers(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*types.Item)
		skipReason string
	}{
		{
			name:       "closed item",
			mutate:     func(i *types.Item) { i.State = types.ItemStateClosed },
			skipReason: "not_open",
		},
		{
			name:       "unknown author",
			mutate:     func(i *types.Item) { i.AuthorLogin = "" },
			skipReason: "uncertain_maintainer_identity",
		},
		{
			name:       "maintainer author",
			mutate:     func(i *types.Item) { i.AuthorLogin = "Alice" },
			skipReason: "maintainer_author",
		},
		{
			name:       "unresolvable assignees",
			mutate:     func(i *types.Item) { i.AssigneesUnknown = true },
			skipReason: "uncertain_maintainer_identity",
		},
		{
			name:       "maintainer assignee",
			mutate:     func(i *types.Item) { i.Assignees = []string{"ALICE"} },
			skipReason: "maintainer_assignee",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := memstore.New()
			repoID := db.AddRepo(types.RepoRef{Org: "acme", Name: "widgets"})
			addPlanItem(db, repoID, 1, 10, tt.mutate)
			// The canonical is maintainer-authored so that the maintainer
			// preference in canonical selection cannot absorb item 1.
			addPlanItem(db, repoID, 2, 20, func(i *types.Item) {
				i.CommentCount = 10
				i.AuthorLogin = "bob"
			})
			addAcceptedEdge(t, db, 1, 2, 0.95)

			service := &Service{Store: db, Logger: zerolog.Nop()}
			stats, err := service.Plan(context.Background(),
				planParams(repoID, TargetCanonicalOnly), map[string]bool{"alice": true, "bob": true})
			require.NoError(t, err)

			assert.Equal(t, 0, stats.CloseActions, "guardrail must resolve to skip")
			assert.Equal(t, 1, stats.SkipActions)

			entries, err := db.ListCloseEntries(context.Background(), stats.CloseRunID)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, types.ActionSkip, entries[0].Action)
			assert.Equal(t, tt.skipReason, entries[0].SkipReason)
		})
	}
}

func TestPlanLowConfidenceSkips(t *testing.T) {
	db := memstore.New()
	repoID := db.AddRepo(types.RepoRef{Org: "acme", Name: "widgets"})
	addPlanItem(db, repoID, 1, 10, nil)
	addPlanItem(db, repoID, 2, 20, func(i *types.Item) { i.CommentCount = 10 })
	addAcceptedEdge(t, db, 1, 2, 0.87)

	service := &Service{Store: db, Logger: zerolog.Nop()}
	stats, err := service.Plan(context.Background(), planParams(repoID, TargetCanonicalOnly), nil)
	require.NoError(t, err)

	assert.Equal(t, 0, stats.CloseActions)
	assert.Equal(t, 1, stats.SkippedLowConfidence)
}

func TestPlanDryRunPersistsNothing(t *testing.T) {
	db, repoID := seedChain(t)
	service := &Service{Store: db, Logger: zerolog.Nop()}

	params := planParams(repoID, TargetCanonicalOnly)
	params.DryRun = true
	stats, err := service.Plan(context.Background(), params, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.CloseActions)
	assert.Zero(t, stats.CloseRunID)
	_, err = db.GetCloseRun(context.Background(), 1)
	assert.Error(t, err, "no run was created")
}

type scriptedExecutor struct {
	failNumbers map[int]bool
	closed      []int
}

func (e *scriptedExecutor) CloseItem(_ context.Context, _ types.ItemType, number, canonicalNumber int) (string, error) {
	if e.failNumbers[number] {
		return "", errors.New("tracker unavailable")
	}
	e.closed = append(e.closed, number)
	payload, _ := json.Marshal(map[string]int{"closed": number, "canonical": canonicalNumber})
	return string(payload), nil
}

func TestApplyCopiesEntriesAndRecordsOutcomes(t *testing.T) {
	db, repoID := seedChain(t)
	service := &Service{Store: db, Logger: zerolog.Nop()}

	planStats, err := service.Plan(context.Background(), planParams(repoID, TargetCanonicalOnly), nil)
	require.NoError(t, err)

	executor := &scriptedExecutor{failNumbers: map[int]bool{30: true}}
	applyStats, err := service.Apply(context.Background(), planStats.CloseRunID, executor, "test")
	require.NoError(t, err)

	assert.Equal(t, 2, applyStats.PlannedItems)
	assert.Equal(t, 2, applyStats.Attempted)
	assert.Equal(t, 1, applyStats.Applied)
	assert.Equal(t, 1, applyStats.Failed)
	assert.Equal(t, []int{10}, executor.closed)

	applyRun, err := db.GetCloseRun(context.Background(), applyStats.ApplyRunID)
	require.NoError(t, err)
	assert.Equal(t, types.CloseRunApply, applyRun.Mode)

	entries, err := db.ListCloseEntries(context.Background(), applyStats.ApplyRunID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, entry := range entries {
		require.NotNil(t, entry.AppliedAt)
		if entry.ItemNumber == 30 {
			assert.Contains(t, entry.ApplyResult, "tracker unavailable")
		} else {
			assert.Contains(t, entry.ApplyResult, `"closed":10`)
		}
	}
}

func TestApplyRejectsNonPlanRun(t *testing.T) {
	db, repoID := seedChain(t)
	service := &Service{Store: db, Logger: zerolog.Nop()}

	planStats, err := service.Plan(context.Background(), planParams(repoID, TargetCanonicalOnly), nil)
	require.NoError(t, err)

	applyStats, err := service.Apply(context.Background(), planStats.CloseRunID, &scriptedExecutor{}, "test")
	require.NoError(t, err)

	_, err = service.Apply(context.Background(), applyStats.ApplyRunID, &scriptedExecutor{}, "test")
	assert.Error(t, err, "apply runs cannot be promoted again")
}

func TestParseTargetPolicy(t *testing.T) {
	policy, err := ParseTargetPolicy("canonical_only")
	require.NoError(t, err)
	assert.Equal(t, TargetCanonicalOnly, policy)

	policy, err = ParseTargetPolicy(" Direct_Fallback ")
	require.NoError(t, err)
	assert.Equal(t, TargetDirectFallback, policy)

	_, err = ParseTargetPolicy("everything")
	assert.Error(t, err)
}
