package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dupcanon/dupcanon/internal/store"
	"github.com/dupcanon/dupcanon/internal/types"
)

func seedItems(t *testing.T) (*Store, int64) {
	t.Helper()
	db := New()
	repoID := db.AddRepo(types.RepoRef{Org: "acme", Name: "widgets"})
	for id := int64(1); id <= 3; id++ {
		db.AddItem(repoID, types.Item{
			ID: id, Type: types.ItemTypeIssue, Number: int(id) * 10,
			State: types.ItemStateOpen, Title: "exporter fails", Body: "on every run",
		})
	}
	return db, repoID
}

func TestGetRepoIDIsCaseInsensitive(t *testing.T) {
	db := New()
	id := db.AddRepo(types.RepoRef{Org: "Acme", Name: "Widgets"})

	got, err := db.GetRepoID(context.Background(), types.RepoRef{Org: "acme", Name: "widgets"})
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = db.GetRepoID(context.Background(), types.RepoRef{Org: "acme", Name: "gears"})
	assert.ErrorIs(t, err, store.ErrRepoNotFound)
}

func TestInsertDecisionEnforcesSingleAcceptedEdge(t *testing.T) {
	db, _ := seedItems(t)
	ctx := context.Background()

	accepted := types.Decision{
		FromItemID: 1, ToItemID: 2,
		FinalStatus: types.DecisionAccepted, ModelIsDuplicate: true, Confidence: 0.95,
		CreatedAt: time.Now(),
	}
	require.NoError(t, db.InsertDecision(ctx, accepted))

	// A second accepted decision for the same source loses the race.
	conflicting := accepted
	conflicting.ToItemID = 3
	assert.ErrorIs(t, db.InsertDecision(ctx, conflicting), store.ErrAcceptedEdgeExists)

	// Non-accepted rows are unconstrained.
	rejected := accepted
	rejected.FinalStatus = types.DecisionRejected
	rejected.VetoReason = "below_min_edge"
	assert.NoError(t, db.InsertDecision(ctx, rejected))

	has, err := db.HasAcceptedEdge(ctx, 1)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestReplaceAcceptedDecisionSupersedesOldEdge(t *testing.T) {
	db, _ := seedItems(t)
	ctx := context.Background()

	first := types.Decision{
		FromItemID: 1, ToItemID: 2,
		FinalStatus: types.DecisionAccepted, ModelIsDuplicate: true, Confidence: 0.90,
		CreatedAt: time.Now(),
	}
	require.NoError(t, db.InsertDecision(ctx, first))

	second := first
	second.ToItemID = 3
	second.Confidence = 0.96
	require.NoError(t, db.ReplaceAcceptedDecision(ctx, second))

	var accepted, superseded int
	for _, d := range db.Decisions() {
		switch {
		case d.FinalStatus == types.DecisionAccepted:
			accepted++
			assert.Equal(t, int64(3), d.ToItemID)
		case d.VetoReason == "superseded_by_rejudge":
			superseded++
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, superseded)
}

func TestCreateCandidateSetStalesPriorFreshSet(t *testing.T) {
	db, _ := seedItems(t)
	ctx := context.Background()

	makeSet := func(version int) {
		_, err := db.CreateCandidateSet(ctx, types.CandidateSet{
			SourceItemID: 1, K: 4, MinScore: 0.75, SourceContentVersion: version,
		}, []types.Neighbor{{CandidateItemID: 2, Score: 0.9, Rank: 1}})
		require.NoError(t, err)
	}
	makeSet(1)
	makeSet(2)

	var fresh, stale int
	for _, set := range db.CandidateSets() {
		switch set.Status {
		case types.CandidateSetFresh:
			fresh++
			assert.Equal(t, 2, set.SourceContentVersion)
		case types.CandidateSetStale:
			stale++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Equal(t, 1, stale)

	count, err := db.CountFreshCandidateSets(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestListJudgeWorkFiltersStaleAndClosedSources(t *testing.T) {
	db, repoID := seedItems(t)
	ctx := context.Background()

	for _, sourceID := range []int64{1, 2} {
		_, err := db.CreateCandidateSet(ctx, types.CandidateSet{
			SourceItemID: sourceID, K: 4, MinScore: 0.75, SourceContentVersion: 1,
		}, []types.Neighbor{{CandidateItemID: 3, Score: 0.9, Rank: 1}})
		require.NoError(t, err)
	}
	// Replacing item 1's set leaves its first set stale.
	_, err := db.CreateCandidateSet(ctx, types.CandidateSet{
		SourceItemID: 1, K: 4, MinScore: 0.75, SourceContentVersion: 2,
	}, []types.Neighbor{{CandidateItemID: 3, Score: 0.9, Rank: 1}})
	require.NoError(t, err)

	work, err := db.ListJudgeWork(ctx, repoID, types.ItemTypeIssue, false)
	require.NoError(t, err)
	assert.Len(t, work, 2, "one fresh set per source")

	withStale, err := db.ListJudgeWork(ctx, repoID, types.ItemTypeIssue, true)
	require.NoError(t, err)
	assert.Len(t, withStale, 3)

	// A closed source drops out of the judge queue entirely.
	db.AddItem(repoID, types.Item{
		ID: 2, Type: types.ItemTypeIssue, Number: 20,
		State: types.ItemStateClosed, Title: "exporter fails", Body: "on every run",
	})
	work, err = db.ListJudgeWork(ctx, repoID, types.ItemTypeIssue, false)
	require.NoError(t, err)
	assert.Len(t, work, 1)
	assert.Equal(t, int64(1), work[0].SourceItemID)
}

func TestSampleJudgeWorkIsSeedDeterministic(t *testing.T) {
	db, repoID := seedItems(t)
	ctx := context.Background()

	for _, sourceID := range []int64{1, 2, 3} {
		_, err := db.CreateCandidateSet(ctx, types.CandidateSet{
			SourceItemID: sourceID, K: 4, MinScore: 0.75, SourceContentVersion: 1,
		}, []types.Neighbor{{CandidateItemID: (sourceID % 3) + 1, Score: 0.9, Rank: 1}})
		require.NoError(t, err)
	}

	first, err := db.SampleJudgeWork(ctx, repoID, types.ItemTypeIssue, 2, 42)
	require.NoError(t, err)
	second, err := db.SampleJudgeWork(ctx, repoID, types.ItemTypeIssue, 2, 42)
	require.NoError(t, err)

	require.Len(t, first, 2)
	assert.Equal(t, first, second, "same seed yields the same sample")

	all, err := db.SampleJudgeWork(ctx, repoID, types.ItemTypeIssue, 10, 42)
	require.NoError(t, err)
	assert.Len(t, all, 3, "sample size caps at the available work")
}

func TestFindNeighborsRanksByScore(t *testing.T) {
	db, repoID := seedItems(t)
	db.AddEmbedding(1, "test-embed", []float32{1, 0})
	db.AddEmbedding(2, "test-embed", []float32{1, 0.2})
	db.AddEmbedding(3, "test-embed", []float32{0.6, 0.8})

	neighbors, err := db.FindNeighbors(context.Background(), store.NeighborQuery{
		RepoID:         repoID,
		SourceItemID:   1,
		ItemType:       types.ItemTypeIssue,
		IncludeStates:  []types.ItemState{types.ItemStateOpen},
		MinScore:       0.5,
		K:              10,
		EmbeddingModel: "test-embed",
	})
	require.NoError(t, err)

	require.Len(t, neighbors, 2)
	assert.Equal(t, int64(2), neighbors[0].CandidateItemID)
	assert.Equal(t, 1, neighbors[0].Rank)
	assert.Equal(t, int64(3), neighbors[1].CandidateItemID)
	assert.Equal(t, 2, neighbors[1].Rank)
	assert.Greater(t, neighbors[0].Score, neighbors[1].Score)
}

func TestRecordApplyResultRequiresEntry(t *testing.T) {
	db, _ := seedItems(t)
	ctx := context.Background()

	runID, err := db.CreateCloseRun(ctx, types.CloseRun{
		Mode: types.CloseRunPlan, CreatedBy: "test", CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, db.CreateCloseEntry(ctx, types.CloseEntry{
		RunID: runID, ItemID: 1, ItemNumber: 10,
		CanonicalItemID: 2, CanonicalNumber: 20, Action: types.ActionClose,
	}))

	require.NoError(t, db.RecordApplyResult(ctx, runID, 1, time.Now(), `{"status":"ok"}`))
	entries, err := db.ListCloseEntries(ctx, runID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].AppliedAt)
	assert.Equal(t, `{"status":"ok"}`, entries[0].ApplyResult)

	assert.ErrorIs(t, db.RecordApplyResult(ctx, runID, 99, time.Now(), "{}"), store.ErrRunNotFound)
	assert.ErrorIs(t, db.CreateCloseEntry(ctx, types.CloseEntry{RunID: 999}), store.ErrRunNotFound)
}
