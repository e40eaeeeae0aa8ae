package retrieval

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dupcanon/dupcanon/internal/store"
	"github.com/dupcanon/dupcanon/internal/store/memstore"
	"github.com/dupcanon/dupcanon/internal/types"
)

const embedModel = "test-embed"

// seedRepo builds five issues: four with embeddings at known angles so the
// cosine scores are predictable, one with no embedding at all.
func seedRepo(t *testing.T) (*memstore.Store, int64) {
	t.Helper()
	db := memstore.New()
	repoID := db.AddRepo(types.RepoRef{Org: "acme", Name: "widgets"})

	vectors := map[int64][]float32{
		1: {1, 0},
		2: {1, 0.2},
		3: {0.6, 0.8},
		4: {0, 1},
	}
	for id := int64(1); id <= 5; id++ {
		db.AddItem(repoID, types.Item{
			ID: id, Type: types.ItemTypeIssue, Number: int(id) * 10,
			State:          types.ItemStateOpen,
			Title:          "exporter fails when the cache is full",
			Body:           "happens on every run",
			ContentVersion: 1,
		})
		if vec, ok := vectors[id]; ok {
			db.AddEmbedding(id, embedModel, vec)
		}
	}
	return db, repoID
}

func testService(db *memstore.Store) *Service {
	return &Service{
		Store:     db,
		FreshSets: store.ResolveFreshSetCounter(db),
		Logger:    zerolog.Nop(),
	}
}

func testParams(repoID int64) Params {
	return Params{
		RepoID:         repoID,
		ItemType:       types.ItemTypeIssue,
		K:              5,
		MinScore:       0.5,
		IncludeStates:  []types.ItemState{types.ItemStateOpen},
		SourceStates:   []types.ItemState{types.ItemStateOpen},
		EmbeddingModel: embedModel,
	}
}

func TestRunValidatesParams(t *testing.T) {
	db, repoID := seedRepo(t)
	service := testService(db)

	p := testParams(repoID)
	p.K = 0
	_, err := service.Run(context.Background(), p)
	assert.Error(t, err)

	p = testParams(repoID)
	p.MinScore = 1.5
	_, err = service.Run(context.Background(), p)
	assert.Error(t, err)
}

func TestRunCreatesCandidateSets(t *testing.T) {
	db, repoID := seedRepo(t)
	service := testService(db)

	stats, err := service.Run(context.Background(), testParams(repoID))
	require.NoError(t, err)

	assert.Equal(t, 5, stats.Discovered)
	assert.Equal(t, 4, stats.Processed)
	assert.Equal(t, 4, stats.CandidateSetsCreated)
	assert.Equal(t, 1, stats.SkippedMissingEmbedding)
	assert.Equal(t, 0, stats.SkippedFresh)
	assert.Equal(t, 0, stats.StaleMarked)
	assert.Equal(t, 0, stats.Failed)

	sets := db.CandidateSets()
	require.Len(t, sets, 4)
	for _, set := range sets {
		assert.Equal(t, types.CandidateSetFresh, set.Status)
		assert.Equal(t, 1, set.SourceContentVersion)
	}
}

func TestRunIsIdempotentWithoutContentChange(t *testing.T) {
	db, repoID := seedRepo(t)
	service := testService(db)
	ctx := context.Background()

	_, err := service.Run(ctx, testParams(repoID))
	require.NoError(t, err)

	stats, err := service.Run(ctx, testParams(repoID))
	require.NoError(t, err)

	assert.Equal(t, 4, stats.SkippedFresh)
	assert.Equal(t, 0, stats.CandidateSetsCreated)
	assert.Len(t, db.CandidateSets(), 4, "rerun must not create new sets")
}

func TestRunRebuildsOnContentChange(t *testing.T) {
	db, repoID := seedRepo(t)
	service := testService(db)
	ctx := context.Background()

	_, err := service.Run(ctx, testParams(repoID))
	require.NoError(t, err)

	// Item 1 is edited: new content version, same embedding row.
	db.AddItem(repoID, types.Item{
		ID: 1, Type: types.ItemTypeIssue, Number: 10,
		State:          types.ItemStateOpen,
		Title:          "exporter fails when the cache is completely full",
		Body:           "happens on every run",
		ContentVersion: 2,
	})

	stats, err := service.Run(ctx, testParams(repoID))
	require.NoError(t, err)

	assert.Equal(t, 1, stats.CandidateSetsCreated)
	assert.Equal(t, 3, stats.SkippedFresh)
	assert.Equal(t, 1, stats.StaleMarked)

	fresh, stale := 0, 0
	for _, set := range db.CandidateSets() {
		if set.SourceItemID != 1 {
			continue
		}
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
}

func TestRunForceRebuildsEverything(t *testing.T) {
	db, repoID := seedRepo(t)
	service := testService(db)
	ctx := context.Background()

	_, err := service.Run(ctx, testParams(repoID))
	require.NoError(t, err)

	p := testParams(repoID)
	p.Force = true
	stats, err := service.Run(ctx, p)
	require.NoError(t, err)

	assert.Equal(t, 4, stats.CandidateSetsCreated)
	assert.Equal(t, 0, stats.SkippedFresh)
	assert.Equal(t, 4, stats.StaleMarked)
	assert.Len(t, db.CandidateSets(), 8)
}

func TestRunDryRunPersistsNothing(t *testing.T) {
	db, repoID := seedRepo(t)
	service := testService(db)
	ctx := context.Background()

	p := testParams(repoID)
	p.DryRun = true
	stats, err := service.Run(ctx, p)
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Processed)
	assert.Empty(t, db.CandidateSets())
	assert.Equal(t, 0, stats.WouldStale)
	assert.False(t, stats.StalePreviewUnavailable)

	// With fresh sets on disk, a forced dry-run previews the staleness impact.
	_, err = service.Run(ctx, testParams(repoID))
	require.NoError(t, err)
	p.Force = true
	stats, err = service.Run(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.WouldStale)
	assert.Len(t, db.CandidateSets(), 4, "dry run must not add sets")
}

func TestRunDryRunReportsMissingPreviewCapability(t *testing.T) {
	db, repoID := seedRepo(t)
	service := &Service{Store: db, Logger: zerolog.Nop()}

	p := testParams(repoID)
	p.DryRun = true
	stats, err := service.Run(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, stats.StalePreviewUnavailable)
}

func TestRunHonorsKAndMinScore(t *testing.T) {
	db, repoID := seedRepo(t)
	service := testService(db)

	p := testParams(repoID)
	p.K = 1
	p.MinScore = 0.9
	stats, err := service.Run(context.Background(), p)
	require.NoError(t, err)

	// Only the near-parallel pair (items 1 and 2) scores above 0.9, and k=1
	// caps every set at a single member.
	assert.Equal(t, 4, stats.CandidateSetsCreated)
	assert.Equal(t, 2, stats.CandidateMembersWritten)
}

func TestEnsureCandidatesHydratesWorkItem(t *testing.T) {
	db, repoID := seedRepo(t)
	service := testService(db)
	ctx := context.Background()

	work, err := service.EnsureCandidates(ctx, testParams(repoID), 10)
	require.NoError(t, err)

	assert.Equal(t, int64(1), work.SourceItemID)
	assert.Equal(t, 10, work.SourceNumber)
	assert.Equal(t, types.CandidateSetFresh, work.CandidateSetStatus)
	require.Len(t, work.Candidates, 2)
	assert.Equal(t, 20, work.Candidates[0].Number, "highest score first")
	assert.Equal(t, 1, work.Candidates[0].Rank)
	assert.Equal(t, 30, work.Candidates[1].Number)
	assert.Equal(t, 2, work.Candidates[1].Rank)
	assert.Greater(t, work.Candidates[0].Score, work.Candidates[1].Score)
}

func TestEnsureCandidatesReplacesFreshSet(t *testing.T) {
	db, repoID := seedRepo(t)
	service := testService(db)
	ctx := context.Background()

	_, err := service.EnsureCandidates(ctx, testParams(repoID), 10)
	require.NoError(t, err)
	_, err = service.EnsureCandidates(ctx, testParams(repoID), 10)
	require.NoError(t, err)

	fresh := 0
	for _, set := range db.CandidateSets() {
		if set.SourceItemID == 1 && set.Status == types.CandidateSetFresh {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh, "at most one fresh set per source")
}

func TestEnsureCandidatesRequiresEmbedding(t *testing.T) {
	db, repoID := seedRepo(t)
	service := testService(db)

	_, err := service.EnsureCandidates(context.Background(), testParams(repoID), 50)
	assert.Error(t, err)

	_, err = service.EnsureCandidates(context.Background(), testParams(repoID), 999)
	assert.ErrorIs(t, err, store.ErrItemNotFound)
}
