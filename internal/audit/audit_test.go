package audit

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dupcanon/dupcanon/internal/judge"
	"github.com/dupcanon/dupcanon/internal/llm"
	"github.com/dupcanon/dupcanon/internal/store/memstore"
	"github.com/dupcanon/dupcanon/internal/types"
)

func TestClassifyOutcome(t *testing.T) {
	accepted := func(target int64) judge.Outcome {
		return judge.Outcome{Judged: true, FinalStatus: types.DecisionAccepted, ToItemID: target}
	}
	rejected := judge.Outcome{Judged: true, FinalStatus: types.DecisionRejected}
	skipped := judge.Outcome{FinalStatus: types.DecisionSkipped, VetoReason: "source_too_vague"}

	tests := []struct {
		name   string
		cheap  judge.Outcome
		strong judge.Outcome
		want   string
	}{
		{"agree on target", accepted(2), accepted(2), OutcomeTP},
		{"agree on duplication but not target", accepted(2), accepted(3), OutcomeConflict},
		{"cheap overclaims", accepted(2), rejected, OutcomeFP},
		{"cheap misses", rejected, accepted(2), OutcomeFN},
		{"agree on rejection", rejected, rejected, OutcomeTN},
		{"cheap skipped", skipped, accepted(2), OutcomeIncomplete},
		{"strong skipped", accepted(2), skipped, OutcomeIncomplete},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyOutcome(tt.cheap, tt.strong))
		})
	}
}

// modelJudge routes fake responses by model name, so one cache can serve both
// judge configurations.
type modelJudge struct {
	response string
	err      error
}

func auditEngine(db *memstore.Store, judges map[string]*modelJudge) *judge.Engine {
	return &judge.Engine{
		Store:      db,
		Logger:     zerolog.Nop(),
		Heuristics: judge.DefaultHeuristics(),
		NewCache: func() *llm.ClientCache {
			return llm.NewClientCacheWith(func(o llm.Options) (llm.Judge, error) {
				j, ok := judges[o.Model]
				if !ok {
					return nil, fmt.Errorf("no fake for model %q", o.Model)
				}
				return fakeJudgeFunc(func() (string, error) { return j.response, j.err }), nil
			})
		},
	}
}

type fakeJudgeFunc func() (string, error)

func (f fakeJudgeFunc) Judge(context.Context, string, string) (string, error) {
	return f()
}

const sourceBody = "running with ask=off and security=full the exporter exits with code 3 " +
	"after the third retry, reproduced on linux and macos with cache.size=512"

func seedAuditStore(t *testing.T) (*memstore.Store, int64) {
	t.Helper()
	db := memstore.New()
	repoID := db.AddRepo(types.RepoRef{Org: "acme", Name: "widgets"})

	db.AddItem(repoID, types.Item{
		ID: 1, Type: types.ItemTypeIssue, Number: 100, State: types.ItemStateOpen,
		Title: "exporter exits with code 3 when ask=off", Body: sourceBody,
	})
	db.AddItem(repoID, types.Item{
		ID: 2, Type: types.ItemTypeIssue, Number: 9001, State: types.ItemStateOpen,
		Title: "exporter exit code 3 with ask=off", Body: sourceBody,
	})

	_, err := db.CreateCandidateSet(context.Background(), types.CandidateSet{
		SourceItemID: 1, K: 4, MinScore: 0.75, SourceContentVersion: 1,
	}, []types.Neighbor{{CandidateItemID: 2, Score: 0.95, Rank: 1}})
	require.NoError(t, err)
	return db, repoID
}

func auditParams(repoID int64) Params {
	return Params{
		RepoID:     repoID,
		ItemType:   types.ItemTypeIssue,
		SampleSize: 10,
		Seed:       42,
		MinEdge:    0.85,
		Cheap:      judge.JudgeConfig{Provider: "anthropic", Model: "cheap-model", Thinking: "off"},
		Strong:     judge.JudgeConfig{Provider: "anthropic", Model: "strong-model", Thinking: "off"},
		CreatedBy:  "test",
	}
}

func duplicateClaim(confidence float64) string {
	return fmt.Sprintf(`{"is_duplicate": true, "duplicate_of": 9001, "confidence": %.2f, `+
		`"reasoning": "same exit code and same config keys", "relation": "same_instance", `+
		`"root_cause_match": "same", "scope_relation": "same_scope", "path_match": "same", `+
		`"certainty": "sure"}`, confidence)
}

const nonDuplicateClaim = `{"is_duplicate": false, "duplicate_of": 0, "confidence": 0.30, ` +
	`"reasoning": "different failure signatures", "relation": "different", ` +
	`"root_cause_match": "different", "scope_relation": "different_scope", ` +
	`"path_match": "unknown", "certainty": "sure"}`

func TestRunAgreementIsTruePositive(t *testing.T) {
	db, repoID := seedAuditStore(t)
	engine := auditEngine(db, map[string]*modelJudge{
		"cheap-model":  {response: duplicateClaim(0.91)},
		"strong-model": {response: duplicateClaim(0.95)},
	})
	service := &Service{Store: db, Engine: engine, Logger: zerolog.Nop()}

	stats, err := service.Run(context.Background(), auditParams(repoID))
	require.NoError(t, err)

	assert.Equal(t, 1, stats.SampleActual)
	assert.Equal(t, 1, stats.Compared)
	assert.Equal(t, 1, stats.TP)
	assert.Equal(t, 0, stats.Failed)

	items := db.AuditItems(stats.AuditRunID)
	require.Len(t, items, 1)
	assert.Equal(t, OutcomeTP, items[0].OutcomeClass)
	assert.Equal(t, types.DecisionAccepted, items[0].CheapStatus)
	assert.Equal(t, types.DecisionAccepted, items[0].StrongStatus)
	assert.Equal(t, int64(2), items[0].CheapToItemID)

	summary, ok := db.AuditSummaryFor(stats.AuditRunID)
	require.True(t, ok)
	assert.Equal(t, "completed", summary.Status)
	assert.Equal(t, 1, summary.TP)
}

func TestRunCheapOverclaimIsFalsePositive(t *testing.T) {
	db, repoID := seedAuditStore(t)
	engine := auditEngine(db, map[string]*modelJudge{
		"cheap-model":  {response: duplicateClaim(0.91)},
		"strong-model": {response: nonDuplicateClaim},
	})
	service := &Service{Store: db, Engine: engine, Logger: zerolog.Nop()}

	stats, err := service.Run(context.Background(), auditParams(repoID))
	require.NoError(t, err)

	assert.Equal(t, 1, stats.FP)
	items := db.AuditItems(stats.AuditRunID)
	require.Len(t, items, 1)
	assert.Equal(t, OutcomeFP, items[0].OutcomeClass)
	assert.Equal(t, types.DecisionRejected, items[0].StrongStatus)
}

func TestRunVetoedCheapClaimIsFalseNegative(t *testing.T) {
	db, repoID := seedAuditStore(t)
	// The cheap claim clears min-edge as a model score but falls to the
	// below-threshold veto, so only the strong judge accepts.
	engine := auditEngine(db, map[string]*modelJudge{
		"cheap-model":  {response: duplicateClaim(0.60)},
		"strong-model": {response: duplicateClaim(0.95)},
	})
	service := &Service{Store: db, Engine: engine, Logger: zerolog.Nop()}

	stats, err := service.Run(context.Background(), auditParams(repoID))
	require.NoError(t, err)

	assert.Equal(t, 1, stats.FN)
	items := db.AuditItems(stats.AuditRunID)
	require.Len(t, items, 1)
	assert.Equal(t, "below_min_edge", items[0].CheapVeto)
}

func TestRunProviderFailureIsIsolated(t *testing.T) {
	db, repoID := seedAuditStore(t)
	engine := auditEngine(db, map[string]*modelJudge{
		"cheap-model":  {err: errors.New("provider unavailable")},
		"strong-model": {response: duplicateClaim(0.95)},
	})
	service := &Service{Store: db, Engine: engine, Logger: zerolog.Nop()}

	stats, err := service.Run(context.Background(), auditParams(repoID))
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0, stats.Compared)
	assert.Empty(t, db.AuditItems(stats.AuditRunID))

	summary, ok := db.AuditSummaryFor(stats.AuditRunID)
	require.True(t, ok)
	assert.Equal(t, "completed_with_failures", summary.Status)
}

func TestRunValidatesParams(t *testing.T) {
	db, repoID := seedAuditStore(t)
	service := &Service{Store: db, Engine: auditEngine(db, nil), Logger: zerolog.Nop()}

	p := auditParams(repoID)
	p.SampleSize = 0
	_, err := service.Run(context.Background(), p)
	assert.Error(t, err)

	p = auditParams(repoID)
	p.MinEdge = 2
	_, err = service.Run(context.Background(), p)
	assert.Error(t, err)
}
