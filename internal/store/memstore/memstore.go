// Package memstore provides an in-memory store.Store used by tests and
// local experiments. It mirrors the pgstore semantics that matter to the
// pipeline: candidate-set staleness transitions, rank ordering, and the
// one-accepted-decision-per-source uniqueness guarantee.
package memstore

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dupcanon/dupcanon/internal/store"
	"github.com/dupcanon/dupcanon/internal/types"
)

type embeddingRow struct {
	model       string
	vector      []float32
	contentHash string
}

type candidateSetRow struct {
	set     types.CandidateSet
	members []types.Neighbor
}

// Store is an in-memory implementation of store.Store. Safe for concurrent
// use; a single mutex guards all state.
type Store struct {
	mu sync.Mutex

	repos      map[string]int64
	repoByItem map[int64]int64
	items      map[int64]types.Item
	embeddings map[int64]embeddingRow

	nextSetID     int64
	candidateSets []*candidateSetRow

	nextDecisionID int64
	decisions      []types.Decision

	nextRunID    int64
	closeRuns    map[int64]types.CloseRun
	closeEntries map[int64][]types.CloseEntry

	nextAuditID    int64
	auditRuns      map[int64]store.AuditRun
	auditItems     map[int64][]store.AuditItem
	auditSummaries map[int64]store.AuditSummary
}

var _ store.Store = (*Store)(nil)
var _ store.FreshSetCounter = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		repos:          make(map[string]int64),
		repoByItem:     make(map[int64]int64),
		items:          make(map[int64]types.Item),
		embeddings:     make(map[int64]embeddingRow),
		closeRuns:      make(map[int64]types.CloseRun),
		closeEntries:   make(map[int64][]types.CloseEntry),
		auditRuns:      make(map[int64]store.AuditRun),
		auditItems:     make(map[int64][]store.AuditItem),
		auditSummaries: make(map[int64]store.AuditSummary),
	}
}

// AddRepo seeds a tracked repository and returns its id.
func (s *Store) AddRepo(ref types.RepoRef) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(ref.FullName())
	if id, ok := s.repos[key]; ok {
		return id
	}
	id := int64(len(s.repos) + 1)
	s.repos[key] = id
	return id
}

// AddItem seeds an item under a repo.
func (s *Store) AddItem(repoID int64, item types.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = item
	s.repoByItem[item.ID] = repoID
}

// AddEmbedding seeds an embedding vector for an item.
func (s *Store) AddEmbedding(itemID int64, model string, vector []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.items[itemID]
	s.embeddings[itemID] = embeddingRow{
		model:       model,
		vector:      vector,
		contentHash: types.SemanticContentHash(item.Type, item.Title, item.Body),
	}
}

// Decisions returns a copy of all persisted decision rows, for assertions.
func (s *Store) Decisions() []types.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Decision, len(s.decisions))
	copy(out, s.decisions)
	return out
}

// AuditItems returns a copy of the compared rows of an audit run, for
// assertions.
func (s *Store) AuditItems(runID int64) []store.AuditItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.auditItems[runID]
	out := make([]store.AuditItem, len(items))
	copy(out, items)
	return out
}

// AuditSummaryFor returns the completion summary of an audit run, if any.
func (s *Store) AuditSummaryFor(runID int64) (store.AuditSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	summary, ok := s.auditSummaries[runID]
	return summary, ok
}

// CandidateSets returns a copy of all candidate sets, for assertions.
func (s *Store) CandidateSets() []types.CandidateSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.CandidateSet, 0, len(s.candidateSets))
	for _, row := range s.candidateSets {
		out = append(out, row.set)
	}
	return out
}

func (s *Store) GetRepoID(_ context.Context, ref types.RepoRef) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.repos[strings.ToLower(ref.FullName())]
	if !ok {
		return 0, store.ErrRepoNotFound
	}
	return id, nil
}

func (s *Store) ListItems(_ context.Context, itemIDs []int64) ([]types.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Item, 0, len(itemIDs))
	for _, id := range itemIDs {
		if item, ok := s.items[id]; ok {
			out = append(out, item)
		}
	}
	return out, nil
}

func (s *Store) ListEmbeddableItems(_ context.Context, repoID int64, itemType types.ItemType) ([]store.EmbeddableItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.EmbeddableItem
	for id, item := range s.items {
		if s.repoByItem[id] != repoID || item.Type != itemType {
			continue
		}
		row := store.EmbeddableItem{
			ItemID:      id,
			Number:      item.Number,
			Type:        item.Type,
			Title:       item.Title,
			Body:        item.Body,
			ContentHash: types.SemanticContentHash(item.Type, item.Title, item.Body),
		}
		if emb, ok := s.embeddings[id]; ok {
			row.EmbeddedContentHash = emb.contentHash
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out, nil
}

func (s *Store) UpdateItemEmbedding(_ context.Context, itemID int64, model string, vector []float32, contentHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[itemID]; !ok {
		return store.ErrItemNotFound
	}
	s.embeddings[itemID] = embeddingRow{model: model, vector: vector, contentHash: contentHash}
	return nil
}

func (s *Store) ListCandidateSources(_ context.Context, repoID int64, itemType types.ItemType, sourceStates []types.ItemState) ([]store.CandidateSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	allowed := make(map[types.ItemState]bool, len(sourceStates))
	for _, state := range sourceStates {
		allowed[state] = true
	}
	var out []store.CandidateSource
	for id, item := range s.items {
		if s.repoByItem[id] != repoID || item.Type != itemType {
			continue
		}
		if len(allowed) > 0 && !allowed[item.State] {
			continue
		}
		out = append(out, s.candidateSourceLocked(item))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out, nil
}

func (s *Store) GetCandidateSource(_ context.Context, repoID int64, itemType types.ItemType, number int) (store.CandidateSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, item := range s.items {
		if s.repoByItem[id] != repoID || item.Type != itemType || item.Number != number {
			continue
		}
		return s.candidateSourceLocked(item), nil
	}
	return store.CandidateSource{}, store.ErrItemNotFound
}

func (s *Store) candidateSourceLocked(item types.Item) store.CandidateSource {
	_, hasEmbedding := s.embeddings[item.ID]
	src := store.CandidateSource{
		ItemID:         item.ID,
		Number:         item.Number,
		ContentVersion: item.ContentVersion,
		HasEmbedding:   hasEmbedding,
	}
	for _, row := range s.candidateSets {
		if row.set.SourceItemID == item.ID && row.set.Status == types.CandidateSetFresh {
			version := row.set.SourceContentVersion
			src.FreshContentVersion = &version
		}
	}
	return src
}

func (s *Store) FindNeighbors(_ context.Context, q store.NeighborQuery) ([]types.Neighbor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	source, ok := s.embeddings[q.SourceItemID]
	if !ok {
		return nil, fmt.Errorf("source item %d has no embedding", q.SourceItemID)
	}

	allowed := make(map[types.ItemState]bool, len(q.IncludeStates))
	for _, state := range q.IncludeStates {
		allowed[state] = true
	}

	var neighbors []types.Neighbor
	for id, emb := range s.embeddings {
		if id == q.SourceItemID || s.repoByItem[id] != q.RepoID {
			continue
		}
		item := s.items[id]
		if item.Type != q.ItemType || !allowed[item.State] {
			continue
		}
		if q.EmbeddingModel != "" && emb.model != q.EmbeddingModel {
			continue
		}
		score := cosineSimilarity(source.vector, emb.vector)
		if score < q.MinScore {
			continue
		}
		neighbors = append(neighbors, types.Neighbor{CandidateItemID: id, Score: score})
	}

	sort.Slice(neighbors, func(i, j int) bool {
		if neighbors[i].Score != neighbors[j].Score {
			return neighbors[i].Score > neighbors[j].Score
		}
		return neighbors[i].CandidateItemID < neighbors[j].CandidateItemID
	})
	if len(neighbors) > q.K {
		neighbors = neighbors[:q.K]
	}
	for i := range neighbors {
		neighbors[i].Rank = i + 1
	}
	return neighbors, nil
}

func (s *Store) CreateCandidateSet(_ context.Context, set types.CandidateSet, members []types.Neighbor) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range s.candidateSets {
		if row.set.SourceItemID == set.SourceItemID && row.set.Status == types.CandidateSetFresh {
			row.set.Status = types.CandidateSetStale
		}
	}

	s.nextSetID++
	set.ID = s.nextSetID
	set.Status = types.CandidateSetFresh
	frozen := make([]types.Neighbor, len(members))
	copy(frozen, members)
	s.candidateSets = append(s.candidateSets, &candidateSetRow{set: set, members: frozen})
	return set.ID, nil
}

// CountFreshCandidateSets implements the optional store.FreshSetCounter
// capability used by retrieval dry-runs.
func (s *Store) CountFreshCandidateSets(_ context.Context, sourceItemID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, row := range s.candidateSets {
		if row.set.SourceItemID == sourceItemID && row.set.Status == types.CandidateSetFresh {
			count++
		}
	}
	return count, nil
}

func (s *Store) ListJudgeWork(_ context.Context, repoID int64, itemType types.ItemType, allowStale bool) ([]types.JudgeWorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.JudgeWorkItem
	for _, row := range s.candidateSets {
		if !allowStale && row.set.Status != types.CandidateSetFresh {
			continue
		}
		source, ok := s.items[row.set.SourceItemID]
		if !ok || s.repoByItem[source.ID] != repoID || source.Type != itemType {
			continue
		}
		if source.State != types.ItemStateOpen {
			continue
		}
		out = append(out, s.buildWorkItemLocked(row, source))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CandidateSetID < out[j].CandidateSetID })
	return out, nil
}

func (s *Store) SampleJudgeWork(ctx context.Context, repoID int64, itemType types.ItemType, sampleSize int, seed int64) ([]types.JudgeWorkItem, error) {
	work, err := s.ListJudgeWork(ctx, repoID, itemType, false)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(work), func(i, j int) { work[i], work[j] = work[j], work[i] })
	if len(work) > sampleSize {
		work = work[:sampleSize]
	}
	return work, nil
}

func (s *Store) buildWorkItemLocked(row *candidateSetRow, source types.Item) types.JudgeWorkItem {
	work := types.JudgeWorkItem{
		CandidateSetID:     row.set.ID,
		CandidateSetStatus: row.set.Status,
		SourceItemID:       source.ID,
		SourceNumber:       source.Number,
		SourceType:         source.Type,
		SourceState:        source.State,
		SourceTitle:        source.Title,
		SourceBody:         source.Body,
	}
	for _, member := range row.members {
		candidate, ok := s.items[member.CandidateItemID]
		if !ok {
			continue
		}
		work.Candidates = append(work.Candidates, types.JudgeCandidate{
			CandidateItemID: candidate.ID,
			Number:          candidate.Number,
			State:           candidate.State,
			Title:           candidate.Title,
			Body:            candidate.Body,
			Score:           member.Score,
			Rank:            member.Rank,
		})
	}
	return work
}

func (s *Store) HasAcceptedEdge(_ context.Context, fromItemID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasAcceptedLocked(fromItemID), nil
}

func (s *Store) hasAcceptedLocked(fromItemID int64) bool {
	for _, d := range s.decisions {
		if d.FromItemID == fromItemID && d.FinalStatus == types.DecisionAccepted {
			return true
		}
	}
	return false
}

func (s *Store) InsertDecision(_ context.Context, d types.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.FinalStatus == types.DecisionAccepted && s.hasAcceptedLocked(d.FromItemID) {
		return store.ErrAcceptedEdgeExists
	}
	s.nextDecisionID++
	d.ID = s.nextDecisionID
	s.decisions = append(s.decisions, d)
	return nil
}

func (s *Store) ReplaceAcceptedDecision(_ context.Context, d types.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.decisions {
		if s.decisions[i].FromItemID == d.FromItemID && s.decisions[i].FinalStatus == types.DecisionAccepted {
			s.decisions[i].FinalStatus = types.DecisionRejected
			s.decisions[i].VetoReason = "superseded_by_rejudge"
		}
	}
	s.nextDecisionID++
	d.ID = s.nextDecisionID
	s.decisions = append(s.decisions, d)
	return nil
}

func (s *Store) ListAcceptedEdges(_ context.Context, repoID int64, itemType types.ItemType) ([]types.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Edge
	for _, d := range s.decisions {
		if d.FinalStatus != types.DecisionAccepted {
			continue
		}
		item, ok := s.items[d.FromItemID]
		if !ok || s.repoByItem[item.ID] != repoID || item.Type != itemType {
			continue
		}
		out = append(out, types.Edge{FromItemID: d.FromItemID, ToItemID: d.ToItemID, Confidence: d.Confidence})
	}
	return out, nil
}

func (s *Store) ListCanonicalNodes(_ context.Context, repoID int64, itemType types.ItemType) ([]types.CanonicalNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.CanonicalNode
	for id, item := range s.items {
		if s.repoByItem[id] != repoID || item.Type != itemType {
			continue
		}
		out = append(out, canonicalNode(item))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out, nil
}

func (s *Store) ListPlanItems(_ context.Context, repoID int64, itemType types.ItemType) ([]types.PlanItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.PlanItem
	for id, item := range s.items {
		if s.repoByItem[id] != repoID || item.Type != itemType {
			continue
		}
		out = append(out, types.PlanItem{
			CanonicalNode:    canonicalNode(item),
			Assignees:        item.Assignees,
			AssigneesUnknown: item.AssigneesUnknown,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out, nil
}

func canonicalNode(item types.Item) types.CanonicalNode {
	return types.CanonicalNode{
		ItemID:             item.ID,
		Number:             item.Number,
		State:              item.State,
		AuthorLogin:        item.AuthorLogin,
		Title:              item.Title,
		Body:               item.Body,
		CommentCount:       item.CommentCount,
		ReviewCommentCount: item.ReviewCommentCount,
		CreatedAt:          item.CreatedAt,
	}
}

func (s *Store) CreateCloseRun(_ context.Context, run types.CloseRun) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRunID++
	run.ID = s.nextRunID
	s.closeRuns[run.ID] = run
	return run.ID, nil
}

func (s *Store) GetCloseRun(_ context.Context, runID int64) (types.CloseRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.closeRuns[runID]
	if !ok {
		return types.CloseRun{}, store.ErrRunNotFound
	}
	return run, nil
}

func (s *Store) CreateCloseEntry(_ context.Context, entry types.CloseEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.closeRuns[entry.RunID]; !ok {
		return store.ErrRunNotFound
	}
	s.closeEntries[entry.RunID] = append(s.closeEntries[entry.RunID], entry)
	return nil
}

func (s *Store) ListCloseEntries(_ context.Context, runID int64) ([]types.CloseEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.closeEntries[runID]
	out := make([]types.CloseEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *Store) RecordApplyResult(_ context.Context, runID, itemID int64, appliedAt time.Time, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.closeEntries[runID]
	for i := range entries {
		if entries[i].ItemID == itemID {
			at := appliedAt
			entries[i].AppliedAt = &at
			entries[i].ApplyResult = result
			return nil
		}
	}
	return store.ErrRunNotFound
}

func (s *Store) CreateAuditRun(_ context.Context, run store.AuditRun) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAuditID++
	run.ID = s.nextAuditID
	s.auditRuns[run.ID] = run
	return run.ID, nil
}

func (s *Store) InsertAuditItem(_ context.Context, item store.AuditItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.auditRuns[item.RunID]; !ok {
		return store.ErrRunNotFound
	}
	s.auditItems[item.RunID] = append(s.auditItems[item.RunID], item)
	return nil
}

func (s *Store) CompleteAuditRun(_ context.Context, runID int64, summary store.AuditSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.auditRuns[runID]; !ok {
		return store.ErrRunNotFound
	}
	s.auditSummaries[runID] = summary
	return nil
}

func (s *Store) Close() {}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
