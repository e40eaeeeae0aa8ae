// Package pgstore provides the PostgreSQL implementation of store.Store.
// Neighbor retrieval runs on the pgvector cosine operator; the
// one-accepted-decision-per-source invariant is a partial unique index.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/dupcanon/dupcanon/internal/store"
	"github.com/dupcanon/dupcanon/internal/types"
)

//go:embed schema.sql
var schema string

const pgUniqueViolation = "23505"

// Store persists the dupcanon pipeline state in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)
var _ store.FreshSetCounter = (*Store)(nil)

// New connects to PostgreSQL, applies the schema, and returns a ready Store.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) GetRepoID(ctx context.Context, ref types.RepoRef) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM repos WHERE LOWER(org) = LOWER($1) AND LOWER(name) = LOWER($2)`,
		ref.Org, ref.Name,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, store.ErrRepoNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get repo id: %w", err)
	}
	return id, nil
}

const itemColumns = `id, item_type, number, title, body, state, author_login, assignees,
	assignees_unknown, comment_count, review_comment_count, created_at, content_version`

func (s *Store) ListItems(ctx context.Context, itemIDs []int64) ([]types.Item, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = ANY($1) ORDER BY id`, itemIDs)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []types.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanItem(row pgx.Row) (types.Item, error) {
	var (
		item          types.Item
		itemType      string
		state         string
		authorLogin   *string
		assigneesJSON []byte
	)
	err := row.Scan(
		&item.ID, &itemType, &item.Number, &item.Title, &item.Body, &state,
		&authorLogin, &assigneesJSON, &item.AssigneesUnknown,
		&item.CommentCount, &item.ReviewCommentCount, &item.CreatedAt, &item.ContentVersion,
	)
	if err != nil {
		return types.Item{}, fmt.Errorf("scan item: %w", err)
	}
	item.Type = types.ItemType(itemType)
	item.State = types.ItemState(state)
	if authorLogin != nil {
		item.AuthorLogin = *authorLogin
	}
	if len(assigneesJSON) > 0 {
		if err := json.Unmarshal(assigneesJSON, &item.Assignees); err != nil {
			return types.Item{}, fmt.Errorf("unmarshal assignees for item %d: %w", item.ID, err)
		}
	}
	return item, nil
}

func (s *Store) ListEmbeddableItems(ctx context.Context, repoID int64, itemType types.ItemType) ([]store.EmbeddableItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, number, title, body, COALESCE(embedded_content_hash, '')
		 FROM items WHERE repo_id = $1 AND item_type = $2 ORDER BY id`,
		repoID, string(itemType))
	if err != nil {
		return nil, fmt.Errorf("query embeddable items: %w", err)
	}
	defer rows.Close()

	var out []store.EmbeddableItem
	for rows.Next() {
		row := store.EmbeddableItem{Type: itemType}
		if err := rows.Scan(&row.ItemID, &row.Number, &row.Title, &row.Body, &row.EmbeddedContentHash); err != nil {
			return nil, fmt.Errorf("scan embeddable item: %w", err)
		}
		row.ContentHash = types.SemanticContentHash(itemType, row.Title, row.Body)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) UpdateItemEmbedding(ctx context.Context, itemID int64, model string, vector []float32, contentHash string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE items SET embedding = $2, embedding_model = $3, embedded_content_hash = $4 WHERE id = $1`,
		itemID, pgvector.NewVector(vector), model, contentHash)
	if err != nil {
		return fmt.Errorf("update embedding for item %d: %w", itemID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrItemNotFound
	}
	return nil
}

const candidateSourceColumns = `i.id, i.number, i.content_version, i.embedding IS NOT NULL,
	(SELECT cs.source_content_version FROM candidate_sets cs
	 WHERE cs.source_item_id = i.id AND cs.status = 'fresh'
	 ORDER BY cs.id DESC LIMIT 1)`

func (s *Store) ListCandidateSources(ctx context.Context, repoID int64, itemType types.ItemType, sourceStates []types.ItemState) ([]store.CandidateSource, error) {
	states := make([]string, len(sourceStates))
	for i, state := range sourceStates {
		states[i] = string(state)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+candidateSourceColumns+`
		 FROM items i
		 WHERE i.repo_id = $1 AND i.item_type = $2
		   AND (cardinality($3::text[]) = 0 OR i.state = ANY($3))
		 ORDER BY i.id`,
		repoID, string(itemType), states)
	if err != nil {
		return nil, fmt.Errorf("query candidate sources: %w", err)
	}
	defer rows.Close()

	var out []store.CandidateSource
	for rows.Next() {
		var src store.CandidateSource
		if err := rows.Scan(&src.ItemID, &src.Number, &src.ContentVersion, &src.HasEmbedding, &src.FreshContentVersion); err != nil {
			return nil, fmt.Errorf("scan candidate source: %w", err)
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func (s *Store) GetCandidateSource(ctx context.Context, repoID int64, itemType types.ItemType, number int) (store.CandidateSource, error) {
	var src store.CandidateSource
	err := s.pool.QueryRow(ctx,
		`SELECT `+candidateSourceColumns+`
		 FROM items i
		 WHERE i.repo_id = $1 AND i.item_type = $2 AND i.number = $3`,
		repoID, string(itemType), number,
	).Scan(&src.ItemID, &src.Number, &src.ContentVersion, &src.HasEmbedding, &src.FreshContentVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.CandidateSource{}, store.ErrItemNotFound
	}
	if err != nil {
		return store.CandidateSource{}, fmt.Errorf("get candidate source: %w", err)
	}
	return src, nil
}

func (s *Store) FindNeighbors(ctx context.Context, q store.NeighborQuery) ([]types.Neighbor, error) {
	states := make([]string, len(q.IncludeStates))
	for i, state := range q.IncludeStates {
		states[i] = string(state)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT i.id, 1 - (i.embedding <=> s.embedding) AS score
		 FROM items i
		 JOIN items s ON s.id = $1
		 WHERE i.id <> s.id
		   AND i.repo_id = $2
		   AND i.item_type = $3
		   AND i.state = ANY($4)
		   AND i.embedding IS NOT NULL
		   AND ($5 = '' OR i.embedding_model = $5)
		   AND 1 - (i.embedding <=> s.embedding) >= $6
		 ORDER BY score DESC, i.id
		 LIMIT $7`,
		q.SourceItemID, q.RepoID, string(q.ItemType), states, q.EmbeddingModel, q.MinScore, q.K)
	if err != nil {
		return nil, fmt.Errorf("query neighbors: %w", err)
	}
	defer rows.Close()

	var neighbors []types.Neighbor
	for rows.Next() {
		var n types.Neighbor
		if err := rows.Scan(&n.CandidateItemID, &n.Score); err != nil {
			return nil, fmt.Errorf("scan neighbor: %w", err)
		}
		n.Rank = len(neighbors) + 1
		neighbors = append(neighbors, n)
	}
	return neighbors, rows.Err()
}

func (s *Store) CreateCandidateSet(ctx context.Context, set types.CandidateSet, members []types.Neighbor) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	_, err = tx.Exec(ctx,
		`UPDATE candidate_sets SET status = 'stale' WHERE source_item_id = $1 AND status = 'fresh'`,
		set.SourceItemID)
	if err != nil {
		return 0, fmt.Errorf("stale prior sets: %w", err)
	}

	var setID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO candidate_sets (source_item_id, status, k, min_score, source_content_version, created_at)
		 VALUES ($1, 'fresh', $2, $3, $4, $5) RETURNING id`,
		set.SourceItemID, set.K, set.MinScore, set.SourceContentVersion, set.CreatedAt,
	).Scan(&setID)
	if err != nil {
		return 0, fmt.Errorf("insert candidate set: %w", err)
	}

	for _, m := range members {
		_, err = tx.Exec(ctx,
			`INSERT INTO candidate_set_members (set_id, candidate_item_id, score, rank) VALUES ($1, $2, $3, $4)`,
			setID, m.CandidateItemID, m.Score, m.Rank)
		if err != nil {
			return 0, fmt.Errorf("insert member rank %d: %w", m.Rank, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return setID, nil
}

// CountFreshCandidateSets implements store.FreshSetCounter for retrieval
// dry-runs.
func (s *Store) CountFreshCandidateSets(ctx context.Context, sourceItemID int64) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM candidate_sets WHERE source_item_id = $1 AND status = 'fresh'`,
		sourceItemID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count fresh sets: %w", err)
	}
	return count, nil
}

func (s *Store) ListJudgeWork(ctx context.Context, repoID int64, itemType types.ItemType, allowStale bool) ([]types.JudgeWorkItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT cs.id, cs.status, src.id, src.number, src.state, src.title, src.body
		 FROM candidate_sets cs
		 JOIN items src ON src.id = cs.source_item_id
		 WHERE src.repo_id = $1
		   AND src.item_type = $2
		   AND src.state = 'open'
		   AND ($3 OR cs.status = 'fresh')
		 ORDER BY cs.id`,
		repoID, string(itemType), allowStale)
	if err != nil {
		return nil, fmt.Errorf("query judge work: %w", err)
	}
	defer rows.Close()

	var work []types.JudgeWorkItem
	var setIDs []int64
	for rows.Next() {
		var (
			w      types.JudgeWorkItem
			status string
			state  string
		)
		if err := rows.Scan(&w.CandidateSetID, &status, &w.SourceItemID, &w.SourceNumber, &state, &w.SourceTitle, &w.SourceBody); err != nil {
			return nil, fmt.Errorf("scan judge work: %w", err)
		}
		w.CandidateSetStatus = types.CandidateSetStatus(status)
		w.SourceType = itemType
		w.SourceState = types.ItemState(state)
		work = append(work, w)
		setIDs = append(setIDs, w.CandidateSetID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate judge work: %w", err)
	}
	if len(work) == 0 {
		return nil, nil
	}

	members, err := s.loadMembers(ctx, setIDs)
	if err != nil {
		return nil, err
	}
	for i := range work {
		work[i].Candidates = members[work[i].CandidateSetID]
	}
	return work, nil
}

func (s *Store) loadMembers(ctx context.Context, setIDs []int64) (map[int64][]types.JudgeCandidate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT m.set_id, i.id, i.number, i.state, i.title, i.body, m.score, m.rank
		 FROM candidate_set_members m
		 JOIN items i ON i.id = m.candidate_item_id
		 WHERE m.set_id = ANY($1)
		 ORDER BY m.set_id, m.rank`,
		setIDs)
	if err != nil {
		return nil, fmt.Errorf("query set members: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]types.JudgeCandidate)
	for rows.Next() {
		var (
			setID int64
			c     types.JudgeCandidate
			state string
		)
		if err := rows.Scan(&setID, &c.CandidateItemID, &c.Number, &state, &c.Title, &c.Body, &c.Score, &c.Rank); err != nil {
			return nil, fmt.Errorf("scan set member: %w", err)
		}
		c.State = types.ItemState(state)
		out[setID] = append(out[setID], c)
	}
	return out, rows.Err()
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

func (s *Store) HasAcceptedEdge(ctx context.Context, fromItemID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM decisions WHERE from_item_id = $1 AND final_status = 'accepted')`,
		fromItemID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check accepted edge: %w", err)
	}
	return exists, nil
}

const insertDecisionSQL = `INSERT INTO decisions (
	from_item_id, to_item_id, final_status, model_is_duplicate, confidence,
	veto_reason, reasoning, relation, root_cause_match, scope_relation,
	path_match, certainty, provider, model, created_by, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`

func decisionArgs(d types.Decision) []any {
	var toItemID *int64
	if d.ToItemID != 0 {
		toItemID = &d.ToItemID
	}
	return []any{
		d.FromItemID, toItemID, string(d.FinalStatus), d.ModelIsDuplicate, d.Confidence,
		d.VetoReason, d.Reasoning, d.Relation, d.RootCauseMatch, d.ScopeRelation,
		d.PathMatch, d.Certainty, d.Provider, d.Model, d.CreatedBy, d.CreatedAt,
	}
}

func (s *Store) InsertDecision(ctx context.Context, d types.Decision) error {
	_, err := s.pool.Exec(ctx, insertDecisionSQL, decisionArgs(d)...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return store.ErrAcceptedEdgeExists
		}
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

func (s *Store) ReplaceAcceptedDecision(ctx context.Context, d types.Decision) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	_, err = tx.Exec(ctx,
		`UPDATE decisions SET final_status = 'rejected', veto_reason = 'superseded_by_rejudge'
		 WHERE from_item_id = $1 AND final_status = 'accepted'`,
		d.FromItemID)
	if err != nil {
		return fmt.Errorf("supersede accepted decision: %w", err)
	}

	if _, err := tx.Exec(ctx, insertDecisionSQL, decisionArgs(d)...); err != nil {
		return fmt.Errorf("insert replacement decision: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) ListAcceptedEdges(ctx context.Context, repoID int64, itemType types.ItemType) ([]types.Edge, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT d.from_item_id, d.to_item_id, d.confidence
		 FROM decisions d
		 JOIN items i ON i.id = d.from_item_id
		 WHERE d.final_status = 'accepted' AND i.repo_id = $1 AND i.item_type = $2
		 ORDER BY d.from_item_id`,
		repoID, string(itemType))
	if err != nil {
		return nil, fmt.Errorf("query accepted edges: %w", err)
	}
	defer rows.Close()

	var edges []types.Edge
	for rows.Next() {
		var e types.Edge
		if err := rows.Scan(&e.FromItemID, &e.ToItemID, &e.Confidence); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

const canonicalColumns = `id, number, state, author_login, title, body,
	comment_count, review_comment_count, created_at`

func scanCanonicalNode(row pgx.Row, node *types.CanonicalNode) error {
	var (
		state       string
		authorLogin *string
	)
	err := row.Scan(
		&node.ItemID, &node.Number, &state, &authorLogin, &node.Title, &node.Body,
		&node.CommentCount, &node.ReviewCommentCount, &node.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("scan canonical node: %w", err)
	}
	node.State = types.ItemState(state)
	if authorLogin != nil {
		node.AuthorLogin = *authorLogin
	}
	return nil
}

func (s *Store) ListCanonicalNodes(ctx context.Context, repoID int64, itemType types.ItemType) ([]types.CanonicalNode, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+canonicalColumns+` FROM items WHERE repo_id = $1 AND item_type = $2 ORDER BY id`,
		repoID, string(itemType))
	if err != nil {
		return nil, fmt.Errorf("query canonical nodes: %w", err)
	}
	defer rows.Close()

	var nodes []types.CanonicalNode
	for rows.Next() {
		var node types.CanonicalNode
		if err := scanCanonicalNode(rows, &node); err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

func (s *Store) ListPlanItems(ctx context.Context, repoID int64, itemType types.ItemType) ([]types.PlanItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+canonicalColumns+`, assignees, assignees_unknown
		 FROM items WHERE repo_id = $1 AND item_type = $2 ORDER BY id`,
		repoID, string(itemType))
	if err != nil {
		return nil, fmt.Errorf("query plan items: %w", err)
	}
	defer rows.Close()

	var items []types.PlanItem
	for rows.Next() {
		var (
			item          types.PlanItem
			state         string
			authorLogin   *string
			assigneesJSON []byte
		)
		err := rows.Scan(
			&item.ItemID, &item.Number, &state, &authorLogin, &item.Title, &item.Body,
			&item.CommentCount, &item.ReviewCommentCount, &item.CreatedAt,
			&assigneesJSON, &item.AssigneesUnknown,
		)
		if err != nil {
			return nil, fmt.Errorf("scan plan item: %w", err)
		}
		item.State = types.ItemState(state)
		if authorLogin != nil {
			item.AuthorLogin = *authorLogin
		}
		if len(assigneesJSON) > 0 {
			if err := json.Unmarshal(assigneesJSON, &item.Assignees); err != nil {
				return nil, fmt.Errorf("unmarshal assignees for item %d: %w", item.ItemID, err)
			}
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) CreateCloseRun(ctx context.Context, run types.CloseRun) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO close_runs (repo_id, item_type, mode, min_confidence, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		run.RepoID, string(run.ItemType), string(run.Mode), run.MinConfidence, run.CreatedBy, run.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert close run: %w", err)
	}
	return id, nil
}

func (s *Store) GetCloseRun(ctx context.Context, runID int64) (types.CloseRun, error) {
	var (
		run      types.CloseRun
		itemType string
		mode     string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, repo_id, item_type, mode, min_confidence, created_by, created_at
		 FROM close_runs WHERE id = $1`,
		runID,
	).Scan(&run.ID, &run.RepoID, &itemType, &mode, &run.MinConfidence, &run.CreatedBy, &run.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.CloseRun{}, store.ErrRunNotFound
	}
	if err != nil {
		return types.CloseRun{}, fmt.Errorf("get close run: %w", err)
	}
	run.ItemType = types.ItemType(itemType)
	run.Mode = types.CloseRunMode(mode)
	return run, nil
}

func (s *Store) CreateCloseEntry(ctx context.Context, entry types.CloseEntry) error {
	var canonicalItemID *int64
	var canonicalNumber *int
	if entry.CanonicalItemID != 0 {
		canonicalItemID = &entry.CanonicalItemID
		canonicalNumber = &entry.CanonicalNumber
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO close_entries (run_id, item_id, item_number, canonical_item_id, canonical_number, action, skip_reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.RunID, entry.ItemID, entry.ItemNumber, canonicalItemID, canonicalNumber,
		string(entry.Action), entry.SkipReason)
	if err != nil {
		return fmt.Errorf("insert close entry: %w", err)
	}
	return nil
}

func (s *Store) ListCloseEntries(ctx context.Context, runID int64) ([]types.CloseEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, item_id, item_number, canonical_item_id, canonical_number,
		        action, skip_reason, applied_at, apply_result
		 FROM close_entries WHERE run_id = $1 ORDER BY item_number`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("query close entries: %w", err)
	}
	defer rows.Close()

	var entries []types.CloseEntry
	for rows.Next() {
		var (
			entry           types.CloseEntry
			canonicalItemID *int64
			canonicalNumber *int
			action          string
		)
		err := rows.Scan(
			&entry.RunID, &entry.ItemID, &entry.ItemNumber, &canonicalItemID, &canonicalNumber,
			&action, &entry.SkipReason, &entry.AppliedAt, &entry.ApplyResult,
		)
		if err != nil {
			return nil, fmt.Errorf("scan close entry: %w", err)
		}
		if canonicalItemID != nil {
			entry.CanonicalItemID = *canonicalItemID
		}
		if canonicalNumber != nil {
			entry.CanonicalNumber = *canonicalNumber
		}
		entry.Action = types.CloseAction(action)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *Store) RecordApplyResult(ctx context.Context, runID, itemID int64, appliedAt time.Time, result string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE close_entries SET applied_at = $3, apply_result = $4 WHERE run_id = $1 AND item_id = $2`,
		runID, itemID, appliedAt, result)
	if err != nil {
		return fmt.Errorf("record apply result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrRunNotFound
	}
	return nil
}

func (s *Store) CreateAuditRun(ctx context.Context, run store.AuditRun) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO audit_runs (
			repo_id, item_type, sample_seed, sample_requested, min_edge,
			cheap_provider, cheap_model, strong_provider, strong_model,
			created_by, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`,
		run.RepoID, string(run.ItemType), run.SampleSeed, run.SampleRequested, run.MinEdge,
		run.CheapProvider, run.CheapModel, run.StrongProvider, run.StrongModel,
		run.CreatedBy, run.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert audit run: %w", err)
	}
	return id, nil
}

func (s *Store) InsertAuditItem(ctx context.Context, item store.AuditItem) error {
	var cheapTo, strongTo *int64
	if item.CheapToItemID != 0 {
		cheapTo = &item.CheapToItemID
	}
	if item.StrongToItemID != 0 {
		strongTo = &item.StrongToItemID
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_items (
			run_id, source_item_id, source_number, candidate_set_id,
			cheap_status, cheap_to_item_id, cheap_veto,
			strong_status, strong_to_item_id, strong_veto,
			outcome_class, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		item.RunID, item.SourceItemID, item.SourceNumber, item.CandidateSetID,
		string(item.CheapStatus), cheapTo, item.CheapVeto,
		string(item.StrongStatus), strongTo, item.StrongVeto,
		item.OutcomeClass, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit item: %w", err)
	}
	return nil
}

func (s *Store) CompleteAuditRun(ctx context.Context, runID int64, summary store.AuditSummary) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE audit_runs SET
			status = $2, sample_actual = $3, compared_count = $4,
			tp = $5, fp = $6, fn = $7, tn = $8, conflict = $9, incomplete = $10,
			completed_at = $11
		 WHERE id = $1`,
		runID, summary.Status, summary.SampleActual, summary.ComparedCount,
		summary.TP, summary.FP, summary.FN, summary.TN, summary.Conflict, summary.Incomplete,
		summary.CompletedAt)
	if err != nil {
		return fmt.Errorf("complete audit run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrRunNotFound
	}
	return nil
}
