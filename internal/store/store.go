// Package store defines the persistence interface the dupcanon pipeline
// consumes. The canonical implementation is pgstore (PostgreSQL with the
// pgvector similarity operator); memstore backs tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/dupcanon/dupcanon/internal/types"
)

// ErrAcceptedEdgeExists is returned by InsertDecision when another accepted
// decision already exists for the same source item. Under concurrent judging
// this is an expected race outcome, not a failure: callers record the item
// as skipped.
var ErrAcceptedEdgeExists = errors.New("an accepted decision already exists for this source item")

// ErrRepoNotFound is returned when the referenced repository has not been
// ingested.
var ErrRepoNotFound = errors.New("repo not found")

// ErrRunNotFound is returned when a close or audit run id does not exist.
var ErrRunNotFound = errors.New("run not found")

// ErrItemNotFound is returned when an item number has not been ingested.
var ErrItemNotFound = errors.New("item not found")

// NeighborQuery selects embedding-space neighbors of one source item.
// Results are same repo, same type, state within IncludeStates, cosine
// similarity >= MinScore, sorted descending, truncated to K.
type NeighborQuery struct {
	RepoID         int64
	SourceItemID   int64
	ItemType       types.ItemType
	IncludeStates  []types.ItemState
	MinScore       float64
	K              int
	EmbeddingModel string
}

// CandidateSource is a retrieval work unit: one item that may need a fresh
// candidate set. FreshContentVersion is the source content version recorded
// on the item's current fresh set, nil when no fresh set exists; retrieval
// uses it to skip up-to-date items.
type CandidateSource struct {
	ItemID              int64
	Number              int
	ContentVersion      int
	HasEmbedding        bool
	FreshContentVersion *int
}

// EmbeddableItem is an embed work unit. EmbeddedContentHash is empty when
// the item has never been embedded.
type EmbeddableItem struct {
	ItemID              int64
	Number              int
	Type                types.ItemType
	Title               string
	Body                string
	ContentHash         string
	EmbeddedContentHash string
}

// AuditRun records one judge-audit pass: two judge configurations compared
// over a seeded sample.
type AuditRun struct {
	ID              int64
	RepoID          int64
	ItemType        types.ItemType
	SampleSeed      int64
	SampleRequested int
	SampleActual    int
	MinEdge         float64
	CheapProvider   string
	CheapModel      string
	StrongProvider  string
	StrongModel     string
	CreatedBy       string
	CreatedAt       time.Time
}

// AuditItem is one compared work item inside an audit run.
type AuditItem struct {
	RunID          int64
	SourceItemID   int64
	SourceNumber   int
	CandidateSetID int64
	CheapStatus    types.DecisionStatus
	CheapToItemID  int64
	CheapVeto      string
	StrongStatus   types.DecisionStatus
	StrongToItemID int64
	StrongVeto     string
	OutcomeClass   string
	CreatedAt      time.Time
}

// AuditSummary closes out an audit run with its agreement counters.
type AuditSummary struct {
	Status        string
	SampleActual  int
	ComparedCount int
	TP            int
	FP            int
	FN            int
	TN            int
	Conflict      int
	Incomplete    int
	CompletedAt   time.Time
}

// Store is the persistence boundary for the whole pipeline. It is the single
// coordination point between concurrent workers: candidate-set status and the
// accepted-edge uniqueness guarantee resolve races, not application locks.
type Store interface {
	// GetRepoID resolves a tracked repository; ErrRepoNotFound if absent.
	GetRepoID(ctx context.Context, ref types.RepoRef) (int64, error)

	// ListItems hydrates full item rows by id.
	ListItems(ctx context.Context, itemIDs []int64) ([]types.Item, error)

	// Embeddings.
	ListEmbeddableItems(ctx context.Context, repoID int64, itemType types.ItemType) ([]EmbeddableItem, error)
	UpdateItemEmbedding(ctx context.Context, itemID int64, model string, vector []float32, contentHash string) error

	// Candidate retrieval. CreateCandidateSet must transactionally mark any
	// prior fresh sets for the same source stale before inserting the new
	// fresh set with its frozen member list.
	ListCandidateSources(ctx context.Context, repoID int64, itemType types.ItemType, sourceStates []types.ItemState) ([]CandidateSource, error)
	GetCandidateSource(ctx context.Context, repoID int64, itemType types.ItemType, number int) (CandidateSource, error)
	FindNeighbors(ctx context.Context, q NeighborQuery) ([]types.Neighbor, error)
	CreateCandidateSet(ctx context.Context, set types.CandidateSet, members []types.Neighbor) (int64, error)

	// Judge work. ListJudgeWork returns candidate sets whose source item is
	// open, fresh sets only unless allowStale is set, members hydrated in
	// rank order.
	ListJudgeWork(ctx context.Context, repoID int64, itemType types.ItemType, allowStale bool) ([]types.JudgeWorkItem, error)
	SampleJudgeWork(ctx context.Context, repoID int64, itemType types.ItemType, sampleSize int, seed int64) ([]types.JudgeWorkItem, error)
	HasAcceptedEdge(ctx context.Context, fromItemID int64) (bool, error)

	// Decisions are append-only audit rows. InsertDecision returns
	// ErrAcceptedEdgeExists when an accepted row for the same source item
	// already exists; ReplaceAcceptedDecision supersedes the prior accepted
	// row in the same transaction (rejudge).
	InsertDecision(ctx context.Context, d types.Decision) error
	ReplaceAcceptedDecision(ctx context.Context, d types.Decision) error
	ListAcceptedEdges(ctx context.Context, repoID int64, itemType types.ItemType) ([]types.Edge, error)

	// Canonicalization and close planning.
	ListCanonicalNodes(ctx context.Context, repoID int64, itemType types.ItemType) ([]types.CanonicalNode, error)
	ListPlanItems(ctx context.Context, repoID int64, itemType types.ItemType) ([]types.PlanItem, error)

	// Close runs.
	CreateCloseRun(ctx context.Context, run types.CloseRun) (int64, error)
	GetCloseRun(ctx context.Context, runID int64) (types.CloseRun, error)
	CreateCloseEntry(ctx context.Context, entry types.CloseEntry) error
	ListCloseEntries(ctx context.Context, runID int64) ([]types.CloseEntry, error)
	RecordApplyResult(ctx context.Context, runID, itemID int64, appliedAt time.Time, result string) error

	// Audit runs.
	CreateAuditRun(ctx context.Context, run AuditRun) (int64, error)
	InsertAuditItem(ctx context.Context, item AuditItem) error
	CompleteAuditRun(ctx context.Context, runID int64, summary AuditSummary) error

	Close()
}
