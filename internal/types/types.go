// Package types defines the core data model shared by the dupcanon pipeline
// stages: items, candidate sets, judge decisions, duplicate edges, and close
// plan runs.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ItemType distinguishes tracked issues from pull requests.
type ItemType string

const (
	ItemTypeIssue ItemType = "issue"
	ItemTypePR    ItemType = "pr"
)

// ParseItemType validates a user-supplied item type string.
func ParseItemType(value string) (ItemType, error) {
	switch ItemType(strings.TrimSpace(strings.ToLower(value))) {
	case ItemTypeIssue:
		return ItemTypeIssue, nil
	case ItemTypePR:
		return ItemTypePR, nil
	default:
		return "", fmt.Errorf("invalid item type %q (must be issue or pr)", value)
	}
}

// ItemState is the tracked open/closed state of an item.
type ItemState string

const (
	ItemStateOpen   ItemState = "open"
	ItemStateClosed ItemState = "closed"
)

// RepoRef identifies a tracked repository as org/name.
type RepoRef struct {
	Org  string
	Name string
}

// ParseRepoRef parses an "org/name" reference.
func ParseRepoRef(value string) (RepoRef, error) {
	parts := strings.Split(strings.TrimSpace(value), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return RepoRef{}, fmt.Errorf("repo must be in org/name format, got %q", value)
	}
	return RepoRef{Org: parts[0], Name: parts[1]}, nil
}

// FullName returns the org/name form.
func (r RepoRef) FullName() string {
	return r.Org + "/" + r.Name
}

// Item is a tracked issue or pull request as ingested from the tracking
// system. ContentVersion increments whenever the semantic title/body content
// changes and drives candidate-set staleness.
type Item struct {
	ID                 int64
	Type               ItemType
	Number             int
	Title              string
	Body               string
	State              ItemState
	AuthorLogin        string
	Assignees          []string
	AssigneesUnknown   bool
	CommentCount       int
	ReviewCommentCount int
	CreatedAt          *time.Time
	ContentVersion     int
}

// CandidateSetStatus tracks whether a candidate set still reflects the
// source item's current content. Sets only ever move fresh -> stale.
type CandidateSetStatus string

const (
	CandidateSetFresh CandidateSetStatus = "fresh"
	CandidateSetStale CandidateSetStatus = "stale"
)

// CandidateSet is a frozen, ranked near-duplicate suggestion list for one
// source item at a point in time. The member list never changes after
// creation; only Status transitions.
type CandidateSet struct {
	ID                   int64
	SourceItemID         int64
	Status               CandidateSetStatus
	K                    int
	MinScore             float64
	CreatedAt            time.Time
	SourceContentVersion int
}

// Neighbor is one ranked member of a candidate set. Rank is 1..k by
// descending score and is fixed at creation.
type Neighbor struct {
	CandidateItemID int64
	Score           float64
	Rank            int
}

// JudgeCandidate is a candidate-set member joined with the item fields the
// judge prompt needs.
type JudgeCandidate struct {
	CandidateItemID int64
	Number          int
	State           ItemState
	Title           string
	Body            string
	Score           float64
	Rank            int
}

// JudgeWorkItem is one unit of judge work: a candidate set plus its source
// item fields and hydrated members.
type JudgeWorkItem struct {
	CandidateSetID     int64
	CandidateSetStatus CandidateSetStatus
	SourceItemID       int64
	SourceNumber       int
	SourceType         ItemType
	SourceState        ItemState
	SourceTitle        string
	SourceBody         string
	Candidates         []JudgeCandidate
}

// Structured judge response fields. The judge must commit to each of these
// so the veto ladder can downgrade weakly-supported duplicate claims.
const (
	RelationSameInstance    = "same_instance"
	RelationRelatedFollowup = "related_followup"
	RelationPartialOverlap  = "partial_overlap"
	RelationDifferent       = "different"

	RootCauseSame      = "same"
	RootCauseAdjacent  = "adjacent"
	RootCauseDifferent = "different"

	ScopeSame           = "same_scope"
	ScopeSourceSubset   = "source_subset"
	ScopeSourceSuperset = "source_superset"
	ScopePartialOverlap = "partial_overlap"
	ScopeDifferent      = "different_scope"

	PathSame      = "same"
	PathDifferent = "different"
	PathUnknown   = "unknown"

	CertaintySure   = "sure"
	CertaintyUnsure = "unsure"
)

// MaxReasoningChars caps the judge's free-text reasoning; longer output is
// truncated rather than rejected.
const MaxReasoningChars = 240

// JudgeDecision is the parsed JSON object returned by the judgment provider.
type JudgeDecision struct {
	IsDuplicate    bool    `json:"is_duplicate"`
	DuplicateOf    int     `json:"duplicate_of"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning"`
	Relation       string  `json:"relation"`
	RootCauseMatch string  `json:"root_cause_match"`
	ScopeRelation  string  `json:"scope_relation"`
	PathMatch      string  `json:"path_match"`
	Certainty      string  `json:"certainty"`
}

// Validate checks schema-level constraints on a parsed judge decision.
// Out-of-set duplicate targets are checked by the caller, which knows the
// allowed candidate numbers.
func (d *JudgeDecision) Validate() error {
	if d.Confidence < 0.0 || d.Confidence > 1.0 {
		return fmt.Errorf("confidence must be between 0 and 1 (got %.3f)", d.Confidence)
	}
	if strings.TrimSpace(d.Reasoning) == "" {
		return fmt.Errorf("reasoning cannot be blank")
	}
	if d.IsDuplicate && d.DuplicateOf <= 0 {
		return fmt.Errorf("duplicate_of must be a positive candidate number when is_duplicate is true")
	}
	if !d.IsDuplicate && d.DuplicateOf != 0 {
		return fmt.Errorf("duplicate_of must be 0 when is_duplicate is false")
	}
	d.Reasoning = TruncateChars(d.Reasoning, MaxReasoningChars)
	return nil
}

// DecisionStatus is the final outcome recorded for one judge decision.
type DecisionStatus string

const (
	DecisionAccepted DecisionStatus = "accepted"
	DecisionRejected DecisionStatus = "rejected"
	DecisionSkipped  DecisionStatus = "skipped"
)

// Decision is the append-only audit row persisted for every judged item.
// At most one accepted decision may exist per FromItemID at any time; the
// store enforces this with a uniqueness guarantee.
type Decision struct {
	ID               int64
	FromItemID       int64
	ToItemID         int64 // 0 when no target was selected
	FinalStatus      DecisionStatus
	ModelIsDuplicate bool
	Confidence       float64
	VetoReason       string // empty when no veto fired
	Reasoning        string
	Relation         string
	RootCauseMatch   string
	ScopeRelation    string
	PathMatch        string
	Certainty        string
	Provider         string
	Model            string
	CreatedBy        string
	CreatedAt        time.Time
}

// Edge is an accepted duplicate edge with its judge confidence.
type Edge struct {
	FromItemID int64
	ToItemID   int64
	Confidence float64
}

// CanonicalNode carries the item fields canonical selection needs.
type CanonicalNode struct {
	ItemID             int64
	Number             int
	State              ItemState
	AuthorLogin        string
	Title              string
	Body               string
	CommentCount       int
	ReviewCommentCount int
	CreatedAt          *time.Time
}

// PlanItem extends CanonicalNode with the assignee fields the close-plan
// guardrails evaluate. AssigneesUnknown marks items whose assignee list
// could not be resolved from the tracking system.
type PlanItem struct {
	CanonicalNode
	Assignees        []string
	AssigneesUnknown bool
}

// CloseRunMode distinguishes a proposed plan from an executed apply run.
type CloseRunMode string

const (
	CloseRunPlan  CloseRunMode = "plan"
	CloseRunApply CloseRunMode = "apply"
)

// CloseRun groups the entries of one close-planning pass.
type CloseRun struct {
	ID            int64
	RepoID        int64
	ItemType      ItemType
	Mode          CloseRunMode
	MinConfidence float64
	CreatedBy     string
	CreatedAt     time.Time
}

// CloseAction is the planned disposition of a non-canonical cluster member.
type CloseAction string

const (
	ActionClose CloseAction = "close"
	ActionSkip  CloseAction = "skip"
)

// CloseEntry is one item's row in a close run. AppliedAt and ApplyResult
// are populated only on apply runs.
type CloseEntry struct {
	RunID           int64
	ItemID          int64
	ItemNumber      int
	CanonicalItemID int64
	CanonicalNumber int
	Action          CloseAction
	SkipReason      string // empty for close actions
	AppliedAt       *time.Time
	ApplyResult     string // JSON outcome from the close executor
}

// NormalizeText canonicalizes line endings and trims surrounding whitespace.
// All text heuristics and prompt budgets operate on normalized text.
func NormalizeText(value string) string {
	normalized := strings.ReplaceAll(value, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	return strings.TrimSpace(normalized)
}

// Excerpt normalizes text and truncates it to maxChars characters.
func Excerpt(value string, maxChars int) string {
	return TruncateChars(NormalizeText(value), maxChars)
}

// TruncateChars truncates a string to at most maxChars characters. The cut
// always falls on a rune boundary so truncated text stays valid UTF-8.
func TruncateChars(value string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	count := 0
	for i := range value {
		if count == maxChars {
			return value[:i]
		}
		count++
	}
	return value
}

// SemanticContentHash hashes the semantic content of an item. Ingestion
// bumps ContentVersion when this hash changes, and the embed stage uses it
// to skip items whose embedded content is unchanged.
func SemanticContentHash(itemType ItemType, title, body string) string {
	payload := struct {
		Type  string `json:"type"`
		Title string `json:"title"`
		Body  string `json:"body"`
	}{
		Type:  string(itemType),
		Title: NormalizeText(title),
		Body:  NormalizeText(body),
	}
	encoded, _ := json.Marshal(payload)
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

// ActivityScore ranks cluster members by discussion volume: comment count
// for issues, comment plus review-comment count for PRs.
func ActivityScore(node CanonicalNode, itemType ItemType) int {
	if itemType == ItemTypePR {
		return node.CommentCount + node.ReviewCommentCount
	}
	return node.CommentCount
}
