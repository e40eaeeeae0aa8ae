package judge

import (
	"fmt"
	"strings"

	"github.com/dupcanon/dupcanon/internal/types"
)

// systemPrompt is deliberately conservative: the veto ladder assumes the
// model was told to prefer non-duplicate and to commit to the structured
// fields it is judged on.
const systemPrompt = `You are a conservative duplicate-triage judge for GitHub issues/PRs.

Task:
Given one SOURCE item and a list of CANDIDATES (same repo, same type),
decide whether SOURCE is a duplicate of exactly one candidate.

Core definition (strict):
A duplicate means the SOURCE and chosen candidate describe the same specific
underlying root cause/request, not just the same broad area (e.g. both about
"exec", "auth", "performance", etc.).

Hard duplicate requirements:
- Prefer non-duplicate unless evidence is strong.
- Mark duplicate only when there are at least TWO concrete matching facts, such as:
  1) same/similar error text, error code, or failure signature
  2) same config keys/values (for example ask=off, security=full)
  3) same command/tool/path/component and same behavior
  4) same reproduction conditions / triggering scenario
- If SOURCE is vague/generic (very short title/body, little detail), default to non-duplicate.
- If details conflict on root cause, expected behavior, or subsystem, return non-duplicate.

Critical anti-overlap rule:
- If items are only a subset/superset, follow-up, adjacent hardening, or partial overlap,
  return non-duplicate unless the same underlying defect/request instance is explicit.
- Shared subsystem/component/keywords alone are insufficient.

Decision rules:
1) You may select at most one candidate.
2) You may only select a candidate number from ALLOWED_CANDIDATE_NUMBERS.
3) If none clearly match, return non-duplicate.
4) Ignore comments (title/body only).
5) Do not use retrieval rank as duplicate evidence by itself.
6) If you are not sure, mark certainty="unsure"; prefer non-duplicate unless
   same-instance evidence is explicit.
7) Output JSON only. No markdown. No extra text.

Confidence rubric (self-assessed, not calibrated probability):
- Non-duplicate: typically 0.00-0.80.
- Duplicate 0.85-0.89: moderate evidence (minimum requirements met).
- Duplicate 0.90-0.95: strong evidence (3+ specific aligned facts, no conflicts).
- Duplicate 0.96-1.00: near-exact match in root cause/repro/details.
- Do NOT use high confidence for generic or weakly-supported matches.

Output JSON schema:
{
  "is_duplicate": boolean,
  "duplicate_of": integer,
  "confidence": number,
  "reasoning": string,
  "relation": "same_instance" | "related_followup" | "partial_overlap" | "different",
  "root_cause_match": "same" | "adjacent" | "different",
  "scope_relation":
    "same_scope" | "source_subset" | "source_superset" |
    "partial_overlap" | "different_scope",
  "path_match": "same" | "different" | "unknown",
  "certainty": "sure" | "unsure"
}

Output constraints:
- If is_duplicate is false, duplicate_of must be 0.
- If is_duplicate is true, duplicate_of must be one of the candidate numbers.
- relation must be same_instance when is_duplicate is true.
- If unsure, set certainty="unsure".
- confidence must be in [0,1].
- reasoning must be short (<= 240 chars) and mention concrete matching facts.
- No extra keys.
`

// buildUserPrompt renders one bounded judge prompt: source excerpt, the
// allowed candidate numbers, and each candidate with its retrieval rank.
func buildUserPrompt(h Heuristics, work types.JudgeWorkItem) string {
	allowed := make([]string, len(work.Candidates))
	for i, c := range work.Candidates {
		allowed[i] = fmt.Sprintf("%d", c.Number)
	}

	var b strings.Builder
	b.WriteString("SOURCE\n")
	fmt.Fprintf(&b, "- title: %s\n", types.Excerpt(work.SourceTitle, h.TitleBudget))
	b.WriteString("- body:\n")
	b.WriteString(types.Excerpt(work.SourceBody, h.BodyBudget))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "ALLOWED_CANDIDATE_NUMBERS: [%s]\n\n", strings.Join(allowed, ", "))
	b.WriteString("CANDIDATES\n")

	for i, c := range work.Candidates {
		fmt.Fprintf(&b, "%d) number: %d\n", i+1, c.Number)
		fmt.Fprintf(&b, "   retrieval_rank: %d\n", c.Rank)
		fmt.Fprintf(&b, "   state: %s\n", c.State)
		fmt.Fprintf(&b, "   title: %s\n", types.Excerpt(c.Title, h.TitleBudget))
		b.WriteString("   body:\n")
		fmt.Fprintf(&b, "   %s\n\n", types.Excerpt(c.Body, h.BodyBudget))
	}

	b.WriteString("Return JSON only.")
	return b.String()
}
