package judge

import (
	"fmt"

	"github.com/dupcanon/dupcanon/internal/types"
)

// structuredVetoReason applies the structural part of the veto ladder to a
// duplicate claim: the model must have committed to same-instance relation,
// same root cause, consistent scope, and a sure certainty. First match wins;
// empty string means no structural veto fired. Field values are validated
// against the allowed sets at parse time, so missing fields never reach here.
func structuredVetoReason(d types.JudgeDecision) string {
	if !d.IsDuplicate {
		return ""
	}

	if d.Certainty == types.CertaintyUnsure {
		return "certainty=unsure"
	}

	switch d.Relation {
	case types.RelationRelatedFollowup, types.RelationPartialOverlap, types.RelationDifferent:
		return fmt.Sprintf("relation=%s", d.Relation)
	}

	switch d.RootCauseMatch {
	case types.RootCauseAdjacent, types.RootCauseDifferent:
		return fmt.Sprintf("root_cause_match=%s", d.RootCauseMatch)
	}

	switch d.ScopeRelation {
	case types.ScopeSourceSubset, types.ScopeSourceSuperset, types.ScopePartialOverlap, types.ScopeDifferent:
		if d.RootCauseMatch != types.RootCauseSame {
			return fmt.Sprintf("scope_relation=%s, root_cause_match=%s", d.ScopeRelation, labelOrUnknown(d.RootCauseMatch))
		}
	}

	if d.PathMatch == types.PathDifferent && d.Relation != types.RelationSameInstance {
		return "path_match=different, relation_not_same_instance"
	}
	if d.PathMatch == types.PathDifferent && d.RootCauseMatch != types.RootCauseSame {
		return fmt.Sprintf("path_match=different, root_cause_match=%s", labelOrUnknown(d.RootCauseMatch))
	}

	return ""
}

func labelOrUnknown(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
