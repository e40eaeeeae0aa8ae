package judge

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dupcanon/dupcanon/internal/types"
)

// Heuristics bundles the tuned thresholds the decision engine applies around
// the model. Values come from production tuning; they are configuration, not
// derived quantities.
type Heuristics struct {
	TitleBudget int
	BodyBudget  int

	// MinScoreGap is the lead the selected candidate's retrieval score must
	// hold over the best alternative.
	MinScoreGap float64

	// Vagueness gate thresholds.
	VagueMinChars        int
	VagueMinWords        int
	VagueGenericMaxChars int
	VagueBypassChars     int
	VagueBypassWords     int
}

// DefaultHeuristics returns the production thresholds.
func DefaultHeuristics() Heuristics {
	return Heuristics{
		TitleBudget:          300,
		BodyBudget:           3000,
		MinScoreGap:          0.015,
		VagueMinChars:        90,
		VagueMinWords:        12,
		VagueGenericMaxChars: 220,
		VagueBypassChars:     180,
		VagueBypassWords:     30,
	}
}

// genericSourcePhrases are complaint fragments that carry no identifying
// detail on their own.
var genericSourcePhrases = []string{
	"plz fix",
	"please fix",
	"help me",
	"not working",
	"does not work",
	"doesn't work",
	"error all time",
}

var (
	wordRegex        = regexp.MustCompile(`\b\w+\b`)
	dottedTokenRegex = regexp.MustCompile(`\b[a-zA-Z0-9_.-]+\.[a-zA-Z0-9_.-]+\b`)
)

// looksTooVague reports whether a source item carries too little signal to
// judge reliably. Short generic complaints skip judging entirely; long
// descriptive text and text with structured tokens (code, paths, config)
// passes through.
func (h Heuristics) looksTooVague(sourceTitle, sourceBody string) bool {
	title := types.NormalizeText(sourceTitle)
	body := types.NormalizeText(sourceBody)
	text := strings.TrimSpace(title + "\n" + body)
	if text == "" {
		return true
	}

	lowered := strings.ToLower(text)
	wordCount := len(wordRegex.FindAllString(text, -1))
	charCount := len(text)

	hasStructuredSignal := strings.ContainsAny(text, "`{}=/:") ||
		strings.Contains(text, "--") ||
		dottedTokenRegex.MatchString(text)

	for _, phrase := range genericSourcePhrases {
		if strings.Contains(lowered, phrase) && charCount < h.VagueGenericMaxChars {
			return true
		}
	}

	if charCount >= h.VagueBypassChars && wordCount >= h.VagueBypassWords {
		return false
	}

	if hasStructuredSignal && charCount >= h.VagueMinChars && wordCount >= h.VagueMinWords {
		return false
	}

	return charCount < h.VagueMinChars || wordCount < h.VagueMinWords
}

var bugSignals = []string{
	"bug", "fix", "error", "fail", "fails", "failing", "broken", "regression",
}

var featureSignals = []string{
	"feature", "feature request", "proposal", "enhancement", "add support", "support for",
}

var bugTitlePrefixes = []string{"fix", "bug", "[bug]"}

var featureTitlePrefixes = []string{"feat", "feature", "[feature", "proposal", "[proposal"}

// classifyItemIntent buckets an item as bug, feature, or other from keyword
// and title-prefix signals. Deliberately coarse: it only powers the
// bug-vs-feature mismatch veto.
func classifyItemIntent(title, body string) string {
	text := strings.ToLower(types.NormalizeText(title + "\n" + body))

	hasBug := containsAny(text, bugSignals)
	hasFeature := containsAny(text, featureSignals)

	if hasBug && !hasFeature {
		return "bug"
	}
	if hasFeature && !hasBug {
		return "feature"
	}

	lowerTitle := strings.ToLower(types.NormalizeText(title))
	if hasPrefixAny(lowerTitle, bugTitlePrefixes) {
		return "bug"
	}
	if hasPrefixAny(lowerTitle, featureTitlePrefixes) {
		return "feature"
	}
	return "other"
}

// bugFeatureVetoReason fires when one side reads as a bug report and the
// other as a feature request.
func bugFeatureVetoReason(sourceTitle, sourceBody, candidateTitle, candidateBody string) string {
	sourceKind := classifyItemIntent(sourceTitle, sourceBody)
	candidateKind := classifyItemIntent(candidateTitle, candidateBody)

	if (sourceKind == "bug" && candidateKind == "feature") ||
		(sourceKind == "feature" && candidateKind == "bug") {
		return fmt.Sprintf("bug_feature_mismatch:%s_vs_%s", sourceKind, candidateKind)
	}
	return ""
}

// candidateGapVetoReason guards against retrieval ties: the selected
// candidate must lead the best alternative by at least minGap.
func candidateGapVetoReason(selectedNumber int, candidates []types.JudgeCandidate, minGap float64) string {
	if minGap <= 0 {
		return ""
	}

	var selectedScore, bestAlternative float64
	haveSelected, haveAlternative := false, false
	for _, c := range candidates {
		if c.Number == selectedNumber {
			selectedScore = c.Score
			haveSelected = true
			continue
		}
		if !haveAlternative || c.Score > bestAlternative {
			bestAlternative = c.Score
			haveAlternative = true
		}
	}

	if !haveSelected || !haveAlternative {
		return ""
	}
	if selectedScore-bestAlternative < minGap {
		return "candidate_gap_too_small"
	}
	return ""
}

func containsAny(text string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(text, needle) {
			return true
		}
	}
	return false
}

func hasPrefixAny(text string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(text, prefix) {
			return true
		}
	}
	return false
}
