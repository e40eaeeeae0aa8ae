package judge

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dupcanon/dupcanon/internal/types"
)

func TestLooksTooVague(t *testing.T) {
	h := DefaultHeuristics()

	tests := []struct {
		name  string
		title string
		body  string
		want  bool
	}{
		{
			name:  "empty source",
			title: "",
			body:  "",
			want:  true,
		},
		{
			name:  "short generic complaint",
			title: "[Bug]:",
			body:  "plz fix not working",
			want:  true,
		},
		{
			name:  "short without structured tokens",
			title: "App crashes",
			body:  "It crashes sometimes when I use it on my machine",
			want:  true,
		},
		{
			name:  "short but structured",
			title: "exporter exits with code 3",
			body:  "running with ask=off and security=full the exporter exits with code 3 after retry",
			want:  false,
		},
		{
			name:  "long descriptive text bypasses",
			title: "Scheduler drops delayed tasks after daylight saving transition",
			body: "When the scheduler runs across a daylight saving transition, tasks delayed by more than " +
				"one hour are silently dropped instead of being rescheduled. This happens on every node in " +
				"the cluster and is reproducible by setting the timezone to Europe/Berlin before the change.",
			want: false,
		},
		{
			name:  "generic phrase inside long text passes",
			title: "Exporter does not work when the retry queue is saturated under sustained load",
			body: "The exporter does not work once the retry queue saturates. After about two thousand " +
				"queued entries the flush loop stops draining and memory grows until the process is killed " +
				"by the kernel. Attaching a profile shows the drain goroutine blocked on the rate limiter.",
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, h.looksTooVague(tt.title, tt.body))
		})
	}
}

func TestClassifyItemIntent(t *testing.T) {
	tests := []struct {
		name  string
		title string
		body  string
		want  string
	}{
		{"bug keyword", "Crash on startup", "This is a regression since the last release", "bug"},
		{"feature keyword", "Add support for YAML output", "Would be a nice enhancement", "feature"},
		{"bug title prefix", "fix: handle empty payload", "Handle the empty case", "bug"},
		{"feature title prefix", "feat: emit JSON", "Emit machine readable output", "feature"},
		{"both signals falls back to title prefix", "Fix the feature request flow", "The proposal form is broken", "bug"},
		{"both signals and no prefix is other", "Settings page feature toggle", "The toggle is broken", "other"},
		{"neither", "Question about configuration", "How do I set the timeout?", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyItemIntent(tt.title, tt.body))
		})
	}
}

func TestBugFeatureVetoReason(t *testing.T) {
	bugTitle, bugBody := "Crash on startup", "This is a regression since the last release"
	featTitle, featBody := "Add support for YAML output", "Would be a nice enhancement"

	assert.Equal(t, "bug_feature_mismatch:bug_vs_feature",
		bugFeatureVetoReason(bugTitle, bugBody, featTitle, featBody))
	assert.Equal(t, "bug_feature_mismatch:feature_vs_bug",
		bugFeatureVetoReason(featTitle, featBody, bugTitle, bugBody))
	assert.Equal(t, "", bugFeatureVetoReason(bugTitle, bugBody, bugTitle, bugBody))
	assert.Equal(t, "", bugFeatureVetoReason(featTitle, featBody, featTitle, featBody))
}

func TestCandidateGapVetoReason(t *testing.T) {
	candidates := []types.JudgeCandidate{
		{Number: 9001, Score: 0.95},
		{Number: 9002, Score: 0.80},
	}

	assert.Equal(t, "", candidateGapVetoReason(9001, candidates, 0.015),
		"gap 0.15 clears the floor")
	assert.Equal(t, "candidate_gap_too_small", candidateGapVetoReason(9002, candidates, 0.015),
		"selecting the runner-up means a negative gap")

	tied := []types.JudgeCandidate{
		{Number: 9001, Score: 0.90},
		{Number: 9002, Score: 0.89},
	}
	assert.Equal(t, "candidate_gap_too_small", candidateGapVetoReason(9001, tied, 0.015))

	single := []types.JudgeCandidate{{Number: 9001, Score: 0.90}}
	assert.Equal(t, "", candidateGapVetoReason(9001, single, 0.015),
		"no alternative means no gap to measure")

	assert.Equal(t, "", candidateGapVetoReason(9001, tied, 0),
		"zero floor disables the check")
}
