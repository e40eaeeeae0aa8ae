package types

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseItemType(t *testing.T) {
	got, err := ParseItemType("issue")
	require.NoError(t, err)
	assert.Equal(t, ItemTypeIssue, got)

	got, err = ParseItemType(" PR ")
	require.NoError(t, err)
	assert.Equal(t, ItemTypePR, got)

	_, err = ParseItemType("discussion")
	assert.Error(t, err)
}

func TestParseRepoRef(t *testing.T) {
	ref, err := ParseRepoRef("acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, RepoRef{Org: "acme", Name: "widgets"}, ref)
	assert.Equal(t, "acme/widgets", ref.FullName())

	for _, bad := range []string{"", "acme", "/widgets", "acme/", "a/b/c"} {
		_, err := ParseRepoRef(bad)
		assert.Error(t, err, bad)
	}
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "a\nb", NormalizeText("a\r\nb"))
	assert.Equal(t, "a\nb", NormalizeText("a\rb"))
	assert.Equal(t, "text", NormalizeText("  text \n"))
	assert.Equal(t, "", NormalizeText("  \r\n "))
}

func TestExcerpt(t *testing.T) {
	assert.Equal(t, "short", Excerpt("  short  ", 100))
	assert.Equal(t, "abcde", Excerpt("abcdefgh", 5))
}

func TestTruncateCharsCountsCharactersNotBytes(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		maxChars int
		want     string
	}{
		{"ascii under budget", "abc", 5, "abc"},
		{"ascii at budget", "abcde", 5, "abcde"},
		{"ascii over budget", "abcdefgh", 5, "abcde"},
		{"zero budget", "abc", 0, ""},
		{"multibyte under budget", strings.Repeat("é", 200), 301, strings.Repeat("é", 200)},
		{"multibyte over budget", strings.Repeat("é", 10), 4, strings.Repeat("é", 4)},
		{"three-byte runes", strings.Repeat("あ", 6), 2, strings.Repeat("あ", 2)},
		{"mixed-width boundary", "aé漢b", 3, "aé漢"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateChars(tt.value, tt.maxChars)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}

func TestExcerptNeverSplitsRunes(t *testing.T) {
	// A byte-indexed cut of this input would land inside the 241st rune and
	// leave a dangling lead byte.
	got := Excerpt(strings.Repeat("é", 300), 240)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, 240, utf8.RuneCountInString(got))
	assert.Equal(t, strings.Repeat("é", 240), got)
}

func TestSemanticContentHash(t *testing.T) {
	base := SemanticContentHash(ItemTypeIssue, "title", "body")
	assert.Len(t, base, 64)

	assert.Equal(t, base, SemanticContentHash(ItemTypeIssue, " title ", "body\r\n"),
		"whitespace and line-ending noise does not change the hash")
	assert.NotEqual(t, base, SemanticContentHash(ItemTypeIssue, "title", "other body"))
	assert.NotEqual(t, base, SemanticContentHash(ItemTypePR, "title", "body"),
		"the same text under a different item type hashes differently")
}

func TestJudgeDecisionValidate(t *testing.T) {
	valid := func() JudgeDecision {
		return JudgeDecision{
			IsDuplicate: true,
			DuplicateOf: 42,
			Confidence:  0.9,
			Reasoning:   "same failure",
		}
	}

	d := valid()
	assert.NoError(t, d.Validate())

	d = valid()
	d.Confidence = 1.2
	assert.Error(t, d.Validate())

	d = valid()
	d.Reasoning = "   "
	assert.Error(t, d.Validate())

	d = valid()
	d.DuplicateOf = 0
	assert.Error(t, d.Validate(), "a duplicate claim needs a target")

	d = valid()
	d.IsDuplicate = false
	assert.Error(t, d.Validate(), "a non-duplicate must not name a target")

	d = valid()
	d.IsDuplicate = false
	d.DuplicateOf = 0
	assert.NoError(t, d.Validate())
}

func TestJudgeDecisionValidateTruncatesReasoning(t *testing.T) {
	d := JudgeDecision{
		IsDuplicate: true,
		DuplicateOf: 42,
		Confidence:  0.9,
		Reasoning:   strings.Repeat("x", MaxReasoningChars+50),
	}
	require.NoError(t, d.Validate())
	assert.Len(t, d.Reasoning, MaxReasoningChars)
}

func TestJudgeDecisionValidateReasoningCapIsCharacterBased(t *testing.T) {
	d := JudgeDecision{
		IsDuplicate: true,
		DuplicateOf: 42,
		Confidence:  0.9,
		Reasoning:   "ré" + strings.Repeat("x", MaxReasoningChars),
	}
	require.NoError(t, d.Validate())
	assert.True(t, utf8.ValidString(d.Reasoning))
	assert.Equal(t, MaxReasoningChars, utf8.RuneCountInString(d.Reasoning))

	d = JudgeDecision{
		IsDuplicate: true,
		DuplicateOf: 42,
		Confidence:  0.9,
		Reasoning:   strings.Repeat("漢", MaxReasoningChars+1),
	}
	require.NoError(t, d.Validate())
	assert.True(t, utf8.ValidString(d.Reasoning))
	assert.Equal(t, strings.Repeat("漢", MaxReasoningChars), d.Reasoning)
}

func TestActivityScore(t *testing.T) {
	node := CanonicalNode{CommentCount: 3, ReviewCommentCount: 7}
	assert.Equal(t, 3, ActivityScore(node, ItemTypeIssue))
	assert.Equal(t, 10, ActivityScore(node, ItemTypePR))
}
