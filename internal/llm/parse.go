package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Judgment responses are supposed to be one bare JSON object, but models wrap
// them in code fences, prepend prose, or leave trailing commas. ParseObject
// works through cleanup strategies instead of failing on the first quirk.
var (
	codeFenceRegex     = regexp.MustCompile("(?s)`{3}(?:json)?\\s*\\n?([\\s\\S]*?)\\n?`{3}")
	trailingCommaRegex = regexp.MustCompile(`,(\s*[}\]])`)
	objectRegex        = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
)

// ParseObject extracts one JSON object from raw provider text into out.
// Strategy sequence: direct parse, code-fence removal, trailing-comma
// cleanup, then object extraction from mixed content.
func ParseObject(text string, out any) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return fmt.Errorf("empty response")
	}

	if err := json.Unmarshal([]byte(trimmed), out); err == nil {
		return nil
	}

	unfenced := removeCodeFences(trimmed)
	if unfenced != trimmed {
		if err := json.Unmarshal([]byte(unfenced), out); err == nil {
			return nil
		}
	}

	cleaned := trailingCommaRegex.ReplaceAllString(unfenced, "$1")
	if err := json.Unmarshal([]byte(cleaned), out); err == nil {
		return nil
	}

	if extracted := objectRegex.FindString(cleaned); extracted != "" {
		if err := json.Unmarshal([]byte(extracted), out); err == nil {
			return nil
		}
	}

	return fmt.Errorf("no parseable JSON object in response")
}

func removeCodeFences(text string) string {
	cleaned := codeFenceRegex.ReplaceAllString(text, "$1")
	cleaned = strings.TrimSpace(cleaned)
	if strings.HasPrefix(cleaned, "`") && strings.HasSuffix(cleaned, "`") {
		cleaned = strings.Trim(cleaned, "`")
	}
	return strings.TrimSpace(cleaned)
}
