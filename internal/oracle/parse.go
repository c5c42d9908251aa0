package oracle

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	// Regex definitions use \x60 (hex representation) for backticks because
	// Go raw strings cannot contain backticks.

	// jsonObjectRegex extracts a JSON object wrapped in a markdown fence.
	jsonObjectRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*({.*})\\s*\x60\x60\x60")
)

// extractJSON parses an LLM response into a target type, tolerating the
// usual formatting habits: markdown fences and conversational padding
// around the object.
func extractJSON[T any](response string) (*T, error) {
	response = strings.TrimSpace(response)
	candidate := response

	if strings.HasPrefix(response, "```") {
		if m := jsonObjectRegex.FindStringSubmatch(response); len(m) > 1 {
			candidate = m[1]
		}
	} else if !strings.HasPrefix(response, "{") {
		fb := strings.Index(response, "{")
		lb := strings.LastIndex(response, "}")
		if fb != -1 && lb > fb {
			candidate = response[fb : lb+1]
		}
	}

	var result T
	if err := json.Unmarshal([]byte(candidate), &result); err != nil {
		return nil, fmt.Errorf("oracle: parsing LLM response as JSON: %w", err)
	}
	return &result, nil
}
