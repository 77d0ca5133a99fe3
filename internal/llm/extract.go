package llm

import (
	"strings"

	"github.com/tidwall/gjson"
)

// ExtractJSON returns the JSON object in a model response. Well-formed output
// is returned as is; otherwise markdown fences are stripped and, failing that,
// the outermost {...} span is tried.
func ExtractJSON(text string) (string, error) {
	s := strings.TrimSpace(text)
	if isObject(s) {
		return s, nil
	}

	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
		if isObject(s) {
			return s, nil
		}
	}

	start, end := strings.IndexByte(s, '{'), strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		if candidate := s[start : end+1]; isObject(candidate) {
			return candidate, nil
		}
	}
	return "", ErrNotJSON
}

func isObject(s string) bool {
	return strings.HasPrefix(s, "{") && gjson.Valid(s)
}
