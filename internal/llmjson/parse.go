// Package llmjson recovers a JSON object from model output that may wrap it
// in markdown fencing or surrounding prose.
package llmjson

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// ErrNoJSON is returned when no candidate in the content decodes into the target.
var ErrNoJSON = errors.New("no parseable JSON object")

var fenceRegex = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(.*?)\\n?```")

// Parse tries, in order: the whole content as strict JSON, each fenced code
// block, then the first balanced {...} object embedded in prose.
func Parse[T any](content string) (T, error) {
	var result T
	content = strings.TrimSpace(content)

	if err := json.Unmarshal([]byte(content), &result); err == nil {
		return result, nil
	}

	for _, m := range fenceRegex.FindAllStringSubmatch(content, -1) {
		var candidate T
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &candidate); err == nil {
			return candidate, nil
		}
	}

	if obj, ok := FirstObject(content); ok {
		var candidate T
		if err := json.Unmarshal([]byte(obj), &candidate); err == nil {
			return candidate, nil
		}
	}

	return result, fmt.Errorf("%w: %s", ErrNoJSON, truncate(content, 200))
}

// FirstObject returns the first brace-balanced object in s, skipping braces
// that appear inside string literals.
func FirstObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	for start >= 0 {
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(s); i++ {
			c := s[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case c == '\\':
					escaped = true
				case c == '"':
					inString = false
				}
				continue
			}
			switch c {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					return s[start : i+1], true
				}
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
