// Package json provides defensive JSON handling for model output.
//
// Models return JSON wrapped in code fences, surrounded by commentary or
// slightly broken. This package finds and repairs such JSON.
package json

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractObject finds the first complete JSON object in text.
// It handles:
// 1. Pure JSON text
// 2. JSON wrapped in markdown code fences (```json ... ```)
// 3. A JSON object embedded in prose
//
// Braces inside string literals are ignored while scanning.
func ExtractObject(text string) (string, error) {
	text = stripMarkdownCodeBlocks(text)
	if json.Valid([]byte(text)) && strings.HasPrefix(strings.TrimSpace(text), "{") {
		return strings.TrimSpace(text), nil
	}

	for start := strings.IndexByte(text, '{'); start != -1; {
		end := matchingBrace(text, start)
		if end == -1 {
			break
		}
		candidate := text[start : end+1]
		if json.Valid([]byte(candidate)) {
			return candidate, nil
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next == -1 {
			break
		}
		start += next + 1
	}

	return "", fmt.Errorf("failed to extract valid JSON from response: %q", preview(text))
}

// matchingBrace returns the index of the brace closing the one at start, or -1.
func matchingBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
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
				return i
			}
		}
	}
	return -1
}

// stripMarkdownCodeBlocks removes a surrounding ```json or ``` fence.
func stripMarkdownCodeBlocks(text string) string {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```json") {
		trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "```json"))
	} else if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "```"))
	}
	if strings.HasSuffix(trimmed, "```") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, "```"))
	}
	return trimmed
}

// Decode extracts the first JSON object in text into a T.
func Decode[T any](text string) (T, error) {
	var result T
	raw, err := ExtractObject(text)
	if err != nil {
		return result, err
	}
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return result, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	return result, nil
}

func preview(s string) string {
	if len(s) > 100 {
		return s[:100] + "..."
	}
	return s
}
