// internal/llmutil/parser.go
package llmutil

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	json "github.com/json-iterator/go"
)

// ErrNoJSONFound is returned when no extraction layer produced parseable
// JSON. Callers must surface this loudly; silently treating it as an empty
// result would mask oracle malfunction as "nothing to do".
var ErrNoJSONFound = errors.New("no parseable JSON object found in response")

// Completion models wrap JSON inconsistently: sometimes a fenced markdown
// block, sometimes prose around a bare object, sometimes stray brackets in
// the surrounding text. Extraction is therefore layered, each layer tried in
// order until one yields JSON that actually parses:
//
//  1. fenced code block capture
//  2. first-'{' to last-'}' substring
//  3. balanced-object scan over the whole text
//
// The layering is a parser with well-defined failure, not best-effort string
// munging: if every layer fails the caller gets ErrNoJSONFound plus the raw
// prefix for diagnosis.
var (
	// Regex uses \x60 for backticks because Go raw strings cannot contain them.
	fencedBlockRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*(\\{.*\\})\\s*\x60\x60\x60")
)

// ExtractJSONObject recovers the first parseable JSON object from raw
// completion text and returns it as a string.
func ExtractJSONObject(response string) (string, error) {
	response = strings.TrimSpace(response)
	if response == "" {
		return "", ErrNoJSONFound
	}

	// Layer 1: fenced code block.
	if matches := fencedBlockRegex.FindStringSubmatch(response); len(matches) > 1 {
		if candidate := strings.TrimSpace(matches[1]); json.Valid([]byte(candidate)) {
			return candidate, nil
		}
	}

	// Layer 2: widest brace substring.
	if first, last := strings.Index(response, "{"), strings.LastIndex(response, "}"); first != -1 && last > first {
		if candidate := response[first : last+1]; json.Valid([]byte(candidate)) {
			return candidate, nil
		}
	}

	// Layer 3: scan for balanced objects and take the first that parses.
	// Catches responses where stray braces in prose defeat the widest
	// substring, e.g. "use {x} here ... {\"goal\": ...}".
	for _, candidate := range balancedObjects(response) {
		if json.Valid([]byte(candidate)) {
			return candidate, nil
		}
	}

	return "", ErrNoJSONFound
}

// ParseJSONResponse extracts a JSON object from an LLM response and
// unmarshals it into the target type. It handles the common formatting
// issues of completion output, such as markdown wrapping and surrounding
// prose.
func ParseJSONResponse[T any](response string) (*T, error) {
	candidate, err := ExtractJSONObject(response)
	if err != nil {
		return nil, fmt.Errorf("%w; raw response (truncated): %s", err, TruncateString(response, 500))
	}

	var result T
	if err := json.Unmarshal([]byte(candidate), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal LLM JSON response: %w; extracted JSON (truncated): %s",
			err, TruncateString(candidate, 500))
	}
	return &result, nil
}

// balancedObjects returns every top-level brace-balanced span in order of
// appearance. Depth counting ignores braces inside JSON strings.
func balancedObjects(s string) []string {
	var (
		candidates []string
		depth      int
		start      = -1
		inString   bool
		escaped    bool
	)

	for i := 0; i < len(s); i++ {
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
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					candidates = append(candidates, s[start:i+1])
					start = -1
				}
			}
		}
	}
	return candidates
}

// TruncateString truncates a string to a maximum length, appending an
// ellipsis marker when anything was cut. Used to bound error messages and the
// page content fed back to the oracle.
func TruncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	// Simple truncation; does not account for rune boundaries but
	// sufficient for error logging.
	return s[:maxLen] + "..."
}
