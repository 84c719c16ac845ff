// internal/agent/classifier.go
package agent

import (
	"strings"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

// Error classification is deliberately string-pattern based: tools report
// failures as prose, not structured codes, so the raw text is the only signal
// available at this boundary. Matching is case-insensitive substring search,
// first group wins, ordered from most to least specific. The tool layer keeps
// its error phrasing aligned with these patterns; changing either side alone
// silently reroutes repairs.
var (
	unrecoverablePatterns = []string{
		"api",
		"openai",
		"anthropic",
		"network",
		"authentication",
		"unauthorized",
		"rate limit",
	}
	elementNotFoundPatterns = []string{
		"not found",
		"not visible",
		"could not find",
		"field not found",
	}
	parameterErrorPatterns = []string{
		"missing required parameter",
		"must be",
		"invalid parameter",
		"parameter",
	}
)

// ClassifyError buckets a raw tool error into the kind that selects its
// repair strategy. Pure and stateless; toolName is accepted for symmetry with
// the failure records but the classification keys off the error text alone.
func ClassifyError(rawError, toolName string) schemas.ErrorKind {
	_ = toolName
	text := strings.ToLower(rawError)

	if containsAny(text, unrecoverablePatterns) {
		return schemas.ErrKindUnrecoverable
	}
	if containsAny(text, elementNotFoundPatterns) {
		return schemas.ErrKindElementNotFound
	}
	if containsAny(text, parameterErrorPatterns) {
		return schemas.ErrKindParameterError
	}
	if strings.Contains(text, "partial") ||
		(strings.Contains(text, "some") && strings.Contains(text, "failed")) {
		return schemas.ErrKindPartialSuccess
	}
	return schemas.ErrKindUnknown
}

func containsAny(text string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}
