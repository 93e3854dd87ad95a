// Package subject builds and caches message-bus subject strings and
// sanitizes exchange-supplied tokens for safe use within them.
package subject

import (
	"strings"

	"github.com/ssmd-go/ssmd/internal/logger"
)

const defaultMaxLen = 128

// Sanitize maps arbitrary exchange identifiers to a restricted character set
// safe for bus subject tokens: '/' becomes '-', anything outside
// [A-Za-z0-9_-] is stripped, and the result is truncated to 128 bytes.
func Sanitize(input string) string {
	return SanitizeMaxLen(input, defaultMaxLen)
}

// SanitizeMaxLen sanitizes with a custom max length, for tests or callers
// with tighter subject-length budgets.
func SanitizeMaxLen(input string, maxLen int) string {
	replaced := strings.ReplaceAll(input, "/", "-")

	var b strings.Builder
	for _, r := range replaced {
		if b.Len() >= maxLen {
			break
		}
		if isAllowed(r) {
			b.WriteRune(r)
		}
	}
	sanitized := b.String()

	if sanitized != input && input != "" {
		logger.Warn("bus subject token was sanitized original=%q sanitized=%q", input, sanitized)
	}
	return sanitized
}

func isAllowed(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '-' || r == '_':
		return true
	default:
		return false
	}
}
