package textutil

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

var strictPolicy = bluemonday.StrictPolicy()

// NormalizeStringMap trims keys and values, removing entries with empty keys.
func NormalizeStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	result := make(map[string]string, len(values))
	for key, value := range values {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		result[trimmedKey] = strings.TrimSpace(value)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// CleanText strips markup, normalises to NFC, drops control characters other than tab and newline and
// truncates to limit runes. A non-positive limit disables truncation.
func CleanText(input string, limit int) string {
	input = strings.TrimSpace(input)
	if input == "" {
		return ""
	}
	if strings.ContainsAny(input, "<>&") {
		input = strictPolicy.Sanitize(input)
		input = unescapeBasic(input)
	}
	input = norm.NFC.String(input)

	var builder strings.Builder
	builder.Grow(len(input))
	count := 0
	for _, r := range input {
		if r == utf8.RuneError || (unicode.IsControl(r) && r != '\n' && r != '\t') {
			continue
		}
		builder.WriteRune(r)
		count++
		if limit > 0 && count >= limit {
			break
		}
	}
	return strings.TrimSpace(builder.String())
}

// Truncate shortens input to at most limit runes without splitting a multi-byte sequence.
// A non-positive limit returns input unchanged.
func Truncate(input string, limit int) string {
	if limit <= 0 || len(input) <= limit {
		return input
	}
	count := 0
	for i := range input {
		if count == limit {
			return input[:i]
		}
		count++
	}
	return input
}

// CleanLine behaves like CleanText but also folds every run of whitespace into a single space.
func CleanLine(input string, limit int) string {
	return CleanText(strings.Join(strings.Fields(input), " "), limit)
}

// bluemonday escapes the characters it keeps; plain-text fields store them unescaped.
var basicEntities = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&#34;", `"`, "&#39;", "'", "&quot;", `"`)

func unescapeBasic(input string) string {
	return basicEntities.Replace(input)
}
