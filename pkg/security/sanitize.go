// Package security cleans free text supplied by surfaces before it reaches
// session state or the dispatch side.
package security

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	htmlTagsRegex     = regexp.MustCompile(`<[^>]*>`)
	whitespaceRegex   = regexp.MustCompile(`\s+`)
	invalidPhoneChars = regexp.MustCompile(`[^\d+]`)
)

// SanitizeString trims input and drops null bytes and control characters
// other than newlines and tabs.
func SanitizeString(input string) string {
	input = strings.TrimSpace(input)
	input = strings.ReplaceAll(input, "\x00", "")
	return removeControlCharacters(input)
}

// SanitizePhone keeps digits and the leading plus sign.
func SanitizePhone(phone string) string {
	return invalidPhoneChars.ReplaceAllString(strings.TrimSpace(phone), "")
}

// StripHTMLTags removes all HTML tags from input
func StripHTMLTags(input string) string {
	return htmlTagsRegex.ReplaceAllString(input, "")
}

// NormalizeWhitespace collapses runs of whitespace into single spaces.
func NormalizeWhitespace(input string) string {
	return strings.TrimSpace(whitespaceRegex.ReplaceAllString(input, " "))
}

// TruncateString cuts input to at most maxRunes characters.
func TruncateString(input string, maxRunes int) string {
	if maxRunes <= 0 {
		return input
	}
	runes := []rune(input)
	if len(runes) <= maxRunes {
		return input
	}
	return string(runes[:maxRunes])
}

// CleanText is the general-purpose cleaner for single-line user text such as
// place names and cancel reasons. A maxRunes of zero disables truncation.
func CleanText(input string, maxRunes int) string {
	input = SanitizeString(input)
	input = StripHTMLTags(input)
	input = NormalizeWhitespace(input)
	return TruncateString(input, maxRunes)
}

func removeControlCharacters(input string) string {
	var result strings.Builder
	for _, r := range input {
		if unicode.IsPrint(r) || r == '\n' || r == '\t' {
			result.WriteRune(r)
		}
	}
	return result.String()
}
