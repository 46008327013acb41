// Package textutil holds the shared text handling for anonymous messages:
// sanitization, banned-word matching, content hashing for duplicate
// detection, and the quick-input normalizer used to match natural-language
// command synonyms. All lengths are measured in runes, not bytes.
package textutil

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

const (
	// Banned words outside these rune bounds are silently dropped.
	minBannedWordLen = 2
	maxBannedWordLen = 32
)

var (
	tripleNewline = regexp.MustCompile(`\n{3,}`)
	multiSpace    = regexp.MustCompile(`\s+`)
	wordSplit     = regexp.MustCompile(`[\r\n,]+`)
)

// Sanitize strips control characters (keeping tab/newline/CR), collapses
// runs of 3+ newlines to 2, and trims surrounding whitespace.
func Sanitize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.TrimSpace(text) {
		if r == 0x7f || (r < 0x20 && r != '\t' && r != '\n' && r != '\r') {
			continue
		}
		b.WriteRune(r)
	}
	clean := tripleNewline.ReplaceAllString(b.String(), "\n\n")
	return strings.TrimSpace(clean)
}

// ContainsBannedWord reports whether text contains any of the words as a
// case-insensitive substring.
func ContainsBannedWord(text string, words []string) bool {
	if text == "" || len(words) == 0 {
		return false
	}
	lower := strings.ToLower(text)
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// ParseBannedWords splits raw input on commas and newlines, sanitizes each
// entry, drops entries outside the 2-32 rune bounds, and deduplicates
// preserving first occurrence.
func ParseBannedWords(raw string) []string {
	words := []string{}
	seen := map[string]struct{}{}
	for _, part := range wordSplit.Split(raw, -1) {
		w := Sanitize(part)
		n := len([]rune(w))
		if n < minBannedWordLen || n > maxBannedWordLen {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		words = append(words, w)
	}
	return words
}

// ContentHash digests normalized content for duplicate detection: the
// lowercased sanitized text and the media reference, pipe-joined.
func ContentHash(text, mediaRef string) string {
	textPart := strings.ToLower(Sanitize(text))
	mediaPart := strings.TrimSpace(mediaRef)
	sum := sha256.Sum256([]byte(textPart + "|" + mediaPart))
	return hex.EncodeToString(sum[:])
}

// Preview returns a sanitized, rune-truncated excerpt for inbox listings
// and admin report cards.
func Preview(text string, maxLen int) string {
	v := Sanitize(text)
	if v == "" {
		return "(no text)"
	}
	runes := []rune(v)
	if len(runes) <= maxLen {
		return v
	}
	return string(runes[:maxLen-1]) + "..."
}

// RuneLen counts characters the way the user perceives length limits.
func RuneLen(s string) int {
	return len([]rune(s))
}

var quickReplacer = strings.NewReplacer(
	// zero-width and directional marks become spaces
	"‌", " ", "‏", " ", "‎", " ",
	// Arabic yeh/kaf fold into their Persian variants
	"ي", "ی", "ك", "ک",
	// checkmark decorations users copy from buttons
	"✅", "", "☑️", "", "✔️", "",
	// common separators
	"/", " ", "\\", " ", "|", " ", "،", " ", ",", " ", "-", " ", "ـ", " ",
)

// NormalizeQuickInput folds free text into the canonical form used by the
// quick-command synonym table: marks stripped, interchangeable letter
// variants unified, separators removed, whitespace collapsed, lowercased.
func NormalizeQuickInput(text string) string {
	v := strings.TrimSpace(text)
	if v == "" {
		return ""
	}
	v = quickReplacer.Replace(v)
	v = multiSpace.ReplaceAllString(v, " ")
	return strings.ToLower(strings.TrimSpace(v))
}
