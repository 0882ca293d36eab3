// Package httpx provides the small set of HTTP helpers the cache layer
// needs: multi-valued header tokenizing, Cache-Control parsing, and a
// monotonic/wall-clock time bridge for expiry bookkeeping.
package httpx

import "strings"

// Token is one comma-separated, optionally key=value, entry out of a
// (possibly repeated) HTTP header, e.g. a single Cache-Control directive.
type Token struct {
	Key      string
	Value    string
	HasValue bool
}

// TokenizeHeaders splits every value in values on commas, trims
// whitespace, drops empty entries, and splits each remaining entry on
// its first '=' into a key and an optional value — the same directive
// grammar RFC 7234 §5.2 defines for Cache-Control, general enough to
// reuse for any comma-separated HTTP header.
func TokenizeHeaders(values []string) []Token {
	var tokens []Token

	for _, line := range values {
		for _, raw := range strings.Split(line, ",") {
			item := strings.TrimSpace(raw)
			if item == "" {
				continue
			}

			if idx := strings.IndexByte(item, '='); idx >= 0 {
				tokens = append(tokens, Token{
					Key:      strings.TrimSpace(item[:idx]),
					Value:    strings.TrimSpace(item[idx+1:]),
					HasValue: true,
				})
			} else {
				tokens = append(tokens, Token{Key: item})
			}
		}
	}

	return tokens
}
