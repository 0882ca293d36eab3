package httpx

import (
	"strconv"
	"time"

	"github.com/m-lab/tftpd/tftp"
)

// Directive is a single parsed Cache-Control directive.
type Directive struct {
	Kind DirectiveKind
	Age  time.Duration // only meaningful for MaxAge / SMaxAge
}

// DirectiveKind enumerates the Cache-Control directives this server
// understands; anything else parses to Other rather than failing the
// whole header.
type DirectiveKind int

const (
	MaxAge DirectiveKind = iota
	SMaxAge
	NoCache
	MustRevalidate
	ProxyRevalidate
	Private
	Public
	Immutable
	Other
)

// ParseDirective interprets one Token as a Cache-Control directive.
func ParseDirective(tok Token) (Directive, error) {
	switch lower(tok.Key) {
	case "max-age":
		d, err := parseSeconds(tok)
		if err != nil {
			return Directive{}, err
		}
		return Directive{Kind: MaxAge, Age: d}, nil
	case "s-maxage":
		d, err := parseSeconds(tok)
		if err != nil {
			return Directive{}, err
		}
		return Directive{Kind: SMaxAge, Age: d}, nil
	case "no-cache":
		return Directive{Kind: NoCache}, nil
	case "must-revalidate":
		return Directive{Kind: MustRevalidate}, nil
	case "proxy-revalidate":
		return Directive{Kind: ProxyRevalidate}, nil
	case "private":
		return Directive{Kind: Private}, nil
	case "public":
		return Directive{Kind: Public}, nil
	case "immutable":
		return Directive{Kind: Immutable}, nil
	default:
		return Directive{Kind: Other}, nil
	}
}

func parseSeconds(tok Token) (time.Duration, error) {
	if !tok.HasValue {
		return 0, tftp.ErrStringConversion
	}
	v, err := strconv.ParseUint(tok.Value, 10, 64)
	if err != nil {
		return 0, tftp.ErrStringConversion
	}
	return time.Duration(v) * time.Second, nil
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}

// ParseCacheControl parses every Cache-Control header line into its
// directives, in order, stopping (and returning the error) at the first
// malformed max-age/s-maxage value.
func ParseCacheControl(values []string) ([]Directive, error) {
	tokens := TokenizeHeaders(values)
	directives := make([]Directive, 0, len(tokens))

	for _, tok := range tokens {
		d, err := ParseDirective(tok)
		if err != nil {
			return nil, err
		}
		directives = append(directives, d)
	}

	return directives, nil
}
