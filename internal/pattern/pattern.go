package pattern

import (
	"regexp"
	"strings"
)

// anyOneOf is the literal exclusion token accepted in patterns. It matches any
// single character; an empty negated class would otherwise match nothing.
const anyOneOf = "[!]"

// Matcher tests messages against a compiled wildcard pattern.
// A Matcher is immutable and safe for concurrent use.
type Matcher struct {
	pattern string
	re      *regexp.Regexp
}

// Compile translates a wildcard pattern into a Matcher.
//
// A '*' matches zero or more characters, '?' and the token "[!]" match
// exactly one character.
//
// Everything else matches literally. The whole message must match.
func Compile(pattern string) *Matcher {
	return &Matcher{pattern: pattern, re: regexp.MustCompile(translate(pattern))}
}

// Test reports whether message matches the full pattern.
func (m *Matcher) Test(message string) bool {
	return m.re.MatchString(message)
}

func (m *Matcher) String() string { return m.pattern }

// Match compiles pattern and tests message in one call.
func Match(pattern, message string) bool {
	return Compile(pattern).Test(message)
}

// translate never produces an invalid expression: every literal rune goes
// through QuoteMeta and wildcards map to fixed fragments.
func translate(pattern string) string {
	var b strings.Builder
	b.WriteString(`(?s)\A`)
	for i := 0; i < len(pattern); {
		if strings.HasPrefix(pattern[i:], anyOneOf) {
			b.WriteString(".")
			i += len(anyOneOf)
			continue
		}
		switch c := pattern[i]; c {
		case '*':
			b.WriteString(".*")
			i++
		case '?':
			b.WriteString(".")
			i++
		default:
			// copy the run of literal bytes up to the next wildcard
			j := i + 1
			for j < len(pattern) && pattern[j] != '*' && pattern[j] != '?' && !strings.HasPrefix(pattern[j:], anyOneOf) {
				j++
			}
			b.WriteString(regexp.QuoteMeta(pattern[i:j]))
			i = j
		}
	}
	b.WriteString(`\z`)
	return b.String()
}
