package auth

import (
	"strings"
)

// Challenge is one authentication challenge from a WWW-Authenticate
// response header, such as:
//
//	Bearer realm="https://auth.example.com/token",service="registry.example.com",scope="repository:foo:pull"
type Challenge struct {
	// Scheme is always lowercase, such as "basic" or "bearer".
	Scheme string

	// Parameters have lowercase keys.
	Parameters map[string]string
}

// ParseChallenges parses the value of a WWW-Authenticate header.
//
// The parser is tolerant: anything it can't make sense of is skipped, and
// the result might therefore be empty.
func ParseChallenges(header string) []Challenge {
	var ret []Challenge
	s := header
	for {
		s = skipSpaceAndCommas(s)
		if s == "" {
			return ret
		}
		var scheme string
		scheme, s = scanToken(s)
		if scheme == "" {
			// Not a token at all, so we can't continue.
			return ret
		}
		ch := Challenge{
			Scheme:     strings.ToLower(scheme),
			Parameters: make(map[string]string),
		}

		// Parameters continue until we find something that looks like the
		// start of the next challenge: a token that isn't followed by "=".
		for {
			rest := skipSpaceAndCommas(s)
			name, afterName := scanToken(rest)
			if name == "" {
				s = rest
				break
			}
			afterName = strings.TrimLeft(afterName, " \t")
			if !strings.HasPrefix(afterName, "=") {
				s = rest
				break
			}
			var value string
			value, s = scanValue(strings.TrimLeft(afterName[1:], " \t"))
			ch.Parameters[strings.ToLower(name)] = value
		}
		ret = append(ret, ch)
	}
}

// Realm returns the challenge's "realm" parameter.
func (ch Challenge) Realm() string {
	return ch.Parameters["realm"]
}

func skipSpaceAndCommas(s string) string {
	return strings.TrimLeft(s, " \t,")
}

func scanToken(s string) (string, string) {
	i := 0
	for i < len(s) && isTokenChar(s[i]) {
		i++
	}
	return s[:i], s[i:]
}

func scanValue(s string) (string, string) {
	if !strings.HasPrefix(s, `"`) {
		return scanToken(s)
	}
	var buf strings.Builder
	for i := 1; i < len(s); i++ {
		switch c := s[i]; c {
		case '"':
			return buf.String(), s[i+1:]
		case '\\':
			if i+1 < len(s) {
				i++
				buf.WriteByte(s[i])
			}
		default:
			buf.WriteByte(c)
		}
	}
	// Unterminated quoted string, so we'll take what we have.
	return buf.String(), ""
}

// isTokenChar matches the "tchar" production from RFC 9110, plus "/" so
// that unquoted token68 values survive.
func isTokenChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("!#$%&'*+-.^_`|~/:", c) >= 0
}
