// Package headers implements the request-header sieve: a case-insensitive
// allow-list with optional rename rules, applied to raw header lines as they
// stream through a session.
//
// Lookups take the name token of the raw line ("Name: value\r\n"), the bytes
// before the first ':'. The ordering treats a stored name and a line as equal
// only when the line's byte after the common prefix is ':' (or the line ends
// there), so an allowed "Host" never admits "Hostile".
package headers

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
)

// Sieve decides, per header line, whether to drop, pass, or rename.
// Immutable after construction; safe for concurrent use.
type Sieve struct {
	rules []rule
}

// rule maps a header name (stored without the colon) to its replacement.
// An empty replacement means "allow unchanged".
type rule struct {
	name        string
	replacement string
}

// New builds a sieve from an allow-list and "Original:Replacement" rename
// rules. A renamed header is implicitly allowed; if a name appears in both
// lists the rename wins.
func New(allow []string, rename []string) (*Sieve, error) {
	seen := make(map[string]struct{}, len(allow)+len(rename))
	rules := make([]rule, 0, len(allow)+len(rename))

	for _, r := range rename {
		parts := strings.Split(r, ":")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid rename rule %q (want \"Original:Replacement\")", r)
		}
		key := strings.ToLower(parts[0])
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("duplicate rename rule for %q", parts[0])
		}
		seen[key] = struct{}{}
		rules = append(rules, rule{name: parts[0], replacement: parts[1]})
	}

	for _, name := range allow {
		if name == "" || strings.Contains(name, ":") {
			return nil, fmt.Errorf("invalid header name %q in allow list", name)
		}
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		rules = append(rules, rule{name: name})
	}

	sort.Slice(rules, func(i, j int) bool {
		return Compare([]byte(rules[i].name), []byte(rules[j].name)) < 0
	})

	return &Sieve{rules: rules}, nil
}

// Len reports the number of sieve rules.
func (s *Sieve) Len() int {
	return len(s.rules)
}

// Apply filters one raw header line. The line must contain the full
// "Name: value" text (trailing CRLF optional, preserved when present).
// It returns the line to forward and true, or nil and false to drop.
// Renamed lines keep the value bytes verbatim, including case.
func (s *Sieve) Apply(line []byte) ([]byte, bool) {
	colon := bytes.IndexByte(line, ':')
	if colon < 0 {
		return nil, false
	}
	// Search on the name token alone. Comparing stored names against the
	// full line would order a stored extension of the line's name (e.g.
	// "Content-Length" vs "Content: 1") by '-' against ':', breaking the
	// monotonicity the binary search needs.
	name := line[:colon]
	i := sort.Search(len(s.rules), func(i int) bool {
		return Compare([]byte(s.rules[i].name), name) >= 0
	})
	if i >= len(s.rules) || Compare([]byte(s.rules[i].name), name) != 0 {
		return nil, false
	}
	r := s.rules[i]
	if r.replacement == "" {
		return line, true
	}
	out := make([]byte, 0, len(r.replacement)+len(line)-colon)
	out = append(out, r.replacement...)
	out = append(out, line[colon:]...)
	return out, true
}

// Compare is the sieve ordering. Bytes are compared pointwise after ASCII
// lowercasing. When the shorter side is a prefix of the longer, the two are
// equal only if the longer side's next byte is ':'; otherwise the longer
// side is greater. This makes a stored name match exactly one header line
// name while never matching an extension of it.
func Compare(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := range n {
		la, lb := lower(a[i]), lower(b[i])
		if la != lb {
			if la < lb {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) == len(b):
		return 0
	case len(a) < len(b):
		if b[len(a)] == ':' {
			return 0
		}
		return -1
	default:
		if a[len(b)] == ':' {
			return 0
		}
		return 1
	}
}

// EmptyLine reports whether a header line marks the end of the header block:
// zero length, a lone CR or LF, or a CRLF pair.
func EmptyLine(line []byte) bool {
	switch len(line) {
	case 0:
		return true
	case 1:
		return line[0] == '\r' || line[0] == '\n'
	case 2:
		return line[0] == '\r' && line[1] == '\n'
	default:
		return false
	}
}

func lower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}
