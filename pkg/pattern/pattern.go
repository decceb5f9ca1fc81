// Package pattern parses wildcard byte signatures and finds them in memory
// images.
package pattern

import (
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
)

// ErrMalformedPattern is returned for signatures that do not describe at
// least one whole byte.
var ErrMalformedPattern = errors.New("malformed pattern")

// Elem is one position of a signature.
type Elem struct {
	Value    byte
	Wildcard bool
}

// Pattern is a parsed signature. A zero-length Pattern never comes out of
// Parse.
type Pattern []Elem

// Parse converts text such as "55 8B EC ?? ?? 8B" into a Pattern.
//
// Whitespace separates tokens but is optional. A '?' (or "??") is one
// wildcard byte. Anything else must be two hex digits.
func Parse(s string) (Pattern, error) {
	var p Pattern
	for i := 0; i < len(s); {
		c := s[i]
		if isSpace(c) {
			i++
			continue
		}
		if c == '?' {
			p = append(p, Elem{Wildcard: true})
			i++
			if i < len(s) && s[i] == '?' {
				i++
			}
			continue
		}
		if i+1 >= len(s) {
			return nil, errors.Wrapf(ErrMalformedPattern, "incomplete byte %q at offset %d", s[i:], i)
		}
		pair := s[i : i+2]
		b, err := hex.DecodeString(pair)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedPattern, "invalid hex byte %q at offset %d", pair, i)
		}
		p = append(p, Elem{Value: b[0]})
		i += 2
	}
	if len(p) == 0 {
		return nil, errors.Wrapf(ErrMalformedPattern, "%q contains no bytes", s)
	}
	return p, nil
}

// MustParse is Parse for signatures known at compile time.
func MustParse(s string) Pattern {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}

func (p Pattern) Len() int {
	return len(p)
}

func (p Pattern) String() string {
	var sb strings.Builder
	for i, e := range p {
		if i > 0 {
			sb.WriteByte(' ')
		}
		if e.Wildcard {
			sb.WriteString("??")
			continue
		}
		sb.WriteString(strings.ToUpper(hex.EncodeToString([]byte{e.Value})))
	}
	return sb.String()
}

// Match reports whether the pattern matches the start of data.
func (p Pattern) Match(data []byte) bool {
	if len(p) == 0 || len(p) > len(data) {
		return false
	}
	for j, e := range p {
		if !e.Wildcard && e.Value != data[j] {
			return false
		}
	}
	return true
}

// Index returns the lowest offset in data where p matches, or -1.
func (p Pattern) Index(data []byte) int {
	if len(p) == 0 || len(p) > len(data) {
		return -1
	}
	last := len(data) - len(p)
	for i := 0; i <= last; i++ {
		if p.Match(data[i:]) {
			return i
		}
	}
	return -1
}

// Find scans a memory image that starts at base and returns the address of
// the first match.
func Find(p Pattern, base uintptr, data []byte) (uintptr, bool) {
	off := p.Index(data)
	if off < 0 {
		return 0, false
	}
	return base + uintptr(off), true
}
