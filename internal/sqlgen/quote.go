// Package sqlgen renders click events as standalone SQL INSERT statements
// for the append-only statement files.
package sqlgen

import (
	"errors"
	"strings"
)

// Null is the literal written for absent values.
const Null = "NULL"

var errNotLiteral = errors.New("sqlgen: not a quoted literal")

// Quote renders s as a single-quoted SQL string literal, doubling any
// embedded single quote. A nil s renders as NULL.
// Backslashes and newlines are copied verbatim.
func Quote(s *string) string {
	if s == nil {
		return Null
	}
	var b strings.Builder
	b.Grow(len(*s) + 2)
	b.WriteByte('\'')
	b.WriteString(strings.ReplaceAll(*s, "'", "''"))
	b.WriteByte('\'')
	return b.String()
}

// QuoteString is Quote for a value that is always present.
func QuoteString(s string) string {
	return Quote(&s)
}

// Unquote parses a literal produced by Quote back into its value.
func Unquote(lit string) (*string, error) {
	if lit == Null {
		return nil, nil
	}
	if len(lit) < 2 || lit[0] != '\'' || lit[len(lit)-1] != '\'' {
		return nil, errNotLiteral
	}
	body := lit[1 : len(lit)-1]

	var b strings.Builder
	b.Grow(len(body))
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c != '\'' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(body) || body[i+1] != '\'' {
			return nil, errNotLiteral
		}
		b.WriteByte('\'')
		i++
	}
	out := b.String()
	return &out, nil
}
