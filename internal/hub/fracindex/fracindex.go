// Package fracindex provides fractional-indexing sort keys for ordered
// items. Keys are strings that sort lexicographically, allowing O(1)
// insertion between, before, or after existing items without re-keying
// their neighbors. New sessions insert at the top of the list, so Before
// is the hot path here.
package fracindex

import "strings"

const (
	minChar = 'a'
	maxChar = 'z'
	midChar = 'n'
)

// First returns an initial key suitable for the first item.
func First() string {
	return string(midChar)
}

// After returns a key that sorts after s.
func After(s string) string {
	if s == "" {
		return First()
	}
	// Append midChar to get something after s.
	return s + string(midChar)
}

// Before returns a key that sorts before s.
func Before(s string) string {
	if s == "" {
		return First()
	}

	// Try to decrement the last character.
	last := s[len(s)-1]
	if last > minChar+1 {
		mid := (minChar + last) / 2
		return s[:len(s)-1] + string(mid)
	}

	// Last char is 'a' or 'b', insert a mid char before it.
	return s[:len(s)-1] + string(minChar) + string(midChar)
}

// Between returns a key between a and b. If a is empty, it returns a key
// before b. If b is empty, it returns a key after a. If both are empty,
// it returns First().
func Between(a, b string) string {
	if a == "" && b == "" {
		return First()
	}
	if a == "" {
		return Before(b)
	}
	if b == "" {
		return After(a)
	}
	return between(a, b)
}

// between returns a key between a and b where a < b.
func between(a, b string) string {
	// Pad a and b to the same length for comparison.
	maxLen := max(len(a), len(b))

	pa := padRight(a, maxLen)
	pb := padRight(b, maxLen)

	// Find first position where they differ.
	for i := 0; i < maxLen; i++ {
		ca := pa[i]
		cb := pb[i]

		if ca == cb {
			continue
		}

		// Found difference. Try to find midpoint.
		if cb-ca > 1 {
			mid := (ca + cb) / 2
			return pa[:i] + string(mid)
		}

		// Adjacent characters - recurse into next position.
		// Keep ca and go deeper comparing rest of a against maxChar.
		suffix := between(
			strings.TrimRight(pa[i+1:], string(minChar)),
			string(maxChar),
		)
		return pa[:i+1] + suffix
	}

	// Strings are equal (shouldn't happen) - append midChar.
	return a + string(midChar)
}

func padRight(s string, length int) string {
	for len(s) < length {
		s += string(minChar)
	}
	return s
}
