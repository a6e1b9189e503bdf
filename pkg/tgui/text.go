package tgui

import "unicode/utf8"

// TruncRunes returns s truncated to at most n runes.
// It appends an ellipsis "…" when truncated.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	// Single-pass implementation:
	//  - remember the byte index after the n-th rune
	//  - if there is an (n+1)-th rune, truncate + ellipsis
	count := 0
	cut := 0
	for i, r := range s {
		count++
		if count == n {
			cut = i + utf8.RuneLen(r)
			continue
		}
		if count > n {
			if cut <= 0 {
				cut = i
			}
			return s[:cut] + "…"
		}
	}
	return s
}

// PadRight pads s with spaces to n runes. Longer strings are truncated.
func PadRight(s string, n int) string {
	c := utf8.RuneCountInString(s)
	if c > n {
		return TruncRunes(s, n)
	}
	for ; c < n; c++ {
		s += " "
	}
	return s
}

// Grid splits items into rows of n.
func Grid[T any](n int, items []T) [][]T {
	if n <= 0 {
		n = 1
	}
	var out [][]T
	for len(items) > 0 {
		k := min(n, len(items))
		out = append(out, items[:k:k])
		items = items[k:]
	}
	return out
}
