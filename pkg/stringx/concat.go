package stringx

import "strings"

// Concat joins the given strings with a single pre-grown allocation.
func Concat(strs ...string) string {
	var n int
	for _, s := range strs {
		n += len(s)
	}

	var b strings.Builder
	b.Grow(n)
	for _, s := range strs {
		b.WriteString(s)
	}
	return b.String()
}
