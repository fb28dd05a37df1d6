package gen

import "cmp"

// Clamp returns v, limited to the inclusive range [lo, hi].
// If lo > hi, lo wins.
func Clamp[T cmp.Ordered](v, lo, hi T) T {
	if v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}
