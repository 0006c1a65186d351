package generic

import "golang.org/x/exp/constraints"

// MinOf returns the smaller of two ordered values.
func MinOf[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}
