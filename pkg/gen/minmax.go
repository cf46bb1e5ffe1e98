package gen

import "cmp"

func Clamp[T cmp.Ordered](v, min, max T) T {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// DeleteFromSliceUnordered removes element i by swapping the last element into its place
func DeleteFromSliceUnordered[T any](s []T, i int) []T {
	s[i] = s[len(s)-1]
	return s[:len(s)-1]
}
