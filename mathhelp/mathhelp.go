package mathhelp

import (
	"math"

	"golang.org/x/exp/constraints"
)

func Clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// RoundInt rounds half away from zero.
func RoundInt(f float64) int {
	return int(math.Round(f))
}

// AtLeastOne is for pixel dimensions, which are never allowed to collapse to zero.
func AtLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
