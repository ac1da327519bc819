package util

import "math"

// Clamp returns value bounded by [minValue, maxValue].
func Clamp[T ~float32 | ~float64](value, minValue, maxValue T) T {
	return max(minValue, min(maxValue, value))
}

// IsFinite returns whether value is neither NaN nor infinite.
func IsFinite[T ~float32 | ~float64](value T) bool {
	f := float64(value)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
