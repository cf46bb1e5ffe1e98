package stats

import "math"

type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

type Float interface {
	~float32 | ~float64
}

// Returns (mean, variance) of the given samples.
// Both are zero if there are no samples.
func MeanVar[T Float | Integer](samples []T) (float64, float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	mean := Mean(samples)
	variance := Variance(samples, mean)
	return mean, variance
}

// Returns the mean of the given samples.
func Mean[T Float | Integer](samples []T) float64 {
	sum := 0.0
	for _, v := range samples {
		sum += float64(v)
	}
	return sum / float64(len(samples))
}

// Returns the population variance of the given samples.
func Variance[T Float | Integer](samples []T, mean float64) float64 {
	sum := 0.0
	for _, v := range samples {
		diff := float64(v) - mean
		sum += diff * diff
	}
	return sum / float64(len(samples))
}

// Returns (mean, standard deviation) of the given samples.
func MeanStdDev[T Float | Integer](samples []T) (float64, float64) {
	mean, variance := MeanVar(samples)
	return mean, math.Sqrt(variance)
}
