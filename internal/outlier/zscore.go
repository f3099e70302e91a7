package outlier

import (
	"math"
)

// score holds the leave-one-out statistics of one point.
type score struct {
	Mean float64
	Std  float64
	Z    float64
}

// leaveOneOut scores every value against the mean and sample standard
// deviation of the remaining values. A series shorter than minPoints, or
// with no variance at all, scores zero everywhere. A value that differs
// from an otherwise constant series gets an infinite z.
func leaveOneOut(xs []float64, minPoints int) []score {
	out := make([]score, len(xs))
	n := len(xs)
	if n < minPoints || n < 3 {
		return out
	}

	mean, _ := meanStd(xs)
	constant := true
	for _, x := range xs[1:] {
		if x != xs[0] {
			constant = false
			break
		}
	}
	if constant {
		for i := range out {
			out[i] = score{Mean: mean}
		}
		return out
	}

	rest := make([]float64, 0, n-1)
	for i, x := range xs {
		rest = rest[:0]
		rest = append(rest, xs[:i]...)
		rest = append(rest, xs[i+1:]...)
		m, s := meanStd(rest)
		z := 0.0
		switch {
		case s > 0:
			z = (x - m) / s
		case x > m:
			z = math.Inf(1)
		case x < m:
			z = math.Inf(-1)
		}
		out[i] = score{Mean: m, Std: s, Z: z}
	}
	return out
}

// meanStd is the two-pass mean and sample (n-1) standard deviation.
func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(xs)-1))
}
