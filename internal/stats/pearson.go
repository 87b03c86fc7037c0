// Package stats evaluates the correlation statistics exposed to the analyst,
// both as direct tools and as SQL-callable functions.
package stats

import "math"

// Correlation is the result of a Pearson evaluation. Nil fields mean the
// input was degenerate (length mismatch, fewer than two points, zero
// variance or non-finite values); that is a result, not an error.
type Correlation struct {
	R *float64 `json:"correlation"`
	N int      `json:"n"`
}

// CorrelationWithP adds the two-sided p-value. Both R and P are nil together.
type CorrelationWithP struct {
	R *float64 `json:"correlation"`
	P *float64 `json:"p_value"`
	N int      `json:"n"`
}

// Pearson returns the sample correlation coefficient of x and y.
func Pearson(x, y []float64) (float64, bool) {
	if len(x) != len(y) || len(x) < 2 {
		return 0, false
	}
	n := float64(len(x))
	var mx, my float64
	for i := range x {
		if !finite(x[i]) || !finite(y[i]) {
			return 0, false
		}
		mx += x[i]
		my += y[i]
	}
	mx /= n
	my /= n

	var sxy, sxx, syy float64
	for i := range x {
		dx, dy := x[i]-mx, y[i]-my
		sxy += dx * dy
		sxx += dx * dx
		syy += dy * dy
	}
	if sxx == 0 || syy == 0 {
		return 0, false
	}
	r := sxy / math.Sqrt(sxx*syy)
	// rounding can push |r| a hair past 1
	return math.Max(-1, math.Min(1, r)), true
}

// PearsonWithP returns the coefficient and its two-sided p-value under the
// t distribution with n-2 degrees of freedom.
func PearsonWithP(x, y []float64) (r, p float64, ok bool) {
	r, ok = Pearson(x, y)
	if !ok {
		return 0, 0, false
	}
	df := float64(len(x) - 2)
	switch {
	case df == 0:
		return r, 1, true
	case math.Abs(r) == 1:
		return r, 0, true
	}
	t2 := r * r * df / (1 - r*r)
	p = RegIncBeta(df/2, 0.5, df/(df+t2))
	return r, math.Max(0, math.Min(1, p)), true
}

// Correlate wraps Pearson into a Correlation.
func Correlate(x, y []float64) Correlation {
	c := Correlation{N: pairs(x, y)}
	if r, ok := Pearson(x, y); ok {
		c.R = &r
	}
	return c
}

// CorrelateWithP wraps PearsonWithP into a CorrelationWithP.
func CorrelateWithP(x, y []float64) CorrelationWithP {
	c := CorrelationWithP{N: pairs(x, y)}
	if r, p, ok := PearsonWithP(x, y); ok {
		c.R, c.P = &r, &p
	}
	return c
}

// pairs is the sample size reported alongside a result; mismatched inputs
// have no pairs.
func pairs(x, y []float64) int {
	if len(x) != len(y) {
		return 0
	}
	return len(x)
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
