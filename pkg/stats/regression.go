// Package stats holds the small numeric helpers shared by the scoring and
// prediction code: an ordinary-least-squares fit over an index series and a
// float clamp.
package stats

// Fit is the result of an ordinary-least-squares regression of a sample
// series against its index (x = 0, 1, 2, ...).
type Fit struct {
	Slope     float64
	Intercept float64
	// R2 is the coefficient of determination, clamped to [0, 1].
	R2 float64
	// OK is false when the fit is degenerate: fewer than two samples, or a
	// constant series with no variance to explain. Degenerate fits report
	// R2 = 0 rather than NaN.
	OK bool
}

// FitLinear regresses ys against their indices. Samples are expected
// oldest-to-newest so a positive slope means the series is rising.
func FitLinear(ys []float64) Fit {
	n := len(ys)
	if n < 2 {
		return Fit{}
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, y := range ys {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return Fit{}
	}

	slope := (fn*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / fn

	meanY := sumY / fn
	var ssTot, ssRes float64
	for i, y := range ys {
		pred := intercept + slope*float64(i)
		ssRes += (y - pred) * (y - pred)
		ssTot += (y - meanY) * (y - meanY)
	}
	if ssTot == 0 {
		// Constant series: slope is zero and there is nothing to explain.
		return Fit{}
	}

	return Fit{
		Slope:     slope,
		Intercept: intercept,
		R2:        Clamp(1-ssRes/ssTot, 0, 1),
		OK:        true,
	}
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
