package divergence

import "math"

// PivotKind selects which extremum FindPivots looks for.
type PivotKind int

const (
	PivotLow PivotKind = iota
	PivotHigh
)

// FindPivots returns the positions of local extrema in values, comparing
// each interior position against the symmetric window of k bars on either
// side. The first and last k positions are never pivots (not enough
// context). With strict=false a position qualifies by being a window
// minimum/maximum, ties allowed; with strict=true it must beat every other
// value in the window outright, so flat tops/bottoms are rejected.
// Windows containing non-finite values are skipped. O(n*k), acceptable
// because n is bounded by the rolling buffer.
func FindPivots(values []float64, k int, kind PivotKind, strict bool) []int {
	n := len(values)
	if k <= 0 || n < 2*k+1 {
		return nil
	}
	out := make([]int, 0, 4)
	for i := k; i < n-k; i++ {
		if isPivotAt(values, i, k, kind, strict) {
			out = append(out, i)
		}
	}
	return out
}

func isPivotAt(values []float64, idx, k int, kind PivotKind, strict bool) bool {
	c := values[idx]
	if !finite(c) {
		return false
	}
	for i := idx - k; i <= idx+k; i++ {
		if i == idx {
			continue
		}
		v := values[i]
		if !finite(v) {
			return false
		}
		if kind == PivotLow {
			if v < c {
				return false
			}
			if strict && v == c {
				return false
			}
		} else {
			if v > c {
				return false
			}
			if strict && v == c {
				return false
			}
		}
	}
	return true
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
