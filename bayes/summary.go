package bayes

import (
	"math"
	"slices"
	"sort"

	"gonum.org/v1/gonum/stat"
)

const (
	// HDIMass is the probability mass of the reported credible interval
	HDIMass = 0.94
	// CurvePoints is the number of grid points in a density curve
	CurvePoints = 100
)

// Curve is a density estimate evaluated on a strictly increasing grid.
type Curve struct {
	X []float64 `json:"x"`
	Y []float64 `json:"y"`
}

// Summary describes a posterior sample set.
type Summary struct {
	Mean     float64 `json:"mean"`
	Median   float64 `json:"median"`
	HDILower float64 `json:"hdi_lower"`
	HDIUpper float64 `json:"hdi_upper"`
	Curve    Curve   `json:"curve"`
}

// Summarize computes mean, median, the narrowest 94% interval and an
// Epanechnikov density curve for samples. The input is not modified.
func Summarize(samples []float64) (Summary, error) {
	if len(samples) == 0 {
		return Summary{}, ErrEmptySampleSet
	}

	sorted := slices.Clone(samples)
	slices.Sort(sorted)

	mean, sd := stat.MeanStdDev(sorted, nil)
	if len(sorted) < 2 || math.IsNaN(sd) {
		sd = 0
	}

	lo, hi := HDI(sorted, HDIMass)
	// scale-relative floor keeps degenerate sample sets usable
	bw := silvermanBandwidth(sd, len(sorted), 1e-9*math.Max(1, math.Abs(mean)))

	return Summary{
		Mean:     mean,
		Median:   median(sorted),
		HDILower: lo,
		HDIUpper: hi,
		Curve:    KDE(sorted, bw, CurvePoints),
	}, nil
}

// HDI returns the narrowest interval holding ceil(mass*n) of the sorted samples.
// sorted must be in ascending order and non-empty.
func HDI(sorted []float64, mass float64) (float64, float64) {
	n := len(sorted)
	// the epsilon keeps float noise in mass*n from widening the window by one
	width := int(math.Ceil(mass*float64(n) - 1e-9))
	if width < 1 {
		width = 1
	}
	if width > n {
		width = n
	}

	best := 0
	bestSpan := sorted[width-1] - sorted[0]
	for i := 1; i+width-1 < n; i++ {
		if span := sorted[i+width-1] - sorted[i]; span < bestSpan {
			best, bestSpan = i, span
		}
	}
	return sorted[best], sorted[best+width-1]
}

// silvermanBandwidth returns 1.06*sd*n^(-1/5), or floor when that is smaller.
func silvermanBandwidth(sd float64, n int, floor float64) float64 {
	bw := 1.06 * sd * math.Pow(float64(n), -0.2)
	if math.IsNaN(bw) || bw < floor {
		return floor
	}
	return bw
}

// KDE evaluates an Epanechnikov kernel density estimate of sorted samples on
// `points` evenly spaced grid values spanning [min, max]. When all samples are
// equal the grid is widened by one bandwidth on each side.
func KDE(sorted []float64, bw float64, points int) Curve {
	lo, hi := sorted[0], sorted[len(sorted)-1]
	if hi <= lo {
		lo, hi = lo-bw, hi+bw
	}

	n := float64(len(sorted))
	step := (hi - lo) / float64(points-1)
	c := Curve{X: make([]float64, points), Y: make([]float64, points)}
	for i := 0; i < points; i++ {
		x := lo + float64(i)*step
		if i == points-1 {
			x = hi
		}

		// only samples within one bandwidth of x contribute
		first := sort.SearchFloat64s(sorted, x-bw)
		var sum float64
		for _, s := range sorted[first:] {
			if s > x+bw {
				break
			}
			sum += epanechnikov((x - s) / bw)
		}
		c.X[i] = x
		c.Y[i] = sum / (n * bw)
	}
	return c
}

func epanechnikov(u float64) float64 {
	if u < -1 || u > 1 {
		return 0
	}
	return 0.75 * (1 - u*u)
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
