package bayes

// Compare returns the fraction of paired draws where a[i] > b[i], over the
// common prefix of a and b.
//
// The result is only meaningful when a and b were drawn independently with the
// same sample size and window; that is not checked here.
func Compare(a, b []float64) (float64, error) {
	n := min(len(a), len(b))
	if n == 0 {
		return 0, ErrMismatchedSampleLength
	}

	wins := 0
	for i := 0; i < n; i++ {
		if a[i] > b[i] {
			wins++
		}
	}
	return float64(wins) / float64(n), nil
}
