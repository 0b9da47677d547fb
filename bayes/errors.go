package bayes

import "errors"

var (
	// ErrInvalidPrior is returned when a prior hyperparameter is not a positive finite number
	ErrInvalidPrior = errors.New("prior hyperparameters must be positive")

	// ErrInvalidStatistic is returned for a negative count or non-positive exposure
	ErrInvalidStatistic = errors.New("sufficient statistic requires k >= 0 and T > 0")

	// ErrInvalidSampleSize is returned when a requested sample size is outside [1, cap]
	ErrInvalidSampleSize = errors.New("sample size out of range")

	// ErrEmptySampleSet is returned when summarizing an empty sample set
	ErrEmptySampleSet = errors.New("sample set is empty")

	// ErrMismatchedSampleLength is returned when either side of a comparison is empty
	ErrMismatchedSampleLength = errors.New("comparison requires two non-empty sample sets")
)
