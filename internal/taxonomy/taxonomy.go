// Package taxonomy types the recoverable-fault taxonomy spec.md 7
// describes (ParseError, DataGap, NumericFailure, OutlierRejected,
// AmbiguityValidationFail), so a caller can errors.As into the event
// instead of matching formatted text, per SPEC_FULL.md's AMBIENT STACK
// Error handling entry. internal/rinex.ParseError predates this package
// and stays where it's produced; these four cover the events that
// originate in internal/rtk.
package taxonomy

import "fmt"

// DataGapError marks an epoch that could not be processed for lack of
// observations: fewer than four common rover/base satellites, no
// rover/base overlap, or missing ephemeris for a satellite. Filter state
// is left untouched and the epoch is skipped (spec.md 7, DataGap).
type DataGapError struct {
	Reason string
}

func (e *DataGapError) Error() string { return fmt.Sprintf("data gap: %s", e.Reason) }

func NewDataGapError(format string, args ...any) *DataGapError {
	return &DataGapError{Reason: fmt.Sprintf(format, args...)}
}

// NumericFailureError marks a Kalman update matrix-inversion failure, a
// LAMBDA factorisation failure, or a singular double-difference
// transformation. The caller rolls the filter state back to its
// pre-update snapshot and emits the best available solution (spec.md 7,
// NumericFailure).
type NumericFailureError struct {
	Reason string
	Err    error
}

func (e *NumericFailureError) Error() string {
	return fmt.Sprintf("numeric failure: %s: %v", e.Reason, e.Err)
}

func (e *NumericFailureError) Unwrap() error { return e.Err }

func NewNumericFailureError(reason string, err error) *NumericFailureError {
	return &NumericFailureError{Reason: reason, Err: err}
}

// OutlierRejectedError marks one satellite/frequency/observation-type's
// pre-fit residual exceeding the rejection gate (spec.md 7,
// OutlierRejected; 4.G's reject counter). It is logged, not returned to
// the epoch caller — a single rejected row does not abort the epoch.
type OutlierRejectedError struct {
	Sat, Freq int
	IsPhase   bool
	Residual  float64
}

func (e *OutlierRejectedError) Error() string {
	kind := "code"
	if e.IsPhase {
		kind = "phase"
	}
	return fmt.Sprintf("outlier rejected: sat=%d freq=%d type=%s resid=%.3f", e.Sat, e.Freq, kind, e.Residual)
}

// AmbiguityValidationError marks a ratio-test failure: ambiguity
// resolution did not validate, so the epoch's solution is emitted as
// float with no filter-state change (spec.md 7, AmbiguityValidationFail).
type AmbiguityValidationError struct {
	Ratio, Threshold float64
}

func (e *AmbiguityValidationError) Error() string {
	return fmt.Sprintf("ambiguity validation failed: ratio=%.3f threshold=%.3f", e.Ratio, e.Threshold)
}
