// Package calibration implements the Calibration Pass (spec.md §4.E): it
// runs a small batch of trials against a working artifact, characterizes
// the raw-metric distribution with running statistics, and either accepts a
// threshold or flags the model as degenerate. The running-statistics idiom
// (accumulate min/max/mean/variance per observation rather than storing the
// whole sample and scanning it twice) is grounded on the teacher's
// internal/autopoiesis/thunderdome.go battle-result aggregation.
package calibration

import (
	"context"
	"math"

	"marketsim/internal/engineerr"
	"marketsim/internal/logging"
	"marketsim/internal/montecarlo"
	"marketsim/internal/sandbox"
)

// Verdict is the calibration outcome.
type Verdict string

const (
	Accepted               Verdict = "accepted"
	RejectedLowVariance    Verdict = "rejected-low-variance"
	RejectedDegenerate     Verdict = "rejected-degenerate"
)

// Calibration is the recorded outcome of a calibration pass.
type Calibration struct {
	K              int     `json:"k"`
	Min            float64 `json:"min"`
	Max            float64 `json:"max"`
	Mean           float64 `json:"mean"`
	Stdev          float64 `json:"stdev"`
	Threshold      float64 `json:"threshold"`
	UserThreshold  bool    `json:"user_threshold"`
	Verdict        Verdict `json:"verdict"`
	InRangeZeroOne bool    `json:"in_range_zero_one"`
	// ThresholdOutOfRange is set when a caller-supplied threshold fell
	// outside the observed [min, max] band; the threshold is still used
	// as-is (spec.md §9 Open Question resolution), this only records the
	// warning for the Result Assembler to surface.
	ThresholdOutOfRange bool `json:"threshold_out_of_range,omitempty"`
}

// MinK is the smallest calibration batch size the engine will accept.
const MinK = 5

// DefaultK is the default calibration batch size (spec.md §4.E).
const DefaultK = 50

// welford accumulates mean/variance online (Welford's algorithm), avoiding
// a second pass over stored samples.
type welford struct {
	n      int
	mean   float64
	m2     float64
	min    float64
	max    float64
	inited bool
}

func (w *welford) add(x float64) {
	w.n++
	if !w.inited {
		w.min, w.max = x, x
		w.inited = true
	} else {
		if x < w.min {
			w.min = x
		}
		if x > w.max {
			w.max = x
		}
	}
	delta := x - w.mean
	w.mean += delta / float64(w.n)
	delta2 := x - w.mean
	w.m2 += delta * delta2
}

func (w *welford) stdev() float64 {
	if w.n < 2 {
		return 0
	}
	return math.Sqrt(w.m2 / float64(w.n-1))
}

// Calibrate runs k trials (seeds 0..k-1) through artifact and derives a
// threshold and verdict. userThreshold, if non-nil, overrides the default
// mean-based threshold but calibration statistics are still recorded in
// full.
func Calibrate(ctx context.Context, sbx *sandbox.Sandbox, code string, k int, userThreshold *float64) (*Calibration, error) {
	log := logging.Get(logging.CategoryCalibration)
	if k < MinK {
		return nil, &engineerr.CalibrationRejection{Verdict: "too_small"}
	}

	var stats welford
	inRangeZeroOne := true

	for seed := 0; seed < k; seed++ {
		outcome, err := montecarlo.RunTrial(ctx, sbx, code, seed)
		if err != nil {
			log.Warn("calibration seed %d failed: %v", seed, err)
			return nil, err
		}
		stats.add(outcome.Metric)
		if outcome.Metric < 0 || outcome.Metric > 1 {
			inRangeZeroOne = false
		}
	}

	threshold := stats.mean
	usedUserThreshold := false
	outOfRange := false
	if userThreshold != nil {
		threshold = *userThreshold
		usedUserThreshold = true
		if threshold < stats.min || threshold > stats.max {
			outOfRange = true
			log.Warn("user threshold %.6f falls outside observed range [%.6f, %.6f]; using it as-is", threshold, stats.min, stats.max)
		}
	}

	epsVariance := 1e-3
	if base := math.Max(math.Abs(stats.mean), 1); base != 1 {
		epsVariance = 1e-3 * base
	}

	verdict := Accepted
	switch {
	case stats.max-stats.min == 0:
		verdict = RejectedDegenerate
	case stats.stdev() < epsVariance:
		verdict = RejectedLowVariance
	}

	log.Info("calibration k=%d mean=%.6f stdev=%.6f verdict=%s", k, stats.mean, stats.stdev(), verdict)

	return &Calibration{
		K:                   k,
		Min:                 stats.min,
		Max:                 stats.max,
		Mean:                stats.mean,
		Stdev:               stats.stdev(),
		Threshold:           threshold,
		UserThreshold:       usedUserThreshold,
		Verdict:             verdict,
		InRangeZeroOne:      inRangeZeroOne,
		ThresholdOutOfRange: outOfRange,
	}, nil
}
