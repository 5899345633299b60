package sandbox

import (
	"math"
	"reflect"

	"marketsim/internal/engineerr"
)

// classifyTrialValue converts the reflect.Value returned by evaluating
// `run_trial(seed)` (or a direct call expression) into (metric, auxiliary).
// A non-finite metric is classified as engineerr.FailureNaN so the
// execution/repair loop routes it back to the generator, per spec.md
// §4.D's "Success but metric NaN/∞ → repair" rule.
func classifyTrialValue(v reflect.Value) (float64, interface{}, error) {
	if !v.IsValid() {
		return 0, nil, &engineerr.ExecutionFailure{Kind: engineerr.FailureRuntime, Detail: "run_trial returned no value"}
	}

	// run_trial returns (metric float64, auxiliary any). Yaegi surfaces a
	// multi-value call result as a slice-typed reflect.Value in some
	// evaluation paths and as a plain float64 when the caller already
	// destructured it; handle both.
	var metric float64
	var aux interface{}

	switch v.Kind() {
	case reflect.Float64, reflect.Float32:
		metric = v.Float()
	case reflect.Int, reflect.Int64, reflect.Int32:
		metric = float64(v.Int())
	case reflect.Slice, reflect.Array:
		if v.Len() == 0 {
			return 0, nil, &engineerr.ExecutionFailure{Kind: engineerr.FailureRuntime, Detail: "run_trial returned empty result"}
		}
		first := v.Index(0)
		m, _, err := classifyTrialValue(first)
		if err != nil {
			return 0, nil, err
		}
		metric = m
		if v.Len() > 1 {
			aux = v.Index(1).Interface()
		}
	case reflect.Interface, reflect.Ptr:
		// Yaegi may also hand back the slice result behind a pointer.
		return classifyTrialValue(v.Elem())
	default:
		return 0, nil, &engineerr.ExecutionFailure{Kind: engineerr.FailureRuntime, Detail: "run_trial returned non-numeric metric: " + v.Kind().String()}
	}

	if math.IsNaN(metric) || math.IsInf(metric, 0) {
		return 0, nil, &engineerr.ExecutionFailure{Kind: engineerr.FailureNaN, Detail: "metric is NaN or infinite"}
	}
	return metric, aux, nil
}
