// Package retrybackoff computes exponential backoff durations shared by the
// research adapter, code generator, and batch scheduler. The shape mirrors
// the teacher's campaign orchestrator retry policy: a base duration doubled
// per attempt and clamped to a ceiling.
package retrybackoff

import "time"

// Policy is an exponential backoff schedule.
type Policy struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

// Duration returns the backoff for the given attempt (1-indexed: the delay
// before retry attempt N).
func (p Policy) Duration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	factor := p.Factor
	if factor <= 1 {
		factor = 2
	}
	max := p.Max
	if max <= 0 {
		max = 30 * time.Second
	}

	d := float64(base)
	for i := 1; i < attempt; i++ {
		d *= factor
		if d >= float64(max) {
			return max
		}
	}
	backoff := time.Duration(d)
	if backoff > max {
		backoff = max
	}
	return backoff
}

// Research is the §4.B policy: base 500ms, factor 2, cap 8s, 3 retries.
var Research = Policy{Base: 500 * time.Millisecond, Factor: 2, Max: 8 * time.Second}

// Scheduler is the §4.G policy: base 2s, factor 2, cap 30s, 3 retries.
var Scheduler = Policy{Base: 2 * time.Second, Factor: 2, Max: 30 * time.Second}
