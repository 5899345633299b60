// Package market defines the MarketDescriptor shape the engine consumes.
// Market discovery and URL parsing are out of scope (spec.md §1); this
// package only fixes the immutable input contract a pipeline runs against.
package market

import "time"

// Descriptor is a stable, immutable input to a pipeline. It is never
// mutated after construction — a repriced or reopened market is a new
// Descriptor value, not an update to an existing one.
type Descriptor struct {
	Slug     string     `json:"slug"`
	Question string     `json:"question"`
	YesOdds  float64    `json:"yes_odds"` // in [0,1]
	Volume   float64    `json:"volume,omitempty"`
	EndDate  *time.Time `json:"end_date,omitempty"`
}

// Validate checks the invariants a Descriptor must satisfy before a
// pipeline can run against it.
func (d Descriptor) Validate() error {
	if d.Slug == "" {
		return errSlugRequired
	}
	if d.Question == "" {
		return errQuestionRequired
	}
	if d.YesOdds < 0 || d.YesOdds > 1 {
		return errYesOddsRange
	}
	return nil
}
