// Package scoring turns overlap measurements into categorical parcel scores
// and maintains the per-parcel running total across reference layers.
//
// Nothing in this package performs I/O; geometry engines and stores feed it
// measurements and persist what it returns.
package scoring

import (
	"math"

	"github.com/rotisserie/eris"
)

// Score is a categorical parcel score: 0, 1 or 2 (0 or 1 in presence mode).
type Score int

// Mode selects how a layer is scored.
type Mode string

const (
	// ModePresence scores 1 for any intersection, 0 otherwise.
	ModePresence Mode = "presence"
	// ModeMagnitude scores the dissolved overlap length or area against thresholds.
	ModeMagnitude Mode = "magnitude"
)

// Thresholds is the low/high pair shared by every layer in a batch.
type Thresholds struct {
	Low  float64 `json:"low" yaml:"low" mapstructure:"low"`
	High float64 `json:"high" yaml:"high" mapstructure:"high"`
}

// Mode returns ModePresence when both thresholds are zero.
func (t Thresholds) Mode() Mode {
	if t.Low == 0 && t.High == 0 {
		return ModePresence
	}
	return ModeMagnitude
}

// Ascending reports whether larger overlaps score higher.
// Thresholds given as low >= high reverse the ranking.
func (t Thresholds) Ascending() bool {
	return t.Low < t.High
}

// Validate rejects thresholds that cannot be compared against a measurement.
func (t Thresholds) Validate() error {
	for name, v := range map[string]float64{"low": t.Low, "high": t.High} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return eris.Errorf("scoring: %s threshold must be a finite number, got %v", name, v)
		}
	}
	return nil
}

// Classify maps a dissolved overlap measurement to a score. A nil measurement
// means the parcel does not overlap the layer at all.
//
// Ascending (low < high):
//   - nil or v <= low: 0
//   - low < v < high:  1
//   - v >= high:       2
//
// Descending (low >= high):
//   - nil or v <= high: 2
//   - high < v < low:   1
//   - otherwise:        0
//
// Unmeasured parcels rank lowest in ascending mode and highest in descending
// mode.
func Classify(v *float64, t Thresholds) Score {
	if t.Ascending() {
		switch {
		case v == nil:
			return 0
		case *v <= t.Low:
			return 0
		case *v > t.Low && *v < t.High:
			return 1
		case *v >= t.High:
			return 2
		default:
			return 0
		}
	}

	switch {
	case v == nil:
		return 2
	case *v > t.High && *v < t.Low:
		return 1
	case *v <= t.High:
		return 2
	default:
		return 0
	}
}

// ClassifyPresence scores an intersects-or-not result.
func ClassifyPresence(hit bool) Score {
	if hit {
		return 1
	}
	return 0
}
