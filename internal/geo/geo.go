// Package geo decides whether a location sample lies inside a classroom or
// near an instructor. Everything here is pure.
package geo

import (
	"math"
	"time"
)

const earthRadiusMeters = 6371000

// DefaultMaxAccuracy is the accuracy gate in meters. Samples reporting a worse
// accuracy are rejected whatever their distance.
const DefaultMaxAccuracy = 50.0

// Rejection reasons.
const (
	ReasonPoorAccuracy  = "GPS_POOR_ACCURACY"
	ReasonOutsideRadius = "OUTSIDE_RADIUS"
	ReasonNoAnchors     = "NO_ANCHORS"
	ReasonTooFarTeacher = "TOO_FAR_FROM_TEACHER"
	ReasonNoTeacher     = "TEACHER_POSITION_UNAVAILABLE"
)

// Point is a WGS84 coordinate in degrees.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Sample is one location fix reported by a device.
type Sample struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   float64   `json:"accuracy"`
	CapturedAt time.Time `json:"capturedAt"`
}

// Point drops accuracy and time.
func (s Sample) Point() Point { return Point{Latitude: s.Latitude, Longitude: s.Longitude} }

// Anchor is a fixed classroom center or a published instructor position.
type Anchor struct {
	ID        string  `json:"id"`
	Name      string  `json:"name,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Radius    float64 `json:"radius"`
	// MaxAccuracy tightens the global accuracy gate for this anchor when set.
	MaxAccuracy float64   `json:"maxAccuracy,omitempty"`
	Dynamic     bool      `json:"dynamic,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

// Center returns the anchor position.
func (a Anchor) Center() Point { return Point{Latitude: a.Latitude, Longitude: a.Longitude} }

// Result is the outcome of a proximity check.
type Result struct {
	Valid    bool    `json:"isValid"`
	Distance float64 `json:"distance"`
	Nearest  *Anchor `json:"nearestAnchor,omitempty"`
	Reason   string  `json:"reason,omitempty"`
}

// Distance returns the great-circle distance in meters.
func Distance(a, b Point) float64 {
	φ1 := a.Latitude * math.Pi / 180
	φ2 := b.Latitude * math.Pi / 180
	Δφ := (b.Latitude - a.Latitude) * math.Pi / 180
	Δλ := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(Δφ/2)*math.Sin(Δφ/2) + math.Cos(φ1)*math.Cos(φ2)*math.Sin(Δλ/2)*math.Sin(Δλ/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusMeters * c
}

// Validator applies the accuracy gate and radius checks.
type Validator struct {
	MaxAccuracy float64
}

// NewValidator uses DefaultMaxAccuracy when maxAccuracy is not positive.
func NewValidator(maxAccuracy float64) Validator {
	if maxAccuracy <= 0 {
		maxAccuracy = DefaultMaxAccuracy
	}
	return Validator{MaxAccuracy: maxAccuracy}
}

func (v Validator) gate() float64 {
	if v.MaxAccuracy <= 0 {
		return DefaultMaxAccuracy
	}
	return v.MaxAccuracy
}

// Validate finds the nearest anchor and accepts iff the sample is within its radius.
func (v Validator) Validate(s Sample, anchors []Anchor) Result {
	if s.Accuracy > v.gate() {
		return Result{Reason: ReasonPoorAccuracy}
	}
	if len(anchors) == 0 {
		return Result{Reason: ReasonNoAnchors}
	}

	best := -1
	bestDist := math.Inf(1)
	for i := range anchors {
		d := Distance(s.Point(), anchors[i].Center())
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	nearest := anchors[best]
	res := Result{Distance: bestDist, Nearest: &nearest}
	if nearest.MaxAccuracy > 0 && s.Accuracy > nearest.MaxAccuracy {
		res.Reason = ReasonPoorAccuracy
		return res
	}
	if bestDist <= nearest.Radius {
		res.Valid = true
		return res
	}
	res.Reason = ReasonOutsideRadius
	return res
}

// ValidateNear checks a single dynamic anchor such as the instructor's live position.
func (v Validator) ValidateNear(s Sample, a Anchor) Result {
	res := v.Validate(s, []Anchor{a})
	if res.Reason == ReasonOutsideRadius {
		res.Reason = ReasonTooFarTeacher
	}
	return res
}

// ValidateDual requires the sample to be inside the campus anchors and, when a
// teacher anchor is given, near the teacher as well. The reported distance is
// the campus distance unless the teacher check is what failed.
func (v Validator) ValidateDual(s Sample, campus []Anchor, teacher *Anchor) Result {
	res := v.Validate(s, campus)
	if !res.Valid || teacher == nil {
		return res
	}
	near := v.ValidateNear(s, *teacher)
	if !near.Valid {
		return near
	}
	return res
}

// Validate uses the default accuracy gate.
func Validate(s Sample, anchors []Anchor) Result {
	return NewValidator(DefaultMaxAccuracy).Validate(s, anchors)
}
