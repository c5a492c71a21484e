// Package scoring folds the per-attempt signals into a 0-100 trust score.
package scoring

import (
	"math"
	"time"
)

// Level is the coarse bucket of a score.
type Level string

const (
	High    Level = "HIGH"
	Medium  Level = "MEDIUM"
	Low     Level = "LOW"
	VeryLow Level = "VERY_LOW"
)

// Action is the recommended handling of an attempt.
type Action string

const (
	Approve Action = "APPROVE"
	Review  Action = "REVIEW"
	Reject  Action = "REJECT"
)

// Flags.
const (
	FlagDeviceMismatch        = "DEVICE_MISMATCH"
	FlagLocationInvalid       = "LOCATION_INVALID"
	FlagPoorGPSAccuracy       = "POOR_GPS_ACCURACY"
	FlagFarFromClassroom      = "FAR_FROM_CLASSROOM"
	FlagStayNotVerified       = "STAY_NOT_VERIFIED"
	FlagLowLivenessConfidence = "LOW_LIVENESS_CONFIDENCE"
	FlagLivenessFailed        = "LIVENESS_FAILED"
	FlagInvalidQR             = "INVALID_QR"
)

// Weights in percent.
const (
	WeightDevice   = 25
	WeightLocation = 30
	WeightStay     = 25
	WeightLiveness = 15
	WeightTiming   = 5
)

const minLivenessConfidence = 0.6

// Factors are the raw signals gathered for one attempt.
type Factors struct {
	DeviceMatch   bool
	LocationValid bool
	// Accuracy and Distance are in meters.
	Accuracy           float64
	Distance           float64
	StayVerified       bool
	LivenessChecked    bool
	Live               bool
	LivenessConfidence float64
	QRValid            bool
}

// Breakdown holds each factor's weighted contribution.
type Breakdown struct {
	Device   float64 `json:"device"`
	Location float64 `json:"location"`
	Stay     float64 `json:"stay"`
	Liveness float64 `json:"liveness"`
	Timing   float64 `json:"timing"`
}

// Score is the snapshot stored with an attempt. It is never recomputed.
type Score struct {
	Value      int       `json:"score"`
	Level      Level     `json:"level"`
	Breakdown  Breakdown `json:"breakdown"`
	Flags      []string  `json:"flags"`
	Action     Action    `json:"recommendedAction"`
	ComputedAt time.Time `json:"computedAt"`
}

// HasFlag reports whether flag was raised.
func (s Score) HasFlag(flag string) bool {
	for _, f := range s.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

var nowFunc = time.Now

// Compute scores f. The result is non-decreasing in every factor.
func Compute(f Factors) Score {
	b := Breakdown{
		Device:   weigh(deviceScore(f), WeightDevice),
		Location: weigh(locationScore(f), WeightLocation),
		Stay:     weigh(stayScore(f), WeightStay),
		Liveness: weigh(livenessScore(f), WeightLiveness),
		Timing:   weigh(timingScore(f), WeightTiming),
	}
	value := int(math.Round(b.Device + b.Location + b.Stay + b.Liveness + b.Timing))
	flags := flagsFor(f)
	level := LevelFor(value)
	return Score{
		Value:      value,
		Level:      level,
		Breakdown:  b,
		Flags:      flags,
		Action:     actionFor(level, flags),
		ComputedAt: nowFunc().UTC(),
	}
}

func weigh(sub float64, weight int) float64 {
	return sub * float64(weight) / 100
}

func deviceScore(f Factors) float64 {
	if f.DeviceMatch {
		return 100
	}
	return 0
}

func locationScore(f Factors) float64 {
	s := 0.0
	if f.LocationValid {
		s += 50
	}
	switch {
	case f.Accuracy <= 10:
		s += 25
	case f.Accuracy <= 20:
		s += 18
	case f.Accuracy <= 30:
		s += 12
	case f.Accuracy <= 50:
		s += 5
	}
	switch {
	case f.Distance <= 10:
		s += 25
	case f.Distance <= 25:
		s += 18
	case f.Distance <= 50:
		s += 12
	case f.Distance <= 100:
		s += 5
	}
	return s
}

func stayScore(f Factors) float64 {
	if f.StayVerified {
		return 100
	}
	// pending credit
	return 50
}

func livenessScore(f Factors) float64 {
	c := math.Max(0, math.Min(1, f.LivenessConfidence))
	switch {
	case !f.LivenessChecked:
		return 50
	case f.Live:
		return 50 + 50*c
	default:
		return 50 * c
	}
}

func timingScore(f Factors) float64 {
	if f.QRValid {
		return 100
	}
	return 0
}

func flagsFor(f Factors) []string {
	flags := []string{}
	if !f.DeviceMatch {
		flags = append(flags, FlagDeviceMismatch)
	}
	if !f.LocationValid {
		flags = append(flags, FlagLocationInvalid)
	}
	if f.Accuracy > 30 {
		flags = append(flags, FlagPoorGPSAccuracy)
	}
	if f.Distance > 50 {
		flags = append(flags, FlagFarFromClassroom)
	}
	if !f.StayVerified {
		flags = append(flags, FlagStayNotVerified)
	}
	if f.LivenessChecked {
		if f.LivenessConfidence < minLivenessConfidence {
			flags = append(flags, FlagLowLivenessConfidence)
		}
		if !f.Live {
			flags = append(flags, FlagLivenessFailed)
		}
	}
	if !f.QRValid {
		flags = append(flags, FlagInvalidQR)
	}
	return flags
}

// LevelFor maps a numeric score onto its level.
func LevelFor(value int) Level {
	switch {
	case value >= 80:
		return High
	case value >= 60:
		return Medium
	case value >= 40:
		return Low
	default:
		return VeryLow
	}
}

func actionFor(level Level, flags []string) Action {
	for _, f := range flags {
		if f == FlagDeviceMismatch {
			return Reject
		}
	}
	switch level {
	case High:
		return Approve
	case VeryLow:
		return Reject
	default:
		return Review
	}
}
