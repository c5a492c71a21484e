// Package liveness rejects static-photo and replay spoofing with short
// heuristics over camera frames. The result is a soft signal: it feeds the
// confidence score and never rejects an attempt on its own.
package liveness

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"math"
	"time"
)

// Reasons.
const (
	ReasonNotConfirmed = "LIVENESS_NOT_CONFIRMED"
	ReasonNoFace       = "NO_FACE_DETECTED"
	ReasonUnavailable  = "LIVENESS_UNAVAILABLE"
)

// Result of a liveness check.
type Result struct {
	IsLive     bool    `json:"isLive"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
	Blinks     int     `json:"blinks"`
	Motion     bool    `json:"motion"`
	Frames     int     `json:"frames"`
	FailedOpen bool    `json:"failedOpen,omitempty"`
}

// Detector is the contract the pipeline depends on. Implementations may be
// swapped for a trained model without changing the scoring.
type Detector interface {
	Check(ctx context.Context, src FrameSource, budget time.Duration) Result
}

// Heuristic detects blinks in the eye band and frame-to-frame motion.
type Heuristic struct {
	MinConfidence   float64
	MotionThreshold float64
	MinMotionPairs  int
	BlinkDelta      float64
	MaxFrames       int
	// Brightness band for QuickCheck.
	MinBrightness float64
	MaxBrightness float64
	// Strict reports errors as not live instead of failing open.
	Strict bool

	log *slog.Logger
}

// NewHeuristic returns a detector with the default tuning.
func NewHeuristic(log *slog.Logger, strict bool) *Heuristic {
	return &Heuristic{
		MinConfidence:   0.6,
		MotionThreshold: 8,
		MinMotionPairs:  2,
		BlinkDelta:      0.15,
		MaxFrames:       90,
		MinBrightness:   40,
		MaxBrightness:   220,
		Strict:          strict,
		log:             log,
	}
}

// eye band as fractions of the frame
const (
	eyeTop, eyeBottom = 0.30, 0.45
	eyeLeft, eyeRight = 0.25, 0.75
	baselineAlpha     = 0.2
)

// blinkTracker counts open→closed→open transitions of the eye band brightness.
type blinkTracker struct {
	delta    float64
	baseline float64
	primed   bool
	closed   bool
	blinks   int
}

func (b *blinkTracker) observe(v float64) {
	if !b.primed {
		b.baseline, b.primed = v, true
		return
	}
	dev := math.Abs(v-b.baseline) / math.Max(b.baseline, 1)
	switch {
	case !b.closed && dev > b.delta:
		b.closed = true
	case b.closed && dev <= b.delta/2:
		b.closed = false
		b.blinks++
	}
	if !b.closed {
		b.baseline = (1-baselineAlpha)*b.baseline + baselineAlpha*v
	}
}

// Check samples frames until the source ends, MaxFrames is reached or the
// budget runs out, and scores what it saw.
func (h *Heuristic) Check(ctx context.Context, src FrameSource, budget time.Duration) Result {
	if src == nil {
		return h.failOpen(errors.New("no camera stream"))
	}
	if budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	blinks := blinkTracker{delta: h.BlinkDelta}
	var prev []float64
	var first image.Image
	motionPairs, frames := 0, 0

	for frames < h.MaxFrames {
		f, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil && frames > 0 {
				// budget exhausted: score the frames already seen
				break
			}
			return h.failOpen(err)
		}
		if f.Image == nil {
			return h.failOpen(errors.New("empty frame"))
		}
		grid := luminance(f.Image)
		frames++
		if first == nil {
			first = f.Image
		}

		blinks.observe(regionMean(grid, eyeTop, eyeBottom, eyeLeft, eyeRight))
		if prev != nil && meanAbsDiff(prev, grid) > h.MotionThreshold {
			motionPairs++
		}
		prev = grid
	}
	if frames == 0 {
		return h.failOpen(errors.New("no frames captured"))
	}
	if frames == 1 {
		// blinks and motion need a sequence
		return h.QuickCheck(first)
	}

	res := Result{Blinks: blinks.blinks, Motion: motionPairs >= h.MinMotionPairs, Frames: frames}
	res.Confidence = Confidence(res.Blinks, res.Motion)
	res.IsLive = res.Confidence >= h.MinConfidence
	if !res.IsLive {
		res.Reason = ReasonNotConfirmed
	}
	return res
}

// Confidence combines the two heuristics: +0.5 for a blink, +0.3 for motion,
// +0.2 for a second blink, capped at 1.
func Confidence(blinks int, motion bool) float64 {
	c := 0.0
	if blinks >= 1 {
		c += 0.5
	}
	if motion {
		c += 0.3
	}
	if blinks >= 2 {
		c += 0.2
	}
	return math.Min(c, 1.0)
}

// QuickCheck is the single-frame variant for latency-sensitive paths: it only
// checks that average brightness is plausible for a face in front of the camera.
func (h *Heuristic) QuickCheck(img image.Image) Result {
	if img == nil {
		return h.failOpen(errors.New("empty frame"))
	}
	grid := luminance(img)
	avg := regionMean(grid, 0, 1, 0, 1)
	if avg >= h.MinBrightness && avg <= h.MaxBrightness {
		return Result{IsLive: true, Confidence: h.MinConfidence, Frames: 1}
	}
	return Result{Reason: ReasonNoFace, Frames: 1}
}

func (h *Heuristic) failOpen(err error) Result {
	if h.log != nil {
		h.log.Warn("liveness check failed", slog.Bool("strict", h.Strict), slog.Any("error", err))
	}
	if h.Strict {
		return Result{Reason: ReasonUnavailable}
	}
	return Result{IsLive: true, Confidence: 0, Reason: ReasonUnavailable, FailedOpen: true}
}
