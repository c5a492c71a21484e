// Package security runs the attendance pipeline: one scan in, one decision out.
package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"campusattend/internal/attendance"
	"campusattend/internal/audit"
	"campusattend/internal/connectivity"
	"campusattend/internal/device"
	"campusattend/internal/geo"
	"campusattend/internal/lecture"
	"campusattend/internal/liveness"
	"campusattend/internal/metrics"
	"campusattend/internal/offline"
	"campusattend/internal/qr"
	"campusattend/internal/scanlock"
	"campusattend/internal/scoring"
	"campusattend/internal/stay"
	"campusattend/internal/store"
)

// Response codes that are not already reasons of a lower layer.
const (
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeScanInProgress = "SCAN_IN_PROGRESS"
	CodeDuplicate      = "DUPLICATE_SCAN"
	CodeLowConfidence  = "LOW_CONFIDENCE"
	CodeInternal       = "INTERNAL_ERROR"
)

// GenericFailure is the only message an unexpected error produces.
const GenericFailure = "Unable to mark attendance right now. Please try again."

var messages = map[string]string{
	CodeUnauthorized:         "You can only mark attendance for your own account.",
	CodeScanInProgress:       "A scan is already being processed. Please wait.",
	CodeDuplicate:            "Attendance already marked for this lecture.",
	CodeLowConfidence:        "Attendance could not be verified. Please contact your instructor.",
	qr.ReasonExpired:         "This QR code has expired. Ask your instructor to refresh it.",
	qr.ReasonInvalidFormat:   "This QR code is not a valid attendance code.",
	qr.ReasonLectureNotFound: "This lecture could not be found.",
	qr.ReasonLectureEnded:    "This lecture has ended.",
	device.ReasonMismatch:    "This account is registered to a different device.",
	device.ReasonUnavailable: "Device verification is unavailable. Please try again.",
	geo.ReasonPoorAccuracy:   "Location accuracy is too low. Move closer to a window and try again.",
	geo.ReasonOutsideRadius:  "You are not inside the classroom.",
	geo.ReasonNoAnchors:      "This lecture has no classroom location configured.",
	geo.ReasonTooFarTeacher:  "You must be near your instructor to mark attendance.",
	geo.ReasonNoTeacher:      "Your instructor's location is not available yet. Please try again shortly.",
}

// Request is one scan submitted by the scanning client.
type Request struct {
	// CallerID is the authenticated subject; it must equal StudentID.
	CallerID  string
	StudentID string
	QRToken   string
	Location  geo.Sample
	Device    device.Descriptor
	// Frames is optional; without it liveness is scored as unchecked.
	Frames liveness.FrameSource
}

// Response is what the client is told.
type Response struct {
	Success              bool                `json:"success"`
	Message              string              `json:"message"`
	Code                 string              `json:"code,omitempty"`
	RequiresManualReview bool                `json:"requiresManualReview,omitempty"`
	Confidence           *scoring.Score      `json:"confidenceScore,omitempty"`
	OfflineMode          bool                `json:"offlineMode,omitempty"`
	QueueID              string              `json:"queueId,omitempty"`
	Attempt              *attendance.Attempt `json:"attempt,omitempty"`
}

// Deps are the collaborators of the pipeline.
type Deps struct {
	Locks    *scanlock.Locks
	QR       *qr.Checker
	Devices  *device.Service
	Lectures *lecture.Directory
	Liveness liveness.Detector
	Writer   *attendance.Writer
	Stay     *stay.Scheduler
	Offline  *offline.Manager
	Conn     *connectivity.Monitor
	Trail    audit.Trail
	Log      *slog.Logger
	Metrics  *metrics.Metrics
}

// Options are the policy knobs.
type Options struct {
	LockTTL        time.Duration
	LockSweep      time.Duration
	LivenessBudget time.Duration
	MaxAccuracy    float64
	TeacherRadius  float64
	// TeacherMaxAge is how old a published instructor position may be.
	TeacherMaxAge time.Duration
	RejectVeryLow bool
	// RunStayLoop polls due stay checks in this process. Disable when a
	// separate worker does it.
	RunStayLoop bool
}

// Middleware sequences the checks and owns the background loops.
type Middleware struct {
	Deps
	opts      Options
	validator geo.Validator
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the middleware. Call Initialize before serving.
func New(deps Deps, opts Options) *Middleware {
	if opts.LockTTL <= 0 {
		opts.LockTTL = scanlock.DefaultTTL
	}
	if opts.LivenessBudget <= 0 {
		opts.LivenessBudget = 3 * time.Second
	}
	if opts.TeacherRadius <= 0 {
		opts.TeacherRadius = 30
	}
	if opts.TeacherMaxAge <= 0 {
		opts.TeacherMaxAge = 5 * time.Minute
	}
	return &Middleware{Deps: deps, opts: opts, validator: geo.NewValidator(opts.MaxAccuracy), now: time.Now}
}

// Initialize starts the lock sweeper, connectivity probe, offline drain loop
// and, if enabled, the stay poller.
func (m *Middleware) Initialize(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)

	m.spawn(func() { m.Locks.Run(ctx, m.opts.LockSweep) })
	m.spawn(func() { m.Conn.Run(ctx) })
	m.spawn(func() { m.Offline.Run(ctx) })
	if m.opts.RunStayLoop {
		m.spawn(func() { m.Stay.Run(ctx) })
	}
	m.Log.Info("attendance pipeline started", slog.Bool("stay_loop", m.opts.RunStayLoop))
}

func (m *Middleware) spawn(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

// Cleanup stops the background loops, makes a final offline drain and clears
// the lock table.
func (m *Middleware) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	m.Locks.Reset()
	return m.Offline.Close(ctx)
}

// ValidateAndMark runs one scan through the pipeline. It never returns raw
// internal errors to the caller.
func (m *Middleware) ValidateAndMark(ctx context.Context, req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = m.internal(ctx, req, fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
		}
		outcome := resp.Code
		switch {
		case resp.Success && resp.OfflineMode:
			outcome = "queued"
		case resp.Success:
			outcome = "accepted"
		}
		m.Metrics.Attempt(outcome)
	}()

	if req.CallerID == "" || req.CallerID != req.StudentID {
		return reject(CodeUnauthorized)
	}
	tok, err := m.QR.Parse(req.QRToken)
	if err != nil {
		return reject(qr.ReasonInvalidFormat)
	}

	key := scanlock.Key(tok.LectureID, req.StudentID)
	if !m.Locks.Acquire(key, m.opts.LockTTL) {
		return reject(CodeScanInProgress)
	}
	// held for the round trip only; the ttl bounds a request that never returns
	defer m.Locks.Release(key)

	return m.pipeline(ctx, req, tok)
}

func (m *Middleware) pipeline(ctx context.Context, req Request, tok qr.Token) Response {
	log := m.Log.With(slog.String("student_id", req.StudentID), slog.String("lecture_id", tok.LectureID))

	// fast duplicate rejection; the conditional write remains the authority
	existing, err := m.Writer.Get(ctx, tok.LectureID, req.StudentID)
	switch {
	case err == nil:
		m.Metrics.Duplicate("middleware")
		r := reject(CodeDuplicate)
		r.Attempt = existing
		return r
	case errors.Is(err, store.ErrUnavailable):
		m.Conn.ReportFailure(err)
	case !errors.Is(err, attendance.ErrNotFound):
		return m.internal(ctx, req, fmt.Errorf("duplicate check: %w", err))
	}

	qrRes, err := m.QR.Verify(ctx, req.QRToken)
	if err != nil {
		return m.internal(ctx, req, fmt.Errorf("verify qr: %w", err))
	}
	if !qrRes.Valid {
		return reject(qrRes.Reason)
	}
	lec := qrRes.Lecture

	dev := m.Devices.Verify(ctx, req.StudentID, req.Device)
	if !dev.Verified {
		return reject(dev.Reason)
	}

	var teacher *geo.Anchor
	if lec.RequireTeacherProximity {
		teacher, err = m.Lectures.LiveTeacherPosition(ctx, lec.ID, m.opts.TeacherMaxAge)
		if err != nil {
			log.Warn("teacher position lookup failed", slog.Any("error", err))
		}
		if teacher == nil {
			if !lec.TeacherFallback {
				return reject(geo.ReasonNoTeacher)
			}
			log.Info("no live teacher position, checking classroom only")
		} else {
			if lec.TeacherRadius > 0 {
				teacher.Radius = lec.TeacherRadius
			} else if teacher.Radius <= 0 {
				teacher.Radius = m.opts.TeacherRadius
			}
		}
	}
	loc := m.validator.ValidateDual(req.Location, lec.Anchors(), teacher)
	if !loc.Valid {
		return reject(loc.Reason)
	}

	var live liveness.Result
	checked := req.Frames != nil && m.Liveness != nil
	if checked {
		live = m.Liveness.Check(ctx, req.Frames, m.opts.LivenessBudget)
		m.Metrics.Liveness(live.Confidence)
		if !live.IsLive {
			log.Info("liveness not confirmed", slog.Float64("confidence", live.Confidence), slog.Int("frames", live.Frames))
		}
	}

	score := scoring.Compute(scoring.Factors{
		DeviceMatch:        dev.Verified,
		LocationValid:      loc.Valid,
		Accuracy:           req.Location.Accuracy,
		Distance:           loc.Distance,
		LivenessChecked:    checked,
		Live:               live.IsLive,
		LivenessConfidence: live.Confidence,
		QRValid:            qrRes.Token.ValidAt(m.now()),
	})
	m.Metrics.Score(score.Value)
	if m.opts.RejectVeryLow && score.Level == scoring.VeryLow {
		r := reject(CodeLowConfidence)
		r.Confidence = &score
		return r
	}

	a := attendance.Attempt{
		ID:                uuid.NewString(),
		LectureID:         lec.ID,
		StudentID:         req.StudentID,
		SessionID:         qrRes.Token.SessionID,
		ScannedAt:         m.now().UTC(),
		Status:            attendance.Pending,
		Location:          req.Location,
		DeviceFingerprint: dev.Fingerprint,
		Liveness:          live,
		Confidence:        score,
		Origin:            attendance.Online,
	}

	if m.Conn.Online() {
		res, err := m.Writer.Write(ctx, a)
		switch {
		case err == nil && res.IsDuplicate:
			r := reject(CodeDuplicate)
			r.Attempt = res.Existing
			return r
		case err == nil:
			m.afterWrite(ctx, log, a)
			return Response{
				Success:              true,
				Message:              "Attendance marked. Your presence will be re-checked in a few minutes.",
				RequiresManualReview: score.Action == scoring.Review,
				Confidence:           &score,
				Attempt:              &a,
			}
		case errors.Is(err, store.ErrUnavailable):
			log.Warn("store unreachable during write, queueing offline", slog.Any("error", err))
			m.Conn.ReportFailure(err)
		default:
			return m.internal(ctx, req, fmt.Errorf("write attempt: %w", err))
		}
	}

	id, err := m.Offline.Enqueue(ctx, a)
	if err != nil {
		return m.internal(ctx, req, fmt.Errorf("enqueue offline: %w", err))
	}
	a.Origin = attendance.Offline
	return Response{
		Success:              true,
		Message:              "You are offline. Attendance was saved and will sync automatically.",
		RequiresManualReview: score.Action == scoring.Review,
		Confidence:           &score,
		OfflineMode:          true,
		QueueID:              id,
		Attempt:              &a,
	}
}

func (m *Middleware) afterWrite(ctx context.Context, log *slog.Logger, a attendance.Attempt) {
	if err := m.Stay.Schedule(ctx, a); err != nil {
		log.Error("stay check not scheduled", slog.String("attempt_id", a.ID), slog.Any("error", err))
		m.Trail.Record(ctx, audit.Event{
			Kind: audit.KindPipelineError, LectureID: a.LectureID, StudentID: a.StudentID,
			Details: map[string]any{"stage": "schedule_stay", "attemptId": a.ID, "error": err.Error()},
		})
	}
	m.Offline.Kick()
}

func (m *Middleware) internal(ctx context.Context, req Request, err error) Response {
	m.Log.Error("attendance pipeline error", slog.String("student_id", req.StudentID), slog.Any("error", err))
	m.Trail.Record(ctx, audit.Event{
		Kind: audit.KindPipelineError, StudentID: req.StudentID,
		Details: map[string]any{"error": err.Error()},
	})
	return Response{Message: GenericFailure, Code: CodeInternal}
}

func reject(code string) Response {
	msg, ok := messages[code]
	if !ok {
		msg = GenericFailure
	}
	return Response{Message: msg, Code: code}
}
