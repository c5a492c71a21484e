// Package stay finalizes attempts by re-checking the student's position some
// minutes after the scan.
package stay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/atomic"

	"campusattend/internal/attendance"
	"campusattend/internal/audit"
	"campusattend/internal/geo"
	"campusattend/internal/lecture"
	"campusattend/internal/metrics"
	"campusattend/internal/queue"
)

// ErrNotPending is returned by Override when the attempt is already final.
var ErrNotPending = errors.New("stay: attempt is not pending")

const taskType = "stay.verify"

// Lectures resolves the anchors an attempt is re-checked against.
type Lectures interface {
	Get(ctx context.Context, id string) (*lecture.Lecture, error)
}

// Config tunes the scheduler.
type Config struct {
	Delay        time.Duration
	PollInterval time.Duration
	// LocateBudget bounds location re-acquisition.
	LocateBudget time.Duration
	// RetryAfter reschedules a task that hit a transient error.
	RetryAfter  time.Duration
	MaxAccuracy float64
}

type task struct {
	AttemptID string `json:"attemptId"`
	LectureID string `json:"lectureId"`
	StudentID string `json:"studentId"`
}

// Scheduler owns the PENDING → terminal transition of attempts.
type Scheduler struct {
	cfg       Config
	queue     queue.Delayed
	writer    *attendance.Writer
	lectures  Lectures
	locator   Locator
	validator geo.Validator
	trail     audit.Trail
	log       *slog.Logger
	metrics   *metrics.Metrics

	running *atomic.Bool
	now     func() time.Time
}

// New creates a scheduler. Zero config values take defaults.
func New(cfg Config, q queue.Delayed, w *attendance.Writer, lectures Lectures, locator Locator,
	trail audit.Trail, log *slog.Logger, m *metrics.Metrics) *Scheduler {
	if cfg.Delay <= 0 {
		cfg.Delay = 10 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.LocateBudget <= 0 {
		cfg.LocateBudget = 10 * time.Second
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = time.Minute
	}
	return &Scheduler{
		cfg:       cfg,
		queue:     q,
		writer:    w,
		lectures:  lectures,
		locator:   locator,
		validator: geo.NewValidator(cfg.MaxAccuracy),
		trail:     trail,
		log:       log,
		metrics:   m,
		running:   atomic.NewBool(false),
		now:       time.Now,
	}
}

// Schedule queues the stay check of a freshly written attempt.
func (s *Scheduler) Schedule(ctx context.Context, a attendance.Attempt) error {
	due := s.now().Add(s.cfg.Delay)
	if err := s.enqueue(ctx, task{AttemptID: a.ID, LectureID: a.LectureID, StudentID: a.StudentID}, due); err != nil {
		return err
	}
	s.log.Debug("stay check scheduled",
		slog.String("attempt_id", a.ID), slog.Time("due", due))
	return nil
}

func (s *Scheduler) enqueue(ctx context.Context, t task, due time.Time) error {
	body, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := s.queue.Schedule(ctx, t.AttemptID, queue.Message{Type: taskType, Body: body}, due); err != nil {
		return fmt.Errorf("schedule stay check: %w", err)
	}
	return nil
}

// Fire runs the stay check for the pair. It is a no-op once the attempt is
// final, so duplicate deliveries are harmless. The returned status is the
// attempt's status after the call.
func (s *Scheduler) Fire(ctx context.Context, lectureID, studentID string) (attendance.Status, error) {
	a, err := s.writer.Get(ctx, lectureID, studentID)
	if err != nil {
		return "", err
	}
	if a.Status != attendance.Pending {
		return a.Status, nil
	}

	lctx, cancel := context.WithTimeout(ctx, s.cfg.LocateBudget)
	sample, err := s.locator.Locate(lctx, lectureID, studentID, a.ScannedAt)
	cancel()
	if err != nil {
		return s.finalize(ctx, a, attendance.FailedVerification, nil, 0, err.Error())
	}

	l, err := s.lectures.Get(ctx, lectureID)
	if err != nil {
		return "", fmt.Errorf("lecture lookup: %w", err)
	}
	if l == nil {
		return s.finalize(ctx, a, attendance.FailedVerification, &sample, 0, "lecture not found")
	}

	res := s.validator.Validate(sample, l.Anchors())
	if res.Valid {
		return s.finalize(ctx, a, attendance.Confirmed, &sample, res.Distance, "")
	}
	return s.finalize(ctx, a, attendance.Invalidated, &sample, res.Distance, res.Reason)
}

func (s *Scheduler) finalize(ctx context.Context, a *attendance.Attempt, to attendance.Status,
	sample *geo.Sample, distance float64, reason string) (attendance.Status, error) {
	at := s.now().UTC()
	stored, changed, err := s.writer.Finalize(ctx, a.LectureID, a.StudentID, func(cur *attendance.Attempt) {
		cur.Status = to
		cur.Verification = &attendance.Verification{Sample: sample, At: at, Distance: distance, Error: reason}
	})
	if err != nil {
		return "", err
	}
	if !changed {
		return stored.Status, nil
	}

	s.metrics.Stay(string(to))
	s.log.Info("stay verification finished",
		slog.String("lecture_id", a.LectureID), slog.String("student_id", a.StudentID),
		slog.String("status", string(to)), slog.Float64("distance", distance))

	switch to {
	case attendance.Invalidated:
		s.trail.Record(ctx, audit.Event{
			Kind: audit.KindStayInvalidated, LectureID: a.LectureID, StudentID: a.StudentID,
			Details: map[string]any{"attemptId": a.ID, "distance": distance, "reason": reason},
		})
	case attendance.FailedVerification:
		s.trail.Record(ctx, audit.Event{
			Kind: audit.KindStayFailed, LectureID: a.LectureID, StudentID: a.StudentID,
			Details: map[string]any{"attemptId": a.ID, "error": reason},
		})
	}
	return stored.Status, nil
}

// Override confirms a pending attempt on an instructor's or admin's word.
func (s *Scheduler) Override(ctx context.Context, lectureID, studentID, by, reason string) (*attendance.Attempt, error) {
	if by == "" || reason == "" {
		return nil, errors.New("override needs an actor and a reason")
	}
	at := s.now().UTC()
	stored, changed, err := s.writer.Finalize(ctx, lectureID, studentID, func(cur *attendance.Attempt) {
		cur.Status = attendance.Confirmed
		cur.Override = &attendance.Override{By: by, Reason: reason, At: at}
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return stored, ErrNotPending
	}
	if err := s.queue.Cancel(ctx, stored.ID); err != nil {
		s.log.Warn("cancel stay check failed", slog.String("attempt_id", stored.ID), slog.Any("error", err))
	}
	s.metrics.Stay("OVERRIDE")
	s.trail.Record(ctx, audit.Event{
		Kind: audit.KindManualOverride, LectureID: lectureID, StudentID: studentID, AccountID: by,
		Details: map[string]any{"attemptId": stored.ID, "reason": reason},
	})
	return stored, nil
}

// Running reports whether Run is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Run fires due checks every PollInterval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Poll(ctx)
		}
	}
}

// Poll fires every task that is due now and returns how many it processed.
// A task is acknowledged only after Fire returns, so a crash mid-check leaves
// it claimed and the queue hands it out again once the lease expires.
func (s *Scheduler) Poll(ctx context.Context) int {
	tasks, err := s.queue.Due(ctx, s.now(), 100)
	if err != nil {
		s.log.Warn("poll stay checks failed", slog.Any("error", err))
	}
	for _, qt := range tasks {
		var t task
		if err := json.Unmarshal(qt.Body, &t); err != nil || qt.Type != taskType {
			s.log.Error("dropping malformed stay task", slog.String("id", qt.ID), slog.Any("error", err))
			s.ack(ctx, qt.ID)
			continue
		}
		status, err := s.Fire(ctx, t.LectureID, t.StudentID)
		switch {
		case errors.Is(err, attendance.ErrNotFound):
			s.log.Warn("stay task for missing attempt", slog.String("attempt_id", t.AttemptID))
			s.ack(ctx, qt.ID)
		case err != nil:
			s.log.Warn("stay check failed, retrying later",
				slog.String("attempt_id", t.AttemptID), slog.Any("error", err))
			if err := s.queue.Release(ctx, qt.ID, s.now().Add(s.cfg.RetryAfter)); err != nil {
				s.log.Error("reschedule stay check failed", slog.String("attempt_id", t.AttemptID), slog.Any("error", err))
			}
		default:
			s.log.Debug("stay task fired", slog.String("attempt_id", t.AttemptID), slog.String("status", string(status)))
			s.ack(ctx, qt.ID)
		}
	}
	return len(tasks)
}

func (s *Scheduler) ack(ctx context.Context, id string) {
	if err := s.queue.Ack(ctx, id); err != nil {
		s.log.Warn("ack stay task failed", slog.String("id", id), slog.Any("error", err))
	}
}
