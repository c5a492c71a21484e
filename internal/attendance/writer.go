// Package attendance owns the attendance record and the write protocol that
// guarantees one record per student per lecture.
package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"campusattend/internal/audit"
	"campusattend/internal/metrics"
	"campusattend/internal/store"
)

// ErrNotFound is returned when no attempt exists for the pair.
var ErrNotFound = errors.New("attendance: attempt not found")

// WriteResult is the outcome of Write. Existing is set on duplicates.
type WriteResult struct {
	Success     bool
	IsDuplicate bool
	Existing    *Attempt
}

// Writer performs the exactly-once write and the single status transition.
type Writer struct {
	kv      store.KV
	trail   audit.Trail
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewWriter creates a writer over kv.
func NewWriter(kv store.KV, trail audit.Trail, log *slog.Logger, m *metrics.Metrics) *Writer {
	return &Writer{kv: kv, trail: trail, log: log, metrics: m, now: time.Now}
}

// Write stores a unless the slot is taken. A transport error is followed by
// one more read, since the write may have landed anyway; that makes Write
// safe to retry with the same attempt id.
func (w *Writer) Write(ctx context.Context, a Attempt) (WriteResult, error) {
	if a.LectureID == "" || a.StudentID == "" {
		return WriteResult{}, errors.New("lecture and student required")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = Pending
	}
	key := Key(a.LectureID, a.StudentID)

	existing, err := w.Get(ctx, a.LectureID, a.StudentID)
	switch {
	case err == nil:
		if existing.ID == a.ID {
			return WriteResult{Success: true, Existing: existing}, nil
		}
		return w.duplicate(ctx, a, existing, "precheck"), nil
	case !errors.Is(err, ErrNotFound):
		return WriteResult{}, fmt.Errorf("precheck %s: %w", key, err)
	}

	payload, err := json.Marshal(a)
	if err != nil {
		return WriteResult{}, fmt.Errorf("encode attempt: %w", err)
	}
	res, err := w.kv.Transact(ctx, key, func(_ []byte, exists bool) ([]byte, bool) {
		if exists {
			return nil, false
		}
		return payload, true
	})
	if err != nil {
		return w.recheck(ctx, a, err)
	}
	if res.Committed {
		w.log.Debug("attempt written", slog.String("key", key), slog.String("attempt_id", a.ID))
		return WriteResult{Success: true}, nil
	}

	winner, err := w.Get(ctx, a.LectureID, a.StudentID)
	if err != nil {
		if !res.Exists {
			return WriteResult{}, fmt.Errorf("reread %s after abort: %w", key, err)
		}
		winner, err = decode(res.Value)
		if err != nil {
			return WriteResult{}, err
		}
	}
	return w.duplicate(ctx, a, winner, "transaction"), nil
}

func (w *Writer) recheck(ctx context.Context, a Attempt, cause error) (WriteResult, error) {
	w.log.Warn("conditional write failed, rechecking slot",
		slog.String("lecture_id", a.LectureID), slog.String("student_id", a.StudentID), slog.Any("error", cause))
	current, err := w.Get(ctx, a.LectureID, a.StudentID)
	switch {
	case err == nil && current.ID == a.ID:
		return WriteResult{Success: true}, nil
	case err == nil:
		return w.duplicate(ctx, a, current, "recheck"), nil
	case errors.Is(err, ErrNotFound):
		return WriteResult{}, fmt.Errorf("write attempt: %w", cause)
	default:
		return WriteResult{}, fmt.Errorf("write attempt: %w", errors.Join(cause, err))
	}
}

func (w *Writer) duplicate(ctx context.Context, a Attempt, existing *Attempt, stage string) WriteResult {
	w.metrics.Duplicate(stage)
	w.trail.Record(ctx, audit.Event{
		Kind:      audit.KindDuplicateAttempt,
		LectureID: a.LectureID,
		StudentID: a.StudentID,
		Details: map[string]any{
			"stage":           stage,
			"attemptId":       a.ID,
			"existingId":      existing.ID,
			"existingStatus":  existing.Status,
			"existingScanned": existing.ScannedAt,
		},
	})
	return WriteResult{IsDuplicate: true, Existing: existing}
}

// Get reads the attempt for the pair.
func (w *Writer) Get(ctx context.Context, lectureID, studentID string) (*Attempt, error) {
	raw, err := w.kv.Get(ctx, Key(lectureID, studentID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

// Finalize applies mutate to a pending attempt and stores it, atomically with
// respect to every other writer of the slot. mutate must move the attempt to
// a terminal status. It returns the stored attempt and whether this call
// performed the transition; a non-pending attempt is returned unchanged.
func (w *Writer) Finalize(ctx context.Context, lectureID, studentID string, mutate func(*Attempt)) (*Attempt, bool, error) {
	var decodeErr error
	res, err := w.kv.Transact(ctx, Key(lectureID, studentID), func(cur []byte, exists bool) ([]byte, bool) {
		decodeErr = nil
		if !exists {
			return nil, false
		}
		a, err := decode(cur)
		if err != nil {
			decodeErr = err
			return nil, false
		}
		if a.Status != Pending {
			return nil, false
		}
		mutate(a)
		if !a.Status.Terminal() {
			decodeErr = fmt.Errorf("finalize left attempt %s pending", a.ID)
			return nil, false
		}
		at := w.now().UTC()
		a.FinalizedAt = &at
		next, err := json.Marshal(a)
		if err != nil {
			decodeErr = err
			return nil, false
		}
		return next, true
	})
	if err != nil {
		return nil, false, err
	}
	if decodeErr != nil {
		return nil, false, decodeErr
	}
	if !res.Exists {
		return nil, false, ErrNotFound
	}
	a, err := decode(res.Value)
	if err != nil {
		return nil, false, err
	}
	return a, res.Committed, nil
}

func decode(raw []byte) (*Attempt, error) {
	var a Attempt
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode attempt: %w", err)
	}
	return &a, nil
}
