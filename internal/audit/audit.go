// Package audit records security-relevant decisions for operators.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"campusattend/internal/store"
)

// Event kinds.
const (
	KindDuplicateAttempt = "duplicate_attempt"
	KindDeviceMismatch   = "device_mismatch"
	KindStayInvalidated  = "stay_invalidated"
	KindStayFailed       = "stay_verification_failed"
	KindManualOverride   = "manual_override"
	KindDeadLetter       = "offline_dead_letter"
	KindPipelineError    = "pipeline_error"
)

// Event is one audit record.
type Event struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	LectureID string         `json:"lectureId,omitempty"`
	StudentID string         `json:"studentId,omitempty"`
	AccountID string         `json:"accountId,omitempty"`
	At        time.Time      `json:"at"`
	Details   map[string]any `json:"details,omitempty"`
}

// Trail accepts audit events. Recording never fails the caller.
type Trail interface {
	Record(ctx context.Context, evt Event)
}

// StoreTrail writes each event under audit/<kind>/<id> and mirrors it to the log.
type StoreTrail struct {
	kv  store.KV
	log *slog.Logger
	now func() time.Time
}

// NewStoreTrail creates a trail backed by kv.
func NewStoreTrail(kv store.KV, log *slog.Logger) *StoreTrail {
	return &StoreTrail{kv: kv, log: log, now: time.Now}
}

func (t *StoreTrail) Record(ctx context.Context, evt Event) {
	evt = fill(evt, t.now)
	t.log.Info("audit",
		slog.String("kind", evt.Kind),
		slog.String("lecture_id", evt.LectureID),
		slog.String("student_id", evt.StudentID),
		slog.Any("details", evt.Details))

	body, err := json.Marshal(evt)
	if err != nil {
		t.log.Error("audit marshal failed", slog.String("kind", evt.Kind), slog.Any("error", err))
		return
	}
	if err := t.kv.Set(ctx, "audit/"+evt.Kind+"/"+evt.ID, body); err != nil {
		t.log.Warn("audit write failed", slog.String("kind", evt.Kind), slog.String("id", evt.ID), slog.Any("error", err))
	}
}

// Recorder keeps events in memory. Used by tests and the dev server.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Record(ctx context.Context, evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fill(evt, time.Now))
}

// Events returns a copy of the recorded events, optionally filtered by kind.
func (r *Recorder) Events(kind string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if kind == "" || e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func fill(evt Event, now func() time.Time) Event {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.At.IsZero() {
		evt.At = now().UTC()
	}
	return evt
}
