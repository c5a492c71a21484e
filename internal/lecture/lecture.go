// Package lecture reads the lectures and teacher positions that scans are
// checked against. Lectures are created elsewhere; the core only reads them.
package lecture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"campusattend/internal/geo"
	"campusattend/internal/store"
)

// Lecture is a scheduled class session.
type Lecture struct {
	ID        string    `json:"id"`
	CourseID  string    `json:"courseId"`
	TeacherID string    `json:"teacherId"`
	Title     string    `json:"title,omitempty"`
	Active    bool      `json:"active"`
	StartsAt  time.Time `json:"startsAt"`
	EndsAt    time.Time `json:"endsAt"`

	Classroom geo.Anchor   `json:"classroom"`
	Campus    []geo.Anchor `json:"campus,omitempty"`

	RequireTeacherProximity bool    `json:"requireTeacherProximity,omitempty"`
	TeacherRadius           float64 `json:"teacherRadius,omitempty"`
	// TeacherFallback checks the classroom only when no live instructor
	// position is available, instead of rejecting the scan.
	TeacherFallback bool `json:"teacherFallback,omitempty"`
}

// Anchors returns the fixed anchors a scan may match.
func (l Lecture) Anchors() []geo.Anchor {
	out := make([]geo.Anchor, 0, 1+len(l.Campus))
	out = append(out, l.Classroom)
	return append(out, l.Campus...)
}

// Ended reports whether the lecture is over at now.
func (l Lecture) Ended(now time.Time) bool {
	if !l.Active {
		return true
	}
	return !l.EndsAt.IsZero() && now.After(l.EndsAt)
}

func lectureKey(id string) string         { return "lectures/" + id }
func teacherPositionKey(id string) string { return "lectures/" + id + "/teacher-position" }

type cached struct {
	lecture *Lecture
	at      time.Time
}

// Directory reads lectures through a short-lived cache so repeated scans
// during one class do not hit the store every time.
type Directory struct {
	kv  store.KV
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	cache map[string]cached
}

// NewDirectory creates a directory; ttl <= 0 disables caching.
func NewDirectory(kv store.KV, ttl time.Duration) *Directory {
	return &Directory{kv: kv, ttl: ttl, now: time.Now, cache: make(map[string]cached)}
}

// Get returns the lecture or nil when it does not exist. When the store is
// unreachable a previously cached copy is served regardless of age.
func (d *Directory) Get(ctx context.Context, id string) (*Lecture, error) {
	d.mu.Lock()
	c, ok := d.cache[id]
	d.mu.Unlock()
	if ok && d.ttl > 0 && d.now().Sub(c.at) < d.ttl {
		return c.lecture, nil
	}

	raw, err := d.kv.Get(ctx, lectureKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		if ok {
			return c.lecture, nil
		}
		return nil, fmt.Errorf("lecture %s: %w", id, err)
	}
	var l Lecture
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("lecture %s: decode: %w", id, err)
	}
	if d.ttl > 0 {
		d.mu.Lock()
		d.cache[id] = cached{lecture: &l, at: d.now()}
		d.mu.Unlock()
	}
	return &l, nil
}

// Put stores a lecture. Used by operator tooling and tests.
func (d *Directory) Put(ctx context.Context, l Lecture) error {
	body, err := json.Marshal(l)
	if err != nil {
		return err
	}
	if err := d.kv.Set(ctx, lectureKey(l.ID), body); err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.cache, l.ID)
	d.mu.Unlock()
	return nil
}

// PublishTeacherPosition records the instructor's live position as a dynamic
// anchor stamped with server time.
func (d *Directory) PublishTeacherPosition(ctx context.Context, lectureID string, s geo.Sample, radius float64) (geo.Anchor, error) {
	at := d.now().UTC()
	a := geo.Anchor{
		ID:        "teacher:" + lectureID,
		Name:      "instructor",
		Latitude:  s.Latitude,
		Longitude: s.Longitude,
		Radius:    radius,
		Dynamic:   true,
		UpdatedAt: at,
	}
	body, err := json.Marshal(a)
	if err != nil {
		return geo.Anchor{}, err
	}
	return a, d.kv.Set(ctx, teacherPositionKey(lectureID), body)
}

// LiveTeacherPosition returns the instructor anchor if it was published within
// maxAge, nil otherwise.
func (d *Directory) LiveTeacherPosition(ctx context.Context, lectureID string, maxAge time.Duration) (*geo.Anchor, error) {
	a, err := d.TeacherPosition(ctx, lectureID)
	if err != nil || a == nil {
		return nil, err
	}
	if age := d.now().Sub(a.UpdatedAt); age < 0 || age > maxAge {
		return nil, nil
	}
	return a, nil
}

// TeacherPosition returns the published instructor anchor, or nil if none.
func (d *Directory) TeacherPosition(ctx context.Context, lectureID string) (*geo.Anchor, error) {
	raw, err := d.kv.Get(ctx, teacherPositionKey(lectureID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var a geo.Anchor
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	return &a, nil
}
