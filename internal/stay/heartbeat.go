package stay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"campusattend/internal/geo"
	"campusattend/internal/store"
)

// ErrNoFreshSample is returned when no usable location was reported after the scan.
var ErrNoFreshSample = errors.New("stay: no fresh location sample")

// Locator re-acquires a student's position for the deferred check. since is
// the scan time: samples older than that prove nothing about staying.
type Locator interface {
	Locate(ctx context.Context, lectureID, studentID string, since time.Time) (geo.Sample, error)
}

// clockSkew is how far ahead of the server a stored sample may be stamped.
const clockSkew = 5 * time.Second

// heartbeat is the stored form. Sample.CapturedAt is the server receive
// time; the device's own timestamp is kept only for diagnosis.
type heartbeat struct {
	geo.Sample
	ReportedAt time.Time `json:"reportedAt,omitempty"`
}

// HeartbeatLocator serves the latest location heartbeat the client posted.
type HeartbeatLocator struct {
	kv     store.KV
	maxAge time.Duration
	now    func() time.Time
}

// NewHeartbeatLocator keeps samples usable for maxAge.
func NewHeartbeatLocator(kv store.KV, maxAge time.Duration) *HeartbeatLocator {
	if maxAge <= 0 {
		maxAge = 2 * time.Minute
	}
	return &HeartbeatLocator{kv: kv, maxAge: maxAge, now: time.Now}
}

func heartbeatKey(lectureID, studentID string) string {
	return "heartbeats/" + lectureID + "/" + studentID
}

// Record stores s as the student's latest position. The sample is stamped
// with server time; client clocks are not trusted for freshness.
func (h *HeartbeatLocator) Record(ctx context.Context, lectureID, studentID string, s geo.Sample) (geo.Sample, error) {
	hb := heartbeat{Sample: s, ReportedAt: s.CapturedAt}
	hb.CapturedAt = h.now().UTC()
	body, err := json.Marshal(hb)
	if err != nil {
		return hb.Sample, err
	}
	return hb.Sample, h.kv.Set(ctx, heartbeatKey(lectureID, studentID), body)
}

func (h *HeartbeatLocator) Locate(ctx context.Context, lectureID, studentID string, since time.Time) (geo.Sample, error) {
	raw, err := h.kv.Get(ctx, heartbeatKey(lectureID, studentID))
	if errors.Is(err, store.ErrNotFound) {
		return geo.Sample{}, ErrNoFreshSample
	}
	if err != nil {
		return geo.Sample{}, fmt.Errorf("read heartbeat: %w", err)
	}
	var hb heartbeat
	if err := json.Unmarshal(raw, &hb); err != nil {
		return geo.Sample{}, fmt.Errorf("decode heartbeat: %w", err)
	}
	now := h.now()
	at := hb.CapturedAt
	if at.Before(since) || at.After(now.Add(clockSkew)) || now.Sub(at) > h.maxAge {
		return geo.Sample{}, ErrNoFreshSample
	}
	return hb.Sample, nil
}
