package attendance

import (
	"time"

	"campusattend/internal/geo"
	"campusattend/internal/liveness"
	"campusattend/internal/scoring"
)

// Status is the lifecycle state of an attempt. Everything except Pending is terminal.
type Status string

const (
	Pending            Status = "PENDING"
	Confirmed          Status = "CONFIRMED"
	Invalidated        Status = "INVALIDATED"
	FailedVerification Status = "FAILED_VERIFICATION"
)

// Terminal reports whether s can no longer change.
func (s Status) Terminal() bool {
	return s != Pending
}

// CountsAsPresent is the only rule aggregation may use: pending attempts are
// not yet countable.
func CountsAsPresent(s Status) bool {
	return s == Confirmed
}

// Origin tells whether the attempt was written directly or replayed from the
// offline spool.
type Origin string

const (
	Online  Origin = "online"
	Offline Origin = "offline"
)

// Verification is the outcome of the deferred stay check.
type Verification struct {
	Sample   *geo.Sample `json:"sample,omitempty"`
	At       time.Time   `json:"at"`
	Distance float64     `json:"distance,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// Override records a manual confirmation.
type Override struct {
	By     string    `json:"by"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Attempt is the attendance record of one student for one lecture.
type Attempt struct {
	ID                string          `json:"id"`
	LectureID         string          `json:"lectureId"`
	StudentID         string          `json:"studentId"`
	SessionID         string          `json:"sessionId,omitempty"`
	ScannedAt         time.Time       `json:"scannedAt"`
	Status            Status          `json:"status"`
	Location          geo.Sample      `json:"location"`
	DeviceFingerprint string          `json:"deviceFingerprint"`
	Liveness          liveness.Result `json:"liveness"`
	Confidence        scoring.Score   `json:"confidence"`
	Origin            Origin          `json:"origin"`
	Verification      *Verification   `json:"verification,omitempty"`
	Override          *Override       `json:"override,omitempty"`
	FinalizedAt       *time.Time      `json:"finalizedAt,omitempty"`
}

// Key is the store slot of the (lecture, student) pair.
func Key(lectureID, studentID string) string {
	return "attendance/" + lectureID + "/" + studentID
}
