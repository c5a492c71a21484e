// Package qr checks that a scanned lecture code is fresh and refers to a
// lecture that is still running.
package qr

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"campusattend/internal/lecture"
)

// Rejection reasons.
const (
	ReasonExpired         = "QR_EXPIRED"
	ReasonInvalidFormat   = "INVALID_QR_FORMAT"
	ReasonLectureNotFound = "LECTURE_NOT_FOUND"
	ReasonLectureEnded    = "LECTURE_ENDED"
)

var errFormat = errors.New("invalid qr payload")

// Token is the decoded content of a lecture code.
type Token struct {
	LectureID string
	SessionID string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Signed    bool
}

// ValidAt reports whether the code had not expired at t.
func (t Token) ValidAt(at time.Time) bool {
	return !t.ExpiresAt.IsZero() && !at.After(t.ExpiresAt)
}

// payload is the unsigned JSON form shown by the lecture screen. Times are
// epoch milliseconds.
type payload struct {
	LectureID string `json:"lectureId"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Claims is the signed form.
type Claims struct {
	LectureID string `json:"lid"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Parse decodes a code without checking expiry or the lecture. A non-empty key
// enables the signed form; a three-part token is treated as signed.
func Parse(raw string, key []byte) (Token, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Token{}, errFormat
	}
	if strings.Count(raw, ".") == 2 && !strings.HasPrefix(raw, "{") {
		return parseSigned(raw, key)
	}

	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Token{}, errFormat
	}
	if p.LectureID == "" || p.ExpiresAt == 0 {
		return Token{}, errFormat
	}
	tok := Token{
		LectureID: p.LectureID,
		SessionID: p.SessionID,
		ExpiresAt: time.UnixMilli(p.ExpiresAt).UTC(),
	}
	if p.Timestamp > 0 {
		tok.IssuedAt = time.UnixMilli(p.Timestamp).UTC()
	}
	return tok, nil
}

func parseSigned(raw string, key []byte) (Token, error) {
	if len(key) == 0 {
		return Token{}, errFormat
	}
	var claims Claims
	// expiry is checked by the caller so an expired code reports QR_EXPIRED
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return key, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		return Token{}, errFormat
	}
	if claims.LectureID == "" || claims.ExpiresAt == nil {
		return Token{}, errFormat
	}
	tok := Token{
		LectureID: claims.LectureID,
		SessionID: claims.SessionID,
		ExpiresAt: claims.ExpiresAt.Time.UTC(),
		Signed:    true,
	}
	if claims.IssuedAt != nil {
		tok.IssuedAt = claims.IssuedAt.Time.UTC()
	}
	return tok, nil
}

// Sign produces a signed code. The lecture screen lives outside this service;
// this exists for tooling and tests.
func Sign(tok Token, key []byte) (string, error) {
	claims := Claims{
		LectureID: tok.LectureID,
		SessionID: tok.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(tok.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(tok.IssuedAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// Encode produces the unsigned JSON form.
func Encode(tok Token) string {
	body, _ := json.Marshal(payload{
		LectureID: tok.LectureID,
		SessionID: tok.SessionID,
		Timestamp: tok.IssuedAt.UnixMilli(),
		ExpiresAt: tok.ExpiresAt.UnixMilli(),
	})
	return string(body)
}

// LectureLookup resolves lecture ids.
type LectureLookup interface {
	Get(ctx context.Context, id string) (*lecture.Lecture, error)
}

// Result of a verification.
type Result struct {
	Valid   bool
	Reason  string
	Token   Token
	Lecture *lecture.Lecture
}

// Checker verifies scanned codes.
type Checker struct {
	lectures      LectureLookup
	key           []byte
	requireSigned bool
	now           func() time.Time
}

// NewChecker creates a checker. key may be empty when only unsigned codes are used.
func NewChecker(lectures LectureLookup, key []byte, requireSigned bool) *Checker {
	return &Checker{lectures: lectures, key: key, requireSigned: requireSigned, now: time.Now}
}

// Parse decodes raw with the checker's key.
func (c *Checker) Parse(raw string) (Token, error) {
	return Parse(raw, c.key)
}

// Verify runs the format, expiry and lecture checks in that order. The error
// is reserved for lookup failures; rejections are reported in Result.
func (c *Checker) Verify(ctx context.Context, raw string) (Result, error) {
	tok, err := c.Parse(raw)
	if err != nil || (c.requireSigned && !tok.Signed) {
		return Result{Reason: ReasonInvalidFormat}, nil
	}
	now := c.now()
	if !tok.ValidAt(now) {
		return Result{Reason: ReasonExpired, Token: tok}, nil
	}
	l, err := c.lectures.Get(ctx, tok.LectureID)
	if err != nil {
		return Result{Token: tok}, err
	}
	if l == nil {
		return Result{Reason: ReasonLectureNotFound, Token: tok}, nil
	}
	if l.Ended(now) {
		return Result{Reason: ReasonLectureEnded, Token: tok, Lecture: l}, nil
	}
	return Result{Valid: true, Token: tok, Lecture: l}, nil
}
