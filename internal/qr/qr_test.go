package qr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"campusattend/internal/lecture"
)

type mockLookup struct {
	mock.Mock
}

func (m *mockLookup) Get(ctx context.Context, id string) (*lecture.Lecture, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*lecture.Lecture), args.Error(1)
}

var (
	now = time.Date(2026, 10, 15, 9, 15, 0, 0, time.UTC)
	key = []byte("qr-secret")
)

func liveLecture() *lecture.Lecture {
	return &lecture.Lecture{ID: "L1", Active: true, EndsAt: now.Add(45 * time.Minute)}
}

func newChecker(l LectureLookup, requireSigned bool) *Checker {
	c := NewChecker(l, key, requireSigned)
	c.now = func() time.Time { return now }
	return c
}

func TestParseUnsigned(t *testing.T) {
	raw := Encode(Token{LectureID: "L1", SessionID: "S1", IssuedAt: now, ExpiresAt: now.Add(time.Minute)})
	tok, err := Parse(raw, nil)
	require.NoError(t, err)
	assert.Equal(t, "L1", tok.LectureID)
	assert.Equal(t, "S1", tok.SessionID)
	assert.True(t, tok.ExpiresAt.Equal(now.Add(time.Minute)))
	assert.False(t, tok.Signed)
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "   ", "garbage", `{"sessionId":"S1"}`, `{"lectureId":"L1"}`, "a.b.c"} {
		_, err := Parse(raw, key)
		assert.Error(t, err, raw)
	}
}

func TestSignedRoundTrip(t *testing.T) {
	raw, err := Sign(Token{LectureID: "L1", SessionID: "S1", IssuedAt: now, ExpiresAt: now.Add(-time.Minute)}, key)
	require.NoError(t, err)

	tok, err := Parse(raw, key)
	require.NoError(t, err, "expired signed codes still parse so expiry can be reported")
	assert.True(t, tok.Signed)
	assert.Equal(t, "L1", tok.LectureID)

	_, err = Parse(raw, []byte("other-secret"))
	assert.Error(t, err)
	_, err = Parse(raw, nil)
	assert.Error(t, err)
}

func TestVerify(t *testing.T) {
	fresh := Encode(Token{LectureID: "L1", SessionID: "S1", ExpiresAt: now.Add(time.Minute)})
	expired := Encode(Token{LectureID: "L1", SessionID: "S1", ExpiresAt: now.Add(-time.Second)})
	atExpiry := Encode(Token{LectureID: "L1", SessionID: "S1", ExpiresAt: now})
	unknown := Encode(Token{LectureID: "L404", SessionID: "S1", ExpiresAt: now.Add(time.Minute)})
	ended := Encode(Token{LectureID: "L2", SessionID: "S1", ExpiresAt: now.Add(time.Minute)})

	tests := []struct {
		name   string
		raw    string
		valid  bool
		reason string
	}{
		{name: "fresh", raw: fresh, valid: true},
		{name: "exactly at expiry", raw: atExpiry, valid: true},
		{name: "expired", raw: expired, reason: ReasonExpired},
		{name: "malformed", raw: "{", reason: ReasonInvalidFormat},
		{name: "unknown lecture", raw: unknown, reason: ReasonLectureNotFound},
		{name: "ended lecture", raw: ended, reason: ReasonLectureEnded},
	}

	lookup := &mockLookup{}
	lookup.On("Get", mock.Anything, "L1").Return(liveLecture(), nil)
	lookup.On("Get", mock.Anything, "L404").Return(nil, nil)
	lookup.On("Get", mock.Anything, "L2").Return(&lecture.Lecture{ID: "L2", Active: false}, nil)
	c := newChecker(lookup, false)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := c.Verify(context.Background(), tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.valid, res.Valid)
			assert.Equal(t, tt.reason, res.Reason)
		})
	}
}

func TestVerifyExpiredSkipsLookup(t *testing.T) {
	lookup := &mockLookup{}
	c := newChecker(lookup, false)

	res, err := c.Verify(context.Background(), Encode(Token{LectureID: "L1", ExpiresAt: now.Add(-time.Hour)}))
	require.NoError(t, err)
	assert.Equal(t, ReasonExpired, res.Reason)
	lookup.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}

func TestVerifyRequireSigned(t *testing.T) {
	lookup := &mockLookup{}
	lookup.On("Get", mock.Anything, "L1").Return(liveLecture(), nil)
	c := newChecker(lookup, true)

	res, err := c.Verify(context.Background(), Encode(Token{LectureID: "L1", ExpiresAt: now.Add(time.Minute)}))
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalidFormat, res.Reason)

	signed, err := Sign(Token{LectureID: "L1", SessionID: "S1", IssuedAt: now, ExpiresAt: now.Add(time.Minute)}, key)
	require.NoError(t, err)
	res, err = c.Verify(context.Background(), signed)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.True(t, res.Token.Signed)
}

func TestVerifyLookupError(t *testing.T) {
	lookup := &mockLookup{}
	lookup.On("Get", mock.Anything, "L1").Return(nil, errors.New("store down"))
	c := newChecker(lookup, false)

	_, err := c.Verify(context.Background(), Encode(Token{LectureID: "L1", ExpiresAt: now.Add(time.Minute)}))
	assert.Error(t, err)
}
